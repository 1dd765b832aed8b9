package snd

import "time"

// Constants
const (
	TargetSampleRate = 16000
	TargetChannels   = 1
	BitsPerSample    = 16

	DefaultFlushInterval = 400 * time.Millisecond

	// RMS amplitude above which a block counts as speech. Used for
	// liveness signaling only; all audio is forwarded either way.
	SpeechRMSThreshold = 0.015
)

// Interfaces
type TimeProvider interface {
	Now() time.Time
}

type Logger interface {
	Info(interface{}, ...interface{})
	Error(interface{}, ...interface{})
	Debug(interface{}, ...interface{})
}

// RealTimeProvider implements TimeProvider
type RealTimeProvider struct{}

func (r *RealTimeProvider) Now() time.Time {
	return time.Now()
}

// Chunk is one periodically flushed unit of encoded audio. Data holds a
// self-contained WAV blob at TargetSampleRate mono; Samples is the PCM
// sample count inside it. Chunks are immutable once emitted.
type Chunk struct {
	Seq        uint64
	Data       []byte
	Samples    int
	SampleRate int
	Speech     bool
	FlushedAt  time.Time
}
