package snd

import (
	"context"
	"sync"
	"time"
)

// Framer accumulates raw capture blocks and flushes them on a fixed
// interval as self-contained WAV chunks at TargetSampleRate mono.
//
// Push never blocks on downstream consumers: flushed chunks go out on a
// buffered channel and are dropped with a warning if the consumer falls
// behind.
type Framer struct {
	mu        sync.Mutex
	buf       []float32
	speech    bool
	seq       uint64
	dropped   uint64
	closed    bool
	closeOnce sync.Once

	sourceRate int
	interval   time.Duration
	chunks     chan Chunk
	clock      TimeProvider
	logger     Logger
}

// NewFramer creates a Framer for a capture source running at sourceRate.
// A zero interval selects DefaultFlushInterval.
func NewFramer(sourceRate int, interval time.Duration, clock TimeProvider, logger Logger) *Framer {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if clock == nil {
		clock = &RealTimeProvider{}
	}
	return &Framer{
		sourceRate: sourceRate,
		interval:   interval,
		chunks:     make(chan Chunk, 16),
		clock:      clock,
		logger:     logger,
	}
}

// Chunks returns the channel of flushed chunks. It is closed by Close.
func (f *Framer) Chunks() <-chan Chunk {
	return f.chunks
}

// Push appends one capture block. Stereo blocks are averaged down to
// mono; blocks whose RMS exceeds SpeechRMSThreshold mark the pending
// chunk as containing speech.
func (f *Framer) Push(samples []float32, channels int) {
	if len(samples) == 0 {
		return
	}

	mono := samples
	if channels == 2 {
		mono = make([]float32, len(samples)/2)
		for i := range mono {
			mono[i] = (samples[2*i] + samples[2*i+1]) / 2
		}
	}

	loud := RMS(mono) > SpeechRMSThreshold

	f.mu.Lock()
	f.buf = append(f.buf, mono...)
	if loud && !f.speech {
		f.speech = true
		f.logger.Debug("speech", "buffered", len(f.buf))
	}
	f.mu.Unlock()
}

// Run flushes on the configured interval until ctx is cancelled, then
// performs a final flush and closes the chunk channel.
func (f *Framer) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.Flush()
			f.Close()
			return
		case <-ticker.C:
			f.Flush()
		}
	}
}

// Flush drains the sample buffer into one encoded chunk. An empty
// buffer is not an error; the flush is skipped with a debug log.
func (f *Framer) Flush() {
	f.mu.Lock()
	buf := f.buf
	speech := f.speech
	f.buf = nil
	f.speech = false
	f.mu.Unlock()

	if len(buf) == 0 {
		f.logger.Debug("flush skipped, no samples buffered")
		return
	}

	resampled := Resample(buf, f.sourceRate, TargetSampleRate)
	data, err := EncodeWAV(PCM16(resampled), TargetSampleRate)
	if err != nil {
		f.logger.Error("encode chunk", "error", err)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.seq++

	chunk := Chunk{
		Seq:        f.seq,
		Data:       data,
		Samples:    len(resampled),
		SampleRate: TargetSampleRate,
		Speech:     speech,
		FlushedAt:  f.clock.Now(),
	}

	select {
	case f.chunks <- chunk:
	default:
		f.dropped++
		f.logger.Error("chunk dropped, consumer behind", "seq", chunk.Seq, "dropped", f.dropped)
	}
}

// Dropped reports how many chunks were discarded because the consumer
// was not keeping up.
func (f *Framer) Dropped() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

// Close closes the chunk channel. Later flushes become no-ops.
func (f *Framer) Close() {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.chunks)
	})
}
