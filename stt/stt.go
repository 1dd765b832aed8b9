package stt

import (
	"errors"
	"time"
)

// Engine identifies which recognition engine produced a transcript.
type Engine int

const (
	EngineStreaming Engine = iota
	EngineBatch
)

func (e Engine) String() string {
	switch e {
	case EngineStreaming:
		return "streaming"
	case EngineBatch:
		return "batch"
	default:
		return "unknown"
	}
}

// TranscriptEvent is one recognized text segment. Partial events
// (IsFinal=false) may be superseded by later partials; exactly one
// final event closes an utterance segment and is append-only from
// the consumer's point of view.
type TranscriptEvent struct {
	Text      string
	IsFinal   bool
	Engine    Engine
	Timestamp time.Time
}

// EventKind discriminates bridge lifecycle events.
type EventKind int

const (
	KindReady EventKind = iota
	KindTranscript
	KindError
	KindExit
)

func (k EventKind) String() string {
	switch k {
	case KindReady:
		return "ready"
	case KindTranscript:
		return "transcript"
	case KindError:
		return "error"
	case KindExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Event is one bridge notification. Transcript is set for
// KindTranscript, Err for KindError, ExitCode for KindExit.
type Event struct {
	Kind       EventKind
	Transcript TranscriptEvent
	Err        error
	ExitCode   int
}

var (
	// ErrWorkerNotReady is returned for batch requests issued before
	// the worker has loaded its model. Requests are rejected, not
	// queued; the caller retries after Ready.
	ErrWorkerNotReady = errors.New("stt: batch worker not ready")

	// ErrWorkerClosed is returned when the worker process has exited.
	ErrWorkerClosed = errors.New("stt: batch worker closed")

	// ErrRequestTimeout is returned when a batch request's wait
	// expires. The underlying engine call may still be in flight; its
	// late response is dropped by correlation ID.
	ErrRequestTimeout = errors.New("stt: batch request timed out")
)
