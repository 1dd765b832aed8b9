package stt

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// BridgeState tracks the streaming engine lifecycle.
type BridgeState int32

const (
	StateUninitialized BridgeState = iota
	StateStarting
	StateReady
	StateStreaming
	StateTerminated
)

func (s BridgeState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStreaming:
		return "streaming"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Audio fed before the engine signals readiness is held for replay.
// Beyond this many chunks the oldest are discarded.
const preReadyBufferLimit = 32

// engineRecord is one line of structured output from the streaming
// engine. Lines that do not parse as JSON are diagnostic output.
type engineRecord struct {
	Ready bool    `json:"ready,omitempty"`
	Text  *string `json:"text,omitempty"`
	Final bool    `json:"final,omitempty"`
	Error string  `json:"error,omitempty"`
}

// Bridge owns one long-lived streaming recognition engine subprocess.
// The engine reads raw chunk bytes on stdin and writes line-delimited
// JSON records on stdout. The bridge owns the process exclusively; it
// is not restarted here; on exit the owner constructs a new bridge.
type Bridge struct {
	state  atomic.Int32
	events chan Event
	logger *log.Logger

	mu       sync.Mutex
	stdin    io.WriteCloser
	pending  [][]byte // audio buffered before Ready
	stopping bool

	cmd *exec.Cmd
}

// StartBridge launches the streaming engine process and begins reading
// its output. Events arrive on Events() once the goroutines are going.
func StartBridge(command string, args []string, logger *log.Logger) (*Bridge, error) {
	cmd := exec.Command(command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("bridge stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("bridge stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("bridge stderr: %w", err)
	}

	b := newBridgeIO(stdin, logger)
	b.cmd = cmd

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start recognition engine: %w", err)
	}
	b.state.Store(int32(StateStarting))
	logger.Info("engine started", "command", command, "pid", cmd.Process.Pid)

	go b.readLoop(stdout)
	go b.drainStderr(stderr)
	go b.wait()

	return b, nil
}

// newBridgeIO builds a bridge around raw pipes. Process management is
// layered on top by StartBridge; tests drive the loops directly.
func newBridgeIO(stdin io.WriteCloser, logger *log.Logger) *Bridge {
	b := &Bridge{
		events: make(chan Event, 64),
		logger: logger,
		stdin:  stdin,
	}
	b.state.Store(int32(StateStarting))
	return b
}

// Events returns the bridge's event stream. It is closed after the
// exit event is delivered.
func (b *Bridge) Events() <-chan Event {
	return b.events
}

// State returns the current lifecycle state.
func (b *Bridge) State() BridgeState {
	return BridgeState(b.state.Load())
}

// Feed hands one encoded chunk to the engine. The return value says
// whether the chunk was accepted: false means the process has exited
// or its input is no longer writable, and the caller should rebuild
// the bridge. Audio fed before Ready is buffered for replay.
func (b *Bridge) Feed(chunk []byte) bool {
	if b.State() == StateTerminated {
		return false
	}

	// The state is re-read under the replay mutex: a chunk must never
	// join the pre-ready buffer after the ready path has drained it.
	b.mu.Lock()
	switch BridgeState(b.state.Load()) {
	case StateTerminated:
		b.mu.Unlock()
		return false
	case StateStarting, StateUninitialized:
		if len(b.pending) >= preReadyBufferLimit {
			b.pending = b.pending[1:]
			b.logger.Debug("pre-ready buffer full, dropping oldest chunk")
		}
		b.pending = append(b.pending, chunk)
		b.mu.Unlock()
		return true
	}

	if b.stdin == nil {
		b.mu.Unlock()
		b.logger.Error("feed failed", "error", errors.New("input closed"))
		return false
	}
	_, err := b.stdin.Write(chunk)
	b.mu.Unlock()
	if err != nil {
		b.logger.Error("feed failed", "error", err)
		return false
	}
	b.state.CompareAndSwap(int32(StateReady), int32(StateStreaming))
	return true
}

// Stop forcibly terminates the engine. There is no shutdown handshake;
// the engine is not assumed to support one.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	b.stopping = true
	if b.stdin != nil {
		b.stdin.Close()
		b.stdin = nil
	}
	b.mu.Unlock()

	if b.cmd != nil && b.cmd.Process != nil {
		return b.cmd.Process.Kill()
	}
	return nil
}

// readLoop turns engine stdout lines into typed events. Unparseable
// lines are engine diagnostics, logged and skipped.
func (b *Bridge) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec engineRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			b.logger.Debug("engine", "line", string(line))
			continue
		}

		switch {
		case rec.Ready:
			b.state.CompareAndSwap(int32(StateStarting), int32(StateReady))
			b.replayPending()
			b.events <- Event{Kind: KindReady}

		case rec.Text != nil:
			b.events <- Event{
				Kind: KindTranscript,
				Transcript: TranscriptEvent{
					Text:      *rec.Text,
					IsFinal:   rec.Final,
					Engine:    EngineStreaming,
					Timestamp: time.Now(),
				},
			}

		case rec.Error != "":
			// The process may still be alive; this is not an exit.
			b.events <- Event{Kind: KindError, Err: errors.New(rec.Error)}

		default:
			b.logger.Debug("engine", "record", string(line))
		}
	}
}

// replayPending flushes audio buffered before the ready signal. The
// mutex is held across the writes so replayed chunks stay ahead of any
// chunk fed directly after the ready transition.
func (b *Bridge) replayPending() {
	b.mu.Lock()
	defer b.mu.Unlock()

	pending := b.pending
	b.pending = nil
	if b.stdin == nil {
		return
	}
	for _, chunk := range pending {
		if _, err := b.stdin.Write(chunk); err != nil {
			b.logger.Error("replay failed", "error", err)
			return
		}
	}
	if len(pending) > 0 {
		b.logger.Debug("replayed buffered audio", "chunks", len(pending))
	}
}

func (b *Bridge) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		b.logger.Debug("engine stderr", "line", scanner.Text())
	}
}

// wait reaps the process and delivers the exit event. A Stop-initiated
// exit is normal teardown; anything else is abnormal and surfaces the
// status code for the owner to decide on a restart.
func (b *Bridge) wait() {
	err := b.cmd.Wait()
	b.state.Store(int32(StateTerminated))

	b.mu.Lock()
	stopping := b.stopping
	if b.stdin != nil {
		b.stdin.Close()
		b.stdin = nil
	}
	b.mu.Unlock()

	code := b.cmd.ProcessState.ExitCode()
	if !stopping {
		b.logger.Error("engine exited", "code", code, "error", err)
	}
	b.events <- Event{Kind: KindExit, ExitCode: code}
	close(b.events)
}
