package stt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// DefaultRequestTimeout bounds the wait for one batch transcription.
const DefaultRequestTimeout = 30 * time.Second

// batchRequest is one request envelope written to the worker, one JSON
// object per line. Samples travel in the canonical wire form: base64 of
// little-endian float32, no alternative shapes.
type batchRequest struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Samples    string `json:"samples"`
	SampleRate int    `json:"sample_rate"`
}

// batchResponse is one response envelope read from the worker.
type batchResponse struct {
	ID    string      `json:"id"`
	Type  string      `json:"type"`
	Text  string      `json:"text,omitempty"`
	Words []BatchWord `json:"words,omitempty"`
	Error string      `json:"error,omitempty"`
}

// BatchWord is an optional time-aligned word from the batch engine.
type BatchWord struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// BatchResult is one completed batch transcription.
type BatchResult struct {
	Text  string
	Words []BatchWord
}

// BatchWorker owns the higher-accuracy batch recognition engine
// subprocess. Requests and responses are correlated by ID; responses
// may arrive in any order relative to request issuance.
type BatchWorker struct {
	stdinMu sync.Mutex
	stdin   io.WriteCloser

	mu      sync.Mutex
	pending map[string]chan batchResponse
	closed  bool

	done    chan struct{}
	ready   chan struct{}
	timeout time.Duration
	logger  *log.Logger

	cmd *exec.Cmd
}

// StartBatchWorker launches the batch engine process. The worker
// signals readiness once its model is loaded; Transcribe before that
// point is rejected with ErrWorkerNotReady.
func StartBatchWorker(command string, args []string, timeout time.Duration, logger *log.Logger) (*BatchWorker, error) {
	cmd := exec.Command(command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}

	w := newBatchWorkerIO(stdin, timeout, logger)
	w.cmd = cmd

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start batch engine: %w", err)
	}
	logger.Info("batch engine started", "command", command, "pid", cmd.Process.Pid)

	go w.readLoop(stdout)
	go func() {
		cmd.Wait()
		w.close()
	}()

	return w, nil
}

func newBatchWorkerIO(stdin io.WriteCloser, timeout time.Duration, logger *log.Logger) *BatchWorker {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &BatchWorker{
		stdin:   stdin,
		pending: make(map[string]chan batchResponse),
		done:    make(chan struct{}),
		ready:   make(chan struct{}),
		timeout: timeout,
		logger:  logger,
	}
}

// Ready reports whether the worker has loaded its model.
func (w *BatchWorker) Ready() bool {
	select {
	case <-w.ready:
		return true
	default:
		return false
	}
}

// WaitReady blocks until the worker is ready or ctx expires.
func (w *BatchWorker) WaitReady(ctx context.Context) error {
	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Transcribe submits one utterance and waits for its correlated
// response. Every request resolves exactly once: a result, an engine
// error, a timeout, or ctx cancellation. On timeout the correlation
// entry is removed; a late response is dropped with a diagnostic.
func (w *BatchWorker) Transcribe(ctx context.Context, samples []float32, sampleRate int) (*BatchResult, error) {
	if !w.Ready() {
		return nil, ErrWorkerNotReady
	}

	id := uuid.NewString()
	ch := make(chan batchResponse, 1)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, ErrWorkerClosed
	}
	w.pending[id] = ch
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
	}()

	req := batchRequest{
		ID:         id,
		Type:       "transcribe",
		Samples:    encodeSamples(samples),
		SampleRate: sampleRate,
	}
	if err := w.send(req); err != nil {
		return nil, fmt.Errorf("send batch request: %w", err)
	}

	timer := time.NewTimer(w.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Type == "error" || resp.Error != "" {
			return nil, fmt.Errorf("batch engine: %s", resp.Error)
		}
		return &BatchResult{Text: resp.Text, Words: resp.Words}, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: request %s", ErrRequestTimeout, id)
	case <-w.done:
		return nil, ErrWorkerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *BatchWorker) send(req batchRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	w.stdinMu.Lock()
	defer w.stdinMu.Unlock()
	if w.stdin == nil {
		return ErrWorkerClosed
	}
	_, err = w.stdin.Write(data)
	return err
}

// readLoop demultiplexes worker responses strictly by correlation ID.
// A response with no pending entry belongs to a waiter that already
// timed out; it is dropped with a diagnostic.
func (w *BatchWorker) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp batchResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			w.logger.Debug("batch engine", "line", string(line))
			continue
		}

		if resp.Type == "ready" {
			select {
			case <-w.ready:
			default:
				close(w.ready)
				w.logger.Info("batch engine ready")
			}
			continue
		}

		w.mu.Lock()
		ch, ok := w.pending[resp.ID]
		if ok {
			delete(w.pending, resp.ID)
		}
		w.mu.Unlock()

		if !ok {
			w.logger.Debug("dropping uncorrelated response", "id", resp.ID)
			continue
		}
		ch <- resp
	}
}

// Stop terminates the worker process.
func (w *BatchWorker) Stop() error {
	w.close()
	if w.cmd != nil && w.cmd.Process != nil {
		return w.cmd.Process.Kill()
	}
	return nil
}

func (w *BatchWorker) close() {
	w.stdinMu.Lock()
	if w.stdin != nil {
		w.stdin.Close()
		w.stdin = nil
	}
	w.stdinMu.Unlock()

	// Closing done releases every in-flight Transcribe immediately
	// with ErrWorkerClosed instead of leaving it to ride out its
	// timeout against a dead process.
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.done)
	}
	w.mu.Unlock()
}

// encodeSamples serializes float samples as base64 little-endian
// float32, the single canonical wire representation.
func encodeSamples(samples []float32) string {
	buf := bytes.NewBuffer(make([]byte, 0, len(samples)*4))
	binary.Write(buf, binary.LittleEndian, samples)
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// DecodeSamples is the inverse of the wire encoding; kept alongside it
// so both directions stay in one place.
func DecodeSamples(s string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode samples: %w", err)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("decode samples: %d bytes is not a float32 sequence", len(raw))
	}
	out := make([]float32, len(raw)/4)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, out); err != nil {
		return nil, err
	}
	return out, nil
}
