package stt

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

// fakeEngine speaks the worker protocol over pipes: requests in,
// responses out, in whatever order the test dictates.
type fakeEngine struct {
	worker *BatchWorker
	reqs   *io.PipeReader
	resps  *io.PipeWriter
}

func startFakeEngine(t *testing.T, timeout time.Duration) *fakeEngine {
	t.Helper()
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	w := newBatchWorkerIO(reqW, timeout, testLogger())
	go w.readLoop(respR)

	return &fakeEngine{worker: w, reqs: reqR, resps: respW}
}

func (e *fakeEngine) signalReady(t *testing.T) {
	t.Helper()
	e.respond(t, batchResponse{Type: "ready"})
}

func (e *fakeEngine) respond(t *testing.T, resp batchResponse) {
	t.Helper()
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	if _, err := e.resps.Write(append(data, '\n')); err != nil {
		t.Fatalf("write response: %v", err)
	}
}

func (e *fakeEngine) readRequest(t *testing.T, scanner *bufio.Scanner) batchRequest {
	t.Helper()
	if !scanner.Scan() {
		t.Fatal("engine input closed early")
	}
	var req batchRequest
	if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
		t.Fatalf("bad request line: %v", err)
	}
	return req
}

func waitReady(t *testing.T, w *BatchWorker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.WaitReady(ctx); err != nil {
		t.Fatalf("worker never became ready: %v", err)
	}
}

func TestBatchRejectsBeforeReady(t *testing.T) {
	e := startFakeEngine(t, time.Second)

	_, err := e.worker.Transcribe(context.Background(), []float32{0}, 16000)
	if !errors.Is(err, ErrWorkerNotReady) {
		t.Fatalf("Expected ErrWorkerNotReady, got %v", err)
	}
}

func TestBatchCorrelationUnderReversedResponses(t *testing.T) {
	const n = 50

	e := startFakeEngine(t, 10*time.Second)
	e.signalReady(t)
	waitReady(t, e.worker)

	// Collect all requests first, then answer them in reverse order.
	// Each response carries the sample count of its own request so a
	// cross-wired correlation is detectable by the caller.
	go func() {
		scanner := bufio.NewScanner(e.reqs)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		reqs := make([]batchRequest, 0, n)
		for i := 0; i < n; i++ {
			reqs = append(reqs, e.readRequest(t, scanner))
		}
		for i := n - 1; i >= 0; i-- {
			samples, err := DecodeSamples(reqs[i].Samples)
			if err != nil {
				t.Errorf("decode samples: %v", err)
				return
			}
			e.respond(t, batchResponse{
				ID:   reqs[i].ID,
				Type: "result",
				Text: fmt.Sprintf("samples=%d", len(samples)),
			})
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.worker.Transcribe(context.Background(), make([]float32, i+1), 16000)
			if err != nil {
				errs <- fmt.Errorf("request %d: %w", i, err)
				return
			}
			want := fmt.Sprintf("samples=%d", i+1)
			if res.Text != want {
				errs <- fmt.Errorf("request %d got %q, want %q", i, res.Text, want)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestBatchRequestTimeout(t *testing.T) {
	e := startFakeEngine(t, 50*time.Millisecond)
	e.signalReady(t)
	waitReady(t, e.worker)

	// Swallow the request, never answer.
	scanner := bufio.NewScanner(e.reqs)
	done := make(chan batchRequest, 1)
	go func() {
		done <- e.readRequest(t, scanner)
	}()

	_, err := e.worker.Transcribe(context.Background(), []float32{0, 0}, 16000)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("Expected ErrRequestTimeout, got %v", err)
	}

	// The late response must be dropped quietly: the correlation entry
	// is gone and nothing blocks the read loop.
	req := <-done
	e.respond(t, batchResponse{ID: req.ID, Type: "result", Text: "too late"})
	e.signalReady(t) // a further message proves the loop is still alive
}

func TestBatchEngineError(t *testing.T) {
	e := startFakeEngine(t, time.Second)
	e.signalReady(t)
	waitReady(t, e.worker)

	scanner := bufio.NewScanner(e.reqs)
	go func() {
		req := e.readRequest(t, scanner)
		e.respond(t, batchResponse{ID: req.ID, Type: "error", Error: "model blew up"})
	}()

	_, err := e.worker.Transcribe(context.Background(), []float32{0}, 16000)
	if err == nil {
		t.Fatal("Expected engine error")
	}
}

func TestBatchContextCancellation(t *testing.T) {
	e := startFakeEngine(t, time.Minute)
	e.signalReady(t)
	waitReady(t, e.worker)

	scanner := bufio.NewScanner(e.reqs)
	go func() {
		e.readRequest(t, scanner)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := e.worker.Transcribe(ctx, []float32{0}, 16000)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

func TestBatchWorkerDeathFailsInFlightRequests(t *testing.T) {
	// An in-flight request must resolve with ErrWorkerClosed as soon
	// as the worker dies, not sit out the full request timeout.
	engine := startFakeEngine(t, time.Minute)
	engine.signalReady(t)
	for !engine.worker.Ready() {
		time.Sleep(time.Millisecond)
	}

	go func() {
		// Drain the request so Transcribe reaches its wait.
		scanner := bufio.NewScanner(engine.reqs)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		scanner.Scan()
		engine.worker.close()
	}()

	done := make(chan error, 1)
	go func() {
		_, err := engine.worker.Transcribe(
			context.Background(), []float32{0.1, 0.2}, 16000,
		)
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, ErrWorkerClosed) {
			t.Errorf("Expected ErrWorkerClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Transcribe did not resolve after worker death")
	}
}

func TestSampleWireEncoding(t *testing.T) {
	in := []float32{0, 1, -1, 0.5, -0.25}
	out, err := DecodeSamples(encodeSamples(in))
	if err != nil {
		t.Fatalf("DecodeSamples failed: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("Expected %d samples, got %d", len(in), len(out))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("Sample %d: %f != %f", i, out[i], in[i])
		}
	}
}

func TestDecodeSamplesRejectsRaggedBuffer(t *testing.T) {
	if _, err := DecodeSamples("AAAA"); err != nil { // 3 bytes
		return
	}
	t.Error("Expected error for non-float32-aligned buffer")
}
