package stt

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

// mockStdin is a threadsafe in-memory engine input.
type mockStdin struct {
	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func (m *mockStdin) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, io.ErrClosedPipe
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	m.writes = append(m.writes, buf)
	return len(p), nil
}

func (m *mockStdin) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockStdin) Writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.writes))
	copy(out, m.writes)
	return out
}

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

func runBridge(t *testing.T, lines string) (*Bridge, *mockStdin) {
	t.Helper()
	stdin := &mockStdin{}
	b := newBridgeIO(stdin, testLogger())
	r, w := io.Pipe()
	go b.readLoop(r)
	go func() {
		w.Write([]byte(lines))
		w.Close()
	}()
	return b, stdin
}

func nextEvent(t *testing.T, b *Bridge) Event {
	t.Helper()
	select {
	case ev := <-b.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
		return Event{}
	}
}

func TestBridgeReadySignal(t *testing.T) {
	b, _ := runBridge(t, `{"ready":true}`+"\n")

	ev := nextEvent(t, b)
	if ev.Kind != KindReady {
		t.Fatalf("Expected ready event, got %s", ev.Kind)
	}
	if b.State() != StateReady {
		t.Errorf("Expected state ready, got %s", b.State())
	}
}

func TestBridgePreReadyBufferReplay(t *testing.T) {
	stdin := &mockStdin{}
	b := newBridgeIO(stdin, testLogger())

	// Audio fed before ready must not reach the engine yet.
	if !b.Feed([]byte("one")) {
		t.Fatal("Pre-ready feed should be accepted")
	}
	if !b.Feed([]byte("two")) {
		t.Fatal("Pre-ready feed should be accepted")
	}
	if got := len(stdin.Writes()); got != 0 {
		t.Fatalf("Audio reached engine before ready: %d writes", got)
	}

	r, w := io.Pipe()
	go b.readLoop(r)
	w.Write([]byte(`{"ready":true}` + "\n"))

	nextEvent(t, b) // ready

	writes := stdin.Writes()
	if len(writes) != 2 {
		t.Fatalf("Expected 2 replayed chunks, got %d", len(writes))
	}
	if string(writes[0]) != "one" || string(writes[1]) != "two" {
		t.Errorf("Replay out of order: %q %q", writes[0], writes[1])
	}
	w.Close()
}

func TestBridgeTranscriptEvents(t *testing.T) {
	lines := `{"text":"in the beginning","final":false}` + "\n" +
		`{"text":"in the beginning was the word","final":true}` + "\n"
	b, _ := runBridge(t, lines)

	partial := nextEvent(t, b)
	if partial.Kind != KindTranscript {
		t.Fatalf("Expected transcript, got %s", partial.Kind)
	}
	if partial.Transcript.IsFinal {
		t.Error("First event should be partial")
	}
	if partial.Transcript.Text != "in the beginning" {
		t.Errorf("Unexpected text %q", partial.Transcript.Text)
	}
	if partial.Transcript.Engine != EngineStreaming {
		t.Errorf("Expected streaming engine, got %s", partial.Transcript.Engine)
	}

	final := nextEvent(t, b)
	if !final.Transcript.IsFinal {
		t.Error("Second event should be final")
	}
}

func TestBridgeDiagnosticLinesSkipped(t *testing.T) {
	lines := "loading model weights...\n" +
		`{"text":"hello","final":true}` + "\n"
	b, _ := runBridge(t, lines)

	ev := nextEvent(t, b)
	if ev.Kind != KindTranscript || ev.Transcript.Text != "hello" {
		t.Fatalf("Diagnostic line was not skipped, got %+v", ev)
	}
}

func TestBridgeErrorRecord(t *testing.T) {
	b, _ := runBridge(t, `{"error":"decoder stall"}`+"\n")

	ev := nextEvent(t, b)
	if ev.Kind != KindError {
		t.Fatalf("Expected error event, got %s", ev.Kind)
	}
	if ev.Err == nil || ev.Err.Error() != "decoder stall" {
		t.Errorf("Unexpected error %v", ev.Err)
	}
}

func TestBridgeFeedAfterTerminated(t *testing.T) {
	stdin := &mockStdin{}
	b := newBridgeIO(stdin, testLogger())
	b.state.Store(int32(StateTerminated))

	if b.Feed([]byte("late")) {
		t.Error("Feed after termination must report rejection")
	}
}

func TestBridgeFeedUnwritableInput(t *testing.T) {
	stdin := &mockStdin{}
	b := newBridgeIO(stdin, testLogger())
	b.state.Store(int32(StateReady))
	stdin.Close()

	if b.Feed([]byte("chunk")) {
		t.Error("Feed into closed input must report rejection")
	}
}

func TestBridgeFeedDuringReadyTransition(t *testing.T) {
	// Feeders race the ready transition: every accepted chunk must end
	// up written to the engine, whether it went through the pre-ready
	// buffer or directly. A chunk stranded in the buffer would show up
	// as a missing write.
	stdin := &mockStdin{}
	b := newBridgeIO(stdin, testLogger())

	const feeders = 4
	const perFeeder = 5

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < feeders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			for j := 0; j < perFeeder; j++ {
				if !b.Feed([]byte{byte(i), byte(j)}) {
					t.Errorf("Feed %d/%d rejected", i, j)
				}
			}
		}(i)
	}

	close(start)
	b.state.CompareAndSwap(int32(StateStarting), int32(StateReady))
	b.replayPending()
	wg.Wait()

	if got := len(stdin.Writes()); got != feeders*perFeeder {
		t.Errorf("Expected %d chunks written, got %d", feeders*perFeeder, got)
	}
	b.mu.Lock()
	stranded := len(b.pending)
	b.mu.Unlock()
	if stranded != 0 {
		t.Errorf("Expected empty pre-ready buffer, %d chunks stranded", stranded)
	}
}

func TestBridgeEmptyTextIsStillTranscript(t *testing.T) {
	// final=true with empty text closes a segment; isFinal is verbatim.
	b, _ := runBridge(t, `{"text":"","final":true}`+"\n")

	ev := nextEvent(t, b)
	if ev.Kind != KindTranscript || !ev.Transcript.IsFinal {
		t.Fatalf("Expected final transcript, got %+v", ev)
	}
}
