package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"lectern/search"
	"lectern/snd"
	"lectern/stt"
	"lectern/web"
)

const (
	DefaultTopK        = 5
	DefaultMaxRestarts = 3

	// DefaultMaxUtteranceSamples bounds the audio retained for batch
	// refinement: 60 seconds at the target rate. Older samples are
	// discarded first.
	DefaultMaxUtteranceSamples = 60 * snd.TargetSampleRate

	restartBackoff = 500 * time.Millisecond
)

// Recognizer is the streaming engine surface the session drives.
type Recognizer interface {
	Events() <-chan stt.Event
	Feed(chunk []byte) bool
	Stop() error
}

// RecognizerFactory spawns a fresh streaming engine. The session calls
// it again after an abnormal engine exit.
type RecognizerFactory func() (Recognizer, error)

// Searcher answers free-text queries against the verse index.
type Searcher interface {
	Search(ctx context.Context, query string, topK int) (search.Ranking, error)
}

// Broadcaster pushes live events to connected clients.
type Broadcaster interface {
	Broadcast(web.Message)
}

// TranscriptWriter persists final transcripts.
type TranscriptWriter interface {
	InsertTranscript(
		ctx context.Context, text, engine, session string,
	) (int64, error)
}

// BatchTranscriber re-transcribes a finished utterance at higher
// accuracy than the streaming engine.
type BatchTranscriber interface {
	Ready() bool
	Transcribe(
		ctx context.Context, samples []float32, sampleRate int,
	) (*stt.BatchResult, error)
}

// Config wires a Session together. Framer, StartRecognizer, Searcher,
// Hub and Logger are required; Store and Batch are optional.
type Config struct {
	Framer          *snd.Framer
	StartRecognizer RecognizerFactory
	Searcher        Searcher
	Hub             Broadcaster
	Store           TranscriptWriter
	Batch           BatchTranscriber
	Logger          *log.Logger

	TopK        int
	MaxRestarts int

	// MaxUtteranceSamples caps the refinement buffer; zero selects
	// DefaultMaxUtteranceSamples.
	MaxUtteranceSamples int
}

// Session runs one live listening session: audio chunks go to the
// streaming engine, final transcripts are persisted, broadcast, sent
// to retrieval, and optionally refined by the batch engine.
type Session struct {
	id  string
	cfg Config

	utterance []float32
}

func NewSession(cfg Config) (*Session, error) {
	if cfg.Framer == nil {
		return nil, fmt.Errorf("pipeline: framer is required")
	}
	if cfg.StartRecognizer == nil {
		return nil, fmt.Errorf("pipeline: recognizer factory is required")
	}
	if cfg.Searcher == nil {
		return nil, fmt.Errorf("pipeline: searcher is required")
	}
	if cfg.Hub == nil {
		return nil, fmt.Errorf("pipeline: hub is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("pipeline: logger is required")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = DefaultMaxRestarts
	}
	if cfg.MaxUtteranceSamples <= 0 {
		cfg.MaxUtteranceSamples = DefaultMaxUtteranceSamples
	}
	return &Session{id: uuid.NewString(), cfg: cfg}, nil
}

// ID is the session correlation key used in persisted transcripts.
func (s *Session) ID() string {
	return s.id
}

// Run drives the session until ctx is cancelled, the audio source
// ends, or the engine dies beyond repair.
func (s *Session) Run(ctx context.Context) error {
	rec, err := s.cfg.StartRecognizer()
	if err != nil {
		return fmt.Errorf("start recognizer: %w", err)
	}
	defer rec.Stop()

	go s.cfg.Framer.Run(ctx)

	chunks := s.cfg.Framer.Chunks()
	events := rec.Events()
	restarts := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				if events == nil {
					return nil
				}
				continue
			}
			s.handleChunk(rec, chunk)

		case ev, ok := <-events:
			if !ok {
				events = nil
				if chunks == nil {
					return nil
				}
				continue
			}
			switch ev.Kind {
			case stt.KindReady:
				s.cfg.Logger.Info("engine ready", "session", s.id)
				s.cfg.Hub.Broadcast(web.Message{
					Kind: "status", Status: "ready",
				})

			case stt.KindTranscript:
				s.handleTranscript(ctx, ev.Transcript)

			case stt.KindError:
				s.cfg.Logger.Warn(
					"engine error", "session", s.id, "error", ev.Err,
				)
				s.cfg.Hub.Broadcast(web.Message{
					Kind: "status", Status: "engine error",
				})

			case stt.KindExit:
				if ctx.Err() != nil {
					return ctx.Err()
				}
				restarts++
				if restarts > s.cfg.MaxRestarts {
					return fmt.Errorf(
						"engine exited %d times (last code %d), giving up",
						restarts, ev.ExitCode,
					)
				}
				s.cfg.Logger.Warn(
					"engine exited, restarting",
					"code", ev.ExitCode,
					"attempt", restarts,
				)
				next, err := s.restart(ctx, restarts)
				if err != nil {
					return err
				}
				rec.Stop()
				rec = next
				events = rec.Events()
			}
		}
	}
}

func (s *Session) restart(ctx context.Context, attempt int) (Recognizer, error) {
	delay := time.Duration(attempt) * restartBackoff
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(delay):
	}
	rec, err := s.cfg.StartRecognizer()
	if err != nil {
		return nil, fmt.Errorf("restart recognizer: %w", err)
	}
	return rec, nil
}

// handleChunk forwards audio to the engine and accumulates the
// utterance buffer for batch refinement. All audio is forwarded; the
// speech flag is a liveness signal, not a gate.
func (s *Session) handleChunk(rec Recognizer, chunk snd.Chunk) {
	if !rec.Feed(chunk.Data) {
		s.cfg.Logger.Debug("chunk dropped, engine not accepting input")
		return
	}
	if s.cfg.Batch != nil {
		pcm, _, err := snd.DecodeWAV(chunk.Data)
		if err != nil {
			s.cfg.Logger.Debug("chunk decode failed", "error", err)
			return
		}
		s.utterance = append(s.utterance, snd.Float32(pcm)...)
		if n := len(s.utterance); n > s.cfg.MaxUtteranceSamples {
			trimmed := make([]float32, s.cfg.MaxUtteranceSamples)
			copy(trimmed, s.utterance[n-s.cfg.MaxUtteranceSamples:])
			s.utterance = trimmed
		}
	}
}

func (s *Session) handleTranscript(ctx context.Context, tr stt.TranscriptEvent) {
	s.cfg.Hub.Broadcast(web.Message{
		Kind:    "transcript",
		Text:    tr.Text,
		IsFinal: tr.IsFinal,
		Engine:  tr.Engine.String(),
	})
	if !tr.IsFinal || tr.Text == "" {
		return
	}

	s.cfg.Logger.Info("final transcript", "session", s.id, "text", tr.Text)

	if s.cfg.Store != nil {
		if _, err := s.cfg.Store.InsertTranscript(
			ctx, tr.Text, tr.Engine.String(), s.id,
		); err != nil {
			s.cfg.Logger.Error("save transcript", "error", err)
		}
	}

	go s.runSearch(ctx, tr.Text)

	if s.cfg.Batch != nil && len(s.utterance) > 0 {
		utterance := s.utterance
		s.utterance = nil
		go s.refine(ctx, utterance)
	}
}

// runSearch retrieves verses for a final transcript and broadcasts
// them. Retrieval failures end the search, not the session.
func (s *Session) runSearch(ctx context.Context, text string) {
	ranking, err := s.cfg.Searcher.Search(ctx, text, s.cfg.TopK)
	if err != nil {
		s.cfg.Logger.Error("search failed", "query", text, "error", err)
		return
	}
	results, err := encodeResults(ranking.Results)
	if err != nil {
		s.cfg.Logger.Error("encode results", "error", err)
		return
	}
	s.cfg.Hub.Broadcast(web.Message{
		Kind:     "results",
		Text:     text,
		Results:  results,
		Degraded: ranking.Degraded,
	})
}

func encodeResults(results []search.RankedResult) (json.RawMessage, error) {
	type wireResult struct {
		ID         string  `json:"id"`
		Text       string  `json:"text"`
		Score      float64 `json:"score"`
		Similarity float32 `json:"similarity"`
	}
	out := make([]wireResult, 0, len(results))
	for _, res := range results {
		out = append(out, wireResult{
			ID:         res.Candidate.ID,
			Text:       res.Candidate.Text,
			Score:      res.Score,
			Similarity: res.OriginalScore,
		})
	}
	return json.Marshal(out)
}

// refine re-transcribes the utterance with the batch engine and
// broadcasts the higher-accuracy text alongside the streaming one.
func (s *Session) refine(ctx context.Context, utterance []float32) {
	if !s.cfg.Batch.Ready() {
		return
	}
	result, err := s.cfg.Batch.Transcribe(
		ctx, utterance, snd.TargetSampleRate,
	)
	if err != nil {
		s.cfg.Logger.Warn("batch refinement failed", "error", err)
		return
	}
	if result.Text == "" {
		return
	}
	s.cfg.Hub.Broadcast(web.Message{
		Kind:    "transcript",
		Text:    result.Text,
		IsFinal: true,
		Engine:  stt.EngineBatch.String(),
	})
	if s.cfg.Store != nil {
		if _, err := s.cfg.Store.InsertTranscript(
			ctx, result.Text, stt.EngineBatch.String(), s.id,
		); err != nil {
			s.cfg.Logger.Error("save refined transcript", "error", err)
		}
	}
}
