package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"

	"lectern/db"
	"lectern/search"
)

// Searcher answers free-text queries against the verse index.
type Searcher interface {
	Search(ctx context.Context, query string, topK int) (search.Ranking, error)
}

// TranscriptStore reads saved transcripts.
type TranscriptStore interface {
	RecentTranscripts(ctx context.Context, limit int) ([]db.Transcript, error)
}

// Handler serves the HTTP and websocket surface.
type Handler struct {
	hub      *Hub
	searcher Searcher
	store    TranscriptStore
	logger   *log.Logger
}

func NewHandler(
	hub *Hub,
	searcher Searcher,
	store TranscriptStore,
	logger *log.Logger,
) *Handler {
	return &Handler{
		hub:      hub,
		searcher: searcher,
		store:    store,
		logger:   logger,
	}
}

// Router builds the route table.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", h.hub.HandleWS)
	r.HandleFunc("/search", h.handleSearch).Methods(http.MethodGet)
	r.HandleFunc("/transcripts", h.handleTranscripts).Methods(http.MethodGet)
	return r
}

// Serve blocks serving the route table on port.
func (h *Handler) Serve(port int) error {
	h.logger.Info("http", "url", fmt.Sprintf("http://localhost:%d", port))
	return http.ListenAndServe(fmt.Sprintf(":%d", port), h.Router())
}

type searchResult struct {
	ID         string  `json:"id"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
	Similarity float32 `json:"similarity"`
}

type searchResponse struct {
	Query    string         `json:"query"`
	Degraded bool           `json:"degraded"`
	Results  []searchResult `json:"results"`
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		http.Error(w, "missing q parameter", http.StatusBadRequest)
		return
	}

	k := 5
	if raw := r.URL.Query().Get("k"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			http.Error(w, "invalid k parameter", http.StatusBadRequest)
			return
		}
		k = parsed
	}

	ranking, err := h.searcher.Search(r.Context(), query, k)
	if err != nil {
		h.logger.Error("search failed", "query", query, "error", err)
		http.Error(w, "search failed", http.StatusInternalServerError)
		return
	}

	resp := searchResponse{
		Query:    query,
		Degraded: ranking.Degraded,
		Results:  make([]searchResult, 0, len(ranking.Results)),
	}
	for _, res := range ranking.Results {
		resp.Results = append(resp.Results, searchResult{
			ID:         res.Candidate.ID,
			Text:       res.Candidate.Text,
			Score:      res.Score,
			Similarity: res.OriginalScore,
		})
	}

	writeJSON(w, resp, h.logger)
}

type transcriptResponse struct {
	ID        int64  `json:"id"`
	Text      string `json:"text"`
	Engine    string `json:"engine"`
	Session   string `json:"session"`
	CreatedAt string `json:"created_at"`
}

func (h *Handler) handleTranscripts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			http.Error(w, "invalid limit parameter", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	transcripts, err := h.store.RecentTranscripts(r.Context(), limit)
	if err != nil {
		h.logger.Error("list transcripts failed", "error", err)
		http.Error(w, "list transcripts failed", http.StatusInternalServerError)
		return
	}

	resp := make([]transcriptResponse, 0, len(transcripts))
	for _, t := range transcripts {
		resp = append(resp, transcriptResponse{
			ID:        t.ID,
			Text:      t.Text,
			Engine:    t.Engine,
			Session:   t.Session,
			CreatedAt: t.CreatedAt.Format("2006-01-02 15:04:05"),
		})
	}

	writeJSON(w, resp, h.logger)
}

func writeJSON(w http.ResponseWriter, v interface{}, logger *log.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("encode response", "error", err)
	}
}
