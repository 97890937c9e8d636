package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/MeKo-Tech/idex/internal/store"
	"github.com/MeKo-Tech/idex/internal/template"
)

// dispatcher is the queue surface the server needs.
type dispatcher interface {
	Enqueue(ctx context.Context, id uuid.UUID) error
	Cancel(ctx context.Context, id uuid.UUID) error
}

// Server holds the HTTP server state and dependencies.
type Server struct {
	store       store.Store
	queue       dispatcher
	registry    *template.Registry
	corsOrigin  string
	maxUploadMB int64
	logger      *slog.Logger
}

// Config holds server configuration.
type Config struct {
	CORSOrigin  string
	MaxUploadMB int64
}

// NewServer creates a server over an already-running queue and store.
func NewServer(cfg Config, st store.Store, queue dispatcher, registry *template.Registry, logger *slog.Logger) *Server {
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = "*"
	}
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = 25
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:       st,
		queue:       queue,
		registry:    registry,
		corsOrigin:  cfg.CORSOrigin,
		maxUploadMB: cfg.MaxUploadMB,
		logger:      logger,
	}
}

// SetupRoutes configures the HTTP routes.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.corsMiddleware(s.healthHandler))
	mux.HandleFunc("/api/v1/extract", s.corsMiddleware(s.extractHandler))
	mux.HandleFunc("/api/v1/status/", s.corsMiddleware(s.statusHandler))
	mux.HandleFunc("/api/v1/cancel/", s.corsMiddleware(s.cancelHandler))
	mux.HandleFunc("/api/v1/results/", s.corsMiddleware(s.resultsHandler))
	mux.HandleFunc("/api/v1/history", s.corsMiddleware(s.historyHandler))
	mux.HandleFunc("/ws/status/", s.statusWebSocketHandler)
}

// Response types for API endpoints.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

type ExtractResponse struct {
	SubmissionID string `json:"submission_id"`
	Status       string `json:"status"`
}

type StatusResponse struct {
	SubmissionID string `json:"submission_id"`
	DocType      string `json:"doc_type,omitempty"`
	Stage        string `json:"stage,omitempty"`
	Status       string `json:"status"`
	RetryCount   int    `json:"retry_count"`
	Reason       string `json:"reason,omitempty"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}

type RegionInfo struct {
	Kind       string  `json:"kind"`
	PageIndex  int     `json:"page_index"`
	Confidence float64 `json:"confidence"`
	URL        string  `json:"url"`
}

type ResultsResponse struct {
	SubmissionID   string            `json:"submission_id"`
	DocType        string            `json:"doc_type"`
	Fields         map[string]string `json:"fields"`
	AdditionalData []KeyValue        `json:"additional_data,omitempty"`
	Pages          int               `json:"pages"`
	Regions        []RegionInfo      `json:"regions,omitempty"`
	CreatedAt      string            `json:"created_at"`
}

type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type HistoryEntry struct {
	SubmissionID string `json:"submission_id"`
	DocType      string `json:"doc_type"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"`
}

type HistoryResponse struct {
	Items   []HistoryEntry `json:"items"`
	Page    int            `json:"page"`
	PerPage int            `json:"per_page"`
	Total   int            `json:"total"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", "error", err)
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, msg string, status int) {
	s.writeJSON(w, status, ErrorResponse{Error: msg})
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
