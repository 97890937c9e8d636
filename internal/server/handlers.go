package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MeKo-Tech/idex/internal/pipeline"
	"github.com/MeKo-Tech/idex/internal/store"
)

// healthHandler returns server health status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status: "healthy",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

// extractHandler accepts a document submission and queues it for
// extraction. The reply carries the submission id; processing is
// asynchronous.
func (s *Server) extractHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadMB*1024*1024)
	if err := r.ParseMultipartForm(s.maxUploadMB * 1024 * 1024); err != nil {
		s.writeErrorResponse(w, "Failed to parse form data", http.StatusBadRequest)
		return
	}

	docType := strings.TrimSpace(r.FormValue("doc_type"))
	if docType == "" {
		s.writeErrorResponse(w, "Missing doc_type field", http.StatusBadRequest)
		return
	}
	if _, err := s.registry.Resolve(docType); err != nil {
		s.writeErrorResponse(w, fmt.Sprintf("Unsupported document type %q", docType), http.StatusBadRequest)
		return
	}

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		headers = r.MultipartForm.File["file"]
	}
	if len(headers) == 0 {
		s.writeErrorResponse(w, "No files provided", http.StatusBadRequest)
		return
	}

	sub := &store.Submission{
		ID:        uuid.New(),
		DocType:   docType,
		CreatedAt: time.Now().UTC(),
	}
	for _, h := range headers {
		f, err := h.Open()
		if err != nil {
			s.writeErrorResponse(w, "Failed to read uploaded file", http.StatusBadRequest)
			return
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			s.writeErrorResponse(w, "Failed to read uploaded file", http.StatusBadRequest)
			return
		}
		sub.Files = append(sub.Files, store.SubmissionFile{Name: h.Filename, Data: data})
	}

	if err := s.store.CreateSubmission(r.Context(), sub); err != nil {
		s.logger.Error("creating submission", "error", err)
		s.writeErrorResponse(w, "Failed to store submission", http.StatusInternalServerError)
		return
	}
	if err := s.queue.Enqueue(r.Context(), sub.ID); err != nil {
		if errors.Is(err, pipeline.ErrQueueFull) {
			s.writeErrorResponse(w, "Service busy, try again later", http.StatusServiceUnavailable)
			return
		}
		s.logger.Error("enqueueing submission", "submission_id", sub.ID, "error", err)
		s.writeErrorResponse(w, "Failed to queue submission", http.StatusInternalServerError)
		return
	}

	var size int
	for _, f := range sub.Files {
		size += len(f.Data)
	}
	submissionsTotal.WithLabelValues(docType).Inc()
	uploadBytes.Observe(float64(size))
	s.writeJSON(w, http.StatusAccepted, ExtractResponse{
		SubmissionID: sub.ID.String(),
		Status:       string(store.StatusQueued),
	})
}

// statusHandler reports the current lifecycle state of a submission.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ok := s.submissionID(w, r.URL.Path, "/api/v1/status/")
	if !ok {
		return
	}

	resp, err := s.buildStatus(r, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeErrorResponse(w, "Unknown submission", http.StatusNotFound)
			return
		}
		s.logger.Error("loading status", "submission_id", id, "error", err)
		s.writeErrorResponse(w, "Failed to load status", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) buildStatus(r *http.Request, id uuid.UUID) (*StatusResponse, error) {
	sub, err := s.store.GetSubmission(r.Context(), id)
	if err != nil {
		return nil, err
	}
	resp := &StatusResponse{
		SubmissionID: id.String(),
		DocType:      sub.DocType,
		Status:       string(store.StatusQueued),
	}
	run, err := s.store.GetRun(r.Context(), id)
	if err == nil {
		resp.Stage = run.Stage
		resp.Status = string(run.Status)
		resp.RetryCount = run.RetryCount
		resp.Reason = run.Reason
		resp.UpdatedAt = formatTime(run.UpdatedAt)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return resp, nil
}

// cancelHandler requests cancellation of a pending or running
// submission.
func (s *Server) cancelHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ok := s.submissionID(w, r.URL.Path, "/api/v1/cancel/")
	if !ok {
		return
	}

	switch err := s.queue.Cancel(r.Context(), id); {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]string{"submission_id": id.String(), "status": "cancelling"})
	case errors.Is(err, store.ErrNotFound):
		s.writeErrorResponse(w, "Unknown submission", http.StatusNotFound)
	case errors.Is(err, pipeline.ErrNotCancellable):
		s.writeErrorResponse(w, "Run already finished", http.StatusConflict)
	default:
		s.logger.Error("cancelling run", "submission_id", id, "error", err)
		s.writeErrorResponse(w, "Failed to cancel", http.StatusInternalServerError)
	}
}

// resultsHandler returns the extracted record for a successful run.
// Page and region images are addressed by sub-path, see
// image_handlers.go.
func (s *Server) resultsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/results/")
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		s.resultImageHandler(w, r, rest[:idx], rest[idx+1:])
		return
	}

	id, ok := s.submissionID(w, r.URL.Path, "/api/v1/results/")
	if !ok {
		return
	}
	rec, regions, err := s.store.GetRecord(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeErrorResponse(w, "No record for submission", http.StatusNotFound)
			return
		}
		s.logger.Error("loading record", "submission_id", id, "error", err)
		s.writeErrorResponse(w, "Failed to load record", http.StatusInternalServerError)
		return
	}

	resp := ResultsResponse{
		SubmissionID: id.String(),
		DocType:      rec.DocType,
		Fields:       rec.Fields,
		Pages:        len(rec.PageImages),
		CreatedAt:    formatTime(rec.CreatedAt),
	}
	for _, kv := range rec.CatchAll {
		resp.AdditionalData = append(resp.AdditionalData, KeyValue{Key: kv.Key, Value: kv.Value})
	}
	for i, reg := range regions {
		resp.Regions = append(resp.Regions, RegionInfo{
			Kind:       reg.Kind,
			PageIndex:  reg.PageIndex,
			Confidence: reg.Confidence,
			URL:        fmt.Sprintf("/api/v1/results/%s/regions/%d", id, i),
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// historyHandler lists recent submissions, newest first.
func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	page := queryInt(r, "page", 1)
	perPage := queryInt(r, "per_page", 20)
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	items, total, err := s.store.ListRecent(r.Context(), page, perPage)
	if err != nil {
		s.logger.Error("listing history", "error", err)
		s.writeErrorResponse(w, "Failed to list history", http.StatusInternalServerError)
		return
	}

	resp := HistoryResponse{Items: []HistoryEntry{}, Page: page, PerPage: perPage, Total: total}
	for _, item := range items {
		resp.Items = append(resp.Items, HistoryEntry{
			SubmissionID: item.SubmissionID.String(),
			DocType:      item.DocType,
			Status:       string(item.Status),
			CreatedAt:    formatTime(item.CreatedAt),
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// submissionID parses the trailing path segment as a submission id,
// answering 400 itself when malformed.
func (s *Server) submissionID(w http.ResponseWriter, path, prefix string) (uuid.UUID, bool) {
	raw := strings.TrimSuffix(strings.TrimPrefix(path, prefix), "/")
	id, err := uuid.Parse(raw)
	if err != nil {
		s.writeErrorResponse(w, "Invalid submission id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
