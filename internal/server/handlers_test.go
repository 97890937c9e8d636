package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/idex/internal/mapper"
	"github.com/MeKo-Tech/idex/internal/pipeline"
	"github.com/MeKo-Tech/idex/internal/store"
	"github.com/MeKo-Tech/idex/internal/template"
)

type fakeDispatcher struct {
	enqueued   []uuid.UUID
	cancelled  []uuid.UUID
	enqueueErr error
	cancelErr  error
}

func (f *fakeDispatcher) Enqueue(_ context.Context, id uuid.UUID) error {
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.enqueued = append(f.enqueued, id)
	return nil
}

func (f *fakeDispatcher) Cancel(_ context.Context, id uuid.UUID) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func newTestServer(t *testing.T) (*Server, store.Store, *fakeDispatcher) {
	t.Helper()
	st, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "idex.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	registry, err := template.NewRegistry()
	require.NoError(t, err)

	q := &fakeDispatcher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(Config{MaxUploadMB: 5}, st, q, registry, logger), st, q
}

func serveRequest(t *testing.T, s *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func multipartBody(t *testing.T, docType string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if docType != "" {
		require.NoError(t, w.WriteField("doc_type", docType))
	}
	for name, data := range files {
		fw, err := w.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestHealthHandler(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := serveRequest(t, s, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
}

func TestExtractHandler_Accepted(t *testing.T) {
	s, st, q := newTestServer(t)

	body, contentType := multipartBody(t, "passport", map[string][]byte{"scan.jpg": {0xff, 0xd8, 0xff}})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/extract", body)
	req.Header.Set("Content-Type", contentType)
	rec := serveRequest(t, s, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp ExtractResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "queued", resp.Status)

	id, err := uuid.Parse(resp.SubmissionID)
	require.NoError(t, err)
	require.Len(t, q.enqueued, 1)
	assert.Equal(t, id, q.enqueued[0])

	sub, err := st.GetSubmission(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "passport", sub.DocType)
	require.Len(t, sub.Files, 1)
	assert.Equal(t, "scan.jpg", sub.Files[0].Name)
}

func TestExtractHandler_Rejections(t *testing.T) {
	s, _, _ := newTestServer(t)

	// Missing doc_type.
	body, contentType := multipartBody(t, "", map[string][]byte{"a.jpg": {1}})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/extract", body)
	req.Header.Set("Content-Type", contentType)
	assert.Equal(t, http.StatusBadRequest, serveRequest(t, s, req).Code)

	// Unsupported document type.
	body, contentType = multipartBody(t, "visa", map[string][]byte{"a.jpg": {1}})
	req = httptest.NewRequest(http.MethodPost, "/api/v1/extract", body)
	req.Header.Set("Content-Type", contentType)
	assert.Equal(t, http.StatusBadRequest, serveRequest(t, s, req).Code)

	// No files.
	body, contentType = multipartBody(t, "passport", nil)
	req = httptest.NewRequest(http.MethodPost, "/api/v1/extract", body)
	req.Header.Set("Content-Type", contentType)
	assert.Equal(t, http.StatusBadRequest, serveRequest(t, s, req).Code)
}

func TestExtractHandler_QueueFull(t *testing.T) {
	s, _, q := newTestServer(t)
	q.enqueueErr = pipeline.ErrQueueFull

	body, contentType := multipartBody(t, "passport", map[string][]byte{"a.jpg": {1}})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/extract", body)
	req.Header.Set("Content-Type", contentType)
	assert.Equal(t, http.StatusServiceUnavailable, serveRequest(t, s, req).Code)
}

func TestStatusHandler(t *testing.T) {
	s, st, _ := newTestServer(t)
	ctx := context.Background()

	sub := &store.Submission{ID: uuid.New(), DocType: "passport", CreatedAt: time.Now().UTC()}
	require.NoError(t, st.CreateSubmission(ctx, sub))
	require.NoError(t, st.SaveRun(ctx, &store.Run{
		SubmissionID: sub.ID, Stage: "correcting", Status: store.StatusRunning, RetryCount: 1,
	}))

	rec := serveRequest(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/status/"+sub.ID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "correcting", resp.Stage)
	assert.Equal(t, "running", resp.Status)
	assert.Equal(t, 1, resp.RetryCount)
}

func TestStatusHandler_QueuedBeforeRunExists(t *testing.T) {
	s, st, _ := newTestServer(t)
	sub := &store.Submission{ID: uuid.New(), DocType: "passport", CreatedAt: time.Now().UTC()}
	require.NoError(t, st.CreateSubmission(context.Background(), sub))

	rec := serveRequest(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/status/"+sub.ID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "queued", resp.Status)
}

func TestStatusHandler_NotFound(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := serveRequest(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/status/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serveRequest(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/status/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelHandler(t *testing.T) {
	s, _, q := newTestServer(t)
	id := uuid.New()

	rec := serveRequest(t, s, httptest.NewRequest(http.MethodPost, "/api/v1/cancel/"+id.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, q.cancelled, 1)
	assert.Equal(t, id, q.cancelled[0])

	q.cancelErr = pipeline.ErrNotCancellable
	rec = serveRequest(t, s, httptest.NewRequest(http.MethodPost, "/api/v1/cancel/"+id.String(), nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	q.cancelErr = store.ErrNotFound
	rec = serveRequest(t, s, httptest.NewRequest(http.MethodPost, "/api/v1/cancel/"+id.String(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func putTestRecord(t *testing.T, st store.Store) *store.Record {
	t.Helper()
	ctx := context.Background()
	sub := &store.Submission{ID: uuid.New(), DocType: "passport", CreatedAt: time.Now().UTC()}
	require.NoError(t, st.CreateSubmission(ctx, sub))

	rec := &store.Record{
		SubmissionID: sub.ID,
		DocType:      "passport",
		Fields:       map[string]string{"passport_number": "X1234567"},
		CatchAll:     []mapper.Pair{{Key: "Issuing Authority", Value: "DFA"}},
		PageImages:   [][]byte{{0xff, 0xd8, 0x01}},
		CreatedAt:    time.Now().UTC(),
	}
	regions := []store.RegionRef{{Kind: "face", PageIndex: 0, Confidence: 0.9, Image: []byte{0xff, 0xd8, 0x02}}}
	require.NoError(t, st.PutRecord(ctx, rec, regions))
	return rec
}

func TestResultsHandler(t *testing.T) {
	s, st, _ := newTestServer(t)
	rec := putTestRecord(t, st)

	w := serveRequest(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/results/"+rec.SubmissionID.String(), nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp ResultsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "X1234567", resp.Fields["passport_number"])
	require.Len(t, resp.AdditionalData, 1)
	assert.Equal(t, "Issuing Authority", resp.AdditionalData[0].Key)
	assert.Equal(t, 1, resp.Pages)
	require.Len(t, resp.Regions, 1)
	assert.Equal(t, "face", resp.Regions[0].Kind)
	assert.Contains(t, resp.Regions[0].URL, "/regions/0")
}

func TestResultsHandler_NotFound(t *testing.T) {
	s, _, _ := newTestServer(t)
	w := serveRequest(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/results/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResultImageHandler(t *testing.T) {
	s, st, _ := newTestServer(t)
	rec := putTestRecord(t, st)
	base := "/api/v1/results/" + rec.SubmissionID.String()

	w := serveRequest(t, s, httptest.NewRequest(http.MethodGet, base+"/pages/0", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, []byte{0xff, 0xd8, 0x01}, w.Body.Bytes())

	w = serveRequest(t, s, httptest.NewRequest(http.MethodGet, base+"/regions/0", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []byte{0xff, 0xd8, 0x02}, w.Body.Bytes())

	w = serveRequest(t, s, httptest.NewRequest(http.MethodGet, base+"/face", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []byte{0xff, 0xd8, 0x02}, w.Body.Bytes())

	w = serveRequest(t, s, httptest.NewRequest(http.MethodGet, base+"/pages/5", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serveRequest(t, s, httptest.NewRequest(http.MethodGet, base+"/bogus", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHistoryHandler(t *testing.T) {
	s, st, _ := newTestServer(t)
	ctx := context.Background()

	for i := range 3 {
		sub := &store.Submission{
			ID:        uuid.New(),
			DocType:   "other",
			CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, st.CreateSubmission(ctx, sub))
	}

	w := serveRequest(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/history?page=1&per_page=2", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp HistoryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Total)
	assert.Len(t, resp.Items, 2)
	assert.Equal(t, 1, resp.Page)
	assert.Equal(t, 2, resp.PerPage)
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "/api/v1/status/:id", routeLabel("/api/v1/status/abc-123"))
	assert.Equal(t, "/api/v1/results/:id", routeLabel("/api/v1/results/abc/pages/0"))
	assert.Equal(t, "/api/v1/extract", routeLabel("/api/v1/extract"))
	assert.Equal(t, "/health", routeLabel("/health"))
}
