package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/idex/internal/correct"
	"github.com/MeKo-Tech/idex/internal/ocr"
	"github.com/MeKo-Tech/idex/internal/preprocess"
	"github.com/MeKo-Tech/idex/internal/region"
	"github.com/MeKo-Tech/idex/internal/store"
	"github.com/MeKo-Tech/idex/internal/template"
)

type stubEngine struct {
	mu        sync.Mutex
	calls     int
	failFirst int
	text      string
}

func (e *stubEngine) Recognize(_ context.Context, page preprocess.Page) (*ocr.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.calls <= e.failFirst {
		return nil, &ocr.EngineError{Err: errors.New("engine down")}
	}
	return &ocr.Result{
		PageIndex: page.Index,
		Fragments: []ocr.Fragment{{Text: e.text, Confidence: 0.95}},
	}, nil
}

type stubCorrector struct {
	mu    sync.Mutex
	calls int
	text  string
	hints map[string]string
	err   error
}

func (c *stubCorrector) Correct(_ context.Context, req correct.Request) (*correct.Corrected, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	text := c.text
	if text == "" {
		text = req.RawText
	}
	return &correct.Corrected{PageIndex: req.PageIndex, Text: text, Hints: c.hints}, nil
}

type stubExtractor struct {
	err error
}

func (s *stubExtractor) Extract(_ context.Context, page preprocess.Page) ([]region.Region, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []region.Region{{
		Kind:       region.KindFace,
		PageIndex:  page.Index,
		Confidence: 0.9,
		Image:      testImage(),
	}}, nil
}

func testImage() image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, 48, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 48; x++ {
			img.Set(x, y, color.White)
		}
	}
	return img
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, testImage()))
	return buf.Bytes()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxOCRAttempts = 3
	cfg.MaxCorrectionAttempts = 3
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	cfg.AttachImages = false
	return cfg
}

func newTestPipeline(t *testing.T, engine ocr.Engine, corrector correct.Corrector, extractor region.Extractor) (*Pipeline, store.Store) {
	t.Helper()
	st, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "idex.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	registry, err := template.NewRegistry()
	require.NoError(t, err)

	pre := preprocess.New(preprocess.Config{MaxDimension: 256, Deskew: false})
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	return New(pre, extractor, engine, corrector, registry, st, testConfig(), logger), st
}

func submitDoc(t *testing.T, st store.Store, docType string, data []byte) *store.Run {
	t.Helper()
	sub := &store.Submission{
		ID:        uuid.New(),
		DocType:   docType,
		Files:     []store.SubmissionFile{{Name: "scan.png", Data: data}},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.CreateSubmission(context.Background(), sub))
	return &store.Run{SubmissionID: sub.ID, Stage: StagePreprocessing, Status: store.StatusQueued}
}

func TestExecute_Success(t *testing.T) {
	engine := &stubEngine{text: "Pasport No: X12345b7"}
	corrector := &stubCorrector{
		text:  "Passport No: X1234567\nDate of Birth: 01 Jan 1990\nIssuing Authority: DFA",
		hints: map[string]string{"nationality": "FILIPINO"},
	}
	p, st := newTestPipeline(t, engine, corrector, &stubExtractor{})
	run := submitDoc(t, st, template.DocTypePassport, testPNG(t))

	require.NoError(t, p.Execute(context.Background(), run, nil))
	assert.Equal(t, StagePersisting, run.Stage)

	rec, regions, err := st.GetRecord(context.Background(), run.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, "X1234567", rec.Fields["passport_number"])
	assert.Equal(t, "1990-01-01", rec.Fields["date_of_birth"])
	assert.Equal(t, "DFA", rec.Fields["issuing_authority"])
	assert.Equal(t, "FILIPINO", rec.Fields["nationality"])
	require.Len(t, rec.PageImages, 1)
	require.Len(t, regions, 1)
	assert.Equal(t, region.KindFace, regions[0].Kind)
	assert.NotEmpty(t, regions[0].Image)
}

func TestExecute_OCRRetriesExhausted(t *testing.T) {
	engine := &stubEngine{failFirst: 1 << 20}
	corrector := &stubCorrector{}
	p, st := newTestPipeline(t, engine, corrector, region.NopExtractor{})
	run := submitDoc(t, st, template.DocTypePassport, testPNG(t))

	err := p.Execute(context.Background(), run, nil)
	require.Error(t, err)
	assert.Equal(t, ClassRetryable, Classify(err))
	assert.Equal(t, "text recognition unavailable", FailureReason(err))
	assert.Equal(t, testConfig().MaxOCRAttempts, run.RetryCount)
	assert.Equal(t, testConfig().MaxOCRAttempts, engine.calls)
	assert.Zero(t, corrector.calls)
}

func TestExecute_OCRRecovers(t *testing.T) {
	engine := &stubEngine{failFirst: 1, text: "Surname: SANTOS"}
	p, st := newTestPipeline(t, engine, &stubCorrector{}, region.NopExtractor{})
	run := submitDoc(t, st, template.DocTypePassport, testPNG(t))

	require.NoError(t, p.Execute(context.Background(), run, nil))
	assert.Equal(t, 1, run.RetryCount)

	rec, _, err := st.GetRecord(context.Background(), run.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, "SANTOS", rec.Fields["surname"])
}

func TestExecute_DecodeErrorIsFatal(t *testing.T) {
	engine := &stubEngine{}
	p, st := newTestPipeline(t, engine, &stubCorrector{}, region.NopExtractor{})
	run := submitDoc(t, st, template.DocTypePassport, []byte("not an image"))

	err := p.Execute(context.Background(), run, nil)
	require.Error(t, err)
	assert.Equal(t, ClassFatal, Classify(err))
	assert.Equal(t, "input could not be decoded", FailureReason(err))
	assert.Zero(t, engine.calls)
	assert.Zero(t, run.RetryCount)
}

func TestExecute_EmptyDocumentNeverReachesExtraction(t *testing.T) {
	engine := &stubEngine{}
	p, st := newTestPipeline(t, engine, &stubCorrector{}, region.NopExtractor{})

	sub := &store.Submission{
		ID:        uuid.New(),
		DocType:   template.DocTypePassport,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.CreateSubmission(context.Background(), sub))
	run := &store.Run{SubmissionID: sub.ID, Stage: StagePreprocessing, Status: store.StatusQueued}

	err := p.Execute(context.Background(), run, nil)
	require.Error(t, err)
	var empty *preprocess.EmptyDocumentError
	assert.ErrorAs(t, err, &empty)
	assert.Equal(t, "document has no pages", FailureReason(err))
	assert.Equal(t, StagePreprocessing, run.Stage)
	assert.Zero(t, engine.calls)
}

func TestExecute_UnknownDocTypeIsFatal(t *testing.T) {
	p, st := newTestPipeline(t, &stubEngine{}, &stubCorrector{}, region.NopExtractor{})
	run := submitDoc(t, st, "visa", testPNG(t))

	err := p.Execute(context.Background(), run, nil)
	require.Error(t, err)
	assert.Equal(t, "unsupported document type", FailureReason(err))
}

func TestExecute_RegionFailureDoesNotFailRun(t *testing.T) {
	extractor := &stubExtractor{err: &region.ExtractionError{Err: errors.New("model missing")}}
	engine := &stubEngine{text: "Surname: CRUZ"}
	p, st := newTestPipeline(t, engine, &stubCorrector{}, extractor)
	run := submitDoc(t, st, template.DocTypePassport, testPNG(t))

	require.NoError(t, p.Execute(context.Background(), run, nil))

	rec, regions, err := st.GetRecord(context.Background(), run.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, "CRUZ", rec.Fields["surname"])
	assert.Empty(t, regions)
}

func TestExecute_CorrectionRetriesThenFails(t *testing.T) {
	corrector := &stubCorrector{err: &correct.TimeoutError{Err: errors.New("model cold")}}
	engine := &stubEngine{text: "Surname: CRUZ"}
	p, st := newTestPipeline(t, engine, corrector, region.NopExtractor{})
	run := submitDoc(t, st, template.DocTypePassport, testPNG(t))

	err := p.Execute(context.Background(), run, nil)
	require.Error(t, err)
	assert.Equal(t, "correction model unavailable", FailureReason(err))
	assert.Equal(t, testConfig().MaxCorrectionAttempts, corrector.calls)
}

func TestExecute_ResubmissionYieldsIdenticalFields(t *testing.T) {
	input := testPNG(t)
	fields := make([]map[string]string, 2)
	for i := range fields {
		engine := &stubEngine{text: "Pasport No: X12345b7"}
		corrector := &stubCorrector{text: "Passport No: X1234567\nDate of Birth: 01 Jan 1990"}
		p, st := newTestPipeline(t, engine, corrector, region.NopExtractor{})
		run := submitDoc(t, st, template.DocTypePassport, input)

		require.NoError(t, p.Execute(context.Background(), run, nil))
		rec, _, err := st.GetRecord(context.Background(), run.SubmissionID)
		require.NoError(t, err)
		fields[i] = rec.Fields
	}
	assert.Equal(t, fields[0], fields[1])
}

func TestExecute_CancelSuppressesRetries(t *testing.T) {
	engine := &stubEngine{failFirst: 1 << 20}
	p, st := newTestPipeline(t, engine, &stubCorrector{}, region.NopExtractor{})
	run := submitDoc(t, st, template.DocTypePassport, testPNG(t))

	err := p.Execute(context.Background(), run, func() bool { return true })
	require.Error(t, err)
	assert.Equal(t, "cancelled", FailureReason(err))
	// The in-flight attempt finishes; no further attempts are made.
	assert.Equal(t, 1, engine.calls)
}

func TestQueue_RunToCompletion(t *testing.T) {
	engine := &stubEngine{text: "Surname: SANTOS"}
	p, st := newTestPipeline(t, engine, &stubCorrector{}, &stubExtractor{})
	run := submitDoc(t, st, template.DocTypePassport, testPNG(t))

	q := NewQueue(p, 2, 8, p.Logger)
	defer q.Close()
	require.NoError(t, q.Enqueue(context.Background(), run.SubmissionID))

	require.Eventually(t, func() bool {
		got, err := st.GetRun(context.Background(), run.SubmissionID)
		return err == nil && got.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	got, err := st.GetRun(context.Background(), run.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSucceeded, got.Status)

	_, _, err = st.GetRecord(context.Background(), run.SubmissionID)
	assert.NoError(t, err)
}

func TestQueue_EnqueueTwiceRejected(t *testing.T) {
	p, st := newTestPipeline(t, &stubEngine{}, &stubCorrector{}, region.NopExtractor{})
	run := submitDoc(t, st, template.DocTypePassport, testPNG(t))
	require.NoError(t, st.SaveRun(context.Background(), run))

	q := NewQueue(p, 1, 8, p.Logger)
	defer q.Close()
	assert.ErrorIs(t, q.Enqueue(context.Background(), run.SubmissionID), ErrAlreadyQueued)
}

func TestQueue_CancelQueuedRun(t *testing.T) {
	p, st := newTestPipeline(t, &stubEngine{}, &stubCorrector{}, region.NopExtractor{})
	run := submitDoc(t, st, template.DocTypePassport, testPNG(t))
	require.NoError(t, st.SaveRun(context.Background(), run))

	q := NewQueue(p, 1, 8, p.Logger)
	defer q.Close()
	require.NoError(t, q.Cancel(context.Background(), run.SubmissionID))

	got, err := st.GetRun(context.Background(), run.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, got.Status)
	assert.Equal(t, "cancelled", got.Reason)

	// A second cancel finds the run already terminal.
	assert.ErrorIs(t, q.Cancel(context.Background(), run.SubmissionID), ErrNotCancellable)
}

func TestQueue_ResumeRestartsInterruptedRun(t *testing.T) {
	engine := &stubEngine{text: "Surname: SANTOS"}
	p, st := newTestPipeline(t, engine, &stubCorrector{}, region.NopExtractor{})
	run := submitDoc(t, st, template.DocTypePassport, testPNG(t))

	// Simulate a process that died mid-run.
	run.Stage = StageCorrecting
	run.Status = store.StatusRunning
	require.NoError(t, st.SaveRun(context.Background(), run))

	q := NewQueue(p, 1, 8, p.Logger)
	defer q.Close()
	require.NoError(t, q.Resume(context.Background()))

	require.Eventually(t, func() bool {
		got, err := st.GetRun(context.Background(), run.SubmissionID)
		return err == nil && got.Status == store.StatusSucceeded
	}, 5*time.Second, 10*time.Millisecond)
}

func TestQueue_ResumeAfterCrashDuringPersist(t *testing.T) {
	engine := &stubEngine{text: "Surname: SANTOS"}
	p, st := newTestPipeline(t, engine, &stubCorrector{}, region.NopExtractor{})
	run := submitDoc(t, st, template.DocTypePassport, testPNG(t))

	require.NoError(t, p.Execute(context.Background(), run, nil))

	// Simulate a crash after the record committed but before the
	// terminal run state was saved.
	run.Stage = StagePersisting
	run.Status = store.StatusRunning
	require.NoError(t, st.SaveRun(context.Background(), run))

	q := NewQueue(p, 1, 8, p.Logger)
	defer q.Close()
	require.NoError(t, q.Resume(context.Background()))

	require.Eventually(t, func() bool {
		got, err := st.GetRun(context.Background(), run.SubmissionID)
		return err == nil && got.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	got, err := st.GetRun(context.Background(), run.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSucceeded, got.Status)

	rec, _, err := st.GetRecord(context.Background(), run.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, "SANTOS", rec.Fields["surname"])
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassFatal, Classify(&preprocess.DecodeError{Filename: "a", Err: errors.New("x")}))
	assert.Equal(t, ClassFatal, Classify(&preprocess.EmptyDocumentError{Filename: "a"}))
	assert.Equal(t, ClassFatal, Classify(&template.UnknownDocumentTypeError{DocType: "visa"}))
	assert.Equal(t, ClassRetryable, Classify(&ocr.EngineError{Err: errors.New("x")}))
	assert.Equal(t, ClassRetryable, Classify(&correct.TimeoutError{Err: errors.New("x")}))
	assert.Equal(t, ClassRetryable, Classify(&correct.TransportError{Err: errors.New("connection refused")}))
	assert.Equal(t, ClassRetryable, Classify(&correct.FormatError{Err: errors.New("garbled reply")}))
	assert.Equal(t, ClassNonFatal, Classify(&region.ExtractionError{Err: errors.New("x")}))
	assert.Equal(t, ClassFatal, Classify(errors.New("anything else")))
}

func TestFailureReason_CancelledWinsOverAttemptError(t *testing.T) {
	// Cancellation wraps the error of the attempt it cut short; the
	// surfaced reason must still be the cancellation, not the
	// component failure.
	wrapped := fmt.Errorf("%w after attempt %d: %w", errCancelled, 1,
		&ocr.EngineError{Err: errors.New("engine down")})
	assert.Equal(t, "cancelled", FailureReason(wrapped))
	assert.Equal(t, "correction model unavailable",
		FailureReason(&correct.TransportError{Err: errors.New("connection refused")}))
}
