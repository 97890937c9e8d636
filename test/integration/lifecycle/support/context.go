package support

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cucumber/godog"
	"github.com/google/uuid"

	"github.com/MeKo-Tech/idex/internal/correct"
	"github.com/MeKo-Tech/idex/internal/ocr"
	"github.com/MeKo-Tech/idex/internal/pipeline"
	"github.com/MeKo-Tech/idex/internal/preprocess"
	"github.com/MeKo-Tech/idex/internal/region"
	"github.com/MeKo-Tech/idex/internal/store"
	"github.com/MeKo-Tech/idex/internal/template"
)

// TestContext holds the state for one lifecycle scenario: a running
// queue over a scratch store, with scriptable OCR behavior.
type TestContext struct {
	tempDir string

	store store.Store
	queue *pipeline.Queue

	engine *scriptedEngine

	submissionID uuid.UUID
	lastRun      *store.Run
}

// scriptedEngine is an in-process OCR engine whose behavior the
// scenario steps control.
type scriptedEngine struct {
	mu         sync.Mutex
	text       string
	alwaysFail bool
}

func (e *scriptedEngine) Recognize(_ context.Context, page preprocess.Page) (*ocr.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.alwaysFail {
		return nil, &ocr.EngineError{Err: errors.New("engine offline")}
	}
	return &ocr.Result{
		PageIndex: page.Index,
		Fragments: []ocr.Fragment{{Text: e.text, Confidence: 0.95}},
	}, nil
}

// echoCorrector passes OCR text through unchanged, standing in for
// the language model.
type echoCorrector struct{}

func (echoCorrector) Correct(_ context.Context, req correct.Request) (*correct.Corrected, error) {
	return &correct.Corrected{PageIndex: req.PageIndex, Text: req.RawText}, nil
}

// NewTestContext creates a fresh context with a scratch directory.
func NewTestContext() (*TestContext, error) {
	tempDir, err := os.MkdirTemp("", "idex-test-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	return &TestContext{tempDir: tempDir}, nil
}

// Cleanup stops workers and removes scenario artifacts.
func (testCtx *TestContext) Cleanup() error {
	if testCtx.queue != nil {
		testCtx.queue.Close()
	}
	if testCtx.store != nil {
		_ = testCtx.store.Close()
	}
	return os.RemoveAll(testCtx.tempDir)
}

// RegisterSteps wires the step definitions into the scenario.
func (testCtx *TestContext) RegisterSteps(sc *godog.ScenarioContext) {
	sc.Step(`^the extraction service is running$`, testCtx.theExtractionServiceIsRunning)
	sc.Step(`^the OCR engine reads "([^"]*)"$`, testCtx.theOCREngineReads)
	sc.Step(`^the OCR engine always fails$`, testCtx.theOCREngineAlwaysFails)
	sc.Step(`^I submit a "([^"]*)" scan$`, testCtx.iSubmitAScan)
	sc.Step(`^I submit an unreadable "([^"]*)" file$`, testCtx.iSubmitAnUnreadableFile)
	sc.Step(`^a submission is waiting in the queue$`, testCtx.aSubmissionIsWaitingInTheQueue)
	sc.Step(`^I cancel the submission$`, testCtx.iCancelTheSubmission)
	sc.Step(`^the run eventually reaches status "([^"]*)"$`, testCtx.theRunEventuallyReachesStatus)
	sc.Step(`^the run status is "([^"]*)"$`, testCtx.theRunStatusIs)
	sc.Step(`^the record field "([^"]*)" is "([^"]*)"$`, testCtx.theRecordFieldIs)
	sc.Step(`^the failure reason is "([^"]*)"$`, testCtx.theFailureReasonIs)
	sc.Step(`^the retry count is (\d+)$`, testCtx.theRetryCountIs)
	sc.Step(`^the history lists (\d+) submissions?$`, testCtx.theHistoryListsSubmissions)
}

func (testCtx *TestContext) theExtractionServiceIsRunning() error {
	st, err := store.OpenSQLite(context.Background(), filepath.Join(testCtx.tempDir, "idex.db"))
	if err != nil {
		return err
	}
	testCtx.store = st

	registry, err := template.NewRegistry()
	if err != nil {
		return err
	}

	testCtx.engine = &scriptedEngine{}
	cfg := pipeline.DefaultConfig()
	cfg.MaxOCRAttempts = 3
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	cfg.AttachImages = false

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pre := preprocess.New(preprocess.Config{MaxDimension: 256, Deskew: false})
	pl := pipeline.New(pre, region.NopExtractor{}, testCtx.engine, echoCorrector{}, registry, st, cfg, logger)
	testCtx.queue = pipeline.NewQueue(pl, 2, 16, logger)
	return nil
}

func (testCtx *TestContext) theOCREngineReads(text string) error {
	testCtx.engine.mu.Lock()
	defer testCtx.engine.mu.Unlock()
	testCtx.engine.text = text
	return nil
}

func (testCtx *TestContext) theOCREngineAlwaysFails() error {
	testCtx.engine.mu.Lock()
	defer testCtx.engine.mu.Unlock()
	testCtx.engine.alwaysFail = true
	return nil
}

func scanPNG() ([]byte, error) {
	img := image.NewNRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (testCtx *TestContext) createSubmission(docType string, data []byte) error {
	sub := &store.Submission{
		ID:        uuid.New(),
		DocType:   docType,
		Files:     []store.SubmissionFile{{Name: "scan.png", Data: data}},
		CreatedAt: time.Now().UTC(),
	}
	if err := testCtx.store.CreateSubmission(context.Background(), sub); err != nil {
		return err
	}
	testCtx.submissionID = sub.ID
	return nil
}

func (testCtx *TestContext) iSubmitAScan(docType string) error {
	data, err := scanPNG()
	if err != nil {
		return err
	}
	if err := testCtx.createSubmission(docType, data); err != nil {
		return err
	}
	return testCtx.queue.Enqueue(context.Background(), testCtx.submissionID)
}

func (testCtx *TestContext) iSubmitAnUnreadableFile(docType string) error {
	if err := testCtx.createSubmission(docType, []byte("definitely not an image")); err != nil {
		return err
	}
	return testCtx.queue.Enqueue(context.Background(), testCtx.submissionID)
}

// aSubmissionIsWaitingInTheQueue records a queued run without handing
// it to a worker, so cancellation can be observed deterministically.
func (testCtx *TestContext) aSubmissionIsWaitingInTheQueue() error {
	data, err := scanPNG()
	if err != nil {
		return err
	}
	if err := testCtx.createSubmission("passport", data); err != nil {
		return err
	}
	run := &store.Run{
		SubmissionID: testCtx.submissionID,
		Stage:        pipeline.StagePreprocessing,
		Status:       store.StatusQueued,
	}
	return testCtx.store.SaveRun(context.Background(), run)
}

func (testCtx *TestContext) iCancelTheSubmission() error {
	return testCtx.queue.Cancel(context.Background(), testCtx.submissionID)
}

func (testCtx *TestContext) theRunEventuallyReachesStatus(want string) error {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		run, err := testCtx.store.GetRun(context.Background(), testCtx.submissionID)
		if err == nil && run.Status.Terminal() {
			testCtx.lastRun = run
			if string(run.Status) != want {
				return fmt.Errorf("run finished with status %q (reason %q), want %q",
					run.Status, run.Reason, want)
			}
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("run did not reach a terminal status within deadline")
}

func (testCtx *TestContext) theRunStatusIs(want string) error {
	run, err := testCtx.store.GetRun(context.Background(), testCtx.submissionID)
	if err != nil {
		return err
	}
	testCtx.lastRun = run
	if string(run.Status) != want {
		return fmt.Errorf("run status is %q, want %q", run.Status, want)
	}
	return nil
}

func (testCtx *TestContext) theRecordFieldIs(field, want string) error {
	rec, _, err := testCtx.store.GetRecord(context.Background(), testCtx.submissionID)
	if err != nil {
		return err
	}
	if got := rec.Fields[field]; got != want {
		return fmt.Errorf("field %q is %q, want %q", field, got, want)
	}
	return nil
}

func (testCtx *TestContext) theFailureReasonIs(want string) error {
	if testCtx.lastRun == nil {
		return errors.New("no terminal run observed yet")
	}
	if testCtx.lastRun.Reason != want {
		return fmt.Errorf("failure reason is %q, want %q", testCtx.lastRun.Reason, want)
	}
	return nil
}

func (testCtx *TestContext) theRetryCountIs(want int) error {
	if testCtx.lastRun == nil {
		return errors.New("no terminal run observed yet")
	}
	if testCtx.lastRun.RetryCount != want {
		return fmt.Errorf("retry count is %d, want %d", testCtx.lastRun.RetryCount, want)
	}
	return nil
}

func (testCtx *TestContext) theHistoryListsSubmissions(want int) error {
	_, total, err := testCtx.store.ListRecent(context.Background(), 1, 50)
	if err != nil {
		return err
	}
	if total != want {
		return fmt.Errorf("history total is %d, want %d", total, want)
	}
	return nil
}
