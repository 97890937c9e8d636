package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MeKo-Tech/idex/internal/correct"
	"github.com/MeKo-Tech/idex/internal/mapper"
	"github.com/MeKo-Tech/idex/internal/ocr"
	"github.com/MeKo-Tech/idex/internal/preprocess"
	"github.com/MeKo-Tech/idex/internal/region"
	"github.com/MeKo-Tech/idex/internal/store"
	"github.com/MeKo-Tech/idex/internal/template"
)

// Pipeline wires the extraction stages together. It owns no run
// state; each Execute call drives exactly one run to a terminal
// status.
type Pipeline struct {
	Preprocessor *preprocess.Preprocessor
	Regions      region.Extractor
	Engine       ocr.Engine
	Corrector    correct.Corrector
	Registry     *template.Registry
	Store        store.Store
	Config       Config
	Logger       *slog.Logger
}

// New assembles a pipeline, filling defaults for optional pieces.
func New(pre *preprocess.Preprocessor, regions region.Extractor, engine ocr.Engine,
	corrector correct.Corrector, registry *template.Registry, st store.Store,
	cfg Config, logger *slog.Logger,
) *Pipeline {
	if regions == nil {
		regions = region.NopExtractor{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		Preprocessor: pre,
		Regions:      regions,
		Engine:       engine,
		Corrector:    corrector,
		Registry:     registry,
		Store:        st,
		Config:       cfg,
		Logger:       logger,
	}
}

// Execute drives one run from its current stage to a terminal status.
// noRetry, when non-nil, is consulted before scheduling a retry: a
// cancellation request arriving after the run started takes effect as
// "no further retries" rather than aborting in-flight work.
func (p *Pipeline) Execute(ctx context.Context, run *store.Run, noRetry func() bool) error {
	log := p.Logger.With("submission_id", run.SubmissionID)

	sub, err := p.Store.GetSubmission(ctx, run.SubmissionID)
	if err != nil {
		return fmt.Errorf("load submission: %w", err)
	}

	pages, err := p.runPreprocessing(ctx, run, sub, log)
	if err != nil {
		return err
	}

	tpl, err := p.Registry.Resolve(sub.DocType)
	if err != nil {
		return err
	}

	ocrResults, regions, err := p.runExtracting(ctx, run, pages, noRetry, log)
	if err != nil {
		return err
	}

	corrected, err := p.runCorrecting(ctx, run, sub.DocType, tpl, pages, ocrResults, noRetry, log)
	if err != nil {
		return err
	}

	mapped, err := p.runMapping(ctx, run, tpl, corrected)
	if err != nil {
		return err
	}

	return p.runPersisting(ctx, run, sub, pages, mapped, regions, log)
}

// setStage advances and checkpoints the run so a restarted process
// knows where the run was interrupted.
func (p *Pipeline) setStage(ctx context.Context, run *store.Run, stage string) error {
	run.Stage = stage
	run.Status = store.StatusRunning
	return p.Store.SaveRun(ctx, run)
}

func (p *Pipeline) runPreprocessing(ctx context.Context, run *store.Run,
	sub *store.Submission, log *slog.Logger,
) ([]preprocess.Page, error) {
	if err := p.setStage(ctx, run, StagePreprocessing); err != nil {
		return nil, err
	}
	defer observeStage(StagePreprocessing)()

	var pages []preprocess.Page
	for _, f := range sub.Files {
		filePages, err := p.Preprocessor.Process(f.Data, f.Name)
		if err != nil {
			return nil, err
		}
		pages = append(pages, filePages...)
	}
	if len(pages) == 0 {
		name := ""
		if len(sub.Files) > 0 {
			name = sub.Files[0].Name
		}
		return nil, &preprocess.EmptyDocumentError{Filename: name}
	}
	if max := p.Config.MaxPages; max > 0 && len(pages) > max {
		log.Warn("truncating submission pages", "pages", len(pages), "max", max)
		pages = pages[:max]
	}
	// Re-index across all files so page order is global.
	for i := range pages {
		pages[i].Index = i
	}
	log.Info("preprocessing complete", "stage", StagePreprocessing, "pages", len(pages))
	return pages, nil
}

// runExtracting performs OCR and region extraction for all pages.
// The two are independent reads of the same canonical pages and run
// concurrently; region-extraction failure is absorbed with a warning.
func (p *Pipeline) runExtracting(ctx context.Context, run *store.Run,
	pages []preprocess.Page, noRetry func() bool, log *slog.Logger,
) ([]*ocr.Result, []region.Region, error) {
	if err := p.setStage(ctx, run, StageExtracting); err != nil {
		return nil, nil, err
	}
	defer observeStage(StageExtracting)()

	var (
		wg      sync.WaitGroup
		regions []region.Region
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, page := range pages {
			found, err := p.Regions.Extract(ctx, page)
			if err != nil {
				log.Warn("region extraction failed", "stage", StageExtracting,
					"page", page.Index, "error", err)
				continue
			}
			regions = append(regions, found...)
		}
	}()

	results := make([]*ocr.Result, len(pages))
	err := p.withRetry(ctx, run, StageExtracting, p.Config.MaxOCRAttempts, noRetry, func(ctx context.Context) error {
		for i, page := range pages {
			res, err := p.Engine.Recognize(ctx, page)
			if err != nil {
				return err
			}
			results[i] = res
		}
		return nil
	})
	wg.Wait()
	if err != nil {
		return nil, nil, err
	}
	log.Info("extraction complete", "stage", StageExtracting, "regions", len(regions))
	return results, regions, nil
}

func (p *Pipeline) runCorrecting(ctx context.Context, run *store.Run, docType string,
	tpl *template.Template, pages []preprocess.Page, ocrResults []*ocr.Result,
	noRetry func() bool, log *slog.Logger,
) ([]mapper.PageText, error) {
	if err := p.setStage(ctx, run, StageCorrecting); err != nil {
		return nil, err
	}
	defer observeStage(StageCorrecting)()

	vocabulary := make([]string, 0, len(tpl.Fields))
	for i := range tpl.Fields {
		if len(tpl.Fields[i].Labels) > 0 {
			vocabulary = append(vocabulary, tpl.Fields[i].Labels[0])
		}
	}

	corrected := make([]mapper.PageText, len(pages))
	for i, page := range pages {
		req := correct.Request{
			DocType:    docType,
			Vocabulary: vocabulary,
			PageIndex:  page.Index,
			RawText:    ocrResults[i].Text(p.Config.MinOCRConfidence),
		}
		if p.Config.AttachImages {
			if jpeg, err := preprocess.EncodeJPEG(page.Image); err == nil {
				req.PageImage = jpeg
			}
		}

		var result *correct.Corrected
		err := p.withRetry(ctx, run, StageCorrecting, p.Config.MaxCorrectionAttempts, noRetry, func(ctx context.Context) error {
			var err error
			result, err = p.Corrector.Correct(ctx, req)
			return err
		})
		if err != nil {
			return nil, err
		}
		corrected[i] = mapper.PageText{PageIndex: page.Index, Text: result.Text, Hints: result.Hints}
	}
	log.Info("correction complete", "stage", StageCorrecting, "pages", len(corrected))
	return corrected, nil
}

func (p *Pipeline) runMapping(ctx context.Context, run *store.Run,
	tpl *template.Template, corrected []mapper.PageText,
) (*mapper.Result, error) {
	if err := p.setStage(ctx, run, StageMapping); err != nil {
		return nil, err
	}
	defer observeStage(StageMapping)()
	return mapper.Map(tpl, corrected)
}

func (p *Pipeline) runPersisting(ctx context.Context, run *store.Run, sub *store.Submission,
	pages []preprocess.Page, mapped *mapper.Result, regions []region.Region, log *slog.Logger,
) error {
	if err := p.setStage(ctx, run, StagePersisting); err != nil {
		return err
	}
	defer observeStage(StagePersisting)()

	rec := &store.Record{
		SubmissionID: sub.ID,
		DocType:      sub.DocType,
		Fields:       mapped.Fields,
		CatchAll:     mapped.CatchAll,
		CreatedAt:    time.Now().UTC(),
	}
	for _, page := range pages {
		jpeg, err := preprocess.EncodeJPEG(page.Image)
		if err != nil {
			return fmt.Errorf("encode page %d: %w", page.Index, err)
		}
		rec.PageImages = append(rec.PageImages, jpeg)
	}

	refs := make([]store.RegionRef, 0, len(regions))
	for _, r := range regions {
		jpeg, err := preprocess.EncodeJPEG(r.Image)
		if err != nil {
			log.Warn("dropping unencodable region", "kind", r.Kind, "page", r.PageIndex, "error", err)
			continue
		}
		refs = append(refs, store.RegionRef{
			Kind:       r.Kind,
			PageIndex:  r.PageIndex,
			Confidence: r.Confidence,
			Image:      jpeg,
		})
	}

	if err := p.Store.PutRecord(ctx, rec, refs); err != nil {
		return fmt.Errorf("persist record: %w", err)
	}
	log.Info("record persisted", "stage", StagePersisting,
		"fields", len(rec.Fields), "regions", len(refs))
	return nil
}

// withRetry re-attempts one stage on retryable errors with
// exponential backoff, checkpointing the attempt count so it survives
// restarts. The first attempt counts toward the maximum.
func (p *Pipeline) withRetry(ctx context.Context, run *store.Run, stage string,
	maxAttempts int, noRetry func() bool, fn func(context.Context) error,
) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	backoff := p.Config.InitialBackoff
	if backoff <= 0 {
		backoff = DefaultConfig().InitialBackoff
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if Classify(err) != ClassRetryable {
			return err
		}

		lastErr = err
		run.RetryCount = attempt
		run.LastError = err.Error()
		if saveErr := p.Store.SaveRun(ctx, run); saveErr != nil {
			p.Logger.Warn("failed to checkpoint retry", "stage", stage, "error", saveErr)
		}
		retriesTotal.WithLabelValues(stage).Inc()
		p.Logger.Warn("stage attempt failed", "submission_id", run.SubmissionID,
			"stage", stage, "attempt", attempt, "error", err)

		if attempt == maxAttempts {
			break
		}
		if noRetry != nil && noRetry() {
			return fmt.Errorf("%w after attempt %d: %w", errCancelled, attempt, err)
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", errCancelled, ctx.Err())
		}
		backoff *= 2
		if max := p.Config.MaxBackoff; max > 0 && backoff > max {
			backoff = max
		}
	}
	return lastErr
}
