package cmd

import (
	"fmt"
	"log/slog"

	"github.com/MeKo-Tech/idex/internal/config"
	"github.com/MeKo-Tech/idex/internal/correct"
	"github.com/MeKo-Tech/idex/internal/ocr"
	"github.com/MeKo-Tech/idex/internal/pipeline"
	"github.com/MeKo-Tech/idex/internal/preprocess"
	"github.com/MeKo-Tech/idex/internal/region"
	"github.com/MeKo-Tech/idex/internal/store"
	"github.com/MeKo-Tech/idex/internal/template"
)

// buildRegistry loads the document templates: built-ins plus any YAML
// overrides from the configured directory.
func buildRegistry(cfg *config.Config) (*template.Registry, error) {
	overrides, err := template.LoadDir(cfg.TemplatesDir)
	if err != nil {
		return nil, fmt.Errorf("loading templates from %s: %w", cfg.TemplatesDir, err)
	}
	return template.NewRegistry(overrides...)
}

// buildExtractor returns the region extractor and its cleanup func.
// Without a face model the extractor is a no-op and runs produce no
// regions.
func buildExtractor(cfg *config.Config) (region.Extractor, func(), error) {
	if !cfg.Face.Enabled {
		return region.NopExtractor{}, func() {}, nil
	}
	det, err := region.NewFaceDetector(cfg.FaceSettings())
	if err != nil {
		return nil, nil, fmt.Errorf("initializing face detector: %w", err)
	}
	return det, func() { _ = det.Close() }, nil
}

// buildPipeline assembles the full extraction pipeline over an open
// store. The returned cleanup releases the ONNX session, not the
// store.
func buildPipeline(cfg *config.Config, st store.Store, registry *template.Registry,
	logger *slog.Logger,
) (*pipeline.Pipeline, func(), error) {
	extractor, cleanup, err := buildExtractor(cfg)
	if err != nil {
		return nil, nil, err
	}

	pre := preprocess.New(cfg.PreprocessSettings())
	engine := ocr.NewHTTPEngine(cfg.OCR.Endpoint, cfg.OCRTimeout())
	corrector := correct.NewOllamaClient(cfg.CorrectionSettings())

	p := pipeline.New(pre, extractor, engine, corrector, registry, st, cfg.PipelineSettings(), logger)
	return p, cleanup, nil
}
