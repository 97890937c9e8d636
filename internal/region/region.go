package region

import (
	"context"
	"fmt"
	"image"

	"github.com/MeKo-Tech/idex/internal/preprocess"
)

// KindFace is the region kind produced by the face detector.
const KindFace = "face"

// Region is one cropped region of interest from a canonical page.
type Region struct {
	Kind       string
	PageIndex  int
	Bounds     image.Rectangle
	Confidence float64
	Image      image.Image
}

// Extractor detects regions of interest on a canonical page. Finding
// nothing is a valid empty result; only decode or model-invocation
// failures return *ExtractionError.
type Extractor interface {
	Extract(ctx context.Context, page preprocess.Page) ([]Region, error)
}

// ExtractionError wraps a fatal detector failure. The orchestrator
// treats it as non-fatal for the overall run: the record is still
// produced with an empty region list.
type ExtractionError struct {
	Err error
}

func (e *ExtractionError) Error() string { return fmt.Sprintf("region extraction: %v", e.Err) }

func (e *ExtractionError) Unwrap() error { return e.Err }

// NopExtractor is used when no detection model is configured. It
// always reports zero regions.
type NopExtractor struct{}

func (NopExtractor) Extract(context.Context, preprocess.Page) ([]Region, error) {
	return nil, nil
}
