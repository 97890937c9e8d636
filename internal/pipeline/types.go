package pipeline

import (
	"errors"
	"time"

	"github.com/MeKo-Tech/idex/internal/correct"
	"github.com/MeKo-Tech/idex/internal/mapper"
	"github.com/MeKo-Tech/idex/internal/ocr"
	"github.com/MeKo-Tech/idex/internal/preprocess"
	"github.com/MeKo-Tech/idex/internal/region"
	"github.com/MeKo-Tech/idex/internal/template"
)

// Pipeline stages. Transitions are one-way within a run; a run never
// re-enters an earlier stage.
const (
	StagePreprocessing = "preprocessing"
	StageExtracting    = "extracting"
	StageCorrecting    = "correcting"
	StageMapping       = "mapping"
	StagePersisting    = "persisting"
)

// Class is the retry classification of a stage error.
type Class int

const (
	// ClassFatal fails the run immediately, no retries.
	ClassFatal Class = iota
	// ClassRetryable re-attempts the same stage with backoff.
	ClassRetryable
	// ClassNonFatal is absorbed: logged, empty result, run continues.
	ClassNonFatal
)

// Classify maps component errors onto the retry taxonomy.
func Classify(err error) Class {
	var (
		decodeErr    *preprocess.DecodeError
		emptyErr     *preprocess.EmptyDocumentError
		unknownErr   *template.UnknownDocumentTypeError
		mappingErr   *mapper.MappingError
		engineErr    *ocr.EngineError
		timeoutErr   *correct.TimeoutError
		transportErr *correct.TransportError
		formatErr    *correct.FormatError
		regionErr    *region.ExtractionError
	)
	switch {
	case errors.As(err, &decodeErr),
		errors.As(err, &emptyErr),
		errors.As(err, &unknownErr),
		errors.As(err, &mappingErr):
		return ClassFatal
	case errors.As(err, &engineErr),
		errors.As(err, &timeoutErr),
		errors.As(err, &transportErr),
		errors.As(err, &formatErr):
		return ClassRetryable
	case errors.As(err, &regionErr):
		return ClassNonFatal
	default:
		return ClassFatal
	}
}

// FailureReason maps an error onto the human-readable category
// surfaced to callers. Raw error text stays in the run row only.
func FailureReason(err error) string {
	var (
		decodeErr    *preprocess.DecodeError
		emptyErr     *preprocess.EmptyDocumentError
		unknownErr   *template.UnknownDocumentTypeError
		mappingErr   *mapper.MappingError
		engineErr    *ocr.EngineError
		timeoutErr   *correct.TimeoutError
		transportErr *correct.TransportError
		formatErr    *correct.FormatError
	)
	switch {
	// Cancellation wraps whatever error the final attempt produced, so
	// it must win over the component-error categories.
	case errors.Is(err, errCancelled):
		return "cancelled"
	case errors.As(err, &decodeErr):
		return "input could not be decoded"
	case errors.As(err, &emptyErr):
		return "document has no pages"
	case errors.As(err, &unknownErr):
		return "unsupported document type"
	case errors.As(err, &mappingErr):
		return "extracted text was unusable"
	case errors.As(err, &engineErr):
		return "text recognition unavailable"
	case errors.As(err, &timeoutErr),
		errors.As(err, &transportErr),
		errors.As(err, &formatErr):
		return "correction model unavailable"
	default:
		return "internal error"
	}
}

var errCancelled = errors.New("run cancelled")

// Config holds orchestration settings.
type Config struct {
	// MaxPages caps canonical pages per submission.
	MaxPages int
	// MinOCRConfidence filters fragments before correction.
	MinOCRConfidence float64
	// MaxOCRAttempts and MaxCorrectionAttempts bound per-stage
	// retries; the first attempt counts.
	MaxOCRAttempts        int
	MaxCorrectionAttempts int
	// InitialBackoff doubles after each failed attempt up to
	// MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// AttachImages sends the page image with correction requests so
	// vision models can verify the text.
	AttachImages bool
}

// DefaultConfig returns orchestration defaults.
func DefaultConfig() Config {
	return Config{
		MaxPages:              20,
		MinOCRConfidence:      ocr.DefaultMinConfidence,
		MaxOCRAttempts:        3,
		MaxCorrectionAttempts: 3,
		InitialBackoff:        500 * time.Millisecond,
		MaxBackoff:            15 * time.Second,
		AttachImages:          true,
	}
}
