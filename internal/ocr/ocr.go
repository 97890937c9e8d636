package ocr

import (
	"context"
	"fmt"
	"strings"

	"github.com/MeKo-Tech/idex/internal/preprocess"
)

// DefaultMinConfidence filters OCR noise before correction. Fragments
// below this confidence are withheld from the correction prompt.
const DefaultMinConfidence = 0.80

// Box is an axis-aligned fragment position on the page.
type Box struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Fragment is one recognized text run with approximate position.
type Fragment struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// Result is the raw OCR output for one page.
type Result struct {
	PageIndex int
	Fragments []Fragment
}

// Text joins fragments at or above the confidence threshold in
// reading order, one per line.
func (r *Result) Text(minConfidence float64) string {
	var b strings.Builder
	for _, f := range r.Fragments {
		if f.Confidence < minConfidence {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(f.Text)
	}
	return b.String()
}

// Engine is the text-recognition boundary. Implementations must be
// deterministic for identical page bytes under the same model
// version; invocation failures are reported as *EngineError.
type Engine interface {
	Recognize(ctx context.Context, page preprocess.Page) (*Result, error)
}

// EngineError wraps any OCR invocation failure (engine unreachable,
// timeout, corrupt input). It is classified as retryable.
type EngineError struct {
	Err error
}

func (e *EngineError) Error() string { return fmt.Sprintf("ocr engine: %v", e.Err) }

func (e *EngineError) Unwrap() error { return e.Err }
