package correct

import (
	"context"
	"fmt"
)

// Request carries one page's raw OCR output to the correction model.
type Request struct {
	// DocType biases correction toward the expected vocabulary.
	DocType string
	// Vocabulary lists the printed labels expected for the document
	// type, e.g. "Passport No". Optional.
	Vocabulary []string
	PageIndex  int
	// RawText is the confidence-filtered OCR text for the page.
	RawText string
	// PageImage optionally attaches the canonical page as JPEG so a
	// vision model can verify the text against the pixels.
	PageImage []byte
}

// Corrected is the cleaned text for one page, with any labeled
// key/value pairs the model identified along the way.
type Corrected struct {
	PageIndex int
	Text      string
	Hints     map[string]string
}

// Corrector is the correction boundary. Output is not guaranteed to
// be byte-identical across calls unless the client is configured for
// deterministic decoding.
type Corrector interface {
	Correct(ctx context.Context, req Request) (*Corrected, error)
}

// TimeoutError indicates the correction call exceeded its hard
// timeout. Retryable.
type TimeoutError struct {
	Err error
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("correction timeout: %v", e.Err) }

func (e *TimeoutError) Unwrap() error { return e.Err }

// TransportError indicates the correction endpoint could not be
// reached at all (connection refused, DNS failure). Retryable.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("correction transport: %v", e.Err) }

func (e *TransportError) Unwrap() error { return e.Err }

// FormatError indicates the model answered but the reply could not be
// understood. Retryable, since sampling may succeed on a later attempt.
type FormatError struct {
	Err error
}

func (e *FormatError) Error() string { return fmt.Sprintf("correction format: %v", e.Err) }

func (e *FormatError) Unwrap() error { return e.Err }
