package preprocess

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
)

// Page is one canonical page: a normalized raster ready for OCR and
// region extraction, with its position in the source document.
type Page struct {
	Index int
	Image image.Image
}

// DecodeError indicates the input bytes could not be decoded as any
// supported image or document format. Fatal, never retried.
type DecodeError struct {
	Filename string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %q: %v", e.Filename, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EmptyDocumentError indicates a document decoded successfully but
// produced no pages. Fatal, never retried.
type EmptyDocumentError struct {
	Filename string
}

func (e *EmptyDocumentError) Error() string {
	return fmt.Sprintf("document %q has no extractable pages", e.Filename)
}

// Config controls page normalization.
type Config struct {
	// MaxDimension bounds the longer edge of a canonical page.
	MaxDimension int
	// Contrast adjustment applied after grayscale conversion, in the
	// imaging package's [-100, 100] range.
	Contrast float64
	// Sharpen sigma; 0 disables sharpening.
	Sharpen float64
	// Deskew enables small-angle skew correction.
	Deskew bool
}

// DefaultConfig returns normalization defaults tuned for scanned
// identity documents.
func DefaultConfig() Config {
	return Config{
		MaxDimension: 2048,
		Contrast:     15,
		Sharpen:      0.6,
		Deskew:       true,
	}
}

// Preprocessor converts raw uploads into canonical pages.
type Preprocessor struct {
	cfg Config
}

// New creates a Preprocessor, filling zero config values with defaults.
func New(cfg Config) *Preprocessor {
	if cfg.MaxDimension <= 0 {
		cfg.MaxDimension = DefaultConfig().MaxDimension
	}
	return &Preprocessor{cfg: cfg}
}

// Process turns one uploaded file into canonical pages. PDF inputs are
// split into one page per document page preserving order; everything
// else is decoded as a single image. The input is never mutated.
func (p *Preprocessor) Process(data []byte, filename string) ([]Page, error) {
	if isPDF(data) {
		return p.processPDF(data, filename)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Filename: filename, Err: err}
	}
	return []Page{{Index: 0, Image: p.normalize(img)}}, nil
}

// normalize produces the canonical raster: grayscale, contrast
// stretched, optionally deskewed and sharpened, bounded in size.
func (p *Preprocessor) normalize(img image.Image) image.Image {
	out := imaging.Grayscale(img)
	if p.cfg.Contrast != 0 {
		out = imaging.AdjustContrast(out, p.cfg.Contrast)
	}
	if p.cfg.Deskew {
		if angle := estimateSkew(out); angle != 0 {
			out = imaging.Rotate(out, angle, image.White)
		}
	}
	if p.cfg.Sharpen > 0 {
		out = imaging.Sharpen(out, p.cfg.Sharpen)
	}
	b := out.Bounds()
	if b.Dx() > p.cfg.MaxDimension || b.Dy() > p.cfg.MaxDimension {
		out = imaging.Fit(out, p.cfg.MaxDimension, p.cfg.MaxDimension, imaging.Lanczos)
	}
	return out
}

// isPDF sniffs the PDF magic header.
func isPDF(data []byte) bool {
	return len(data) >= 5 && bytes.HasPrefix(data, []byte("%PDF-"))
}

// EncodeJPEG renders a page image as JPEG bytes for persistence and
// for attaching to correction requests.
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(95)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
