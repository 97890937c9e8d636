package region

import (
	"context"
	"fmt"
	"image"
	"os"
	"sort"

	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/MeKo-Tech/idex/internal/onnx"
	"github.com/MeKo-Tech/idex/internal/preprocess"
)

// Config holds face-detector settings. The model is an
// UltraFace-style detector: one image input, score and box outputs
// with box coordinates relative to the input frame.
type Config struct {
	ModelPath      string
	NumThreads     int
	ScoreThreshold float64
	IoUThreshold   float64
	InputWidth     int
	InputHeight    int
	// Margin expands the detected face box before cropping so the
	// portrait keeps some context, as a fraction of box size.
	Margin float64
}

// DefaultConfig returns detector defaults for a 320x240 UltraFace
// model.
func DefaultConfig() Config {
	return Config{
		ScoreThreshold: 0.7,
		IoUThreshold:   0.3,
		InputWidth:     320,
		InputHeight:    240,
		Margin:         0.15,
	}
}

// FaceDetector runs an ONNX face-detection model over canonical pages.
type FaceDetector struct {
	cfg     Config
	session *ort.DynamicAdvancedSession
}

// NewFaceDetector initializes the ONNX runtime and loads the model.
func NewFaceDetector(cfg Config) (*FaceDetector, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("face detector: model path required")
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("face detector model: %w", err)
	}
	d := DefaultConfig()
	if cfg.ScoreThreshold <= 0 {
		cfg.ScoreThreshold = d.ScoreThreshold
	}
	if cfg.IoUThreshold <= 0 {
		cfg.IoUThreshold = d.IoUThreshold
	}
	if cfg.InputWidth <= 0 || cfg.InputHeight <= 0 {
		cfg.InputWidth, cfg.InputHeight = d.InputWidth, d.InputHeight
	}
	if cfg.Margin <= 0 {
		cfg.Margin = d.Margin
	}

	if err := onnx.EnsureInitialized(); err != nil {
		return nil, err
	}
	session, err := onnx.NewSession(cfg.ModelPath, []string{"input"}, []string{"scores", "boxes"}, cfg.NumThreads)
	if err != nil {
		return nil, err
	}
	return &FaceDetector{cfg: cfg, session: session}, nil
}

// Close releases the ONNX session.
func (f *FaceDetector) Close() error {
	if f.session == nil {
		return nil
	}
	err := f.session.Destroy()
	f.session = nil
	return err
}

// Extract detects faces on one canonical page. No detection is a
// valid empty result; only inference failures return an error.
func (f *FaceDetector) Extract(ctx context.Context, page preprocess.Page) ([]Region, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ExtractionError{Err: err}
	}
	if page.Image == nil {
		return nil, &ExtractionError{Err: fmt.Errorf("nil page image")}
	}

	scores, boxes, err := f.infer(page.Image)
	if err != nil {
		return nil, &ExtractionError{Err: err}
	}

	dets := decodeDetections(scores, boxes, f.cfg.ScoreThreshold)
	dets = nonMaxSuppress(dets, f.cfg.IoUThreshold)

	pageBounds := page.Image.Bounds()
	regions := make([]Region, 0, len(dets))
	for _, det := range dets {
		rect := det.toPageRect(pageBounds, f.cfg.Margin)
		if rect.Empty() {
			continue
		}
		regions = append(regions, Region{
			Kind:       KindFace,
			PageIndex:  page.Index,
			Bounds:     rect,
			Confidence: det.score,
			Image:      imaging.Crop(page.Image, rect),
		})
	}

	// Largest face first, matching how the portrait is chosen.
	sort.Slice(regions, func(i, j int) bool {
		ai := regions[i].Bounds.Dx() * regions[i].Bounds.Dy()
		aj := regions[j].Bounds.Dx() * regions[j].Bounds.Dy()
		return ai > aj
	})
	return regions, nil
}

// infer resizes the page into the model frame, runs the session, and
// returns the raw score and box tensors.
func (f *FaceDetector) infer(img image.Image) ([]float32, []float32, error) {
	resized := imaging.Resize(img, f.cfg.InputWidth, f.cfg.InputHeight, imaging.Linear)
	data := normalizeNCHW(resized)

	input, err := ort.NewTensor(ort.NewShape(1, 3, int64(f.cfg.InputHeight), int64(f.cfg.InputWidth)), data)
	if err != nil {
		return nil, nil, fmt.Errorf("input tensor: %w", err)
	}
	defer func() { _ = input.Destroy() }()

	outputs := []ort.Value{nil, nil}
	if err := f.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, nil, fmt.Errorf("inference: %w", err)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				_ = o.Destroy()
			}
		}
	}()

	scoreTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, nil, fmt.Errorf("unexpected scores tensor type")
	}
	boxTensor, ok := outputs[1].(*ort.Tensor[float32])
	if !ok {
		return nil, nil, fmt.Errorf("unexpected boxes tensor type")
	}

	scores := append([]float32(nil), scoreTensor.GetData()...)
	boxes := append([]float32(nil), boxTensor.GetData()...)
	return scores, boxes, nil
}

// normalizeNCHW converts the NRGBA frame to the model's expected
// (pixel-127)/128 float range in channel-first order.
func normalizeNCHW(img *image.NRGBA) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	data := make([]float32, 3*w*h)
	plane := w * h
	for y := range h {
		for x := range w {
			off := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			idx := y*w + x
			data[idx] = (float32(img.Pix[off]) - 127) / 128
			data[plane+idx] = (float32(img.Pix[off+1]) - 127) / 128
			data[2*plane+idx] = (float32(img.Pix[off+2]) - 127) / 128
		}
	}
	return data
}
