package preprocess

import (
	"image"

	"github.com/disintegration/imaging"
)

// Skew estimation sweeps a small angle range and picks the rotation
// that maximizes the variance of horizontal projection profiles: text
// lines aligned with the raster produce sharply alternating dark and
// light rows.
const (
	skewSweepDegrees = 5.0
	skewStepDegrees  = 0.5
	skewSampleWidth  = 256
)

func estimateSkew(img image.Image) float64 {
	sample := imaging.Resize(img, skewSampleWidth, 0, imaging.NearestNeighbor)
	if sample.Bounds().Dy() < 8 {
		return 0
	}

	best, bestScore := 0.0, profileVariance(sample)
	for angle := -skewSweepDegrees; angle <= skewSweepDegrees; angle += skewStepDegrees {
		if angle == 0 {
			continue
		}
		rotated := imaging.Rotate(sample, angle, image.White)
		if score := profileVariance(rotated); score > bestScore {
			best, bestScore = angle, score
		}
	}
	return best
}

func profileVariance(img *image.NRGBA) float64 {
	b := img.Bounds()
	h := b.Dy()
	if h == 0 {
		return 0
	}
	rows := make([]float64, h)
	var total float64
	for y := range h {
		var sum float64
		for x := b.Min.X; x < b.Max.X; x++ {
			off := img.PixOffset(x, b.Min.Y+y)
			sum += float64(img.Pix[off])
		}
		rows[y] = sum
		total += sum
	}
	mean := total / float64(h)
	var variance float64
	for _, v := range rows {
		d := v - mean
		variance += d * d
	}
	return variance / float64(h)
}
