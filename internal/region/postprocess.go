package region

import (
	"image"
	"sort"
)

// detection is one candidate box in model-relative coordinates
// (0..1 over the input frame).
type detection struct {
	score          float64
	x1, y1, x2, y2 float64
}

// toPageRect maps a relative box onto page pixel coordinates,
// expanding it by the configured margin and clipping to the page.
func (d detection) toPageRect(page image.Rectangle, margin float64) image.Rectangle {
	w := float64(page.Dx())
	h := float64(page.Dy())

	bw := (d.x2 - d.x1) * w
	bh := (d.y2 - d.y1) * h
	mx := bw * margin
	my := bh * margin

	rect := image.Rect(
		int(d.x1*w-mx),
		int(d.y1*h-my),
		int(d.x2*w+mx),
		int(d.y2*h+my),
	)
	return rect.Add(page.Min).Intersect(page)
}

// decodeDetections pairs UltraFace score/box tensors into candidates
// above the score threshold. Scores arrive as [background, face]
// pairs per anchor, boxes as [x1,y1,x2,y2] per anchor.
func decodeDetections(scores, boxes []float32, threshold float64) []detection {
	n := len(scores) / 2
	if b := len(boxes) / 4; b < n {
		n = b
	}
	var dets []detection
	for i := range n {
		score := float64(scores[2*i+1])
		if score < threshold {
			continue
		}
		dets = append(dets, detection{
			score: score,
			x1:    float64(boxes[4*i]),
			y1:    float64(boxes[4*i+1]),
			x2:    float64(boxes[4*i+2]),
			y2:    float64(boxes[4*i+3]),
		})
	}
	return dets
}

// nonMaxSuppress keeps the highest-scoring boxes, dropping any box
// overlapping a kept one beyond the IoU threshold.
func nonMaxSuppress(dets []detection, iouThreshold float64) []detection {
	sort.Slice(dets, func(i, j int) bool { return dets[i].score > dets[j].score })

	var kept []detection
	for _, d := range dets {
		overlaps := false
		for _, k := range kept {
			if iou(d, k) > iouThreshold {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, d)
		}
	}
	return kept
}

func iou(a, b detection) float64 {
	ix1 := maxf(a.x1, b.x1)
	iy1 := maxf(a.y1, b.y1)
	ix2 := minf(a.x2, b.x2)
	iy2 := minf(a.y2, b.y2)

	iw := ix2 - ix1
	ih := iy2 - iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	areaA := (a.x2 - a.x1) * (a.y2 - a.y1)
	areaB := (b.x2 - b.x1) * (b.y2 - b.y1)
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
