// Package detect declares the detection and classification collaborators
// consumed by the processing workload. camwarden never runs models itself;
// implementations live with the processing job.
package detect

import (
	"context"
	"image"
)

// BBox is an axis-aligned box in pixel coordinates, [X1,X2) x [Y1,Y2).
type BBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

func (b BBox) Rect() image.Rectangle { return image.Rect(b.X1, b.Y1, b.X2, b.Y2) }

type Detection struct {
	Box        BBox    `json:"bbox"`
	Confidence float64 `json:"confidence"`
	Class      string  `json:"class"`
}

// Detector finds objects in a frame.
type Detector interface {
	Detect(ctx context.Context, frame image.Image) ([]Detection, error)
}

type Label struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Classifier labels a cropped region.
type Classifier interface {
	Classify(ctx context.Context, region image.Image) (Label, error)
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// Crop returns the part of img inside b, clipped to the image bounds. ok is
// false when the box lies outside the image or img cannot be sliced.
func Crop(img image.Image, b BBox) (image.Image, bool) {
	r := b.Rect().Intersect(img.Bounds())
	if r.Empty() {
		return nil, false
	}
	si, ok := img.(subImager)
	if !ok {
		return nil, false
	}
	return si.SubImage(r), true
}

// Filter keeps detections at or above minConfidence whose class is in
// classes; an empty class list keeps every class.
func Filter(dets []Detection, minConfidence float64, classes ...string) []Detection {
	want := make(map[string]bool, len(classes))
	for _, c := range classes {
		want[c] = true
	}
	out := dets[:0:0]
	for _, d := range dets {
		if d.Confidence < minConfidence {
			continue
		}
		if len(want) > 0 && !want[d.Class] {
			continue
		}
		out = append(out, d)
	}
	return out
}

// ClassifyAll crops each detection and classifies it. Detections outside
// the frame get a zero Label.
func ClassifyAll(ctx context.Context, c Classifier, frame image.Image, dets []Detection) ([]Label, error) {
	out := make([]Label, len(dets))
	for i, d := range dets {
		region, ok := Crop(frame, d.Box)
		if !ok {
			continue
		}
		l, err := c.Classify(ctx, region)
		if err != nil {
			return nil, err
		}
		out[i] = l
	}
	return out, nil
}
