package face

import (
	"context"
	"image"

	"github.com/dunamismax/hatrack/internal/geometry"
)

// RawFace is one detected face's keypoints in base-image pixels, as returned
// by whichever landmark model backs the Detector.
type RawFace struct {
	LeftEye       geometry.Point
	RightEye      geometry.Point
	ForeheadTop   geometry.Point
	ForeheadLeft  geometry.Point
	ForeheadRight geometry.Point
	Confidence    float64
}

// Detector locates faces and their keypoints in a decoded image. An empty
// slice means no faces were found; that is not an error.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]RawFace, error)
}
