package geometry

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrInvalidConfig      = errors.New("invalid positioning config")
	ErrInvalidMeasurement = errors.New("invalid face measurement")
)

type Point struct {
	X float64
	Y float64
}

// FaceMeasurement is the normalized output of the measurement adapter,
// one per detected face. Distances are in base-image pixels.
type FaceMeasurement struct {
	EyeDistance   float64
	ForeheadWidth float64
	EyeMidpoint   Point
	ForeheadTop   Point
	TiltDegrees   float64
}

type WidthReference string

const (
	WidthReferenceEyeDistance   WidthReference = "eye_distance"
	WidthReferenceForeheadWidth WidthReference = "forehead_width"
)

type HorizontalCenter string

const (
	HorizontalCenterEyeMidpoint HorizontalCenter = "midpoint_between_eyes"
	HorizontalCenterForeheadTop HorizontalCenter = "forehead_top"
)

type VerticalAnchor string

const (
	VerticalAnchorForeheadTop VerticalAnchor = "forehead_top"
)

func ParseWidthReference(s string) (WidthReference, error) {
	switch WidthReference(s) {
	case WidthReferenceEyeDistance, WidthReferenceForeheadWidth:
		return WidthReference(s), nil
	default:
		return "", fmt.Errorf("%w: unknown width_reference %q", ErrInvalidConfig, s)
	}
}

func ParseHorizontalCenter(s string) (HorizontalCenter, error) {
	switch HorizontalCenter(s) {
	case HorizontalCenterEyeMidpoint, HorizontalCenterForeheadTop:
		return HorizontalCenter(s), nil
	default:
		return "", fmt.Errorf("%w: unknown horizontal_center %q", ErrInvalidConfig, s)
	}
}

func ParseVerticalAnchor(s string) (VerticalAnchor, error) {
	switch VerticalAnchor(s) {
	case VerticalAnchorForeheadTop:
		return VerticalAnchor(s), nil
	default:
		return "", fmt.Errorf("%w: unknown vertical_anchor %q", ErrInvalidConfig, s)
	}
}

// PositioningConfig describes where the hat sits relative to a face. The enum
// fields are validated once when the config is loaded, not per request.
type PositioningConfig struct {
	WidthReference   WidthReference
	WidthMultiplier  float64
	AnchorX          float64
	AnchorY          float64
	HorizontalCenter HorizontalCenter
	VerticalAnchor   VerticalAnchor
	VerticalOffsetPX float64
}

func (c PositioningConfig) Validate() error {
	if _, err := ParseWidthReference(string(c.WidthReference)); err != nil {
		return err
	}
	if _, err := ParseHorizontalCenter(string(c.HorizontalCenter)); err != nil {
		return err
	}
	if _, err := ParseVerticalAnchor(string(c.VerticalAnchor)); err != nil {
		return err
	}
	if c.WidthMultiplier <= 0 {
		return fmt.Errorf("%w: width_multiplier must be positive, got %g", ErrInvalidConfig, c.WidthMultiplier)
	}
	if c.AnchorX < 0 || c.AnchorX > 1 || c.AnchorY < 0 || c.AnchorY > 1 {
		return fmt.Errorf("%w: hat_anchor_point (%g, %g) outside [0,1]", ErrInvalidConfig, c.AnchorX, c.AnchorY)
	}
	return nil
}

// Placement positions one rotated hat in base-image coordinates. HatWidth and
// HatHeight are the scaled size before rotation; CanvasWidth and CanvasHeight
// bound the rotated content without clipping.
type Placement struct {
	HatWidth        float64
	HatHeight       float64
	CanvasWidth     float64
	CanvasHeight    float64
	RotationDegrees float64
	TopLeft         Point
}

// PlaceHat computes the affine placement of a hat asset over a measured face.
// The hat is scaled to the configured width reference, rotated opposite the
// head tilt around its own center with an expanded canvas, and positioned so
// the configured anchor point lands on the facial target regardless of the
// rotation angle. No clamping to image bounds happens here.
func PlaceHat(face FaceMeasurement, cfg PositioningConfig, assetWidth, assetHeight int, hatScale float64) (Placement, error) {
	if err := cfg.Validate(); err != nil {
		return Placement{}, err
	}
	if hatScale <= 0 {
		return Placement{}, fmt.Errorf("%w: hat_scale must be positive, got %g", ErrInvalidConfig, hatScale)
	}
	if assetWidth <= 0 || assetHeight <= 0 {
		return Placement{}, fmt.Errorf("%w: asset dimensions %dx%d", ErrInvalidConfig, assetWidth, assetHeight)
	}

	var reference float64
	switch cfg.WidthReference {
	case WidthReferenceEyeDistance:
		reference = face.EyeDistance
	case WidthReferenceForeheadWidth:
		reference = face.ForeheadWidth
	}
	if reference <= 0 {
		return Placement{}, fmt.Errorf("%w: %s must be positive, got %g", ErrInvalidMeasurement, cfg.WidthReference, reference)
	}

	hatWidth := reference * cfg.WidthMultiplier * hatScale
	hatHeight := hatWidth * float64(assetHeight) / float64(assetWidth)
	if hatWidth <= 0 {
		return Placement{}, fmt.Errorf("%w: computed hat width %g", ErrInvalidMeasurement, hatWidth)
	}

	rotation := -face.TiltDegrees
	theta := rotation * math.Pi / 180
	cos := math.Cos(theta)
	sin := math.Sin(theta)

	canvasWidth := math.Abs(hatWidth*cos) + math.Abs(hatHeight*sin)
	canvasHeight := math.Abs(hatWidth*sin) + math.Abs(hatHeight*cos)

	// Anchor offset from the pre-rotation center, rotated with the hat and
	// re-centered on the expanded canvas.
	dx := cfg.AnchorX*hatWidth - hatWidth/2
	dy := cfg.AnchorY*hatHeight - hatHeight/2
	anchorX := canvasWidth/2 + dx*cos - dy*sin
	anchorY := canvasHeight/2 + dx*sin + dy*cos

	var targetX float64
	switch cfg.HorizontalCenter {
	case HorizontalCenterEyeMidpoint:
		targetX = face.EyeMidpoint.X
	case HorizontalCenterForeheadTop:
		targetX = face.ForeheadTop.X
	}

	var targetY float64
	switch cfg.VerticalAnchor {
	case VerticalAnchorForeheadTop:
		targetY = face.ForeheadTop.Y
	}
	targetY += cfg.VerticalOffsetPX

	return Placement{
		HatWidth:        hatWidth,
		HatHeight:       hatHeight,
		CanvasWidth:     canvasWidth,
		CanvasHeight:    canvasHeight,
		RotationDegrees: rotation,
		TopLeft: Point{
			X: targetX - anchorX,
			Y: targetY - anchorY,
		},
	}, nil
}
