package face

import (
	"fmt"
	"math"

	"github.com/dunamismax/hatrack/internal/geometry"
)

// Measure normalizes one raw face into the measurement record the placement
// engine consumes. It is pure and stateless.
func Measure(raw RawFace) (geometry.FaceMeasurement, error) {
	dx := raw.RightEye.X - raw.LeftEye.X
	dy := raw.RightEye.Y - raw.LeftEye.Y

	eyeDistance := math.Abs(dx)
	foreheadWidth := math.Abs(raw.ForeheadRight.X - raw.ForeheadLeft.X)

	if eyeDistance <= 0 {
		return geometry.FaceMeasurement{}, fmt.Errorf("%w: eye distance %g", geometry.ErrInvalidMeasurement, eyeDistance)
	}
	if foreheadWidth <= 0 {
		return geometry.FaceMeasurement{}, fmt.Errorf("%w: forehead width %g", geometry.ErrInvalidMeasurement, foreheadWidth)
	}

	return geometry.FaceMeasurement{
		EyeDistance:   eyeDistance,
		ForeheadWidth: foreheadWidth,
		EyeMidpoint: geometry.Point{
			X: (raw.LeftEye.X + raw.RightEye.X) / 2,
			Y: (raw.LeftEye.Y + raw.RightEye.Y) / 2,
		},
		ForeheadTop: raw.ForeheadTop,
		TiltDegrees: math.Atan2(dy, dx) * 180 / math.Pi,
	}, nil
}

// MeasureAll normalizes every detected face, preserving detection order.
// Any degenerate face fails the whole batch.
func MeasureAll(raws []RawFace) ([]geometry.FaceMeasurement, error) {
	measurements := make([]geometry.FaceMeasurement, 0, len(raws))
	for i, raw := range raws {
		m, err := Measure(raw)
		if err != nil {
			return nil, fmt.Errorf("face %d: %w", i, err)
		}
		measurements = append(measurements, m)
	}
	return measurements, nil
}
