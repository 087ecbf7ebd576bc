package face

import (
	"errors"
	"math"
	"testing"

	"github.com/dunamismax/hatrack/internal/geometry"
)

func TestMeasureComputesRecord(t *testing.T) {
	raw := RawFace{
		LeftEye:       geometry.Point{X: 100, Y: 200},
		RightEye:      geometry.Point{X: 200, Y: 220},
		ForeheadTop:   geometry.Point{X: 150, Y: 140},
		ForeheadLeft:  geometry.Point{X: 90, Y: 160},
		ForeheadRight: geometry.Point{X: 210, Y: 160},
	}

	m, err := Measure(raw)
	if err != nil {
		t.Fatalf("Measure returned error: %v", err)
	}

	if m.EyeDistance != 100 {
		t.Fatalf("expected eye distance 100, got %g", m.EyeDistance)
	}
	if m.ForeheadWidth != 120 {
		t.Fatalf("expected forehead width 120, got %g", m.ForeheadWidth)
	}
	if m.EyeMidpoint.X != 150 || m.EyeMidpoint.Y != 210 {
		t.Fatalf("expected eye midpoint (150, 210), got (%g, %g)", m.EyeMidpoint.X, m.EyeMidpoint.Y)
	}
	if m.ForeheadTop != raw.ForeheadTop {
		t.Fatalf("expected forehead top to pass through, got %+v", m.ForeheadTop)
	}

	wantTilt := math.Atan2(20, 100) * 180 / math.Pi
	if math.Abs(m.TiltDegrees-wantTilt) > 1e-9 {
		t.Fatalf("expected tilt %g, got %g", wantTilt, m.TiltDegrees)
	}
}

func TestMeasureLevelEyesHaveZeroTilt(t *testing.T) {
	m, err := Measure(RawFace{
		LeftEye:       geometry.Point{X: 100, Y: 200},
		RightEye:      geometry.Point{X: 180, Y: 200},
		ForeheadTop:   geometry.Point{X: 140, Y: 150},
		ForeheadLeft:  geometry.Point{X: 95, Y: 165},
		ForeheadRight: geometry.Point{X: 185, Y: 165},
	})
	if err != nil {
		t.Fatalf("Measure returned error: %v", err)
	}
	if m.TiltDegrees != 0 {
		t.Fatalf("expected zero tilt, got %g", m.TiltDegrees)
	}
}

func TestMeasureRejectsDegenerateGeometry(t *testing.T) {
	coincidentEyes := RawFace{
		LeftEye:       geometry.Point{X: 100, Y: 200},
		RightEye:      geometry.Point{X: 100, Y: 200},
		ForeheadLeft:  geometry.Point{X: 90, Y: 160},
		ForeheadRight: geometry.Point{X: 110, Y: 160},
	}
	if _, err := Measure(coincidentEyes); !errors.Is(err, geometry.ErrInvalidMeasurement) {
		t.Fatalf("expected ErrInvalidMeasurement for coincident eyes, got %v", err)
	}

	flatForehead := RawFace{
		LeftEye:       geometry.Point{X: 100, Y: 200},
		RightEye:      geometry.Point{X: 180, Y: 200},
		ForeheadLeft:  geometry.Point{X: 140, Y: 160},
		ForeheadRight: geometry.Point{X: 140, Y: 160},
	}
	if _, err := Measure(flatForehead); !errors.Is(err, geometry.ErrInvalidMeasurement) {
		t.Fatalf("expected ErrInvalidMeasurement for zero forehead width, got %v", err)
	}
}

func TestMeasureAllFailsWholeBatch(t *testing.T) {
	ok := RawFace{
		LeftEye:       geometry.Point{X: 100, Y: 200},
		RightEye:      geometry.Point{X: 180, Y: 200},
		ForeheadTop:   geometry.Point{X: 140, Y: 150},
		ForeheadLeft:  geometry.Point{X: 95, Y: 165},
		ForeheadRight: geometry.Point{X: 185, Y: 165},
	}
	bad := ok
	bad.RightEye = bad.LeftEye

	if _, err := MeasureAll([]RawFace{ok, bad}); !errors.Is(err, geometry.ErrInvalidMeasurement) {
		t.Fatalf("expected batch failure, got %v", err)
	}

	measurements, err := MeasureAll([]RawFace{ok, ok})
	if err != nil {
		t.Fatalf("MeasureAll returned error: %v", err)
	}
	if len(measurements) != 2 {
		t.Fatalf("expected 2 measurements, got %d", len(measurements))
	}
}
