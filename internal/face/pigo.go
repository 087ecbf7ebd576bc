package face

import (
	"context"
	"fmt"
	"image"
	"os"
	"sort"

	pigo "github.com/esimov/pigo/core"

	"github.com/dunamismax/hatrack/internal/geometry"
)

const (
	minFaceSize      = 20
	maxFaceSize      = 1000
	shiftFactor      = 0.1
	scaleFactor      = 1.1
	iouThreshold     = 0.2
	qualityThreshold = 5.0
	pupilPerturbs    = 63
)

// PigoDetector runs the pigo cascade classifier over grayscale pixels. When a
// puploc cascade is configured the eye positions come from pupil localization,
// which also yields the head tilt; otherwise the eyes are estimated from the
// detection box geometry and the tilt is zero.
type PigoDetector struct {
	classifier *pigo.Pigo
	puploc     *pigo.PuplocCascade
	maxFaces   int
}

// NewPigoDetector loads the face cascade from cascadePath and optionally a
// puploc cascade from puplocPath (empty disables pupil localization).
func NewPigoDetector(cascadePath, puplocPath string, maxFaces int) (*PigoDetector, error) {
	cascade, err := os.ReadFile(cascadePath)
	if err != nil {
		return nil, fmt.Errorf("read cascade file %s: %w", cascadePath, err)
	}

	classifier, err := pigo.NewPigo().Unpack(cascade)
	if err != nil {
		return nil, fmt.Errorf("unpack cascade: %w", err)
	}

	d := &PigoDetector{
		classifier: classifier,
		maxFaces:   maxFaces,
	}

	if puplocPath != "" {
		plCascade, err := os.ReadFile(puplocPath)
		if err != nil {
			return nil, fmt.Errorf("read puploc cascade %s: %w", puplocPath, err)
		}
		plc, err := pigo.NewPuplocCascade().UnpackCascade(plCascade)
		if err != nil {
			return nil, fmt.Errorf("unpack puploc cascade: %w", err)
		}
		d.puploc = plc
	}

	return d, nil
}

func (d *PigoDetector) Detect(ctx context.Context, img image.Image) ([]RawFace, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	src := pigo.ImgToNRGBA(img)
	pixels := pigo.RgbToGrayscale(src)
	cols, rows := src.Bounds().Max.X, src.Bounds().Max.Y

	params := pigo.CascadeParams{
		MinSize:     minFaceSize,
		MaxSize:     maxFaceSize,
		ShiftFactor: shiftFactor,
		ScaleFactor: scaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: pixels,
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
	}

	dets := d.classifier.RunCascade(params, 0.0)
	dets = d.classifier.ClusterDetections(dets, iouThreshold)

	// Stable detection order: left to right, then top to bottom.
	sort.SliceStable(dets, func(i, j int) bool {
		if dets[i].Col != dets[j].Col {
			return dets[i].Col < dets[j].Col
		}
		return dets[i].Row < dets[j].Row
	})

	faces := make([]RawFace, 0, len(dets))
	for _, det := range dets {
		if float64(det.Q) < qualityThreshold {
			continue
		}
		faces = append(faces, d.keypointsFor(det, params.ImageParams))
		if d.maxFaces > 0 && len(faces) >= d.maxFaces {
			break
		}
	}

	return faces, nil
}

func (d *PigoDetector) keypointsFor(det pigo.Detection, img pigo.ImageParams) RawFace {
	cx := float64(det.Col)
	cy := float64(det.Row)
	size := float64(det.Scale)

	// Box-geometry estimates; refined below when puploc is available.
	raw := RawFace{
		LeftEye:       geometry.Point{X: cx - 0.175*size, Y: cy - 0.075*size},
		RightEye:      geometry.Point{X: cx + 0.175*size, Y: cy - 0.075*size},
		ForeheadTop:   geometry.Point{X: cx, Y: cy - 0.4*size},
		ForeheadLeft:  geometry.Point{X: cx - 0.35*size, Y: cy - 0.3*size},
		ForeheadRight: geometry.Point{X: cx + 0.35*size, Y: cy - 0.3*size},
		Confidence:    float64(det.Q) / 100.0,
	}

	if d.puploc == nil {
		return raw
	}

	left := d.puploc.RunDetector(pigo.Puploc{
		Row:      det.Row - int(0.075*float32(det.Scale)),
		Col:      det.Col - int(0.175*float32(det.Scale)),
		Scale:    float32(det.Scale) * 0.25,
		Perturbs: pupilPerturbs,
	}, img, 0.0, false)
	if left.Row > 0 && left.Col > 0 {
		raw.LeftEye = geometry.Point{X: float64(left.Col), Y: float64(left.Row)}
	}

	right := d.puploc.RunDetector(pigo.Puploc{
		Row:      det.Row - int(0.075*float32(det.Scale)),
		Col:      det.Col + int(0.175*float32(det.Scale)),
		Scale:    float32(det.Scale) * 0.25,
		Perturbs: pupilPerturbs,
	}, img, 0.0, false)
	if right.Row > 0 && right.Col > 0 {
		raw.RightEye = geometry.Point{X: float64(right.Col), Y: float64(right.Row)}
	}

	return raw
}
