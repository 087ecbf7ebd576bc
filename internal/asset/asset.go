package asset

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	_ "image/png"

	"github.com/dunamismax/hatrack/internal/geometry"
)

var ErrNotConfigured = errors.New("hat asset not configured")

// Snapshot is one immutable hat asset plus its positioning config. Reloads
// publish a whole new snapshot; a snapshot is never mutated after Load.
type Snapshot struct {
	Image       *image.NRGBA
	Width       int
	Height      int
	Positioning geometry.PositioningConfig
	// ConfigVersion identifies the positioning settings in cache keys.
	ConfigVersion string
}

// positioningFile is the sidecar JSON layout next to the hat image.
type positioningFile struct {
	Positioning struct {
		WidthReference  string  `json:"width_reference"`
		WidthMultiplier float64 `json:"width_multiplier"`
		HatAnchorPoint  struct {
			X float64 `json:"x"`
			Y float64 `json:"y"`
		} `json:"hat_anchor_point"`
		HorizontalCenter string  `json:"horizontal_center"`
		VerticalAnchor   string  `json:"vertical_anchor"`
		VerticalOffsetPX float64 `json:"vertical_offset_px"`
	} `json:"positioning"`
}

// DefaultPositioning centers the hat brim just above the forehead, sized off
// the eye distance.
func DefaultPositioning() geometry.PositioningConfig {
	return geometry.PositioningConfig{
		WidthReference:   geometry.WidthReferenceEyeDistance,
		WidthMultiplier:  2.0,
		AnchorX:          0.5,
		AnchorY:          0.95,
		HorizontalCenter: geometry.HorizontalCenterEyeMidpoint,
		VerticalAnchor:   geometry.VerticalAnchorForeheadTop,
		VerticalOffsetPX: 30,
	}
}

// Load reads the hat image and, when present, its sidecar positioning file
// (same path with a .json extension). A missing sidecar falls back to the
// defaults; a malformed or invalid sidecar fails closed.
func Load(imagePath string) (*Snapshot, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotConfigured, imagePath)
		}
		return nil, fmt.Errorf("open hat image %s: %w", imagePath, err)
	}
	defer f.Close()

	decoded, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode hat image %s: %w", imagePath, err)
	}

	bounds := decoded.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, fmt.Errorf("hat image %s has invalid dimensions", imagePath)
	}

	nrgba := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(nrgba, nrgba.Bounds(), decoded, bounds.Min, draw.Src)

	positioning, err := loadPositioning(sidecarPath(imagePath))
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Image:         nrgba,
		Width:         bounds.Dx(),
		Height:        bounds.Dy(),
		Positioning:   positioning,
		ConfigVersion: ConfigVersion(positioning),
	}, nil
}

func sidecarPath(imagePath string) string {
	ext := filepath.Ext(imagePath)
	return strings.TrimSuffix(imagePath, ext) + ".json"
}

func loadPositioning(path string) (geometry.PositioningConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultPositioning(), nil
		}
		return geometry.PositioningConfig{}, fmt.Errorf("read positioning file %s: %w", path, err)
	}

	var file positioningFile
	if err := json.Unmarshal(data, &file); err != nil {
		return geometry.PositioningConfig{}, fmt.Errorf("%w: parse %s: %v", geometry.ErrInvalidConfig, path, err)
	}

	p := file.Positioning
	widthRef, err := geometry.ParseWidthReference(p.WidthReference)
	if err != nil {
		return geometry.PositioningConfig{}, err
	}
	horizontal, err := geometry.ParseHorizontalCenter(p.HorizontalCenter)
	if err != nil {
		return geometry.PositioningConfig{}, err
	}
	vertical, err := geometry.ParseVerticalAnchor(p.VerticalAnchor)
	if err != nil {
		return geometry.PositioningConfig{}, err
	}

	cfg := geometry.PositioningConfig{
		WidthReference:   widthRef,
		WidthMultiplier:  p.WidthMultiplier,
		AnchorX:          p.HatAnchorPoint.X,
		AnchorY:          p.HatAnchorPoint.Y,
		HorizontalCenter: horizontal,
		VerticalAnchor:   vertical,
		VerticalOffsetPX: p.VerticalOffsetPX,
	}
	if err := cfg.Validate(); err != nil {
		return geometry.PositioningConfig{}, err
	}
	return cfg, nil
}

// ConfigVersion derives a short stable identifier from the positioning
// settings. It feeds cache keys so reconfiguring hat placement invalidates
// every cached result.
func ConfigVersion(cfg geometry.PositioningConfig) string {
	h := sha256.New()
	for _, part := range []string{
		string(cfg.WidthReference),
		strconv.FormatFloat(cfg.WidthMultiplier, 'f', -1, 64),
		strconv.FormatFloat(cfg.AnchorX, 'f', -1, 64),
		strconv.FormatFloat(cfg.AnchorY, 'f', -1, 64),
		string(cfg.HorizontalCenter),
		string(cfg.VerticalAnchor),
		strconv.FormatFloat(cfg.VerticalOffsetPX, 'f', -1, 64),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}

// Holder hands out the current snapshot and accepts atomic replacements.
// In-flight requests keep whatever snapshot they started with.
type Holder struct {
	current atomic.Pointer[Snapshot]
}

func NewHolder(s *Snapshot) *Holder {
	h := &Holder{}
	if s != nil {
		h.current.Store(s)
	}
	return h
}

// Snapshot returns the current asset, or ErrNotConfigured when none has been
// published.
func (h *Holder) Snapshot() (*Snapshot, error) {
	s := h.current.Load()
	if s == nil {
		return nil, ErrNotConfigured
	}
	return s, nil
}

func (h *Holder) Replace(s *Snapshot) {
	h.current.Store(s)
}
