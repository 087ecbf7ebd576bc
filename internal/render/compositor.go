package render

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"math"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/dunamismax/hatrack/internal/geometry"
)

var ErrEncodingFailure = errors.New("image encoding failed")

// ErrBoundsExceeded reports a source image larger than the configured limits.
var ErrBoundsExceeded = errors.New("image dimensions exceed limits")

// OutputQuality is the JPEG quality of every rendered result, regardless of
// the input format.
const OutputQuality = 95

// Decode decodes jpeg, png, gif, bmp or webp input bytes.
func Decode(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode source image: %w", err)
	}
	return img, format, nil
}

// DecodeBounds reads only the image header, for limit checks before a full
// decode.
func DecodeBounds(data []byte) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("decode image header: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

// CheckBounds decodes only the image header and rejects inputs wider, taller
// or denser than the given limits. A zero limit disables that check.
func CheckBounds(data []byte, maxWidth, maxHeight, maxPixels int) error {
	width, height, err := DecodeBounds(data)
	if err != nil {
		return err
	}
	if maxWidth > 0 && width > maxWidth {
		return fmt.Errorf("%w: width %d > %d", ErrBoundsExceeded, width, maxWidth)
	}
	if maxHeight > 0 && height > maxHeight {
		return fmt.Errorf("%w: height %d > %d", ErrBoundsExceeded, height, maxHeight)
	}
	if maxPixels > 0 && width*height > maxPixels {
		return fmt.Errorf("%w: %d pixels > %d", ErrBoundsExceeded, width*height, maxPixels)
	}
	return nil
}

// Composite alpha-blends one scaled, rotated hat per placement onto the base
// image, in placement order. Later placements draw over earlier ones where
// they overlap. Content outside the base bounds is clipped silently.
func Composite(base image.Image, hat image.Image, placements []geometry.Placement) *image.NRGBA {
	out := image.NewNRGBA(base.Bounds())
	draw.Draw(out, out.Bounds(), base, base.Bounds().Min, draw.Src)

	for _, p := range placements {
		scaled := scaleHat(hat, int(math.Round(p.HatWidth)), int(math.Round(p.HatHeight)))
		rotated := rotateHat(scaled, p.RotationDegrees)

		x := out.Bounds().Min.X + int(math.Round(p.TopLeft.X))
		y := out.Bounds().Min.Y + int(math.Round(p.TopLeft.Y))
		target := rotated.Bounds().Add(image.Pt(x, y))
		draw.Draw(out, target, rotated, rotated.Bounds().Min, draw.Over)
	}

	return out
}

// Encode flattens the composite onto a white background and produces the
// final JPEG bytes.
func Encode(img image.Image) ([]byte, error) {
	flat := image.NewRGBA(img.Bounds())
	draw.Draw(flat, flat.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(flat, flat.Bounds(), img, img.Bounds().Min, draw.Over)

	data, err := encodeJPEG(flat, OutputQuality)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodingFailure, err)
	}
	return data, nil
}
