package render

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"testing"

	"github.com/dunamismax/hatrack/internal/geometry"
)

func solidHat(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func solidBase(w, h int) *image.NRGBA {
	return solidHat(w, h, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
}

func TestRotateHatExpandsCanvas(t *testing.T) {
	src := solidHat(200, 100, color.NRGBA{R: 255, A: 255})

	rotated := rotateHat(src, 90)
	if rotated.Bounds().Dx() != 100 || rotated.Bounds().Dy() != 200 {
		t.Fatalf("expected 100x200 canvas after 90 degree rotation, got %dx%d",
			rotated.Bounds().Dx(), rotated.Bounds().Dy())
	}

	rotated = rotateHat(src, 45)
	want := int(math.Ceil(200*math.Cos(math.Pi/4) + 100*math.Sin(math.Pi/4)))
	if rotated.Bounds().Dx() != want {
		t.Fatalf("expected %d canvas width after 45 degree rotation, got %d", want, rotated.Bounds().Dx())
	}
}

func TestRotateHatZeroIsIdentity(t *testing.T) {
	src := solidHat(64, 32, color.NRGBA{G: 200, A: 255})
	if got := rotateHat(src, 0); got != src {
		t.Fatal("expected zero rotation to return the source image")
	}
	if got := rotateHat(src, 360); got != src {
		t.Fatal("expected full-turn rotation to return the source image")
	}
}

func TestRotateHatCornersTransparent(t *testing.T) {
	src := solidHat(100, 100, color.NRGBA{B: 255, A: 255})
	rotated := rotateHat(src, 45)

	corner := rotated.NRGBAAt(0, 0)
	if corner.A != 0 {
		t.Fatalf("expected transparent corner after rotation, got alpha %d", corner.A)
	}

	cx := rotated.Bounds().Dx() / 2
	cy := rotated.Bounds().Dy() / 2
	center := rotated.NRGBAAt(cx, cy)
	if center.A != 255 || center.B != 255 {
		t.Fatalf("expected opaque blue center after rotation, got %+v", center)
	}
}

func TestCompositeDrawsHatAtPlacement(t *testing.T) {
	base := solidBase(400, 300)
	hat := solidHat(40, 20, color.NRGBA{R: 255, A: 255})

	out := Composite(base, hat, []geometry.Placement{
		{
			HatWidth:     40,
			HatHeight:    20,
			CanvasWidth:  40,
			CanvasHeight: 20,
			TopLeft:      geometry.Point{X: 100, Y: 50},
		},
	})

	inside := out.NRGBAAt(120, 60)
	if inside.R != 255 {
		t.Fatalf("expected hat pixel at (120, 60), got %+v", inside)
	}
	outside := out.NRGBAAt(50, 50)
	if outside.R != 10 {
		t.Fatalf("expected untouched base pixel at (50, 50), got %+v", outside)
	}
}

func TestCompositeClipsOutOfBoundsPlacement(t *testing.T) {
	base := solidBase(100, 100)
	hat := solidHat(60, 60, color.NRGBA{G: 255, A: 255})

	out := Composite(base, hat, []geometry.Placement{
		{
			HatWidth:     60,
			HatHeight:    60,
			CanvasWidth:  60,
			CanvasHeight: 60,
			TopLeft:      geometry.Point{X: -30, Y: -45},
		},
		{
			HatWidth:     60,
			HatHeight:    60,
			CanvasWidth:  60,
			CanvasHeight: 60,
			TopLeft:      geometry.Point{X: 500, Y: 500},
		},
	})

	if out.Bounds() != base.Bounds() {
		t.Fatalf("expected output bounds %v, got %v", base.Bounds(), out.Bounds())
	}
	if got := out.NRGBAAt(10, 10); got.G != 255 {
		t.Fatalf("expected clipped hat visible at (10, 10), got %+v", got)
	}
}

func TestCompositeLaterFacesDrawOnTop(t *testing.T) {
	base := solidBase(200, 200)
	hat := solidHat(20, 20, color.NRGBA{R: 200, A: 255})

	red := geometry.Placement{
		HatWidth: 80, HatHeight: 80, CanvasWidth: 80, CanvasHeight: 80,
		TopLeft: geometry.Point{X: 40, Y: 40},
	}
	overlap := red
	overlap.TopLeft = geometry.Point{X: 80, Y: 40}

	out := Composite(base, hat, []geometry.Placement{red, overlap})
	if got := out.NRGBAAt(90, 50); got.R != 200 {
		t.Fatalf("expected overlapping region covered by later hat, got %+v", got)
	}
}

func TestEncodeProducesJPEG(t *testing.T) {
	img := solidHat(32, 32, color.NRGBA{R: 128, G: 64, B: 32, A: 255})

	data, err := Encode(img)
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}

	decoded, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode encoded output: %v", err)
	}
	if decoded.Bounds().Dx() != 32 || decoded.Bounds().Dy() != 32 {
		t.Fatalf("expected 32x32 output, got %v", decoded.Bounds())
	}
}

func TestDecodeSupportsPNG(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, solidHat(16, 16, color.NRGBA{A: 255})); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}

	img, format, err := Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if format != "png" {
		t.Fatalf("expected png format, got %s", format)
	}
	if img.Bounds().Dx() != 16 {
		t.Fatalf("unexpected bounds %v", img.Bounds())
	}

	w, h, err := DecodeBounds(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeBounds returned error: %v", err)
	}
	if w != 16 || h != 16 {
		t.Fatalf("expected 16x16 header, got %dx%d", w, h)
	}
}

func TestCheckBounds(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, solidHat(16, 16, color.NRGBA{A: 255})); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	data := buf.Bytes()

	if err := CheckBounds(data, 0, 0, 0); err != nil {
		t.Fatalf("zero limits should disable the check, got %v", err)
	}
	if err := CheckBounds(data, 16, 16, 256); err != nil {
		t.Fatalf("exact limits should pass, got %v", err)
	}

	cases := []struct {
		name                           string
		maxWidth, maxHeight, maxPixels int
	}{
		{"width", 15, 0, 0},
		{"height", 0, 15, 0},
		{"pixels", 0, 0, 255},
	}
	for _, tc := range cases {
		err := CheckBounds(data, tc.maxWidth, tc.maxHeight, tc.maxPixels)
		if !errors.Is(err, ErrBoundsExceeded) {
			t.Fatalf("%s limit: err = %v, want ErrBoundsExceeded", tc.name, err)
		}
	}

	if err := CheckBounds([]byte("not an image"), 16, 16, 256); err == nil || errors.Is(err, ErrBoundsExceeded) {
		t.Fatalf("undecodable input should fail with a decode error, got %v", err)
	}
}
