package render

import (
	"image"
	"math"

	xdraw "golang.org/x/image/draw"
)

// scaleHat resizes the hat asset to the placement's pre-rotation size.
func scaleHat(src image.Image, width, height int) *image.NRGBA {
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}

	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Over, nil)
	return dst
}

// rotateHat rotates src around its center by degrees, expanding the output
// canvas to bound the rotated content. Pixels outside the source map to
// transparent. The canvas dimensions match the placement engine's expansion
// formula so the anchor transform stays exact.
func rotateHat(src *image.NRGBA, degrees float64) *image.NRGBA {
	theta := degrees * math.Pi / 180
	if math.Mod(degrees, 360) == 0 {
		return src
	}

	cos := math.Cos(theta)
	sin := math.Sin(theta)

	srcW := float64(src.Bounds().Dx())
	srcH := float64(src.Bounds().Dy())
	dstW := int(math.Ceil(math.Abs(srcW*cos) + math.Abs(srcH*sin)))
	dstH := int(math.Ceil(math.Abs(srcW*sin) + math.Abs(srcH*cos)))
	if dstW < 1 {
		dstW = 1
	}
	if dstH < 1 {
		dstH = 1
	}

	dst := image.NewNRGBA(image.Rect(0, 0, dstW, dstH))
	dstCX := float64(dstW) / 2
	dstCY := float64(dstH) / 2
	srcCX := srcW / 2
	srcCY := srcH / 2

	for y := 0; y < dstH; y++ {
		for x := 0; x < dstW; x++ {
			// Inverse map: rotate the destination pixel back by -theta.
			rx := float64(x) + 0.5 - dstCX
			ry := float64(y) + 0.5 - dstCY
			sx := rx*cos + ry*sin + srcCX - 0.5
			sy := -rx*sin + ry*cos + srcCY - 0.5
			r, g, b, a := bilinearSample(src, sx, sy)

			i := dst.PixOffset(x, y)
			dst.Pix[i+0] = r
			dst.Pix[i+1] = g
			dst.Pix[i+2] = b
			dst.Pix[i+3] = a
		}
	}

	return dst
}

func bilinearSample(src *image.NRGBA, x, y float64) (uint8, uint8, uint8, uint8) {
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	fx := x - float64(x0)
	fy := y - float64(y0)

	var acc [4]float64
	for dy := 0; dy <= 1; dy++ {
		for dx := 0; dx <= 1; dx++ {
			wx := 1 - fx
			if dx == 1 {
				wx = fx
			}
			wy := 1 - fy
			if dy == 1 {
				wy = fy
			}
			w := wx * wy
			if w == 0 {
				continue
			}

			px := x0 + dx
			py := y0 + dy
			if !(image.Point{X: px, Y: py}).In(src.Bounds()) {
				continue
			}
			i := src.PixOffset(px, py)
			a := float64(src.Pix[i+3]) * w
			acc[0] += float64(src.Pix[i+0]) * a
			acc[1] += float64(src.Pix[i+1]) * a
			acc[2] += float64(src.Pix[i+2]) * a
			acc[3] += a
		}
	}

	if acc[3] == 0 {
		return 0, 0, 0, 0
	}
	return clampByte(acc[0] / acc[3]),
		clampByte(acc[1] / acc[3]),
		clampByte(acc[2] / acc[3]),
		clampByte(acc[3])
}

func clampByte(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(math.Round(v))
}
