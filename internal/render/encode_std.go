//go:build !govips || !cgo

package render

import (
	"bytes"
	"image"
	"image/jpeg"
)

func Startup() error {
	return nil
}

func Shutdown() {}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
