// Package preview shows served DMD frames on a terminal or as image snapshots.
package preview

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"

	"dmdcolor/internal/dmd"
)

var ErrShortFrame = errors.New("preview: frame shorter than its dimensions")

// Sink receives every new frame
type Sink interface {
	Show(img *image.RGBA) error
	Close() error
}

// ToImage converts a frame in any DMD format to RGBA
func ToImage(frame []byte, format dmd.Format, width, height int) (*image.RGBA, error) {
	bpp := format.BytesPerPixel()
	if bpp == 0 {
		return nil, fmt.Errorf("preview: unsupported format %v", format)
	}
	if width <= 0 || height <= 0 || len(frame) < width*height*bpp {
		return nil, fmt.Errorf("%w: %d bytes for %dx%d %v", ErrShortFrame, len(frame), width, height, format)
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < width*height; i++ {
		var c color.RGBA
		switch format {
		case dmd.FormatLum8:
			v := frame[i]
			c = color.RGBA{R: v, G: v, B: v, A: 0xff}
		case dmd.FormatSRGB888:
			c = color.RGBA{R: frame[i*3], G: frame[i*3+1], B: frame[i*3+2], A: 0xff}
		case dmd.FormatSRGB565:
			r, g, b := dmd.UnpackRGB565(binary.LittleEndian.Uint16(frame[i*2:]))
			c = color.RGBA{R: r, G: g, B: b, A: 0xff}
		}

		img.Pix[i*4] = c.R
		img.Pix[i*4+1] = c.G
		img.Pix[i*4+2] = c.B
		img.Pix[i*4+3] = c.A
	}

	return img, nil
}
