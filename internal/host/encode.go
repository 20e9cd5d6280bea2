package host

import (
	"bytes"
	"image"
	"image/jpeg"

	xdraw "golang.org/x/image/draw"

	"pipcast/internal/types"
)

const (
	DefaultJPEGQuality = 75
	DefaultMaxWidth    = 640
)

// jpegEncoder turns BGRA frames into JPEG, downscaling wide frames. It
// reuses its scratch images between frames of the same size.
type jpegEncoder struct {
	quality  int
	maxWidth int

	rgba   *image.RGBA
	scaled *image.RGBA
	out    bytes.Buffer
}

func newJPEGEncoder(quality, maxWidth int) *jpegEncoder {
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return &jpegEncoder{quality: quality, maxWidth: maxWidth}
}

// Encode returns a slice into the encoder's buffer, valid until the next
// call.
func (e *jpegEncoder) Encode(b *types.FrameBuffer) ([]byte, error) {
	r := image.Rect(0, 0, b.Width, b.Height)
	if e.rgba == nil || e.rgba.Bounds() != r {
		e.rgba = image.NewRGBA(r)
	}
	for y := 0; y < b.Height; y++ {
		s := b.Data[y*b.Stride : y*b.Stride+b.Width*4]
		d := e.rgba.Pix[y*e.rgba.Stride : y*e.rgba.Stride+b.Width*4]
		for x := 0; x < len(s); x += 4 {
			d[x+0] = s[x+2]
			d[x+1] = s[x+1]
			d[x+2] = s[x+0]
			d[x+3] = 0xff
		}
	}

	var img image.Image = e.rgba
	if e.maxWidth > 0 && b.Width > e.maxWidth {
		h := max(b.Height*e.maxWidth/b.Width, 1)
		sr := image.Rect(0, 0, e.maxWidth, h)
		if e.scaled == nil || e.scaled.Bounds() != sr {
			e.scaled = image.NewRGBA(sr)
		}
		xdraw.ApproxBiLinear.Scale(e.scaled, sr, e.rgba, r, xdraw.Src, nil)
		img = e.scaled
	}

	e.out.Reset()
	if err := jpeg.Encode(&e.out, img, &jpeg.Options{Quality: e.quality}); err != nil {
		return nil, err
	}
	return e.out.Bytes(), nil
}
