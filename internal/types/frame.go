package types

import (
	"image"
	"image/color"
	"sync/atomic"
	"time"
)

type PixelFormat int

// Only BGRA is produced; the host service accepts nothing else.
const PixelFormatBGRA PixelFormat = 0

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatBGRA:
		return "BGRA"
	default:
		return "unknown"
	}
}

// BytesPerPixel for BGRA.
const BytesPerPixel = 4

// FrameBuffer is a 32-bit BGRA pixel buffer. Pooled buffers are reference
// counted: the last Release hands the buffer back to its pool. Buffers
// without a pool (decoder output, tests) ignore Retain and Release.
type FrameBuffer struct {
	Data       []byte
	Width      int
	Height     int
	Stride     int
	Format     PixelFormat
	Generation uint64

	refs    atomic.Int32
	recycle func(*FrameBuffer)
}

// NewFrameBuffer allocates an unpooled buffer.
func NewFrameBuffer(width, height int) *FrameBuffer {
	stride := width * BytesPerPixel
	return &FrameBuffer{
		Data:   make([]byte, stride*height),
		Width:  width,
		Height: height,
		Stride: stride,
		Format: PixelFormatBGRA,
	}
}

// NewPooledFrameBuffer wraps data for a pool. recycle runs when the last
// reference is released.
func NewPooledFrameBuffer(data []byte, width, height int, gen uint64, recycle func(*FrameBuffer)) *FrameBuffer {
	return &FrameBuffer{
		Data:       data,
		Width:      width,
		Height:     height,
		Stride:     width * BytesPerPixel,
		Format:     PixelFormatBGRA,
		Generation: gen,
		recycle:    recycle,
	}
}

// Acquired marks a pooled buffer as handed out with a single reference.
func (b *FrameBuffer) Acquired() *FrameBuffer {
	b.refs.Store(1)
	return b
}

func (b *FrameBuffer) Retain() *FrameBuffer {
	if b.recycle != nil {
		b.refs.Add(1)
	}
	return b
}

func (b *FrameBuffer) Release() {
	if b == nil || b.recycle == nil {
		return
	}
	if b.refs.Add(-1) == 0 {
		b.recycle(b)
	}
}

// Refs returns the current reference count (pooled buffers only).
func (b *FrameBuffer) Refs() int {
	return int(b.refs.Load())
}

// BlitRGBA copies src into the buffer, swapping to BGRA. Pixels outside the
// overlap of both bounds are left untouched.
func (b *FrameBuffer) BlitRGBA(src *image.RGBA) {
	sb := src.Bounds()
	w := min(sb.Dx(), b.Width)
	h := min(sb.Dy(), b.Height)
	for y := 0; y < h; y++ {
		s := src.Pix[y*src.Stride : y*src.Stride+w*4]
		d := b.Data[y*b.Stride : y*b.Stride+w*4]
		for x := 0; x < len(s); x += 4 {
			d[x+0] = s[x+2]
			d[x+1] = s[x+1]
			d[x+2] = s[x+0]
			d[x+3] = s[x+3]
		}
	}
}

// Fill paints every pixel with c.
func (b *FrameBuffer) Fill(c color.RGBA) {
	for y := 0; y < b.Height; y++ {
		row := b.Data[y*b.Stride : y*b.Stride+b.Width*4]
		for x := 0; x < len(row); x += 4 {
			row[x+0] = c.B
			row[x+1] = c.G
			row[x+2] = c.R
			row[x+3] = c.A
		}
	}
}

// ToRGBA converts the buffer into a new RGBA image.
func (b *FrameBuffer) ToRGBA() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, b.Width, b.Height))
	for y := 0; y < b.Height; y++ {
		s := b.Data[y*b.Stride : y*b.Stride+b.Width*4]
		d := img.Pix[y*img.Stride : y*img.Stride+b.Width*4]
		for x := 0; x < len(s); x += 4 {
			d[x+0] = s[x+2]
			d[x+1] = s[x+1]
			d[x+2] = s[x+0]
			d[x+3] = 255
		}
	}
	return img
}

// FormatDescription describes the buffers of one pool generation.
type FormatDescription struct {
	Format     PixelFormat
	Width      int
	Height     int
	Stride     int
	Generation uint64
}

// DescribeBuffer builds a description from a sample buffer.
func DescribeBuffer(b *FrameBuffer) *FormatDescription {
	return &FormatDescription{
		Format:     b.Format,
		Width:      b.Width,
		Height:     b.Height,
		Stride:     b.Stride,
		Generation: b.Generation,
	}
}

// Matches reports whether b has the described geometry.
func (d *FormatDescription) Matches(b *FrameBuffer) bool {
	return d != nil && b != nil &&
		d.Format == b.Format && d.Width == b.Width && d.Height == b.Height && d.Stride == b.Stride
}

// TimedFrame is a buffer stamped on the session's media clock.
type TimedFrame struct {
	Buffer   *FrameBuffer
	Format   *FormatDescription
	PTS      time.Duration
	Duration time.Duration
	Seq      uint64
}

func (f *TimedFrame) Release() {
	if f != nil && f.Buffer != nil {
		f.Buffer.Release()
	}
}
