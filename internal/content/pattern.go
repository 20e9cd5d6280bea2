package content

import (
	"sync"

	"pipcast/internal/types"
)

var patternBars = [...][3]byte{
	{0xc0, 0xc0, 0xc0}, {0xc0, 0xc0, 0x00}, {0x00, 0xc0, 0xc0}, {0x00, 0xc0, 0x00},
	{0xc0, 0x00, 0xc0}, {0xc0, 0x00, 0x00}, {0x00, 0x00, 0xc0}, {0x10, 0x10, 0x10},
}

// PatternCapturer is a camera stand-in producing scrolling color bars
// with a moving marker, so motion is visible in the window.
type PatternCapturer struct {
	width, height int

	mu     sync.Mutex
	frame  int
	closed bool
}

func NewPatternCapturer(width, height int) *PatternCapturer {
	return &PatternCapturer{width: width, height: height}
}

func (p *PatternCapturer) Width() int  { return p.width }
func (p *PatternCapturer) Height() int { return p.height }

func (p *PatternCapturer) Grab(dst *types.FrameBuffer) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errCapturerClosed
	}
	n := p.frame
	p.frame++
	p.mu.Unlock()

	w := min(dst.Width, p.width)
	h := min(dst.Height, p.height)
	barW := max(w/len(patternBars), 1)
	shift := n * 2

	for y := 0; y < h; y++ {
		row := dst.Data[y*dst.Stride:]
		for x := 0; x < w; x++ {
			rgb := patternBars[((x+shift)/barW)%len(patternBars)]
			o := x * 4
			row[o+0] = rgb[2]
			row[o+1] = rgb[1]
			row[o+2] = rgb[0]
			row[o+3] = 0xff
		}
	}

	size := max(h/6, 4)
	mx := (n * 3) % max(w-size, 1)
	my := h - size - 4
	for y := max(my, 0); y < my+size && y < h; y++ {
		row := dst.Data[y*dst.Stride:]
		for x := mx; x < mx+size && x < w; x++ {
			o := x * 4
			row[o+0], row[o+1], row[o+2], row[o+3] = 0xff, 0xff, 0xff, 0xff
		}
	}
	return nil
}

func (p *PatternCapturer) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}
