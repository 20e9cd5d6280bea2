package types

import (
	"context"
	"image"
	"image/draw"
	"time"
)

// Module is a pluggable unit of on-screen content. Exactly one module is
// active per session. A module also implements one of Drawable,
// DirectProducer or DecoderProvider; the session picks its renderer from
// whichever of those it finds.
type Module interface {
	Kind() string
	// PreferredTickRate is in Hz, 1..60.
	PreferredTickRate() int
	Start(ctx context.Context) error
	Stop()
}

// Surface is something a renderer can rasterize. Draw receives an image
// whose bounds equal Bounds() translated to the origin.
type Surface interface {
	Bounds() image.Rectangle
	Draw(dst *image.RGBA)
}

// Drawable is a module rendered by capturing its surface every tick.
type Drawable interface {
	Module
	Surface() Surface
}

// FrameSink receives frames pushed by a module from its own goroutine.
// Acquire and Submit are safe to call from a single background producer.
type FrameSink interface {
	Acquire(width, height int) (*FrameBuffer, error)
	// Submit hands buf to the renderer. The caller must not touch buf
	// afterwards.
	Submit(buf *FrameBuffer)
}

// DirectProducer is a module that pushes frames itself (camera style).
type DirectProducer interface {
	Module
	SetOutputSink(sink FrameSink)
}

// Decoder exposes pre-decoded images on an item timeline starting at zero.
type Decoder interface {
	// Next returns a decoder-owned buffer when a new image is available for
	// item time at, nil when the image for at was already returned, and
	// ErrEndOfStream once at is past the end of the item.
	Next(at time.Duration) (*FrameBuffer, error)
	Seek(at time.Duration) error
	// Reset flushes decoder state after a failure.
	Reset() error
}

// DecoderProvider is a module backed by a decoder (looping video).
type DecoderProvider interface {
	Module
	Decoder() Decoder
}

// Layer is one input to GPU-style compositing. Image is scaled into Dst.
type Layer struct {
	Image image.Image
	Dst   image.Rectangle
	Op    draw.Op
}

// Compositor is a drawable module that can also be drawn as layers.
type Compositor interface {
	Drawable
	Layers() []Layer
	NeedsCompositing() bool
}

// Pausable is optionally implemented by modules that track time themselves.
type Pausable interface {
	SetPaused(paused bool)
}

// Capturer produces camera-style frames on demand.
type Capturer interface {
	Width() int
	Height() int
	Grab(dst *FrameBuffer) error
	Close()
}

// DebugGrabber is optionally implemented by components that can return the
// most recent frame as an image for the /debug/frame endpoint.
type DebugGrabber interface {
	GrabImage() (image.Image, error)
}

// HostSurface is the OS-owned presentation destination. It may disappear at
// any time.
type HostSurface interface {
	// Attached reports whether the surface is on an on-screen window.
	Attached() bool
	// Enqueue takes ownership of f and must release its buffer.
	Enqueue(f *TimedFrame) error
}

// AwayInterval is a span of media time during which no frames were
// delivered.
type AwayInterval struct {
	Start time.Duration
	End   time.Duration
}

func (i AwayInterval) Duration() time.Duration {
	return i.End - i.Start
}

// AwayTracker consumes screen-off detection for a content kind.
// Implementations are called from the session's scheduling loop and must
// not call back into the session.
type AwayTracker interface {
	StartTracking(contentKind string)
	StopTracking()
	ScreenOff()
	ScreenOn(interval AwayInterval)
}
