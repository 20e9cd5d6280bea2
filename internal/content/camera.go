package content

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"pipcast/internal/types"
)

var errCapturerClosed = errors.New("capturer closed")

// Camera pushes frames from a Capturer on its own goroutine. The session
// never waits for that goroutine; Stop only signals it.
type Camera struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	sink   types.FrameSink
	cancel context.CancelFunc
	done   chan struct{}
}

func NewCamera(cfg Config) *Camera {
	cfg = cfg.withDefaults()
	return &Camera{
		cfg: cfg,
		log: cfg.Log.With("component", "content", "kind", KindCamera),
	}
}

func (c *Camera) Kind() string           { return KindCamera }
func (c *Camera) PreferredTickRate() int { return c.cfg.CameraFPS }

func (c *Camera) SetOutputSink(s types.FrameSink) {
	c.mu.Lock()
	c.sink = s
	c.mu.Unlock()
}

// Start opens the capturer and begins pushing. If the capturer cannot be
// opened a placeholder is pushed instead and the error is returned so the
// session can report it.
func (c *Camera) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sink == nil {
		return types.NewError("camera start", types.ErrSurfaceUnavailable, errors.New("no output sink"))
	}
	if c.cancel != nil {
		return nil
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	capturer, err := c.cfg.OpenCapturer()
	if err != nil {
		c.log.Warn("camera unavailable, showing placeholder", "error", err)
		go c.pushPlaceholder(ctx, c.sink, c.done)
		return types.NewError("camera start", types.ErrSurfaceUnavailable, err)
	}
	c.log.Debug("camera started", "width", capturer.Width(), "height", capturer.Height(), "fps", c.cfg.CameraFPS)
	go c.capture(ctx, c.sink, capturer, c.done)
	return nil
}

func (c *Camera) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// Done is closed when the capture goroutine has exited.
func (c *Camera) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Camera) interval() time.Duration {
	return time.Second / time.Duration(c.cfg.CameraFPS)
}

func (c *Camera) capture(ctx context.Context, sink types.FrameSink, capturer types.Capturer, done chan struct{}) {
	defer close(done)
	defer capturer.Close()

	ticker := time.NewTicker(c.interval())
	defer ticker.Stop()

	var grabErrors int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		buf, err := sink.Acquire(capturer.Width(), capturer.Height())
		if err != nil {
			// Pool exhausted or closed; the session catches up next tick.
			continue
		}
		if err := capturer.Grab(buf); err != nil {
			buf.Release()
			grabErrors++
			if grabErrors == 1 || grabErrors%100 == 0 {
				c.log.Warn("camera grab failed", "count", grabErrors, "error", err)
			}
			continue
		}
		sink.Submit(buf)
	}
}

func (c *Camera) pushPlaceholder(ctx context.Context, sink types.FrameSink, done chan struct{}) {
	defer close(done)
	w, h := c.cfg.Width, c.cfg.Height
	img := placeholderImage(w, h, "no camera", "capture device could not be opened")

	// A still image only needs a slow refresh.
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		buf, err := sink.Acquire(w, h)
		if err == nil {
			buf.BlitRGBA(img)
			sink.Submit(buf)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
