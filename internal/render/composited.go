package render

import (
	"image"
	"log/slog"
	"time"

	xdraw "golang.org/x/image/draw"

	"pipcast/internal/mediaclock"
	"pipcast/internal/pool"
	"pipcast/internal/types"
)

// Device is a render target that layers are composited on before the
// result is read back into CPU memory.
type Device interface {
	// Begin prepares a cleared target of the given size.
	Begin(size image.Point) error
	Composite(layers []types.Layer) error
	// Readback copies the target into dst.
	Readback(dst *types.FrameBuffer) error
	Close()
}

// SoftwareDevice composites with x/image/draw scalers into an RGBA target.
type SoftwareDevice struct {
	target *image.RGBA
	scaler xdraw.Scaler
}

func NewSoftwareDevice() *SoftwareDevice {
	return &SoftwareDevice{scaler: xdraw.ApproxBiLinear}
}

func (d *SoftwareDevice) Begin(size image.Point) error {
	if d.target == nil || d.target.Bounds().Size() != size {
		d.target = image.NewRGBA(image.Rectangle{Max: size})
		return nil
	}
	clear(d.target.Pix)
	return nil
}

func (d *SoftwareDevice) Composite(layers []types.Layer) error {
	for _, l := range layers {
		if l.Image == nil || l.Dst.Empty() {
			continue
		}
		src := l.Image.Bounds()
		if src.Size() == l.Dst.Size() {
			xdraw.Draw(d.target, l.Dst, l.Image, src.Min, l.Op)
			continue
		}
		d.scaler.Scale(d.target, l.Dst, l.Image, src, l.Op, nil)
	}
	return nil
}

func (d *SoftwareDevice) Readback(dst *types.FrameBuffer) error {
	dst.BlitRGBA(d.target)
	return nil
}

func (d *SoftwareDevice) Close() {
	d.target = nil
}

// Composited renders a Compositor's layers through a Device. It costs more
// per frame than ViewCapture and is only chosen when the module asks for
// compositing.
type Composited struct {
	log    *slog.Logger
	clock  mediaclock.Clock
	module types.Compositor
	device Device
	pool   *pool.Pool

	timeline timeline
	fails    failures
	running  bool
}

func NewComposited(m types.Compositor, opts Options) *Composited {
	opts = opts.withDefaults()
	dev := opts.Device
	if dev == nil {
		dev = NewSoftwareDevice()
	}
	return &Composited{
		log:    opts.Log.With("component", "renderer", "kind", KindComposited.String()),
		clock:  opts.Clock,
		module: m,
		device: dev,
		pool:   opts.newPool(),
		fails:  failures{limit: opts.MaxFailures},
	}
}

func (r *Composited) Kind() Kind { return KindComposited }

func (r *Composited) Start() error {
	r.running = true
	return nil
}

func (r *Composited) Stop() {
	r.running = false
	r.device.Close()
	r.pool.Close()
}

func (r *Composited) SetPaused(bool, time.Duration) {}

func (r *Composited) Err() error { return r.fails.err }

func (r *Composited) ProduceFrame(t Tick) *types.TimedFrame {
	if !r.running {
		return nil
	}
	size := r.module.Surface().Bounds().Size()
	if size.X <= 0 || size.Y <= 0 {
		return nil
	}

	buf, err := r.pool.Acquire(size.X, size.Y)
	if err != nil {
		if r.fails.fail("composite", types.ErrBufferAllocation, err) {
			r.log.Warn("buffer allocation keeps failing", "ticks", r.fails.count, "error", err)
		}
		return nil
	}

	if err := r.render(size, buf); err != nil {
		buf.Release()
		if r.fails.fail("composite", types.ErrSurfaceUnavailable, err) {
			r.log.Warn("compositing keeps failing", "ticks", r.fails.count, "error", err)
		}
		return nil
	}

	desc, err := r.pool.FormatDescription(buf)
	if err != nil {
		buf.Release()
		r.fails.fail("composite", types.ErrBufferAllocation, err)
		return nil
	}
	r.fails.ok()

	pts, seq := r.timeline.stamp(r.clock.Now())
	return &types.TimedFrame{
		Buffer:   buf,
		Format:   desc,
		PTS:      pts,
		Duration: t.Interval,
		Seq:      seq,
	}
}

func (r *Composited) render(size image.Point, dst *types.FrameBuffer) error {
	if err := r.device.Begin(size); err != nil {
		return err
	}
	if err := r.device.Composite(r.module.Layers()); err != nil {
		return err
	}
	return r.device.Readback(dst)
}
