package render

import (
	"image"
	"log/slog"
	"time"

	"pipcast/internal/mediaclock"
	"pipcast/internal/pool"
	"pipcast/internal/types"
)

// ViewCapture redraws the module's surface into a pool buffer on every
// tick. There is no dirty tracking: content is cheap to redraw and an
// unchanged frame still keeps the host's queue fed.
type ViewCapture struct {
	log     *slog.Logger
	clock   mediaclock.Clock
	surface types.Surface
	pool    *pool.Pool

	scratch  *image.RGBA
	bounds   image.Rectangle
	timeline timeline
	fails    failures
	running  bool
}

func NewViewCapture(s types.Surface, opts Options) *ViewCapture {
	opts = opts.withDefaults()
	return &ViewCapture{
		log:     opts.Log.With("component", "renderer", "kind", KindViewCapture.String()),
		clock:   opts.Clock,
		surface: s,
		pool:    opts.newPool(),
		fails:   failures{limit: opts.MaxFailures},
	}
}

func (r *ViewCapture) Kind() Kind { return KindViewCapture }

func (r *ViewCapture) Start() error {
	r.running = true
	return nil
}

func (r *ViewCapture) Stop() {
	r.running = false
	r.pool.Close()
	r.scratch = nil
}

func (r *ViewCapture) SetPaused(bool, time.Duration) {}

func (r *ViewCapture) Err() error { return r.fails.err }

func (r *ViewCapture) ProduceFrame(t Tick) *types.TimedFrame {
	if !r.running {
		return nil
	}

	b := r.surface.Bounds()
	if b.Empty() {
		return nil
	}
	if b.Size() != r.bounds.Size() || r.scratch == nil {
		r.log.Debug("surface bounds changed", "from", r.bounds.Size(), "to", b.Size())
		r.bounds = b
		r.scratch = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	}

	buf, err := r.pool.Acquire(b.Dx(), b.Dy())
	if err != nil {
		if r.fails.fail("view capture", types.ErrBufferAllocation, err) {
			r.log.Warn("buffer allocation keeps failing", "ticks", r.fails.count, "error", err)
		}
		return nil
	}

	r.surface.Draw(r.scratch)
	buf.BlitRGBA(r.scratch)

	desc, err := r.pool.FormatDescription(buf)
	if err != nil {
		buf.Release()
		r.fails.fail("view capture", types.ErrBufferAllocation, err)
		return nil
	}
	r.fails.ok()

	// Rasterizing takes a variable amount of time, so the frame is stamped
	// when it finished rather than when the tick asked for it.
	pts, seq := r.timeline.stamp(r.clock.Now())
	return &types.TimedFrame{
		Buffer:   buf,
		Format:   desc,
		PTS:      pts,
		Duration: t.Interval,
		Seq:      seq,
	}
}
