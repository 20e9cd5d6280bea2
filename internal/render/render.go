// Package render turns content modules into timestamped BGRA frames.
//
// A Renderer is one of three plain structs selected by what the module can
// do: ViewCapture rasterizes a drawable surface every tick, Passthrough
// forwards frames a decoder or capture goroutine already produced, and
// Composited draws layers on a render device and reads the result back.
package render

import (
	"fmt"
	"log/slog"
	"time"

	"pipcast/internal/mediaclock"
	"pipcast/internal/pool"
	"pipcast/internal/types"
)

type Kind int

const (
	KindViewCapture Kind = iota
	KindPassthrough
	KindComposited
)

func (k Kind) String() string {
	switch k {
	case KindViewCapture:
		return "view-capture"
	case KindPassthrough:
		return "passthrough"
	case KindComposited:
		return "composited"
	default:
		return "unknown"
	}
}

// Tick is one request from the frame clock.
type Tick struct {
	Seq      uint64
	Now      time.Duration
	Interval time.Duration
}

// Renderer produces at most one frame per tick. ProduceFrame never blocks
// on slow work and returns nil when nothing new is ready; failures are
// absorbed and reported through Err.
type Renderer interface {
	Kind() Kind
	Start() error
	Stop()
	ProduceFrame(t Tick) *types.TimedFrame
	// SetPaused tells the renderer the session stopped pulling content at
	// now (or resumed at now).
	SetPaused(paused bool, now time.Duration)
	// Err returns the current renderer-level error, or nil once frames
	// flow again.
	Err() error
}

const (
	// DefaultMaxFailures is how many consecutive failed ticks a renderer
	// absorbs before reporting an error.
	DefaultMaxFailures = 30
	// DefaultSinkDepth bounds frames queued by a pushing module.
	DefaultSinkDepth = 3
)

type Options struct {
	Clock       mediaclock.Clock
	PoolSize    int
	MaxFailures int
	SinkDepth   int
	// Device is used by the composited renderer; nil selects the software
	// device.
	Device Device
	Log    *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = mediaclock.NewHost()
	}
	if o.PoolSize <= 0 {
		o.PoolSize = pool.DefaultCapacity
	}
	if o.MaxFailures <= 0 {
		o.MaxFailures = DefaultMaxFailures
	}
	if o.SinkDepth <= 0 {
		o.SinkDepth = DefaultSinkDepth
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	return o
}

func (o Options) newPool() *pool.Pool {
	return pool.New(pool.WithCapacity(o.PoolSize), pool.WithLogger(o.Log))
}

// Select builds the renderer for m. Modules that produce frames directly
// are preferred: they have the lowest latency and keep working while the
// app is fully backgrounded.
func Select(m types.Module, opts Options) (Renderer, error) {
	opts = opts.withDefaults()
	switch mod := m.(type) {
	case types.DecoderProvider:
		return NewDecoderPassthrough(mod.Decoder(), opts), nil
	case types.DirectProducer:
		r := NewSinkPassthrough(opts)
		mod.SetOutputSink(r.Sink())
		return r, nil
	case types.Compositor:
		if mod.NeedsCompositing() {
			return NewComposited(mod, opts), nil
		}
		return NewViewCapture(mod.Surface(), opts), nil
	case types.Drawable:
		return NewViewCapture(mod.Surface(), opts), nil
	}
	return nil, types.NewError("select renderer", types.ErrSurfaceUnavailable,
		fmt.Errorf("content %q has no drawable surface or frame output", m.Kind()))
}

// timeline stamps presentation times so they never decrease.
type timeline struct {
	last    time.Duration
	started bool
	seq     uint64
}

func (t *timeline) stamp(at time.Duration) (time.Duration, uint64) {
	if t.started && at < t.last {
		at = t.last
	}
	t.last = at
	t.started = true
	t.seq++
	return at, t.seq
}

// failures counts consecutive failed ticks and turns a run of them into a
// renderer-level error.
type failures struct {
	limit int
	count int
	total uint64
	err   error
}

func (f *failures) ok() {
	f.count = 0
	f.err = nil
}

func (f *failures) fail(op string, kind, cause error) bool {
	f.count++
	f.total++
	if f.count >= f.limit && f.err == nil {
		f.err = types.NewError(op, kind, cause)
		return true
	}
	return false
}
