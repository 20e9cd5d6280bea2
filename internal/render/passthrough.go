package render

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"pipcast/internal/mediaclock"
	"pipcast/internal/pool"
	"pipcast/internal/types"
)

// Passthrough forwards frames that were produced elsewhere with no CPU
// rasterization. It runs in one of two modes: pulling from a Decoder that
// holds a pre-decoded clip, or draining a sink that a module's capture
// goroutine pushes into.
type Passthrough struct {
	log   *slog.Logger
	clock mediaclock.Clock

	timeline timeline
	fails    failures
	running  bool

	// decoder mode
	decoder    types.Decoder
	itemOrigin time.Duration
	pausedAt   time.Duration
	paused     bool
	resetUsed  bool
	lastDesc   *types.FormatDescription
	loops      int

	// sink mode
	sink *sink
}

func NewDecoderPassthrough(d types.Decoder, opts Options) *Passthrough {
	opts = opts.withDefaults()
	return &Passthrough{
		log:     opts.Log.With("component", "renderer", "kind", KindPassthrough.String(), "mode", "decoder"),
		clock:   opts.Clock,
		decoder: d,
		fails:   failures{limit: opts.MaxFailures},
	}
}

func NewSinkPassthrough(opts Options) *Passthrough {
	opts = opts.withDefaults()
	return &Passthrough{
		log:   opts.Log.With("component", "renderer", "kind", KindPassthrough.String(), "mode", "sink"),
		clock: opts.Clock,
		sink:  newSink(opts.newPool(), opts.Clock, opts.SinkDepth),
		fails: failures{limit: opts.MaxFailures},
	}
}

func (r *Passthrough) Kind() Kind { return KindPassthrough }

// Sink returns the frame sink for pushing modules, or nil in decoder mode.
func (r *Passthrough) Sink() types.FrameSink {
	if r.sink == nil {
		return nil
	}
	return r.sink
}

// Loops reports how many times the decoder wrapped around.
func (r *Passthrough) Loops() int { return r.loops }

func (r *Passthrough) Start() error {
	r.running = true
	r.itemOrigin = r.clock.Now()
	return nil
}

// Stop signals the capture side and frees queued frames without waiting
// for the producing goroutine to exit.
func (r *Passthrough) Stop() {
	r.running = false
	if r.sink != nil {
		r.sink.close()
	}
}

func (r *Passthrough) SetPaused(paused bool, now time.Duration) {
	if paused == r.paused {
		return
	}
	r.paused = paused
	if paused {
		r.pausedAt = now
		return
	}
	// Shift the item clock so playback resumes where it stopped.
	r.itemOrigin += now - r.pausedAt
}

func (r *Passthrough) Err() error { return r.fails.err }

func (r *Passthrough) ProduceFrame(t Tick) *types.TimedFrame {
	if !r.running {
		return nil
	}
	if r.sink != nil {
		return r.fromSink(t)
	}
	return r.fromDecoder(t)
}

func (r *Passthrough) fromDecoder(t Tick) *types.TimedFrame {
	now := r.clock.Now()
	buf, err := r.decoder.Next(now - r.itemOrigin)
	if errors.Is(err, types.ErrEndOfStream) {
		// Looping belongs to the renderer: rewind the item and restart its
		// clock at now. Presentation time keeps running forward.
		r.loops++
		if err := r.decoder.Seek(0); err != nil {
			r.decodeFailed(err)
			return nil
		}
		r.itemOrigin = now
		buf, err = r.decoder.Next(0)
	}
	if err != nil {
		r.decodeFailed(err)
		return nil
	}
	if buf == nil {
		return nil
	}
	r.fails.ok()

	if !r.lastDesc.Matches(buf) {
		r.lastDesc = types.DescribeBuffer(buf)
	}
	pts, seq := r.timeline.stamp(now)
	return &types.TimedFrame{
		Buffer:   buf,
		Format:   r.lastDesc,
		PTS:      pts,
		Duration: t.Interval,
		Seq:      seq,
	}
}

// decodeFailed resets the decoder the first time it fails in a session.
// Any later failure is reported and the tick is skipped.
func (r *Passthrough) decodeFailed(err error) {
	if !r.resetUsed {
		r.resetUsed = true
		r.log.Warn("decoder failed, resetting", "error", err)
		if rerr := r.decoder.Reset(); rerr != nil {
			r.log.Warn("decoder reset failed", "error", rerr)
		}
		r.itemOrigin = r.clock.Now()
		return
	}
	r.fails.count++
	r.fails.total++
	if r.fails.err == nil {
		r.log.Warn("decoder failed again after reset, skipping ticks", "error", err)
		r.fails.err = types.NewError("decode", types.ErrDecodeFailure, err)
	}
}

func (r *Passthrough) fromSink(t Tick) *types.TimedFrame {
	pf, ok := r.sink.newest()
	if !ok {
		return nil
	}
	desc, err := r.sink.pool.FormatDescription(pf.buf)
	if err != nil {
		// The pool was rebuilt for a new capture size after this frame was
		// taken; a newer frame follows.
		pf.buf.Release()
		return nil
	}
	r.fails.ok()

	pts, seq := r.timeline.stamp(pf.at)
	return &types.TimedFrame{
		Buffer:   pf.buf,
		Format:   desc,
		PTS:      pts,
		Duration: t.Interval,
		Seq:      seq,
	}
}

type pushedFrame struct {
	buf *types.FrameBuffer
	at  time.Duration
}

// sink is the bounded channel between a capture goroutine and the
// scheduling loop. The producer never blocks: when the channel is full the
// oldest frame is dropped.
type sink struct {
	pool   *pool.Pool
	clock  mediaclock.Clock
	frames chan pushedFrame

	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

func newSink(p *pool.Pool, clock mediaclock.Clock, depth int) *sink {
	return &sink{
		pool:   p,
		clock:  clock,
		frames: make(chan pushedFrame, depth),
	}
}

func (s *sink) Acquire(width, height int) (*types.FrameBuffer, error) {
	return s.pool.Acquire(width, height)
}

func (s *sink) Submit(buf *types.FrameBuffer) {
	pf := pushedFrame{buf: buf, at: s.clock.Now()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		buf.Release()
		return
	}
	for {
		select {
		case s.frames <- pf:
			return
		default:
		}
		select {
		case old := <-s.frames:
			old.buf.Release()
			s.dropped.Add(1)
		default:
		}
	}
}

// newest drains the queue and returns the latest frame, releasing the
// ones it skips.
func (s *sink) newest() (pushedFrame, bool) {
	var (
		latest pushedFrame
		found  bool
	)
	for {
		select {
		case pf := <-s.frames:
			if found {
				latest.buf.Release()
				s.dropped.Add(1)
			}
			latest, found = pf, true
		default:
			return latest, found
		}
	}
}

func (s *sink) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	for {
		select {
		case pf := <-s.frames:
			pf.buf.Release()
		default:
			s.pool.Close()
			return
		}
	}
}
