// Package session sequences a floating-window session: prepare, bind to the
// host surface, start, run and stop.
//
// A Controller owns everything one session needs and runs it on a single
// scheduling domain. Public methods and Step serialize on the controller's
// mutex, so frame ticks, module lifecycle calls and state transitions never
// overlap. Timeouts are deadlines compared on every Step; nothing sleeps on
// the controller's behalf.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"pipcast/internal/frameclock"
	"pipcast/internal/mediaclock"
	"pipcast/internal/render"
	"pipcast/internal/screenstate"
	"pipcast/internal/surface"
	"pipcast/internal/types"
)

type State int

const (
	Idle State = iota
	Preparing
	Bound
	Active
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Preparing:
		return "preparing"
	case Bound:
		return "bound"
	case Active:
		return "active"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

const (
	DefaultPrepareTimeout = 5 * time.Second

	bindBackoffMin = 50 * time.Millisecond
	bindBackoffMax = time.Second
	statsInterval  = 5 * time.Second
	// idleWait is how long Step asks to sleep when nothing is scheduled.
	idleWait = time.Second
)

// ModuleSource builds content modules by kind.
type ModuleSource interface {
	New(kind string) (types.Module, error)
}

type Config struct {
	Modules ModuleSource
	Clock   mediaclock.Clock
	// Tracker receives screen-off detection while a session is active.
	Tracker types.AwayTracker

	PrepareTimeout time.Duration
	// FrameRate overrides every module's preferred rate when non-zero.
	FrameRate    int
	PollInterval time.Duration
	Detector     screenstate.Options
	Render       render.Options

	// Stats logs pipeline counters every few seconds.
	Stats bool
	// OnStateChange is called with the controller locked; it must not call
	// back into the controller.
	OnStateChange func(from, to State)

	Log *slog.Logger
}

type Controller struct {
	cfg     Config
	log     *slog.Logger
	clock   mediaclock.Clock
	tracker types.AwayTracker
	wake    chan struct{}

	mu       sync.Mutex
	state    State
	possible bool
	lastErr  error

	// current attempt
	id           string
	kind         string
	module       types.Module
	renderer     render.Renderer
	binder       *surface.Binder
	deadline     time.Duration
	confirmed    bool
	pending      types.HostSurface
	nextBind     time.Duration
	backoff      time.Duration
	bindAttempts int

	// active session
	moduleCancel context.CancelFunc
	fclock       *frameclock.Clock
	detector     *screenstate.Detector
	rate         int
	paused       bool
	lastFrame    *types.TimedFrame
	lastPTS      time.Duration
	rendererErr  error
	activeSince  time.Duration
	nextPoll     time.Duration
	nextStats    time.Duration
	frames       uint64
	repeats      uint64
	presentErrs  uint64
	statFrames   uint64
}

func New(cfg Config) (*Controller, error) {
	if cfg.Modules == nil {
		return nil, errors.New("session: no module source")
	}
	if cfg.Clock == nil {
		cfg.Clock = mediaclock.NewHost()
	}
	if cfg.Tracker == nil {
		cfg.Tracker = noopTracker{}
	}
	if cfg.PrepareTimeout <= 0 {
		cfg.PrepareTimeout = DefaultPrepareTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = screenstate.DefaultPollInterval
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	cfg.Render.Clock = cfg.Clock
	cfg.Render.Log = cfg.Log

	return &Controller{
		cfg:     cfg,
		log:     cfg.Log.With("component", "session"),
		clock:   cfg.Clock,
		tracker: cfg.Tracker,
		wake:    make(chan struct{}, 1),
	}, nil
}

// Prepare starts a new attempt for the given content kind and returns its
// ID. Any attempt or session already in progress is torn down first.
func (c *Controller) Prepare(kind string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.notify()

	now := c.clock.Now()
	if c.state != Idle {
		c.log.Info("prepare replaces current session", "id", c.id, "state", c.state)
		c.teardownLocked(now)
	}
	c.lastErr = nil

	mod, err := c.cfg.Modules.New(kind)
	if err != nil {
		c.lastErr = types.NewError("prepare", types.ErrSurfaceUnavailable, err)
		return "", c.lastErr
	}
	r, err := render.Select(mod, c.cfg.Render)
	if err != nil {
		mod.Stop()
		c.lastErr = asSessionError("prepare", types.ErrSurfaceUnavailable, err)
		return "", c.lastErr
	}

	c.id = uuid.NewString()
	c.kind = kind
	c.module = mod
	c.renderer = r
	c.binder = surface.NewBinder(c.log.With("id", c.id))
	c.deadline = now + c.cfg.PrepareTimeout
	c.confirmed = false
	c.rate = c.cfg.FrameRate
	c.log.Info("preparing", "id", c.id, "kind", kind, "renderer", r.Kind(), "deadline", c.cfg.PrepareTimeout)
	c.setStateLocked(Preparing)
	return c.id, nil
}

// Bind attaches the attempt to the host surface. If the surface is not on
// screen yet, binding is retried from Step with backoff until the
// preparation deadline.
func (c *Controller) Bind(s types.HostSurface) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.notify()

	now := c.clock.Now()
	c.expireLocked(now)
	if c.state != Preparing {
		return fmt.Errorf("bind while %s: %w", c.state, types.ErrInvalidState)
	}
	c.pending = s
	c.backoff = bindBackoffMin
	c.bindAttempts = 0
	c.tryBindLocked(now)
	return nil
}

// CancelPrepare abandons an attempt that has not started yet.
func (c *Controller) CancelPrepare() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.notify()

	switch c.state {
	case Idle:
		return nil
	case Preparing, Bound:
		c.log.Info("preparation cancelled", "id", c.id)
		c.teardownLocked(c.clock.Now())
		return nil
	default:
		return fmt.Errorf("cancel while %s: %w", c.state, types.ErrInvalidState)
	}
}

// ConfirmStart records the user's confirmation. The session becomes
// active once it is bound and the host reports that starting is possible.
func (c *Controller) ConfirmStart() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.notify()

	now := c.clock.Now()
	c.expireLocked(now)
	switch c.state {
	case Preparing:
		c.confirmed = true
		return nil
	case Bound:
		c.confirmed = true
		if c.possible {
			c.activateLocked(now)
		}
		return nil
	default:
		return fmt.Errorf("confirm while %s: %w", c.state, types.ErrInvalidState)
	}
}

// SetPossible is called by the host service when starting the floating
// window becomes possible or impossible.
func (c *Controller) SetPossible(possible bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.notify()

	if c.possible != possible {
		c.log.Debug("host possibility changed", "possible", possible)
	}
	c.possible = possible
	now := c.clock.Now()
	c.expireLocked(now)
	if possible && c.state == Bound && c.confirmed {
		c.activateLocked(now)
	}
}

// HostFailed is called when the host refuses to start the window or loses
// it. The session returns to Idle with a HostRejected error.
func (c *Controller) HostFailed(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.notify()

	if c.state == Idle {
		return
	}
	c.log.Warn("host failure", "id", c.id, "state", c.state, "error", cause)
	c.lastErr = types.NewError("host", types.ErrHostRejected, cause)
	c.teardownLocked(c.clock.Now())
}

// Stop ends the session. It does nothing while Idle.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Idle {
		return
	}
	defer c.notify()
	c.log.Info("stopping", "id", c.id, "state", c.state)
	c.teardownLocked(c.clock.Now())
}

// TogglePlayPause flips the paused sub-state of an active session and
// returns whether it is now paused. A paused session keeps ticking and
// re-presents its last frame without pulling new content.
func (c *Controller) TogglePlayPause() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.notify()

	if c.state != Active {
		return false, fmt.Errorf("toggle while %s: %w", c.state, types.ErrInvalidState)
	}
	now := c.clock.Now()
	c.paused = !c.paused
	if p, ok := c.module.(types.Pausable); ok {
		p.SetPaused(c.paused)
	}
	c.renderer.SetPaused(c.paused, now)
	c.log.Info("playback toggled", "id", c.id, "paused", c.paused)
	return c.paused, nil
}

// SetFrameRate changes the tick rate of the current session and returns
// the clamped rate. It takes effect on the next tick.
func (c *Controller) SetFrameRate(hz int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.notify()

	hz = frameclock.Clamp(hz)
	c.rate = hz
	if c.state == Active {
		c.fclock.SetRate(hz)
		c.detector.SetFrameInterval(c.fclock.Interval())
		c.log.Info("frame rate changed", "id", c.id, "hz", hz)
	}
	return hz
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) IsActive() bool {
	return c.State() == Active
}

// IsPreparing is true from Prepare until the session becomes active or
// is abandoned.
func (c *Controller) IsPreparing() bool {
	s := c.State()
	return s == Preparing || s == Bound
}

func (c *Controller) IsPossible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.possible
}

func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Run drives Step until ctx is done, then stops the session.
func (c *Controller) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Stop()
			return nil
		case <-timer.C:
		case <-c.wake:
		}
		timer.Reset(c.Step())
	}
}

// Step runs everything due at the current media time: the preparation
// deadline, bind retries, the screen-state poll and the frame tick. It
// returns how long to wait before the next call.
func (c *Controller) Step() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stepLocked(c.clock.Now())
}

func (c *Controller) stepLocked(now time.Duration) time.Duration {
	switch c.state {
	case Preparing, Bound:
		if c.expireLocked(now) {
			return idleWait
		}
		if c.state == Preparing && c.pending != nil && now >= c.nextBind {
			c.tryBindLocked(now)
		}
		wait := c.deadline - now
		if c.state == Preparing && c.pending != nil {
			wait = min(wait, c.nextBind-now)
		}
		return max(wait, 0)

	case Active:
		if now >= c.nextPoll {
			c.detector.Poll(now)
			c.nextPoll = now + c.cfg.PollInterval
		}
		if c.fclock.Due(now) {
			c.tickLocked(now)
		}
		if c.cfg.Stats && now >= c.nextStats {
			c.logStatsLocked(now)
		}
		return max(min(c.fclock.Until(now), c.nextPoll-now), 0)
	}
	return idleWait
}

// notify wakes Run after a public method changed the schedule.
func (c *Controller) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) setStateLocked(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.log.Debug("state", "from", from, "to", to, "id", c.id)
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(from, to)
	}
}

// expireLocked ends an attempt whose deadline passed.
func (c *Controller) expireLocked(now time.Duration) bool {
	if (c.state != Preparing && c.state != Bound) || now < c.deadline {
		return false
	}
	c.log.Info("preparation timed out", "id", c.id, "state", c.state, "bind_attempts", c.bindAttempts)
	c.lastErr = types.NewError("prepare", types.ErrPreparationTimeout, nil)
	c.teardownLocked(now)
	return true
}

func (c *Controller) tryBindLocked(now time.Duration) {
	c.bindAttempts++
	err := c.binder.Bind(c.pending)
	if err == nil {
		c.log.Info("bound to host surface", "id", c.id, "attempts", c.bindAttempts)
		c.pending = nil
		c.setStateLocked(Bound)
		if c.confirmed && c.possible {
			c.activateLocked(now)
		}
		return
	}
	c.nextBind = now + c.backoff
	c.log.Debug("host surface not attached, retrying", "id", c.id, "in", c.backoff, "error", err)
	c.backoff = min(c.backoff*2, bindBackoffMax)
}

func (c *Controller) activateLocked(now time.Duration) {
	rate := c.rate
	if rate == 0 {
		rate = c.module.PreferredTickRate()
	}
	c.fclock = frameclock.New(rate)
	c.rate = c.fclock.Rate()
	c.fclock.Start(now)
	c.detector = screenstate.New(c.tracker, c.fclock.Interval(), c.cfg.Detector, c.log.With("id", c.id))
	c.paused = false
	c.lastPTS = 0
	c.rendererErr = nil
	c.frames, c.repeats, c.presentErrs, c.statFrames = 0, 0, 0, 0

	// Setup failures leave the session running; the module shows a
	// placeholder and the error is reported.
	if err := c.renderer.Start(); err != nil {
		c.lastErr = asSessionError("start renderer", types.ErrSurfaceUnavailable, err)
		c.log.Warn("renderer start failed", "id", c.id, "error", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.moduleCancel = cancel
	if err := c.module.Start(ctx); err != nil {
		c.lastErr = asSessionError("start content", types.ErrSurfaceUnavailable, err)
		c.log.Warn("content start failed", "id", c.id, "kind", c.kind, "error", err)
	}

	c.tracker.StartTracking(c.kind)
	c.activeSince = now
	c.nextPoll = now + c.cfg.PollInterval
	c.nextStats = now + statsInterval
	c.log.Info("session active", "id", c.id, "kind", c.kind, "hz", c.rate, "renderer", c.renderer.Kind())
	c.setStateLocked(Active)
}

func (c *Controller) tickLocked(now time.Duration) {
	seq := c.fclock.Advance(now)
	c.detector.Observe(now)

	if c.paused {
		if c.lastFrame != nil {
			c.repeats++
			c.presentLocked(&types.TimedFrame{
				Buffer:   c.lastFrame.Buffer.Retain(),
				Format:   c.lastFrame.Format,
				PTS:      now,
				Duration: c.fclock.Interval(),
				Seq:      c.lastFrame.Seq,
			})
		}
		return
	}

	f := c.renderer.ProduceFrame(render.Tick{Seq: seq, Now: now, Interval: c.fclock.Interval()})
	if err := c.renderer.Err(); err != c.rendererErr {
		if err != nil {
			c.log.Warn("renderer degraded", "id", c.id, "error", err)
			c.lastErr = err
		} else {
			c.log.Info("renderer recovered", "id", c.id)
		}
		c.rendererErr = err
	}
	if f == nil {
		return
	}
	c.frames++
	c.presentLocked(f)
}

// presentLocked keeps a reference to f for repeats and hands f to the
// binder.
func (c *Controller) presentLocked(f *types.TimedFrame) {
	if f.PTS < c.lastPTS {
		f.PTS = c.lastPTS
	}
	c.lastPTS = f.PTS

	kept := *f
	kept.Buffer.Retain()
	if c.lastFrame != nil {
		c.lastFrame.Release()
	}
	c.lastFrame = &kept

	if err := c.binder.Present(f); err != nil {
		c.presentErrs++
		if c.presentErrs == 1 || c.presentErrs%100 == 0 {
			c.log.Debug("present failed", "id", c.id, "count", c.presentErrs, "error", err)
		}
	}
}

// teardownLocked releases everything the current attempt owns and returns
// to Idle. Background goroutines are signalled, not awaited.
func (c *Controller) teardownLocked(now time.Duration) {
	prev := c.state
	if prev == Idle {
		return
	}
	c.setStateLocked(Stopping)

	if c.binder != nil {
		c.binder.Unbind()
	}
	if c.moduleCancel != nil {
		c.moduleCancel()
	}
	if c.module != nil {
		c.module.Stop()
	}
	if prev == Active {
		c.detector.Flush(now)
		c.tracker.StopTracking()
		c.fclock.Stop()
	}
	if c.lastFrame != nil {
		c.lastFrame.Release()
	}
	if c.renderer != nil {
		c.renderer.Stop()
	}

	c.module, c.renderer, c.binder = nil, nil, nil
	c.moduleCancel = nil
	c.pending = nil
	c.lastFrame = nil
	c.fclock, c.detector = nil, nil
	c.confirmed, c.paused = false, false
	c.setStateLocked(Idle)
	c.id, c.kind = "", ""
}

func asSessionError(op string, kind, err error) error {
	var se *types.SessionError
	if errors.As(err, &se) {
		return se
	}
	return types.NewError(op, kind, err)
}

type noopTracker struct{}

func (noopTracker) StartTracking(string)        {}
func (noopTracker) StopTracking()               {}
func (noopTracker) ScreenOff()                  {}
func (noopTracker) ScreenOn(types.AwayInterval) {}
