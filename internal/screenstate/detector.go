// Package screenstate infers whether the display is asleep from gaps in
// frame-tick delivery. There is no direct OS signal while the app is
// backgrounded, so a slow renderer can look like a sleeping screen; the
// threshold scales with the frame interval to keep slow content from
// tripping it.
package screenstate

import (
	"log/slog"
	"time"

	"pipcast/internal/types"
)

type State int

const (
	Active State = iota
	Away
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Away:
		return "away"
	default:
		return "unknown"
	}
}

const (
	DefaultMinGap     = 5 * time.Second
	DefaultMultiplier = 3
	// DefaultPollInterval is how often the session runs Poll between ticks.
	DefaultPollInterval = 300 * time.Millisecond
)

type Options struct {
	// MinGap is the floor of the away threshold.
	MinGap time.Duration
	// Multiplier scales the frame interval into the threshold.
	Multiplier int
}

func (o Options) withDefaults() Options {
	if o.MinGap <= 0 {
		o.MinGap = DefaultMinGap
	}
	if o.Multiplier <= 0 {
		o.Multiplier = DefaultMultiplier
	}
	return o
}

// Detector is not safe for concurrent use; the session calls it from its
// scheduling loop only.
type Detector struct {
	log      *slog.Logger
	opts     Options
	listener types.AwayTracker

	state    State
	seen     bool
	lastTick time.Duration
	interval time.Duration
	openAt   time.Duration
}

// New returns a detector reporting to listener, which may be nil.
func New(listener types.AwayTracker, interval time.Duration, opts Options, log *slog.Logger) *Detector {
	if log == nil {
		log = slog.Default()
	}
	return &Detector{
		log:      log.With("component", "screen-state"),
		opts:     opts.withDefaults(),
		listener: listener,
		interval: interval,
	}
}

func (d *Detector) SetFrameInterval(interval time.Duration) {
	d.interval = interval
}

// Threshold is max(MinGap, Multiplier × frame interval).
func (d *Detector) Threshold() time.Duration {
	return max(d.opts.MinGap, time.Duration(d.opts.Multiplier)*d.interval)
}

func (d *Detector) State() State { return d.state }

// Observe records a frame tick at now. A tick after an over-threshold gap
// ends the away interval; if no poll noticed the gap first, the interval is
// opened and closed on this tick.
func (d *Detector) Observe(now time.Duration) {
	if !d.seen {
		d.seen = true
		d.lastTick = now
		return
	}
	if d.state == Active && now-d.lastTick > d.Threshold() {
		d.goAway()
	}
	if d.state == Away {
		d.comeBack(now)
	}
	d.lastTick = now
}

// Poll checks for a gap without a tick. It lets the away transition fire
// while ticks are still missing.
func (d *Detector) Poll(now time.Duration) {
	if d.seen && d.state == Active && now-d.lastTick > d.Threshold() {
		d.goAway()
	}
}

// Flush closes an open away interval at now, returning it.
func (d *Detector) Flush(now time.Duration) (types.AwayInterval, bool) {
	if d.state != Away {
		return types.AwayInterval{}, false
	}
	return d.comeBack(now), true
}

func (d *Detector) goAway() {
	d.state = Away
	// Ticks presumably stopped one interval after the last one arrived.
	d.openAt = d.lastTick + d.interval
	d.log.Info("screen off", "last_tick", d.lastTick, "threshold", d.Threshold())
	if d.listener != nil {
		d.listener.ScreenOff()
	}
}

func (d *Detector) comeBack(now time.Duration) types.AwayInterval {
	iv := types.AwayInterval{Start: d.openAt, End: max(now, d.openAt)}
	d.state = Active
	d.log.Info("screen on", "away", iv.Duration())
	if d.listener != nil {
		d.listener.ScreenOn(iv)
	}
	return iv
}
