// Package content holds the pluggable modules shown in the floating window
// and the registry the session controller builds them from.
package content

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"pipcast/internal/mediaclock"
	"pipcast/internal/types"
)

const (
	KindClock     = "clock"
	KindTimer     = "timer"
	KindCamera    = "camera"
	KindVideo     = "video"
	KindCompanion = "companion"
	KindStatus    = "status"
)

const (
	DefaultWidth  = 320
	DefaultHeight = 180
	DefaultTimer  = 5 * time.Minute
)

// Factory builds a fresh module. Every session attempt gets its own
// instance.
type Factory func() (types.Module, error)

// Registry maps content kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for kind.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

func (r *Registry) New(kind string) (types.Module, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("content %q: %w", kind, types.ErrUnknownContent)
	}
	m, err := f()
	if err != nil {
		return nil, fmt.Errorf("content %q: %w", kind, err)
	}
	return m, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Config carries what the built-in modules need.
type Config struct {
	Width  int
	Height int

	// Clock drives animation and the countdown. Wall time is only used to
	// display the time of day.
	Clock mediaclock.Clock
	Now   func() time.Time

	TimerDuration time.Duration

	// ClipPath is an animated GIF for the video module. Empty selects a
	// generated clip.
	ClipPath string

	// OpenCapturer opens the camera source. Nil selects the test pattern.
	OpenCapturer func() (types.Capturer, error)
	CameraFPS    int

	Peers PeerSource

	Log *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Width <= 0 {
		c.Width = DefaultWidth
	}
	if c.Height <= 0 {
		c.Height = DefaultHeight
	}
	if c.Clock == nil {
		c.Clock = mediaclock.NewHost()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.TimerDuration <= 0 {
		c.TimerDuration = DefaultTimer
	}
	if c.OpenCapturer == nil {
		w, h := c.Width, c.Height
		c.OpenCapturer = func() (types.Capturer, error) {
			return NewPatternCapturer(w, h), nil
		}
	}
	if c.CameraFPS <= 0 {
		c.CameraFPS = 30
	}
	if c.Peers == nil {
		c.Peers = StaticPeers(nil)
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return c
}

// Defaults returns a registry with every built-in module.
func Defaults(cfg Config) *Registry {
	cfg = cfg.withDefaults()
	r := NewRegistry()
	r.Register(KindClock, func() (types.Module, error) { return NewClock(cfg), nil })
	r.Register(KindTimer, func() (types.Module, error) { return NewTimer(cfg), nil })
	r.Register(KindCamera, func() (types.Module, error) { return NewCamera(cfg), nil })
	r.Register(KindVideo, func() (types.Module, error) { return NewVideo(cfg), nil })
	r.Register(KindCompanion, func() (types.Module, error) { return NewCompanion(cfg), nil })
	r.Register(KindStatus, func() (types.Module, error) { return NewStatus(cfg), nil })
	return r
}
