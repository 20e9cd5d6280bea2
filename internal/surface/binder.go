// Package surface attaches rendered frames to the host's presentation
// surface.
package surface

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pipcast/internal/types"
)

// Binder holds a non-owning reference to the host surface. It never
// creates or destroys the surface; the host may take it away at any time
// and the binder only reports that.
type Binder struct {
	log *slog.Logger

	mu        sync.Mutex
	surface   types.HostSurface
	lastPTS   time.Duration
	presented bool

	enqueued  uint64
	dropped   uint64
	regressed uint64
}

func NewBinder(log *slog.Logger) *Binder {
	if log == nil {
		log = slog.Default()
	}
	return &Binder{log: log.With("component", "surface-binder")}
}

// Bind attaches to s. It fails with types.ErrSurfaceNotAttached while the
// surface is not yet on screen; the caller retries.
func (b *Binder) Bind(s types.HostSurface) error {
	if s == nil {
		return fmt.Errorf("bind: nil surface: %w", types.ErrSurfaceNotAttached)
	}
	if !s.Attached() {
		return fmt.Errorf("bind: %w", types.ErrSurfaceNotAttached)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.surface = s
	b.presented = false
	b.lastPTS = 0
	return nil
}

// Present hands f to the surface; ownership of f passes to the binder in
// every case. Frames whose timestamp would move backwards are dropped.
func (b *Binder) Present(f *types.TimedFrame) error {
	b.mu.Lock()
	s := b.surface
	if s == nil {
		b.dropped++
		b.mu.Unlock()
		f.Release()
		return fmt.Errorf("present: not bound: %w", types.ErrSurfaceNotAttached)
	}
	if b.presented && f.PTS < b.lastPTS {
		b.regressed++
		b.mu.Unlock()
		b.log.Warn("dropping frame with earlier timestamp", "pts", f.PTS, "last", b.lastPTS)
		f.Release()
		return nil
	}
	if !s.Attached() {
		b.dropped++
		b.mu.Unlock()
		f.Release()
		return fmt.Errorf("present: %w", types.ErrSurfaceNotAttached)
	}
	b.lastPTS = f.PTS
	b.presented = true
	b.enqueued++
	b.mu.Unlock()

	if err := s.Enqueue(f); err != nil {
		return fmt.Errorf("present: %w", err)
	}
	return nil
}

// Unbind drops the reference without touching the surface.
func (b *Binder) Unbind() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.surface = nil
}

func (b *Binder) Bound() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.surface != nil
}

// Stats are counters since the binder was created.
type Stats struct {
	Enqueued  uint64 `json:"enqueued"`
	Dropped   uint64 `json:"dropped"`
	Regressed uint64 `json:"regressed"`
}

func (b *Binder) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{Enqueued: b.enqueued, Dropped: b.dropped, Regressed: b.regressed}
}
