package surface

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"pipcast/internal/pool"
	"pipcast/internal/types"
)

type fakeSurface struct {
	attached atomic.Bool
	frames   []*types.TimedFrame
	err      error
}

func (s *fakeSurface) Attached() bool { return s.attached.Load() }

func (s *fakeSurface) Enqueue(f *types.TimedFrame) error {
	s.frames = append(s.frames, f)
	f.Release()
	return s.err
}

func frameAt(t *testing.T, p *pool.Pool, pts time.Duration) *types.TimedFrame {
	t.Helper()
	buf, err := p.Acquire(4, 4)
	if err != nil {
		t.Fatal(err)
	}
	return &types.TimedFrame{Buffer: buf, PTS: pts}
}

func TestBindRequiresAttachedSurface(t *testing.T) {
	t.Parallel()
	b := NewBinder(nil)
	s := &fakeSurface{}

	if err := b.Bind(s); !errors.Is(err, types.ErrSurfaceNotAttached) {
		t.Fatalf("detached: got %v, want ErrSurfaceNotAttached", err)
	}
	if b.Bound() {
		t.Fatal("bound to a detached surface")
	}
	s.attached.Store(true)
	if err := b.Bind(s); err != nil {
		t.Fatalf("attached: %v", err)
	}
	if !b.Bound() {
		t.Fatal("not bound")
	}
	b.Unbind()
	if b.Bound() {
		t.Fatal("still bound after Unbind")
	}
}

func TestPresentTransfersOwnership(t *testing.T) {
	t.Parallel()
	p := pool.New(pool.WithCapacity(2))
	b := NewBinder(nil)
	s := &fakeSurface{}
	s.attached.Store(true)
	if err := b.Bind(s); err != nil {
		t.Fatal(err)
	}

	f := frameAt(t, p, 10*time.Millisecond)
	if err := b.Present(f); err != nil {
		t.Fatal(err)
	}
	if len(s.frames) != 1 {
		t.Fatalf("enqueued: got %d, want 1", len(s.frames))
	}
	if f.Buffer.Refs() != 0 {
		t.Errorf("refs after enqueue: got %d, want 0", f.Buffer.Refs())
	}
}

func TestPresentDropsEarlierTimestamps(t *testing.T) {
	t.Parallel()
	p := pool.New(pool.WithCapacity(3))
	b := NewBinder(nil)
	s := &fakeSurface{}
	s.attached.Store(true)
	_ = b.Bind(s)

	for _, pts := range []time.Duration{20, 20, 10, 30} {
		if err := b.Present(frameAt(t, p, pts*time.Millisecond)); err != nil {
			t.Fatal(err)
		}
	}
	var got []time.Duration
	for _, f := range s.frames {
		got = append(got, f.PTS)
	}
	want := []time.Duration{20 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond}
	if len(got) != len(want) {
		t.Fatalf("enqueued %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("enqueued %v, want %v", got, want)
		}
	}
	if st := b.Stats(); st.Regressed != 1 || st.Enqueued != 3 {
		t.Errorf("stats: %+v", st)
	}
	if p.Live() != 1 {
		t.Errorf("live buffers: got %d, want 1 (all recycled)", p.Live())
	}
}

func TestPresentAfterSurfaceVanishes(t *testing.T) {
	t.Parallel()
	p := pool.New(pool.WithCapacity(1))
	b := NewBinder(nil)
	s := &fakeSurface{}
	s.attached.Store(true)
	_ = b.Bind(s)

	s.attached.Store(false)
	f := frameAt(t, p, 0)
	if err := b.Present(f); !errors.Is(err, types.ErrSurfaceNotAttached) {
		t.Fatalf("got %v, want ErrSurfaceNotAttached", err)
	}
	if f.Buffer.Refs() != 0 {
		t.Error("dropped frame not released")
	}
	// The only buffer came back, so the next acquire must succeed.
	frameAt(t, p, time.Millisecond).Release()

	b.Unbind()
	if err := b.Present(frameAt(t, p, 2*time.Millisecond)); !errors.Is(err, types.ErrSurfaceNotAttached) {
		t.Fatalf("unbound: got %v, want ErrSurfaceNotAttached", err)
	}
}

func TestPresentReportsEnqueueError(t *testing.T) {
	t.Parallel()
	boom := errors.New("send failed")
	b := NewBinder(nil)
	s := &fakeSurface{err: boom}
	s.attached.Store(true)
	_ = b.Bind(s)

	err := b.Present(&types.TimedFrame{Buffer: types.NewFrameBuffer(2, 2)})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want enqueue error", err)
	}
}
