// Package pool recycles fixed-format BGRA frame buffers for one renderer.
//
// A pool serves a single geometry at a time. Asking for different
// dimensions rebuilds the pool under a new generation; buffers from older
// generations are dropped when released and are never handed out again.
package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"pipcast/internal/types"
)

// DefaultCapacity bounds the number of buffers a pool keeps alive at once.
// Three are in flight in the common case: one being rendered, one queued
// at the host surface and one retained as the session's last frame.
const DefaultCapacity = 4

var ErrClosed = errors.New("pool: closed")

// Allocator returns backing memory for one buffer.
type Allocator func(size int) ([]byte, error)

func defaultAllocator(size int) ([]byte, error) {
	return make([]byte, size), nil
}

type Option func(*Pool)

// WithCapacity sets the maximum number of live buffers per generation.
func WithCapacity(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.capacity = n
		}
	}
}

// WithAllocator replaces the allocator, mainly to inject failures.
func WithAllocator(a Allocator) Option {
	return func(p *Pool) {
		if a != nil {
			p.alloc = a
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(p *Pool) {
		if log != nil {
			p.log = log
		}
	}
}

// Pool is safe for concurrent use; a camera capture goroutine may acquire
// while the scheduling loop releases.
type Pool struct {
	log      *slog.Logger
	alloc    Allocator
	capacity int

	mu     sync.Mutex
	width  int
	height int
	gen    uint64
	free   []*types.FrameBuffer
	live   int
	desc   *types.FormatDescription
	closed bool
}

func New(opts ...Option) *Pool {
	p := &Pool{
		log:      slog.Default(),
		alloc:    defaultAllocator,
		capacity: DefaultCapacity,
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.With("component", "frame-pool")
	return p
}

// Acquire returns a buffer of the requested size holding one reference.
// A size different from the current generation rebuilds the pool first.
// Allocation failure and exhaustion return an error wrapping
// types.ErrBufferAllocation; callers skip the tick and try again.
func (p *Pool) Acquire(width, height int) (*types.FrameBuffer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("acquire %dx%d: %w", width, height, types.ErrBufferAllocation)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	if width != p.width || height != p.height {
		p.rebuildLocked(width, height)
	}

	if n := len(p.free); n > 0 {
		buf := p.free[n-1]
		p.free = p.free[:n-1]
		return buf.Acquired(), nil
	}

	if p.live >= p.capacity {
		return nil, fmt.Errorf("acquire %dx%d: pool exhausted (%d live): %w",
			width, height, p.live, types.ErrBufferAllocation)
	}

	data, err := p.alloc(width * height * types.BytesPerPixel)
	if err != nil {
		return nil, fmt.Errorf("acquire %dx%d: %w: %w", width, height, types.ErrBufferAllocation, err)
	}
	p.live++
	buf := types.NewPooledFrameBuffer(data, width, height, p.gen, p.recycle)
	return buf.Acquired(), nil
}

// rebuildLocked starts a new generation. Outstanding buffers keep working
// for whoever holds them but are discarded on release.
func (p *Pool) rebuildLocked(width, height int) {
	p.gen++
	p.width = width
	p.height = height
	p.free = nil
	p.live = 0
	p.desc = nil
	p.log.Debug("pool rebuilt", "width", width, "height", height, "generation", p.gen)
}

func (p *Pool) recycle(buf *types.FrameBuffer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || buf.Generation != p.gen {
		return
	}
	p.free = append(p.free, buf)
}

// FormatDescription returns the description for the current generation.
// The first call after a rebuild builds it from sample, which must belong
// to the current generation; later calls return the cached value and
// ignore sample.
func (p *Pool) FormatDescription(sample *types.FrameBuffer) (*types.FormatDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.desc != nil {
		return p.desc, nil
	}
	if sample == nil {
		return nil, fmt.Errorf("format description: no sample buffer")
	}
	if sample.Generation != p.gen {
		return nil, fmt.Errorf("format description: sample from generation %d, pool at %d",
			sample.Generation, p.gen)
	}
	p.desc = types.DescribeBuffer(sample)
	return p.desc, nil
}

// Generation returns the current generation number; it starts at 0 and
// becomes 1 on the first Acquire.
func (p *Pool) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen
}

// Live returns the number of buffers allocated in the current generation.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// Close drops every buffer. Acquire fails afterwards; releases are ignored.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.free = nil
	p.live = 0
	p.desc = nil
}
