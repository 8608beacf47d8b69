// Package pool implements a bounded reuse pool for expensive resources
// that can be health-checked and reset, such as whole browser connections.
// Idle entries are owned by the pool; ownership transfers to the caller on
// Acquire and back on Release.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tabmux/tabmux/internal/model"
)

// Resource is anything poolable: probeable for liveness, resettable to a
// disposable state, and disposable.
type Resource interface {
	// Alive cheaply probes whether the resource still works.
	Alive(ctx context.Context) bool
	// Reset clears disposable state before reuse (e.g. navigate to a
	// blank page).
	Reset(ctx context.Context) error
	// Dispose releases the resource. Best effort.
	Dispose(ctx context.Context)
}

// Shape keys compatible resources: only entries with an equal shape are
// reused for a request.
type Shape struct {
	Engine   model.EngineType
	Headless bool
}

// Factory creates a fresh resource of the given shape.
type Factory[R Resource] func(ctx context.Context, shape Shape) (R, error)

type entry[R Resource] struct {
	resource  R
	shape     Shape
	createdAt time.Time
}

// Pool keeps up to size idle resources, each reusable until maxAge. The
// semaphore additionally bounds the total number of live resources (idle
// plus checked out) at maxLive.
type Pool[R Resource] struct {
	factory Factory[R]
	size    int
	maxAge  time.Duration
	logger  *slog.Logger
	slots   *semaphore.Weighted

	mu   sync.Mutex
	idle []entry[R]
	now  func() time.Time
}

func New[R Resource](factory Factory[R], size int, maxAge time.Duration, maxLive int64, logger *slog.Logger) *Pool[R] {
	if logger == nil {
		logger = slog.Default()
	}
	if maxLive < int64(size) {
		maxLive = int64(size)
	}
	return &Pool[R]{
		factory: factory,
		size:    size,
		maxAge:  maxAge,
		logger:  logger,
		slots:   semaphore.NewWeighted(maxLive),
		now:     time.Now,
	}
}

// Acquire returns a live resource of the given shape, reusing an idle entry
// when one matches and is fresh, otherwise creating a new one. The caller
// owns the result and must hand it back via Release or Discard.
func (p *Pool[R]) Acquire(ctx context.Context, shape Shape) (R, error) {
	for {
		e, ok := p.takeMatch(shape)
		if !ok {
			break
		}
		if !e.resource.Alive(ctx) {
			p.logger.Debug("discarding dead pooled resource", "engine", shape.Engine)
			p.dispose(ctx, e.resource)
			continue
		}
		if err := e.resource.Reset(ctx); err != nil {
			p.logger.Debug("pooled resource failed reset", "engine", shape.Engine, "error", err)
			p.dispose(ctx, e.resource)
			continue
		}
		return e.resource, nil
	}

	var zero R
	if err := p.slots.Acquire(ctx, 1); err != nil {
		return zero, err
	}
	r, err := p.factory(ctx, shape)
	if err != nil {
		p.slots.Release(1)
		return zero, err
	}
	return r, nil
}

// Release returns a resource to the pool. Under capacity it is reset and
// kept idle; otherwise it is disposed immediately.
func (p *Pool[R]) Release(ctx context.Context, r R, shape Shape) {
	p.mu.Lock()
	under := len(p.idle) < p.size
	p.mu.Unlock()
	if !under {
		p.dispose(ctx, r)
		return
	}
	if err := r.Reset(ctx); err != nil {
		p.logger.Debug("reset on release failed, disposing", "engine", shape.Engine, "error", err)
		p.dispose(ctx, r)
		return
	}
	p.mu.Lock()
	// Re-check: a concurrent Release may have filled the pool.
	if len(p.idle) < p.size {
		p.idle = append(p.idle, entry[R]{resource: r, shape: shape, createdAt: p.now()})
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.dispose(ctx, r)
}

// Discard drops a checked-out resource without pooling it, freeing its
// capacity slot.
func (p *Pool[R]) Discard(ctx context.Context, r R) {
	p.dispose(ctx, r)
}

// Sweep disposes idle entries that are past maxAge or fail the liveness
// probe.
func (p *Pool[R]) Sweep(ctx context.Context) {
	p.mu.Lock()
	var keep []entry[R]
	var drop []entry[R]
	for _, e := range p.idle {
		if p.now().Sub(e.createdAt) > p.maxAge {
			drop = append(drop, e)
			continue
		}
		keep = append(keep, e)
	}
	p.idle = keep
	p.mu.Unlock()

	for _, e := range drop {
		p.dispose(ctx, e.resource)
	}

	// Probe survivors outside the pool lock.
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, e := range idle {
		if !e.resource.Alive(ctx) {
			p.logger.Debug("sweeping dead pooled resource", "engine", e.shape.Engine)
			p.dispose(ctx, e.resource)
			continue
		}
		p.mu.Lock()
		p.idle = append(p.idle, e)
		p.mu.Unlock()
	}
}

// CloseAll disposes every idle resource.
func (p *Pool[R]) CloseAll(ctx context.Context) {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, e := range idle {
		p.dispose(ctx, e.resource)
	}
}

// IdleLen reports the number of idle entries.
func (p *Pool[R]) IdleLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

func (p *Pool[R]) takeMatch(shape Shape) (entry[R], bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.idle {
		if e.shape == shape && p.now().Sub(e.createdAt) <= p.maxAge {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return e, true
		}
	}
	return entry[R]{}, false
}

func (p *Pool[R]) dispose(ctx context.Context, r R) {
	r.Dispose(ctx)
	p.slots.Release(1)
}
