// Package objpool implements the "fetch/recycle" pool discipline
// called for by the dispatch engine's resource model: hot objects
// (events, timer nodes) are held in a free-list-backed sync.Pool, and a
// dedup set defends against double-recycle and against handing the
// same instance out twice concurrently.
//
// Grounded on the teacher's aiocbPool (watcher.go's
// sync.Pool of *aiocb, reset to a zero value on Get), generalized into
// a reusable typed wrapper and extended with the dedup guard spec.md
// §5/§9 require: "a pool's internal dedup set is essential to defend
// against double-recycle under concurrent close paths."
package objpool

import (
	"sync"
)

// Pool is a typed fetch/recycle pool over *T, guarding against
// double-recycle of a pointer that either was never fetched or was
// already recycled once.
type Pool[T any] struct {
	pool sync.Pool
	mu   sync.Mutex
	out  map[*T]struct{} // fetched, not yet recycled
	Zero func(*T)        // optional reset hook run on Get before handing out
}

// New creates a pool whose backing sync.Pool allocates via New when
// empty.
func New[T any]() *Pool[T] {
	p := &Pool[T]{out: make(map[*T]struct{})}
	p.pool.New = func() any { return new(T) }
	return p
}

// Fetch returns a pooled or freshly allocated *T and records it as
// outstanding.
func (p *Pool[T]) Fetch() *T {
	v := p.pool.Get().(*T)
	if p.Zero != nil {
		p.Zero(v)
	}
	p.mu.Lock()
	p.out[v] = struct{}{}
	p.mu.Unlock()
	return v
}

// Recycle returns v to the pool. Recycling a pointer that was not
// fetched, or that was already recycled, is a no-op — this is the
// "programmer error, detected by pool's dedup map; logged and ignored"
// case from spec.md §7, surfaced here via the bool return so callers
// can log it with whatever logger they hold.
func (p *Pool[T]) Recycle(v *T) bool {
	p.mu.Lock()
	_, ok := p.out[v]
	if ok {
		delete(p.out, v)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	p.pool.Put(v)
	return true
}

// Outstanding reports how many fetched objects have not been recycled
// yet; used by tests to assert no leaks across a close path.
func (p *Pool[T]) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.out)
}
