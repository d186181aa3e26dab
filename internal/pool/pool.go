// Package pool implements a thread-safe free list of reusable values,
// used to avoid re-allocating the mixer's fixed-size scratch buffers
// (its int32 accumulator and int16 re-encode input) on every 20ms tick.
package pool

import "sync"

// Pool is a generic, unbounded free list. New is called to produce a
// value when the free list is empty; Reset (if non-nil) is called on
// every value returned via Put before it is reinserted, so a caller
// forgetting to clear sensitive state doesn't leak it into the next
// borrower.
type Pool[T any] struct {
	mu    sync.Mutex
	free  []T
	New   func() T
	Reset func(T)
}

// NewPool creates a Pool that calls newFn to mint a fresh value when
// the free list is empty, and resetFn (optional, may be nil) on every
// value as it is returned.
func NewPool[T any](newFn func() T, resetFn func(T)) *Pool[T] {
	return &Pool[T]{New: newFn, Reset: resetFn}
}

// Get removes and returns a value from the free list, minting a new
// one via New if the list is empty.
func (p *Pool[T]) Get() T {
	p.mu.Lock()
	n := len(p.free)
	if n == 0 {
		p.mu.Unlock()
		return p.New()
	}
	v := p.free[n-1]
	p.free = p.free[:n-1]
	p.mu.Unlock()
	return v
}

// Put resets (if a Reset function was supplied) and reinserts v into
// the free list for a future Get to reuse.
func (p *Pool[T]) Put(v T) {
	if p.Reset != nil {
		p.Reset(v)
	}
	p.mu.Lock()
	p.free = append(p.free, v)
	p.mu.Unlock()
}

// Len reports the number of values currently sitting idle in the free
// list; used by tests and diagnostics, not by any borrowing logic.
func (p *Pool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
