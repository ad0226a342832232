// Package pool bounds how many builds and sandbox runs the service executes at once.
package pool

import (
	"context"
	"sync"
)

// Pool manages a fixed number of job slots
type Pool struct {
	slots          chan struct{}
	mu             sync.Mutex
	onSlotsChanged func(inUse int) // Callback when slots change
}

// New creates a pool with the given capacity (at least one slot)
func New(maxJobs int) *Pool {
	if maxJobs < 1 {
		maxJobs = 1
	}
	return &Pool{slots: make(chan struct{}, maxJobs)}
}

// SetOnSlotsChanged sets a callback invoked with the number of busy slots
// after every acquire and release
func (p *Pool) SetOnSlotsChanged(callback func(inUse int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSlotsChanged = callback
}

// TryAcquire claims a slot without waiting. Returns true if successful.
func (p *Pool) TryAcquire() bool {
	select {
	case p.slots <- struct{}{}:
		p.notify()
		return true
	default:
		return false
	}
}

// Acquire waits for a slot until ctx is done
func (p *Pool) Acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		p.notify()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot. Releasing more than was acquired is a no-op.
func (p *Pool) Release() {
	select {
	case <-p.slots:
		p.notify()
	default:
	}
}

// Available returns the number of free slots
func (p *Pool) Available() int {
	return cap(p.slots) - len(p.slots)
}

// InUse returns the number of busy slots
func (p *Pool) InUse() int {
	return len(p.slots)
}

// MaxJobs returns the pool capacity
func (p *Pool) MaxJobs() int {
	return cap(p.slots)
}

func (p *Pool) notify() {
	p.mu.Lock()
	callback := p.onSlotsChanged
	p.mu.Unlock()

	// Notify outside of lock to avoid deadlock
	if callback != nil {
		callback(p.InUse())
	}
}
