// Package resource bounds the number of simultaneously in-flight tool
// executions process-wide. Additional calls queue rather than fail.
package resource

import (
	"context"
	"sync/atomic"
)

// Limiter is a counting semaphore over tool-execution slots.
type Limiter struct {
	slots    chan struct{}
	inFlight atomic.Int64
}

// NewLimiter creates a limiter with the given capacity. A capacity
// below one defaults to one.
func NewLimiter(capacity int) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	return &Limiter{slots: make(chan struct{}, capacity)}
}

// Acquire blocks until a slot is free or the context is done. On
// success the caller must Release exactly once.
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case l.slots <- struct{}{}:
		l.inFlight.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a previously acquired slot.
func (l *Limiter) Release() {
	l.inFlight.Add(-1)
	<-l.slots
}

// InFlight returns the number of currently held slots.
func (l *Limiter) InFlight() int {
	return int(l.inFlight.Load())
}

// Capacity returns the configured slot count.
func (l *Limiter) Capacity() int {
	return cap(l.slots)
}
