// Package utils holds small concurrency helpers shared by the engine.
package utils

import (
	"container/list"
	"context"
	"errors"
	"sync"
)

// ErrInvalidMax is returned by NewMaxUseLock for a non-positive capacity.
var ErrInvalidMax = errors.New("maxuselock: max must be positive")

// MaxUseLock admits at most max concurrent holders. Callers that cannot be
// admitted queue up and are granted access strictly in arrival order: a
// released slot is handed directly to the oldest waiter, so a newcomer never
// overtakes someone already waiting.
type MaxUseLock struct {
	mu      sync.Mutex
	max     int
	holders int
	waiters list.List // of chan struct{}
}

// NewMaxUseLock creates a lock with the given capacity.
func NewMaxUseLock(max int) (*MaxUseLock, error) {
	if max <= 0 {
		return nil, ErrInvalidMax
	}
	return &MaxUseLock{max: max}, nil
}

// MaxUseGuard is held by one admitted caller. Release must be called on every
// exit path; calling it more than once is harmless.
type MaxUseGuard struct {
	l    *MaxUseLock
	once sync.Once
}

// Release gives the slot back, waking the oldest waiter if any.
func (g *MaxUseGuard) Release() {
	if g == nil {
		return
	}
	g.once.Do(g.l.release)
}

// Acquire blocks until a slot is available.
func (l *MaxUseLock) Acquire() *MaxUseGuard {
	g, _ := l.AcquireContext(context.Background())
	return g
}

// TryAcquire takes a slot only if one is free and nobody is queued.
func (l *MaxUseLock) TryAcquire() (*MaxUseGuard, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holders < l.max && l.waiters.Len() == 0 {
		l.holders++
		return &MaxUseGuard{l: l}, true
	}
	return nil, false
}

// AcquireContext blocks until a slot is granted or ctx is done. A caller
// that gives up leaves the queue without affecting the order of the others.
func (l *MaxUseLock) AcquireContext(ctx context.Context) (*MaxUseGuard, error) {
	l.mu.Lock()
	if l.holders < l.max && l.waiters.Len() == 0 {
		l.holders++
		l.mu.Unlock()
		return &MaxUseGuard{l: l}, nil
	}

	ready := make(chan struct{})
	elem := l.waiters.PushBack(ready)
	l.mu.Unlock()

	select {
	case <-ready:
		return &MaxUseGuard{l: l}, nil
	case <-ctx.Done():
		l.mu.Lock()
		select {
		case <-ready:
			// Granted while giving up: pass the slot on.
			l.mu.Unlock()
			l.release()
		default:
			l.waiters.Remove(elem)
			l.mu.Unlock()
		}
		return nil, ctx.Err()
	}
}

func (l *MaxUseLock) release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if front := l.waiters.Front(); front != nil {
		l.waiters.Remove(front)
		close(front.Value.(chan struct{}))
		return
	}
	l.holders--
}

// Holders returns the number of admitted callers.
func (l *MaxUseLock) Holders() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holders
}

// Waiting returns the number of queued callers.
func (l *MaxUseLock) Waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waiters.Len()
}

// Max returns the capacity.
func (l *MaxUseLock) Max() int {
	return l.max
}
