package net

import (
	"sync/atomic"

	"go.uber.org/ratelimit"
	"golang.org/x/time/rate"
)

// DispatcherRecvLimiter is a token bucket shared by all sessions of a
// dispatcher. A limit of zero or less disables it.
type DispatcherRecvLimiter struct {
	limiter atomic.Pointer[rate.Limiter]
}

func newRateLimiter(limit int, burst int) *rate.Limiter {
	if limit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(limit), burst)
}

// NewTokenRecvLimiter creates a limiter allowing limit messages per second
// with bursts of burst.
func NewTokenRecvLimiter(limit int, burst int) *DispatcherRecvLimiter {
	self := &DispatcherRecvLimiter{}
	self.limiter.Store(newRateLimiter(limit, burst))
	return self
}

// Take blocks until a token is available or dd's session closes.
func (l *DispatcherRecvLimiter) Take(dd *DispatcherDelivery) error {
	if err := l.limiter.Load().Wait(dd.Session.Context()); err != nil {
		return ErrSessionClosed
	}
	return nil
}

// Reload swaps the bucket parameters.
func (l *DispatcherRecvLimiter) Reload(limit int, burst int) {
	l.limiter.Store(newRateLimiter(limit, burst))
}

func (l *DispatcherRecvLimiter) recvLimiterFilter(d *DispatcherDelivery, f DispatcherFilterHandleFunc) error {
	if err := l.Take(d); err != nil {
		return err
	}
	return f(d)
}

// FunnelRecvLimiter is a leaky bucket that spaces out datagram processing on
// a UDP socket. A limit of zero or less disables it.
type FunnelRecvLimiter struct {
	limiter atomic.Pointer[ratelimit.Limiter]
}

func newFunnel(limit int) ratelimit.Limiter {
	if limit <= 0 {
		return ratelimit.NewUnlimited()
	}
	return ratelimit.New(limit)
}

// NewFunnelRecvLimiter creates a limiter allowing limit datagrams per second.
func NewFunnelRecvLimiter(limit int) *FunnelRecvLimiter {
	self := &FunnelRecvLimiter{}
	l := newFunnel(limit)
	self.limiter.Store(&l)
	return self
}

// Take blocks until the next datagram may be processed.
func (l *FunnelRecvLimiter) Take() {
	_ = (*l.limiter.Load()).Take()
}

// Reload swaps the rate.
func (l *FunnelRecvLimiter) Reload(limit int) {
	nl := newFunnel(limit)
	l.limiter.Store(&nl)
}
