package clock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Clock is a monotonic nanosecond source.
type Clock interface {
	Now() int64
}

// Sleeper blocks for a duration or until ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Monotonic reads nanoseconds elapsed since it was created.
type Monotonic struct {
	origin time.Time
}

func NewMonotonic() *Monotonic {
	return &Monotonic{origin: time.Now()}
}

func (m *Monotonic) Now() int64 {
	return int64(time.Since(m.origin))
}

// Real sleeps on the runtime timer.
type Real struct{}

func (Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Manual is a test clock. Sleep advances time instead of blocking.
type Manual struct {
	now atomic.Int64

	mu     sync.Mutex
	sleeps []time.Duration
}

func NewManual(start int64) *Manual {
	m := &Manual{}
	m.now.Store(start)
	return m
}

func (m *Manual) Now() int64 {
	return m.now.Load()
}

func (m *Manual) Set(ns int64) {
	m.now.Store(ns)
}

func (m *Manual) Advance(d time.Duration) int64 {
	return m.now.Add(int64(d))
}

func (m *Manual) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.sleeps = append(m.sleeps, d)
	m.mu.Unlock()
	m.Advance(d)
	return nil
}

// Sleeps returns every duration passed to Sleep.
func (m *Manual) Sleeps() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.sleeps))
	copy(out, m.sleeps)
	return out
}
