package bus

import (
	"context"
	"sync/atomic"

	"chimera/internal/errors"
	"chimera/internal/obs"
	"chimera/internal/schema"
	"chimera/internal/shadow"
)

var (
	ErrQueueFull   = errors.New("event queue full")
	ErrQueueClosed = errors.New("event queue closed")
)

// Kind tells which field of an Event is set.
type Kind uint8

const (
	KindDelta Kind = iota + 1
	KindTrade
	KindIntent
	KindSignal
	KindDecision
	KindHeartbeat
	KindDisconnect
)

func (k Kind) String() string {
	switch k {
	case KindDelta:
		return "delta"
	case KindTrade:
		return "trade"
	case KindIntent:
		return "intent"
	case KindSignal:
		return "signal"
	case KindDecision:
		return "decision"
	case KindHeartbeat:
		return "heartbeat"
	case KindDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(name string) (Kind, bool) {
	for k := KindDelta; k <= KindDisconnect; k++ {
		if k.String() == name {
			return k, true
		}
	}
	return 0, false
}

// Event is one ingress input. TsLocal is stamped by the producer.
type Event struct {
	Kind       Kind
	Venue      schema.VenueID
	Symbol     string
	EngineID   uint8
	TsExchange int64
	TsLocal    int64

	Delta    schema.DepthDelta
	Trade    schema.MarketTick
	Intent   shadow.Intent
	Signal   schema.SignalVector
	Decision schema.Decision
}

// Queue is a bounded, non-blocking multi-producer event queue.
type Queue struct {
	ch      chan Event
	closed  atomic.Bool
	metrics *obs.Metrics
}

// NewQueue allocates a queue with the given capacity. metrics may be nil.
func NewQueue(capacity int, metrics *obs.Metrics) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan Event, capacity), metrics: metrics}
}

// TryPublish enqueues an event without blocking.
func (q *Queue) TryPublish(e Event) (err error) {
	if q.closed.Load() {
		q.metrics.IncQueueClosed()
		return ErrQueueClosed
	}
	defer func() {
		// lost the race with Close
		if recover() != nil {
			q.metrics.IncQueueClosed()
			err = ErrQueueClosed
		}
	}()
	select {
	case q.ch <- e:
		return nil
	default:
		q.metrics.IncQueueDrop()
		return ErrQueueFull
	}
}

// Publish enqueues an event, waiting for room until ctx is done.
func (q *Queue) Publish(ctx context.Context, e Event) (err error) {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	defer func() {
		if recover() != nil {
			err = ErrQueueClosed
		}
	}()
	select {
	case q.ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops the queue from accepting new events. Queued events still drain.
func (q *Queue) Close() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.ch)
	}
}

// Run consumes events until the context is done, the queue is closed and
// drained, or handler fails.
func (q *Queue) Run(ctx context.Context, handler func(Event) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-q.ch:
			if !ok {
				return nil
			}
			if err := handler(e); err != nil {
				return err
			}
		}
	}
}
