package bus

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chimera/internal/errors"
	"chimera/internal/obs"
)

func TestQueueFullAndClosed(t *testing.T) {
	m := obs.NewMetrics()
	q := NewQueue(2, m)

	require.NoError(t, q.TryPublish(Event{Kind: KindDelta}))
	require.NoError(t, q.TryPublish(Event{Kind: KindTrade}))
	assert.ErrorIs(t, q.TryPublish(Event{Kind: KindIntent}), ErrQueueFull)
	assert.Equal(t, 2, q.Len())

	q.Close()
	q.Close()
	assert.ErrorIs(t, q.TryPublish(Event{Kind: KindIntent}), ErrQueueClosed)
	assert.ErrorIs(t, q.Publish(context.Background(), Event{}), ErrQueueClosed)

	var kinds []Kind
	require.NoError(t, q.Run(context.Background(), func(e Event) error {
		kinds = append(kinds, e.Kind)
		return nil
	}))
	assert.Equal(t, []Kind{KindDelta, KindTrade}, kinds)

	snap := m.Snapshot()
	assert.Equal(t, uint64(1), snap.QueueDrops)
	assert.Equal(t, uint64(1), snap.QueueClosed)
}

func TestQueueRunStopsOnError(t *testing.T) {
	q := NewQueue(4, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.TryPublish(Event{Kind: KindHeartbeat}))
	}
	boom := errors.New("boom")
	calls := 0
	err := q.Run(context.Background(), func(Event) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}

func TestQueueConcurrentProducers(t *testing.T) {
	q := NewQueue(1024, nil)
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				assert.NoError(t, q.Publish(context.Background(), Event{Kind: KindTrade}))
			}
		}()
	}
	wg.Wait()
	q.Close()

	n := 0
	require.NoError(t, q.Run(context.Background(), func(Event) error {
		n++
		return nil
	}))
	assert.Equal(t, 400, n)
}

func TestQueuePublishHonorsContext(t *testing.T) {
	q := NewQueue(1, nil)
	require.NoError(t, q.TryPublish(Event{}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, q.Publish(ctx, Event{}), context.Canceled)
	assert.Equal(t, "intent", KindIntent.String())
}

func TestParseKind(t *testing.T) {
	for k := KindDelta; k <= KindDisconnect; k++ {
		got, ok := ParseKind(k.String())
		require.True(t, ok)
		assert.Equal(t, k, got)
	}
	_, ok := ParseKind("unknown")
	assert.False(t, ok)
}
