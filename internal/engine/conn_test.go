package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestWorkerConnsLazyDial(t *testing.T) {
	d := newFakeDialer()
	m := NewWorkerConns(d, ConnPolicy{}, testLog)
	ctx := context.Background()

	assert.Equal(t, 0, d.Dials(), "no connection before first use")

	h1, err := m.Get(ctx)
	require.NoError(t, err)
	h2, err := m.Get(ctx)
	require.NoError(t, err)

	assert.Same(t, h1, h2)
	assert.EqualValues(t, 2, h1.Ops())
	assert.Equal(t, 1, d.Dials())
	assert.Zero(t, m.Reconnects())

	require.NoError(t, m.Close())
	assert.Equal(t, 0, d.OpenConns())
}

func TestWorkerConnsOpsBeforeReconnect(t *testing.T) {
	d := newFakeDialer()
	m := NewWorkerConns(d, ConnPolicy{OpsBeforeReconnect: 3}, testLog)
	ctx := context.Background()

	gens := map[uint64]int{}
	for i := 0; i < 7; i++ {
		h, err := m.Get(ctx)
		require.NoError(t, err)
		gens[h.Generation()]++
	}

	assert.Equal(t, map[uint64]int{1: 3, 2: 3, 3: 1}, gens)
	assert.Equal(t, 3, d.Dials())
	assert.EqualValues(t, 2, m.Reconnects())
	assert.Equal(t, 1, d.OpenConns(), "replaced connections are closed")
}

func TestWorkerConnsInvalidate(t *testing.T) {
	d := newFakeDialer()
	m := NewWorkerConns(d, ConnPolicy{}, testLog)
	ctx := context.Background()

	h, err := m.Get(ctx)
	require.NoError(t, err)
	m.Invalidate(ctx, h)
	m.Invalidate(ctx, h)

	h2, err := m.Get(ctx)
	require.NoError(t, err)
	assert.NotSame(t, h, h2)
	assert.EqualValues(t, 1, m.Reconnects())
	assert.Equal(t, 2, d.Dials())
}

func TestConnectorFirstFailureIsUnrecoverable(t *testing.T) {
	d := newFakeDialer()
	d.failAll = true
	m := NewWorkerConns(d, ConnPolicy{}, testLog)

	_, err := m.Get(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnrecoverable)
}

func TestConnectorLaterFailureIsRecoverable(t *testing.T) {
	d := newFakeDialer()
	m := NewWorkerConns(d, ConnPolicy{}, testLog)
	ctx := context.Background()

	h, err := m.Get(ctx)
	require.NoError(t, err)
	m.Invalidate(ctx, h)

	d.setFailAll(true)
	_, err = m.Get(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectivity)
	assert.NotErrorIs(t, err, ErrUnrecoverable)

	d.setFailAll(false)
	_, err = m.Get(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, m.Reconnects())
}

func TestConnectorThrottleHonoursContext(t *testing.T) {
	d := newFakeDialer()
	throttle := rate.NewLimiter(rate.Every(time.Hour), 1)
	require.True(t, throttle.Allow())
	m := NewWorkerConns(d, ConnPolicy{Throttle: throttle}, testLog)

	h, err := m.Get(context.Background())
	require.NoError(t, err, "the initial dial is not throttled")
	m.Invalidate(context.Background(), h)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Get(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, d.Dials())
}

func TestSharedConnsReconnectCollapse(t *testing.T) {
	d := newFakeDialer()
	m := NewSharedConns(d, ConnPolicy{Backoff: time.Millisecond}, nil, testLog)
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx))

	h, err := m.Get(ctx)
	require.NoError(t, err)
	d.delay = 50 * time.Millisecond

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			m.Invalidate(ctx, h)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 2, d.Dials(), "ten concurrent failures cause one reconnect")
	assert.EqualValues(t, 1, m.Reconnects())

	nh, err := m.Get(ctx)
	require.NoError(t, err)
	assert.NotSame(t, h, nh)
	assert.Equal(t, 1, d.OpenConns())
}

func TestSharedConnsWaitersReuseReplacement(t *testing.T) {
	d := newFakeDialer()
	m := NewSharedConns(d, ConnPolicy{OpsBeforeReconnect: 1, Backoff: time.Millisecond}, nil, testLog)
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx))
	d.delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Get(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, d.Dials(), 6)
	assert.Equal(t, 1, d.OpenConns())
}

func TestSharedConnsFailedReplacementRetriesOnGet(t *testing.T) {
	d := newFakeDialer()
	m := NewSharedConns(d, ConnPolicy{}, nil, testLog)
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx))

	h, err := m.Get(ctx)
	require.NoError(t, err)

	d.setFailAll(true)
	m.Invalidate(ctx, h)
	assert.Equal(t, 0, d.OpenConns(), "the failed connection is closed")

	_, err = m.Get(ctx)
	assert.ErrorIs(t, err, ErrConnectivity)

	d.setFailAll(false)
	_, err = m.Get(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestSharedConnsConnectFailure(t *testing.T) {
	d := newFakeDialer()
	d.failAll = true
	m := NewSharedConns(d, ConnPolicy{}, nil, testLog)

	err := m.Connect(context.Background())
	assert.ErrorIs(t, err, ErrUnrecoverable)
}

func TestSharedConnsFailedWorkersWaitForReplacement(t *testing.T) {
	d := newFakeDialer()
	m := NewSharedConns(d, ConnPolicy{Backoff: time.Millisecond}, nil, testLog)
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx))

	h, err := m.Get(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Conn().Close())
	d.delay = 50 * time.Millisecond

	var failed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				h, err := m.Get(ctx)
				if !assert.NoError(t, err) {
					return
				}
				if _, err := h.Conn().Do(ctx, Request{Kind: KindSearch}); err != nil {
					failed.Add(1)
					m.Invalidate(ctx, h)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, d.Dials())
	assert.EqualValues(t, 1, m.Reconnects())
	assert.LessOrEqual(t, failed.Load(), int64(10), "each worker fails at most once on the broken connection")
	assert.True(t, h.Dead())
}

func TestSharedConnsBackoffHasFloor(t *testing.T) {
	m := NewSharedConns(newFakeDialer(), ConnPolicy{}, nil, testLog)
	assert.Equal(t, minSharedBackoff, m.policy.Backoff)
}
