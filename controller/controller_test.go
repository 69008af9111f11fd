package controller

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestEnqueue_PositionsAndEstimates(t *testing.T) {
	c := New(func(o *Options) {
		o.MaxConcurrent = 2
		o.DefaultRunDuration = 10 * time.Second
	})

	var tickets []*Ticket
	for i := 0; i < 4; i++ {
		tk, err := c.Enqueue(fmt.Sprintf("s%d", i))
		require.NoError(t, err)
		tickets = append(tickets, tk)
	}

	assert.Equal(t, 0, tickets[0].Position)
	assert.Equal(t, 0, tickets[1].Position)
	assert.True(t, tickets[1].Admitted())
	assert.Equal(t, 1, tickets[2].Position)
	assert.Equal(t, 10*time.Second, tickets[2].EstimatedWait)
	assert.Equal(t, 2, tickets[3].Position)
	assert.Equal(t, 20*time.Second, tickets[3].EstimatedWait)
	assert.False(t, tickets[3].Admitted())

	stats := c.Stats()
	assert.Equal(t, 2, stats.Running)
	assert.Equal(t, 2, stats.Queued)

	tickets[0].Release()
	assert.True(t, tickets[2].Admitted())
	pos, ok := c.Position("s3")
	require.True(t, ok)
	assert.Equal(t, 1, pos)

	tickets[0].Release() // idempotent
	assert.Equal(t, 2, c.Stats().Running)
}

func TestEnqueue_DuplicateSession(t *testing.T) {
	c := New()
	tk, err := c.Enqueue("s")
	require.NoError(t, err)

	_, err = c.Enqueue("s")
	assert.ErrorIs(t, err, ErrSessionInFlight)

	tk.Release()
	_, err = c.Enqueue("s")
	assert.NoError(t, err)
}

func TestAdmit_NeverExceedsMaxConcurrent(t *testing.T) {
	const limit = 3
	c := New(func(o *Options) { o.MaxConcurrent = limit })

	var (
		mu      sync.Mutex
		current int
		peak    int
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tk, err := c.Admit(context.Background(), fmt.Sprintf("s%d", i))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			current++
			peak = max(peak, current)
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			current--
			mu.Unlock()
			tk.Release()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, limit)
	stats := c.Stats()
	assert.Equal(t, uint64(20), stats.Admitted)
	assert.Equal(t, uint64(20), stats.Completed)
	assert.Zero(t, stats.Running)
	assert.Zero(t, stats.Queued)
}

func TestAdmit_FIFOOrder(t *testing.T) {
	c := New(func(o *Options) { o.MaxConcurrent = 1 })
	holder, err := c.Enqueue("holder")
	require.NoError(t, err)

	var queued []*Ticket
	for i := 0; i < 5; i++ {
		tk, err := c.Enqueue(fmt.Sprintf("w%d", i))
		require.NoError(t, err)
		queued = append(queued, tk)
	}

	holder.Release()
	for i, tk := range queued {
		require.True(t, tk.Admitted(), "waiter %d", i)
		for _, later := range queued[i+1:] {
			assert.False(t, later.Admitted())
		}
		tk.Release()
	}
}

func TestWait_CancelledWaiterLeavesQueue(t *testing.T) {
	c := New(func(o *Options) { o.MaxConcurrent = 1 })
	holder, err := c.Enqueue("holder")
	require.NoError(t, err)

	gone, err := c.Enqueue("gone")
	require.NoError(t, err)
	next, err := c.Enqueue("next")
	require.NoError(t, err)
	assert.Equal(t, 2, next.Position)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, gone.Wait(ctx), context.Canceled)

	pos, ok := c.Position("next")
	require.True(t, ok)
	assert.Equal(t, 1, pos)
	_, ok = c.Position("gone")
	assert.False(t, ok)

	holder.Release()
	assert.True(t, next.Admitted())
	assert.False(t, gone.Admitted())
}

func TestAverageDurationFeedsEstimates(t *testing.T) {
	clock := newFakeClock()
	c := New(func(o *Options) {
		o.MaxConcurrent = 1
		o.Clock = clock.Now
	})

	tk, err := c.Enqueue("a")
	require.NoError(t, err)
	clock.Advance(4 * time.Second)
	tk.Release()

	tk, err = c.Enqueue("b")
	require.NoError(t, err)
	waiter, err := c.Enqueue("c")
	require.NoError(t, err)
	assert.Equal(t, 4*time.Second, c.Stats().AverageDuration)
	assert.Equal(t, 4*time.Second, waiter.EstimatedWait)
	tk.Release()
	waiter.Release()
}

func TestMetricsAreExported(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(func(o *Options) {
		o.MaxConcurrent = 1
		o.Registerer = reg
	})

	a, err := c.Enqueue("a")
	require.NoError(t, err)
	_, err = c.Enqueue("b")
	require.NoError(t, err)

	assert.InDelta(t, 1, testutil.ToFloat64(c.metrics.running), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.metrics.queued), 0)
	a.Release()
	assert.InDelta(t, 2, testutil.ToFloat64(c.metrics.admitted), 0)

	c.Cache().Get("missing")
	assert.InDelta(t, 1, testutil.ToFloat64(c.metrics.cacheEvents.WithLabelValues("miss")), 0)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
