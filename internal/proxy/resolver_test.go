package proxy

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolproxy/internal/resultcache"
	"toolproxy/internal/session"
)

type pollerFunc func(ctx context.Context, ep session.Endpoint, id string, attempt int) PollResult

func (f pollerFunc) Poll(ctx context.Context, ep session.Endpoint, id string, attempt int) PollResult {
	return f(ctx, ep, id, attempt)
}

func stillRunning(calls *atomic.Int32) Poller {
	return pollerFunc(func(context.Context, session.Endpoint, string, int) PollResult {
		calls.Add(1)
		return PollResult{State: PollPending, Status: "running"}
	})
}

var testEndpoint = session.Endpoint{URL: "http://remote.invalid/sse"}

func TestResolve_PollCompletes(t *testing.T) {
	var calls atomic.Int32
	r := NewResolver(pollerFunc(func(_ context.Context, _ session.Endpoint, id string, attempt int) PollResult {
		calls.Add(1)
		if attempt < 3 {
			return PollResult{State: PollPending, Status: "running"}
		}
		return PollResult{State: PollCompleted, Status: "completed", Payload: "42"}
	}), ResolverOptions{})

	text, err := r.Resolve(context.Background(), testEndpoint, "job-1", 5*time.Millisecond, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "42", text)
	assert.EqualValues(t, 3, calls.Load())
	assert.Zero(t, r.Pending())
}

func TestResolve_PollFailureKeepsToolNotFoundKind(t *testing.T) {
	r := NewResolver(pollerFunc(func(context.Context, session.Endpoint, string, int) PollResult {
		return PollResult{State: PollFailed, Status: "error", Err: remoteError("Tool not found: lookup")}
	}), ResolverOptions{})

	_, err := r.Resolve(context.Background(), testEndpoint, "job-1", 5*time.Millisecond, time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrToolNotFound))
	assert.Contains(t, err.Error(), "lookup")
}

func TestResolve_FirstWriterWins(t *testing.T) {
	t.Run("callback before poll", func(t *testing.T) {
		var calls atomic.Int32
		r := NewResolver(pollerFunc(func(context.Context, session.Endpoint, string, int) PollResult {
			calls.Add(1)
			return PollResult{State: PollCompleted, Status: "completed", Payload: "from poll"}
		}), ResolverOptions{})

		r.Track("job-1", "search")
		out := r.Deliver(context.Background(), "job-1", resultcache.Entry{Payload: "from callback", Channel: ChannelCallback})
		assert.Equal(t, DeliverySettled, out)

		text, err := r.Resolve(context.Background(), testEndpoint, "job-1", 5*time.Millisecond, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "from callback", text)
		assert.Zero(t, calls.Load())
	})

	t.Run("poll before callback", func(t *testing.T) {
		r := NewResolver(pollerFunc(func(context.Context, session.Endpoint, string, int) PollResult {
			return PollResult{State: PollCompleted, Status: "completed", Payload: "from poll"}
		}), ResolverOptions{})

		text, err := r.Resolve(context.Background(), testEndpoint, "job-1", 5*time.Millisecond, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "from poll", text)

		out := r.Deliver(context.Background(), "job-1", resultcache.Entry{Payload: "from callback", Channel: ChannelCallback})
		assert.Equal(t, DeliveryIgnored, out)
		_, ok, err := r.Lookup(context.Background(), "job-1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("second arrival ignored", func(t *testing.T) {
		var calls atomic.Int32
		r := NewResolver(stillRunning(&calls), ResolverOptions{})
		r.Track("job-1", "search")

		assert.Equal(t, DeliverySettled, r.Deliver(context.Background(), "job-1", resultcache.Entry{Payload: "first", Channel: ChannelPush}))
		assert.Equal(t, DeliveryIgnored, r.Deliver(context.Background(), "job-1", resultcache.Entry{Payload: "second", Channel: ChannelCallback}))

		text, err := r.Resolve(context.Background(), testEndpoint, "job-1", 5*time.Millisecond, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "first", text)
	})
}

func TestResolve_CallbackWakesWaiter(t *testing.T) {
	var calls atomic.Int32
	r := NewResolver(stillRunning(&calls), ResolverOptions{})

	go func() {
		for calls.Load() < 1 {
			time.Sleep(5 * time.Millisecond)
		}
		r.Deliver(context.Background(), "job-1", resultcache.Entry{Payload: "done", Channel: ChannelCallback})
	}()

	start := time.Now()
	text, err := r.Resolve(context.Background(), testEndpoint, "job-1", 10*time.Second, 20*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "done", text)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.EqualValues(t, 1, calls.Load())
}

func TestResolve_PreArrivalServedFromCache(t *testing.T) {
	var calls atomic.Int32
	cache := resultcache.NewMemory()
	r := NewResolver(stillRunning(&calls), ResolverOptions{Cache: cache})

	out := r.Deliver(context.Background(), "job-1", resultcache.Entry{Payload: "early", Channel: ChannelCallback})
	assert.Equal(t, DeliveryCached, out)
	assert.Equal(t, 1, cache.Len())

	text, err := r.Resolve(context.Background(), testEndpoint, "job-1", 5*time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "early", text)
	assert.Zero(t, calls.Load())
	assert.Zero(t, cache.Len())
}

func TestResolve_BoundedWaitWithHangingRemote(t *testing.T) {
	const maxWait = 300 * time.Millisecond
	const pollTimeout = 500 * time.Millisecond
	release := make(chan struct{})
	defer close(release)
	r := NewResolver(pollerFunc(func(ctx context.Context, _ session.Endpoint, _ string, _ int) PollResult {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return PollResult{State: PollPending, Status: "transport_error"}
	}), ResolverOptions{})

	start := time.Now()
	_, err := r.Resolve(context.Background(), testEndpoint, "job-1", 50*time.Millisecond, maxWait)
	elapsed := time.Since(start)

	var te *TimeoutError
	require.True(t, errors.As(err, &te), "want TimeoutError, got %v", err)
	assert.Equal(t, 1, te.Attempts)
	assert.GreaterOrEqual(t, elapsed, maxWait)
	assert.Less(t, elapsed, maxWait+pollTimeout)
}

func TestResolve_AttemptCapStopsPolling(t *testing.T) {
	var calls atomic.Int32
	r := NewResolver(stillRunning(&calls), ResolverOptions{MaxAttempts: 3})

	start := time.Now()
	_, err := r.Resolve(context.Background(), testEndpoint, "job-1", 5*time.Millisecond, 250*time.Millisecond)

	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 3, te.Attempts)
	assert.EqualValues(t, 3, calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
}

func TestResolve_LateResultCachedAfterTimeout(t *testing.T) {
	var calls atomic.Int32
	r := NewResolver(stillRunning(&calls), ResolverOptions{})

	_, err := r.Resolve(context.Background(), testEndpoint, "job-1", 5*time.Millisecond, 50*time.Millisecond)
	var te *TimeoutError
	require.True(t, errors.As(err, &te))

	out := r.Deliver(context.Background(), "job-1", resultcache.Entry{Payload: "finally", Channel: ChannelCallback})
	assert.Equal(t, DeliveryLate, out)
	out = r.Deliver(context.Background(), "job-1", resultcache.Entry{Payload: "again", Channel: ChannelPush})
	assert.Equal(t, DeliveryIgnored, out)

	entry, ok, err := r.Lookup(context.Background(), "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "finally", entry.Payload)
}

func TestDeliver_UntrackedIDIsCachedNotLate(t *testing.T) {
	var calls atomic.Int32
	r := NewResolver(stillRunning(&calls), ResolverOptions{})

	assert.Equal(t, DeliveryCached, r.Deliver(context.Background(), "never-seen", resultcache.Entry{Payload: "x"}))

	// A result that already reached its caller is never late.
	r.Deliver(context.Background(), "done-1", resultcache.Entry{Payload: "first"})
	text, err := r.Resolve(context.Background(), testEndpoint, "done-1", 5*time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "first", text)
	assert.Equal(t, DeliveryIgnored, r.Deliver(context.Background(), "done-1", resultcache.Entry{Payload: "second"}))
}

func TestResolve_ContextCancelled(t *testing.T) {
	var calls atomic.Int32
	r := NewResolver(stillRunning(&calls), ResolverOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := r.Resolve(ctx, testEndpoint, "job-1", time.Second, 10*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, r.Owns("job-1"))
}

func TestPollSchedule_GrowsByFactor(t *testing.T) {
	b := pollSchedule(100*time.Millisecond, 1.5)

	prev := b.NextBackOff()
	assert.Equal(t, 100*time.Millisecond, prev)
	for i := 1; i < DefaultMaxPollAttempts; i++ {
		next := b.NextBackOff()
		assert.Greater(t, next, prev)
		assert.InDelta(t, float64(prev)*1.5, float64(next), float64(time.Microsecond))
		prev = next
	}
}
