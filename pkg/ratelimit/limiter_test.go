// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adxyz/pulse/pkg/log"
)

// fakeClock drives the limiter's time and turns sleeps into clock jumps
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
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

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := newFakeClock()
	l := NewLimiter(cfg, log.NoOp(), nil)
	l.now = clock.Now
	l.sleep = clock.Sleep
	return l, clock
}

func TestCanMakeRequestWindowQuota(t *testing.T) {
	require := require.New(t)

	l, _ := newTestLimiter(Config{MaxRequests: 5, Window: time.Minute})

	require.True(l.CanMakeRequest(5))
	require.False(l.CanMakeRequest(6))

	l.RecordRequest("insights", 3)
	require.True(l.CanMakeRequest(2))
	require.False(l.CanMakeRequest(3))

	l.RecordRequest("insights", 2)
	require.False(l.CanMakeRequest(1))
}

func TestCanMakeRequestBurstQuota(t *testing.T) {
	require := require.New(t)

	l, clock := newTestLimiter(Config{MaxRequests: 100, Window: time.Hour, MaxBurst: 2})

	l.RecordRequest("insights", 1)
	l.RecordRequest("insights", 1)

	// Window quota has plenty of room but the trailing-minute cap is full
	require.False(l.CanMakeRequest(1))

	clock.Advance(61 * time.Second)
	require.True(l.CanMakeRequest(1))
}

func TestRecordsPurgedPastWindow(t *testing.T) {
	require := require.New(t)

	l, clock := newTestLimiter(Config{MaxRequests: 2, Window: time.Minute})

	l.RecordRequest("a", 1)
	l.RecordRequest("b", 1)
	require.False(l.CanMakeRequest(1))

	clock.Advance(time.Minute + time.Second)
	require.True(l.CanMakeRequest(2))

	stats := l.GetUsageStats()
	require.Zero(stats.CurrentWeight)
}

func TestExecuteQueuesUntilCapacity(t *testing.T) {
	require := require.New(t)

	l, _ := newTestLimiter(Config{MaxRequests: 5, Window: time.Minute, MaxBurst: 2})

	calls := 0
	op := func(ctx context.Context) (any, error) {
		calls++
		return "ok", nil
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		result, err := l.Execute(ctx, "insights", op, Options{})
		require.NoError(err)
		require.Equal("ok", result)
	}

	// Third call does not fit the burst cap; the fake sleep advances the
	// clock until the oldest record ages out of the trailing minute.
	result, err := l.Execute(ctx, "insights", op, Options{})
	require.NoError(err)
	require.Equal("ok", result)
	require.Equal(3, calls)
}

func TestExecuteQueueCeiling(t *testing.T) {
	require := require.New(t)

	l, _ := newTestLimiter(Config{
		MaxRequests:  1,
		Window:       time.Hour,
		MaxQueueWait: time.Minute,
	})

	ctx := context.Background()
	_, err := l.Execute(ctx, "insights", func(ctx context.Context) (any, error) {
		return nil, nil
	}, Options{})
	require.NoError(err)

	_, err = l.Execute(ctx, "insights", func(ctx context.Context) (any, error) {
		return nil, nil
	}, Options{})
	require.ErrorIs(err, ErrQueueTimeout)
}

func TestExecuteRetriesQuotaErrors(t *testing.T) {
	require := require.New(t)

	l, _ := newTestLimiter(Config{MaxRequests: 100, Window: time.Hour, RetryAfter: time.Second})

	calls := 0
	op := func(ctx context.Context) (any, error) {
		calls++
		if calls < 3 {
			return nil, &RateLimitError{StatusCode: 429, Message: "too many requests"}
		}
		return "recovered", nil
	}

	result, err := l.Execute(context.Background(), "insights", op, Options{RetryAttempts: 3})
	require.NoError(err)
	require.Equal("recovered", result)
	require.Equal(3, calls)
}

func TestExecuteReturnsOriginalErrorAfterRetries(t *testing.T) {
	require := require.New(t)

	l, _ := newTestLimiter(Config{MaxRequests: 100, Window: time.Hour, RetryAfter: time.Second})

	upstream := &RateLimitError{Code: 17, Message: "user request limit reached"}
	calls := 0
	op := func(ctx context.Context) (any, error) {
		calls++
		return nil, upstream
	}

	_, err := l.Execute(context.Background(), "insights", op, Options{RetryAttempts: 2})
	var rle *RateLimitError
	require.ErrorAs(err, &rle)
	require.Same(upstream, rle)
	require.Equal(3, calls) // initial call + two retries
}

func TestExecutePropagatesTransportErrors(t *testing.T) {
	require := require.New(t)

	l, _ := newTestLimiter(Config{MaxRequests: 100, Window: time.Hour})

	boom := errors.New("connection reset by peer")
	calls := 0
	_, err := l.Execute(context.Background(), "insights", func(ctx context.Context) (any, error) {
		calls++
		return nil, boom
	}, Options{RetryAttempts: 5})

	require.ErrorIs(err, boom)
	require.Equal(1, calls)
}

func TestTimeUntilNextRequest(t *testing.T) {
	require := require.New(t)

	l, clock := newTestLimiter(Config{MaxRequests: 1, Window: time.Minute})

	require.Zero(l.TimeUntilNextRequest())

	l.RecordRequest("insights", 1)
	wait := l.TimeUntilNextRequest()
	require.Equal(time.Minute, wait)

	clock.Advance(40 * time.Second)
	require.Equal(20*time.Second, l.TimeUntilNextRequest())
}

func TestUsageStats(t *testing.T) {
	require := require.New(t)

	l, _ := newTestLimiter(Config{MaxRequests: 10, Window: time.Hour, MaxBurst: 5})

	l.RecordRequest("insights", 2)
	l.RecordRequest("campaigns", 3)

	stats := l.GetUsageStats()
	require.Equal(5, stats.CurrentWeight)
	require.Equal(10, stats.MaxRequests)
	require.InDelta(50.0, stats.PercentUsed, 0.001)
	require.Equal(5, stats.BurstWeight)
	require.Equal(time.Hour, stats.TimeUntilReset)
}

func TestUpdateConfigAndReset(t *testing.T) {
	require := require.New(t)

	l, _ := newTestLimiter(Config{MaxRequests: 1, Window: time.Minute})

	l.RecordRequest("insights", 1)
	require.False(l.CanMakeRequest(1))

	l.UpdateConfig(Config{MaxRequests: 3, Window: time.Minute})
	require.True(l.CanMakeRequest(1))

	l.Reset()
	stats := l.GetUsageStats()
	require.Zero(stats.CurrentWeight)
}

func TestIsRateLimitError(t *testing.T) {
	require := require.New(t)

	require.True(IsRateLimitError(&RateLimitError{StatusCode: 429}))
	require.True(IsRateLimitError(errors.New("Application request limit reached")))
	require.True(IsRateLimitError(errors.New("got status 429: Too Many Requests")))
	require.False(IsRateLimitError(errors.New("invalid access token")))
	require.False(IsRateLimitError(nil))
}

func TestRetryDelayFromUsageHeader(t *testing.T) {
	require := require.New(t)

	fallback := time.Minute

	// Under 80% usage the fallback applies
	under := &RateLimitError{UsageHeader: `{"call_count":50,"total_cputime":10,"total_time":20}`}
	require.Equal(fallback, retryDelay(under, fallback))

	// Over 80% the wait grows quadratically with the overshoot
	over := &RateLimitError{UsageHeader: `{"call_count":90,"total_cputime":10,"total_time":20}`}
	require.Equal(100*150*time.Millisecond, retryDelay(over, fallback))

	// And never beyond one minute
	maxed := &RateLimitError{UsageHeader: `{"call_count":100,"total_cputime":100,"total_time":100}`}
	require.Equal(time.Minute, retryDelay(maxed, fallback))

	// Grouped per-account headers are handled too
	grouped := &RateLimitError{UsageHeader: `{"act_123":[{"call_count":95,"total_cputime":5,"total_time":5}]}`}
	require.Equal(time.Minute, retryDelay(grouped, fallback))

	// Explicit hints win
	hinted := &RateLimitError{RetryAfter: 5 * time.Second, UsageHeader: `{"call_count":99}`}
	require.Equal(5*time.Second, retryDelay(hinted, fallback))

	// And are honored even past the convex-backoff ceiling
	long := &RateLimitError{RetryAfter: 2 * time.Minute}
	require.Equal(2*time.Minute, retryDelay(long, fallback))

	// Garbage headers fall back
	garbage := &RateLimitError{UsageHeader: `not json`}
	require.Equal(fallback, retryDelay(garbage, fallback))
}

func TestRegistryTiers(t *testing.T) {
	require := require.New(t)

	reg := NewRegistry(TierConfigs(), TierStandard, log.NoOp(), nil)

	std := reg.Get(TierStandard)
	require.NotNil(std)
	require.Same(std, reg.Get("no-such-tier"))
	require.NotSame(std, reg.Get(TierBusiness))
	require.Len(reg.Tiers(), 3)

	reg.Update(map[string]Config{TierStandard: {MaxRequests: 1, Window: time.Minute}})
	require.Equal(1, reg.Get(TierStandard).Config().MaxRequests)
}

func TestWrapAdapter(t *testing.T) {
	require := require.New(t)

	l, _ := newTestLimiter(Config{MaxRequests: 10, Window: time.Minute})

	fetch := Wrap(l, "insights", func(ctx context.Context) (int, error) {
		return 42, nil
	})

	n, err := fetch(context.Background())
	require.NoError(err)
	require.Equal(42, n)
	require.Equal(1, l.GetUsageStats().CurrentWeight)
}
