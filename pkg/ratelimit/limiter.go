// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ratelimit gates outbound calls to the ad platform's quota-bound
// API. It enforces a weighted rolling window plus a short burst window,
// queues callers when capacity is exhausted, and backs off on upstream
// throttling responses.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/adxyz/pulse/pkg/log"
	"github.com/adxyz/pulse/pkg/metric"
)

const burstWindow = 60 * time.Second

// Config holds the limiter quotas
type Config struct {
	// MaxRequests is the cumulative weight allowed inside Window
	MaxRequests int `yaml:"max_requests"`

	// Window is the primary rolling interval
	Window time.Duration `yaml:"window"`

	// MaxBurst caps cumulative weight in the trailing 60 seconds.
	// Zero disables the burst check.
	MaxBurst int `yaml:"max_burst"`

	// RetryAfter is the fallback backoff on quota errors without a usable
	// hint. Defaults to one minute.
	RetryAfter time.Duration `yaml:"retry_after"`

	// MaxQueueWait bounds the total time one call may spend queued for
	// capacity. Defaults to twice the window.
	MaxQueueWait time.Duration `yaml:"max_queue_wait"`
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 200
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = time.Minute
	}
	if cfg.MaxQueueWait <= 0 {
		cfg.MaxQueueWait = 2 * cfg.Window
	}
	return cfg
}

// request is one weighted call record, purged once it ages out of every
// window that still needs it
type request struct {
	at       time.Time
	endpoint string
	weight   int
}

// UsageStats reports the limiter's current consumption
type UsageStats struct {
	CurrentWeight  int           `json:"current_weight"`
	MaxRequests    int           `json:"max_requests"`
	PercentUsed    float64       `json:"percent_used"`
	BurstWeight    int           `json:"burst_weight"`
	MaxBurst       int           `json:"max_burst"`
	TimeUntilReset time.Duration `json:"time_until_reset"`
}

// Options tunes a single Execute call
type Options struct {
	// Weight is the cost of the call, default 1
	Weight int

	// RetryAttempts bounds quota-error retries, default 3
	RetryAttempts int
}

func (o Options) withDefaults() Options {
	if o.Weight <= 0 {
		o.Weight = 1
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	return o
}

// Operation is the caller-supplied upstream fetch
type Operation func(ctx context.Context) (any, error)

// Limiter enforces the two-tier quota for one logical upstream resource
type Limiter struct {
	mu       sync.Mutex
	cfg      Config
	requests []request

	log     log.Logger
	metrics *metric.Metrics

	// test seams
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLimiter creates a limiter. metrics may be nil.
func NewLimiter(cfg Config, logger log.Logger, metrics *metric.Metrics) *Limiter {
	if logger == nil {
		logger = log.NoOp()
	}
	return &Limiter{
		cfg:     cfg.withDefaults(),
		log:     logger,
		metrics: metrics,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// purge drops records too old to matter for either window. Callers hold mu.
func (l *Limiter) purge(now time.Time) {
	horizon := l.cfg.Window
	if l.cfg.MaxBurst > 0 && burstWindow > horizon {
		horizon = burstWindow
	}
	cutoff := now.Add(-horizon)

	keep := l.requests[:0]
	for _, r := range l.requests {
		if r.at.After(cutoff) {
			keep = append(keep, r)
		}
	}
	l.requests = keep
}

func (l *Limiter) weightSince(now time.Time, span time.Duration) int {
	cutoff := now.Add(-span)
	total := 0
	for _, r := range l.requests {
		if r.at.After(cutoff) {
			total += r.weight
		}
	}
	return total
}

// CanMakeRequest reports whether a call of the given weight fits inside
// both quota windows right now
func (l *Limiter) CanMakeRequest(weight int) bool {
	if weight <= 0 {
		weight = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.canMakeLocked(l.now(), weight)
}

func (l *Limiter) canMakeLocked(now time.Time, weight int) bool {
	l.purge(now)
	if l.weightSince(now, l.cfg.Window)+weight > l.cfg.MaxRequests {
		return false
	}
	if l.cfg.MaxBurst > 0 && l.weightSince(now, burstWindow)+weight > l.cfg.MaxBurst {
		return false
	}
	return true
}

// RecordRequest appends a request record. Bookkeeping only.
func (l *Limiter) RecordRequest(endpoint string, weight int) {
	if weight <= 0 {
		weight = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests = append(l.requests, request{at: l.now(), endpoint: endpoint, weight: weight})
}

// TimeUntilNextRequest returns how long until capacity frees up, or zero
// when a weight-1 call would be admitted immediately
func (l *Limiter) TimeUntilNextRequest() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.timeUntilLocked(l.now(), 1)
}

func (l *Limiter) timeUntilLocked(now time.Time, weight int) time.Duration {
	if l.canMakeLocked(now, weight) {
		return 0
	}

	var wait time.Duration
	if l.weightSince(now, l.cfg.Window)+weight > l.cfg.MaxRequests {
		if oldest, ok := l.oldestSince(now, l.cfg.Window); ok {
			if d := oldest.Add(l.cfg.Window).Sub(now); d > wait {
				wait = d
			}
		}
	}
	if l.cfg.MaxBurst > 0 && l.weightSince(now, burstWindow)+weight > l.cfg.MaxBurst {
		if oldest, ok := l.oldestSince(now, burstWindow); ok {
			if d := oldest.Add(burstWindow).Sub(now); d > wait {
				wait = d
			}
		}
	}
	if wait <= 0 {
		wait = 10 * time.Millisecond
	}
	return wait
}

func (l *Limiter) oldestSince(now time.Time, span time.Duration) (time.Time, bool) {
	cutoff := now.Add(-span)
	var oldest time.Time
	found := false
	for _, r := range l.requests {
		if r.at.After(cutoff) && (!found || r.at.Before(oldest)) {
			oldest = r.at
			found = true
		}
	}
	return oldest, found
}

// Execute runs op under the limiter. Callers without immediate capacity are
// queued: the call re-attempts after the oldest record ages out, up to
// MaxQueueWait total, then fails with ErrQueueTimeout. Upstream quota
// errors are retried with backoff until attempts run out, at which point
// the original error is returned unchanged. Other errors propagate as-is.
func (l *Limiter) Execute(ctx context.Context, endpoint string, op Operation, opts Options) (any, error) {
	opts = opts.withDefaults()

	if err := l.acquire(ctx, endpoint, opts.Weight); err != nil {
		return nil, err
	}

	attempts := opts.RetryAttempts
	for {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if !IsRateLimitError(err) {
			return nil, err
		}
		attempts--
		if attempts < 0 {
			if l.metrics != nil {
				l.metrics.RequestsRejected.WithLabelValues("retries_exhausted").Inc()
			}
			return nil, err
		}

		delay := retryDelay(err, l.cfg.RetryAfter)
		l.log.Warn("upstream rate limited, backing off",
			log.String("endpoint", endpoint),
			log.Duration("delay", delay),
			log.Int("attempts_left", attempts))
		if sleepErr := l.sleep(ctx, delay); sleepErr != nil {
			return nil, sleepErr
		}
		// Re-acquire: the backoff may have let other callers drain quota
		if acqErr := l.acquire(ctx, endpoint, opts.Weight); acqErr != nil {
			return nil, acqErr
		}
	}
}

// acquire blocks until capacity is available and records the request, or
// fails once the queue ceiling is reached
func (l *Limiter) acquire(ctx context.Context, endpoint string, weight int) error {
	deadline := l.now().Add(l.cfg.MaxQueueWait)
	queued := false

	for {
		l.mu.Lock()
		now := l.now()
		if l.canMakeLocked(now, weight) {
			l.requests = append(l.requests, request{at: now, endpoint: endpoint, weight: weight})
			l.mu.Unlock()
			if l.metrics != nil {
				l.metrics.RequestsGated.Inc()
			}
			return nil
		}
		wait := l.timeUntilLocked(now, weight)
		l.mu.Unlock()

		if !queued {
			queued = true
			if l.metrics != nil {
				l.metrics.RequestsQueued.Inc()
			}
			l.log.Debug("request queued for capacity",
				log.String("endpoint", endpoint),
				log.Duration("wait", wait))
		}

		if now.Add(wait).After(deadline) {
			if l.metrics != nil {
				l.metrics.RequestsRejected.WithLabelValues("queue_timeout").Inc()
			}
			return ErrQueueTimeout
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// GetUsageStats returns a point-in-time view of quota consumption
func (l *Limiter) GetUsageStats() UsageStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.purge(now)

	current := l.weightSince(now, l.cfg.Window)
	stats := UsageStats{
		CurrentWeight: current,
		MaxRequests:   l.cfg.MaxRequests,
		BurstWeight:   l.weightSince(now, burstWindow),
		MaxBurst:      l.cfg.MaxBurst,
	}
	if l.cfg.MaxRequests > 0 {
		stats.PercentUsed = float64(current) / float64(l.cfg.MaxRequests) * 100
	}
	if oldest, ok := l.oldestSince(now, l.cfg.Window); ok {
		stats.TimeUntilReset = oldest.Add(l.cfg.Window).Sub(now)
	}

	if l.metrics != nil {
		l.metrics.QuotaUsage.Set(stats.PercentUsed)
	}
	return stats
}

// UpdateConfig replaces the limiter quotas in place
func (l *Limiter) UpdateConfig(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg.withDefaults()
}

// Config returns a copy of the active configuration
func (l *Limiter) Config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// Reset clears all request records
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests = nil
}

// Do runs a typed operation under the limiter
func Do[T any](ctx context.Context, l *Limiter, endpoint string, op func(ctx context.Context) (T, error), opts Options) (T, error) {
	result, err := l.Execute(ctx, endpoint, func(ctx context.Context) (any, error) {
		return op(ctx)
	}, opts)
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}

// Wrap returns op wrapped with the limiter, preserving its signature.
// It replaces decorator-style call sites with an explicit adapter.
func Wrap[T any](l *Limiter, endpoint string, op func(ctx context.Context) (T, error)) func(ctx context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		return Do(ctx, l, endpoint, op, Options{})
	}
}
