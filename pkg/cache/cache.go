// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package cache is a bounded TTL cache sitting in front of expensive
// upstream fetches. Entries are JSON-serialized, sized at two bytes per
// serialized character, and evicted oldest-first when the byte budget is
// exceeded. An optional storage.Store keeps a snapshot across restarts.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/adxyz/pulse/pkg/log"
	"github.com/adxyz/pulse/pkg/metric"
	"github.com/adxyz/pulse/pkg/storage"
)

var ErrValueTooLarge = errors.New("cache: value larger than the cache budget")

// Entry is one cached value with its bookkeeping
type Entry struct {
	Key       string            `json:"key"`
	Data      json.RawMessage   `json:"data"`
	CreatedAt time.Time         `json:"created_at"`
	TTL       time.Duration     `json:"ttl"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Expired reports whether the entry has outlived its TTL
func (e *Entry) Expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.CreatedAt) > e.TTL
}

func (e *Entry) size() int64 {
	return 2 * int64(len(e.Data))
}

// Stats summarizes cache effectiveness
type Stats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	Entries   int     `json:"entries"`
	SizeBytes int64   `json:"size_bytes"`
	MaxBytes  int64   `json:"max_bytes"`
	HitRate   float64 `json:"hit_rate"`
}

// Config holds cache tuning
type Config struct {
	// MaxSize is the aggregate estimated byte budget
	MaxSize int64 `yaml:"max_size"`

	// DefaultTTL applies when Set is called without one
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// SweepInterval is how often expired entries are swept regardless of
	// access. Zero disables the background sweep.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// SnapshotKey is the durable slot snapshots are written to
	SnapshotKey string `yaml:"snapshot_key"`
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 64 << 20
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.SnapshotKey == "" {
		cfg.SnapshotKey = "cache/snapshot"
	}
	return cfg
}

// flight tracks one in-progress fetch so concurrent misses on the same key
// share a single upstream call
type flight struct {
	done chan struct{}
	data json.RawMessage
	err  error
}

// Manager is the cache
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	entries  map[string]*Entry
	size     int64
	hits     uint64
	misses   uint64
	evicted  uint64
	inflight map[string]*flight

	store   storage.Store // nil disables persistence
	sweeper *cron.Cron

	log     log.Logger
	metrics *metric.Metrics

	now func() time.Time
}

// NewManager creates a cache. store and metrics may be nil. When a store is
// given, any previous snapshot is restored before the manager is returned.
func NewManager(cfg Config, store storage.Store, logger log.Logger, metrics *metric.Metrics) *Manager {
	if logger == nil {
		logger = log.NoOp()
	}
	m := &Manager{
		cfg:      cfg.withDefaults(),
		entries:  make(map[string]*Entry),
		inflight: make(map[string]*flight),
		store:    store,
		log:      logger,
		metrics:  metrics,
		now:      time.Now,
	}

	if store != nil {
		m.restore()
	}

	if m.cfg.SweepInterval > 0 {
		m.sweeper = cron.New()
		_, err := m.sweeper.AddFunc(fmt.Sprintf("@every %s", m.cfg.SweepInterval), m.Sweep)
		if err != nil {
			logger.Error("cache sweep schedule rejected", log.Error(err))
		} else {
			m.sweeper.Start()
		}
	}

	return m
}

// Set stores a JSON-serializable value under key. A zero ttl uses the
// default. Oldest entries are evicted until the value fits.
func (m *Manager) Set(key string, value any, ttl time.Duration, metadata map[string]string) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: serialize %q: %w", key, err)
	}
	return m.setRaw(key, data, ttl, metadata)
}

func (m *Manager) setRaw(key string, data json.RawMessage, ttl time.Duration, metadata map[string]string) error {
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}
	entry := &Entry{
		Key:       key,
		Data:      data,
		CreatedAt: m.now(),
		TTL:       ttl,
		Metadata:  metadata,
	}
	if entry.size() > m.cfg.MaxSize {
		return ErrValueTooLarge
	}

	m.mu.Lock()
	// Remove a replaced entry up front so the eviction loop cannot pick
	// the same key and subtract its size twice
	if old, ok := m.entries[key]; ok {
		m.size -= old.size()
		delete(m.entries, key)
	}
	for m.size+entry.size() > m.cfg.MaxSize {
		if !m.evictOldestLocked() {
			break
		}
	}
	m.entries[key] = entry
	m.size += entry.size()
	m.mu.Unlock()

	m.observeSize()
	m.persist()
	return nil
}

// evictOldestLocked removes the entry with the earliest creation time.
// Callers hold mu.
func (m *Manager) evictOldestLocked() bool {
	var oldestKey string
	var oldest time.Time
	for key, entry := range m.entries {
		if oldestKey == "" || entry.CreatedAt.Before(oldest) {
			oldestKey = key
			oldest = entry.CreatedAt
		}
	}
	if oldestKey == "" {
		return false
	}
	m.size -= m.entries[oldestKey].size()
	delete(m.entries, oldestKey)
	m.evicted++
	if m.metrics != nil {
		m.metrics.CacheEvictions.Inc()
	}
	return true
}

// Get returns the raw cached value. Expired entries are deleted on read.
func (m *Manager) Get(key string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(key)
}

func (m *Manager) getLocked(key string) (json.RawMessage, bool) {
	entry, ok := m.entries[key]
	if ok && entry.Expired(m.now()) {
		m.size -= entry.size()
		delete(m.entries, key)
		ok = false
	}
	if !ok {
		m.misses++
		if m.metrics != nil {
			m.metrics.CacheMisses.Inc()
		}
		return nil, false
	}
	m.hits++
	if m.metrics != nil {
		m.metrics.CacheHits.Inc()
	}
	return entry.Data, true
}

// GetJSON decodes the cached value into dest
func (m *Manager) GetJSON(key string, dest any) bool {
	data, ok := m.Get(key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		m.log.Warn("cache entry failed to decode", log.String("key", key), log.Error(err))
		m.Delete(key)
		return false
	}
	return true
}

// getOrSetRaw implements read-through with single-flight de-duplication:
// concurrent misses for one key share one fetcher invocation.
func (m *Manager) getOrSetRaw(ctx context.Context, key string, fetch func(ctx context.Context) (json.RawMessage, error), ttl time.Duration) (json.RawMessage, error) {
	for {
		m.mu.Lock()
		if data, ok := m.getLocked(key); ok {
			m.mu.Unlock()
			return data, nil
		}
		if f, ok := m.inflight[key]; ok {
			m.mu.Unlock()
			select {
			case <-f.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if f.err == nil {
				return f.data, nil
			}
			// The leader's fetch failed; loop and try becoming leader
			continue
		}
		f := &flight{done: make(chan struct{})}
		m.inflight[key] = f
		m.mu.Unlock()

		data, err := fetch(ctx)
		if err == nil {
			if setErr := m.setRaw(key, data, ttl, nil); setErr != nil {
				m.log.Warn("fetched value not cached", log.String("key", key), log.Error(setErr))
			}
		}
		f.data = data
		f.err = err
		close(f.done)

		m.mu.Lock()
		delete(m.inflight, key)
		m.mu.Unlock()

		return data, err
	}
}

// Delete removes a key
func (m *Manager) Delete(key string) {
	m.mu.Lock()
	if entry, ok := m.entries[key]; ok {
		m.size -= entry.size()
		delete(m.entries, key)
	}
	m.mu.Unlock()
	m.observeSize()
	m.persist()
}

// Clear removes everything
func (m *Manager) Clear() {
	m.mu.Lock()
	m.entries = make(map[string]*Entry)
	m.size = 0
	m.mu.Unlock()
	m.observeSize()
	m.persist()
}

// Keys lists the live keys
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	return keys
}

// InvalidatePattern deletes every key matching the regular expression and
// returns how many were removed. Invalidating twice is safe.
func (m *Manager) InvalidatePattern(pattern string) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("cache: invalid pattern %q: %w", pattern, err)
	}

	m.mu.Lock()
	removed := 0
	for key, entry := range m.entries {
		if re.MatchString(key) {
			m.size -= entry.size()
			delete(m.entries, key)
			removed++
		}
	}
	m.mu.Unlock()

	if removed > 0 {
		m.observeSize()
		m.persist()
	}
	return removed, nil
}

// Sweep removes every expired entry. Runs on the background schedule and
// may be called directly.
func (m *Manager) Sweep() {
	now := m.now()
	m.mu.Lock()
	removed := 0
	for key, entry := range m.entries {
		if entry.Expired(now) {
			m.size -= entry.size()
			delete(m.entries, key)
			removed++
		}
	}
	m.mu.Unlock()

	if removed > 0 {
		m.log.Debug("cache sweep removed expired entries", log.Int("removed", removed))
		m.observeSize()
		m.persist()
	}
}

// GetStats returns cache counters
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		Hits:      m.hits,
		Misses:    m.misses,
		Evictions: m.evicted,
		Entries:   len(m.entries),
		SizeBytes: m.size,
		MaxBytes:  m.cfg.MaxSize,
	}
	if total := m.hits + m.misses; total > 0 {
		stats.HitRate = float64(m.hits) / float64(total) * 100
	}
	return stats
}

// Close stops the sweeper and takes a final snapshot. The durable store is
// owned by the caller.
func (m *Manager) Close() {
	if m.sweeper != nil {
		m.sweeper.Stop()
	}
	m.persist()
}

func (m *Manager) observeSize() {
	if m.metrics == nil {
		return
	}
	m.mu.Lock()
	size := m.size
	m.mu.Unlock()
	m.metrics.CacheSizeBytes.Set(float64(size))
}

// GetOrSet reads key, invoking fetch and caching its result on a miss.
// Fetch failures are returned without being cached. Concurrent misses on
// the same key share one fetch.
func GetOrSet[T any](ctx context.Context, m *Manager, key string, fetch func(ctx context.Context) (T, error), ttl time.Duration) (T, error) {
	raw, err := m.getOrSetRaw(ctx, key, func(ctx context.Context) (json.RawMessage, error) {
		value, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("cache: serialize fetched %q: %w", key, err)
		}
		return data, nil
	}, ttl)

	var result T
	if err != nil {
		return result, err
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, fmt.Errorf("cache: decode %q: %w", key, err)
	}
	return result, nil
}
