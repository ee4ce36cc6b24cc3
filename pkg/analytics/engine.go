// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package analytics ingests discrete advertising events into a bounded
// buffer and continuously re-evaluates registered sliding-window queries,
// publishing snapshots, derived metrics, and anomaly signals on the bus.
package analytics

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/adxyz/pulse/pkg/bus"
	"github.com/adxyz/pulse/pkg/events"
	"github.com/adxyz/pulse/pkg/log"
	"github.com/adxyz/pulse/pkg/metric"
)

var (
	ErrQueryExists     = errors.New("analytics: query id already registered")
	ErrQueryNotFound   = errors.New("analytics: query not found")
	ErrNoCallbackOrBus = errors.New("analytics: query needs a callback or a bus to publish to")
)

// Window describes what a query evaluates and how often
type Window struct {
	// Duration is the trailing interval events are pulled from
	Duration time.Duration

	// Slide is the period between evaluations
	Slide time.Duration

	// Metrics are payload field names or event-count metrics such as
	// "impressions"
	Metrics []string

	// Aggregations are applied to every metric
	Aggregations []events.Aggregation
}

// Query is a registered sliding-window evaluation
type Query struct {
	ID       string
	Name     string
	Window   Window
	Filter   func(events.Event) bool
	GroupBy  []string
	Callback func([]events.Snapshot)
}

// QueryError is published on the query-error topic when a callback fails
type QueryError struct {
	QueryID string
	Name    string
	Err     error
}

// Config tunes the engine
type Config struct {
	// MaxBufferSize caps the event buffer item count
	MaxBufferSize int `yaml:"max_buffer_size"`

	// EventTTL is how long events stay eligible for evaluation
	EventTTL time.Duration `yaml:"event_ttl"`

	// TrendDepth is how many recent observations trend fits use
	TrendDepth int `yaml:"trend_depth"`
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = 100000
	}
	if cfg.EventTTL <= 0 {
		cfg.EventTTL = 24 * time.Hour
	}
	if cfg.TrendDepth <= 0 {
		cfg.TrendDepth = 20
	}
	return cfg
}

type registeredQuery struct {
	query Query
	entry cron.EntryID
}

// Engine is the streaming analytics core
type Engine struct {
	mu      sync.Mutex
	cfg     Config
	buffer  []events.Event
	queries map[string]*registeredQuery

	scheduler *cron.Cron
	detector  *Detector
	signals   *bus.Bus

	log     log.Logger
	metrics *metric.Metrics

	now func() time.Time
}

// NewEngine creates an engine publishing on signals. metrics may be nil.
func NewEngine(cfg Config, signals *bus.Bus, logger log.Logger, metrics *metric.Metrics) *Engine {
	if logger == nil {
		logger = log.NoOp()
	}
	e := &Engine{
		cfg:       cfg.withDefaults(),
		queries:   make(map[string]*registeredQuery),
		scheduler: cron.New(),
		detector:  NewDetector(),
		signals:   signals,
		log:       logger,
		metrics:   metrics,
		now:       time.Now,
	}
	e.scheduler.Start()
	return e
}

// IngestEvent appends one event to the buffer, prunes it, and immediately
// emits a lightweight per-event snapshot for responsive consumers. The
// windowed queries pick the event up on their own schedule.
func (e *Engine) IngestEvent(ev events.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	e.buffer = append(e.buffer, ev)
	e.pruneLocked(e.now())
	size := len(e.buffer)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.EventsIngested.WithLabelValues(string(ev.Type)).Inc()
		e.metrics.BufferSize.Set(float64(size))
	}

	if e.signals != nil {
		e.signals.Publish(bus.TopicEventIngested, ev)
		e.signals.Publish(bus.TopicMetricUpdate, e.perEventSnapshot(ev))
	}
	return nil
}

// IngestBatch appends a batch of events, skipping invalid ones, and
// reports how many were accepted
func (e *Engine) IngestBatch(batch []events.Event) (int, error) {
	accepted := 0
	var firstErr error
	for _, ev := range batch {
		if err := ev.Validate(); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("event %q: %w", ev.ID, err)
			}
			continue
		}

		e.mu.Lock()
		e.buffer = append(e.buffer, ev)
		e.mu.Unlock()

		if e.metrics != nil {
			e.metrics.EventsIngested.WithLabelValues(string(ev.Type)).Inc()
		}
		if e.signals != nil {
			e.signals.Publish(bus.TopicMetricUpdate, e.perEventSnapshot(ev))
		}
		accepted++
	}

	e.mu.Lock()
	e.pruneLocked(e.now())
	size := len(e.buffer)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.BufferSize.Set(float64(size))
	}
	if e.signals != nil {
		e.signals.Publish(bus.TopicBatchIngested, map[string]int{"accepted": accepted, "received": len(batch)})
	}
	return accepted, firstErr
}

// pruneLocked enforces the TTL horizon and the item cap. The buffer is in
// arrival order but carries producer timestamps, so the TTL scan covers the
// whole slice. Callers hold mu.
func (e *Engine) pruneLocked(now time.Time) {
	cutoff := now.Add(-e.cfg.EventTTL)
	keep := e.buffer[:0]
	for _, ev := range e.buffer {
		if ev.Timestamp.After(cutoff) {
			keep = append(keep, ev)
		}
	}
	e.buffer = keep
	if over := len(e.buffer) - e.cfg.MaxBufferSize; over > 0 {
		e.buffer = append(e.buffer[:0], e.buffer[over:]...)
	}
}

func (e *Engine) perEventSnapshot(ev events.Event) events.Snapshot {
	snap := events.Snapshot{
		Timestamp:   ev.Timestamp,
		CampaignID:  ev.CampaignID,
		Metric:      metricForType[ev.Type],
		Value:       1,
		Aggregation: events.AggCount,
	}
	if ev.Type == events.TypeSpend {
		snap.Value = ev.Spend().InexactFloat64()
		snap.Aggregation = events.AggSum
	}
	return snap
}

// AddQuery registers a query and schedules it every Slide interval
func (e *Engine) AddQuery(q Query) error {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if q.Callback == nil && e.signals == nil {
		return ErrNoCallbackOrBus
	}
	if q.Window.Duration <= 0 {
		q.Window.Duration = time.Hour
	}
	if q.Window.Slide <= 0 {
		q.Window.Slide = time.Minute
	}
	if len(q.Window.Aggregations) == 0 {
		q.Window.Aggregations = []events.Aggregation{events.AggSum}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.queries[q.ID]; exists {
		return ErrQueryExists
	}

	id := q.ID
	entry, err := e.scheduler.AddFunc(fmt.Sprintf("@every %s", q.Window.Slide), func() {
		e.RunQuery(id)
	})
	if err != nil {
		return fmt.Errorf("analytics: schedule query %q: %w", q.Name, err)
	}

	e.queries[q.ID] = &registeredQuery{query: q, entry: entry}
	e.log.Info("analytics query registered",
		log.String("query", q.Name),
		log.Duration("window", q.Window.Duration),
		log.Duration("slide", q.Window.Slide))
	return nil
}

// RemoveQuery cancels a query's schedule and deletes its registration
func (e *Engine) RemoveQuery(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	reg, ok := e.queries[id]
	if !ok {
		return ErrQueryNotFound
	}
	e.scheduler.Remove(reg.entry)
	delete(e.queries, id)
	return nil
}

// Queries lists the registered queries
func (e *Engine) Queries() []Query {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Query, 0, len(e.queries))
	for _, reg := range e.queries {
		out = append(out, reg.query)
	}
	return out
}

// RunQuery evaluates one registered query immediately. The scheduler calls
// this on every slide tick.
func (e *Engine) RunQuery(id string) {
	e.mu.Lock()
	reg, ok := e.queries[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	q := reg.query
	now := e.now()
	matched := e.windowLocked(now, q)
	e.mu.Unlock()

	started := time.Now()
	snapshots := e.evaluate(now, q, matched)

	if e.metrics != nil {
		e.metrics.QueriesEvaluated.Inc()
		e.metrics.EvaluationSeconds.Observe(time.Since(started).Seconds())
	}

	for _, snap := range snapshots {
		if e.signals != nil {
			e.signals.Publish(bus.TopicMetricSnapshot, snap)
		}
		if anomaly, flagged := e.detector.Observe(snap); flagged {
			if e.metrics != nil {
				e.metrics.AnomaliesFlagged.WithLabelValues(string(anomaly.Severity)).Inc()
			}
			e.log.Warn("metric anomaly flagged",
				log.String("campaign", anomaly.CampaignID),
				log.String("metric", anomaly.Metric),
				log.Float64("deviation", anomaly.Deviation))
			if e.signals != nil {
				e.signals.Publish(bus.TopicAnomalyDetected, anomaly)
			}
		}
	}

	if q.Callback != nil {
		e.invokeCallback(q, snapshots)
	}
}

// invokeCallback shields the scheduler from misbehaving callbacks: a panic
// is recovered and surfaced on the query-error topic, and the schedule
// keeps ticking.
func (e *Engine) invokeCallback(q Query, snapshots []events.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("query callback panic: %v", r)
			e.log.Error("analytics callback failed",
				log.String("query", q.Name),
				log.Error(err))
			if e.signals != nil {
				e.signals.Publish(bus.TopicQueryError, QueryError{QueryID: q.ID, Name: q.Name, Err: err})
			}
		}
	}()
	q.Callback(snapshots)
}

// windowLocked selects buffered events inside [now-duration, now] passing
// the query filter. Callers hold mu.
func (e *Engine) windowLocked(now time.Time, q Query) []events.Event {
	from := now.Add(-q.Window.Duration)
	matched := make([]events.Event, 0, 64)
	for _, ev := range e.buffer {
		if ev.Timestamp.Before(from) || ev.Timestamp.After(now) {
			continue
		}
		if q.Filter != nil && !q.Filter(ev) {
			continue
		}
		matched = append(matched, ev)
	}
	return matched
}

func groupKey(ev events.Event, groupBy []string) string {
	parts := make([]string, 0, len(groupBy))
	for _, field := range groupBy {
		switch field {
		case "campaign":
			parts = append(parts, ev.CampaignID)
		case "adset":
			parts = append(parts, ev.AdSetID)
		case "ad":
			parts = append(parts, ev.AdID)
		case "type":
			parts = append(parts, string(ev.Type))
		default:
			parts = append(parts, "")
		}
	}
	return strings.Join(parts, "|")
}

// evaluate groups matched events and computes every requested
// (metric, aggregation) pair plus the derived rate metrics per group
func (e *Engine) evaluate(now time.Time, q Query, matched []events.Event) []events.Snapshot {
	groupBy := q.GroupBy
	if len(groupBy) == 0 {
		groupBy = []string{"campaign"}
	}

	groups := make(map[string][]events.Event)
	for _, ev := range matched {
		key := groupKey(ev, groupBy)
		groups[key] = append(groups[key], ev)
	}

	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	snapshots := make([]events.Snapshot, 0, len(groups)*(len(q.Window.Metrics)+3))
	for _, key := range keys {
		group := groups[key]

		for _, metricName := range q.Window.Metrics {
			for _, agg := range q.Window.Aggregations {
				value, ok := aggregate(group, metricName, agg)
				if !ok {
					continue
				}
				snapshots = append(snapshots, events.Snapshot{
					Timestamp:   now,
					CampaignID:  key,
					Metric:      metricName,
					Value:       value,
					Aggregation: agg,
				})
			}
		}

		d := deriveMetrics(group)
		if d.HasCTR {
			snapshots = append(snapshots, events.Snapshot{
				Timestamp: now, CampaignID: key, Metric: "ctr",
				Value: d.CTR, Aggregation: events.AggRate,
			})
		}
		if d.HasCVR {
			snapshots = append(snapshots, events.Snapshot{
				Timestamp: now, CampaignID: key, Metric: "conversion_rate",
				Value: d.CVR, Aggregation: events.AggRate,
			})
		}
		if d.HasSpend {
			snapshots = append(snapshots, events.Snapshot{
				Timestamp: now, CampaignID: key, Metric: "spend_rate",
				Value: d.SpendRate, Aggregation: events.AggRate,
			})
		}
	}
	return snapshots
}

// TrendFor fits the recent observations of a campaign metric
func (e *Engine) TrendFor(campaignID, metricName string) events.Trend {
	trend := e.detector.Trend(campaignID, metricName, e.cfg.TrendDepth)
	trend.Timestamp = e.now()
	return trend
}

// BufferLen reports the current buffer occupancy
func (e *Engine) BufferLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buffer)
}

// Shutdown cancels every query schedule and clears engine state
func (e *Engine) Shutdown() {
	ctx := e.scheduler.Stop()
	<-ctx.Done()

	e.mu.Lock()
	e.queries = make(map[string]*registeredQuery)
	e.buffer = nil
	e.mu.Unlock()
	e.detector.Reset()
}
