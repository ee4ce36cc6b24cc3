// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package bus provides the in-process publish/subscribe channel the pipeline
// emits its signals on. Delivery is at-least-once within the process and
// non-blocking: a subscriber that stops draining loses messages rather than
// stalling publishers.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/adxyz/pulse/pkg/log"
)

// Signal topics emitted by the pipeline
const (
	TopicMetricUpdate    = "metric-update"
	TopicMetricSnapshot  = "metric-snapshot"
	TopicAnomalyDetected = "anomaly-detected"
	TopicEventIngested   = "event-ingested"
	TopicBatchIngested   = "batch-ingested"
	TopicQueryError      = "query-error"
)

// Message is one published signal
type Message struct {
	Topic     string
	Payload   any
	Timestamp time.Time
}

// Subscription is a live subscriber handle. Callers must Unsubscribe when
// done or the bus keeps a reference forever.
type Subscription struct {
	ID      string
	C       <-chan Message
	topics  map[string]struct{}
	ch      chan Message
	bus     *Bus
	dropped atomic.Uint64
	once    sync.Once
}

// Dropped reports how many messages this subscriber lost to a full buffer
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Unsubscribe detaches the subscriber and closes its channel
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s.ID)
	s.once.Do(func() { close(s.ch) })
}

func (s *Subscription) wants(topic string) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// Bus fans messages out to subscribers
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	buffer int
	closed bool
	log    log.Logger
}

// New creates a bus with the given per-subscriber buffer size
func New(buffer int, logger log.Logger) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = log.NoOp()
	}
	return &Bus{
		subs:   make(map[string]*Subscription),
		buffer: buffer,
		log:    logger,
	}
}

// Subscribe registers a subscriber for the given topics. No topics means
// every topic.
func (b *Bus) Subscribe(topics ...string) *Subscription {
	sub := &Subscription{
		ID:     uuid.NewString(),
		ch:     make(chan Message, b.buffer),
		topics: make(map[string]struct{}, len(topics)),
		bus:    b,
	}
	sub.C = sub.ch
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	b.subs[sub.ID] = sub
	return sub
}

// Publish delivers a message to every matching subscriber without blocking
func (b *Bus) Publish(topic string, payload any) {
	msg := Message{Topic: topic, Payload: payload, Timestamp: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			// Subscriber buffer full, drop for this subscriber only
			sub.dropped.Add(1)
		}
	}
}

// Subscribers returns the current subscriber count
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close terminates every subscription and rejects further publishes
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.once.Do(func() { close(sub.ch) })
	}
}

func (b *Bus) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}
