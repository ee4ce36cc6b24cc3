// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	require := require.New(t)

	b := New(8, nil)
	defer b.Close()

	first := b.Subscribe()
	second := b.Subscribe()
	defer first.Unsubscribe()
	defer second.Unsubscribe()

	b.Publish(TopicEventIngested, "payload")

	for _, sub := range []*Subscription{first, second} {
		select {
		case msg := <-sub.C:
			require.Equal(TopicEventIngested, msg.Topic)
			require.Equal("payload", msg.Payload)
			require.False(msg.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the message")
		}
	}
}

func TestTopicFiltering(t *testing.T) {
	require := require.New(t)

	b := New(8, nil)
	defer b.Close()

	sub := b.Subscribe(TopicAnomalyDetected)
	defer sub.Unsubscribe()

	b.Publish(TopicMetricUpdate, 1)
	b.Publish(TopicAnomalyDetected, 2)

	select {
	case msg := <-sub.C:
		require.Equal(TopicAnomalyDetected, msg.Topic)
		require.Equal(2, msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("filtered subscriber did not receive its topic")
	}
	require.Empty(sub.C)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	require := require.New(t)

	b := New(2, nil)
	defer b.Close()

	sub := b.Subscribe(TopicMetricSnapshot)
	defer sub.Unsubscribe()

	// Publish beyond the buffer without draining; Publish must not block
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(TopicMetricSnapshot, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	require.Equal(uint64(8), sub.Dropped())
	require.Len(sub.ch, 2)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	require := require.New(t)

	b := New(8, nil)
	defer b.Close()

	sub := b.Subscribe()
	require.Equal(1, b.Subscribers())

	sub.Unsubscribe()
	require.Equal(0, b.Subscribers())

	_, open := <-sub.C
	require.False(open)

	// Idempotent
	sub.Unsubscribe()
}

func TestCloseTerminatesSubscriptions(t *testing.T) {
	require := require.New(t)

	b := New(8, nil)
	sub := b.Subscribe()

	b.Close()
	_, open := <-sub.C
	require.False(open)

	// Publishing and subscribing after close are no-ops
	b.Publish(TopicMetricUpdate, "late")
	late := b.Subscribe()
	_, open = <-late.C
	require.False(open)

	// Unsubscribing a closed-bus subscription must not panic
	sub.Unsubscribe()
	late.Unsubscribe()
	b.Close()
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	require := require.New(t)

	b := New(1024, nil)
	defer b.Close()

	sub := b.Subscribe(TopicEventIngested)
	defer sub.Unsubscribe()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Publish(TopicEventIngested, j)
			}
		}()
	}
	wg.Wait()

	received := 0
	for {
		select {
		case <-sub.C:
			received++
		default:
			require.Equal(400, received+int(sub.Dropped()))
			return
		}
	}
}
