package events

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydralab/hydra/pkg/metrics"
)

func receive(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventInfo, Username: "alice", Message: "hello"})

	ev := receive(t, sub)
	assert.Equal(t, EventInfo, ev.Type)
	assert.Equal(t, "alice", ev.Username)
	assert.False(t, ev.Timestamp.IsZero(), "publish stamps the event")
}

func TestPublishCountsByType(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	before := testutil.ToFloat64(metrics.EventsPublished.WithLabelValues(string(EventWarning)))
	b.Publish(&Event{Type: EventWarning, Message: "quota lapsed"})
	b.Publish(&Event{Type: EventWarning, Message: "node unreachable"})

	assert.Equal(t, before+2, testutil.ToFloat64(metrics.EventsPublished.WithLabelValues(string(EventWarning))))
}

func TestSubscribeUserFilters(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	aliceSub := b.SubscribeUser("alice")
	defer b.Unsubscribe(aliceSub)

	b.Publish(&Event{Type: EventInfo, Username: "bob", Message: "not for alice"})
	b.Publish(&Event{Type: EventInfo, Username: "alice", Message: "for alice"})

	ev := receive(t, aliceSub)
	assert.Equal(t, "for alice", ev.Message)
	assert.Empty(t, aliceSub)
}

func TestSubscribeFiltered(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	critical := b.SubscribeFiltered(func(e *Event) bool { return e.Type == EventError })
	defer b.Unsubscribe(critical)

	b.Publish(&Event{Type: EventInfo, Message: "noise"})
	b.Publish(&Event{Type: EventError, Message: "signal"})

	ev := receive(t, critical)
	assert.Equal(t, "signal", ev.Message)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	// Overflow the subscriber buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish(&Event{Type: EventInfo, Message: "flood"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}
