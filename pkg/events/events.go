package events

import (
	"sync"
	"time"

	"github.com/hydralab/hydra/pkg/metrics"
)

// EventType is the message type seen by dashboard subscribers.
type EventType string

const (
	EventInfo    EventType = "info"
	EventWarning EventType = "warning"
	EventError   EventType = "error"

	EventMigrationStep EventType = "migration"
	EventActivity      EventType = "activity"
	EventContainer     EventType = "container"
)

// Event is a control-plane event fanned out to SSE subscribers.
type Event struct {
	ID        string            `json:"id,omitempty"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Username  string            `json:"username,omitempty"`
	Message   string            `json:"message"`
	Data      map[string]string `json:"data,omitempty"`
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// subscription pairs a channel with an optional delivery filter.
type subscription struct {
	ch     Subscriber
	filter func(*Event) bool
}

// Broker manages event subscriptions and distribution.
type Broker struct {
	subscribers map[Subscriber]*subscription
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]*subscription),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription receiving every event.
func (b *Broker) Subscribe() Subscriber {
	return b.SubscribeFiltered(nil)
}

// SubscribeUser creates a subscription receiving only events for username.
func (b *Broker) SubscribeUser(username string) Subscriber {
	return b.SubscribeFiltered(func(e *Event) bool {
		return e.Username == username
	})
}

// SubscribeFiltered creates a subscription with a delivery predicate.
// A nil filter receives everything.
func (b *Broker) SubscribeFiltered(filter func(*Event) bool) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = &subscription{ch: sub, filter: filter}
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes an event to all matching subscribers.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case b.eventCh <- event:
		metrics.EventsPublished.WithLabelValues(string(event.Type)).Inc()
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
