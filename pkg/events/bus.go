package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bvandewe/cml-cloud-manager/pkg/metrics"
)

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Bus fans events out to subscribers. A single dispatch goroutine preserves
// the order events were published, which keeps delivery FIFO per aggregate:
// the aggregate store publishes in persisted order. Subscribers never block
// the publisher; a full subscriber channel skips delivery, so consumers that
// need a loss signal must track (AggregateID, Version) gaps themselves.
type Bus struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
	doneCh      chan struct{}
}

const (
	intakeDepth     = 1024
	subscriberDepth = 64
)

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, intakeDepth),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start begins the dispatch loop
func (b *Bus) Start() {
	go b.run()
}

// Stop stops the bus and closes all subscriber channels
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		<-b.doneCh

		b.mu.Lock()
		defer b.mu.Unlock()
		for sub := range b.subscribers {
			close(sub)
		}
		b.subscribers = make(map[Subscriber]bool)
	})
}

// Subscribe creates a new subscription and returns a channel
func (b *Bus) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, subscriberDepth)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish enqueues an event for dispatch. Missing id and timestamp are
// filled in so consumers can always deduplicate.
func (b *Bus) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	metrics.EventsPublished.WithLabelValues(string(event.Type)).Inc()

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Bus) run() {
	defer close(b.doneCh)
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			// Drain what was accepted before stop so saves that already
			// published are not silently lost.
			for {
				select {
				case event := <-b.eventCh:
					b.broadcast(event)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
