package sse

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bvandewe/cml-cloud-manager/pkg/events"
	"github.com/bvandewe/cml-cloud-manager/pkg/log"
	"github.com/bvandewe/cml-cloud-manager/pkg/metrics"
)

const (
	// DefaultQueueDepth bounds each subscriber's queue; a subscriber that
	// falls this far behind is dropped rather than blocking the relay.
	DefaultQueueDepth = 1024

	// DefaultHeartbeatInterval spaces keep-alive events so idle clients
	// can detect a dead connection.
	DefaultHeartbeatInterval = 15 * time.Second

	// ReasonQueueOverflow is reported to a subscriber dropped for falling
	// behind.
	ReasonQueueOverflow = "queue_overflow"

	// ReasonShutdown is reported when the relay itself stops.
	ReasonShutdown = "shutdown"
)

// Filter narrows which events a subscriber receives. Empty slices match
// everything; a non-empty EventTypes must match the type, and a non-empty
// InstanceIDs or WorkerIDs must match the event's subject.
type Filter struct {
	InstanceIDs []string
	WorkerIDs   []string
	EventTypes  []events.EventType
}

// Subscription is one connected client. Events arrive on C until the
// relay closes it; CloseReason is set before C closes.
type Subscription struct {
	ID     string
	Filter Filter
	C      chan *events.Event

	mu     sync.Mutex
	reason string
}

// CloseReason reports why the relay closed this subscription, empty while
// it is still live.
func (s *Subscription) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Subscription) close(reason string) {
	s.mu.Lock()
	s.reason = reason
	s.mu.Unlock()
	close(s.C)
}

// Relay fans domain events out to SSE subscribers. It is a plain consumer
// of the event bus: one bus subscription in, N filtered bounded queues
// out. The relay never blocks on a slow subscriber.
type Relay struct {
	bus       *events.Bus
	depth     int
	heartbeat time.Duration

	mu   sync.Mutex
	subs map[string]*Subscription

	busCh  events.Subscriber
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRelay creates a relay on the bus. Zero depth or interval take the
// defaults.
func NewRelay(bus *events.Bus, queueDepth int, heartbeatInterval time.Duration) *Relay {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	return &Relay{
		bus:       bus,
		depth:     queueDepth,
		heartbeat: heartbeatInterval,
		subs:      make(map[string]*Subscription),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins relaying. Must be called once before Subscribe.
func (r *Relay) Start() {
	r.busCh = r.bus.Subscribe()
	go r.run()
	log.WithComponent("sse").Info().Msg("relay started")
}

// Stop broadcasts a shutdown event, closes every subscriber and stops the
// relay loop.
func (r *Relay) Stop() {
	close(r.stopCh)
	<-r.doneCh
	r.bus.Unsubscribe(r.busCh)

	shutdown := &events.Event{
		ID:        uuid.New().String(),
		Type:      events.EventSystemShutdown,
		Timestamp: time.Now(),
		Message:   "relay shutting down",
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sub := range r.subs {
		select {
		case sub.C <- shutdown:
		default:
		}
		sub.close(ReasonShutdown)
		delete(r.subs, id)
	}
	metrics.SSESubscribers.Set(0)
	log.WithComponent("sse").Info().Msg("relay stopped")
}

// Subscribe registers a client with the given filter.
func (r *Relay) Subscribe(filter Filter) *Subscription {
	sub := &Subscription{
		ID:     uuid.New().String(),
		Filter: filter,
		C:      make(chan *events.Event, r.depth),
	}
	r.mu.Lock()
	r.subs[sub.ID] = sub
	count := len(r.subs)
	r.mu.Unlock()
	metrics.SSESubscribers.Set(float64(count))
	log.WithComponent("sse").Debug().
		Str("subscription_id", sub.ID).
		Int("subscribers", count).
		Msg("subscriber registered")
	return sub
}

// Unsubscribe removes a client; its channel is closed with no reason.
func (r *Relay) Unsubscribe(id string) {
	r.mu.Lock()
	sub, ok := r.subs[id]
	if ok {
		delete(r.subs, id)
	}
	count := len(r.subs)
	r.mu.Unlock()
	if ok {
		sub.close("")
		metrics.SSESubscribers.Set(float64(count))
	}
}

// SubscriberCount returns the number of live subscriptions.
func (r *Relay) SubscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (r *Relay) run() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case event, ok := <-r.busCh:
			if !ok {
				return
			}
			r.broadcast(event, true)
		case <-ticker.C:
			r.broadcast(&events.Event{
				ID:        uuid.New().String(),
				Type:      events.EventSystemHeartbeat,
				Timestamp: time.Now(),
			}, false)
		}
	}
}

// broadcast delivers the event to matching subscribers; filtered controls
// whether subscriber filters apply (heartbeats go to everyone).
func (r *Relay) broadcast(event *events.Event, filtered bool) {
	var dropped []*Subscription

	r.mu.Lock()
	for id, sub := range r.subs {
		if filtered && !matches(sub.Filter, event) {
			continue
		}
		select {
		case sub.C <- event:
		default:
			delete(r.subs, id)
			dropped = append(dropped, sub)
		}
	}
	count := len(r.subs)
	r.mu.Unlock()

	for _, sub := range dropped {
		sub.close(ReasonQueueOverflow)
		metrics.SSEDropped.Inc()
		log.WithComponent("sse").Warn().
			Str("subscription_id", sub.ID).
			Msg("dropped subscriber: queue overflow")
	}
	if len(dropped) > 0 {
		metrics.SSESubscribers.Set(float64(count))
	}
}

// matches applies the subscriber filter: every non-empty clause must
// accept the event.
func matches(f Filter, e *events.Event) bool {
	if len(f.EventTypes) > 0 && !containsType(f.EventTypes, e.Type) {
		return false
	}
	if len(f.InstanceIDs) > 0 || len(f.WorkerIDs) > 0 {
		return subjectMatches(f.InstanceIDs, e, "instance_id") ||
			subjectMatches(f.WorkerIDs, e, "worker_id")
	}
	return true
}

func containsType(types []events.EventType, t events.EventType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

// subjectMatches accepts the event when its aggregate or the named
// metadata field is one of the wanted IDs.
func subjectMatches(ids []string, e *events.Event, metaKey string) bool {
	for _, id := range ids {
		if e.AggregateID == id {
			return true
		}
		if e.Metadata != nil && e.Metadata[metaKey] == id {
			return true
		}
	}
	return false
}
