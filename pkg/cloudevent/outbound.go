package cloudevent

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/patrickmn/go-cache"

	"github.com/bvandewe/cml-cloud-manager/pkg/events"
	"github.com/bvandewe/cml-cloud-manager/pkg/log"
	"github.com/bvandewe/cml-cloud-manager/pkg/metrics"
)

// transitionPayload is the data section of outbound lifecycle events.
type transitionPayload struct {
	AggregateID string            `json:"aggregate_id"`
	Version     uint64            `json:"version"`
	Message     string            `json:"message,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Publisher forwards every domain event to the configured CloudEvents
// sink. It consumes the bus asynchronously so aggregate saves never wait
// on the sink, retries transient delivery failures and deduplicates by
// event ID across retries.
type Publisher struct {
	client cloudevents.Client
	source string
	bus    *events.Bus

	sent   *cache.Cache
	busCh  events.Subscriber
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPublisher builds a publisher targeting sinkURL. An empty sinkURL
// disables outbound publishing; NewPublisher then returns nil and callers
// skip Start.
func NewPublisher(bus *events.Bus, sinkURL, source string) (*Publisher, error) {
	if sinkURL == "" {
		return nil, nil
	}
	p, err := cloudevents.NewHTTP(cloudevents.WithTarget(sinkURL))
	if err != nil {
		return nil, err
	}
	client, err := cloudevents.NewClient(p, cloudevents.WithTimeNow())
	if err != nil {
		return nil, err
	}
	return &Publisher{
		client: client,
		source: source,
		bus:    bus,
		sent:   cache.New(1*time.Hour, 10*time.Minute),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start begins consuming the bus.
func (p *Publisher) Start() {
	p.busCh = p.bus.Subscribe()
	go p.run()
	log.WithComponent("cloudevent").Info().Str("source", p.source).Msg("outbound publisher started")
}

// Stop detaches from the bus and waits for the in-flight send to finish.
func (p *Publisher) Stop() {
	close(p.stopCh)
	<-p.doneCh
	p.bus.Unsubscribe(p.busCh)
}

func (p *Publisher) run() {
	defer close(p.doneCh)
	for {
		select {
		case <-p.stopCh:
			return
		case event, ok := <-p.busCh:
			if !ok {
				return
			}
			if event.Type == events.EventSystemHeartbeat {
				continue
			}
			p.send(event)
		}
	}
}

func (p *Publisher) send(event *events.Event) {
	if _, dup := p.sent.Get(event.ID); dup {
		return
	}

	ce := cloudevents.NewEvent()
	ce.SetID(event.ID)
	ce.SetType(string(event.Type))
	ce.SetSource(p.source)
	ce.SetSubject(event.AggregateID)
	ce.SetTime(event.Timestamp)
	if err := ce.SetData(cloudevents.ApplicationJSON, transitionPayload{
		AggregateID: event.AggregateID,
		Version:     event.Version,
		Message:     event.Message,
		Metadata:    event.Metadata,
	}); err != nil {
		log.WithComponent("cloudevent").Error().Err(err).Str("event_id", event.ID).Msg("failed to encode event")
		return
	}

	err := retry.Do(
		func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			result := p.client.Send(ctx, ce)
			if cloudevents.IsACK(result) {
				return nil
			}
			return result
		},
		retry.Delay(1*time.Second),
		retry.Attempts(3),
	)
	if err != nil {
		metrics.CloudEventsOutbound.WithLabelValues("error").Inc()
		log.WithComponent("cloudevent").Warn().
			Err(err).
			Str("event_id", event.ID).
			Str("event_type", string(event.Type)).
			Msg("failed to deliver event to sink")
		return
	}
	p.sent.SetDefault(event.ID, struct{}{})
	metrics.CloudEventsOutbound.WithLabelValues("ok").Inc()
}
