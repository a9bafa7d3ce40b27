package cloudevent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/patrickmn/go-cache"

	"github.com/bvandewe/cml-cloud-manager/pkg/coordination"
	"github.com/bvandewe/cml-cloud-manager/pkg/errdefs"
	"github.com/bvandewe/cml-cloud-manager/pkg/log"
	"github.com/bvandewe/cml-cloud-manager/pkg/metrics"
	"github.com/bvandewe/cml-cloud-manager/pkg/storage"
	"github.com/bvandewe/cml-cloud-manager/pkg/types"
)

// Inbound event types understood by the router.
const (
	TypeCollectionCompleted = "assessment.collection.completed"
	TypeGradingCompleted    = "assessment.grading.completed"
)

// DefaultDedupTTL is how long an inbound event ID stays in the processed
// set.
const DefaultDedupTTL = 24 * time.Hour

type assessmentPayload struct {
	InstanceID string   `json:"instance_id"`
	Score      *float64 `json:"score,omitempty"`
}

// Router receives assessment CloudEvents and applies the corresponding
// instance transitions. Events are deduplicated by ID against a TTL set
// in the coordination store, with an in-process cache in front of it.
type Router struct {
	store    storage.Store
	coord    *coordination.Store
	dedupTTL time.Duration
	seen     *cache.Cache
}

// NewRouter builds a router over the aggregate and coordination stores.
func NewRouter(store storage.Store, coord *coordination.Store, dedupTTL time.Duration) *Router {
	if dedupTTL <= 0 {
		dedupTTL = DefaultDedupTTL
	}
	return &Router{
		store:    store,
		coord:    coord,
		dedupTTL: dedupTTL,
		seen:     cache.New(dedupTTL, 1*time.Hour),
	}
}

// Handler returns an HTTP handler accepting CloudEvents in binary or
// structured mode.
func (r *Router) Handler(ctx context.Context) (http.Handler, error) {
	p, err := cloudevents.NewHTTP()
	if err != nil {
		return nil, err
	}
	return cloudevents.NewHTTPReceiveHandler(ctx, p, r.Receive)
}

// Receive routes one inbound event. Unknown types are acknowledged and
// ignored so unrelated traffic on the shared bus does not produce
// redelivery storms.
func (r *Router) Receive(ctx context.Context, event cloudevents.Event) error {
	logger := log.WithComponent("cloudevent")

	if _, dup := r.seen.Get(event.ID()); dup {
		metrics.CloudEventsInbound.WithLabelValues(event.Type(), "duplicate").Inc()
		return nil
	}
	processed, err := r.coord.WasProcessed(event.ID())
	if err != nil {
		return err
	}
	if processed {
		r.seen.SetDefault(event.ID(), struct{}{})
		metrics.CloudEventsInbound.WithLabelValues(event.Type(), "duplicate").Inc()
		return nil
	}

	var payload assessmentPayload
	switch event.Type() {
	case TypeCollectionCompleted, TypeGradingCompleted:
		if err := json.Unmarshal(event.Data(), &payload); err != nil {
			metrics.CloudEventsInbound.WithLabelValues(event.Type(), "malformed").Inc()
			logger.Warn().Err(err).Str("event_id", event.ID()).Msg("malformed assessment payload")
			r.markProcessed(event.ID())
			return nil
		}
		if payload.InstanceID == "" {
			payload.InstanceID = event.Subject()
		}
	default:
		metrics.CloudEventsInbound.WithLabelValues(event.Type(), "ignored").Inc()
		r.markProcessed(event.ID())
		return nil
	}

	switch event.Type() {
	case TypeCollectionCompleted:
		err = r.applyInstance(payload.InstanceID, func(inst *types.LabletInstance) error {
			return inst.BeginGrading()
		})
	case TypeGradingCompleted:
		if payload.Score == nil {
			metrics.CloudEventsInbound.WithLabelValues(event.Type(), "malformed").Inc()
			logger.Warn().Str("event_id", event.ID()).Msg("grading completed without a score")
			r.markProcessed(event.ID())
			return nil
		}
		err = r.applyInstance(payload.InstanceID, func(inst *types.LabletInstance) error {
			return inst.CompleteGrading(*payload.Score)
		})
	}
	if err != nil {
		// Transition errors are terminal for this event: the instance has
		// moved past the state the assessment refers to.
		if errors.Is(err, errdefs.ErrInvalidTransition) || errors.Is(err, errdefs.ErrNotFound) {
			metrics.CloudEventsInbound.WithLabelValues(event.Type(), "stale").Inc()
			logger.Debug().
				Err(err).
				Str("instance_id", payload.InstanceID).
				Str("event_type", event.Type()).
				Msg("assessment event no longer applicable")
			r.markProcessed(event.ID())
			return nil
		}
		// Not marked processed: the sender redelivers and the apply is
		// retried with the dedup check still open.
		metrics.CloudEventsInbound.WithLabelValues(event.Type(), "error").Inc()
		return err
	}

	r.markProcessed(event.ID())
	metrics.CloudEventsInbound.WithLabelValues(event.Type(), "ok").Inc()
	logger.Info().
		Str("instance_id", payload.InstanceID).
		Str("event_type", event.Type()).
		Msg("applied assessment event")
	return nil
}

// markProcessed records the event in the dedup set once its outcome is
// settled. A failed write is tolerable: a redelivery re-applies against
// the state machine, which rejects the repeat as stale.
func (r *Router) markProcessed(eventID string) {
	if _, err := r.coord.MarkProcessed(eventID, r.dedupTTL); err != nil {
		log.WithComponent("cloudevent").Warn().Err(err).Str("event_id", eventID).Msg("failed to record processed event")
	}
	r.seen.SetDefault(eventID, struct{}{})
}

// applyInstance reloads, mutates and saves the instance under the usual
// optimistic-concurrency retry.
func (r *Router) applyInstance(instanceID string, mutate func(*types.LabletInstance) error) error {
	return storage.RetryOnConflict(func() error {
		inst, err := r.store.GetInstance(instanceID)
		if err != nil {
			return err
		}
		expected := inst.CurrentVersion()
		if err := mutate(inst); err != nil {
			return err
		}
		return r.store.SaveInstance(inst, expected)
	})
}
