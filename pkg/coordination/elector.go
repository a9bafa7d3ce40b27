package coordination

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bvandewe/cml-cloud-manager/pkg/log"
	"github.com/bvandewe/cml-cloud-manager/pkg/metrics"
)

const (
	// DefaultLeaseTTL is how long a leader lease lives without renewal.
	DefaultLeaseTTL = 15 * time.Second
	// renewInterval is how often a held lease is renewed, TTL/3.
	renewInterval = 5 * time.Second
)

// Elector runs short-lease leader election for one named service (the
// scheduler or the resource controller). Exactly one node holds the lease;
// the rest idle and retry. Loss of the lease flips IsLeader immediately so
// loops suspend before their next mutation.
type Elector struct {
	store   *Store
	service string
	nodeID  string
	ttl     time.Duration
	logger  zerolog.Logger

	mu     sync.RWMutex
	leader bool
	epoch  uint64

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// NewElector creates an elector for /leader/{service}.
func NewElector(store *Store, service, nodeID string, ttl time.Duration) *Elector {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Elector{
		store:   store,
		service: service,
		nodeID:  nodeID,
		ttl:     ttl,
		logger:  log.WithComponent("elector").With().Str("service", service).Logger(),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

func (e *Elector) key() string {
	return "/leader/" + e.service
}

// Start begins the acquire/renew loop.
func (e *Elector) Start() {
	go e.run()
}

// Stop releases the lease and stops the loop.
func (e *Elector) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		<-e.doneCh
		if err := e.store.ReleaseLease(e.key(), e.nodeID); err != nil {
			e.logger.Warn().Err(err).Msg("failed to release lease")
		}
		e.setLeader(false, 0)
	})
}

// IsLeader reports whether this node currently holds the lease.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.leader
}

// Epoch returns the fencing epoch of the held lease, zero when not leading.
// Loops capture the epoch at cycle start and re-check it before each
// mutation; a changed epoch means the lease moved and the write must not
// be issued.
func (e *Elector) Epoch() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.leader {
		return 0
	}
	return e.epoch
}

// Held reports whether the given epoch still fences a valid leadership.
func (e *Elector) Held(epoch uint64) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.leader && e.epoch == epoch
}

func (e *Elector) setLeader(leader bool, epoch uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leader = leader
	e.epoch = epoch
	value := 0.0
	if leader {
		value = 1.0
	}
	metrics.IsLeader.WithLabelValues(e.service).Set(value)
}

func (e *Elector) run() {
	defer close(e.doneCh)
	ticker := time.NewTicker(renewInterval)
	defer ticker.Stop()

	e.tick()
	for {
		select {
		case <-ticker.C:
			e.tick()
		case <-e.stopCh:
			return
		}
	}
}

func (e *Elector) tick() {
	if e.IsLeader() {
		if err := e.store.RenewLease(e.key(), e.nodeID, e.ttl); err != nil {
			e.logger.Warn().Err(err).Msg("lost leadership")
			e.setLeader(false, 0)
		}
		return
	}

	epoch, err := e.store.AcquireLease(e.key(), e.nodeID, e.ttl)
	if err != nil {
		// Someone else holds it; stay idle.
		return
	}
	e.logger.Info().Uint64("epoch", epoch).Msg("acquired leadership")
	e.setLeader(true, epoch)
}

// WaitForLeadership blocks until this node leads or ctx is done.
func (e *Elector) WaitForLeadership(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if e.IsLeader() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
