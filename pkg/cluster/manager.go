package cluster

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/bvandewe/cml-cloud-manager/pkg/log"
	"github.com/bvandewe/cml-cloud-manager/pkg/storage"
)

const applyTimeout = 10 * time.Second

// Manager runs the Raft layer replicating aggregate state between
// manager nodes. The aggregate store stays the source of truth on each
// node; Raft carries saved records to peers so a standby holds current
// state when the leases move.
type Manager struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft  *raft.Raft
	fsm   *FSM
	store *storage.BoltStore
}

// Config holds configuration for creating a Manager
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// NewManager creates the cluster layer over an open store.
func NewManager(cfg *Config, store *storage.BoltStore) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	m := &Manager{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      NewFSM(cfg.NodeID, store),
		store:    store,
	}
	store.SetMirror(m.mirrorSave)
	return m, nil
}

// open builds the Raft instance shared by Bootstrap and Join.
func (m *Manager) open() error {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)

	// Tuned below the library defaults: managers share a LAN and the
	// leases assume failover inside their 15 s TTL.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(m.dataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("failed to create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}
	m.raft = r
	return nil
}

// Bootstrap starts a new single-node cluster.
func (m *Manager) Bootstrap() error {
	if err := m.open(); err != nil {
		return err
	}
	configuration := raft.Configuration{
		Servers: []raft.Server{
			{
				ID:      raft.ServerID(m.nodeID),
				Address: raft.ServerAddress(m.bindAddr),
			},
		},
	}
	if err := m.raft.BootstrapCluster(configuration).Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}
	log.WithComponent("cluster").Info().
		Str("node_id", m.nodeID).
		Str("bind_addr", m.bindAddr).
		Msg("cluster bootstrapped")
	return nil
}

// Join starts the Raft layer expecting to be added as a voter by the
// current leader.
func (m *Manager) Join() error {
	if err := m.open(); err != nil {
		return err
	}
	log.WithComponent("cluster").Info().
		Str("node_id", m.nodeID).
		Msg("awaiting voter registration")
	return nil
}

// AddVoter registers a peer; leader only.
func (m *Manager) AddVoter(nodeID, addr string) error {
	if m.raft.State() != raft.Leader {
		return fmt.Errorf("not the leader")
	}
	if err := m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, applyTimeout).Error(); err != nil {
		return fmt.Errorf("failed to add voter %s: %w", nodeID, err)
	}
	log.WithComponent("cluster").Info().
		Str("peer_id", nodeID).
		Str("peer_addr", addr).
		Msg("voter added")
	return nil
}

// IsLeader reports whether this node leads the Raft cluster.
func (m *Manager) IsLeader() bool {
	return m.raft != nil && m.raft.State() == raft.Leader
}

// LeaderAddr returns the current leader's transport address.
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	return string(m.raft.Leader())
}

// Shutdown stops the Raft layer.
func (m *Manager) Shutdown() error {
	if m.raft == nil {
		return nil
	}
	return m.raft.Shutdown().Error()
}

// mirrorSave replicates one saved record to peers. Called by the store
// after every successful save on this node; only the leader proposes, so
// saves on a node that lost leadership mid-save are replicated on its
// next successful cycle instead.
func (m *Manager) mirrorSave(kind, id string, doc []byte) {
	if m.raft == nil || m.raft.State() != raft.Leader {
		return
	}
	m.apply(Command{Op: "put_record", Origin: m.nodeID, Kind: kind, ID: id, Data: doc})
}

// MirrorDelete replicates a worker deletion.
func (m *Manager) MirrorDelete(workerID string) {
	if m.raft == nil || m.raft.State() != raft.Leader {
		return
	}
	m.apply(Command{Op: "delete_worker", Origin: m.nodeID, ID: workerID})
}

func (m *Manager) apply(cmd Command) {
	data, err := json.Marshal(cmd)
	if err != nil {
		log.WithComponent("cluster").Error().Err(err).Msg("failed to encode command")
		return
	}
	if err := m.raft.Apply(data, applyTimeout).Error(); err != nil {
		log.WithComponent("cluster").Warn().
			Err(err).
			Str("op", cmd.Op).
			Str("record_id", cmd.ID).
			Msg("replication apply failed")
	}
}
