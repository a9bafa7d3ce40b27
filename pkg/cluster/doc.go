// Package cluster replicates aggregate records between manager nodes
// over Raft. Each node's store remains its local source of truth; the
// leader proposes every saved record into the log so standbys hold
// current state when leadership and the scheduler/controller leases move.
package cluster
