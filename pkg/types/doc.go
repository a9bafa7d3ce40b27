/*
Package types defines the domain model of the CML Cloud Manager: lablet
definitions, lablet instances (reservations) and workers, plus the value
records they share (capacity vectors, port templates, worker templates).

Definitions, instances and workers are aggregates: each carries a monotonic
persistence version and records domain events as it transitions. The
aggregate store (pkg/storage) publishes those events on a successful save;
no save, no event. State machines are closed — every transition method
validates against an explicit edge table and fails with InvalidTransition
without mutating anything.

Workers own their capacity and port bookkeeping. Both are changed only
through transition and reserve/release methods, so all per-worker mutation
funnels through the store's compare-and-swap and two placements can never
double-book capacity or ports.

Workers and instances reference each other by id only; the aggregate store
resolves the other side. No in-memory object graph crosses aggregate
boundaries.
*/
package types
