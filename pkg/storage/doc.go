/*
Package storage persists aggregates with optimistic concurrency on bbolt.

One record per aggregate, keyed by id, carrying the serialized state and a
monotonic version. Save compares the stored version against the caller's
expected version inside the write transaction; on a match it increments the
version, writes, and publishes the aggregate's uncommitted events on the
event bus in recorded order. On a mismatch nothing is written or published
and the caller sees ErrConflict. Save is therefore the only path that
publishes domain events: no save, no event.

Commands follow load-mutate-save and wrap the whole closure in
RetryOnConflict, which retries a small bounded number of times with
jittered backoff before surfacing the conflict.

The audit bucket is an append-only log of scaling actions, keyed by
timestamp so retention pruning is a range delete.
*/
package storage
