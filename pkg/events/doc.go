/*
Package events implements the in-process domain event bus.

Aggregate saves are the only publishers: pkg/storage emits an aggregate's
uncommitted events after a successful compare-and-swap write, in persisted
order. One dispatch goroutine broadcasts to subscriber channels, so delivery
is FIFO per aggregate. Delivery is at-least-once within a process and
best-effort across restarts; consumers deduplicate on (AggregateID, Version)
or the event id.

Subscribers receive on buffered channels and must drain promptly; the bus
skips a full subscriber rather than blocking the publisher. The SSE relay
(pkg/sse) and the CloudEvents publisher (pkg/cloudevent) layer their own
queueing and overflow policies on top of this contract.
*/
package events
