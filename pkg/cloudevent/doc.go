/*
Package cloudevent connects the manager to the external assessment bus.

Outbound, every lifecycle transition is published as a CloudEvents 1.0
event to the configured sink: delivery is asynchronous relative to
aggregate saves, retried on failure and deduplicated by event ID.

Inbound, the Router accepts assessment events and applies them to
instances: collection completion moves the instance to grading, grading
completion records the score and requests the stop. Inbound IDs are
deduplicated against a TTL set in the coordination store so redelivered
events are acknowledged without reapplying.
*/
package cloudevent
