/*
Package pipeline turns scheduled reservations into running labs and
stopping reservations into stopped ones.

Instantiation runs five stages: allocate ports and move to INSTANTIATING,
fetch and verify the topology artifact, rewrite port placeholders, import
the topology onto the worker's lab host, start the lab and record its id.
External calls retry with capped exponential backoff on transient errors;
permanent errors fail fast. A terminal failure releases the instance's
ports and capacity and terminates it with the error as reason.

Work items deduplicate by instance id, so the scheduler re-dispatching on
every cycle costs nothing once an instance is in flight.
*/
package pipeline
