/*
Package coordination is the arbiter of global ordering: leased keys with
fencing epochs, atomic compare-and-swap, prefix watches and the TTL dedup
set for inbound events.

Key layout:

	/leader/{service}              leader lease (scheduler, controller)
	/events/processed/{event_id}   inbound dedup entries with TTL
	/workers/{id}/ports            per-worker port allocation list

The Elector wraps acquire/renew into a loop with a short TTL (15 s, renewed
every 5 s). Every mutation a leader loop issues carries the epoch captured
at cycle start; Held(epoch) is re-checked before each write so a loop that
silently lost its lease stops mutating within one renewal interval.
*/
package coordination
