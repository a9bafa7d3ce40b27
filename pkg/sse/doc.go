// Package sse relays domain events to server-sent-event subscribers.
// Each subscriber carries a filter and a bounded queue; the relay drops a
// subscriber that overflows its queue instead of blocking the event bus,
// heartbeats every 15 seconds and announces shutdown so clients reconnect
// cleanly.
package sse
