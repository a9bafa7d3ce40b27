// Package ports implements the per-worker port allocator: deterministic
// first-fit over the placeholder order, low port first, atomic via
// compare-and-swap on the coordination store, idempotent release.
package ports
