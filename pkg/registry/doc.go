// Package registry wires one manager node together: stores, event bus,
// port allocator, electors, scheduler, controller, pipeline, SSE relay
// and the CloudEvents bridge, with a defined startup and shutdown order.
// It also exposes the administrative command surface for definitions,
// instances and workers.
package registry
