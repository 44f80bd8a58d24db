// Package services builds conductor's components and owns their teardown.
//
// Build wires stores, the execution backend, the event bus, the worker
// orchestrator, the convergence engine and the pipeline runner from a
// config.Config. The returned Registry exposes each component through an
// accessor; Close releases them in reverse construction order.
package services
