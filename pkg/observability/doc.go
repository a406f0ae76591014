/*
Package observability turns graph lifecycle events into logs and Prometheus
metrics.

Both are delivered as domain.LifecycleHooks, so they can be merged with any
other hooks and installed on a graph with runtime.WithHooks.
*/
package observability
