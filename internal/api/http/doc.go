// Package http serves the read-only telemetry and debug API:
// scheduler stats, the dispatch-event ring, latency quantiles, task
// listings, and Prometheus metrics. Queries pass through the root
// task's telemetry capability.
package http
