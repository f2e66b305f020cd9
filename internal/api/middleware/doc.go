// Package middleware provides Gin middleware for the telemetry API:
// CORS for local dashboards and per-client rate limiting.
package middleware
