// Command execd boots the kernel, runs the per-core dispatch loops,
// and serves the telemetry/debug HTTP API until SIGINT or SIGTERM.
package main
