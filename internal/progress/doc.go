// Package progress carries run telemetry from the engine to pluggable sinks.
// Emit never blocks; a background goroutine batches events and fans them out
// to log, Prometheus and in-memory tally sinks.
package progress
