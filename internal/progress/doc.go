// Package progress carries pipeline run and entry events from the
// orchestrator to pluggable sinks. Emit never blocks; a background goroutine
// batches events and fans them out.
package progress
