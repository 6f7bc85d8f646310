// Package progress streams per-item job progress. Workers emit events without blocking; a Hub
// batches them on a background goroutine and fans each batch out to pluggable sinks.
package progress
