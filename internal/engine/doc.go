// Package engine implements the execution lifecycle: creation with defaults
// and validation, cancellation, status updates reported by reconciliation,
// job dispatch and log retrieval. Every status change goes through the
// store's atomic ApplyTransition; the engine never writes status directly.
package engine
