// Package envelope defines the application-level payloads exchanged over a
// JSONL worker session: results, errors, progress updates, and log batches.
//
// Envelopes are nested inside the transport frame's data (or error) field and
// carry their own schema tag, timestamp, and, for request-scoped envelopes, a
// per-request sequence number injected by the worker at emission time. Callers
// construct envelopes with the New* helpers and hand them to the worker; they
// never stamp seq themselves.
package envelope
