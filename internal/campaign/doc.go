// Package campaign runs recipient-by-recipient delivery jobs against a
// session's connection.
//
// A run is keyed by (session id, kind) and at most one run per key is active
// at a time; registration is an atomic check-and-insert so two concurrent
// submissions cannot both start. Each accepted run executes on its own
// goroutine, paced by the per-recipient delay plus a global outbound rate
// limiter, and reports one progress event per recipient followed by a single
// terminal stopped/complete event.
//
// # Failure semantics
//
// Per-recipient failures (malformed line, provider rejection, send timeout)
// are recorded and never abort the run. Only an explicit stop request or
// exhausting the recipient list ends a run.
package campaign
