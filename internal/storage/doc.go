// Package storage persists campaign run history.
//
// History is an operator convenience, not a correctness requirement: the
// engine treats a nil or failing store as best-effort and never blocks a run
// on it.
package storage
