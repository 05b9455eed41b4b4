// Package queue persists the upload work queue in SQLite. Entries are
// keyed by file identity hash so enqueueing is idempotent, and every
// mutation is a single transaction, which is what makes the queue safe to
// reload after a crash: in-flight entries are simply reset to pending and
// re-attempted against the same deterministic remote key.
package queue
