// Package storage provides the small persistence layer modules use for
// reply dedupe and an audit trail of posted actions.
//
// Scheduler and queue state is never stored here.
package storage
