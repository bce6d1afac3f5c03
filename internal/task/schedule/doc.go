// Package schedule runs recurring units of work cooperatively.
//
// A Scheduler owns a set of tasks, each with a due time, a repeat budget and
// a busy flag. The host loop calls Tick every few milliseconds; each Tick runs
// the body of at most one due task (earliest due first, ties by registration
// order) to completion before returning. A task that reports Skip lets the
// same Tick move on to the next due task.
//
// Nothing here spawns goroutines: all concurrency comes from the caller.
package schedule
