// Package workflow drives one research session through its fixed stage
// state machine: Intake -> Clarify -> Brief -> Supervise <-> Research ->
// Compress -> Finalise -> Completed/Error.
//
// Engine holds no per-stage state of its own; each step of Run loads
// the session from the Store, runs exactly one stage's handler, and writes
// the result back through an atomic Mutator. External IO (LLM Gateway and
// Search Gateway calls) always happens outside the mutator closure, since
// the Store's optimistic-concurrency retry may invoke it more than once on
// a lost race.
package workflow
