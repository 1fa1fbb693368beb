// Package task defines the task record, its status state machine, and the
// per-phase execution ledger.
//
// A task moves through optimization, training, and evaluation phases. A
// Standard task runs the cycle once. A Continuous task repeats it until a
// termination condition is reached (iteration cap or score threshold).
//
// # State Machine
//
//	pending    -> optimizing | cancelled
//	optimizing -> training | failed | cancelled
//	training   -> evaluating | failed | cancelled
//	evaluating -> completed | looping | failed | cancelled
//	looping    -> optimizing | completed | cancelled
//	suspended  -> optimizing | training | evaluating | cancelled
//
// completed, failed and cancelled are terminal. Entry into suspended is not
// a status transition: it is a control action (see Task.Suspend) permitted
// only from a running state at a phase boundary.
//
// # Ledger
//
// Every phase dispatch appends one PhaseExecution row keyed by
// (task, iteration, phase). A row starts running and is closed exactly once,
// as completed or failed.
//
// Persistence is behind the Repository interface. Task updates are
// optimistically versioned; use Mutate for read-modify-write with retry.
package task
