// Package orchestrator drives tasks through the optimize, train, evaluate
// lifecycle.
//
// # Overview
//
// The Orchestrator is the only writer of task status and of the execution
// ledger. Each running task has exactly one driver goroutine, guarded by a
// lease, and at most Config.MaxConcurrentTasks drivers run at once.
//
// # Driver Loop
//
// The driver holds no state between turns. Every turn it re-reads the task
// and the ledger rows of the current iteration and picks the next step:
//
//	optimization row missing -> dispatch optimization
//	training row missing     -> dispatch training
//	evaluation row missing   -> dispatch evaluation
//	all three completed      -> loop (iteration+1) or complete
//
// Because the plan is derived from persisted state, a driver relaunched
// after a restart continues exactly where the previous one stopped.
//
// # Control Requests
//
// Suspend and Cancel on a running task only record a request. The driver
// applies it before its next dispatch, so an in-flight collaborator call
// always runs to completion and its result is recorded first. Pending and
// suspended tasks are cancelled immediately.
//
// # Continuous Mode
//
// Iteration 0 optimizes without guidance. Later iterations derive Guidance
// from the previous evaluation's suggestions. The loop continues while
// ShouldContinueIteration holds.
//
// # Usage Example
//
//	orch, err := orchestrator.New(orchestrator.Dependencies{
//	    Repo:      store,
//	    Datasets:  datasets,
//	    Optimizer: optimizer,
//	    Trainer:   trainer,
//	    Evaluator: evaluator,
//	}, orchestrator.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	if err := orch.Start(ctx, taskID); err != nil {
//	    return err
//	}
//	err = orch.Wait(ctx, taskID)
package orchestrator
