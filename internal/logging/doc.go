// Package logging provides structured logging for trainloop.
//
// Logger wraps zap. Every method takes a context and prepends correlation
// fields found in it:
//
//	trace_id, span_id   active OpenTelemetry span
//	task.id             WithTaskID
//	task.phase          WithPhase
//	task.iteration      WithPhase
//	request.id          WithRequestID
//
// Usage:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithTaskID(ctx, t.ID)
//	ctx = logging.WithPhase(ctx, task.PhaseTraining, t.CurrentIteration)
//	logger.Info(ctx, "phase started")
//
// Output goes to stdout, to an OpenTelemetry LoggerProvider, or both.
// Entries below Error are sampled per message; Error and above never are.
// Keys listed in RedactionConfig.Fields and values matching its patterns
// are masked before they reach stdout. Collaborator API keys and database
// passwords are covered by the defaults.
//
// Tests use NewTestLogger and its Assert helpers.
package logging
