// Package engine dispatches operations against processes and records their
// outcome.
//
// Invariants:
// - Dispatches of one process never overlap; a second one is rejected or queued.
// - Admission failures (not found, illegal state, invalid input, busy) never touch the record.
// - A run that executed always records its outcome before emitting agent_state.
// - A failed run records http_error or unhandled_error; a clean one its declared state or terminated.
// - A canceled run closes its open contexts without success.
//
// Usage:
//
//	eng, _ := engine.New(engine.Config{Registry: reg, Store: st, Hub: hub, Logger: log})
//	run, err := eng.Dispatch(ctx, engine.Request{AgentType: "HelloWorld", Operation: "idle", Input: "world"})
//	for e := range run.Events() {
//		...
//	}
//	status, err := run.Result()
package engine
