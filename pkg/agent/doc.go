// Package agent holds agent definitions: the programs and actions of each
// agent type, the states in which actions are legal, lifecycle hooks and
// operation input shapes.
//
// Invariants:
// - Operation names are unique within an agent type.
// - Programs run on a fresh or uninitialized process; actions only in their registered states.
// - No operation runs in a final state (terminated, http_error, unhandled_error).
//
// Usage:
//
//	reg := agent.NewRegistry()
//	_ = reg.RegisterProgram("HelloWorld", "idle", idle, agent.Param{Name: "name", Type: "string", Required: true})
//	_ = reg.RegisterAction("HelloWorld", "wave", wave, "idle")
//	op, res := reg.Resolve("HelloWorld", "idle", agent.StateUninitialized, true)
package agent
