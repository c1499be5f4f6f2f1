package agent

import (
	"context"
	"fmt"
	"strings"
)

// Built-in process states.
const (
	StateUninitialized  = "uninitialized"
	StateTerminated     = "terminated"
	StateHTTPError      = "http_error"
	StateUnhandledError = "unhandled_error"
)

// IsFinal reports whether no operation may run in state.
func IsFinal(state string) bool {
	switch state {
	case StateTerminated, StateHTTPError, StateUnhandledError:
		return true
	}
	return false
}

// Kind says how an operation may be called. An operation can be both a
// program and an action.
type Kind uint8

const (
	// Program operations create or initialize a process.
	Program Kind = 1 << iota
	// Action operations run only in their registered states.
	Action
)

// Has reports whether k includes other.
func (k Kind) Has(other Kind) bool {
	return k&other != 0
}

func (k Kind) String() string {
	parts := []string{}
	if k.Has(Program) {
		parts = append(parts, "program")
	}
	if k.Has(Action) {
		parts = append(parts, "action")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

// Call is the input of a single operation invocation.
type Call struct {
	AgentType string
	ProcessID string
	Operation string
	State     string
	Input     map[string]interface{}
}

// Arg returns the named input value.
func (c Call) Arg(name string) interface{} {
	if c.Input == nil {
		return nil
	}
	return c.Input[name]
}

// StringArg returns the named input value formatted as a string.
func (c Call) StringArg(name string) string {
	switch v := c.Arg(name).(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Handler implements an operation.
type Handler func(ctx context.Context, call Call) (Outcome, error)

// HookFunc is a process lifecycle hook.
type HookFunc func(ctx context.Context, processID string) error

// Param declares one named input of an operation.
type Param struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description,omitempty"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// Operation is a registry entry.
type Operation struct {
	Name        string
	Kind        Kind
	States      []string
	Params      []Param
	Description string
	Handler     Handler
}

// AllowedIn reports whether the operation is registered as an action for state.
func (o Operation) AllowedIn(state string) bool {
	if !o.Kind.Has(Action) {
		return false
	}
	for _, s := range o.States {
		if s == state {
			return true
		}
	}
	return false
}

// OperationInfo describes an operation to callers.
type OperationInfo struct {
	Name        string                 `json:"name"`
	Kind        string                 `json:"kind"`
	States      []string               `json:"states,omitempty"`
	Description string                 `json:"description,omitempty"`
	Schema      map[string]interface{} `json:"schema"`
}

// Descriptor is the public view of an agent definition.
type Descriptor struct {
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Programs    []string            `json:"programs"`
	Actions     map[string][]string `json:"actions"`
	Operations  []OperationInfo     `json:"operations"`
}
