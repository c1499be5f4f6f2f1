// Package examples provides the built-in demonstration agents.
package examples

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/harun/procd/pkg/agent"
	"github.com/harun/procd/pkg/event"
)

// Agent type names.
const (
	HelloWorldType    = "HelloWorld"
	StateMachineType  = "StateMachine"
	StateMachine2Type = "StateMachine2"
)

// ProcessSet records the ids seen by the HelloWorld lifecycle hooks.
type ProcessSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// NewProcessSet creates an empty set.
func NewProcessSet() *ProcessSet {
	return &ProcessSet{ids: make(map[string]struct{})}
}

func (s *ProcessSet) add(ctx context.Context, processID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[processID] = struct{}{}
	return nil
}

func (s *ProcessSet) remove(ctx context.Context, processID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[processID]; !ok {
		return fmt.Errorf("process %s was never created", processID)
	}
	delete(s.ids, processID)
	return nil
}

// Has reports whether id is in the set.
func (s *ProcessSet) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

// IDs returns the ids in the set, sorted.
func (s *ProcessSet) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.ids))
	for id := range s.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Register defines every built-in agent on reg. created receives the
// HelloWorld hook calls and may be nil.
func Register(reg *agent.Registry, created *ProcessSet) error {
	if created == nil {
		created = NewProcessSet()
	}
	return errors.Join(
		RegisterHelloWorld(reg, created),
		RegisterStateMachine(reg),
	)
}

var nameParam = agent.Param{Name: "name", Type: "string", Required: true}

// RegisterHelloWorld defines the HelloWorld agent.
func RegisterHelloWorld(reg *agent.Registry, created *ProcessSet) error {
	if err := reg.Define(HelloWorldType,
		agent.WithDescription("Greets people, streaming or not."),
		agent.WithCreateHook(created.add),
		agent.WithDeleteHook(created.remove),
	); err != nil {
		return err
	}

	return errors.Join(
		reg.RegisterProgram(HelloWorldType, "idle", idle, nameParam),
		reg.RegisterProgram(HelloWorldType, "idle_streaming", idleStreaming, nameParam),
		reg.RegisterProgram(HelloWorldType, "lots_o_context", lotsOContext),
	)
}

func greet(name string) (string, error) {
	switch strings.ToLower(name) {
	case "hello":
		return "", agent.Fail(418, "hello is not a name")
	case "error":
		return "", errors.New("big bad server error")
	}
	return fmt.Sprintf("Hello, %s!", name), nil
}

func idle(ctx context.Context, call agent.Call) (agent.Outcome, error) {
	greeting, err := greet(call.StringArg("name"))
	if err != nil {
		return agent.Outcome{}, err
	}
	return agent.Return(greeting), nil
}

func idleStreaming(ctx context.Context, call agent.Call) (agent.Outcome, error) {
	return agent.Stream(func(ctx context.Context, s *event.Stream) error {
		greeting, err := greet(call.StringArg("name"))
		if err != nil {
			return err
		}
		return s.Output(ctx, greeting)
	}), nil
}

func lotsOContext(ctx context.Context, call agent.Call) (agent.Outcome, error) {
	return agent.Stream(func(ctx context.Context, s *event.Stream) error {
		if err := outputs(ctx, s, "1", "2"); err != nil {
			return err
		}
		if err := s.Context(ctx, "c1", "c1", func(ctx context.Context, s *event.Stream) error {
			return outputs(ctx, s, "3", "4")
		}); err != nil {
			return err
		}
		return s.Context(ctx, "c2", "c2", func(ctx context.Context, s *event.Stream) error {
			if err := outputs(ctx, s, "5", "6"); err != nil {
				return err
			}
			return s.Context(ctx, "c3", "c3", func(ctx context.Context, s *event.Stream) error {
				return outputs(ctx, s, "7", "8")
			})
		})
	}), nil
}

func outputs(ctx context.Context, s *event.Stream, chunks ...string) error {
	for _, chunk := range chunks {
		if err := s.Output(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

// RegisterStateMachine defines StateMachine and StateMachine2, a separate
// agent type with the same operations.
func RegisterStateMachine(reg *agent.Registry) error {
	if err := reg.Define(StateMachineType, agent.WithDescription("A small state machine.")); err != nil {
		return err
	}

	err := errors.Join(
		reg.Register(StateMachineType, agent.Operation{
			Name:    "action_program",
			Kind:    agent.Program | agent.Action,
			States:  []string{"ap"},
			Handler: transitionTo("ap", "default response"),
		}),
		reg.RegisterProgram(StateMachineType, "idle", stateMachineIdle,
			agent.Param{Name: "desired_state", Type: "string", Required: true},
			agent.Param{Name: "response", Type: "string", Required: true},
		),
		reg.RegisterAction(StateMachineType, "to_bar", transitionTo("bar", "heading to the bar"), "foo", "bar"),
		reg.RegisterAction(StateMachineType, "to_church", transitionTo("church", "man of god"), "foo"),
		reg.RegisterAction(StateMachineType, "terminate", terminate, "church"),
	)
	if err != nil {
		return err
	}

	return reg.Derive(StateMachine2Type, StateMachineType)
}

func transitionTo(state string, data interface{}) agent.Handler {
	return func(ctx context.Context, call agent.Call) (agent.Outcome, error) {
		return agent.Transition(state, data), nil
	}
}

func stateMachineIdle(ctx context.Context, call agent.Call) (agent.Outcome, error) {
	return agent.Transition(call.StringArg("desired_state"), call.StringArg("response")), nil
}

func terminate(ctx context.Context, call agent.Call) (agent.Outcome, error) {
	return agent.Return("Only God can terminate me"), nil
}
