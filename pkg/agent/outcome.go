package agent

import (
	"context"

	"github.com/harun/procd/pkg/event"
)

// StreamFunc produces the events of a streaming operation. It may declare
// its terminal state with s.State.
type StreamFunc func(ctx context.Context, s *event.Stream) error

// Outcome is the result of a handler: either an immediate payload, with or
// without an explicit state, or a stream of events.
type Outcome struct {
	payload  interface{}
	state    string
	explicit bool
	stream   StreamFunc
}

// Return produces payload and moves the process to "terminated".
func Return(payload interface{}) Outcome {
	return Outcome{payload: payload}
}

// Transition produces payload and moves the process to state.
func Transition(state string, payload interface{}) Outcome {
	return Outcome{payload: payload, state: state, explicit: true}
}

// Stream produces events lazily through fn.
func Stream(fn StreamFunc) Outcome {
	return Outcome{stream: fn}
}

// IsStreaming reports whether the outcome is a stream.
func (o Outcome) IsStreaming() bool {
	return o.stream != nil
}

// StreamFunc returns the stream producer, or nil.
func (o Outcome) StreamFunc() StreamFunc {
	return o.stream
}

// Resolve returns the final state and payload of an immediate outcome.
func (o Outcome) Resolve() (string, interface{}) {
	if o.explicit {
		return o.state, o.payload
	}
	return StateTerminated, o.payload
}
