package event

import (
	"encoding/json"
	"strings"
)

// Kind discriminates the event wire shape.
type Kind string

const (
	KindStart        Kind = "start"
	KindUserInput    Kind = "user_input"
	KindString       Kind = "string"
	KindObject       Kind = "object"
	KindState        Kind = "agent_state"
	KindSuccess      Kind = "success"
	KindError        Kind = "error"
	KindContextStart Kind = "start_stream_context"
	KindContextEnd   Kind = "end_stream_context"
)

// Error kinds carried by error events.
const (
	ErrorKindClassified = "classified_failure"
	ErrorKindUnhandled  = "unhandled_fault"
	ErrorKindContext    = "context_error"
)

// Event is a single unit of execution progress.
// Only the fields relevant to Kind are serialized.
type Event struct {
	Kind          Kind   `json:"event_type"`
	StreamContext string `json:"stream_context,omitempty"`

	// start
	ProcessID string `json:"process_id,omitempty"`
	Operation string `json:"operation,omitempty"`

	// user_input
	Input interface{} `json:"input,omitempty"`

	// string / object
	Content interface{} `json:"content,omitempty"`

	// agent_state
	State            string   `json:"state,omitempty"`
	AvailableActions []string `json:"available_actions,omitempty"`

	// error
	Reason    string                 `json:"reason,omitempty"`
	ErrorKind string                 `json:"kind,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`

	// start_stream_context / end_stream_context
	ContextID string `json:"context_id,omitempty"`
	Title     string `json:"title,omitempty"`
}

// MarshalJSON renders the fields belonging to the event kind.
func (e Event) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{
		"event_type": e.Kind,
	}
	if e.StreamContext != "" {
		out["stream_context"] = e.StreamContext
	}

	switch e.Kind {
	case KindStart:
		out["process_id"] = e.ProcessID
		out["operation"] = e.Operation
	case KindUserInput:
		out["input"] = e.Input
	case KindString, KindObject:
		out["content"] = e.Content
	case KindState:
		actions := e.AvailableActions
		if actions == nil {
			actions = []string{}
		}
		out["state"] = e.State
		out["available_actions"] = actions
	case KindError:
		details := e.Details
		if details == nil {
			details = map[string]interface{}{}
		}
		out["reason"] = e.Reason
		out["kind"] = e.ErrorKind
		out["details"] = details
	case KindContextStart:
		out["context_id"] = e.ContextID
		out["title"] = e.Title
	case KindContextEnd:
		out["context_id"] = e.ContextID
	}

	return json.Marshal(out)
}

// IsOutput reports whether the event is an output chunk.
func (e Event) IsOutput() bool {
	return e.Kind == KindString || e.Kind == KindObject
}

// StatusCode returns details.status_code of an error event, or 0.
func (e Event) StatusCode() int {
	if e.Details == nil {
		return 0
	}
	switch v := e.Details["status_code"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// Start marks the beginning of an operation run.
func Start(processID, operation string) Event {
	return Event{Kind: KindStart, ProcessID: processID, Operation: operation}
}

// UserInput echoes the validated input of a run.
func UserInput(input interface{}) Event {
	return Event{Kind: KindUserInput, Input: input}
}

// Output creates an output chunk owned by path.
func Output(content interface{}, path string) Event {
	kind := KindObject
	if _, ok := content.(string); ok {
		kind = KindString
	}
	return Event{Kind: kind, Content: content, StreamContext: path}
}

// State creates a state-transition event.
func State(state string, availableActions []string) Event {
	actions := append([]string{}, availableActions...)
	return Event{Kind: KindState, State: state, AvailableActions: actions}
}

// Success marks normal completion of the context at path, or of the whole
// operation when path is empty.
func Success(path string) Event {
	return Event{Kind: KindSuccess, StreamContext: path}
}

// Error creates an error event scoped to path.
func Error(path, reason, kind string, details map[string]interface{}) Event {
	return Event{
		Kind:          KindError,
		StreamContext: path,
		Reason:        reason,
		ErrorKind:     kind,
		Details:       details,
	}
}

// ContextStart opens context id under parent.
func ContextStart(id, title, parent string) Event {
	return Event{Kind: KindContextStart, ContextID: id, Title: title, StreamContext: parent}
}

// ContextEnd closes context id under parent.
func ContextEnd(id, parent string) Event {
	return Event{Kind: KindContextEnd, ContextID: id, StreamContext: parent}
}

// JoinPath dot-joins context ids, skipping empty segments.
func JoinPath(parts ...string) string {
	segments := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			segments = append(segments, part)
		}
	}
	return strings.Join(segments, ".")
}
