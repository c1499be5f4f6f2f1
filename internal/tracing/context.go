package tracing

import (
	"context"

	"github.com/google/uuid"
)

type contextKey int

const (
	traceIDKey contextKey = iota
	runIDKey
	agentTypeKey
	processIDKey
	requestIDKey
)

// logFields names each key in log lines, in the order they are written.
var logFields = []struct {
	key  contextKey
	name string
}{
	{traceIDKey, "trace_id"},
	{runIDKey, "run_id"},
	{agentTypeKey, "agent_type"},
	{processIDKey, "process_id"},
}

// TraceContext is the set of correlation ids a context can carry.
type TraceContext struct {
	TraceID   string
	RunID     string
	AgentType string
	ProcessID string
	// RequestID is the caller's idempotency key, if any.
	RequestID string
}

func (tc *TraceContext) field(key contextKey) *string {
	switch key {
	case traceIDKey:
		return &tc.TraceID
	case runIDKey:
		return &tc.RunID
	case agentTypeKey:
		return &tc.AgentType
	case processIDKey:
		return &tc.ProcessID
	default:
		return &tc.RequestID
	}
}

// NewTraceID returns a random trace id.
func NewTraceID() string { return uuid.NewString() }

func with(ctx context.Context, key contextKey, value string) context.Context {
	return context.WithValue(ctx, key, value)
}

func value(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}

// With* and Get* set and read single ids.

func WithTraceID(ctx context.Context, id string) context.Context { return with(ctx, traceIDKey, id) }
func WithRunID(ctx context.Context, id string) context.Context { return with(ctx, runIDKey, id) }
func WithAgentType(ctx context.Context, t string) context.Context { return with(ctx, agentTypeKey, t) }
func WithProcessID(ctx context.Context, id string) context.Context { return with(ctx, processIDKey, id) }
func WithRequestID(ctx context.Context, id string) context.Context { return with(ctx, requestIDKey, id) }

func GetTraceID(ctx context.Context) string { return value(ctx, traceIDKey) }
func GetRunID(ctx context.Context) string { return value(ctx, runIDKey) }
func GetAgentType(ctx context.Context) string { return value(ctx, agentTypeKey) }
func GetProcessID(ctx context.Context) string { return value(ctx, processIDKey) }
func GetRequestID(ctx context.Context) string { return value(ctx, requestIDKey) }

// FromContext collects every correlation id set on ctx.
func FromContext(ctx context.Context) *TraceContext {
	tc := &TraceContext{}
	for key := traceIDKey; key <= requestIDKey; key++ {
		*tc.field(key) = value(ctx, key)
	}
	return tc
}

// NewContext sets the non-empty ids of tc on ctx.
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	for key := traceIDKey; key <= requestIDKey; key++ {
		if v := *tc.field(key); v != "" {
			ctx = with(ctx, key, v)
		}
	}
	return ctx
}

// NewRequestContext makes sure ctx has a trace id.
func NewRequestContext(ctx context.Context) context.Context {
	if GetTraceID(ctx) != "" {
		return ctx
	}
	return WithTraceID(ctx, NewTraceID())
}

// NewDispatchContext tags ctx with a fresh run id and the target process.
func NewDispatchContext(ctx context.Context, agentType, processID string) context.Context {
	ctx = with(ctx, runIDKey, uuid.NewString())
	ctx = with(ctx, agentTypeKey, agentType)
	return with(ctx, processIDKey, processID)
}
