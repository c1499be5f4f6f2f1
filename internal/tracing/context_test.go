package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewTraceIDIsUnique(t *testing.T) {
	a := NewTraceID()
	b := NewTraceID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetTraceID(ctx))
	assert.Empty(t, GetProcessID(ctx))

	ctx = NewContext(ctx, &TraceContext{
		TraceID:   "trace-1",
		RunID:     "run-1",
		AgentType: "HelloWorld",
		ProcessID: "p1",
	})

	tc := FromContext(ctx)
	assert.Equal(t, "trace-1", tc.TraceID)
	assert.Equal(t, "run-1", tc.RunID)
	assert.Equal(t, "HelloWorld", tc.AgentType)
	assert.Equal(t, "p1", tc.ProcessID)
	assert.Empty(t, tc.RequestID)
}

func TestNewRequestContextKeepsExistingTrace(t *testing.T) {
	ctx := NewRequestContext(context.Background())
	traceID := GetTraceID(ctx)
	assert.NotEmpty(t, traceID)

	assert.Equal(t, traceID, GetTraceID(NewRequestContext(ctx)))
}

func TestNewDispatchContext(t *testing.T) {
	ctx := NewDispatchContext(context.Background(), "StateMachine", "p9")
	assert.NotEmpty(t, GetRunID(ctx))
	assert.Equal(t, "StateMachine", GetAgentType(ctx))
	assert.Equal(t, "p9", GetProcessID(ctx))
}

func TestDetachDropsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(WithTraceID(context.Background(), "trace-1"))
	cancel()

	detached := Detach(ctx)
	assert.NoError(t, detached.Err())
	assert.Equal(t, "trace-1", GetTraceID(detached))
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := NewDispatchContext(WithTraceID(context.Background(), "trace-1"), "HelloWorld", "p1")
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("dispatch")

	out := buf.String()
	assert.Contains(t, out, `"trace_id":"trace-1"`)
	assert.Contains(t, out, `"agent_type":"HelloWorld"`)
	assert.Contains(t, out, `"process_id":"p1"`)
}
