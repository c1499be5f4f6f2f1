package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_MarshalJSONRendersKindFields(t *testing.T) {
	tests := []struct {
		name     string
		event    Event
		expected string
	}{
		{
			name:     "string output",
			event:    Output("3", "c1"),
			expected: `{"event_type":"string","content":"3","stream_context":"c1"}`,
		},
		{
			name:     "object output",
			event:    Output(map[string]interface{}{"n": 1}, ""),
			expected: `{"event_type":"object","content":{"n":1}}`,
		},
		{
			name:     "state with no actions",
			event:    State("terminated", nil),
			expected: `{"event_type":"agent_state","state":"terminated","available_actions":[]}`,
		},
		{
			name:     "error",
			event:    Error("", "hello is not a name", ErrorKindClassified, map[string]interface{}{"status_code": 418}),
			expected: `{"event_type":"error","reason":"hello is not a name","kind":"classified_failure","details":{"status_code":418}}`,
		},
		{
			name:     "nested context start",
			event:    ContextStart("c3", "c3", "c2"),
			expected: `{"event_type":"start_stream_context","context_id":"c3","title":"c3","stream_context":"c2"}`,
		},
		{
			name:     "context end",
			event:    ContextEnd("c1", ""),
			expected: `{"event_type":"end_stream_context","context_id":"c1"}`,
		},
		{
			name:     "top-level success",
			event:    Success(""),
			expected: `{"event_type":"success"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.event)
			require.NoError(t, err)
			assert.JSONEq(t, tt.expected, string(data))
		})
	}
}

func TestEvent_DecodedErrorKeepsStatusCode(t *testing.T) {
	data, err := json.Marshal(Error("", "teapot", ErrorKindClassified, map[string]interface{}{"status_code": 418}))
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, KindError, decoded.Kind)
	assert.Equal(t, 418, decoded.StatusCode())
	assert.Equal(t, "teapot", decoded.Reason)
}

func TestJoinPath(t *testing.T) {
	assert.Equal(t, "c2.c3", JoinPath("c2", "c3"))
	assert.Equal(t, "c1", JoinPath("", "c1"))
	assert.Equal(t, "", JoinPath())
}

func TestHub_PublishDeliversToWatchersOfKey(t *testing.T) {
	hub := NewHub()
	key := Key("HelloWorld", "p1")

	ch, cancel := hub.Subscribe(key, 4)
	other, cancelOther := hub.Subscribe(Key("HelloWorld", "p2"), 4)
	defer cancelOther()

	hub.Publish(key, Output("hi", ""))

	select {
	case e := <-ch:
		assert.Equal(t, "hi", e.Content)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	select {
	case e := <-other:
		t.Fatalf("unexpected event %+v", e)
	default:
	}

	assert.Equal(t, 1, hub.Watchers(key))
	cancel()
	assert.Equal(t, 0, hub.Watchers(key))

	_, open := <-ch
	assert.False(t, open)
}

func TestHub_PublishDoesNotBlockOnFullBuffer(t *testing.T) {
	hub := NewHub()
	_, cancel := hub.Subscribe("k", 1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Publish("k", Success(""))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked")
	}
}
