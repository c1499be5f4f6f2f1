package engine

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/harun/procd/internal/observability"
	"github.com/harun/procd/pkg/event"
)

// Run is one admitted dispatch. Its events arrive in order on Events, which
// is closed when the run has finished and its result is recorded.
type Run struct {
	AgentType string
	ProcessID string
	Operation string

	events chan event.Event
	done   chan struct{}

	status Status
	err    error
}

// Events returns the event channel of the run.
func (r *Run) Events() <-chan event.Event {
	return r.events
}

// Done is closed once the run has finished.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Result returns the final status and error. It must only be called after
// Done is closed.
func (r *Run) Result() (Status, error) {
	return r.status, r.err
}

// Wait discards the remaining events and returns the result.
func (r *Run) Wait() (Status, error) {
	for range r.events {
	}
	<-r.done
	return r.Result()
}

// Collect gathers the remaining events and returns them with the result.
func (r *Run) Collect() ([]event.Event, Status, error) {
	var events []event.Event
	for e := range r.events {
		events = append(events, e)
	}
	<-r.done
	return events, r.status, r.err
}

// runSink delivers the events of a run to its consumer and to hub
// watchers, and keeps the top-level output chunks for the default data.
type runSink struct {
	out      chan<- event.Event
	hub      *event.Hub
	key      string
	aborting atomic.Bool

	mu     sync.Mutex
	chunks []interface{}
}

func newRunSink(out chan<- event.Event, hub *event.Hub, key string) *runSink {
	return &runSink{out: out, hub: hub, key: key}
}

func (s *runSink) Send(ctx context.Context, e event.Event) error {
	observability.RecordStreamEvent(string(e.Kind))

	if e.IsOutput() && e.StreamContext == "" {
		s.mu.Lock()
		s.chunks = append(s.chunks, e.Content)
		s.mu.Unlock()
	}
	s.hub.Publish(s.key, e)

	select {
	case s.out <- e:
		return nil
	default:
	}
	if s.aborting.Load() {
		return nil
	}

	select {
	case s.out <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// abort makes further sends non-blocking so closing events never wait on a
// consumer that went away.
func (s *runSink) abort() {
	s.aborting.Store(true)
}

// data is the default payload of a stream that declared none: the
// concatenated top-level text when every chunk is text, otherwise the list
// of chunks.
func (s *runSink) data() interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.chunks) == 0 {
		return nil
	}

	var b strings.Builder
	for _, chunk := range s.chunks {
		text, ok := chunk.(string)
		if !ok {
			return append([]interface{}(nil), s.chunks...)
		}
		b.WriteString(text)
	}
	return b.String()
}
