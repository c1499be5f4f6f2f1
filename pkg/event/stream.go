package event

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrNoOpenContext is returned by Exit when the stack is empty.
var ErrNoOpenContext = errors.New("no open stream context")

// Sink receives the events of one operation run.
// Implementations must be safe for concurrent use: branches of the same
// stream share a sink.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

// Send calls f.
func (f SinkFunc) Send(ctx context.Context, e Event) error {
	return f(ctx, e)
}

type frame struct {
	id      string
	path    string
	parent  string
	errored bool
}

// shared is the state common to a stream and all of its branches.
type shared struct {
	mu       sync.Mutex
	state    string
	payload  interface{}
	hasState bool
}

// Stream tracks the open stream contexts of one operation run and tags
// emitted events with the current context path.
//
// A Stream belongs to a single goroutine. Concurrent sub-tasks must each use
// their own Branch.
type Stream struct {
	sink      Sink
	shared    *shared
	base      string
	inherited []*frame
	frames    []*frame
}

// NewStream creates an empty context stack writing to sink.
func NewStream(sink Sink) *Stream {
	return &Stream{sink: sink, shared: &shared{}}
}

// Path returns the dot-joined path of the innermost open context.
func (s *Stream) Path() string {
	if len(s.frames) == 0 {
		return s.base
	}
	return s.frames[len(s.frames)-1].path
}

// Depth returns the number of contexts opened on this stack.
func (s *Stream) Depth() int {
	return len(s.frames)
}

// Output emits a chunk tagged with the current path.
func (s *Stream) Output(ctx context.Context, content interface{}) error {
	return s.sink.Send(ctx, Output(content, s.Path()))
}

// Emit forwards a pre-built event. Output chunks without a context are
// tagged with the current path.
func (s *Stream) Emit(ctx context.Context, e Event) error {
	if e.IsOutput() && e.StreamContext == "" {
		e.StreamContext = s.Path()
	}
	return s.sink.Send(ctx, e)
}

// Enter pushes a context and emits its start event.
func (s *Stream) Enter(ctx context.Context, id, title string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("context id is required")
	}
	if strings.Contains(id, ".") {
		return fmt.Errorf("context id %q must not contain '.'", id)
	}

	parent := s.Path()
	f := &frame{id: id, path: JoinPath(parent, id), parent: parent}
	if err := s.sink.Send(ctx, ContextStart(id, title, parent)); err != nil {
		return err
	}
	s.frames = append(s.frames, f)
	return nil
}

// Exit pops the innermost context. A success event scoped to the context is
// emitted before the end event unless an error was reported inside it.
func (s *Stream) Exit(ctx context.Context) error {
	f, err := s.pop()
	if err != nil {
		return err
	}
	if !s.errored(f) {
		if err := s.sink.Send(ctx, Success(f.path)); err != nil {
			return err
		}
	}
	return s.sink.Send(ctx, ContextEnd(f.id, f.parent))
}

// Context runs fn inside a new context. The context is always closed; if fn
// fails it is closed without a success event and the error is returned.
func (s *Stream) Context(ctx context.Context, id, title string, fn func(ctx context.Context, s *Stream) error) error {
	if err := s.Enter(ctx, id, title); err != nil {
		return err
	}
	depth := len(s.frames)

	if err := fn(ctx, s); err != nil {
		s.markFrom(depth - 1)
		s.closeTo(ctx, depth-1)
		return err
	}

	// fn may leave nested contexts open
	for len(s.frames) > depth {
		if err := s.Exit(ctx); err != nil {
			return err
		}
	}
	return s.Exit(ctx)
}

// Error emits an error event scoped to the current path. Every open context
// on this stack, and those inherited by a branch, loses its success event.
func (s *Stream) Error(ctx context.Context, reason string, details map[string]interface{}) error {
	s.markErrored()
	return s.sink.Send(ctx, Error(s.Path(), reason, ErrorKindContext, details))
}

// State declares the terminal state and payload of the run.
func (s *Stream) State(state string, payload interface{}) {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()

	s.shared.state = state
	s.shared.payload = payload
	s.shared.hasState = true
}

// Terminal returns the state declared through State, if any.
func (s *Stream) Terminal() (string, interface{}, bool) {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()

	return s.shared.state, s.shared.payload, s.shared.hasState
}

// Branch returns an independent stack nested under the current path. It
// shares the sink and the terminal state with s.
func (s *Stream) Branch() *Stream {
	inherited := make([]*frame, 0, len(s.inherited)+len(s.frames))
	inherited = append(inherited, s.inherited...)
	inherited = append(inherited, s.frames...)

	return &Stream{
		sink:      s.sink,
		shared:    s.shared,
		base:      s.Path(),
		inherited: inherited,
	}
}

// Abort force-closes every open context without success events. Send
// failures are ignored so that every context gets a close attempt.
func (s *Stream) Abort(ctx context.Context) {
	s.closeTo(ctx, 0)
}

// exitAll closes every open context with Exit, innermost first.
func (s *Stream) exitAll(ctx context.Context) error {
	for len(s.frames) > 0 {
		if err := s.Exit(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) closeTo(ctx context.Context, depth int) {
	for len(s.frames) > depth {
		f, _ := s.pop()
		_ = s.sink.Send(ctx, ContextEnd(f.id, f.parent))
	}
}

func (s *Stream) pop() (*frame, error) {
	if len(s.frames) == 0 {
		return nil, ErrNoOpenContext
	}
	f := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]
	return f, nil
}

func (s *Stream) markErrored() {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()

	for _, f := range s.inherited {
		f.errored = true
	}
	for _, f := range s.frames {
		f.errored = true
	}
}

func (s *Stream) markFrom(depth int) {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()

	for _, f := range s.frames[depth:] {
		f.errored = true
	}
}

func (s *Stream) errored(f *frame) bool {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()

	return f.errored
}

// Gather runs tasks concurrently, each on its own branch of s, and waits for
// all of them. Events keep their order within a context; there is no
// ordering guarantee across tasks. Contexts a task leaves open are closed
// when it returns, without success if the task failed.
func Gather(ctx context.Context, s *Stream, tasks ...func(ctx context.Context, s *Stream) error) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for _, task := range tasks {
		branch := s.Branch()
		wg.Add(1)
		go func(task func(context.Context, *Stream) error) {
			defer wg.Done()
			err := task(ctx, branch)
			if err == nil {
				err = branch.exitAll(ctx)
			}
			if err != nil {
				branch.markErrored()
				branch.Abort(ctx)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(task)
	}

	wg.Wait()
	return errors.Join(errs...)
}

// Collector is a Sink that records events in memory.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

// Send appends e unless ctx is done.
func (c *Collector) Send(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = append(c.events, e)
	return nil
}

// Events returns a copy of the recorded events.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]Event(nil), c.events...)
}
