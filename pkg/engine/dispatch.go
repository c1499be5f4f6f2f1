package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/harun/procd/internal/observability"
	"github.com/harun/procd/internal/tracing"
	"github.com/harun/procd/pkg/agent"
	"github.com/harun/procd/pkg/event"
	"github.com/harun/procd/pkg/store"
	"go.opentelemetry.io/otel/attribute"
)

// admission is a dispatch that passed every check and may run.
type admission struct {
	process store.Process
	op      agent.Operation
	input   map[string]interface{}
	release func()
}

// Dispatch starts an operation on a process and returns its Run once the
// call was admitted. Admission errors (unknown agent, process or
// operation, illegal state, invalid input, busy process) are returned
// directly and never touch the process record.
//
// The caller must drain Run.Events or cancel ctx; the run stops when ctx
// ends.
func (e *Engine) Dispatch(ctx context.Context, req Request) (*Run, error) {
	req.AgentType = strings.TrimSpace(req.AgentType)
	req.Operation = strings.TrimSpace(req.Operation)
	req.ProcessID = strings.TrimSpace(req.ProcessID)

	if !e.registry.Has(req.AgentType) {
		observability.RecordDispatchRejected(req.AgentType, string(KindNotFound))
		return nil, notFoundError("agent type %s not found", req.AgentType)
	}
	if req.ProcessID == "" {
		req.ProcessID = e.newID()
	}

	ctx = tracing.NewRequestContext(ctx)
	ctx = tracing.NewDispatchContext(ctx, req.AgentType, req.ProcessID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "engine.dispatch",
		attribute.String("operation", req.Operation),
		attribute.String("busy_policy", string(e.busyPolicy)),
	)

	var (
		run *Run
		err error
	)
	if e.busyPolicy == BusyQueue {
		run, err = e.dispatchQueued(ctx, req)
	} else {
		run, err = e.dispatchNow(ctx, req)
	}

	if err != nil {
		err = classify(err)
		if engineErr, ok := err.(*Error); ok {
			observability.RecordDispatchRejected(req.AgentType, string(engineErr.Kind))
		}
		observability.RecordDispatchAudit(ctx, req.Operation, store.Key(req.AgentType, req.ProcessID), "rejected",
			map[string]interface{}{"error": err.Error()})
	}
	tracing.EndSpan(span, err)
	return run, err
}

func (e *Engine) dispatchNow(ctx context.Context, req Request) (*Run, error) {
	release, ok := e.store.TryAcquire(req.AgentType, req.ProcessID)
	if !ok {
		return nil, busyError(req.AgentType, req.ProcessID)
	}

	adm, err := e.admit(ctx, req)
	if err != nil {
		release()
		return nil, err
	}
	adm.release = release

	run := e.newRun(req)
	e.start(ctx, run, adm)
	return run, nil
}

// dispatchQueued admits and runs the dispatch as a task on the process's
// own queue lane, so dispatches of one process run in arrival order. The
// task lasts until the run has finished.
func (e *Engine) dispatchQueued(ctx context.Context, req Request) (*Run, error) {
	admitted := make(chan *Run, 1)
	rejected := make(chan error, 1)

	// Every dispatch is a new task; a request id would make the queue replay
	// an earlier dispatch's result.
	queueCtx := tracing.WithRequestID(ctx, "")

	go func() {
		_, err := e.queue.EnqueueWithContext(queueCtx, store.Key(req.AgentType, req.ProcessID), func(taskCtx context.Context) (interface{}, error) {
			release, err := e.store.Acquire(taskCtx, req.AgentType, req.ProcessID)
			if err != nil {
				return nil, err
			}

			adm, err := e.admit(taskCtx, req)
			if err != nil {
				release()
				return nil, err
			}
			adm.release = release

			run := e.newRun(req)
			e.start(taskCtx, run, adm)
			admitted <- run
			<-run.done
			return nil, nil
		}, nil)
		if err != nil {
			rejected <- err
		}
	}()

	select {
	case run := <-admitted:
		return run, nil
	case err := <-rejected:
		return nil, err
	}
}

// admit loads the process, creating it for a program call, and checks that
// the operation is legal in its state.
func (e *Engine) admit(ctx context.Context, req Request) (*admission, error) {
	p, err := e.store.Get(ctx, req.AgentType, req.ProcessID)
	exists := err == nil
	if err != nil && !errors.Is(err, agent.ErrNotFound) {
		return nil, err
	}

	op, res := e.registry.Resolve(req.AgentType, req.Operation, p.State, exists)
	switch res {
	case agent.NotFound:
		if exists {
			return nil, notFoundError("operation %s not found for %s", req.Operation, req.AgentType)
		}
		return nil, notFoundError("process %s/%s not found", req.AgentType, req.ProcessID)
	case agent.IllegalForState:
		return nil, illegalError("operation %s is not allowed in state %q", req.Operation, p.State)
	}

	input, err := e.registry.ValidateInput(req.AgentType, req.Operation, req.Input)
	if err != nil {
		return nil, err
	}

	if !exists {
		p, err = e.store.Create(ctx, req.AgentType, req.ProcessID)
		if err != nil {
			return nil, err
		}
		e.notify(Notification{Type: NotifyCreated, AgentType: req.AgentType, ProcessID: req.ProcessID, State: p.State})
	}

	return &admission{process: p, op: op, input: input}, nil
}

func (e *Engine) newRun(req Request) *Run {
	return &Run{
		AgentType: req.AgentType,
		ProcessID: req.ProcessID,
		Operation: req.Operation,
		events:    make(chan event.Event, e.streamBuffer),
		done:      make(chan struct{}),
	}
}

func (e *Engine) start(ctx context.Context, run *Run, adm *admission) {
	e.runs.Add(1)
	observability.RecordDispatchStart(run.AgentType)
	go e.execute(ctx, run, adm)
}

// execute runs the handler and records the result. The record is written
// before the final events are emitted, so a consumer that sees agent_state
// can read the same state back.
func (e *Engine) execute(ctx context.Context, run *Run, adm *admission) {
	defer e.runs.Done()

	ctx, span := tracing.StartSpan(ctx, tracerName, "engine.run",
		attribute.String("operation", run.Operation),
		attribute.String("state", adm.process.State),
	)
	logger := tracing.LoggerFromContext(ctx, e.logger)
	started := time.Now()

	sink := newRunSink(run.events, e.hub, event.Key(run.AgentType, run.ProcessID))
	stream := event.NewStream(sink)

	call := agent.Call{
		AgentType: run.AgentType,
		ProcessID: run.ProcessID,
		Operation: run.Operation,
		State:     adm.process.State,
		Input:     adm.input,
	}

	err := stream.Emit(ctx, event.Start(run.ProcessID, run.Operation))
	if err == nil {
		err = stream.Emit(ctx, event.UserInput(adm.input))
	}

	var (
		state    string
		payload  interface{}
		explicit bool
	)
	if err == nil {
		var outcome agent.Outcome
		outcome, err = invokeHandler(ctx, adm.op.Handler, call)
		if err == nil {
			if outcome.IsStreaming() {
				err = runStream(ctx, stream, outcome.StreamFunc())
				state, payload, explicit = stream.Terminal()
				if !explicit {
					state = agent.StateTerminated
				}
				if payload == nil {
					payload = sink.data()
				}
			} else {
				state, payload = outcome.Resolve()
				stream.State(state, payload)
				if payload != nil {
					err = stream.Output(ctx, payload)
				}
			}
		}
	}

	var outcome string
	switch {
	case err != nil && ctx.Err() != nil:
		outcome = "canceled"
		e.cancelled(ctx, run, sink, stream)
	case err != nil:
		outcome = e.failed(ctx, run, stream, err)
	default:
		outcome = "ok"
		e.succeeded(ctx, run, stream, state, payload)
	}

	duration := time.Since(started)
	observability.RecordDispatch(run.AgentType, run.Operation, outcome, duration)
	observability.RecordDispatchAudit(ctx, run.Operation, store.Key(run.AgentType, run.ProcessID), outcome,
		map[string]interface{}{"state": run.status.State, "duration_ms": duration.Milliseconds()})

	if run.err != nil && outcome != "canceled" {
		logger.Warn().Err(run.err).Str("operation", run.Operation).Str("outcome", outcome).Msg("Dispatch failed")
	} else {
		logger.Debug().Str("operation", run.Operation).Str("state", run.status.State).Dur("duration", duration).Msg("Dispatch finished")
	}

	tracing.EndSpan(span, run.err)
	adm.release()
	close(run.events)
	close(run.done)
}

func (e *Engine) succeeded(ctx context.Context, run *Run, stream *event.Stream, state string, payload interface{}) {
	p, err := e.store.Update(tracing.Detach(ctx), run.AgentType, run.ProcessID, state, payload)
	if err != nil {
		e.failed(ctx, run, stream, fmt.Errorf("failed to record result: %w", err))
		return
	}

	run.status = e.status(p)
	_ = stream.Emit(ctx, event.State(run.status.State, run.status.AvailableActions))
	_ = stream.Emit(ctx, event.Success(""))
	e.notify(Notification{Type: NotifyState, AgentType: run.AgentType, ProcessID: run.ProcessID, State: run.status.State})
}

// failed records a handler failure as an error state and reports it. It
// returns the outcome label.
func (e *Engine) failed(ctx context.Context, run *Run, stream *event.Stream, cause error) string {
	stream.Abort(ctx)

	state := agent.StateUnhandledError
	kind := KindUnhandled
	code := http.StatusInternalServerError
	message := cause.Error()
	if failure, ok := agent.AsFailure(cause); ok {
		state = agent.StateHTTPError
		kind = KindClassified
		code = failure.StatusCode()
		message = failure.Message
	}

	runErr := &Error{Kind: kind, Code: code, Message: message, Err: cause}
	p, err := e.store.Update(tracing.Detach(ctx), run.AgentType, run.ProcessID, state, message)
	if err != nil {
		runErr.Err = errors.Join(cause, err)
		run.status = Status{ProcessID: run.ProcessID, State: state, AvailableActions: []string{}, Data: message}
	} else {
		run.status = e.status(p)
		status := run.status
		runErr.Status = &status
	}
	run.err = runErr

	_ = stream.Emit(ctx, event.Error("", message, string(kind), map[string]interface{}{"status_code": code}))
	_ = stream.Emit(ctx, event.State(run.status.State, run.status.AvailableActions))
	e.notify(Notification{Type: NotifyState, AgentType: run.AgentType, ProcessID: run.ProcessID, State: run.status.State})
	return state
}

// cancelled closes open contexts without success. The record changes only
// if the handler already declared its terminal state.
func (e *Engine) cancelled(ctx context.Context, run *Run, sink *runSink, stream *event.Stream) {
	sink.abort()
	detached := tracing.Detach(ctx)
	stream.Abort(detached)

	run.err = &Error{Kind: KindCanceled, Code: StatusClientClosed, Message: "dispatch canceled", Err: ctx.Err()}

	state, payload, ok := stream.Terminal()
	if !ok {
		if p, err := e.store.Get(detached, run.AgentType, run.ProcessID); err == nil {
			run.status = e.status(p)
		}
		return
	}
	if payload == nil {
		payload = sink.data()
	}

	p, err := e.store.Update(detached, run.AgentType, run.ProcessID, state, payload)
	if err != nil {
		e.logger.Error().Err(err).Str("agent_type", run.AgentType).Str("process_id", run.ProcessID).Msg("Failed to record state of canceled run")
		return
	}
	run.status = e.status(p)
	_ = stream.Emit(detached, event.State(run.status.State, run.status.AvailableActions))
	e.notify(Notification{Type: NotifyState, AgentType: run.AgentType, ProcessID: run.ProcessID, State: run.status.State})
}

func invokeHandler(ctx context.Context, handler agent.Handler, call agent.Call) (outcome agent.Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("operation %s panicked: %v", call.Operation, rec)
		}
	}()
	return handler(ctx, call)
}

func runStream(ctx context.Context, stream *event.Stream, fn agent.StreamFunc) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("stream panicked: %v", rec)
		}
	}()
	return fn(ctx, stream)
}
