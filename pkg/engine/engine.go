package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/procd/internal/observability"
	"github.com/harun/procd/internal/tracing"
	"github.com/harun/procd/pkg/agent"
	"github.com/harun/procd/pkg/commandqueue"
	"github.com/harun/procd/pkg/event"
	"github.com/harun/procd/pkg/store"
	"github.com/rs/zerolog"
)

const tracerName = "procd.engine"

// BusyPolicy decides what happens to a dispatch aimed at a process that
// already has one in flight.
type BusyPolicy string

const (
	// BusyReject fails the second dispatch with ErrProcessBusy.
	BusyReject BusyPolicy = "reject"
	// BusyQueue runs dispatches of one process one after another in FIFO order.
	BusyQueue BusyPolicy = "queue"
)

// DefaultStreamBuffer is the event channel capacity of a run.
const DefaultStreamBuffer = 64

// Notification types delivered to listeners.
const (
	NotifyCreated = "process.created"
	NotifyDeleted = "process.deleted"
	NotifyState   = "process.state"
)

// Notification describes a process lifecycle change.
type Notification struct {
	Type      string `json:"type"`
	AgentType string `json:"agent_type"`
	ProcessID string `json:"process_id"`
	State     string `json:"state,omitempty"`
}

// Listener receives lifecycle notifications. It must not block.
type Listener func(Notification)

// Config configures an Engine.
type Config struct {
	Registry     *agent.Registry
	Store        *store.Store
	Hub          *event.Hub
	Queue        *commandqueue.CommandQueue
	BusyPolicy   BusyPolicy
	StreamBuffer int
	Logger       zerolog.Logger
	NewID        func() string
}

// Engine drives processes through their agent definitions.
type Engine struct {
	registry     *agent.Registry
	store        *store.Store
	hub          *event.Hub
	queue        *commandqueue.CommandQueue
	ownsQueue    bool
	busyPolicy   BusyPolicy
	streamBuffer int
	logger       zerolog.Logger
	newID        func() string

	runs sync.WaitGroup

	listenersMu sync.RWMutex
	listeners   []Listener
}

// Request identifies one operation call.
type Request struct {
	AgentType string
	ProcessID string
	Operation string
	Input     interface{}
}

// Status is the public view of a process.
type Status struct {
	ProcessID        string      `json:"process_id"`
	State            string      `json:"state"`
	AvailableActions []string    `json:"available_actions"`
	Data             interface{} `json:"data"`
}

// ProcessInfo is a listing entry.
type ProcessInfo struct {
	Status
	AgentType string    `json:"agent_type"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProcessPage is one page of a listing.
type ProcessPage struct {
	Processes []ProcessInfo `json:"processes"`
	Total     int           `json:"total"`
	Skip      int           `json:"skip"`
	Limit     int           `json:"limit"`
}

// DeleteResult reports a deletion. HookError is set when a delete hook
// failed; the record is gone regardless.
type DeleteResult struct {
	ProcessID string `json:"process_id"`
	Deleted   int    `json:"deleted"`
	HookError string `json:"hook_error,omitempty"`
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	observability.EnsureRegistered()

	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}

	policy := BusyPolicy(strings.ToLower(strings.TrimSpace(string(cfg.BusyPolicy))))
	switch policy {
	case "":
		policy = BusyReject
	case BusyReject, BusyQueue:
	default:
		return nil, fmt.Errorf("unknown busy policy %q", cfg.BusyPolicy)
	}

	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = DefaultStreamBuffer
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}

	e := &Engine{
		registry:     cfg.Registry,
		store:        cfg.Store,
		hub:          cfg.Hub,
		queue:        cfg.Queue,
		busyPolicy:   policy,
		streamBuffer: cfg.StreamBuffer,
		logger:       cfg.Logger.With().Str("component", "engine").Logger(),
		newID:        cfg.NewID,
	}

	if policy == BusyQueue && e.queue == nil {
		e.queue = commandqueue.New(commandqueue.WithLogger(cfg.Logger))
		e.ownsQueue = true
	}

	return e, nil
}

// Registry returns the agent registry.
func (e *Engine) Registry() *agent.Registry {
	return e.registry
}

// Hub returns the event hub, which may be nil.
func (e *Engine) Hub() *event.Hub {
	return e.hub
}

// BusyPolicy returns the configured busy policy.
func (e *Engine) BusyPolicy() BusyPolicy {
	return e.busyPolicy
}

// OnNotify registers a lifecycle listener.
func (e *Engine) OnNotify(listener Listener) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.listeners = append(e.listeners, listener)
}

func (e *Engine) notify(n Notification) {
	e.listenersMu.RLock()
	listeners := append([]Listener(nil), e.listeners...)
	e.listenersMu.RUnlock()

	for _, listener := range listeners {
		listener(n)
	}
}

// ListAgents describes every registered agent type.
func (e *Engine) ListAgents() []agent.Descriptor {
	names := e.registry.Agents()
	descriptors := make([]agent.Descriptor, 0, len(names))
	for _, name := range names {
		desc, err := e.registry.Describe(name)
		if err != nil {
			continue
		}
		descriptors = append(descriptors, desc)
	}
	return descriptors
}

// DescribeAgent describes one agent type.
func (e *Engine) DescribeAgent(agentType string) (agent.Descriptor, error) {
	desc, err := e.registry.Describe(agentType)
	if err != nil {
		return agent.Descriptor{}, notFoundError("agent type %s not found", agentType)
	}
	return desc, nil
}

// CreateProcess creates an uninitialized process. An empty processID gets
// a generated one.
func (e *Engine) CreateProcess(ctx context.Context, agentType, processID string) (Status, error) {
	if !e.registry.Has(agentType) {
		return Status{}, notFoundError("agent type %s not found", agentType)
	}
	processID = strings.TrimSpace(processID)
	if processID == "" {
		processID = e.newID()
	}

	ctx = tracing.NewDispatchContext(ctx, agentType, processID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "engine.create_process")

	p, err := e.store.Create(ctx, agentType, processID)
	err = classify(err)
	tracing.EndSpan(span, err)
	if err != nil {
		observability.RecordProcessAudit(ctx, "process:create", store.Key(agentType, processID), "failure",
			map[string]interface{}{"error": err.Error()})
		return Status{}, err
	}

	observability.RecordProcessAudit(ctx, "process:create", store.Key(agentType, processID), "success", nil)
	e.notify(Notification{Type: NotifyCreated, AgentType: agentType, ProcessID: processID, State: p.State})
	return e.status(p), nil
}

// Status returns the current view of a process.
func (e *Engine) Status(ctx context.Context, agentType, processID string) (Status, error) {
	if !e.registry.Has(agentType) {
		return Status{}, notFoundError("agent type %s not found", agentType)
	}
	p, err := e.store.Get(ctx, agentType, processID)
	if err != nil {
		return Status{}, classify(err)
	}
	return e.status(p), nil
}

// DeleteProcess removes a process. A process with a dispatch in flight is
// busy and is not removed.
func (e *Engine) DeleteProcess(ctx context.Context, agentType, processID string) (DeleteResult, error) {
	ctx = tracing.NewDispatchContext(ctx, agentType, processID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "engine.delete_process")

	release, ok := e.store.TryAcquire(agentType, processID)
	if !ok {
		err := busyError(agentType, processID)
		tracing.EndSpan(span, err)
		observability.RecordDispatchRejected(agentType, string(KindBusy))
		return DeleteResult{}, err
	}
	defer release()

	deleted, err := e.store.Delete(ctx, agentType, processID)
	result := DeleteResult{ProcessID: processID, Deleted: deleted}

	var hookErr *store.HookError
	if errors.As(err, &hookErr) && deleted > 0 {
		result.HookError = hookErr.Err.Error()
		err = nil
	}
	err = classify(err)
	tracing.EndSpan(span, err)
	if err != nil {
		return DeleteResult{}, err
	}

	// Dispatches still queued for the process must not recreate it.
	if e.queue != nil && deleted > 0 {
		e.queue.ResetLane(store.Key(agentType, processID))
	}

	status := "success"
	if result.HookError != "" {
		status = "hook_failure"
	}
	observability.RecordProcessAudit(ctx, "process:delete", store.Key(agentType, processID), status, nil)
	e.notify(Notification{Type: NotifyDeleted, AgentType: agentType, ProcessID: processID})
	return result, nil
}

// ListProcesses returns a page of an agent type's processes, most recently
// updated first.
func (e *Engine) ListProcesses(ctx context.Context, agentType string, page store.Page) (ProcessPage, error) {
	if !e.registry.Has(agentType) {
		return ProcessPage{}, notFoundError("agent type %s not found", agentType)
	}
	processes, total, err := e.store.List(ctx, agentType, page)
	if err != nil {
		return ProcessPage{}, classify(err)
	}

	out := ProcessPage{
		Processes: make([]ProcessInfo, 0, len(processes)),
		Total:     total,
		Skip:      page.Skip,
		Limit:     page.Limit,
	}
	for _, p := range processes {
		out.Processes = append(out.Processes, ProcessInfo{
			Status:    e.status(p),
			AgentType: p.AgentType,
			CreatedAt: p.CreatedAt,
			UpdatedAt: p.UpdatedAt,
		})
	}
	return out, nil
}

// Invoke dispatches req and waits for the final status.
func (e *Engine) Invoke(ctx context.Context, req Request) (Status, error) {
	run, err := e.Dispatch(ctx, req)
	if err != nil {
		return Status{}, err
	}
	return run.Wait()
}

// Shutdown waits for in-flight runs to finish or ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.runs.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if e.ownsQueue {
		_ = e.queue.Close()
	}
	return err
}

func (e *Engine) status(p store.Process) Status {
	return Status{
		ProcessID:        p.ProcessID,
		State:            p.State,
		AvailableActions: e.registry.AvailableActions(p.AgentType, p.State),
		Data:             p.Data,
	}
}
