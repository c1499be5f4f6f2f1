package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/harun/procd/internal/observability"
	"github.com/harun/procd/internal/tracing"
	"github.com/harun/procd/pkg/agent"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "procd.store"

var (
	// ErrExists is returned when creating a process id that is taken.
	ErrExists = errors.New("process already exists")
	// ErrClosed is returned by a backend after Close.
	ErrClosed = errors.New("store is closed")
)

// Process is the persisted record of one process.
type Process struct {
	AgentType string      `json:"agent_type"`
	ProcessID string      `json:"process_id"`
	State     string      `json:"state"`
	Data      interface{} `json:"data"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Page selects a window of a listing. A non-positive Limit means no limit.
type Page struct {
	Skip  int
	Limit int
}

// Backend persists process records. Implementations must make each
// single-record operation atomic and keep List ordered by recency.
type Backend interface {
	Name() string
	Insert(ctx context.Context, p Process) error
	Get(ctx context.Context, agentType, processID string) (Process, error)
	Update(ctx context.Context, agentType, processID, state string, data interface{}, at time.Time) (Process, error)
	Delete(ctx context.Context, agentType, processID string) (int, error)
	List(ctx context.Context, agentType string, page Page) ([]Process, int, error)
	Counts(ctx context.Context) (map[string]int, error)
	Close() error
}

// LifecycleHooks runs agent hooks around record creation and removal.
type LifecycleHooks interface {
	OnCreate(ctx context.Context, agentType, processID string) error
	OnDelete(ctx context.Context, agentType, processID string) error
}

// HookError wraps a failed lifecycle hook.
type HookError struct {
	Event     string
	AgentType string
	ProcessID string
	Err       error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("%s hook failed for %s/%s: %v", e.Event, e.AgentType, e.ProcessID, e.Err)
}

func (e *HookError) Unwrap() error {
	return e.Err
}

// Options configures a Store.
type Options struct {
	Backend Backend
	Hooks   LifecycleHooks
	Logger  zerolog.Logger
	Clock   func() time.Time
}

// Store owns process records. It adds lifecycle hooks, per-process locks
// and metrics on top of a Backend.
type Store struct {
	backend Backend
	hooks   LifecycleHooks
	logger  zerolog.Logger
	now     func() time.Time

	// records serializes create and delete of one id; guards is the
	// per-process lock handed to callers for whole operations.
	records *KeyedLocker
	guards  *KeyedLocker
}

// New creates a Store. A nil Backend selects the in-memory backend.
func New(opts Options) *Store {
	observability.EnsureRegistered()

	if opts.Backend == nil {
		opts.Backend = NewMemoryBackend()
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}

	s := &Store{
		backend: opts.Backend,
		hooks:   opts.Hooks,
		logger:  opts.Logger.With().Str("component", "store").Str("backend", opts.Backend.Name()).Logger(),
		now:     opts.Clock,
		records: NewKeyedLocker(),
		guards:  NewKeyedLocker(),
	}

	if counts, err := s.backend.Counts(context.Background()); err == nil {
		for agentType, n := range counts {
			observability.AddProcessRecords(agentType, n)
		}
	}

	return s
}

// SetHooks replaces the lifecycle hooks.
func (s *Store) SetHooks(hooks LifecycleHooks) {
	s.hooks = hooks
}

// Backend returns the underlying backend.
func (s *Store) Backend() Backend {
	return s.backend
}

// Key returns the lock key of a process.
func Key(agentType, processID string) string {
	return agentType + "/" + processID
}

// Acquire takes the process lock, waiting until it is free.
func (s *Store) Acquire(ctx context.Context, agentType, processID string) (func(), error) {
	return s.guards.Acquire(ctx, Key(agentType, processID))
}

// TryAcquire takes the process lock only if nobody holds it.
func (s *Store) TryAcquire(agentType, processID string) (func(), bool) {
	return s.guards.TryAcquire(Key(agentType, processID))
}

// Busy reports whether the process lock is held.
func (s *Store) Busy(agentType, processID string) bool {
	return s.guards.Held(Key(agentType, processID))
}

// Create inserts a new uninitialized process after the create hook passes.
func (s *Store) Create(ctx context.Context, agentType, processID string) (Process, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "store.create",
		attribute.String("agent_type", agentType),
		attribute.String("process_id", processID),
	)
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	release, err := s.records.Acquire(ctx, Key(agentType, processID))
	if err != nil {
		return Process{}, err
	}
	defer release()

	if _, getErr := s.backend.Get(ctx, agentType, processID); getErr == nil {
		err = fmt.Errorf("%w: %s/%s", ErrExists, agentType, processID)
		return Process{}, err
	} else if !errors.Is(getErr, agent.ErrNotFound) {
		err = getErr
		return Process{}, err
	}

	if s.hooks != nil {
		if hookErr := s.hooks.OnCreate(ctx, agentType, processID); hookErr != nil {
			err = &HookError{Event: "create", AgentType: agentType, ProcessID: processID, Err: hookErr}
			return Process{}, err
		}
	}

	now := s.now()
	p := Process{
		AgentType: agentType,
		ProcessID: processID,
		State:     agent.StateUninitialized,
		CreatedAt: now,
		UpdatedAt: now,
	}

	start := time.Now()
	err = s.backend.Insert(ctx, p)
	observability.RecordStoreOperation(s.backend.Name(), "insert", time.Since(start), err == nil)
	if err != nil {
		return Process{}, err
	}

	observability.AddProcessRecords(agentType, 1)
	s.logger.Debug().Str("agent_type", agentType).Str("process_id", processID).Msg("Process created")
	return p, nil
}

// Get loads a process.
func (s *Store) Get(ctx context.Context, agentType, processID string) (Process, error) {
	start := time.Now()
	p, err := s.backend.Get(ctx, agentType, processID)
	observability.RecordStoreOperation(s.backend.Name(), "get", time.Since(start), err == nil || errors.Is(err, agent.ErrNotFound))
	return p, err
}

// Update replaces the state and data of a process in one step and moves it
// to the front of the recency order.
func (s *Store) Update(ctx context.Context, agentType, processID, state string, data interface{}) (Process, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "store.update",
		attribute.String("agent_type", agentType),
		attribute.String("process_id", processID),
		attribute.String("state", state),
	)

	start := time.Now()
	p, err := s.backend.Update(ctx, agentType, processID, state, data, s.now())
	observability.RecordStoreOperation(s.backend.Name(), "update", time.Since(start), err == nil)
	tracing.EndSpan(span, err)
	if err != nil {
		return Process{}, err
	}

	observability.RecordStateTransition(agentType, state)
	return p, nil
}

// Delete removes a process after running the delete hook. The record is
// removed even when the hook fails; the hook failure is then returned as a
// *HookError together with a count of 1.
func (s *Store) Delete(ctx context.Context, agentType, processID string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "store.delete",
		attribute.String("agent_type", agentType),
		attribute.String("process_id", processID),
	)
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	release, err := s.records.Acquire(ctx, Key(agentType, processID))
	if err != nil {
		return 0, err
	}
	defer release()

	if _, err = s.backend.Get(ctx, agentType, processID); err != nil {
		return 0, err
	}

	var hookErr error
	if s.hooks != nil {
		if herr := s.hooks.OnDelete(ctx, agentType, processID); herr != nil {
			hookErr = &HookError{Event: "delete", AgentType: agentType, ProcessID: processID, Err: herr}
			s.logger.Warn().Err(herr).Str("agent_type", agentType).Str("process_id", processID).Msg("Delete hook failed")
		}
	}

	start := time.Now()
	deleted, err := s.backend.Delete(ctx, agentType, processID)
	observability.RecordStoreOperation(s.backend.Name(), "delete", time.Since(start), err == nil)
	if err != nil {
		return 0, err
	}

	observability.AddProcessRecords(agentType, -deleted)
	s.logger.Debug().Str("agent_type", agentType).Str("process_id", processID).Msg("Process deleted")
	return deleted, hookErr
}

// List returns one page of an agent type's processes, most recently
// touched first, along with the total count.
func (s *Store) List(ctx context.Context, agentType string, page Page) ([]Process, int, error) {
	if page.Skip < 0 {
		page.Skip = 0
	}

	start := time.Now()
	processes, total, err := s.backend.List(ctx, agentType, page)
	observability.RecordStoreOperation(s.backend.Name(), "list", time.Since(start), err == nil)
	return processes, total, err
}

// AgentTypes returns the agent types that currently own records.
func (s *Store) AgentTypes(ctx context.Context) ([]string, error) {
	counts, err := s.backend.Counts(ctx)
	if err != nil {
		return nil, err
	}
	types := make([]string, 0, len(counts))
	for agentType := range counts {
		types = append(types, agentType)
	}
	sort.Strings(types)
	return types, nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
