package retention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/procd/internal/observability"
	"github.com/harun/procd/internal/tracing"
	"github.com/harun/procd/pkg/agent"
	"github.com/harun/procd/pkg/commandqueue"
	"github.com/harun/procd/pkg/engine"
	"github.com/harun/procd/pkg/store"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "procd/retention"

// Deleter removes a process the way a client delete would, hooks included.
type Deleter interface {
	DeleteProcess(ctx context.Context, agentType, processID string) (engine.DeleteResult, error)
}

// Config configures a Sweeper.
type Config struct {
	// Schedule is a cron expression or descriptor such as "@every 10m".
	Schedule string
	// TTL is how long a process stays in a final state before removal.
	TTL     time.Duration
	Store   *store.Store
	Deleter Deleter
	// Queue, when set, runs sweeps on its cron lane.
	Queue  *commandqueue.CommandQueue
	Logger zerolog.Logger
	Clock  func() time.Time
}

// Sweeper periodically deletes processes that finished more than TTL ago.
type Sweeper struct {
	cron    *cron.Cron
	ttl     time.Duration
	store   *store.Store
	deleter Deleter
	queue   *commandqueue.CommandQueue
	logger  zerolog.Logger
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
}

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New creates a Sweeper. It does nothing until Start.
func New(cfg Config) (*Sweeper, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Deleter == nil {
		return nil, fmt.Errorf("deleter is required")
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("ttl must be positive")
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}

	logger := cfg.Logger.With().Str("component", "retention").Logger()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Sweeper{
		ttl:     cfg.TTL,
		store:   cfg.Store,
		deleter: cfg.Deleter,
		queue:   cfg.Queue,
		logger:  logger,
		now:     cfg.Clock,
		ctx:     ctx,
		cancel:  cancel,
	}

	cronLogger := cronLogAdapter{logger: logger}
	s.cron = cron.New(
		cron.WithParser(scheduleParser),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	if _, err := s.cron.AddFunc(cfg.Schedule, s.scheduled); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid retention schedule %q: %w", cfg.Schedule, err)
	}

	return s, nil
}

// Start begins running sweeps on the schedule.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info().Dur("ttl", s.ttl).Msg("Retention sweeper started")
}

// Stop cancels a running sweep and waits for it to return or ctx to end.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if !started {
		return nil
	}

	select {
	case <-s.cron.Stop().Done():
		s.logger.Info().Msg("Retention sweeper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) scheduled() {
	task := func(ctx context.Context) (interface{}, error) {
		return s.Sweep(ctx)
	}

	var err error
	if s.queue != nil {
		_, err = s.queue.EnqueueWithContext(s.ctx, commandqueue.LaneCron, task, nil)
	} else {
		_, err = task(s.ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn().Err(err).Msg("Retention sweep finished with errors")
	}
}

// Sweep deletes every process in a final state last updated more than TTL
// ago and returns how many were removed. Processes that are busy or
// already gone are skipped.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "retention.sweep")

	cutoff := s.now().Add(-s.ttl)
	deleted, err := s.sweep(ctx, cutoff)

	span.SetAttributes(attribute.Int("deleted", deleted))
	tracing.EndSpan(span, err)
	observability.RecordRetentionSweep(deleted)

	s.logger.Debug().
		Time("cutoff", cutoff).
		Int("deleted", deleted).
		Msg("Retention sweep complete")
	return deleted, err
}

func (s *Sweeper) sweep(ctx context.Context, cutoff time.Time) (int, error) {
	agentTypes, err := s.store.AgentTypes(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list agent types: %w", err)
	}

	var (
		deleted int
		errs    []error
	)
	for _, agentType := range agentTypes {
		processes, _, err := s.store.List(ctx, agentType, store.Page{})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to list %s processes: %w", agentType, err))
			continue
		}

		for _, p := range processes {
			if ctx.Err() != nil {
				return deleted, errors.Join(append(errs, ctx.Err())...)
			}
			if !agent.IsFinal(p.State) || !p.UpdatedAt.Before(cutoff) {
				continue
			}

			result, err := s.deleter.DeleteProcess(ctx, p.AgentType, p.ProcessID)
			if err != nil {
				if skippable(err) {
					continue
				}
				errs = append(errs, fmt.Errorf("failed to delete %s: %w", store.Key(p.AgentType, p.ProcessID), err))
				continue
			}
			deleted += result.Deleted
			if result.HookError != "" {
				s.logger.Warn().
					Str("agent_type", p.AgentType).
					Str("process_id", p.ProcessID).
					Str("hook_error", result.HookError).
					Msg("Delete hook failed for expired process")
			}
		}
	}
	return deleted, errors.Join(errs...)
}

func skippable(err error) bool {
	var engineErr *engine.Error
	if !errors.As(err, &engineErr) {
		return false
	}
	return engineErr.Kind == engine.KindBusy || engineErr.Kind == engine.KindNotFound
}

// cronLogAdapter routes cron's own logging to zerolog.
type cronLogAdapter struct {
	logger zerolog.Logger
}

func (a cronLogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (a cronLogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
