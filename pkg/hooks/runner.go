package hooks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/procd/internal/observability"
	"github.com/harun/procd/internal/tracing"
	"github.com/harun/procd/pkg/agent"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "procd.hooks"

// Runner runs the lifecycle hooks of a process: the agent definition's own
// hook first, then the matching script hooks.
type Runner struct {
	registry *agent.Registry
	scripts  *Manager
	logger   zerolog.Logger
}

// NewRunner creates a Runner. scripts may be nil.
func NewRunner(registry *agent.Registry, scripts *Manager, logger zerolog.Logger) *Runner {
	return &Runner{
		registry: registry,
		scripts:  scripts,
		logger:   logger.With().Str("component", "hook_runner").Logger(),
	}
}

// Scripts returns the script hook manager.
func (r *Runner) Scripts() *Manager {
	return r.scripts
}

// OnCreate runs before a process record is written. Any failure aborts
// the creation, so scripts do not run once the definition hook fails.
func (r *Runner) OnCreate(ctx context.Context, agentType, processID string) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "hooks.create",
		attribute.String("agent_type", agentType),
		attribute.String("process_id", processID),
	)
	start := time.Now()

	err := r.runDefinitionHook(ctx, agentType, processID, true)
	if err == nil {
		err = r.scripts.Trigger(ctx, EventProcessCreate, agentType, hookData(agentType, processID))
	}

	r.finish(ctx, EventProcessCreate, agentType, processID, start, err)
	tracing.EndSpan(span, err)
	return err
}

// OnDelete runs before a process record is removed. Every hook runs and
// their failures are joined.
func (r *Runner) OnDelete(ctx context.Context, agentType, processID string) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "hooks.delete",
		attribute.String("agent_type", agentType),
		attribute.String("process_id", processID),
	)
	start := time.Now()

	err := errors.Join(
		r.runDefinitionHook(ctx, agentType, processID, false),
		r.scripts.Trigger(ctx, EventProcessDelete, agentType, hookData(agentType, processID)),
	)

	r.finish(ctx, EventProcessDelete, agentType, processID, start, err)
	tracing.EndSpan(span, err)
	return err
}

func (r *Runner) runDefinitionHook(ctx context.Context, agentType, processID string, create bool) (err error) {
	if r.registry == nil {
		return nil
	}
	onCreate, onDelete, lookupErr := r.registry.Hooks(agentType)
	if lookupErr != nil {
		// Records of removed agent types may still be deleted.
		return nil
	}

	hook := onDelete
	if create {
		hook = onCreate
	}
	if hook == nil {
		return nil
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s hook panicked: %v", agentType, rec)
		}
	}()
	return hook(ctx, processID)
}

func (r *Runner) finish(ctx context.Context, event, agentType, processID string, start time.Time, err error) {
	duration := time.Since(start)
	observability.RecordHookExecution(event, duration, err == nil)

	logger := tracing.LoggerFromContext(ctx, r.logger)
	status := "success"
	if err != nil {
		status = "failure"
		logger.Warn().Err(err).Str("event", event).Str("agent_type", agentType).Str("process_id", processID).Msg("Lifecycle hook failed")
	} else {
		logger.Debug().Str("event", event).Str("agent_type", agentType).Str("process_id", processID).Dur("duration", duration).Msg("Lifecycle hooks ran")
	}

	observability.RecordProcessAudit(ctx, "hook:"+event, agentType+"/"+processID, status, nil)
}

func hookData(agentType, processID string) map[string]interface{} {
	return map[string]interface{}{
		"agent_type": agentType,
		"process_id": processID,
	}
}
