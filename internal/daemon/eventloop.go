package daemon

import (
	"context"
	"time"
)

const maintenanceInterval = 30 * time.Second

// EventLoop runs periodic maintenance while the daemon is up.
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon, interval time.Duration) *EventLoop {
	if interval <= 0 {
		interval = maintenanceInterval
	}
	return &EventLoop{
		daemon:   d,
		interval: interval,
	}
}

// Run runs the event loop until ctx ends.
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Info().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.logger.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks(ctx)
		}
	}
}

// processTasks logs queue backlog and record counts for monitoring.
func (e *EventLoop) processTasks(ctx context.Context) {
	for lane, laneStats := range e.daemon.queue.Stats() {
		if laneStats.Queued > 0 || laneStats.Running > 0 {
			e.daemon.logger.Debug().
				Str("lane", lane).
				Int("queued", laneStats.Queued).
				Int("running", laneStats.Running).
				Msg("Queue stats")
		}
	}

	counts, err := e.daemon.store.Backend().Counts(ctx)
	if err != nil {
		e.daemon.logger.Warn().Err(err).Msg("Failed to count process records")
		return
	}
	for agentType, n := range counts {
		e.daemon.logger.Debug().
			Str("agent_type", agentType).
			Int("processes", n).
			Msg("Process records")
	}
}
