package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/procd/internal/observability"
	"github.com/harun/procd/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "procd.commandqueue"

// Default lanes.
const (
	LaneMain = "main"
	LaneCron = "cron"
)

var (
	// ErrLaneCleared is returned to tasks dropped by ClearLane.
	ErrLaneCleared = errors.New("lane cleared")
	// ErrLaneReset is returned to tasks dropped by ResetLane.
	ErrLaneReset = errors.New("lane reset")
	// ErrClosed is returned when enqueueing on a closed queue.
	ErrClosed = errors.New("command queue closed")
)

// Task is one unit of work run on a lane.
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions tunes a single submission.
type TaskOptions struct {
	// WarnAfterMs logs a warning, and calls OnWait, when the task is still
	// queued after this many milliseconds.
	WarnAfterMs int
	OnWait      func(waitMs int64, queuePos int)
}

// EventType names a queue event.
type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventCompleted EventType = "completed"
)

// Event reports queue activity to handlers registered with On. Duration
// and Err are set on completion only.
type Event struct {
	Type      EventType
	Lane      string
	TaskID    string
	QueueSize int
	Duration  time.Duration
	Err       error
}

// Succeeded reports whether a completed task returned no error.
func (e Event) Succeeded() bool {
	return e.Err == nil
}

// EventHandler receives queue events synchronously.
type EventHandler func(event Event)

// LaneStats is a snapshot of one lane.
type LaneStats struct {
	Queued      int
	Running     int
	Concurrency int
	Ephemeral   bool
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

type laneState struct {
	mu          sync.Mutex
	name        string
	concurrency int
	ephemeral   bool
	queue       []*taskRecord
	running     int
}

func (ls *laneState) idle() bool {
	return len(ls.queue) == 0 && ls.running == 0
}

// position returns the index of record in the queue, or -1 once it left.
func (ls *laneState) position(record *taskRecord) int {
	for i, r := range ls.queue {
		if r == record {
			return i
		}
	}
	return -1
}

// CommandQueue runs tasks in named lanes. Each lane is FIFO with its own
// concurrency limit. Lanes created on demand are dropped again once they
// drain; lanes declared up front persist.
type CommandQueue struct {
	mu      sync.RWMutex
	lanes   map[string]*laneState
	taskSeq int

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger
	dedup  *dedupCache

	handlersMu sync.RWMutex
	handlers   map[EventType][]EventHandler
}

// Option configures a CommandQueue.
type Option func(*CommandQueue)

// WithLogger sets the queue logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(cq *CommandQueue) {
		cq.logger = logger
	}
}

// WithLane declares a persistent lane with the given concurrency.
func WithLane(lane string, concurrency int) Option {
	return func(cq *CommandQueue) {
		cq.SetConcurrency(lane, concurrency)
	}
}

// WithDedupTTL sets how long results of requests carrying a request id
// are replayed to duplicates.
func WithDedupTTL(ttl time.Duration) Option {
	return func(cq *CommandQueue) {
		cq.dedup = newDedupCache(ttl, time.Now)
	}
}

// New creates a queue with the main lane (serial) and the cron lane (five
// at a time).
func New(opts ...Option) *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	cq := &CommandQueue{
		lanes:    make(map[string]*laneState),
		ctx:      ctx,
		cancel:   cancel,
		logger:   zerolog.Nop(),
		dedup:    newDedupCache(0, time.Now),
		handlers: make(map[EventType][]EventHandler),
	}
	cq.ensureLane(LaneMain, 1, false)
	cq.ensureLane(LaneCron, 5, false)

	for _, opt := range opts {
		opt(cq)
	}
	return cq
}

func (cq *CommandQueue) ensureLane(lane string, concurrency int, ephemeral bool) *laneState {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return cq.ensureLaneLocked(lane, concurrency, ephemeral)
}

func (cq *CommandQueue) ensureLaneLocked(lane string, concurrency int, ephemeral bool) *laneState {
	if ls, ok := cq.lanes[lane]; ok {
		return ls
	}
	ls := &laneState{name: lane, concurrency: max(concurrency, 1), ephemeral: ephemeral}
	cq.lanes[lane] = ls
	cq.logger.Debug().Str("lane", lane).Int("concurrency", ls.concurrency).Bool("ephemeral", ephemeral).Msg("Lane initialized")
	return ls
}

func (cq *CommandQueue) lane(lane string) (*laneState, bool) {
	cq.mu.RLock()
	defer cq.mu.RUnlock()
	ls, ok := cq.lanes[lane]
	return ls, ok
}

// Enqueue runs task on lane and waits for its result.
func (cq *CommandQueue) Enqueue(lane string, task Task, options *TaskOptions) (interface{}, error) {
	return cq.EnqueueWithContext(context.Background(), lane, task, options)
}

// EnqueueWithContext adds a task to the specified lane and waits for its
// result. If ctx ends while the task is still queued, the task is dropped
// and ctx's error returned; a running task sees the cancellation through
// its own context. A request id on ctx makes duplicate submissions share
// the first one's result.
func (cq *CommandQueue) EnqueueWithContext(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if cq.ctx.Err() != nil {
		return nil, ErrClosed
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "commandqueue.enqueue", attribute.String("lane", lane))
	defer span.End()

	requestID := tracing.GetRequestID(ctx)
	if requestID == "" {
		result := cq.submit(ctx, lane, task, options)
		return result.value, result.err
	}

	// Duplicates wait for the first submission and share its result.
	key := lane + ":" + requestID
	call, owner := cq.dedup.join(key)
	if !owner {
		span.SetAttributes(attribute.Bool("dedup_hit", true))
		select {
		case <-call.finished:
			return call.result.value, call.result.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	result := cq.submit(ctx, lane, task, options)
	cq.dedup.finish(key, call, result)
	return result.value, result.err
}

// submit queues one task and waits for it, recording any failure on the
// span in ctx.
func (cq *CommandQueue) submit(ctx context.Context, lane string, task Task, options *TaskOptions) taskResult {
	span := trace.SpanFromContext(ctx)
	logger := tracing.LoggerFromContext(ctx, cq.logger).With().Str("lane", lane).Logger()

	record := &taskRecord{
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan taskResult, 1),
	}
	if options != nil {
		record.options = *options
	}

	// Lane lookup and append happen under cq.mu so a draining lane cannot be
	// pruned between the two.
	cq.mu.Lock()
	cq.taskSeq++
	record.id = fmt.Sprintf("%s-%d", lane, cq.taskSeq)
	ls := cq.ensureLaneLocked(lane, 1, true)
	ls.mu.Lock()
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()
	cq.mu.Unlock()

	logger.Debug().Str("taskId", record.id).Int("queueSize", queueSize).Msg("Task enqueued")
	observability.RecordQueueEnqueue(lane, queueSize)
	cq.emit(Event{Type: EventEnqueued, Lane: lane, TaskID: record.id, QueueSize: queueSize})

	if record.options.WarnAfterMs > 0 {
		go cq.warnIfWaiting(ls, record)
	}
	go cq.pump(ls)

	var result taskResult
	select {
	case result = <-record.result:
	case <-ctx.Done():
		if cq.dropQueued(ls, record) {
			result = taskResult{err: ctx.Err()}
			logger.Debug().Str("taskId", record.id).Msg("Task abandoned while queued")
		} else {
			result = <-record.result
		}
	}

	if result.err != nil {
		span.RecordError(result.err)
		span.SetStatus(codes.Error, result.err.Error())
	}
	return result
}

// dropQueued removes record from the lane queue. It reports false when
// the task already started.
func (cq *CommandQueue) dropQueued(ls *laneState, record *taskRecord) bool {
	ls.mu.Lock()
	pos := ls.position(record)
	if pos >= 0 {
		ls.queue = append(ls.queue[:pos], ls.queue[pos+1:]...)
	}
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	if pos < 0 {
		return false
	}
	observability.SetQueueSize(ls.name, queueSize)
	cq.pruneLane(ls)
	return true
}

// pump starts queued tasks while the lane has spare capacity.
func (cq *CommandQueue) pump(ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]
		ls.running++
		cq.logger.Debug().Str("lane", ls.name).Str("taskId", record.id).Int("running", ls.running).Msg("Task started")

		cq.wg.Add(1)
		go cq.execute(ls, record)
	}
}

func (cq *CommandQueue) execute(ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(record.ctx, tracerName, "commandqueue.execute_task",
		attribute.String("lane", ls.name),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	// Closing the queue cancels running tasks.
	runCtx, cancel := context.WithCancel(taskCtx)
	stop := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	start := time.Now()
	value, err := runTask(runCtx, record.task)
	duration := time.Since(start)

	ls.mu.Lock()
	ls.running--
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}

	logger := tracing.LoggerFromContext(taskCtx, cq.logger).With().
		Str("lane", ls.name).
		Str("taskId", record.id).
		Dur("duration", duration).
		Logger()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Msg("Task failed")
	} else {
		logger.Debug().Msg("Task completed")
	}

	observability.RecordQueueCompletion(ls.name, duration, err == nil, queueSize)
	cq.emit(Event{Type: EventCompleted, Lane: ls.name, TaskID: record.id, QueueSize: queueSize, Duration: duration, Err: err})

	cq.pump(ls)
	cq.pruneLane(ls)
}

func runTask(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task panicked: %v", rec)
		}
	}()
	return task(ctx)
}

// pruneLane forgets an ephemeral lane once it has nothing queued or running.
func (cq *CommandQueue) pruneLane(ls *laneState) {
	if !ls.ephemeral {
		return
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()

	if cq.lanes[ls.name] != ls {
		return
	}
	ls.mu.Lock()
	idle := ls.idle()
	ls.mu.Unlock()
	if !idle {
		return
	}

	delete(cq.lanes, ls.name)
	observability.DeleteQueueLane(ls.name)
}

func (cq *CommandQueue) warnIfWaiting(ls *laneState, record *taskRecord) {
	timer := time.NewTimer(time.Duration(record.options.WarnAfterMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-cq.ctx.Done():
		return
	}

	ls.mu.Lock()
	pos := ls.position(record)
	ls.mu.Unlock()
	if pos < 0 {
		return
	}

	waitMs := time.Since(record.enqueuedAt).Milliseconds()
	cq.logger.Warn().
		Str("lane", ls.name).
		Str("taskId", record.id).
		Int64("waitMs", waitMs).
		Int("queuePos", pos).
		Msg("Task waiting longer than expected")
	if record.options.OnWait != nil {
		record.options.OnWait(waitMs, pos)
	}
}

// HasLane reports whether lane currently exists.
func (cq *CommandQueue) HasLane(lane string) bool {
	_, ok := cq.lane(lane)
	return ok
}

// GetQueueSize returns the number of tasks waiting on lane.
func (cq *CommandQueue) GetQueueSize(lane string) int {
	return cq.LaneStats(lane).Queued
}

// GetRunningCount returns the number of tasks running on lane.
func (cq *CommandQueue) GetRunningCount(lane string) int {
	return cq.LaneStats(lane).Running
}

// LaneStats returns a snapshot of lane. A missing lane reports zeros.
func (cq *CommandQueue) LaneStats(lane string) LaneStats {
	ls, ok := cq.lane(lane)
	if !ok {
		return LaneStats{}
	}
	return ls.stats()
}

func (ls *laneState) stats() LaneStats {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return LaneStats{
		Queued:      len(ls.queue),
		Running:     ls.running,
		Concurrency: ls.concurrency,
		Ephemeral:   ls.ephemeral,
	}
}

// Stats returns a snapshot of every lane.
func (cq *CommandQueue) Stats() map[string]LaneStats {
	cq.mu.RLock()
	defer cq.mu.RUnlock()

	stats := make(map[string]LaneStats, len(cq.lanes))
	for name, ls := range cq.lanes {
		stats[name] = ls.stats()
	}
	return stats
}

// ClearLane fails every queued task on lane with ErrLaneCleared. Running
// tasks are not affected.
func (cq *CommandQueue) ClearLane(lane string) int {
	n := cq.drain(lane, ErrLaneCleared)
	cq.logger.Info().Str("lane", lane).Int("cleared", n).Msg("Lane cleared")
	return n
}

// ResetLane fails every queued task on lane with ErrLaneReset. It is used
// when the work a lane serializes is being torn down.
func (cq *CommandQueue) ResetLane(lane string) int {
	n := cq.drain(lane, ErrLaneReset)
	cq.logger.Info().Str("lane", lane).Int("dropped", n).Msg("Lane reset")
	return n
}

func (cq *CommandQueue) drain(lane string, reason error) int {
	ls, ok := cq.lane(lane)
	if !ok {
		return 0
	}

	ls.mu.Lock()
	dropped := ls.queue
	ls.queue = nil
	ls.mu.Unlock()

	for _, record := range dropped {
		record.result <- taskResult{err: reason}
	}
	observability.SetQueueSize(lane, 0)
	cq.pruneLane(ls)
	return len(dropped)
}

// SetConcurrency updates the concurrency limit for a lane, creating it as
// a persistent lane if needed.
func (cq *CommandQueue) SetConcurrency(lane string, concurrency int) {
	concurrency = max(concurrency, 1)

	cq.mu.Lock()
	ls := cq.ensureLaneLocked(lane, concurrency, false)
	ls.mu.Lock()
	previous := ls.concurrency
	ls.concurrency = concurrency
	ls.ephemeral = false
	ls.mu.Unlock()
	cq.mu.Unlock()

	cq.logger.Debug().Str("lane", lane).Int("previous", previous).Int("concurrency", concurrency).Msg("Lane concurrency updated")
	if concurrency > previous {
		go cq.pump(ls)
	}
}

// WaitForActive polls until no lane has a running task. It reports false
// on timeout.
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		running := 0
		for _, s := range cq.Stats() {
			running += s.Running
		}
		if running == 0 {
			return true
		}
		if time.Now().After(deadline) {
			cq.logger.Warn().Dur("timeout", timeout).Int("running", running).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close cancels running tasks and waits for them to return. It is safe to
// call more than once.
func (cq *CommandQueue) Close() error {
	cq.cancel()
	cq.wg.Wait()
	return nil
}

// On registers handler for events of type t.
func (cq *CommandQueue) On(t EventType, handler EventHandler) {
	cq.handlersMu.Lock()
	defer cq.handlersMu.Unlock()
	cq.handlers[t] = append(cq.handlers[t], handler)
}

// Off removes every handler for t.
func (cq *CommandQueue) Off(t EventType) {
	cq.handlersMu.Lock()
	defer cq.handlersMu.Unlock()
	delete(cq.handlers, t)
}

func (cq *CommandQueue) emit(event Event) {
	cq.handlersMu.RLock()
	handlers := cq.handlers[event.Type]
	cq.handlersMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
