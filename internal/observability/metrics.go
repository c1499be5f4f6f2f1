package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics is every procd series. Label sets are kept small: lanes are
// "<agent>/<process>" and get deleted when the lane is pruned.
type metrics struct {
	laneQueued   *prometheus.GaugeVec
	laneEnqueued *prometheus.CounterVec
	laneDone     *prometheus.CounterVec
	laneTaskTime *prometheus.HistogramVec

	dispatches       *prometheus.CounterVec
	dispatchTime     *prometheus.HistogramVec
	dispatchRejected *prometheus.CounterVec
	dispatchesActive *prometheus.GaugeVec
	transitions      *prometheus.CounterVec
	streamEvents     *prometheus.CounterVec
	streamListeners  prometheus.Gauge

	records     *prometheus.GaugeVec
	storeTime   *prometheus.HistogramVec
	storeErrors *prometheus.CounterVec

	hooks    *prometheus.CounterVec
	hookTime *prometheus.HistogramVec

	sweeps       prometheus.Counter
	sweptRecords prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: "procd", Name: name, Help: help}, labels)
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return f.NewGaugeVec(prometheus.GaugeOpts{Namespace: "procd", Name: name, Help: help}, labels)
	}
	seconds := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{Namespace: "procd", Name: name, Help: help, Buckets: prometheus.DefBuckets}, labels)
	}

	return &metrics{
		laneQueued:   gauge("queue_size", "Tasks waiting per command queue lane.", "lane"),
		laneEnqueued: counter("enqueue_total", "Tasks submitted per lane.", "lane"),
		laneDone:     counter("dequeue_total", "Tasks finished per lane and status.", "lane", "status"),
		laneTaskTime: seconds("task_duration_seconds", "Task run time per lane.", "lane"),

		dispatches:       counter("dispatch_total", "Dispatches by agent type and outcome.", "agent_type", "outcome"),
		dispatchTime:     seconds("dispatch_duration_seconds", "Dispatch run time by agent type and operation.", "agent_type", "operation"),
		dispatchRejected: counter("dispatch_rejected_total", "Dispatches refused before the handler ran, by reason.", "agent_type", "reason"),
		dispatchesActive: gauge("active_dispatches", "Dispatches currently running by agent type.", "agent_type"),
		transitions:      counter("state_transitions_total", "Persisted state changes by agent type and resulting state.", "agent_type", "state"),
		streamEvents:     counter("stream_events_total", "Events emitted to dispatch streams by event type.", "event_type"),
		streamListeners: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "procd", Name: "stream_subscribers", Help: "Open event subscriptions across all processes.",
		}),

		records:     gauge("process_records", "Process records held by the store per agent type.", "agent_type"),
		storeTime:   seconds("store_operation_duration_seconds", "Store call time by backend and operation.", "backend", "operation"),
		storeErrors: counter("store_errors_total", "Failed store calls by backend and operation.", "backend", "operation"),

		hooks:    counter("hook_total", "Lifecycle hook runs by event and status.", "event", "status"),
		hookTime: seconds("hook_duration_seconds", "Lifecycle hook run time by event.", "event"),

		sweeps: f.NewCounter(prometheus.CounterOpts{
			Namespace: "procd", Name: "retention_sweeps_total", Help: "Completed retention sweeps.",
		}),
		sweptRecords: f.NewCounter(prometheus.CounterOpts{
			Namespace: "procd", Name: "retention_deleted_total", Help: "Processes removed by retention sweeps.",
		}),
	}
}

// global registers on the default registry the first time it is used.
var global = sync.OnceValue(func() *metrics {
	return newMetrics(prometheus.DefaultRegisterer)
})

// EnsureRegistered registers the procd series so /metrics lists them
// before anything is recorded.
func EnsureRegistered() {
	global()
}

// MetricsHandler serves the default registry in the Prometheus text format.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, queued int) {
	m := global()
	m.laneEnqueued.WithLabelValues(lane).Inc()
	m.laneQueued.WithLabelValues(lane).Set(float64(queued))
}

func SetQueueSize(lane string, queued int) {
	global().laneQueued.WithLabelValues(lane).Set(float64(queued))
}

func RecordQueueCompletion(lane string, took time.Duration, ok bool, queued int) {
	m := global()
	m.laneDone.WithLabelValues(lane, resultLabel(ok)).Inc()
	m.laneTaskTime.WithLabelValues(lane).Observe(took.Seconds())
	m.laneQueued.WithLabelValues(lane).Set(float64(queued))
}

// DeleteQueueLane drops the series of a pruned lane.
func DeleteQueueLane(lane string) {
	m := global()
	m.laneQueued.DeleteLabelValues(lane)
	m.laneEnqueued.DeleteLabelValues(lane)
	m.laneTaskTime.DeleteLabelValues(lane)
	m.laneDone.DeletePartialMatch(prometheus.Labels{"lane": lane})
}

func RecordDispatchStart(agentType string) {
	global().dispatchesActive.WithLabelValues(agentType).Inc()
}

// RecordDispatch closes a dispatch opened by RecordDispatchStart. outcome
// is the class of the resulting state: ok, http_error, unhandled_error or
// canceled.
func RecordDispatch(agentType, operation, outcome string, took time.Duration) {
	m := global()
	m.dispatchesActive.WithLabelValues(agentType).Dec()
	m.dispatches.WithLabelValues(agentType, outcome).Inc()
	m.dispatchTime.WithLabelValues(agentType, operation).Observe(took.Seconds())
}

func RecordDispatchRejected(agentType, reason string) {
	global().dispatchRejected.WithLabelValues(agentType, reason).Inc()
}

func RecordStateTransition(agentType, state string) {
	global().transitions.WithLabelValues(agentType, state).Inc()
}

func RecordStreamEvent(eventType string) {
	global().streamEvents.WithLabelValues(eventType).Inc()
}

func AddStreamSubscribers(delta int) {
	global().streamListeners.Add(float64(delta))
}

func AddProcessRecords(agentType string, delta int) {
	global().records.WithLabelValues(agentType).Add(float64(delta))
}

func RecordStoreOperation(backend, operation string, took time.Duration, ok bool) {
	m := global()
	m.storeTime.WithLabelValues(backend, operation).Observe(took.Seconds())
	if !ok {
		m.storeErrors.WithLabelValues(backend, operation).Inc()
	}
}

func RecordHookExecution(event string, took time.Duration, ok bool) {
	m := global()
	m.hooks.WithLabelValues(event, resultLabel(ok)).Inc()
	m.hookTime.WithLabelValues(event).Observe(took.Seconds())
}

func RecordRetentionSweep(deleted int) {
	m := global()
	m.sweeps.Inc()
	m.sweptRecords.Add(float64(deleted))
}
