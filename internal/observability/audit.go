package observability

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Audit event types.
const (
	AuditProcess  = "process"
	AuditDispatch = "dispatch"
	AuditConfig   = "config"
)

// AuditEvent is one line of the audit log. Actor is usually
// agent_type/process_id and Action names what happened, e.g.
// "process:create" or "dispatch:idle".
type AuditEvent struct {
	Type      string
	Timestamp time.Time
	Actor     string
	Action    string
	Status    string // success, failure, rejected
	Metadata  map[string]interface{}
}

// AuditLogger writes audit events as JSON lines and mirrors them onto the
// active span.
type AuditLogger struct {
	mu     sync.Mutex
	logger zerolog.Logger
	closer io.Closer
}

var auditLogger atomic.Pointer[AuditLogger]

// NewAuditLogger wraps logger as an audit sink.
func NewAuditLogger(logger zerolog.Logger) *AuditLogger {
	return &AuditLogger{logger: logger}
}

// GetAuditLogger returns the process-wide audit logger, which writes to
// stderr until InitAuditLogger or SetAuditLogger replaces it.
func GetAuditLogger() *AuditLogger {
	if a := auditLogger.Load(); a != nil {
		return a
	}
	auditLogger.CompareAndSwap(nil, NewAuditLogger(zerolog.New(os.Stderr).With().Timestamp().Logger()))
	return auditLogger.Load()
}

// SetAuditLogger replaces the process-wide audit logger.
func SetAuditLogger(a *AuditLogger) {
	auditLogger.Store(a)
}

// InitAuditLogger appends audit events to the file at path.
func InitAuditLogger(path string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	a := NewAuditLogger(zerolog.New(f).With().Timestamp().Logger())
	a.closer = f
	SetAuditLogger(a)
	return nil
}

// Record writes event. When ctx carries a recording span the event is also
// added to it and the trace id is logged.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	traceID := ""
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		traceID = span.SpanContext().TraceID().String()
		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.actor", event.Actor),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	line := a.logger.Log().
		Str("type", event.Type).
		Time("at", event.Timestamp).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("status", event.Status)
	if traceID != "" {
		line = line.Str("trace_id", traceID)
	}
	if len(event.Metadata) > 0 {
		line = line.Fields(event.Metadata)
	}
	line.Send()
}

// Close releases the audit file, if any. Later calls are no-ops.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	return err
}

// RecordProcessAudit records a process lifecycle change.
func RecordProcessAudit(ctx context.Context, action, actor, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{Type: AuditProcess, Actor: actor, Action: action, Status: status, Metadata: metadata})
}

// RecordDispatchAudit records the outcome of a dispatch.
func RecordDispatchAudit(ctx context.Context, operation, actor, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{Type: AuditDispatch, Actor: actor, Action: "dispatch:" + operation, Status: status, Metadata: metadata})
}

// RecordConfigAudit records a configuration load or change.
func RecordConfigAudit(ctx context.Context, action, actor string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{Type: AuditConfig, Actor: actor, Action: action, Status: "success", Metadata: metadata})
}
