package tracing

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	initOnce sync.Once
	initErr  error
	active   atomic.Pointer[sdktrace.TracerProvider]
)

// InitOpenTelemetry installs the global tracer provider. Root traces are
// sampled at sampleRatio, clamped to [0, 1]; child spans follow their
// parent. Only the first call has any effect.
func InitOpenTelemetry(serviceName string, sampleRatio float64) error {
	initOnce.Do(func() {
		res, err := resource.New(context.Background(),
			resource.WithAttributes(semconv.ServiceName(serviceName)))
		if err != nil {
			initErr = err
			return
		}

		ratio := min(max(sampleRatio, 0), 1)
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		)
		active.Store(tp)
		otel.SetTracerProvider(tp)
	})
	return initErr
}

// ShutdownOpenTelemetry flushes pending spans. It is a no-op when tracing
// was never initialized.
func ShutdownOpenTelemetry(ctx context.Context) error {
	if tp := active.Load(); tp != nil {
		return tp.Shutdown(ctx)
	}
	return nil
}

// StartSpan starts a span tagged with the agent type and process id found
// in ctx. The returned context carries the span's trace id unless ctx
// already had one.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	attrs = append(attrs, contextAttributes(ctx)...)

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
	if sc := span.SpanContext(); sc.IsValid() && GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, sc.TraceID().String())
	}
	return ctx, span
}

func contextAttributes(ctx context.Context) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if v := GetAgentType(ctx); v != "" {
		attrs = append(attrs, attribute.String("procd.agent_type", v))
	}
	if v := GetProcessID(ctx); v != "" {
		attrs = append(attrs, attribute.String("procd.process_id", v))
	}
	return attrs
}

// EndSpan marks span failed when err is set, then ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
