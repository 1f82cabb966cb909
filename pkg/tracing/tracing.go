package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

// Version is reported as service.version on every span.
const Version = "0.3.0"

const instrumentation = "chatnest"

// TracerProvider owns the exporter pipeline. The zero value is a no-op.
type TracerProvider struct {
	tp *tracesdk.TracerProvider
}

type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	Environment string
	SampleRate  float64
}

func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		ServiceName: "chatnest",
		JaegerURL:   "http://localhost:14268/api/traces",
		Environment: "development",
		SampleRate:  1.0,
	}
}

// Init installs a global Jaeger-backed provider and W3C propagation. With
// tracing disabled the global no-op provider stays in place.
func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(Version),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(sampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{tp: tp}, nil
}

// sampler follows the parent decision and samples roots at rate.
func sampler(rate float64) tracesdk.Sampler {
	switch {
	case rate >= 1:
		return tracesdk.AlwaysSample()
	case rate <= 0:
		return tracesdk.NeverSample()
	default:
		return tracesdk.ParentBased(tracesdk.TraceIDRatioBased(rate))
	}
}

// Shutdown flushes pending spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.tp != nil {
		return tp.tp.Shutdown(ctx)
	}
	return nil
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, name, opts...)
}

// AddSpanAttributes annotates the span in ctx, if it is recording.
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError marks the span in ctx as failed.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// Span attribute keys.
var (
	PeerIDKey       = attribute.Key("peer.id")
	ChatIDKey       = attribute.Key("chat.id")
	MessageIDKey    = attribute.Key("message.id")
	CallIDKey       = attribute.Key("call.id")
	CallKindKey     = attribute.Key("call.kind")
	EnvelopeTypeKey = attribute.Key("envelope.type")
	DurationKey     = attribute.Key("duration")
)

// TraceSignal traces one rendezvous envelope relayed or handled.
func TraceSignal(ctx context.Context, messageType, from, to string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("signal.%s", messageType),
		trace.WithAttributes(
			attribute.String("signal.type", messageType),
			PeerIDKey.String(from),
			attribute.String("signal.to", to),
		),
	)
}

// TraceProtocol traces applying or sending a data-channel envelope.
func TraceProtocol(ctx context.Context, operation, envelopeType, peerID string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("protocol.%s", operation),
		trace.WithAttributes(
			EnvelopeTypeKey.String(envelopeType),
			PeerIDKey.String(peerID),
		),
	)
}

// TraceCall traces a call state machine operation.
func TraceCall(ctx context.Context, operation, peerID, kind string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("call.%s", operation),
		trace.WithAttributes(
			PeerIDKey.String(peerID),
			CallKindKey.String(kind),
		),
	)
}

// MeasureDuration records the time since start on the span in ctx.
func MeasureDuration(ctx context.Context, start time.Time, operation string) {
	AddSpanAttributes(ctx,
		attribute.String("operation", operation),
		DurationKey.Int64(time.Since(start).Milliseconds()),
	)
}

// TraceHTTPRequest traces an HTTP request handled by the rendezvous router.
func TraceHTTPRequest(ctx context.Context, method, path string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("http.%s %s", method, path),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", path),
		),
	)
}
