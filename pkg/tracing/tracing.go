package tracing

import (
	"context"
	"fmt"

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

const tracerName = "castwave"

// Attribute keys shared by castwave spans.
var (
	PeerIDKey      = attribute.Key("castwave.peer_id")
	TransportIDKey = attribute.Key("castwave.transport_id")
	ProducerIDKey  = attribute.Key("castwave.producer_id")
	MessageTypeKey = attribute.Key("signal.message_type")
	ResultKey      = attribute.Key("signal.result")
	OperationKey   = attribute.Key("engine.operation")
	TimeoutKey     = attribute.Key("engine.timeout")
	DurationKey    = attribute.Key("duration_ms")
)

type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	Environment string
	SampleRate  float64
}

type TracerProvider struct {
	tp *tracesdk.TracerProvider
}

// Init installs a Jaeger-backed tracer provider. With tracing disabled the
// global no-op provider stays in place. Sampling follows the parent span so
// a sampled HTTP request keeps its engine calls.
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
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{tp: tp}, nil
}

// Shutdown flushes pending spans. It is a no-op when tracing is disabled.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.tp == nil {
		return nil
	}
	return tp.tp.Shutdown(ctx)
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

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

func TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return startSpan(ctx, "http."+method,
		semconv.HTTPMethodKey.String(method),
		semconv.HTTPRouteKey.String(route),
	)
}

// TraceWebSocketMessage traces one signaling message from a peer.
func TraceWebSocketMessage(ctx context.Context, messageType, peerID string) (context.Context, trace.Span) {
	return startSpan(ctx, "signal."+messageType,
		MessageTypeKey.String(messageType),
		PeerIDKey.String(peerID),
	)
}

// TraceEngineCall traces one call into the media engine on behalf of a peer.
func TraceEngineCall(ctx context.Context, operation, peerID string) (context.Context, trace.Span) {
	return startSpan(ctx, "engine."+operation,
		OperationKey.String(operation),
		PeerIDKey.String(peerID),
	)
}

// EngineTarget tags the engine call span in ctx with the transport and
// producer it acts on. Empty ids are left off.
func EngineTarget(ctx context.Context, transportID, producerID string) {
	var attrs []attribute.KeyValue
	if transportID != "" {
		attrs = append(attrs, TransportIDKey.String(transportID))
	}
	if producerID != "" {
		attrs = append(attrs, ProducerIDKey.String(producerID))
	}
	AddSpanAttributes(ctx, attrs...)
}

func TraceStateStore(ctx context.Context, operation, key string) (context.Context, trace.Span) {
	return startSpan(ctx, "store."+operation,
		attribute.String("store.operation", operation),
		attribute.String("store.key", key),
	)
}
