package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// recordSpans installs a fresh recording provider as the global one.
func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))

	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return recorder
}

func attrMap(attrs []attribute.KeyValue) map[attribute.Key]string {
	m := make(map[attribute.Key]string, len(attrs))
	for _, kv := range attrs {
		m[kv.Key] = kv.Value.Emit()
	}
	return m
}

func TestHelpersWithNoopProvider(t *testing.T) {
	ctx, span := TraceEngineCall(context.Background(), "produce", "peer-3")
	EngineTarget(ctx, "transport-3", "producer-3")
	RecordError(ctx, errors.New("boom"))
	span.End()
}

func TestTraceEngineCall_Target(t *testing.T) {
	recorder := recordSpans(t)

	ctx, span := TraceEngineCall(context.Background(), "consume", "peer-1")
	EngineTarget(ctx, "transport-1", "producer-1")
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	if ended[0].Name() != "engine.consume" {
		t.Errorf("unexpected span name %q", ended[0].Name())
	}
	attrs := attrMap(ended[0].Attributes())
	want := map[attribute.Key]string{
		OperationKey:   "consume",
		PeerIDKey:      "peer-1",
		TransportIDKey: "transport-1",
		ProducerIDKey:  "producer-1",
	}
	for key, value := range want {
		if attrs[key] != value {
			t.Errorf("%s = %q, want %q", key, attrs[key], value)
		}
	}
}

func TestEngineTarget_SkipsEmptyIDs(t *testing.T) {
	recorder := recordSpans(t)

	ctx, span := TraceEngineCall(context.Background(), "create_transport", "peer-1")
	EngineTarget(ctx, "transport-1", "")
	span.End()

	attrs := attrMap(recorder.Ended()[0].Attributes())
	if _, ok := attrs[ProducerIDKey]; ok {
		t.Error("producer id should not be set")
	}
	if attrs[TransportIDKey] != "transport-1" {
		t.Errorf("transport id = %q", attrs[TransportIDKey])
	}
}

func TestRecordError(t *testing.T) {
	recorder := recordSpans(t)

	ctx, span := TraceWebSocketMessage(context.Background(), "produce", "peer-2")
	RecordError(ctx, errors.New("transport not found"))
	AddSpanAttributes(ctx, ResultKey.String("TRANSPORT_NOT_FOUND"))
	span.End()

	ended := recorder.Ended()[0]
	if ended.Status().Code != codes.Error {
		t.Errorf("status = %v, want error", ended.Status().Code)
	}
	if ended.Name() != "signal.produce" {
		t.Errorf("unexpected span name %q", ended.Name())
	}
	attrs := attrMap(ended.Attributes())
	if attrs[ResultKey] != "TRANSPORT_NOT_FOUND" {
		t.Errorf("result = %q", attrs[ResultKey])
	}
	if attrs[MessageTypeKey] != "produce" {
		t.Errorf("message type = %q", attrs[MessageTypeKey])
	}
}

func TestTraceHTTPRequest(t *testing.T) {
	recorder := recordSpans(t)

	_, span := TraceHTTPRequest(context.Background(), "GET", "/api/v1/broadcast")
	span.End()

	if got := recorder.Ended()[0].Name(); got != "http.GET" {
		t.Errorf("unexpected span name %q", got)
	}
}

func TestTraceStateStore(t *testing.T) {
	recorder := recordSpans(t)

	_, span := TraceStateStore(context.Background(), "save", "castwave:broadcast")
	span.End()

	attrs := attrMap(recorder.Ended()[0].Attributes())
	if attrs["store.key"] != "castwave:broadcast" {
		t.Errorf("store key = %q", attrs["store.key"])
	}
}

func TestInitDisabled(t *testing.T) {
	tp, err := Init(Config{Enabled: false, ServiceName: "castwave"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Errorf("unexpected shutdown error: %v", err)
	}
}
