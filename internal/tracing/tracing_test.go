package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		wantNoop bool
		wantErr  bool
	}{
		{name: "disabled", cfg: Config{}, wantNoop: true},
		{name: "noop exporter", cfg: Config{Enabled: true, Exporter: "noop"}, wantNoop: true},
		{name: "empty exporter", cfg: Config{Enabled: true}, wantNoop: true},
		{name: "stdout", cfg: Config{Enabled: true, Exporter: "stdout", SampleRatio: 0.5}},
		{name: "unsupported", cfg: Config{Enabled: true, Exporter: "jaeger"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := Setup(context.Background(), tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Setup: %v", err)
			}
			defer shutdown(context.Background())

			_, isNoop := otel.GetTracerProvider().(noop.TracerProvider)
			if isNoop != tt.wantNoop {
				t.Errorf("noop provider = %v, want %v", isNoop, tt.wantNoop)
			}
		})
	}
}

func TestSpanHelpers(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(noop.NewTracerProvider())

	_, span := StartSpan(context.Background(), "wsrpc.request",
		trace.WithAttributes(CallAttrs("c1", "echo", "request")...))
	RecordError(span, errors.New("boom"))
	span.End()

	_, ok := StartSpan(context.Background(), "wsrpc.notification")
	SetOK(ok)
	ok.End()

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("status = %v, want error", spans[0].Status().Code)
	}
	if len(spans[0].Events()) != 1 {
		t.Errorf("events = %d, want the recorded error", len(spans[0].Events()))
	}
	if spans[1].Status().Code != codes.Ok {
		t.Errorf("status = %v, want ok", spans[1].Status().Code)
	}

	var method string
	for _, kv := range spans[0].Attributes() {
		if kv.Key == "rpc.method" {
			method = kv.Value.AsString()
		}
	}
	if method != "echo" {
		t.Errorf("rpc.method = %q, want echo", method)
	}
}
