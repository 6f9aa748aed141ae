package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func initRecorded(t *testing.T, cfg Config) (*Provider, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	cfg.Enabled = true
	if cfg.Exporter == "" {
		cfg.Exporter = ExporterNone
	}
	p, err := Init(context.Background(), cfg, WithSpanProcessor(rec), WithoutGlobal())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p, rec
}

func attrValue(attrs []attribute.KeyValue, key attribute.Key) (string, bool) {
	for _, kv := range attrs {
		if kv.Key == key {
			return kv.Value.Emit(), true
		}
	}
	return "", false
}

func TestInit_DisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected noop tracer and meter")
	}
	if p.TracerProvider != nil {
		t.Fatal("disabled init built an sdk provider")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestConfig_Defaults(t *testing.T) {
	c := Config{Exporter: " STDOUT ", SampleRate: 4}.withDefaults()
	if c.Exporter != ExporterStdout || c.SampleRate != 1 || c.ServiceName != "clawforge" || c.Endpoint == "" {
		t.Fatalf("defaults = %+v", c)
	}
	if got := (Config{}).withDefaults().Exporter; got != ExporterOTLPHTTP {
		t.Fatalf("default exporter = %q", got)
	}
}

func TestStartSpan_RecordsAttributes(t *testing.T) {
	p, rec := initRecorded(t, Config{ServiceName: "clawforge-test"})

	_, span := StartSpan(context.Background(), p.Tracer, "worker.execute",
		AttrWorkerID.String("coder"),
		AttrJobID.String("job-1"),
	)
	span.End()
	_, client := StartClientSpan(context.Background(), p.Tracer, "docker.run", AttrBackend.String("docker"))
	client.End()

	ended := rec.Ended()
	if len(ended) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(ended))
	}
	if ended[0].Name() != "worker.execute" || ended[0].SpanKind() != trace.SpanKindInternal {
		t.Fatalf("first span = %s/%v", ended[0].Name(), ended[0].SpanKind())
	}
	if v, ok := attrValue(ended[0].Attributes(), AttrWorkerID); !ok || v != "coder" {
		t.Fatalf("worker attr = %q, %v", v, ok)
	}
	if ended[1].SpanKind() != trace.SpanKindClient {
		t.Fatalf("client span kind = %v", ended[1].SpanKind())
	}
	if v, ok := attrValue(ended[0].Resource().Attributes(), "service.name"); !ok || v != "clawforge-test" {
		t.Fatalf("service.name = %q", v)
	}
}

func TestStartSpan_ChildSharesTrace(t *testing.T) {
	p, rec := initRecorded(t, Config{})

	ctx, parent := StartSpan(context.Background(), p.Tracer, "orchestrator.run")
	_, child := StartSpan(ctx, p.Tracer, "tool.dispatch_worker", AttrToolName.String("dispatch_worker"))
	child.End()
	parent.End()

	ended := rec.Ended()
	if len(ended) != 2 {
		t.Fatalf("ended spans = %d", len(ended))
	}
	if ended[0].SpanContext().TraceID() != ended[1].SpanContext().TraceID() {
		t.Fatal("child span started a new trace")
	}
	if ended[0].Parent().SpanID() != ended[1].SpanContext().SpanID() {
		t.Fatal("child span has the wrong parent")
	}
}

func TestStartSpan_NilTracer(t *testing.T) {
	ctx, span := StartSpan(context.Background(), nil, "noop")
	if ctx == nil || span == nil {
		t.Fatal("expected usable context and span")
	}
	span.End()
}

func TestShutdown_Idempotent(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: ExporterNone}, WithoutGlobal())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	var nilP *Provider
	if err := nilP.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil shutdown: %v", err)
	}
}

var _ sdktrace.SpanProcessor = (*tracetest.SpanRecorder)(nil)
