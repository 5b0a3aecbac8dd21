package telemetry

import (
	"context"
	"net/http"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/trace"
)

func TestInitWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown, err := Init(context.Background(), "paygate-test")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if shutdown == nil {
		t.Fatal("expected shutdown func")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestParseSampler(t *testing.T) {
	if got := parseSampler("always_on", ""); got.Description() != trace.AlwaysSample().Description() {
		t.Fatalf("always_on -> %s", got.Description())
	}
	if got := parseSampler("always_off", ""); got.Description() != trace.NeverSample().Description() {
		t.Fatalf("always_off -> %s", got.Description())
	}
	// Out-of-range ratios are clamped, not rejected.
	if got := parseSampler("traceidratio", "7"); got == nil {
		t.Fatal("expected sampler")
	}
}

func TestParseHeaders(t *testing.T) {
	got := parseHeaders("a=1, b = 2,bad,")
	if len(got) != 2 || got["a"] != "1" || got["b"] != "2" {
		t.Fatalf("unexpected headers %v", got)
	}
	if parseHeaders(" ") != nil {
		t.Fatal("blank input should yield nil")
	}
}

func TestInstrumentClient(t *testing.T) {
	c := InstrumentClient(&http.Client{})
	if c.Transport == nil {
		t.Fatal("expected otel transport installed")
	}
	if InstrumentClient(nil) == nil {
		t.Fatal("nil client should be replaced")
	}
}
