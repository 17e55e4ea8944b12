package tracing

import (
	"context"
	"errors"
	"testing"
)

func TestSetupNoop(t *testing.T) {
	for _, cfg := range []Config{{}, {Enabled: true}, {Enabled: true, Exporter: "noop"}} {
		shutdown, err := Setup(context.Background(), cfg)
		if err != nil {
			t.Fatalf("Setup(%+v): %v", cfg, err)
		}
		_, span := StartSpan(context.Background(), "test")
		End(span, errors.New("x"))
		if err := shutdown(context.Background()); err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	}
}

func TestSetupUnknownExporter(t *testing.T) {
	if _, err := Setup(context.Background(), Config{Enabled: true, Exporter: "jaeger"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestSetupStdout(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{Enabled: true, Exporter: "stdout", SampleRatio: 0.5})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	_, _ = Setup(context.Background(), Config{})
}
