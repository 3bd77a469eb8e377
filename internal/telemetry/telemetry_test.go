package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	p, err := Setup(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	_, span := p.Tracer.Start(context.Background(), "noop")
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestSetupWritesTraceFile(t *testing.T) {
	dir := t.TempDir()
	p, err := Setup(context.Background(), Config{Enabled: true, Dir: dir, ServiceName: "chatd-test", ServiceVersion: "test", MetricInterval: time.Hour})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	_, span := p.Tracer.Start(context.Background(), "relay.chat")
	span.End()

	counter, err := p.Meter.Int64Counter("test.counter")
	if err != nil {
		t.Fatalf("Int64Counter: %v", err)
	}
	counter.Add(context.Background(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "chatd-test_traces.log"))
	if err != nil {
		t.Fatalf("read trace file: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected exported span in trace file")
	}
}
