package metrics

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	return sums
}

func TestRelayInstruments(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	r, err := NewRelay(provider.Meter("test"))
	if err != nil {
		t.Fatalf("NewRelay: %v", err)
	}
	ctx := context.Background()

	r.RecordRequest(ctx, "ok", 120*time.Millisecond)
	r.RecordRequest(ctx, "upstream_error", time.Second)
	r.RecordUpstreamOpen(ctx, "openrouter", "m", 30*time.Millisecond)
	r.RecordUpstreamError(ctx, "openrouter", 429)
	r.RecordFragments(ctx, "openrouter", 3)
	r.RecordFragments(ctx, "openrouter", 0)
	r.RecordMalformed(ctx, "openrouter", 1)
	r.RecordPersistFailure(ctx, "assistant")
	r.RecordRateLimited(ctx)

	sums := collect(t, reader)
	want := map[string]int64{
		"chat.requests":             2,
		"chat.upstream.errors":      1,
		"chat.stream.fragments":     3,
		"chat.stream.malformed":     1,
		"chat.persist.failures":     1,
		"chat.ratelimit.rejections": 1,
	}
	for name, v := range want {
		if sums[name] != v {
			t.Fatalf("%s: expected %d, got %d", name, v, sums[name])
		}
	}
}

func TestNoopDoesNotPanic(t *testing.T) {
	r := Noop()
	r.RecordRequest(context.Background(), "ok", time.Millisecond)
	r.RecordRateLimited(context.Background())
}
