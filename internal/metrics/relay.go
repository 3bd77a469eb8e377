package metrics

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Relay holds the instruments recorded by the chat relay and its HTTP surface.
type Relay struct {
	requests        metric.Int64Counter
	requestDuration metric.Float64Histogram
	upstreamOpen    metric.Float64Histogram
	upstreamErrors  metric.Int64Counter
	fragments       metric.Int64Counter
	malformed       metric.Int64Counter
	persistFailures metric.Int64Counter
	rateLimited     metric.Int64Counter
}

// NewRelay registers the relay instruments on meter.
func NewRelay(meter metric.Meter) (*Relay, error) {
	var (
		r    Relay
		err  error
		errs []error
	)
	r.requests, err = meter.Int64Counter("chat.requests",
		metric.WithDescription("Chat requests by outcome"))
	errs = append(errs, err)
	r.requestDuration, err = meter.Float64Histogram("chat.request.duration",
		metric.WithDescription("Wall time of a chat request including streaming"), metric.WithUnit("s"))
	errs = append(errs, err)
	r.upstreamOpen, err = meter.Float64Histogram("chat.upstream.open.duration",
		metric.WithDescription("Time until the upstream answered with headers"), metric.WithUnit("s"))
	errs = append(errs, err)
	r.upstreamErrors, err = meter.Int64Counter("chat.upstream.errors",
		metric.WithDescription("Upstream failures by provider and status"))
	errs = append(errs, err)
	r.fragments, err = meter.Int64Counter("chat.stream.fragments",
		metric.WithDescription("Text fragments forwarded to callers"))
	errs = append(errs, err)
	r.malformed, err = meter.Int64Counter("chat.stream.malformed",
		metric.WithDescription("Upstream data lines skipped because they failed to decode"))
	errs = append(errs, err)
	r.persistFailures, err = meter.Int64Counter("chat.persist.failures",
		metric.WithDescription("Turn writes rejected by the store"))
	errs = append(errs, err)
	r.rateLimited, err = meter.Int64Counter("chat.ratelimit.rejections",
		metric.WithDescription("Requests rejected by the per-user limiter"))
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &r, nil
}

// Noop returns instruments that record nothing.
func Noop() *Relay {
	r, _ := NewRelay(noop.NewMeterProvider().Meter("noop"))
	return r
}

func (r *Relay) RecordRequest(ctx context.Context, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	r.requests.Add(ctx, 1, attrs)
	r.requestDuration.Record(ctx, d.Seconds(), attrs)
}

func (r *Relay) RecordUpstreamOpen(ctx context.Context, provider, model string, d time.Duration) {
	r.upstreamOpen.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
	))
}

// RecordUpstreamError counts a failed upstream call. status is 0 for transport failures.
func (r *Relay) RecordUpstreamError(ctx context.Context, provider string, status int) {
	r.upstreamErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", strconv.Itoa(status)),
	))
}

func (r *Relay) RecordFragments(ctx context.Context, provider string, n int) {
	if n <= 0 {
		return
	}
	r.fragments.Add(ctx, int64(n), metric.WithAttributes(attribute.String("provider", provider)))
}

func (r *Relay) RecordMalformed(ctx context.Context, provider string, n int) {
	if n <= 0 {
		return
	}
	r.malformed.Add(ctx, int64(n), metric.WithAttributes(attribute.String("provider", provider)))
}

func (r *Relay) RecordPersistFailure(ctx context.Context, role string) {
	r.persistFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

func (r *Relay) RecordRateLimited(ctx context.Context) {
	r.rateLimited.Add(ctx, 1)
}
