package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

var (
	ok      = pingFunc(func(context.Context) error { return nil })
	failing = pingFunc(func(context.Context) error { return errors.New("connection refused") })
)

func TestCheckAllHealthy(t *testing.T) {
	c := New(Config{}, Probe{Name: "store", Type: "database", Critical: true, Target: ok}, Probe{Name: "redis", Type: "cache", Target: ok})
	report := c.Check(context.Background())
	if report.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s", report.Status)
	}
	if len(report.Components) != 2 || report.Components[0].Name != "store" || report.Components[1].Name != "redis" {
		t.Fatalf("unexpected components %+v", report.Components)
	}
}

func TestCheckCriticalFailure(t *testing.T) {
	c := New(Config{}, Probe{Name: "store", Type: "database", Critical: true, Target: failing}, Probe{Name: "redis", Type: "cache", Target: ok})
	report := c.Check(context.Background())
	if report.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", report.Status)
	}
	if report.Components[0].Error != "connection refused" {
		t.Fatalf("unexpected error %q", report.Components[0].Error)
	}
}

func TestCheckOptionalFailureDegrades(t *testing.T) {
	c := New(Config{}, Probe{Name: "store", Critical: true, Target: ok}, Probe{Name: "redis", Target: failing})
	if got := c.Check(context.Background()).Status; got != StatusDegraded {
		t.Fatalf("expected degraded, got %s", got)
	}
	if got := c.Last().Status; got != StatusDegraded {
		t.Fatalf("expected last report to be kept, got %s", got)
	}
}

func TestCheckTimeoutAndLatency(t *testing.T) {
	slow := pingFunc(func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(30 * time.Millisecond):
			return nil
		}
	})
	c := New(Config{Timeout: time.Second, MaxLatency: time.Millisecond}, Probe{Name: "store", Critical: true, Target: slow})
	if got := c.Check(context.Background()).Status; got != StatusDegraded {
		t.Fatalf("expected degraded for slow probe, got %s", got)
	}

	c = New(Config{Timeout: 5 * time.Millisecond}, Probe{Name: "store", Critical: true, Target: slow})
	report := c.Check(context.Background())
	if report.Status != StatusUnhealthy || report.Components[0].Error == "" {
		t.Fatalf("expected timeout to fail probe, got %+v", report)
	}
}

func TestNilTargetsSkipped(t *testing.T) {
	c := New(Config{}, Probe{Name: "redis"})
	report := c.Check(context.Background())
	if report.Status != StatusHealthy || len(report.Components) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if New(Config{}).Last().Status != StatusHealthy {
		t.Fatalf("expected healthy before first check")
	}
}
