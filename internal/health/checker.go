// Package health probes the service's dependencies for the /health endpoint.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Pinger is satisfied by conversation stores and the Redis rate limit store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Probe is one dependency to check. A failing Critical probe makes the service unhealthy;
// any other failure only degrades it.
type Probe struct {
	Name     string
	Type     string
	Critical bool
	Target   Pinger
}

// Component is the result of one probe.
type Component struct {
	Name      string        `json:"name"`
	Type      string        `json:"type"`
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
}

// Report is the overall health of the service.
type Report struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

// Config holds health checker configuration.
type Config struct {
	Timeout time.Duration
	// MaxLatency marks a reachable component degraded when exceeded.
	MaxLatency time.Duration
}

// Checker runs probes concurrently.
type Checker struct {
	probes     []Probe
	timeout    time.Duration
	maxLatency time.Duration
	now        func() time.Time

	mu   sync.RWMutex
	last Report
}

// New creates a checker for probes. Probes with a nil Target are skipped.
func New(cfg Config, probes ...Probe) *Checker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxLatency <= 0 {
		cfg.MaxLatency = 250 * time.Millisecond
	}
	c := &Checker{timeout: cfg.Timeout, maxLatency: cfg.MaxLatency, now: time.Now}
	for _, p := range probes {
		if p.Target != nil {
			c.probes = append(c.probes, p)
		}
	}
	return c
}

// Check runs every probe and returns the combined report. Components keep probe order.
func (c *Checker) Check(ctx context.Context) Report {
	components := make([]Component, len(c.probes))
	var wg sync.WaitGroup
	for i, p := range c.probes {
		wg.Add(1)
		go func(i int, p Probe) {
			defer wg.Done()
			components[i] = c.probe(ctx, p)
		}(i, p)
	}
	wg.Wait()

	report := Report{
		Status:     overall(c.probes, components),
		Timestamp:  c.now(),
		Components: components,
	}
	c.mu.Lock()
	c.last = report
	c.mu.Unlock()
	return report
}

// Last returns the most recent report, or an empty healthy one before the first Check.
func (c *Checker) Last() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last.Status == "" {
		return Report{Status: StatusHealthy, Timestamp: c.now()}
	}
	return c.last
}

func (c *Checker) probe(ctx context.Context, p Probe) Component {
	comp := Component{Name: p.Name, Type: p.Type, Timestamp: c.now()}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := p.Target.Ping(ctx)
	comp.Latency = time.Since(start)
	switch {
	case err != nil:
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "unreachable"
	case comp.Latency > c.maxLatency:
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("high latency: %v", comp.Latency)
	default:
		comp.Status = StatusHealthy
		comp.Message = "connected"
	}
	return comp
}

func overall(probes []Probe, components []Component) Status {
	status := StatusHealthy
	for i, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			if probes[i].Critical {
				return StatusUnhealthy
			}
			status = StatusDegraded
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}
