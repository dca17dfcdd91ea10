// Package health aggregates dependency checks and serves them over HTTP and
// the gRPC health protocol.
package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Overall statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// ServiceName is the gRPC health service name for the whole agent.
const ServiceName = "sqlagent.v1.Agent"

const defaultCheckTimeout = 5 * time.Second

// Check reports whether one dependency is usable.
type Check func(ctx context.Context) error

// Report is the aggregated health of the service.
type Report struct {
	Status   string          `json:"status"`
	Version  string          `json:"version"`
	Services map[string]bool `json:"services"`
}

type namedCheck struct {
	name  string
	check Check
}

// Checker runs named dependency checks.
type Checker struct {
	version string
	timeout time.Duration

	mu     sync.RWMutex
	checks []namedCheck
}

// NewChecker creates a checker reporting version.
func NewChecker(version string) *Checker {
	return &Checker{version: version, timeout: defaultCheckTimeout}
}

// Add registers a dependency check.
func (c *Checker) Add(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, namedCheck{name: name, check: check})
}

// Check runs every check concurrently. The service is healthy when all
// dependencies pass, degraded when some do and unhealthy when none do.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.RLock()
	checks := append([]namedCheck(nil), c.checks...)
	c.mu.RUnlock()

	results := make([]bool, len(checks))
	var g errgroup.Group
	for i, nc := range checks {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			err := nc.check(cctx)
			if err != nil {
				slog.Warn("health check failed", "service", nc.name, "error", err)
			}
			results[i] = err == nil
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Version: c.version, Services: make(map[string]bool, len(checks))}
	passed := 0
	for i, nc := range checks {
		report.Services[nc.name] = results[i]
		if results[i] {
			passed++
		}
	}
	switch {
	case passed == len(checks):
		report.Status = StatusHealthy
	case passed > 0:
		report.Status = StatusDegraded
	default:
		report.Status = StatusUnhealthy
	}
	return report
}

// Names lists the registered checks in sorted order.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.checks))
	for _, nc := range c.checks {
		out = append(out, nc.name)
	}
	sort.Strings(out)
	return out
}

// NewGRPCServer returns a gRPC server exposing the standard health service.
func NewGRPCServer() (*grpc.Server, *grpchealth.Server) {
	srv := grpc.NewServer()
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

// Publish copies a report into the gRPC health server. Degraded still
// serves; each dependency is published under its own name.
func Publish(hs *grpchealth.Server, r Report) {
	overall := healthpb.HealthCheckResponse_SERVING
	if r.Status == StatusUnhealthy {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	hs.SetServingStatus("", overall)
	hs.SetServingStatus(ServiceName, overall)
	for name, ok := range r.Services {
		status := healthpb.HealthCheckResponse_SERVING
		if !ok {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus(name, status)
	}
}

// Watch re-runs the checks every interval and publishes them until ctx is
// done, then marks everything as not serving.
func (c *Checker) Watch(ctx context.Context, hs *grpchealth.Server, interval time.Duration) {
	Publish(hs, c.Check(ctx))
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				Publish(hs, c.Check(ctx))
			case <-ctx.Done():
				hs.Shutdown()
				return
			}
		}
	}()
}
