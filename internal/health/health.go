// Package health runs the readiness probes behind /health: the database,
// the offer lock backend and anything else the server registers.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 2 * time.Second

// Status is the outcome of one probe.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Checker probes one dependency. It should return promptly once ctx is done.
type Checker func(ctx context.Context) Status

type probe struct {
	name  string
	check Checker
}

// Registry holds the probes. Probes run concurrently, each under its own
// deadline, and results come back in registration order.
type Registry struct {
	mu      sync.RWMutex
	probes  []probe
	timeout time.Duration
}

func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// WithTimeout changes the per-probe deadline. Non-positive values are ignored.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a probe. Registering a name twice replaces the first probe.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.probes {
		if r.probes[i].name == name {
			r.probes[i].check = check
			return
		}
	}
	r.probes = append(r.probes, probe{name: name, check: check})
}

// CheckAll runs every probe and reports healthy only if all of them pass.
// A probe that overruns its deadline is reported unhealthy.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	probes := append([]probe(nil), r.probes...)
	timeout := r.timeout
	r.mu.RUnlock()

	statuses := make([]Status, len(probes))
	var g errgroup.Group
	for i, p := range probes {
		g.Go(func() error {
			statuses[i] = run(ctx, p, timeout)
			return nil
		})
	}
	_ = g.Wait()

	healthy := true
	for _, st := range statuses {
		healthy = healthy && st.Healthy
	}
	return healthy, statuses
}

func run(parent context.Context, p probe, timeout time.Duration) Status {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan Status, 1)
	go func() { done <- p.check(ctx) }()

	var st Status
	select {
	case st = <-done:
	case <-ctx.Done():
		st = Status{Healthy: false, Detail: fmt.Sprintf("timed out after %s", timeout)}
	}
	st.Name = p.name
	st.LatencyMS = time.Since(start).Milliseconds()
	return st
}

// Pinger is satisfied by *sql.DB and by small adapters around other clients.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingChecker passes when PingContext returns nil.
func PingChecker(p Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := p.PingContext(ctx); err != nil {
			return Status{Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}
