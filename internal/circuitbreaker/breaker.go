// Package circuitbreaker stops calling a failing dependency for a while.
// Each key has its own circuit: closed until threshold consecutive failures,
// then open for a cool-down, then half-open for a single probe call.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Do while the circuit for a key is open.
var ErrOpen = errors.New("circuitbreaker: circuit open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchmarket",
		Subsystem: "circuitbreaker",
		Name:      "transitions_total",
		Help:      "Circuit state changes by key and target state.",
	}, []string{"key", "to"})

	stateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "watchmarket",
		Subsystem: "circuitbreaker",
		Name:      "state",
		Help:      "Current circuit state by key (0 closed, 1 open, 2 half-open).",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(transitionsTotal, stateGauge)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// TransitionFunc observes state changes. It runs after the breaker's lock is
// released, on the goroutine that caused the change.
type TransitionFunc func(key string, from, to State)

// Breaker holds one circuit per key.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	coolDown  time.Duration
	observer  TransitionFunc
	now       func() time.Time
}

// New returns a breaker that opens after threshold consecutive failures and
// probes again once coolDown has passed. Zero values pick 5 and 30s.
func New(threshold int, coolDown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		coolDown:  coolDown,
		now:       time.Now,
	}
}

func (b *Breaker) OnTransition(fn TransitionFunc) {
	b.mu.Lock()
	b.observer = fn
	b.mu.Unlock()
}

// State reports the circuit for key. Keys never seen are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// Allow reports whether a call for key may proceed. An open circuit whose
// cool-down has elapsed turns half-open and admits exactly one caller.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	c := b.circuitLocked(key)
	allowed := true
	var change *transition

	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.coolDown {
			allowed = false
			break
		}
		change = b.moveLocked(key, c, StateHalfOpen)
		c.probing = true
	case StateHalfOpen:
		if c.probing {
			allowed = false
		} else {
			c.probing = true
		}
	}
	b.mu.Unlock()

	b.notify(change)
	return allowed
}

// RecordSuccess closes the circuit and clears its failure count.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	c := b.circuitLocked(key)
	c.failures = 0
	c.probing = false
	change := b.moveLocked(key, c, StateClosed)
	b.mu.Unlock()

	b.notify(change)
}

// RecordFailure counts a failure. A failed probe reopens the circuit at once.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	c := b.circuitLocked(key)
	c.failures++
	c.probing = false

	var change *transition
	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.threshold) {
		c.openedAt = b.now()
		change = b.moveLocked(key, c, StateOpen)
	}
	b.mu.Unlock()

	b.notify(change)
}

// Do runs fn when the circuit allows it and records the result. Errors for
// which countable returns false, such as a rejected transfer, are returned
// without counting against the circuit.
func (b *Breaker) Do(key string, countable func(error) bool, fn func() error) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := fn()
	if err != nil && (countable == nil || countable(err)) {
		b.RecordFailure(key)
	} else {
		b.RecordSuccess(key)
	}
	return err
}

type transition struct {
	key      string
	from, to State
	observer TransitionFunc
}

func (b *Breaker) circuitLocked(key string) *circuit {
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	return c
}

func (b *Breaker) moveLocked(key string, c *circuit, to State) *transition {
	if c.state == to {
		return nil
	}
	t := &transition{key: key, from: c.state, to: to, observer: b.observer}
	c.state = to
	return t
}

func (b *Breaker) notify(t *transition) {
	if t == nil {
		return
	}
	transitionsTotal.WithLabelValues(t.key, t.to.String()).Inc()
	stateGauge.WithLabelValues(t.key).Set(float64(t.to))
	if t.observer != nil {
		t.observer(t.key, t.from, t.to)
	}
}
