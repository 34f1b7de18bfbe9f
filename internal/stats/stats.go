// Package stats collects in-process counters about admission decisions and
// redirect latency for the diagnostic API.
package stats

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Outcome is the decision category observed by the metrics collector.
type Outcome string

// Observed outcomes.
const (
	OutcomeAllowed  Outcome = "allowed"
	OutcomeBypassed Outcome = "bypassed"
	OutcomeBlocked  Outcome = "blocked"
)

// latWindow is how many of the most recent latency samples the quantile
// estimates are computed over.
const latWindow = 1024

// Metrics accumulates decision counters and a sliding window of decision
// latencies.  All methods are safe for concurrent use.
type Metrics struct {
	start time.Time

	allowed  atomic.Uint64
	bypassed atomic.Uint64
	blocked  atomic.Uint64
	errors   atomic.Uint64

	// mu protects byReason and the latency ring.
	mu        sync.Mutex
	byReason  map[string]uint64
	latencies []float64
	next      int
	filled    bool
}

// New creates an empty metrics collector.
func New() (m *Metrics) {
	return &Metrics{
		start:     time.Now(),
		byReason:  map[string]uint64{},
		latencies: make([]float64, latWindow),
	}
}

// Observe records one completed decision.  reason is set for blocks only.
func (m *Metrics) Observe(o Outcome, reason string, elapsed time.Duration) {
	switch o {
	case OutcomeAllowed:
		m.allowed.Add(1)
	case OutcomeBypassed:
		m.bypassed.Add(1)
	case OutcomeBlocked:
		m.blocked.Add(1)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if reason != "" {
		m.byReason[reason]++
	}

	m.latencies[m.next] = float64(elapsed.Microseconds()) / 1e3
	m.next++
	if m.next == len(m.latencies) {
		m.next = 0
		m.filled = true
	}
}

// ObserveError records a decision that failed before reaching a verdict.
func (m *Metrics) ObserveError() {
	m.errors.Add(1)
}

// Latency holds millisecond latency quantiles over the sample window.
type Latency struct {
	P50 float64 `json:"p50_ms"`
	P90 float64 `json:"p90_ms"`
	P99 float64 `json:"p99_ms"`
}

// Snapshot is a point-in-time copy of the collected metrics.
type Snapshot struct {
	BlockedByReason map[string]uint64 `json:"blocked_by_reason"`
	UptimeSeconds   float64           `json:"uptime_seconds"`
	Latency         Latency           `json:"latency"`
	Allowed         uint64            `json:"allowed"`
	Bypassed        uint64            `json:"bypassed"`
	Blocked         uint64            `json:"blocked"`
	Errors          uint64            `json:"errors"`

	// SuccessRate is the share of decisions that ended in an admission,
	// bypasses included.
	SuccessRate float64 `json:"success_rate"`
}

// Snapshot returns a copy of the current state.
func (m *Metrics) Snapshot() (s *Snapshot) {
	s = &Snapshot{
		UptimeSeconds: time.Since(m.start).Seconds(),
		Allowed:       m.allowed.Load(),
		Bypassed:      m.bypassed.Load(),
		Blocked:       m.blocked.Load(),
		Errors:        m.errors.Load(),
	}

	total := s.Allowed + s.Bypassed + s.Blocked
	if total > 0 {
		s.SuccessRate = float64(s.Allowed+s.Bypassed) / float64(total)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s.BlockedByReason = make(map[string]uint64, len(m.byReason))
	for r, n := range m.byReason {
		s.BlockedByReason[r] = n
	}

	s.Latency = m.quantiles()

	return s
}

// quantiles computes the latency quantiles over the current window.  m.mu is
// expected to be locked.
func (m *Metrics) quantiles() (l Latency) {
	n := m.next
	if m.filled {
		n = len(m.latencies)
	}

	if n == 0 {
		return Latency{}
	}

	xs := slices.Clone(m.latencies[:n])
	slices.Sort(xs)

	return Latency{
		P50: stat.Quantile(0.50, stat.Empirical, xs, nil),
		P90: stat.Quantile(0.90, stat.Empirical, xs, nil),
		P99: stat.Quantile(0.99, stat.Empirical, xs, nil),
	}
}
