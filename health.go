package creditledger

import (
	"sync"
	"time"
)

const (
	healthFailureThreshold = 3
	healthFailureWindow    = 5 * time.Minute
	healthUnhealthyPeriod  = 30 * time.Second
)

// HealthTracker tracks per-generator health using a circuit breaker pattern.
// While a generator is unhealthy the broker fails fast before reserving credit.
type HealthTracker struct {
	mu         sync.RWMutex
	generators map[string]*generatorHealth
	now        func() time.Time
}

type generatorHealth struct {
	state       HealthState
	failures    []time.Time // sliding window of failure timestamps
	unhealthyAt time.Time   // when state transitioned to unhealthy
}

// HealthState describes the health of an external generator.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NewHealthTracker creates a new HealthTracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		generators: make(map[string]*generatorHealth),
		now:        time.Now,
	}
}

// GetHealth returns the current health state for a generator.
func (h *HealthTracker) GetHealth(name string) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	gh, ok := h.generators[name]
	if !ok {
		return HealthHealthy
	}

	// Unhealthy period elapsed: let one probe through.
	if gh.state == HealthUnhealthy && h.now().Sub(gh.unhealthyAt) >= healthUnhealthyPeriod {
		gh.state = HealthHalfOpen
	}

	return gh.state
}

// RecordSuccess records a successful generation.
func (h *HealthTracker) RecordSuccess(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	gh := h.getOrCreate(name)
	gh.state = HealthHealthy
	gh.failures = gh.failures[:0]
}

// RecordFailure records a failed generation.
func (h *HealthTracker) RecordFailure(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	gh := h.getOrCreate(name)
	now := h.now()

	// A failed half-open probe reopens the circuit.
	if gh.state == HealthHalfOpen {
		gh.state = HealthUnhealthy
		gh.unhealthyAt = now
		return
	}
	if gh.state == HealthUnhealthy {
		return
	}

	cutoff := now.Add(-healthFailureWindow)
	valid := gh.failures[:0]
	for _, t := range gh.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	gh.failures = append(valid, now)

	if len(gh.failures) >= healthFailureThreshold {
		gh.state = HealthUnhealthy
		gh.unhealthyAt = now
	}
}

func (h *HealthTracker) getOrCreate(name string) *generatorHealth {
	gh, ok := h.generators[name]
	if !ok {
		gh = &generatorHealth{state: HealthHealthy}
		h.generators[name] = gh
	}
	return gh
}
