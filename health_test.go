package creditledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealthTracker_Transitions(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	h := NewHealthTracker()
	h.now = func() time.Time { return now }

	assert.Equal(t, HealthHealthy, h.GetHealth("render"))

	h.RecordFailure("render")
	h.RecordFailure("render")
	assert.Equal(t, HealthHealthy, h.GetHealth("render"))

	h.RecordFailure("render")
	assert.Equal(t, HealthUnhealthy, h.GetHealth("render"))
	assert.Equal(t, HealthHealthy, h.GetHealth("other"))

	now = now.Add(healthUnhealthyPeriod)
	assert.Equal(t, HealthHalfOpen, h.GetHealth("render"))

	// A failed probe reopens the circuit.
	h.RecordFailure("render")
	assert.Equal(t, HealthUnhealthy, h.GetHealth("render"))

	now = now.Add(healthUnhealthyPeriod)
	assert.Equal(t, HealthHalfOpen, h.GetHealth("render"))
	h.RecordSuccess("render")
	assert.Equal(t, HealthHealthy, h.GetHealth("render"))
}

func TestHealthTracker_FailuresOutsideWindow(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	h := NewHealthTracker()
	h.now = func() time.Time { return now }

	h.RecordFailure("render")
	h.RecordFailure("render")
	now = now.Add(healthFailureWindow + time.Second)
	h.RecordFailure("render")
	assert.Equal(t, HealthHealthy, h.GetHealth("render"))
}

func TestHealthState_String(t *testing.T) {
	assert.Equal(t, "healthy", HealthHealthy.String())
	assert.Equal(t, "unhealthy", HealthUnhealthy.String())
	assert.Equal(t, "half-open", HealthHalfOpen.String())
	assert.Equal(t, "unknown", HealthState(9).String())
}
