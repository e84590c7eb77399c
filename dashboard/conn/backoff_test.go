package conn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffSchedule(t *testing.T) {
	p := BackoffPolicy{Base: time.Second, Growth: 2, MaxDelay: 30 * time.Second, MaxAttempts: 10}

	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, want := range expected {
		assert.Equal(t, want, p.Delay(i+1), "attempt %d", i+1)
	}
}

func TestBackoffExhaustion(t *testing.T) {
	p := BackoffPolicy{Base: time.Second, Growth: 2, MaxDelay: 30 * time.Second, MaxAttempts: 3}

	assert.False(t, p.Exhausted(0))
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))
}

func TestBackoffClampsBadAttempt(t *testing.T) {
	p := DefaultBackoff()
	assert.Equal(t, p.Base, p.Delay(0))
	assert.Equal(t, p.Base, p.Delay(-5))
	// Huge attempt numbers must not overflow into negative durations.
	assert.Equal(t, p.MaxDelay, p.Delay(10_000))
}

func TestDeriveHealth(t *testing.T) {
	conn := func(s Status) ConnectionState { return ConnectionState{Status: s} }

	tests := []struct {
		name string
		push Status
		poll Status
		want Health
	}{
		{"push connected is healthy", StatusConnected, StatusDisconnected, HealthHealthy},
		{"push connected trumps poll error", StatusConnected, StatusError, HealthHealthy},
		{"poll only is degraded", StatusDisconnected, StatusConnected, HealthDegraded},
		{"push error with poll alive is degraded", StatusError, StatusConnected, HealthDegraded},
		{"push connecting is connecting", StatusConnecting, StatusDisconnected, HealthConnecting},
		{"both down is offline", StatusDisconnected, StatusDisconnected, HealthOffline},
		{"both errored is offline", StatusError, StatusError, HealthOffline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveHealth(conn(tt.push), conn(tt.poll)))
		})
	}
}
