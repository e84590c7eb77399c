package conn

import (
	"time"

	"github.com/pulseboard/pulseboard/dashboard/event"
)

// Status is the lifecycle state of one transport.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// GaugeValue maps the status onto the metric encoding
// (0=disconnected, 1=connecting, 2=connected, 3=error).
func (s Status) GaugeValue() float64 {
	switch s {
	case StatusConnecting:
		return 1
	case StatusConnected:
		return 2
	case StatusError:
		return 3
	default:
		return 0
	}
}

// ConnectionState tracks one transport's health. Created at manager
// initialization, mutated only by the manager, reset but never destroyed.
type ConnectionState struct {
	Channel           event.Channel `json:"channel"`
	Status            Status        `json:"status"`
	LastConnectedAt   *time.Time    `json:"last_connected_at,omitempty"`
	LastError         string        `json:"last_error,omitempty"`
	ReconnectAttempts int           `json:"reconnect_attempts"`
}

// Health is the derived overall connectivity signal.
type Health string

const (
	HealthHealthy    Health = "healthy"
	HealthDegraded   Health = "degraded"
	HealthConnecting Health = "connecting"
	HealthOffline    Health = "offline"
)

// GaugeValue maps health onto the metric encoding
// (0=offline, 1=connecting, 2=degraded, 3=healthy).
func (h Health) GaugeValue() float64 {
	switch h {
	case HealthConnecting:
		return 1
	case HealthDegraded:
		return 2
	case HealthHealthy:
		return 3
	default:
		return 0
	}
}

// DeriveHealth computes overall health from the two transport states. It
// is a pure function, recomputed on every state change.
func DeriveHealth(push, poll ConnectionState) Health {
	switch {
	case push.Status == StatusConnected:
		return HealthHealthy
	case poll.Status == StatusConnected:
		return HealthDegraded
	case push.Status == StatusConnecting || poll.Status == StatusConnecting:
		return HealthConnecting
	default:
		return HealthOffline
	}
}

// HealthSnapshot is the read-only view handed to render collaborators.
type HealthSnapshot struct {
	Push    ConnectionState `json:"push"`
	Poll    ConnectionState `json:"poll"`
	Overall Health          `json:"overall"`
}
