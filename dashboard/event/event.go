package event

import (
	"fmt"
	"hash/fnv"
	"time"
)

// Kind identifies the type of a telemetry event.
type Kind string

const (
	KindTaskStarted    Kind = "task_started"
	KindTaskCompleted  Kind = "task_completed"
	KindTaskError      Kind = "task_error"
	KindPhaseStart     Kind = "phase_start"
	KindPhaseUpdate    Kind = "phase_update"
	KindPhaseComplete  Kind = "phase_complete"
	KindPhaseError     Kind = "phase_error"
	KindProgressUpdate Kind = "progress_update"
	KindLog            Kind = "log"
)

// Channel identifies which transport delivered an event.
type Channel string

const (
	ChannelPush Channel = "push"
	ChannelPoll Channel = "poll"
)

// Canonical is a normalized, validated telemetry event ready for
// state-machine consumption. Which fields are meaningful depends on Kind;
// Normalize guarantees the required fields for the kind are present.
// Immutable once admitted.
type Canonical struct {
	Kind       Kind      `json:"kind"`
	Seq        int64     `json:"seq,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	PhaseID    string    `json:"phase_id,omitempty"`
	ParentID   string    `json:"parent_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`

	// phase_update / progress_update
	OperationID string `json:"operation_id,omitempty"`
	Current     int64  `json:"current,omitempty"`
	Total       int64  `json:"total,omitempty"`
	HasProgress bool   `json:"-"`

	// phase_start
	TaskType          string        `json:"task_type,omitempty"`
	Description       string        `json:"description,omitempty"`
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`

	// phase_complete
	Success bool `json:"success"`

	// task_completed / task_error / phase_error
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	// log
	Message   string `json:"message,omitempty"`
	Level     string `json:"level,omitempty"`
	Component string `json:"component,omitempty"`
}

const dedupeMessagePrefix = 64

// DedupeKey derives the content key used by the duplicate filter. Only the
// fields that identify the event logically participate, so the same fact
// delivered by push and poll hashes identically regardless of envelope
// differences (sequence numbers, delivery timestamps).
func (c Canonical) DedupeKey() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|", c.Kind)

	switch c.Kind {
	case KindLog:
		msg := c.Message
		if len(msg) > dedupeMessagePrefix {
			msg = msg[:dedupeMessagePrefix]
		}
		fmt.Fprintf(h, "%s|%s|%s", c.TaskID, c.Level, msg)
	case KindPhaseUpdate:
		fmt.Fprintf(h, "%s|%d|%d|%s", c.PhaseID, c.Current, c.Total, c.Message)
	case KindProgressUpdate:
		fmt.Fprintf(h, "%s|%s|%d|%d", c.TaskID, c.OperationID, c.Current, c.Total)
	case KindPhaseStart:
		fmt.Fprintf(h, "%s|%s", c.TaskID, c.PhaseID)
	case KindPhaseComplete:
		fmt.Fprintf(h, "%s|%t", c.PhaseID, c.Success)
	case KindPhaseError:
		fmt.Fprintf(h, "%s|%s", c.PhaseID, c.Error)
	default:
		// task-level lifecycle events key on the task alone
		fmt.Fprintf(h, "%s", c.TaskID)
	}

	return fmt.Sprintf("%x", h.Sum64())
}
