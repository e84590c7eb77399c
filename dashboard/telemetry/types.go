package telemetry

import (
	"time"

	"github.com/pulseboard/pulseboard/dashboard/estimate"
)

// TaskStatus is the lifecycle state of a tracked task.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskError     TaskStatus = "error"
)

// Terminal reports whether no further task transition is permitted.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskError
}

// PhaseStatus is the lifecycle state of a phase.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseRunning   PhaseStatus = "running"
	PhaseCompleted PhaseStatus = "completed"
	PhaseError     PhaseStatus = "error"
	PhaseSkipped   PhaseStatus = "skipped"
)

// Terminal reports whether no further phase transition is permitted.
func (s PhaseStatus) Terminal() bool {
	return s == PhaseCompleted || s == PhaseError || s == PhaseSkipped
}

// ProgressCounter tracks one measurable quantity and its rate/ETC state.
type ProgressCounter struct {
	ID        string            `json:"id"`
	Current   int64             `json:"current"`
	Total     int64             `json:"total"`
	History   []estimate.Sample `json:"-"`
	StartedAt time.Time         `json:"started_at"`

	// StaticEstimate is the backend-provided duration hint, used as
	// fallback when no rate can be derived yet.
	StaticEstimate time.Duration `json:"-"`

	SmoothedRate       float64       `json:"smoothed_rate,omitempty"`
	EstimatedRemaining time.Duration `json:"estimated_remaining,omitempty"`
	// HasEstimate distinguishes "zero remaining" from "unknown".
	HasEstimate bool `json:"has_estimate"`
}

// Phase is one named stage of a task, optionally nested under a parent.
type Phase struct {
	ID          string      `json:"id"`
	TaskID      string      `json:"task_id"`
	ParentID    string      `json:"parent_id,omitempty"`
	Status      PhaseStatus `json:"status"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	EndedAt     *time.Time  `json:"ended_at,omitempty"`
	Description string      `json:"description,omitempty"`
	Message     string      `json:"message,omitempty"`
	ErrorDetail string      `json:"error_detail,omitempty"`
	Current     int64       `json:"current"`
	Total       int64       `json:"total"`
	Children    []string    `json:"children,omitempty"`
}

// LogEntry is one log line attributed to a task.
type LogEntry struct {
	At        time.Time `json:"at"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Component string    `json:"component,omitempty"`
}

// Task represents one execution of the background job.
type Task struct {
	ID          string                      `json:"id"`
	TaskType    string                      `json:"task_type,omitempty"`
	Status      TaskStatus                  `json:"status"`
	StartedAt   time.Time                   `json:"started_at"`
	EndedAt     *time.Time                  `json:"ended_at,omitempty"`
	Phases      map[string]*Phase           `json:"phases"`
	Counters    map[string]*ProgressCounter `json:"counters"`
	LogCount    int                         `json:"log_count"`
	ErrorCount  int                         `json:"error_count"`
	RecentLogs  []LogEntry                  `json:"recent_logs,omitempty"`
	Result      string                      `json:"result,omitempty"`
	ErrorDetail string                      `json:"error_detail,omitempty"`

	// archiveAt schedules removal from the active map after the terminal
	// grace period, so late events can still be attributed.
	archiveAt time.Time
}

// PhaseStatistics aggregates phase counts by status across active tasks.
type PhaseStatistics struct {
	ByStatus    map[PhaseStatus]int `json:"by_status"`
	TotalPhases int                 `json:"total_phases"`
	ActiveTasks int                 `json:"active_tasks"`
}

// Clone returns a deep copy safe to hand outside the state machine.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Phases = make(map[string]*Phase, len(t.Phases))
	for id, p := range t.Phases {
		c.Phases[id] = p.Clone()
	}
	c.Counters = make(map[string]*ProgressCounter, len(t.Counters))
	for id, pc := range t.Counters {
		c.Counters[id] = pc.Clone()
	}
	c.RecentLogs = append([]LogEntry(nil), t.RecentLogs...)
	if t.EndedAt != nil {
		ended := *t.EndedAt
		c.EndedAt = &ended
	}
	return &c
}

// Clone returns a deep copy of the phase.
func (p *Phase) Clone() *Phase {
	if p == nil {
		return nil
	}
	c := *p
	c.Children = append([]string(nil), p.Children...)
	if p.StartedAt != nil {
		started := *p.StartedAt
		c.StartedAt = &started
	}
	if p.EndedAt != nil {
		ended := *p.EndedAt
		c.EndedAt = &ended
	}
	return &c
}

// Clone returns a deep copy of the counter.
func (pc *ProgressCounter) Clone() *ProgressCounter {
	if pc == nil {
		return nil
	}
	c := *pc
	c.History = append([]estimate.Sample(nil), pc.History...)
	return &c
}
