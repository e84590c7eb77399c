// Package telemetry owns the canonical task/phase/progress entity graph.
// The Machine is the single source of truth for "what is currently
// happening"; everything outside reads it through snapshot accessors.
package telemetry

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/pulseboard/pulseboard/dashboard/estimate"
	"github.com/pulseboard/pulseboard/dashboard/event"
	"github.com/pulseboard/pulseboard/dashboard/notify"
	"github.com/pulseboard/pulseboard/dashboard/observability"
)

// Config controls retention and estimation behavior.
type Config struct {
	// HistoryCap bounds each ProgressCounter's sample history.
	HistoryCap int
	// MaxTasks bounds concurrently tracked tasks; oldest non-running
	// tasks are archived past it.
	MaxTasks int
	// MaxAge archives non-running tasks older than this.
	MaxAge time.Duration
	// ArchiveGrace delays archival after a task goes terminal so late
	// events can still be attributed.
	ArchiveGrace time.Duration
	// ArchiveCap bounds the kept history of archived tasks.
	ArchiveCap int
	// RecentLogCap bounds the per-task recent log ring.
	RecentLogCap int
	// ExpectedPhaseOrder lists phase ids in expected execution order;
	// completing the last one successfully completes the task. Supplied
	// by configuration, not derived.
	ExpectedPhaseOrder []string

	Estimator estimate.Config
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		HistoryCap:   100,
		MaxTasks:     10,
		MaxAge:       24 * time.Hour,
		ArchiveGrace: 30 * time.Second,
		ArchiveCap:   50,
		RecentLogCap: 250,
		Estimator:    estimate.DefaultConfig(),
	}
}

// Machine folds the admitted canonical event stream into the task/phase
// model. It exclusively owns all Task/Phase/ProgressCounter instances;
// accessors return deep copies only.
type Machine struct {
	mu  sync.RWMutex
	cfg Config
	est *estimate.Estimator

	tasks    map[string]*Task
	archived []*Task
	// phaseOwner resolves events that carry only a phase id.
	phaseOwner map[string]string
	// operations holds standalone progress_update counters that are not
	// attributed to any task.
	operations map[string]*ProgressCounter

	broadcaster *notify.Broadcaster
	now         func() time.Time
}

// NewMachine creates a state machine publishing changes to b (may be nil).
func NewMachine(cfg Config, b *notify.Broadcaster) *Machine {
	def := DefaultConfig()
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = def.HistoryCap
	}
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = def.MaxTasks
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.ArchiveGrace <= 0 {
		cfg.ArchiveGrace = def.ArchiveGrace
	}
	if cfg.ArchiveCap <= 0 {
		cfg.ArchiveCap = def.ArchiveCap
	}
	if cfg.RecentLogCap <= 0 {
		cfg.RecentLogCap = def.RecentLogCap
	}
	return &Machine{
		cfg:         cfg,
		est:         estimate.New(cfg.Estimator),
		tasks:       make(map[string]*Task),
		phaseOwner:  make(map[string]string),
		operations:  make(map[string]*ProgressCounter),
		broadcaster: b,
		now:         time.Now,
	}
}

// Apply folds one admitted event into the model. It never returns an
// error: faults in one event must not block subsequent events, so
// unactionable events are dropped with a diagnostic.
func (m *Machine) Apply(ev event.Canonical) {
	start := time.Now()
	defer func() {
		observability.ApplyDuration.Observe(time.Since(start).Seconds())
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Kind {
	case event.KindTaskStarted:
		m.handleTaskStarted(ev)
	case event.KindTaskCompleted:
		m.handleTaskTerminal(ev, TaskCompleted)
	case event.KindTaskError:
		m.handleTaskTerminal(ev, TaskError)
	case event.KindPhaseStart:
		m.handlePhaseStart(ev)
	case event.KindPhaseUpdate:
		m.handlePhaseUpdate(ev)
	case event.KindPhaseComplete:
		m.handlePhaseComplete(ev)
	case event.KindPhaseError:
		m.handlePhaseError(ev)
	case event.KindProgressUpdate:
		m.handleProgressUpdate(ev)
	case event.KindLog:
		m.handleLog(ev)
	}

	observability.ActiveTasks.Set(float64(len(m.tasks)))
}

// --- Task handlers ---

func (m *Machine) handleTaskStarted(ev event.Canonical) {
	task := m.ensureTaskLocked(ev.TaskID, ev.OccurredAt)
	if ev.TaskType != "" {
		task.TaskType = ev.TaskType
	}
	m.publishTaskLocked(task)
}

func (m *Machine) handleTaskTerminal(ev event.Canonical, status TaskStatus) {
	task, ok := m.tasks[ev.TaskID]
	if !ok {
		// Terminal event for an unseen task still gets a record so the
		// display has something to show.
		task = m.ensureTaskLocked(ev.TaskID, ev.OccurredAt)
	}
	if task.Status.Terminal() {
		m.dropLocked("terminal_task", ev)
		return
	}

	task.Status = status
	ended := ev.OccurredAt
	task.EndedAt = &ended
	task.Result = ev.Result
	task.ErrorDetail = ev.Error
	task.archiveAt = ev.OccurredAt.Add(m.cfg.ArchiveGrace)

	// Resolve phases the backend never closed out.
	for _, phase := range task.Phases {
		if phase.Status.Terminal() {
			continue
		}
		if status == TaskCompleted {
			m.finishPhaseLocked(task, phase, PhaseCompleted, ev.OccurredAt)
		} else {
			m.finishPhaseLocked(task, phase, PhaseSkipped, ev.OccurredAt)
		}
	}

	m.enforceRetentionLocked(m.now())
	m.publishTaskLocked(task)
}

// --- Phase handlers ---

func (m *Machine) handlePhaseStart(ev event.Canonical) {
	// Terminal-drop takes precedence over implicit creation: a known
	// terminal phase drops the event before any task is created from it.
	if taskID, seen := m.phaseOwner[ev.PhaseID]; seen {
		if task, ok := m.tasks[taskID]; ok {
			if phase, ok := task.Phases[ev.PhaseID]; ok && phase.Status.Terminal() {
				m.dropLocked("terminal_phase", ev)
				return
			}
		}
	}

	task := m.resolveTaskLocked(ev)
	if task == nil {
		m.dropLocked("unattributable", ev)
		return
	}
	if task.Status.Terminal() {
		m.dropLocked("terminal_task", ev)
		return
	}

	phase := m.ensurePhaseLocked(task, ev.PhaseID)
	if phase.Status.Terminal() {
		m.dropLocked("terminal_phase", ev)
		return
	}

	if ev.ParentID != "" {
		parent := m.ensurePhaseLocked(task, ev.ParentID)
		phase.ParentID = ev.ParentID
		if !containsString(parent.Children, phase.ID) {
			parent.Children = append(parent.Children, phase.ID)
		}
	}
	if ev.Description != "" {
		phase.Description = ev.Description
	}

	started := ev.OccurredAt
	phase.Status = PhaseRunning
	phase.StartedAt = &started

	counter := m.ensureCounterLocked(task, phase.ID, ev.OccurredAt)
	if ev.EstimatedDuration > 0 {
		counter.StaticEstimate = ev.EstimatedDuration
	}

	m.publishPhaseLocked(phase)
}

func (m *Machine) handlePhaseUpdate(ev event.Canonical) {
	task, phase := m.lookupPhaseLocked(ev.PhaseID)
	if phase == nil {
		m.dropLocked("unknown_phase", ev)
		return
	}
	if phase.Status.Terminal() {
		m.dropLocked("terminal_phase", ev)
		return
	}
	if phase.Status != PhaseRunning {
		m.dropLocked("not_running", ev)
		return
	}

	if ev.Message != "" {
		phase.Message = ev.Message
	}
	if ev.HasProgress {
		phase.Current = ev.Current
		if ev.Total > 0 {
			phase.Total = ev.Total
		}
		counter := m.ensureCounterLocked(task, phase.ID, ev.OccurredAt)
		m.recordSampleLocked(counter, ev.Current, ev.Total, ev.OccurredAt)
	}

	m.publishPhaseLocked(phase)
}

func (m *Machine) handlePhaseComplete(ev event.Canonical) {
	task, phase := m.lookupPhaseLocked(ev.PhaseID)
	if phase == nil {
		m.dropLocked("unknown_phase", ev)
		return
	}
	if phase.Status.Terminal() {
		m.dropLocked("terminal_phase", ev)
		return
	}

	status := PhaseCompleted
	if !ev.Success {
		status = PhaseError
	}
	m.finishPhaseLocked(task, phase, status, ev.OccurredAt)

	// The task's terminal phase comes from configuration, never derived.
	if ev.Success && m.isFinalPhaseLocked(phase.ID) && !task.Status.Terminal() {
		task.Status = TaskCompleted
		ended := ev.OccurredAt
		task.EndedAt = &ended
		task.archiveAt = ev.OccurredAt.Add(m.cfg.ArchiveGrace)
		m.publishTaskLocked(task)
	}

	m.publishPhaseLocked(phase)
}

func (m *Machine) handlePhaseError(ev event.Canonical) {
	task, phase := m.lookupPhaseLocked(ev.PhaseID)
	if phase == nil {
		m.dropLocked("unknown_phase", ev)
		return
	}
	if phase.Status.Terminal() {
		m.dropLocked("terminal_phase", ev)
		return
	}

	phase.ErrorDetail = ev.Error
	m.finishPhaseLocked(task, phase, PhaseError, ev.OccurredAt)
	m.publishPhaseLocked(phase)
}

// finishPhaseLocked applies a terminal status and cascades to children:
// on success still-open children complete, otherwise they are skipped.
func (m *Machine) finishPhaseLocked(task *Task, phase *Phase, status PhaseStatus, at time.Time) {
	phase.Status = status
	ended := at
	phase.EndedAt = &ended

	childStatus := PhaseCompleted
	if status != PhaseCompleted {
		childStatus = PhaseSkipped
	}
	for _, childID := range phase.Children {
		child, ok := task.Phases[childID]
		if !ok || child.Status.Terminal() {
			continue
		}
		m.finishPhaseLocked(task, child, childStatus, at)
		m.publishPhaseLocked(child)
	}
}

// --- Progress and log handlers ---

func (m *Machine) handleProgressUpdate(ev event.Canonical) {
	var counter *ProgressCounter

	if ev.TaskID != "" {
		task := m.ensureTaskLocked(ev.TaskID, ev.OccurredAt)
		if task.Status.Terminal() {
			m.dropLocked("terminal_task", ev)
			return
		}
		counter = m.ensureCounterLocked(task, ev.OperationID, ev.OccurredAt)
	} else {
		// Operation counters without a task id live at machine level.
		var ok bool
		counter, ok = m.operations[ev.OperationID]
		if !ok {
			counter = &ProgressCounter{ID: ev.OperationID, StartedAt: ev.OccurredAt}
			m.operations[ev.OperationID] = counter
		}
	}

	if ev.HasProgress {
		m.recordSampleLocked(counter, ev.Current, ev.Total, ev.OccurredAt)
	}
	m.publishLocked(notify.EntityCounter, counter.ID, counter.Clone())
}

func (m *Machine) handleLog(ev event.Canonical) {
	task := m.ensureTaskLocked(ev.TaskID, ev.OccurredAt)

	task.LogCount++
	if ev.Level == "error" || ev.Level == "fatal" {
		task.ErrorCount++
	}

	task.RecentLogs = append(task.RecentLogs, LogEntry{
		At:        ev.OccurredAt,
		Level:     ev.Level,
		Message:   ev.Message,
		Component: ev.Component,
	})
	if len(task.RecentLogs) > m.cfg.RecentLogCap {
		task.RecentLogs = task.RecentLogs[len(task.RecentLogs)-m.cfg.RecentLogCap:]
	}

	m.publishTaskLocked(task)
}

// --- Sampling and estimation ---

func (m *Machine) recordSampleLocked(counter *ProgressCounter, current, total int64, at time.Time) {
	counter.Current = current
	if total > 0 {
		counter.Total = total
	}

	counter.History = append(counter.History, estimate.Sample{At: at, Current: current})
	if len(counter.History) > m.cfg.HistoryCap {
		counter.History = counter.History[len(counter.History)-m.cfg.HistoryCap:]
	}

	counter.SmoothedRate = m.est.Rate(counter.History)

	prev := time.Duration(-1)
	if counter.HasEstimate {
		prev = counter.EstimatedRemaining
	}
	etc, ok := m.est.Estimate(estimate.Input{
		Samples:          counter.History,
		Total:            counter.Total,
		PreviousSmoothed: prev,
		StaticEstimate:   counter.StaticEstimate,
		Elapsed:          at.Sub(counter.StartedAt),
	})
	counter.EstimatedRemaining = etc
	counter.HasEstimate = ok
}

// --- Entity resolution ---

func (m *Machine) ensureTaskLocked(taskID string, at time.Time) *Task {
	task, ok := m.tasks[taskID]
	if ok {
		return task
	}
	task = &Task{
		ID:        taskID,
		Status:    TaskRunning,
		StartedAt: at,
		Phases:    make(map[string]*Phase),
		Counters:  make(map[string]*ProgressCounter),
	}
	m.tasks[taskID] = task
	m.enforceRetentionLocked(m.now())
	return task
}

// ensurePhaseLocked creates the phase as pending on first sighting.
func (m *Machine) ensurePhaseLocked(task *Task, phaseID string) *Phase {
	phase, ok := task.Phases[phaseID]
	if ok {
		return phase
	}
	phase = &Phase{
		ID:     phaseID,
		TaskID: task.ID,
		Status: PhasePending,
	}
	task.Phases[phaseID] = phase
	m.phaseOwner[phaseID] = task.ID
	return phase
}

func (m *Machine) ensureCounterLocked(task *Task, counterID string, at time.Time) *ProgressCounter {
	counter, ok := task.Counters[counterID]
	if !ok {
		counter = &ProgressCounter{ID: counterID, StartedAt: at}
		task.Counters[counterID] = counter
	}
	return counter
}

// resolveTaskLocked finds or implicitly creates the task a phase event
// belongs to: explicit taskId wins, then the phase-owner index, then a
// single running task if exactly one exists.
func (m *Machine) resolveTaskLocked(ev event.Canonical) *Task {
	if ev.TaskID != "" {
		return m.ensureTaskLocked(ev.TaskID, ev.OccurredAt)
	}
	if taskID, ok := m.phaseOwner[ev.PhaseID]; ok {
		if task, exists := m.tasks[taskID]; exists {
			return task
		}
	}

	var running *Task
	count := 0
	for _, task := range m.tasks {
		if task.Status == TaskRunning {
			running = task
			count++
		}
	}
	if count == 1 {
		return running
	}
	return nil
}

func (m *Machine) lookupPhaseLocked(phaseID string) (*Task, *Phase) {
	taskID, ok := m.phaseOwner[phaseID]
	if !ok {
		return nil, nil
	}
	task, ok := m.tasks[taskID]
	if !ok {
		return nil, nil
	}
	return task, task.Phases[phaseID]
}

func (m *Machine) isFinalPhaseLocked(phaseID string) bool {
	order := m.cfg.ExpectedPhaseOrder
	return len(order) > 0 && order[len(order)-1] == phaseID
}

// --- Retention ---

// Sweep archives terminal tasks whose grace period has expired and
// enforces the retention bounds. The connection manager drives it on its
// health-check cadence.
func (m *Machine) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, task := range m.tasks {
		if task.Status.Terminal() && !task.archiveAt.IsZero() && now.After(task.archiveAt) {
			m.archiveLocked(id, "grace_expired")
		}
	}
	m.enforceRetentionLocked(now)
	observability.ActiveTasks.Set(float64(len(m.tasks)))
}

func (m *Machine) enforceRetentionLocked(now time.Time) {
	// Age bound first.
	for id, task := range m.tasks {
		if task.Status == TaskRunning {
			continue
		}
		if now.Sub(task.StartedAt) > m.cfg.MaxAge {
			m.archiveLocked(id, "retention_age")
		}
	}

	// Count bound: archive oldest non-running by endedAt until under cap.
	for len(m.tasks) > m.cfg.MaxTasks {
		oldest := m.oldestFinishedLocked()
		if oldest == "" {
			// Everything still running; never evict live work.
			break
		}
		m.archiveLocked(oldest, "retention_count")
	}
}

func (m *Machine) oldestFinishedLocked() string {
	var oldestID string
	var oldestEnd time.Time
	for id, task := range m.tasks {
		if task.Status == TaskRunning {
			continue
		}
		end := task.StartedAt
		if task.EndedAt != nil {
			end = *task.EndedAt
		}
		if oldestID == "" || end.Before(oldestEnd) {
			oldestID = id
			oldestEnd = end
		}
	}
	return oldestID
}

func (m *Machine) archiveLocked(taskID, reason string) {
	task, ok := m.tasks[taskID]
	if !ok {
		return
	}
	delete(m.tasks, taskID)
	for phaseID := range task.Phases {
		delete(m.phaseOwner, phaseID)
	}

	m.archived = append(m.archived, task)
	if len(m.archived) > m.cfg.ArchiveCap {
		m.archived = m.archived[len(m.archived)-m.cfg.ArchiveCap:]
	}

	observability.TasksArchived.WithLabelValues(reason).Inc()
	log.Printf("Telemetry: archived task %s (%s)", taskID, reason)
}

// --- Read operations (snapshots only) ---

// GetTask returns a deep copy of the task, or nil when unknown.
func (m *Machine) GetTask(id string) *Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tasks[id].Clone()
}

// GetPhase returns a deep copy of one phase of a task.
func (m *Machine) GetPhase(taskID, phaseID string) *Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return nil
	}
	return task.Phases[phaseID].Clone()
}

// ActiveTasks returns deep copies of all tracked tasks, newest first.
func (m *Machine) ActiveTasks() []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		result = append(result, task.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})
	return result
}

// ArchivedTasks returns deep copies of the capped archive history.
func (m *Machine) ArchivedTasks() []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Task, 0, len(m.archived))
	for _, task := range m.archived {
		result = append(result, task.Clone())
	}
	return result
}

// PhaseStatistics counts phases by status across active tasks.
func (m *Machine) PhaseStatistics() PhaseStatistics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := PhaseStatistics{
		ByStatus:    make(map[PhaseStatus]int),
		ActiveTasks: len(m.tasks),
	}
	for _, task := range m.tasks {
		for _, phase := range task.Phases {
			stats.ByStatus[phase.Status]++
			stats.TotalPhases++
		}
	}
	return stats
}

// --- Notifications ---

func (m *Machine) publishTaskLocked(task *Task) {
	m.publishLocked(notify.EntityTask, task.ID, task.Clone())
}

func (m *Machine) publishPhaseLocked(phase *Phase) {
	m.publishLocked(notify.EntityPhase, phase.ID, phase.Clone())
}

func (m *Machine) publishLocked(kind notify.EntityKind, id string, snapshot interface{}) {
	if m.broadcaster == nil {
		return
	}
	m.broadcaster.Publish(notify.StateChange{Kind: kind, EntityID: id, Snapshot: snapshot})
}

func (m *Machine) dropLocked(reason string, ev event.Canonical) {
	observability.EventsDropped.WithLabelValues(reason).Inc()
	log.Printf("Telemetry: dropped %s event (%s) task=%s phase=%s", ev.Kind, reason, ev.TaskID, ev.PhaseID)
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
