package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Raw is one undecoded event as delivered by a transport.
type Raw map[string]interface{}

var (
	ErrMissingKind  = errors.New("event: missing kind")
	ErrUnknownKind  = errors.New("event: unknown kind")
	ErrMissingField = errors.New("event: missing required field")
)

// Field aliases observed across backend versions. Normalization maps every
// alias onto the canonical name exactly once, at the ingestion boundary;
// nothing downstream ever sees the loose forms.
var fieldAliases = map[string][]string{
	"taskId":       {"taskId", "task_id", "runId", "run_id"},
	"phaseId":      {"phaseId", "phase_id"},
	"parentId":     {"parentId", "parent_id", "parentPhaseId", "parent_phase_id"},
	"operationId":  {"operationId", "operation_id"},
	"occurredAt":   {"occurredAt", "occurred_at", "timestamp", "ts", "time"},
	"current":      {"current", "progress", "done"},
	"total":        {"total", "count"},
	"message":      {"message", "msg"},
	"level":        {"level", "severity"},
	"error":        {"error", "err", "errorMessage", "error_message"},
	"description":  {"description", "desc", "name"},
	"estDuration":  {"estimatedDurationSeconds", "estimated_duration_seconds"},
}

// requiredFields lists, per kind, the canonical fields that must be present
// for the event to be actionable. Events failing validation are dropped by
// the caller with a diagnostic, never propagated as errors.
var requiredFields = map[Kind][]string{
	KindTaskStarted:    {"taskId"},
	KindTaskCompleted:  {"taskId"},
	KindTaskError:      {"taskId"},
	KindPhaseStart:     {"phaseId"},
	KindPhaseUpdate:    {"phaseId"},
	KindPhaseComplete:  {"phaseId"},
	KindPhaseError:     {"phaseId"},
	KindProgressUpdate: {"operationId"},
	KindLog:            {"taskId", "message", "level"},
}

// ParseRaw decodes one JSON event object.
func ParseRaw(data []byte) (Raw, error) {
	var raw Raw
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("event: decode: %w", err)
	}
	return raw, nil
}

// Normalize maps a raw event onto the Canonical shape: resolves field
// aliases, coerces types, validates required fields for the kind.
func Normalize(raw Raw, now time.Time) (Canonical, error) {
	kindStr, ok := lookupString(raw, "kind", "type", "event", "event_type", "eventType")
	if !ok || kindStr == "" {
		return Canonical{}, ErrMissingKind
	}

	kind := Kind(strings.ToLower(kindStr))
	if _, known := requiredFields[kind]; !known {
		return Canonical{}, fmt.Errorf("%w: %q", ErrUnknownKind, kindStr)
	}

	c := Canonical{Kind: kind, OccurredAt: now}

	c.TaskID, _ = lookupAliased(raw, "taskId")
	c.PhaseID, _ = lookupAliased(raw, "phaseId")
	c.ParentID, _ = lookupAliased(raw, "parentId")
	c.OperationID, _ = lookupAliased(raw, "operationId")
	c.Message, _ = lookupAliased(raw, "message")
	c.Level, _ = lookupAliased(raw, "level")
	c.Error, _ = lookupAliased(raw, "error")
	c.Description, _ = lookupAliased(raw, "description")
	c.Component, _ = lookupString(raw, "component")
	c.TaskType, _ = lookupString(raw, "taskType", "task_type")
	c.Result, _ = lookupString(raw, "result")

	if ts, ok := lookupTime(raw); ok {
		c.OccurredAt = ts
	}
	if seq, ok := lookupInt(raw, "seq", "sequence"); ok {
		c.Seq = seq
	}
	if cur, ok := lookupIntAliased(raw, "current"); ok {
		c.Current = cur
		c.HasProgress = true
	}
	if total, ok := lookupIntAliased(raw, "total"); ok {
		c.Total = total
	}
	if est, ok := lookupIntAliased(raw, "estDuration"); ok {
		c.EstimatedDuration = time.Duration(est) * time.Second
	}
	if success, ok := lookupBool(raw, "success", "ok"); ok {
		c.Success = success
	} else if kind == KindPhaseComplete {
		// phase_complete without an explicit verdict counts as success
		c.Success = true
	}

	for _, field := range requiredFields[kind] {
		if !hasAliased(raw, field) {
			return Canonical{}, fmt.Errorf("%w: %s (%s)", ErrMissingField, field, kind)
		}
	}

	return c, nil
}

func lookupAliased(raw Raw, canonical string) (string, bool) {
	aliases, ok := fieldAliases[canonical]
	if !ok {
		aliases = []string{canonical}
	}
	return lookupString(raw, aliases...)
}

func hasAliased(raw Raw, canonical string) bool {
	aliases, ok := fieldAliases[canonical]
	if !ok {
		aliases = []string{canonical}
	}
	for _, key := range aliases {
		if v, present := raw[key]; present && v != nil {
			return true
		}
	}
	return false
}

func lookupString(raw Raw, keys ...string) (string, bool) {
	for _, key := range keys {
		if v, ok := raw[key]; ok {
			switch s := v.(type) {
			case string:
				return s, true
			case float64:
				return fmt.Sprintf("%v", s), true
			}
		}
	}
	return "", false
}

func lookupIntAliased(raw Raw, canonical string) (int64, bool) {
	aliases, ok := fieldAliases[canonical]
	if !ok {
		aliases = []string{canonical}
	}
	return lookupInt(raw, aliases...)
}

func lookupInt(raw Raw, keys ...string) (int64, bool) {
	for _, key := range keys {
		switch v := raw[key].(type) {
		case float64:
			return int64(v), true
		case int64:
			return v, true
		case int:
			return int64(v), true
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

func lookupBool(raw Raw, keys ...string) (bool, bool) {
	for _, key := range keys {
		if v, ok := raw[key].(bool); ok {
			return v, true
		}
	}
	return false, false
}

// lookupTime accepts RFC3339 strings and unix second/millisecond numbers.
func lookupTime(raw Raw) (time.Time, bool) {
	for _, key := range fieldAliases["occurredAt"] {
		switch v := raw[key].(type) {
		case string:
			if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return ts, true
			}
			if ts, err := time.Parse(time.RFC3339, v); err == nil {
				return ts, true
			}
		case float64:
			// Heuristic: values past the year ~33658 as seconds are millis.
			if v > 1e12 {
				return time.UnixMilli(int64(v)), true
			}
			if v > 0 {
				return time.Unix(int64(v), 0), true
			}
		}
	}
	return time.Time{}, false
}
