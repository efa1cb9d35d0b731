package observability

import (
	"fmt"
	"sort"
	"time"
)

// AlertSeverity represents the urgency of an alert.
type AlertSeverity string

const (
	SeverityHigh   AlertSeverity = "high"
	SeverityMedium AlertSeverity = "medium"
	SeverityLow    AlertSeverity = "low"
)

// Alert conditions.
const (
	ConditionClarificationTooLong = "clarification_too_long"
	ConditionTaskStale            = "task_stale"
	ConditionPendingBacklog       = "pending_backlog_too_large"
)

// Alert represents a triggered alert condition.
type Alert struct {
	ID          string        `json:"id"`
	Condition   string        `json:"condition"`
	Severity    AlertSeverity `json:"severity"`
	Message     string        `json:"message"`
	RequestID   string        `json:"request_id,omitempty"`
	TaskID      string        `json:"task_id,omitempty"`
	TriggeredAt time.Time     `json:"triggered_at"`
}

// AlertThresholds configures when alerts should fire. Zero disables a check.
type AlertThresholds struct {
	ClarificationHours int `yaml:"clarification_hours" json:"clarification_hours"`
	StaleDays          int `yaml:"stale_days" json:"stale_days"`
	MaxPending         int `yaml:"max_pending" json:"max_pending"`
}

// DefaultAlertThresholds returns sensible defaults for alert thresholds.
func DefaultAlertThresholds() AlertThresholds {
	return AlertThresholds{
		ClarificationHours: 24,
		StaleDays:          3,
		MaxPending:         25,
	}
}

// AlertEngine evaluates alert conditions against the event log.
type AlertEngine interface {
	Evaluate() ([]Alert, error)
}

// alertEngine implements AlertEngine by replaying events and checking thresholds.
type alertEngine struct {
	eventLog   EventLog
	thresholds AlertThresholds
	now        func() time.Time
}

// NewAlertEngine creates a new AlertEngine with the given EventLog and thresholds.
func NewAlertEngine(eventLog EventLog, thresholds AlertThresholds) AlertEngine {
	return &alertEngine{
		eventLog:   eventLog,
		thresholds: thresholds,
		now:        time.Now,
	}
}

// Evaluate replays the log once and checks every condition. Alerts are
// ordered by condition and task id.
func (ae *alertEngine) Evaluate() ([]Alert, error) {
	events, err := ae.eventLog.Read(EventFilter{})
	if err != nil {
		return nil, fmt.Errorf("reading events for alerts: %w", err)
	}
	now := ae.now().UTC()
	tasks := replayTasks(events)

	ids := make([]string, 0, len(tasks))
	for id := range tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var alerts []Alert
	alerts = append(alerts, ae.checkClarifications(now, ids, tasks)...)
	alerts = append(alerts, ae.checkStaleTasks(now, ids, tasks)...)
	alerts = append(alerts, ae.checkPendingBacklog(now, tasks)...)
	return alerts, nil
}

// checkClarifications flags tasks waiting on a clarification longer than the threshold.
func (ae *alertEngine) checkClarifications(now time.Time, ids []string, tasks map[string]*taskState) []Alert {
	if ae.thresholds.ClarificationHours <= 0 {
		return nil
	}
	threshold := time.Duration(ae.thresholds.ClarificationHours) * time.Hour
	var alerts []Alert
	for _, id := range ids {
		st := tasks[id]
		if st.status == "requires-clarification" && now.Sub(st.changedAt) > threshold {
			alerts = append(alerts, Alert{
				ID:          "clarification-" + id,
				Condition:   ConditionClarificationTooLong,
				Severity:    SeverityHigh,
				Message:     fmt.Sprintf("task %s has been waiting for clarification for more than %d hours", id, ae.thresholds.ClarificationHours),
				RequestID:   st.requestID,
				TaskID:      id,
				TriggeredAt: now,
			})
		}
	}
	return alerts
}

// checkStaleTasks flags active tasks with no recent activity.
func (ae *alertEngine) checkStaleTasks(now time.Time, ids []string, tasks map[string]*taskState) []Alert {
	if ae.thresholds.StaleDays <= 0 {
		return nil
	}
	threshold := time.Duration(ae.thresholds.StaleDays) * 24 * time.Hour
	var alerts []Alert
	for _, id := range ids {
		st := tasks[id]
		if st.status == "active" && now.Sub(st.lastActivity) > threshold {
			alerts = append(alerts, Alert{
				ID:          "stale-" + id,
				Condition:   ConditionTaskStale,
				Severity:    SeverityMedium,
				Message:     fmt.Sprintf("task %s has had no activity for more than %d days", id, ae.thresholds.StaleDays),
				RequestID:   st.requestID,
				TaskID:      id,
				TriggeredAt: now,
			})
		}
	}
	return alerts
}

// checkPendingBacklog counts pending tasks across all requests.
func (ae *alertEngine) checkPendingBacklog(now time.Time, tasks map[string]*taskState) []Alert {
	if ae.thresholds.MaxPending <= 0 {
		return nil
	}
	pending := 0
	for _, st := range tasks {
		if st.status == "pending" {
			pending++
		}
	}
	if pending <= ae.thresholds.MaxPending {
		return nil
	}
	return []Alert{{
		ID:          "pending-backlog",
		Condition:   ConditionPendingBacklog,
		Severity:    SeverityLow,
		Message:     fmt.Sprintf("%d tasks are pending, exceeding the maximum of %d", pending, ae.thresholds.MaxPending),
		TriggeredAt: now,
	}}
}
