package observability

import (
	"fmt"
	"time"
)

// Metrics holds calculated metrics derived from the event log.
type Metrics struct {
	RequestsCreated    int            `json:"requests_created"`
	RequestsCompleted  int            `json:"requests_completed"`
	TasksCreated       int            `json:"tasks_created"`
	TasksCompleted     int            `json:"tasks_completed"`
	TasksAutoCompleted int            `json:"tasks_auto_completed"`
	TasksFailed        int            `json:"tasks_failed"`
	TasksDeleted       int            `json:"tasks_deleted"`
	Splits             int            `json:"splits"`
	Merges             int            `json:"merges"`
	TreesArchived      int            `json:"trees_archived"`
	TasksArchived      int            `json:"tasks_archived"`
	Transitions        map[string]int `json:"transitions"`
	LiveByStatus       map[string]int `json:"live_by_status"`
	EventCount         int            `json:"event_count"`
	OldestEvent        *time.Time     `json:"oldest_event,omitempty"`
	NewestEvent        *time.Time     `json:"newest_event,omitempty"`
}

// MetricsCalculator derives metrics from the event log.
type MetricsCalculator interface {
	Calculate(since time.Time) (*Metrics, error)
}

// metricsCalculator implements MetricsCalculator by reading from an EventLog.
type metricsCalculator struct {
	eventLog EventLog
}

// NewMetricsCalculator creates a new MetricsCalculator that reads from the given EventLog.
func NewMetricsCalculator(eventLog EventLog) MetricsCalculator {
	return &metricsCalculator{eventLog: eventLog}
}

// Calculate aggregates the events written since the given time. LiveByStatus
// always replays the full log so it reflects the current graph.
func (mc *metricsCalculator) Calculate(since time.Time) (*Metrics, error) {
	all, err := mc.eventLog.Read(EventFilter{})
	if err != nil {
		return nil, fmt.Errorf("reading events for metrics: %w", err)
	}

	m := &Metrics{
		Transitions:  make(map[string]int),
		LiveByStatus: make(map[string]int),
	}

	for _, st := range replayTasks(all) {
		m.LiveByStatus[st.status]++
	}

	for _, event := range all {
		if event.Time.Before(since) {
			continue
		}
		m.EventCount++
		if m.OldestEvent == nil {
			t := event.Time
			m.OldestEvent = &t
		}
		t := event.Time
		m.NewestEvent = &t

		switch event.Type {
		case EventRequestCreated:
			m.RequestsCreated++
		case EventRequestCompleted:
			m.RequestsCompleted++
		case EventTaskCreated:
			m.TasksCreated++
		case EventTaskCompleted:
			m.TasksCompleted++
			if cascade, _ := event.Data["cascade"].(bool); cascade {
				m.TasksAutoCompleted++
			}
		case EventTaskFailed:
			m.TasksFailed++
		case EventTaskDeleted:
			m.TasksDeleted++
		case EventTaskSplit:
			m.Splits++
		case EventTaskMerged:
			m.Merges++
		case EventTreeArchived:
			m.TreesArchived++
			m.TasksArchived += len(event.strings("task_ids"))
		case EventTaskStatusChanged:
			if to := event.str("to"); to != "" {
				from := event.str("from")
				if from == "" {
					from = "*"
				}
				m.Transitions[from+"->"+to]++
			}
		}
	}

	return m, nil
}

// ParseSince parses a human-friendly duration string like "7d", "30d", or
// "24h" into the corresponding time before now.
func ParseSince(s string, now time.Time) (time.Time, error) {
	now = now.UTC()

	if len(s) < 2 {
		return time.Time{}, fmt.Errorf("invalid duration %q", s)
	}

	suffix := s[len(s)-1]
	numStr := s[:len(s)-1]
	var num int
	if _, err := fmt.Sscanf(numStr, "%d", &num); err != nil {
		return time.Time{}, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if num < 0 {
		return time.Time{}, fmt.Errorf("invalid duration %q: must not be negative", s)
	}

	switch suffix {
	case 'd':
		return now.AddDate(0, 0, -num), nil
	case 'h':
		return now.Add(-time.Duration(num) * time.Hour), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported duration suffix %q (use d or h)", string(suffix))
	}
}
