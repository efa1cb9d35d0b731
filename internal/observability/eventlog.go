package observability

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Domain event types written by the task engine.
const (
	EventRequestCreated    = "request.created"
	EventRequestCompleted  = "request.completed"
	EventTaskCreated       = "task.created"
	EventTaskStatusChanged = "task.status_changed"
	EventTaskCompleted     = "task.completed"
	EventTaskFailed        = "task.failed"
	EventTaskSplit         = "task.split"
	EventTaskMerged        = "task.merged"
	EventTaskDeleted       = "task.deleted"
	EventTreeArchived      = "tree.archived"
	EventDependencyAdded   = "dependency.added"
	EventDependencyRemoved = "dependency.removed"
)

// Event represents a single observable event in the system.
type Event struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"` // INFO, WARN, ERROR
	Type    string         `json:"type"`
	Message string         `json:"msg"`
	Data    map[string]any `json:"data,omitempty"`
}

// str returns the string value stored under key, or "".
func (e Event) str(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// strings returns the string list stored under key. Lists decoded from
// JSON arrive as []any.
func (e Event) strings(key string) []string {
	switch v := e.Data[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// EventFilter specifies criteria for reading events.
type EventFilter struct {
	Since     *time.Time
	Until     *time.Time
	Type      string
	Level     string
	RequestID string
	TaskID    string
}

// EventLog defines the interface for writing and reading events.
type EventLog interface {
	Write(event Event) error
	Read(filter EventFilter) ([]Event, error)
	Close() error
}

// jsonlEventLog implements EventLog using append-only JSONL files.
type jsonlEventLog struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// NewJSONLEventLog creates a new EventLog backed by a JSONL file at the given
// path, creating parent directories as needed.
func NewJSONLEventLog(path string) (EventLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating event log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	return &jsonlEventLog{
		path: path,
		file: f,
	}, nil
}

// Write appends a JSON-encoded event followed by a newline to the log file.
func (l *jsonlEventLog) Write(event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}
	data = append(data, '\n')

	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	return nil
}

// Read scans the log file line by line and returns the events matching
// filter in write order. Malformed lines are skipped.
func (l *jsonlEventLog) Read(filter EventFilter) ([]Event, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening event log for reading: %w", err)
	}
	defer func() { _ = f.Close() }()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}

		if matchesEventFilter(event, filter) {
			events = append(events, event)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning event log: %w", err)
	}

	return events, nil
}

// Close closes the underlying log file.
func (l *jsonlEventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.file.Close(); err != nil {
		return fmt.Errorf("closing event log: %w", err)
	}
	return nil
}

// matchesEventFilter checks whether an event satisfies all filter criteria.
func matchesEventFilter(event Event, filter EventFilter) bool {
	if filter.Since != nil && event.Time.Before(*filter.Since) {
		return false
	}
	if filter.Until != nil && event.Time.After(*filter.Until) {
		return false
	}
	if filter.Type != "" && event.Type != filter.Type {
		return false
	}
	if filter.Level != "" && event.Level != filter.Level {
		return false
	}
	if filter.RequestID != "" && event.str("request_id") != filter.RequestID {
		return false
	}
	if filter.TaskID != "" && event.str("task_id") != filter.TaskID {
		return false
	}
	return true
}

// EventLogger stamps engine events with time, level and a readable message
// and appends them to an EventLog.
type EventLogger struct {
	log EventLog
	now func() time.Time
}

// NewEventLogger wraps log. A nil now defaults to time.Now.
func NewEventLogger(log EventLog, now func() time.Time) *EventLogger {
	if now == nil {
		now = time.Now
	}
	return &EventLogger{log: log, now: now}
}

// LogEvent records one domain event.
func (l *EventLogger) LogEvent(eventType string, data map[string]any) error {
	level := "INFO"
	if eventType == EventTaskFailed {
		level = "WARN"
	}
	return l.log.Write(Event{
		Time:    l.now().UTC(),
		Level:   level,
		Type:    eventType,
		Message: describe(eventType, data),
		Data:    data,
	})
}

func describe(eventType string, data map[string]any) string {
	task, _ := data["task_id"].(string)
	request, _ := data["request_id"].(string)
	switch eventType {
	case EventRequestCreated:
		return fmt.Sprintf("request %s planned", request)
	case EventRequestCompleted:
		return fmt.Sprintf("request %s completed", request)
	case EventTaskCreated:
		return fmt.Sprintf("task %s created", task)
	case EventTaskStatusChanged:
		from, _ := data["from"].(string)
		to, _ := data["to"].(string)
		if from == "" {
			return fmt.Sprintf("task %s -> %s", task, to)
		}
		return fmt.Sprintf("task %s %s -> %s", task, from, to)
	case EventTaskCompleted:
		return fmt.Sprintf("task %s completed", task)
	case EventTaskFailed:
		return fmt.Sprintf("task %s failed", task)
	case EventTaskSplit:
		return fmt.Sprintf("task %s split", task)
	case EventTaskMerged:
		return fmt.Sprintf("tasks merged into %s", task)
	case EventTaskDeleted:
		return fmt.Sprintf("task %s deleted", task)
	case EventTreeArchived:
		root, _ := data["root_task_id"].(string)
		return fmt.Sprintf("task tree %s archived", root)
	case EventDependencyAdded:
		dep, _ := data["depends_on"].(string)
		return fmt.Sprintf("task %s now depends on %s", task, dep)
	case EventDependencyRemoved:
		dep, _ := data["depends_on"].(string)
		return fmt.Sprintf("task %s no longer depends on %s", task, dep)
	}
	return eventType
}
