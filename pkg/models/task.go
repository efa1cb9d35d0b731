package models

import "time"

// TaskStatus represents the current lifecycle state of a task.
type TaskStatus string

const (
	StatusPending               TaskStatus = "pending"
	StatusActive                TaskStatus = "active"
	StatusRequiresClarification TaskStatus = "requires-clarification"
	StatusDone                  TaskStatus = "done"
	StatusFailed                TaskStatus = "failed"
	StatusSplit                 TaskStatus = "split"
)

// ValidStatuses returns all task statuses in lifecycle order.
func ValidStatuses() []TaskStatus {
	return []TaskStatus{
		StatusPending,
		StatusActive,
		StatusRequiresClarification,
		StatusDone,
		StatusFailed,
		StatusSplit,
	}
}

// IsValid reports whether s is one of the enumerated statuses.
func (s TaskStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusActive, StatusRequiresClarification,
		StatusDone, StatusFailed, StatusSplit:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is done or failed.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Priority represents the urgency level of a task.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// ValidPriorities returns all priorities, most urgent first.
func ValidPriorities() []Priority {
	return []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}
}

// IsValid reports whether p is one of the enumerated priorities.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	default:
		return false
	}
}

// Rank orders priorities ascending by urgency: critical is 0.
// Unknown values sort after low.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// TaskType is an opaque routing hint for the agent executing a task.
type TaskType string

// Task is a unit of work inside a request. Parent/child and dependency links
// are plain ids resolved through the owning request's task set.
type Task struct {
	ID                     string     `yaml:"id" json:"id"`
	RequestID              string     `yaml:"request_id" json:"request_id"`
	Title                  string     `yaml:"title" json:"title"`
	Description            string     `yaml:"description" json:"description"`
	Status                 TaskStatus `yaml:"status" json:"status"`
	Priority               Priority   `yaml:"priority" json:"priority"`
	Type                   TaskType   `yaml:"type,omitempty" json:"type,omitempty"`
	DependsOn              []string   `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	ParentID               string     `yaml:"parent_id,omitempty" json:"parent_id,omitempty"`
	SubtaskIDs             []string   `yaml:"subtask_ids,omitempty" json:"subtask_ids,omitempty"`
	FailureReason          string     `yaml:"failure_reason,omitempty" json:"failure_reason,omitempty"`
	SuggestedRetryStrategy string     `yaml:"suggested_retry_strategy,omitempty" json:"suggested_retry_strategy,omitempty"`
	CompletedDetails       string     `yaml:"completed_details,omitempty" json:"completed_details,omitempty"`
	Artifacts              []string   `yaml:"artifacts,omitempty" json:"artifacts,omitempty"`
	EnvironmentContext     string     `yaml:"environment_context,omitempty" json:"environment_context,omitempty"`
	SummaryRef             string     `yaml:"summary_ref,omitempty" json:"summary_ref,omitempty"`
	ClarificationRequest   string     `yaml:"clarification_request,omitempty" json:"clarification_request,omitempty"`
	ClarificationResponse  string     `yaml:"clarification_response,omitempty" json:"clarification_response,omitempty"`
	CreatedAt              time.Time  `yaml:"created_at" json:"created_at"`
	UpdatedAt              time.Time  `yaml:"updated_at" json:"updated_at"`
}

// Clone returns a deep copy of the task so callers can mutate slices freely.
func (t Task) Clone() Task {
	c := t
	c.DependsOn = cloneStrings(t.DependsOn)
	c.SubtaskIDs = cloneStrings(t.SubtaskIDs)
	c.Artifacts = cloneStrings(t.Artifacts)
	return c
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
