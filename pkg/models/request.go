package models

import "time"

// Request is a top-level unit of work: the user's original ask plus the
// ordered set of live task ids planned for it.
type Request struct {
	ID              string    `yaml:"id" json:"id"`
	OriginalRequest string    `yaml:"original_request" json:"original_request"`
	SplitDetails    string    `yaml:"split_details,omitempty" json:"split_details,omitempty"`
	TaskIDs         []string  `yaml:"task_ids" json:"task_ids"`
	Completed       bool      `yaml:"completed" json:"completed"`
	CreatedAt       time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt       time.Time `yaml:"updated_at" json:"updated_at"`
}

// Clone returns a deep copy of the request.
func (r Request) Clone() Request {
	c := r
	c.TaskIDs = cloneStrings(r.TaskIDs)
	return c
}

// ArchiveEntry is an immutable snapshot of a fully resolved task tree that
// was removed from the live graph.
type ArchiveEntry struct {
	ID          string    `yaml:"id" json:"id"`
	RequestID   string    `yaml:"request_id" json:"request_id"`
	RequestText string    `yaml:"request_text" json:"request_text"`
	RootTaskID  string    `yaml:"root_task_id" json:"root_task_id"`
	Tasks       []Task    `yaml:"tasks" json:"tasks"`
	ArchivedAt  time.Time `yaml:"archived_at" json:"archived_at"`
}

// TaskIDs returns the ids of every task captured in the entry.
func (a ArchiveEntry) TaskIDs() []string {
	ids := make([]string, len(a.Tasks))
	for i, t := range a.Tasks {
		ids[i] = t.ID
	}
	return ids
}
