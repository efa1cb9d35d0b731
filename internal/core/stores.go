package core

import (
	"context"

	"github.com/valter-silva-au/tasktree/pkg/models"
)

// Tx is the unit-of-work view of the persistence backend that the engine
// needs. Defining it here keeps core independent of the storage package.
//
// Lookups of missing records return (nil, nil); the engine decides whether
// that is a NotFound.
type Tx interface {
	Counter(name string) (int64, error)
	SetCounter(name string, value int64) error

	GetRequest(id string) (*models.Request, error)
	PutRequest(req *models.Request) error
	ListRequests() ([]models.Request, error)

	GetTask(id string) (*models.Task, error)
	ListTasks(requestID string) ([]models.Task, error)
	PutTask(task *models.Task) error
	DeleteTask(id string) error

	// ArchiveTasks records entry and removes every task it captures.
	ArchiveTasks(entry models.ArchiveEntry) error
	ListArchives(requestID string) ([]models.ArchiveEntry, error)
}

// TaskStore wraps Tx in transactional boundaries. Update applies everything
// fn wrote or nothing at all; View is read-only.
type TaskStore interface {
	Update(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
}

// SummaryWriter stores a free-form completion summary outside the task graph
// and returns an opaque reference to it.
type SummaryWriter interface {
	WriteSummary(taskID, text string) (string, error)
}

// EventLogger is the subset of the observability event log that the
// TaskManager needs to publish domain events after a commit.
type EventLogger interface {
	LogEvent(eventType string, data map[string]any) error
}
