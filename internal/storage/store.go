// Package storage persists requests, tasks, id counters and archived task
// trees. Two backends implement Store: a YAML snapshot file guarded by an
// advisory lock, and a SQLite database.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/valter-silva-au/tasktree/pkg/models"
)

// Tx is one unit of work against a backend. Lookups of missing records
// return (nil, nil).
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

	ArchiveTasks(entry models.ArchiveEntry) error
	ListArchives(requestID string) ([]models.ArchiveEntry, error)
}

// Store runs functions inside transactions. Update commits everything fn
// wrote when fn returns nil and discards it otherwise.
type Store interface {
	Update(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// ErrUnknownDriver is returned by Open for an unsupported storage driver.
var ErrUnknownDriver = errors.New("unknown storage driver")

// DefaultPath returns the file a driver uses under basePath when no explicit
// path is configured.
func DefaultPath(basePath string, driver models.StorageDriver) string {
	if driver == models.StorageSQLite {
		return filepath.Join(basePath, "tasks.db")
	}
	return filepath.Join(basePath, "tasks.yaml")
}

// Open returns the backend selected by cfg. A relative cfg.Path is resolved
// against basePath.
func Open(basePath string, cfg models.StorageConfig) (Store, error) {
	path := cfg.Path
	if path == "" {
		path = DefaultPath(basePath, cfg.Driver)
	} else if !filepath.IsAbs(path) {
		path = filepath.Join(basePath, path)
	}

	switch cfg.Driver {
	case models.StorageYAML, "":
		return NewYAMLStore(path), nil
	case models.StorageSQLite:
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("opening store: %w: %q", ErrUnknownDriver, cfg.Driver)
	}
}
