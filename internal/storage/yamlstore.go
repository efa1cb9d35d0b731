package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/valter-silva-au/tasktree/pkg/models"
	"gopkg.in/yaml.v3"
)

const snapshotVersion = "1.0"

// snapshot is the top-level structure of tasks.yaml.
type snapshot struct {
	Version  string                    `yaml:"version"`
	Counters map[string]int64          `yaml:"counters"`
	Requests map[string]models.Request `yaml:"requests"`
	Tasks    map[string]models.Task    `yaml:"tasks"`
	Archives []models.ArchiveEntry     `yaml:"archives,omitempty"`
}

func emptySnapshot() *snapshot {
	return &snapshot{
		Version:  snapshotVersion,
		Counters: make(map[string]int64),
		Requests: make(map[string]models.Request),
		Tasks:    make(map[string]models.Task),
	}
}

// YAMLStore keeps the whole graph in one YAML file. Each transaction takes a
// flock on a sibling .lock file, reads the file, runs against the decoded
// copy and, for Update, replaces the file atomically via rename.
type YAMLStore struct {
	path string
}

// NewYAMLStore returns a store backed by the YAML file at path. The file is
// created on the first successful Update.
func NewYAMLStore(path string) *YAMLStore {
	return &YAMLStore{path: path}
}

// Path returns the snapshot file location.
func (s *YAMLStore) Path() string { return s.path }

func (s *YAMLStore) lockPath() string { return s.path + ".lock" }

// Update runs fn against a working copy and persists it when fn succeeds.
func (s *YAMLStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}
	unlock, err := lockFile(s.lockPath(), true)
	if err != nil {
		return err
	}
	defer func() { _ = unlock() }()

	snap, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(&yamlTx{snap: snap}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.save(snap)
}

// View runs fn against the current file contents under a shared lock.
// Writes made by fn are discarded.
func (s *YAMLStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return fn(&yamlTx{snap: emptySnapshot()})
	}
	unlock, err := lockFile(s.lockPath(), false)
	if err != nil {
		return err
	}
	defer func() { _ = unlock() }()

	snap, err := s.load()
	if err != nil {
		return err
	}
	return fn(&yamlTx{snap: snap})
}

// Close is a no-op; the store holds no open handles between transactions.
func (s *YAMLStore) Close() error { return nil }

func (s *YAMLStore) load() (*snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return emptySnapshot(), nil
		}
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}

	snap := emptySnapshot()
	if err := yaml.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.path, err)
	}
	if snap.Counters == nil {
		snap.Counters = make(map[string]int64)
	}
	if snap.Requests == nil {
		snap.Requests = make(map[string]models.Request)
	}
	if snap.Tasks == nil {
		snap.Tasks = make(map[string]models.Task)
	}
	return snap, nil
}

func (s *YAMLStore) save(snap *snapshot) error {
	snap.Version = snapshotVersion
	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing %s: %w", s.path, err)
	}
	return nil
}

// yamlTx operates on a decoded snapshot. Values are cloned in and out so
// callers never alias stored slices.
type yamlTx struct {
	snap *snapshot
}

func (tx *yamlTx) Counter(name string) (int64, error) {
	return tx.snap.Counters[name], nil
}

func (tx *yamlTx) SetCounter(name string, value int64) error {
	tx.snap.Counters[name] = value
	return nil
}

func (tx *yamlTx) GetRequest(id string) (*models.Request, error) {
	r, ok := tx.snap.Requests[id]
	if !ok {
		return nil, nil
	}
	c := r.Clone()
	return &c, nil
}

func (tx *yamlTx) PutRequest(req *models.Request) error {
	if req.ID == "" {
		return fmt.Errorf("putting request: id must not be empty")
	}
	tx.snap.Requests[req.ID] = req.Clone()
	return nil
}

func (tx *yamlTx) ListRequests() ([]models.Request, error) {
	out := make([]models.Request, 0, len(tx.snap.Requests))
	for _, r := range tx.snap.Requests {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (tx *yamlTx) GetTask(id string) (*models.Task, error) {
	t, ok := tx.snap.Tasks[id]
	if !ok {
		return nil, nil
	}
	c := t.Clone()
	return &c, nil
}

func (tx *yamlTx) ListTasks(requestID string) ([]models.Task, error) {
	var out []models.Task
	for _, t := range tx.snap.Tasks {
		if t.RequestID == requestID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *yamlTx) PutTask(task *models.Task) error {
	if task.ID == "" {
		return fmt.Errorf("putting task: id must not be empty")
	}
	tx.snap.Tasks[task.ID] = task.Clone()
	return nil
}

func (tx *yamlTx) DeleteTask(id string) error {
	delete(tx.snap.Tasks, id)
	return nil
}

func (tx *yamlTx) ArchiveTasks(entry models.ArchiveEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("archiving tasks: entry id must not be empty")
	}
	for _, a := range tx.snap.Archives {
		if a.ID == entry.ID {
			return fmt.Errorf("archiving tasks: entry %s already exists", entry.ID)
		}
	}
	for _, id := range entry.TaskIDs() {
		delete(tx.snap.Tasks, id)
	}
	tx.snap.Archives = append(tx.snap.Archives, cloneArchive(entry))
	return nil
}

func (tx *yamlTx) ListArchives(requestID string) ([]models.ArchiveEntry, error) {
	var out []models.ArchiveEntry
	for _, a := range tx.snap.Archives {
		if requestID == "" || a.RequestID == requestID {
			out = append(out, cloneArchive(a))
		}
	}
	return out, nil
}

func cloneArchive(a models.ArchiveEntry) models.ArchiveEntry {
	c := a
	c.Tasks = make([]models.Task, len(a.Tasks))
	for i, t := range a.Tasks {
		c.Tasks[i] = t.Clone()
	}
	return c
}
