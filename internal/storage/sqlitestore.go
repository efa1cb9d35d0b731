package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/valter-silva-au/tasktree/pkg/models"
)

//go:embed schema.sql
var schemaSQL string

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore persists the graph in a SQLite database. Dependency edges live
// in task_dependencies; subtask order is kept as a JSON column on tasks.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and applies
// the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Update runs fn in a transaction and commits when it returns nil.
func (s *SQLiteStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&sqliteTx{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// View runs fn in a transaction that is always rolled back.
func (s *SQLiteStore) View(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	return fn(&sqliteTx{ctx: ctx, tx: tx})
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqliteTx) Counter(name string) (int64, error) {
	var v int64
	err := t.tx.QueryRowContext(t.ctx, `SELECT value FROM counters WHERE name = ?`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading counter %s: %w", name, err)
	}
	return v, nil
}

func (t *sqliteTx) SetCounter(name string, value int64) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO counters (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value`, name, value)
	if err != nil {
		return fmt.Errorf("writing counter %s: %w", name, err)
	}
	return nil
}

const requestColumns = `id, original_request, split_details, task_ids, completed, created_at, updated_at`

func (t *sqliteTx) GetRequest(id string) (*models.Request, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading request %s: %w", id, err)
	}
	return r, nil
}

func (t *sqliteTx) PutRequest(req *models.Request) error {
	ids, err := encodeStrings(req.TaskIDs)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO requests (`+requestColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			original_request = excluded.original_request,
			split_details = excluded.split_details,
			task_ids = excluded.task_ids,
			completed = excluded.completed,
			updated_at = excluded.updated_at`,
		req.ID, req.OriginalRequest, req.SplitDetails, ids, req.Completed,
		formatTime(req.CreatedAt), formatTime(req.UpdatedAt))
	if err != nil {
		return fmt.Errorf("writing request %s: %w", req.ID, err)
	}
	return nil
}

func (t *sqliteTx) ListRequests() ([]models.Request, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT `+requestColumns+` FROM requests ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing requests: %w", err)
	}
	defer rows.Close()

	var out []models.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning request: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

const taskColumns = `id, request_id, title, description, status, priority, type, parent_id,
	subtask_ids, failure_reason, suggested_retry_strategy, completed_details, artifacts,
	environment_context, summary_ref, clarification_request, clarification_response,
	created_at, updated_at`

func (t *sqliteTx) GetTask(id string) (*models.Task, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading task %s: %w", id, err)
	}
	deps, err := t.dependencies([]string{id})
	if err != nil {
		return nil, err
	}
	task.DependsOn = deps[id]
	return task, nil
}

func (t *sqliteTx) ListTasks(requestID string) ([]models.Task, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT `+taskColumns+` FROM tasks WHERE request_id = ? ORDER BY id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("listing tasks of %s: %w", requestID, err)
	}
	var out []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		out = append(out, *task)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(out) == 0 {
		return out, nil
	}
	ids := make([]string, len(out))
	for i := range out {
		ids[i] = out[i].ID
	}
	deps, err := t.dependencies(ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].DependsOn = deps[out[i].ID]
	}
	return out, nil
}

// dependencies loads the ordered DependsOn lists of ids.
func (t *sqliteTx) dependencies(ids []string) (map[string][]string, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT task_id, depends_on FROM task_dependencies WHERE task_id IN (`+placeholders+`) ORDER BY task_id, position`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("reading dependencies: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var taskID, dep string
		if err := rows.Scan(&taskID, &dep); err != nil {
			return nil, fmt.Errorf("scanning dependency: %w", err)
		}
		out[taskID] = append(out[taskID], dep)
	}
	return out, rows.Err()
}

func (t *sqliteTx) PutTask(task *models.Task) error {
	subtasks, err := encodeStrings(task.SubtaskIDs)
	if err != nil {
		return err
	}
	artifacts, err := encodeStrings(task.Artifacts)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			request_id = excluded.request_id,
			title = excluded.title,
			description = excluded.description,
			status = excluded.status,
			priority = excluded.priority,
			type = excluded.type,
			parent_id = excluded.parent_id,
			subtask_ids = excluded.subtask_ids,
			failure_reason = excluded.failure_reason,
			suggested_retry_strategy = excluded.suggested_retry_strategy,
			completed_details = excluded.completed_details,
			artifacts = excluded.artifacts,
			environment_context = excluded.environment_context,
			summary_ref = excluded.summary_ref,
			clarification_request = excluded.clarification_request,
			clarification_response = excluded.clarification_response,
			updated_at = excluded.updated_at`,
		task.ID, task.RequestID, task.Title, task.Description, string(task.Status),
		string(task.Priority), string(task.Type), task.ParentID, subtasks,
		task.FailureReason, task.SuggestedRetryStrategy, task.CompletedDetails, artifacts,
		task.EnvironmentContext, task.SummaryRef, task.ClarificationRequest,
		task.ClarificationResponse, formatTime(task.CreatedAt), formatTime(task.UpdatedAt))
	if err != nil {
		return fmt.Errorf("writing task %s: %w", task.ID, err)
	}

	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, task.ID); err != nil {
		return fmt.Errorf("clearing dependencies of %s: %w", task.ID, err)
	}
	for i, dep := range task.DependsOn {
		if _, err := t.tx.ExecContext(t.ctx,
			`INSERT INTO task_dependencies (task_id, depends_on, position) VALUES (?, ?, ?)`,
			task.ID, dep, i); err != nil {
			return fmt.Errorf("writing dependency %s -> %s: %w", task.ID, dep, err)
		}
	}
	return nil
}

func (t *sqliteTx) DeleteTask(id string) error {
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting task %s: %w", id, err)
	}
	return nil
}

func (t *sqliteTx) ArchiveTasks(entry models.ArchiveEntry) error {
	data, err := json.Marshal(entry.Tasks)
	if err != nil {
		return fmt.Errorf("encoding archive %s: %w", entry.ID, err)
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO archives (id, request_id, request_text, root_task_id, tasks, archived_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.RequestID, entry.RequestText, entry.RootTaskID, string(data),
		formatTime(entry.ArchivedAt))
	if err != nil {
		return fmt.Errorf("writing archive %s: %w", entry.ID, err)
	}
	for _, id := range entry.TaskIDs() {
		if err := t.DeleteTask(id); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqliteTx) ListArchives(requestID string) ([]models.ArchiveEntry, error) {
	query := `SELECT id, request_id, request_text, root_task_id, tasks, archived_at FROM archives`
	var args []any
	if requestID != "" {
		query += ` WHERE request_id = ?`
		args = append(args, requestID)
	}
	query += ` ORDER BY archived_at, id`

	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing archives: %w", err)
	}
	defer rows.Close()

	var out []models.ArchiveEntry
	for rows.Next() {
		var (
			e          models.ArchiveEntry
			tasks      string
			archivedAt string
		)
		if err := rows.Scan(&e.ID, &e.RequestID, &e.RequestText, &e.RootTaskID, &tasks, &archivedAt); err != nil {
			return nil, fmt.Errorf("scanning archive: %w", err)
		}
		if err := json.Unmarshal([]byte(tasks), &e.Tasks); err != nil {
			return nil, fmt.Errorf("decoding archive %s: %w", e.ID, err)
		}
		if e.ArchivedAt, err = parseTime(archivedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(s scanner) (*models.Request, error) {
	var (
		r                    models.Request
		taskIDs              string
		createdAt, updatedAt string
	)
	if err := s.Scan(&r.ID, &r.OriginalRequest, &r.SplitDetails, &taskIDs, &r.Completed, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if r.TaskIDs, err = decodeStrings(taskIDs); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanTask(s scanner) (*models.Task, error) {
	var (
		t                          models.Task
		status, priority, taskType string
		subtasks, artifacts        string
		createdAt, updatedAt       string
	)
	err := s.Scan(&t.ID, &t.RequestID, &t.Title, &t.Description, &status, &priority, &taskType,
		&t.ParentID, &subtasks, &t.FailureReason, &t.SuggestedRetryStrategy, &t.CompletedDetails,
		&artifacts, &t.EnvironmentContext, &t.SummaryRef, &t.ClarificationRequest,
		&t.ClarificationResponse, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = models.TaskStatus(status)
	t.Priority = models.Priority(priority)
	t.Type = models.TaskType(taskType)
	if t.SubtaskIDs, err = decodeStrings(subtasks); err != nil {
		return nil, err
	}
	if t.Artifacts, err = decodeStrings(artifacts); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeStrings(s []string) (string, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encoding list: %w", err)
	}
	return string(data), nil
}

// decodeStrings returns nil for an empty list so round trips match the YAML
// backend, which omits empty slices.
func decodeStrings(raw string) ([]string, error) {
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decoding list: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}
