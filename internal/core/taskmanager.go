package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/valter-silva-au/tasktree/pkg/models"
)

// TaskManager defines the operations exposed to transports. Every mutating
// call runs to completion, cascade included, inside one store transaction.
type TaskManager interface {
	PlanRequest(ctx context.Context, in PlanInput) (*PlanResult, error)
	AddTasks(ctx context.Context, requestID string, defs []TaskDefinition) (*PlanResult, error)
	ListRequests(ctx context.Context) ([]RequestSummary, error)
	GetRequest(ctx context.Context, requestID string) (*RequestDetails, error)
	NextTask(ctx context.Context, requestID string) (*NextTaskResult, error)

	MarkTaskDone(ctx context.Context, taskID string, in DoneInput) (*StatusResult, error)
	MarkTaskFailed(ctx context.Context, taskID string, in FailInput) (*StatusResult, error)
	RequestClarification(ctx context.Context, taskID, question string) (*StatusResult, error)
	ProvideClarification(ctx context.Context, taskID, response string) (*StatusResult, error)

	GetTask(ctx context.Context, taskID string) (*TaskDetails, error)
	UpdateTask(ctx context.Context, taskID string, in TaskUpdate) (*models.Task, error)
	AddSubtask(ctx context.Context, parentID string, def TaskDefinition) (*models.Task, error)
	RemoveSubtask(ctx context.Context, parentID, subtaskID string) (*RemovalResult, error)
	DeleteTask(ctx context.Context, taskID string) (*RemovalResult, error)

	AddDependency(ctx context.Context, taskID, dependsOnID string) (*DependencyResult, error)
	RemoveDependency(ctx context.Context, taskID, dependsOnID string) (*DependencyResult, error)
	ValidateDependencies(ctx context.Context, requestID string) ([]DependencyIssue, error)
	GetTaskDependencies(ctx context.Context, taskID string) (*TaskDependencies, error)

	SplitTask(ctx context.Context, taskID string, defs []TaskDefinition) (*SplitResult, error)
	MergeTasks(ctx context.Context, primaryID string, sourceIDs []string, o MergeOverrides) (*MergeResult, error)

	ArchiveTaskTree(ctx context.Context, rootID string) (*models.ArchiveEntry, error)
	ListArchives(ctx context.Context, requestID string) ([]models.ArchiveEntry, error)
}

// PlanInput creates a request with its initial tasks.
type PlanInput struct {
	OriginalRequest string           `json:"original_request" yaml:"original_request"`
	SplitDetails    string           `json:"split_details,omitempty" yaml:"split_details,omitempty"`
	Tasks           []TaskDefinition `json:"tasks" yaml:"tasks"`
}

// DoneInput carries the completion report of a task.
type DoneInput struct {
	CompletedDetails string   `json:"completed_details,omitempty"`
	Artifacts        []string `json:"artifacts,omitempty"`
	Summary          string   `json:"summary,omitempty"`
}

// FailInput carries the failure report of a task.
type FailInput struct {
	Reason                 string `json:"reason"`
	SuggestedRetryStrategy string `json:"suggested_retry_strategy,omitempty"`
}

// TaskUpdate edits descriptive fields. Nil fields are left unchanged and
// Artifacts are appended.
type TaskUpdate struct {
	Title              *string          `json:"title,omitempty"`
	Description        *string          `json:"description,omitempty"`
	Priority           *models.Priority `json:"priority,omitempty"`
	Type               *models.TaskType `json:"type,omitempty"`
	EnvironmentContext *string          `json:"environment_context,omitempty"`
	Artifacts          []string         `json:"artifacts,omitempty"`
}

// Progress counts a request's live tasks by status.
type Progress struct {
	Total                 int `json:"total"`
	Pending               int `json:"pending"`
	Active                int `json:"active"`
	RequiresClarification int `json:"requires_clarification"`
	Done                  int `json:"done"`
	Failed                int `json:"failed"`
	Split                 int `json:"split"`
}

// PlanResult is returned by PlanRequest and AddTasks.
type PlanResult struct {
	Request models.Request `json:"request"`
	Tasks   []models.Task  `json:"tasks"`
	Message string         `json:"message"`
}

// RequestSummary is one row of ListRequests.
type RequestSummary struct {
	Request  models.Request `json:"request"`
	Progress Progress       `json:"progress"`
}

// RequestDetails is a request with its live tasks in creation order.
type RequestDetails struct {
	Request  models.Request `json:"request"`
	Tasks    []models.Task  `json:"tasks"`
	Progress Progress       `json:"progress"`
}

// NextTaskResult is the selector's answer. Task is nil when nothing is
// actionable or the request is complete.
type NextTaskResult struct {
	RequestID        string       `json:"request_id"`
	Task             *models.Task `json:"task,omitempty"`
	Activated        []string     `json:"activated,omitempty"`
	RequestCompleted bool         `json:"request_completed"`
	Progress         Progress     `json:"progress"`
	Message          string       `json:"message"`
}

// StatusResult is returned by status-changing operations.
type StatusResult struct {
	Task    models.Task   `json:"task"`
	Already bool          `json:"already,omitempty"`
	Cascade CascadeReport `json:"cascade"`
	Message string        `json:"message"`
}

// TaskDetails is a task with its direct subtasks and dependency edges.
type TaskDetails struct {
	Task         models.Task       `json:"task"`
	Subtasks     []models.Task     `json:"subtasks"`
	Dependencies *TaskDependencies `json:"dependencies"`
}

// RemovalResult is returned by DeleteTask and RemoveSubtask.
type RemovalResult struct {
	Removed []string      `json:"removed"`
	Cascade CascadeReport `json:"cascade"`
	Message string        `json:"message"`
}

// DependencyResult is returned by AddDependency and RemoveDependency.
type DependencyResult struct {
	TaskID    string `json:"task_id"`
	DependsOn string `json:"depends_on"`
	Changed   bool   `json:"changed"`
	Message   string `json:"message"`
}

// SplitResult is returned by SplitTask.
type SplitResult struct {
	Task     models.Task   `json:"task"`
	Subtasks []models.Task `json:"subtasks"`
	Message  string        `json:"message"`
}

// MergeResult is returned by MergeTasks.
type MergeResult struct {
	Task       models.Task   `json:"task"`
	Merged     []string      `json:"merged"`
	Reparented []string      `json:"reparented,omitempty"`
	Rewritten  []string      `json:"rewritten,omitempty"`
	Cascade    CascadeReport `json:"cascade"`
	Message    string        `json:"message"`
}

// Option configures a TaskManager.
type Option func(*taskManager)

// WithSummaryWriter stores completion summaries through w.
func WithSummaryWriter(w SummaryWriter) Option { return func(tm *taskManager) { tm.summaries = w } }

// WithEventLogger publishes domain events to l after each commit.
func WithEventLogger(l EventLogger) Option { return func(tm *taskManager) { tm.events = l } }

// WithLogger sets the diagnostics logger.
func WithLogger(l *slog.Logger) Option { return func(tm *taskManager) { tm.logger = l } }

// WithEagerCycleCheck toggles full cycle detection on every AddDependency.
// When off only the immediate two-task cycle is rejected on add.
func WithEagerCycleCheck(on bool) Option { return func(tm *taskManager) { tm.eagerCycleCheck = on } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(tm *taskManager) { tm.now = now } }

// WithArchiveIDs overrides archive entry id generation.
func WithArchiveIDs(next func() string) Option {
	return func(tm *taskManager) { tm.newArchiveID = next }
}

type event struct {
	typ  string
	data map[string]any
}

type taskManager struct {
	store           TaskStore
	ids             *IDGenerator
	summaries       SummaryWriter
	events          EventLogger
	logger          *slog.Logger
	eagerCycleCheck bool
	now             func() time.Time
	newArchiveID    func() string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewTaskManager creates a TaskManager over store.
func NewTaskManager(store TaskStore, ids *IDGenerator, opts ...Option) TaskManager {
	tm := &taskManager{
		store:           store,
		ids:             ids,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		eagerCycleCheck: true,
		now:             func() time.Time { return time.Now().UTC() },
		newArchiveID:    uuid.NewString,
		locks:           make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(tm)
	}
	if tm.ids == nil {
		tm.ids = NewIDGenerator("", "")
	}
	return tm
}

// lock serializes operations against one request.
func (tm *taskManager) lock(requestID string) func() {
	tm.locksMu.Lock()
	mu, ok := tm.locks[requestID]
	if !ok {
		mu = &sync.Mutex{}
		tm.locks[requestID] = mu
	}
	tm.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// mutate loads the request's graph inside a write transaction, applies fn
// and flushes the result. Events collected by fn are published only after
// the commit succeeds.
func (tm *taskManager) mutate(ctx context.Context, op, requestID string, fn func(tx Tx, g *Graph, emit func(string, map[string]any)) error) error {
	unlock := tm.lock(requestID)
	defer unlock()

	var events []event
	emit := func(typ string, data map[string]any) {
		events = append(events, event{typ: typ, data: data})
	}
	err := tm.store.Update(ctx, func(tx Tx) error {
		events = events[:0]
		g, err := loadGraph(tx, requestID, tm.now())
		if err != nil {
			return err
		}
		if err := fn(tx, g, emit); err != nil {
			return err
		}
		return g.flush(tx)
	})
	if err != nil {
		tm.logger.Debug("operation rejected", "op", op, "request", requestID, "kind", ErrorKind(err), "error", err)
		return err
	}
	tm.publish(events)
	return nil
}

// mutateTask resolves the request owning taskID and runs fn with the task.
func (tm *taskManager) mutateTask(ctx context.Context, op, taskID string, fn func(tx Tx, g *Graph, t *models.Task, emit func(string, map[string]any)) error) error {
	requestID, err := tm.requestOf(ctx, taskID)
	if err != nil {
		return err
	}
	return tm.mutate(ctx, op, requestID, func(tx Tx, g *Graph, emit func(string, map[string]any)) error {
		t, err := g.Task(taskID)
		if err != nil {
			return err
		}
		return fn(tx, g, t, emit)
	})
}

// view runs fn against a read-only graph of requestID.
func (tm *taskManager) view(ctx context.Context, requestID string, fn func(tx Tx, g *Graph) error) error {
	return tm.store.View(ctx, func(tx Tx) error {
		g, err := loadGraph(tx, requestID, tm.now())
		if err != nil {
			return err
		}
		return fn(tx, g)
	})
}

func (tm *taskManager) requestOf(ctx context.Context, taskID string) (string, error) {
	var requestID string
	err := tm.store.View(ctx, func(tx Tx) error {
		t, err := tx.GetTask(taskID)
		if err != nil {
			return fmt.Errorf("looking up task %s: %w", taskID, err)
		}
		if t == nil {
			return notFoundf("task %s does not exist", taskID)
		}
		requestID = t.RequestID
		return nil
	})
	return requestID, err
}

// archivedReport answers a repeated terminal report for a task whose tree
// was archived by the first one. notFound is returned when no archive holds
// the task.
func (tm *taskManager) archivedReport(ctx context.Context, taskID string, to models.TaskStatus, notFound error) (*StatusResult, error) {
	var out *StatusResult
	err := tm.store.View(ctx, func(tx Tx) error {
		archives, err := tx.ListArchives("")
		if err != nil {
			return fmt.Errorf("listing archives: %w", err)
		}
		for _, a := range archives {
			for _, t := range a.Tasks {
				if t.ID != taskID {
					continue
				}
				if t.Status != to {
					return invalidf("task %s was archived as %s and cannot be reported %s", taskID, t.Status, to)
				}
				out = &StatusResult{Task: t.Clone(), Already: true, Message: fmt.Sprintf("Task %s is already %s (archived in %s).", taskID, to, a.ID)}
				return nil
			}
		}
		return notFound
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (tm *taskManager) publish(events []event) {
	if tm.events == nil {
		return
	}
	for _, e := range events {
		if err := tm.events.LogEvent(e.typ, e.data); err != nil {
			tm.logger.Warn("event log write failed", "event", e.typ, "error", err)
		}
	}
}

func (tm *taskManager) nextTaskID(tx Tx) idSource {
	return func() (string, error) { return tm.ids.NextTaskID(tx) }
}

// PlanRequest creates a request and its task trees.
func (tm *taskManager) PlanRequest(ctx context.Context, in PlanInput) (*PlanResult, error) {
	if strings.TrimSpace(in.OriginalRequest) == "" {
		return nil, invalidf("original request text must not be empty")
	}
	if len(in.Tasks) == 0 {
		return nil, invalidf("a request needs at least one task")
	}

	var result *PlanResult
	var events []event
	err := tm.store.Update(ctx, func(tx Tx) error {
		events = events[:0]
		id, err := tm.ids.NextRequestID(tx)
		if err != nil {
			return err
		}
		now := tm.now()
		req := &models.Request{
			ID:              id,
			OriginalRequest: in.OriginalRequest,
			SplitDetails:    in.SplitDetails,
			CreatedAt:       now,
		}
		g := newGraph(req, nil, now)
		g.touchRequest()

		created, err := g.createTasks(in.Tasks, "", nil, tm.nextTaskID(tx))
		if err != nil {
			return err
		}
		if err := g.flush(tx); err != nil {
			return err
		}

		events = append(events, event{"request.created", map[string]any{"request_id": id, "task_count": len(created)}})
		for _, tid := range created {
			events = append(events, taskCreatedEvent(g.tasks[tid]))
		}
		result = &PlanResult{
			Request: req.Clone(),
			Tasks:   cloneTasks(g, created),
			Message: fmt.Sprintf("Request %s planned with %d tasks.", id, len(created)),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	tm.publish(events)
	tm.logger.Info("request planned", "request", result.Request.ID, "tasks", len(result.Tasks))
	return result, nil
}

// AddTasks appends new top-level task trees to an existing request.
func (tm *taskManager) AddTasks(ctx context.Context, requestID string, defs []TaskDefinition) (*PlanResult, error) {
	if len(defs) == 0 {
		return nil, invalidf("no tasks to add")
	}
	var result *PlanResult
	err := tm.mutate(ctx, "add_tasks", requestID, func(tx Tx, g *Graph, emit func(string, map[string]any)) error {
		created, err := g.createTasks(defs, "", nil, tm.nextTaskID(tx))
		if err != nil {
			return err
		}
		g.refreshCompletion()
		for _, tid := range created {
			e := taskCreatedEvent(g.tasks[tid])
			emit(e.typ, e.data)
		}
		result = &PlanResult{
			Request: g.req.Clone(),
			Tasks:   cloneTasks(g, created),
			Message: fmt.Sprintf("Added %d tasks to request %s.", len(created), requestID),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListRequests returns every request with its progress counts.
func (tm *taskManager) ListRequests(ctx context.Context) ([]RequestSummary, error) {
	var out []RequestSummary
	err := tm.store.View(ctx, func(tx Tx) error {
		reqs, err := tx.ListRequests()
		if err != nil {
			return fmt.Errorf("listing requests: %w", err)
		}
		sort.Slice(reqs, func(i, j int) bool { return idSequence(reqs[i].ID) < idSequence(reqs[j].ID) })
		for _, r := range reqs {
			tasks, err := tx.ListTasks(r.ID)
			if err != nil {
				return fmt.Errorf("listing tasks of request %s: %w", r.ID, err)
			}
			g := newGraph(&r, tasks, tm.now())
			out = append(out, RequestSummary{Request: r.Clone(), Progress: g.progress()})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetRequest returns a request with its live tasks.
func (tm *taskManager) GetRequest(ctx context.Context, requestID string) (*RequestDetails, error) {
	var out *RequestDetails
	err := tm.view(ctx, requestID, func(_ Tx, g *Graph) error {
		tasks := g.Tasks()
		ids := make([]string, 0, len(tasks))
		for _, t := range tasks {
			ids = append(ids, t.ID)
		}
		out = &RequestDetails{Request: g.req.Clone(), Tasks: cloneTasks(g, ids), Progress: g.progress()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// NextTask selects the next actionable task of requestID.
func (tm *taskManager) NextTask(ctx context.Context, requestID string) (*NextTaskResult, error) {
	var out *NextTaskResult
	err := tm.mutate(ctx, "get_next_task", requestID, func(_ Tx, g *Graph, emit func(string, map[string]any)) error {
		wasCompleted := g.req.Completed
		sel, err := g.selectNext()
		if err != nil {
			return err
		}
		out = &NextTaskResult{RequestID: requestID, Activated: sel.activated, Progress: g.progress()}
		for _, id := range sel.activated {
			emit("task.status_changed", statusChange(g.tasks[id], models.StatusPending, models.StatusActive))
		}
		switch {
		case sel.task != nil:
			t := sel.task.Clone()
			out.Task = &t
			out.Message = nextTaskMessage(&t)
		case sel.completed:
			out.RequestCompleted = true
			out.Message = fmt.Sprintf("All tasks in request %s are complete.", requestID)
			if !wasCompleted {
				emit("request.completed", map[string]any{"request_id": requestID})
			}
		default:
			out.Message = fmt.Sprintf("No actionable task in request %s: remaining tasks are blocked on dependencies or unactivated parents.", requestID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func nextTaskMessage(t *models.Task) string {
	switch t.Status {
	case models.StatusRequiresClarification:
		return fmt.Sprintf("Task %s is waiting for clarification: %s", t.ID, t.ClarificationRequest)
	default:
		return fmt.Sprintf("Next task: %s %q (%s, %s).", t.ID, t.Title, t.Status, t.Priority)
	}
}

// MarkTaskDone reports successful completion and runs the cascade.
func (tm *taskManager) MarkTaskDone(ctx context.Context, taskID string, in DoneInput) (*StatusResult, error) {
	var out *StatusResult
	err := tm.mutateTask(ctx, "mark_task_done", taskID, func(_ Tx, g *Graph, t *models.Task, emit func(string, map[string]any)) error {
		already, err := terminalReport(t, models.StatusDone)
		if err != nil {
			return err
		}
		if already {
			out = &StatusResult{Task: t.Clone(), Already: true, Message: fmt.Sprintf("Task %s is already done.", taskID)}
			return nil
		}

		from := t.Status
		if in.Summary != "" && tm.summaries != nil {
			ref, err := tm.summaries.WriteSummary(taskID, in.Summary)
			if err != nil {
				return fmt.Errorf("writing summary of task %s: %w", taskID, err)
			}
			t.SummaryRef = ref
		}
		t.CompletedDetails = in.CompletedDetails
		t.Artifacts = appendUnique(t.Artifacts, in.Artifacts...)
		t.Status = models.StatusDone
		g.touch(t)
		emit("task.status_changed", statusChange(t, from, models.StatusDone))
		emit("task.completed", map[string]any{"request_id": g.req.ID, "task_id": taskID})

		report := g.cascade(taskID, tm.newArchiveID)
		tm.emitCascade(g, report, emit)
		out = &StatusResult{Task: t.Clone(), Cascade: report, Message: withCascade(fmt.Sprintf("Task %s marked done.", taskID), report)}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return tm.archivedReport(ctx, taskID, models.StatusDone, err)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkTaskFailed reports failure and runs the cascade.
func (tm *taskManager) MarkTaskFailed(ctx context.Context, taskID string, in FailInput) (*StatusResult, error) {
	var out *StatusResult
	err := tm.mutateTask(ctx, "mark_task_failed", taskID, func(_ Tx, g *Graph, t *models.Task, emit func(string, map[string]any)) error {
		already, err := terminalReport(t, models.StatusFailed)
		if err != nil {
			return err
		}
		if already {
			out = &StatusResult{Task: t.Clone(), Already: true, Message: fmt.Sprintf("Task %s is already failed.", taskID)}
			return nil
		}

		from := t.Status
		t.FailureReason = in.Reason
		t.SuggestedRetryStrategy = in.SuggestedRetryStrategy
		t.Status = models.StatusFailed
		g.touch(t)
		emit("task.status_changed", statusChange(t, from, models.StatusFailed))
		emit("task.failed", map[string]any{"request_id": g.req.ID, "task_id": taskID, "reason": in.Reason})

		report := g.cascade(taskID, tm.newArchiveID)
		tm.emitCascade(g, report, emit)
		out = &StatusResult{Task: t.Clone(), Cascade: report, Message: withCascade(fmt.Sprintf("Task %s marked failed.", taskID), report)}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return tm.archivedReport(ctx, taskID, models.StatusFailed, err)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RequestClarification parks an active task until input arrives.
func (tm *taskManager) RequestClarification(ctx context.Context, taskID, question string) (*StatusResult, error) {
	if strings.TrimSpace(question) == "" {
		return nil, invalidf("a clarification request needs a question")
	}
	var out *StatusResult
	err := tm.mutateTask(ctx, "request_clarification", taskID, func(_ Tx, g *Graph, t *models.Task, emit func(string, map[string]any)) error {
		from := t.Status
		if err := g.setStatus(t, models.StatusRequiresClarification); err != nil {
			return err
		}
		t.ClarificationRequest = question
		t.ClarificationResponse = ""
		emit("task.status_changed", statusChange(t, from, t.Status))
		out = &StatusResult{Task: t.Clone(), Message: fmt.Sprintf("Task %s is waiting for clarification.", taskID)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ProvideClarification records the answer and resumes the task.
func (tm *taskManager) ProvideClarification(ctx context.Context, taskID, response string) (*StatusResult, error) {
	var out *StatusResult
	err := tm.mutateTask(ctx, "provide_clarification", taskID, func(_ Tx, g *Graph, t *models.Task, emit func(string, map[string]any)) error {
		from := t.Status
		if err := g.setStatus(t, models.StatusActive); err != nil {
			return err
		}
		t.ClarificationResponse = response
		emit("task.status_changed", statusChange(t, from, t.Status))
		out = &StatusResult{Task: t.Clone(), Message: fmt.Sprintf("Task %s resumed.", taskID)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetTask returns a live task with its subtasks and dependencies.
func (tm *taskManager) GetTask(ctx context.Context, taskID string) (*TaskDetails, error) {
	requestID, err := tm.requestOf(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var out *TaskDetails
	err = tm.view(ctx, requestID, func(_ Tx, g *Graph) error {
		t, err := g.Task(taskID)
		if err != nil {
			return err
		}
		deps, err := g.dependenciesOf(taskID)
		if err != nil {
			return err
		}
		out = &TaskDetails{Task: t.Clone(), Subtasks: []models.Task{}, Dependencies: deps}
		for _, c := range g.Children(taskID) {
			out.Subtasks = append(out.Subtasks, c.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateTask edits descriptive fields of a non-terminal task.
func (tm *taskManager) UpdateTask(ctx context.Context, taskID string, in TaskUpdate) (*models.Task, error) {
	var out models.Task
	err := tm.mutateTask(ctx, "update_task", taskID, func(_ Tx, g *Graph, t *models.Task, _ func(string, map[string]any)) error {
		if t.Status.IsTerminal() {
			return invalidf("task %s is %s and can no longer be edited", taskID, t.Status)
		}
		if in.Title != nil {
			if strings.TrimSpace(*in.Title) == "" {
				return invalidf("task title must not be empty")
			}
			t.Title = *in.Title
		}
		if in.Description != nil {
			t.Description = *in.Description
		}
		if in.Priority != nil {
			t.Priority = *in.Priority
		}
		if in.Type != nil {
			t.Type = *in.Type
		}
		if in.EnvironmentContext != nil {
			t.EnvironmentContext = *in.EnvironmentContext
		}
		t.Artifacts = appendUnique(t.Artifacts, in.Artifacts...)
		g.touch(t)
		out = t.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AddSubtask creates a pending child under parentID.
func (tm *taskManager) AddSubtask(ctx context.Context, parentID string, def TaskDefinition) (*models.Task, error) {
	var out models.Task
	err := tm.mutateTask(ctx, "add_subtask", parentID, func(tx Tx, g *Graph, parent *models.Task, emit func(string, map[string]any)) error {
		if parent.Status.IsTerminal() {
			return invalidf("task %s is %s; subtasks cannot be added", parentID, parent.Status)
		}
		def.Subtasks = nil
		created, err := g.createTasks([]TaskDefinition{def}, parentID, nil, tm.nextTaskID(tx))
		if err != nil {
			return err
		}
		child := g.tasks[created[0]]
		e := taskCreatedEvent(child)
		emit(e.typ, e.data)
		out = child.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveSubtask deletes subtaskID and its descendants from parentID.
func (tm *taskManager) RemoveSubtask(ctx context.Context, parentID, subtaskID string) (*RemovalResult, error) {
	var out *RemovalResult
	err := tm.mutateTask(ctx, "remove_subtask", parentID, func(_ Tx, g *Graph, parent *models.Task, emit func(string, map[string]any)) error {
		if !contains(parent.SubtaskIDs, subtaskID) {
			return invalidf("task %s is not a subtask of %s", subtaskID, parentID)
		}
		out = tm.removeTree(g, subtaskID, parentID, emit)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteTask deletes taskID and its descendants.
func (tm *taskManager) DeleteTask(ctx context.Context, taskID string) (*RemovalResult, error) {
	var out *RemovalResult
	err := tm.mutateTask(ctx, "delete_task", taskID, func(_ Tx, g *Graph, t *models.Task, emit func(string, map[string]any)) error {
		out = tm.removeTree(g, taskID, t.ParentID, emit)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (tm *taskManager) removeTree(g *Graph, rootID, parentID string, emit func(string, map[string]any)) *RemovalResult {
	removed, _ := g.RemoveTree(rootID)
	for _, id := range removed {
		emit("task.deleted", map[string]any{"request_id": g.req.ID, "task_id": id})
	}
	var report CascadeReport
	if parentID != "" {
		report = g.settle(parentID, tm.newArchiveID)
	} else {
		report.RequestCompleted = g.refreshCompletion()
	}
	tm.emitCascade(g, report, emit)
	msg := fmt.Sprintf("Deleted %d tasks.", len(removed))
	return &RemovalResult{Removed: removed, Cascade: report, Message: withCascade(msg, report)}
}

// AddDependency makes taskID wait for dependsOnID.
func (tm *taskManager) AddDependency(ctx context.Context, taskID, dependsOnID string) (*DependencyResult, error) {
	out := &DependencyResult{TaskID: taskID, DependsOn: dependsOnID}
	err := tm.mutateTask(ctx, "add_dependency", taskID, func(_ Tx, g *Graph, _ *models.Task, emit func(string, map[string]any)) error {
		changed, err := g.addDependency(taskID, dependsOnID, tm.eagerCycleCheck)
		if err != nil {
			return err
		}
		out.Changed = changed
		if changed {
			emit("dependency.added", map[string]any{"request_id": g.req.ID, "task_id": taskID, "depends_on": dependsOnID})
			out.Message = fmt.Sprintf("Task %s now depends on %s.", taskID, dependsOnID)
		} else {
			out.Message = fmt.Sprintf("Task %s already depends on %s.", taskID, dependsOnID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RemoveDependency drops the edge taskID -> dependsOnID.
func (tm *taskManager) RemoveDependency(ctx context.Context, taskID, dependsOnID string) (*DependencyResult, error) {
	out := &DependencyResult{TaskID: taskID, DependsOn: dependsOnID}
	err := tm.mutateTask(ctx, "remove_dependency", taskID, func(_ Tx, g *Graph, _ *models.Task, emit func(string, map[string]any)) error {
		if err := g.removeDependency(taskID, dependsOnID); err != nil {
			return err
		}
		out.Changed = true
		out.Message = fmt.Sprintf("Task %s no longer depends on %s.", taskID, dependsOnID)
		emit("dependency.removed", map[string]any{"request_id": g.req.ID, "task_id": taskID, "depends_on": dependsOnID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ValidateDependencies returns every dependency issue of the request. An
// empty slice means the graph is sound.
func (tm *taskManager) ValidateDependencies(ctx context.Context, requestID string) ([]DependencyIssue, error) {
	issues := []DependencyIssue{}
	err := tm.view(ctx, requestID, func(_ Tx, g *Graph) error {
		issues = append(issues, g.ValidateDependencies()...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return issues, nil
}

// GetTaskDependencies resolves both directions of taskID's edges.
func (tm *taskManager) GetTaskDependencies(ctx context.Context, taskID string) (*TaskDependencies, error) {
	requestID, err := tm.requestOf(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var out *TaskDependencies
	err = tm.view(ctx, requestID, func(_ Tx, g *Graph) error {
		deps, derr := g.dependenciesOf(taskID)
		out = deps
		return derr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SplitTask turns taskID into a container for defs.
func (tm *taskManager) SplitTask(ctx context.Context, taskID string, defs []TaskDefinition) (*SplitResult, error) {
	var out *SplitResult
	err := tm.mutateTask(ctx, "split_task", taskID, func(tx Tx, g *Graph, t *models.Task, emit func(string, map[string]any)) error {
		from := t.Status
		created, err := g.splitTask(taskID, defs, tm.nextTaskID(tx))
		if err != nil {
			return err
		}
		g.refreshCompletion()
		emit("task.status_changed", statusChange(t, from, models.StatusSplit))
		emit("task.split", map[string]any{"request_id": g.req.ID, "task_id": taskID, "subtask_ids": created})
		for _, id := range created {
			e := taskCreatedEvent(g.tasks[id])
			emit(e.typ, e.data)
		}
		out = &SplitResult{
			Task:     t.Clone(),
			Subtasks: cloneTasks(g, created),
			Message:  fmt.Sprintf("Task %s split into %d subtasks: %s.", taskID, len(created), strings.Join(created, ", ")),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MergeTasks folds sourceIDs into primaryID.
func (tm *taskManager) MergeTasks(ctx context.Context, primaryID string, sourceIDs []string, o MergeOverrides) (*MergeResult, error) {
	var out *MergeResult
	err := tm.mutateTask(ctx, "merge_tasks", primaryID, func(tx Tx, g *Graph, primary *models.Task, emit func(string, map[string]any)) error {
		for _, sid := range sourceIDs {
			if _, ok := g.lookup(sid); ok {
				continue
			}
			other, err := tx.GetTask(sid)
			if err != nil {
				return fmt.Errorf("looking up task %s: %w", sid, err)
			}
			if other != nil {
				return invalidf("task %s belongs to request %s, not %s", sid, other.RequestID, g.req.ID)
			}
		}

		wasCompleted := g.req.Completed
		res, err := g.mergeTasks(primaryID, sourceIDs, o)
		if err != nil {
			return err
		}
		var report CascadeReport
		for _, pid := range res.formerParents {
			r := g.settle(pid, tm.newArchiveID)
			report.AutoCompleted = append(report.AutoCompleted, r.AutoCompleted...)
			if r.ArchiveID != "" {
				report.ArchiveID, report.ArchivedRoot, report.ArchivedTaskIDs = r.ArchiveID, r.ArchivedRoot, r.ArchivedTaskIDs
			}
		}
		g.refreshCompletion()
		report.RequestCompleted = !wasCompleted && g.req.Completed

		emit("task.merged", map[string]any{"request_id": g.req.ID, "task_id": primaryID, "merged": res.merged})
		for _, id := range res.merged {
			emit("task.deleted", map[string]any{"request_id": g.req.ID, "task_id": id})
		}
		tm.emitCascade(g, report, emit)

		out = &MergeResult{
			Task:       primary.Clone(),
			Merged:     res.merged,
			Reparented: res.reparented,
			Rewritten:  res.rewritten,
			Cascade:    report,
			Message:    withCascade(fmt.Sprintf("Merged %s into %s.", strings.Join(res.merged, ", "), primaryID), report),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ArchiveTaskTree archives a resolved top-level tree on demand.
func (tm *taskManager) ArchiveTaskTree(ctx context.Context, rootID string) (*models.ArchiveEntry, error) {
	var out models.ArchiveEntry
	err := tm.mutateTask(ctx, "archive_task_tree", rootID, func(_ Tx, g *Graph, root *models.Task, emit func(string, map[string]any)) error {
		if root.ParentID != "" {
			return invalidf("task %s is a subtask of %s; only top-level trees can be archived", rootID, root.ParentID)
		}
		if !g.treeResolved(rootID) {
			return invalidf("task tree %s still has unresolved tasks", rootID)
		}
		out = g.archiveTree(rootID, tm.newArchiveID())
		report := CascadeReport{ArchiveID: out.ID, ArchivedRoot: rootID, ArchivedTaskIDs: out.TaskIDs()}
		report.RequestCompleted = g.refreshCompletion()
		tm.emitCascade(g, report, emit)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListArchives returns the archive entries of requestID, or of every request
// when requestID is empty.
func (tm *taskManager) ListArchives(ctx context.Context, requestID string) ([]models.ArchiveEntry, error) {
	var out []models.ArchiveEntry
	err := tm.store.View(ctx, func(tx Tx) error {
		if requestID != "" {
			req, err := tx.GetRequest(requestID)
			if err != nil {
				return fmt.Errorf("loading request %s: %w", requestID, err)
			}
			if req == nil {
				return notFoundf("request %s does not exist", requestID)
			}
		}
		entries, err := tx.ListArchives(requestID)
		if err != nil {
			return fmt.Errorf("listing archives: %w", err)
		}
		out = entries
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (tm *taskManager) emitCascade(g *Graph, r CascadeReport, emit func(string, map[string]any)) {
	for _, id := range r.AutoCompleted {
		emit("task.status_changed", map[string]any{"request_id": g.req.ID, "task_id": id, "to": string(models.StatusDone), "cascade": true})
		emit("task.completed", map[string]any{"request_id": g.req.ID, "task_id": id, "cascade": true})
	}
	if r.ArchiveID != "" {
		emit("tree.archived", map[string]any{
			"request_id":   g.req.ID,
			"archive_id":   r.ArchiveID,
			"root_task_id": r.ArchivedRoot,
			"task_count":   len(r.ArchivedTaskIDs),
			"task_ids":     r.ArchivedTaskIDs,
		})
	}
	if r.RequestCompleted {
		emit("request.completed", map[string]any{"request_id": g.req.ID})
	}
	if !r.Empty() {
		tm.logger.Debug("cascade", "request", g.req.ID, "auto_completed", r.AutoCompleted, "archive", r.ArchiveID, "request_completed", r.RequestCompleted)
	}
}

func withCascade(msg string, r CascadeReport) string {
	if r.Empty() {
		return msg
	}
	return msg + " " + r.String()
}

func statusChange(t *models.Task, from, to models.TaskStatus) map[string]any {
	return map[string]any{
		"request_id": t.RequestID,
		"task_id":    t.ID,
		"from":       string(from),
		"to":         string(to),
	}
}

func taskCreatedEvent(t *models.Task) event {
	return event{"task.created", map[string]any{
		"request_id": t.RequestID,
		"task_id":    t.ID,
		"parent_id":  t.ParentID,
		"priority":   string(t.Priority),
	}}
}

func cloneTasks(g *Graph, ids []string) []models.Task {
	out := make([]models.Task, 0, len(ids))
	for _, id := range ids {
		if t, ok := g.tasks[id]; ok {
			out = append(out, t.Clone())
		}
	}
	return out
}

// progress counts the live tasks of g by status.
func (g *Graph) progress() Progress {
	var p Progress
	for _, t := range g.tasks {
		p.Total++
		switch t.Status {
		case models.StatusPending:
			p.Pending++
		case models.StatusActive:
			p.Active++
		case models.StatusRequiresClarification:
			p.RequiresClarification++
		case models.StatusDone:
			p.Done++
		case models.StatusFailed:
			p.Failed++
		case models.StatusSplit:
			p.Split++
		}
	}
	return p
}
