package cli

import (
	"context"
	"testing"
	"time"

	"github.com/valter-silva-au/tasktree/internal/core"
	"github.com/valter-silva-au/tasktree/pkg/models"
)

var fixedTime = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

// taskMgrMock records calls and returns canned data. Methods not overridden
// fall through to the nil embedded interface.
type taskMgrMock struct {
	core.TaskManager

	request models.Request
	tasks   []models.Task
	issues  []core.DependencyIssue
	err     error

	plan     *core.PlanInput
	added    []core.TaskDefinition
	done     *core.DoneInput
	fail     *core.FailInput
	question string
	answer   string
	update   *core.TaskUpdate
	subtask  *core.TaskDefinition
	split    []core.TaskDefinition
	merge    []string
	override core.MergeOverrides
	calls    []string
}

func newTaskMgrMock() *taskMgrMock {
	req := models.Request{
		ID:              "req-1",
		OriginalRequest: "Build the login page",
		TaskIDs:         []string{"task-1", "task-4"},
		CreatedAt:       fixedTime,
		UpdatedAt:       fixedTime,
	}
	return &taskMgrMock{
		request: req,
		tasks: []models.Task{
			{ID: "task-1", RequestID: "req-1", Title: "Login API", Status: models.StatusActive, Priority: models.PriorityHigh, SubtaskIDs: []string{"task-2", "task-3"}},
			{ID: "task-2", RequestID: "req-1", Title: "Handler", Status: models.StatusDone, Priority: models.PriorityMedium, ParentID: "task-1"},
			{ID: "task-3", RequestID: "req-1", Title: "Tests", Status: models.StatusPending, Priority: models.PriorityMedium, ParentID: "task-1", DependsOn: []string{"task-2"}},
			{ID: "task-4", RequestID: "req-1", Title: "Login form", Status: models.StatusPending, Priority: models.PriorityLow, DependsOn: []string{"task-1"}},
		},
	}
}

// install swaps TaskMgr for m for the duration of the test.
func (m *taskMgrMock) install(t *testing.T) {
	t.Helper()
	orig := TaskMgr
	TaskMgr = m
	t.Cleanup(func() { TaskMgr = orig })
}

func (m *taskMgrMock) find(id string) (models.Task, error) {
	for _, t := range m.tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return models.Task{}, &core.OpError{Kind: core.ErrNotFound, Msg: "task " + id}
}

func (m *taskMgrMock) progress() core.Progress {
	p := core.Progress{Total: len(m.tasks)}
	for _, t := range m.tasks {
		switch t.Status {
		case models.StatusPending:
			p.Pending++
		case models.StatusActive:
			p.Active++
		case models.StatusDone:
			p.Done++
		}
	}
	return p
}

func (m *taskMgrMock) PlanRequest(_ context.Context, in core.PlanInput) (*core.PlanResult, error) {
	m.plan = &in
	if m.err != nil {
		return nil, m.err
	}
	return &core.PlanResult{Request: m.request, Tasks: m.tasks, Message: "Request req-1 planned with 4 tasks."}, nil
}

func (m *taskMgrMock) AddTasks(_ context.Context, _ string, defs []core.TaskDefinition) (*core.PlanResult, error) {
	m.added = defs
	return &core.PlanResult{Request: m.request, Tasks: m.tasks[3:], Message: "Added 1 tasks to request req-1."}, nil
}

func (m *taskMgrMock) ListRequests(_ context.Context) ([]core.RequestSummary, error) {
	if m.err != nil {
		return nil, m.err
	}
	return []core.RequestSummary{{Request: m.request, Progress: m.progress()}}, nil
}

func (m *taskMgrMock) GetRequest(_ context.Context, id string) (*core.RequestDetails, error) {
	if id != m.request.ID {
		return nil, &core.OpError{Kind: core.ErrNotFound, Msg: "request " + id}
	}
	return &core.RequestDetails{Request: m.request, Tasks: m.tasks, Progress: m.progress()}, nil
}

func (m *taskMgrMock) NextTask(_ context.Context, _ string) (*core.NextTaskResult, error) {
	t := m.tasks[2]
	t.Status = models.StatusActive
	return &core.NextTaskResult{RequestID: "req-1", Task: &t, Activated: []string{t.ID}, Progress: m.progress(), Message: "Next task: task-3 \"Tests\" (active, medium)."}, nil
}

func (m *taskMgrMock) GetTask(_ context.Context, id string) (*core.TaskDetails, error) {
	t, err := m.find(id)
	if err != nil {
		return nil, err
	}
	d := &core.TaskDetails{Task: t, Dependencies: &core.TaskDependencies{TaskID: id, Met: true}}
	for _, sid := range t.SubtaskIDs {
		s, _ := m.find(sid)
		d.Subtasks = append(d.Subtasks, s)
	}
	for _, dep := range t.DependsOn {
		dt, _ := m.find(dep)
		d.Dependencies.DependsOn = append(d.Dependencies.DependsOn, dt)
		d.Dependencies.Met = d.Dependencies.Met && dt.Status == models.StatusDone
	}
	return d, nil
}

func (m *taskMgrMock) status(id string, to models.TaskStatus, msg string) (*core.StatusResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	t, err := m.find(id)
	if err != nil {
		return nil, err
	}
	t.Status = to
	return &core.StatusResult{Task: t, Message: msg}, nil
}

func (m *taskMgrMock) MarkTaskDone(_ context.Context, id string, in core.DoneInput) (*core.StatusResult, error) {
	m.done = &in
	return m.status(id, models.StatusDone, "Task "+id+" marked done. Auto-completed parent tasks: task-1.")
}

func (m *taskMgrMock) MarkTaskFailed(_ context.Context, id string, in core.FailInput) (*core.StatusResult, error) {
	m.fail = &in
	return m.status(id, models.StatusFailed, "Task "+id+" marked failed.")
}

func (m *taskMgrMock) RequestClarification(_ context.Context, id, q string) (*core.StatusResult, error) {
	m.question = q
	return m.status(id, models.StatusRequiresClarification, "Task "+id+" is waiting for clarification.")
}

func (m *taskMgrMock) ProvideClarification(_ context.Context, id, r string) (*core.StatusResult, error) {
	m.answer = r
	return m.status(id, models.StatusActive, "Task "+id+" resumed.")
}

func (m *taskMgrMock) UpdateTask(_ context.Context, id string, in core.TaskUpdate) (*models.Task, error) {
	m.update = &in
	t, err := m.find(id)
	if err != nil {
		return nil, err
	}
	if in.Title != nil {
		t.Title = *in.Title
	}
	if in.Priority != nil {
		t.Priority = *in.Priority
	}
	return &t, nil
}

func (m *taskMgrMock) AddSubtask(_ context.Context, parentID string, def core.TaskDefinition) (*models.Task, error) {
	m.subtask = &def
	return &models.Task{ID: "task-5", RequestID: "req-1", ParentID: parentID, Title: def.Title, Status: models.StatusPending, Priority: def.Priority}, nil
}

func (m *taskMgrMock) RemoveSubtask(_ context.Context, parentID, subtaskID string) (*core.RemovalResult, error) {
	m.calls = append(m.calls, "remove-subtask "+parentID+" "+subtaskID)
	return &core.RemovalResult{Removed: []string{subtaskID}, Message: "Removed 1 tasks: " + subtaskID + "."}, nil
}

func (m *taskMgrMock) DeleteTask(_ context.Context, id string) (*core.RemovalResult, error) {
	m.calls = append(m.calls, "delete "+id)
	return &core.RemovalResult{Removed: []string{id}, Message: "Removed 1 tasks: " + id + "."}, nil
}

func (m *taskMgrMock) AddDependency(_ context.Context, taskID, dependsOn string) (*core.DependencyResult, error) {
	m.calls = append(m.calls, "add-dep "+taskID+" "+dependsOn)
	if m.err != nil {
		return nil, m.err
	}
	return &core.DependencyResult{TaskID: taskID, DependsOn: dependsOn, Changed: true, Message: "Task " + taskID + " now depends on " + dependsOn + "."}, nil
}

func (m *taskMgrMock) RemoveDependency(_ context.Context, taskID, dependsOn string) (*core.DependencyResult, error) {
	m.calls = append(m.calls, "remove-dep "+taskID+" "+dependsOn)
	return &core.DependencyResult{TaskID: taskID, DependsOn: dependsOn, Changed: true, Message: "Task " + taskID + " no longer depends on " + dependsOn + "."}, nil
}

func (m *taskMgrMock) ValidateDependencies(_ context.Context, _ string) ([]core.DependencyIssue, error) {
	return m.issues, nil
}

func (m *taskMgrMock) GetTaskDependencies(_ context.Context, id string) (*core.TaskDependencies, error) {
	d, err := m.GetTask(context.Background(), id)
	if err != nil {
		return nil, err
	}
	deps := d.Dependencies
	for _, t := range m.tasks {
		for _, dep := range t.DependsOn {
			if dep == id {
				deps.Dependents = append(deps.Dependents, t)
			}
		}
	}
	return deps, nil
}

func (m *taskMgrMock) SplitTask(_ context.Context, id string, defs []core.TaskDefinition) (*core.SplitResult, error) {
	m.split = defs
	t, err := m.find(id)
	if err != nil {
		return nil, err
	}
	t.Status = models.StatusSplit
	var subs []models.Task
	for i, def := range defs {
		subs = append(subs, models.Task{ID: "task-" + string(rune('5'+i)), Title: def.Title, Status: models.StatusPending, Priority: models.PriorityMedium, ParentID: id})
	}
	return &core.SplitResult{Task: t, Subtasks: subs, Message: "Task " + id + " split into subtasks."}, nil
}

func (m *taskMgrMock) MergeTasks(_ context.Context, primary string, sources []string, o core.MergeOverrides) (*core.MergeResult, error) {
	m.merge = sources
	m.override = o
	t, err := m.find(primary)
	if err != nil {
		return nil, err
	}
	return &core.MergeResult{Task: t, Merged: sources, Message: "Merged into " + primary + "."}, nil
}

func (m *taskMgrMock) ArchiveTaskTree(_ context.Context, rootID string) (*models.ArchiveEntry, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &models.ArchiveEntry{ID: "archive-1", RequestID: "req-1", RootTaskID: rootID, Tasks: m.tasks[:3], ArchivedAt: fixedTime}, nil
}

func (m *taskMgrMock) ListArchives(_ context.Context, requestID string) ([]models.ArchiveEntry, error) {
	m.calls = append(m.calls, "list-archives "+requestID)
	if requestID != "" && requestID != "req-1" {
		return nil, nil
	}
	return []models.ArchiveEntry{{
		ID: "archive-1", RequestID: "req-1", RequestText: "Build the login page",
		RootTaskID: "task-1", Tasks: m.tasks[:3], ArchivedAt: fixedTime,
	}}, nil
}
