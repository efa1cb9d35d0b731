package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/valter-silva-au/tasktree/pkg/models"
)

// memState is a full copy of the persisted data.
type memState struct {
	counters map[string]int64
	requests map[string]models.Request
	tasks    map[string]models.Task
	archives []models.ArchiveEntry
}

func (s *memState) clone() *memState {
	c := &memState{
		counters: make(map[string]int64, len(s.counters)),
		requests: make(map[string]models.Request, len(s.requests)),
		tasks:    make(map[string]models.Task, len(s.tasks)),
		archives: append([]models.ArchiveEntry(nil), s.archives...),
	}
	for k, v := range s.counters {
		c.counters[k] = v
	}
	for k, v := range s.requests {
		c.requests[k] = v.Clone()
	}
	for k, v := range s.tasks {
		c.tasks[k] = v.Clone()
	}
	return c
}

// memStore implements TaskStore with copy-on-write transactions.
type memStore struct {
	state   *memState
	failPut error
}

func newMemStore() *memStore {
	return &memStore{state: &memState{
		counters: map[string]int64{},
		requests: map[string]models.Request{},
		tasks:    map[string]models.Task{},
	}}
}

func (m *memStore) Update(_ context.Context, fn func(tx Tx) error) error {
	work := m.state.clone()
	if err := fn(&memTx{s: work, failPut: m.failPut}); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *memStore) View(_ context.Context, fn func(tx Tx) error) error {
	return fn(&memTx{s: m.state.clone()})
}

type memTx struct {
	s       *memState
	failPut error
}

func (tx *memTx) Counter(name string) (int64, error) { return tx.s.counters[name], nil }

func (tx *memTx) SetCounter(name string, v int64) error {
	tx.s.counters[name] = v
	return nil
}

func (tx *memTx) GetRequest(id string) (*models.Request, error) {
	r, ok := tx.s.requests[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (tx *memTx) PutRequest(r *models.Request) error {
	tx.s.requests[r.ID] = r.Clone()
	return nil
}

func (tx *memTx) ListRequests() ([]models.Request, error) {
	var out []models.Request
	for _, r := range tx.s.requests {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (tx *memTx) GetTask(id string) (*models.Task, error) {
	t, ok := tx.s.tasks[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (tx *memTx) ListTasks(requestID string) ([]models.Task, error) {
	var out []models.Task
	for _, t := range tx.s.tasks {
		if t.RequestID == requestID {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (tx *memTx) PutTask(t *models.Task) error {
	if tx.failPut != nil {
		return tx.failPut
	}
	tx.s.tasks[t.ID] = t.Clone()
	return nil
}

func (tx *memTx) DeleteTask(id string) error {
	delete(tx.s.tasks, id)
	return nil
}

func (tx *memTx) ArchiveTasks(e models.ArchiveEntry) error {
	for _, id := range e.TaskIDs() {
		delete(tx.s.tasks, id)
	}
	tx.s.archives = append(tx.s.archives, e)
	return nil
}

func (tx *memTx) ListArchives(requestID string) ([]models.ArchiveEntry, error) {
	var out []models.ArchiveEntry
	for _, e := range tx.s.archives {
		if requestID == "" || e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return out, nil
}

// recordingLogger implements EventLogger for testing.
type recordingLogger struct {
	events []string
}

func (l *recordingLogger) LogEvent(eventType string, _ map[string]any) error {
	l.events = append(l.events, eventType)
	return nil
}

func (l *recordingLogger) count(eventType string) int {
	n := 0
	for _, e := range l.events {
		if e == eventType {
			n++
		}
	}
	return n
}

// stubSummaries implements SummaryWriter for testing.
type stubSummaries struct {
	written map[string]string
}

func (s *stubSummaries) WriteSummary(taskID, text string) (string, error) {
	if s.written == nil {
		s.written = map[string]string{}
	}
	ref := "summary-" + taskID
	s.written[ref] = text
	return ref, nil
}

type fixture struct {
	mgr     TaskManager
	store   *memStore
	events  *recordingLogger
	clock   *time.Time
	archive int
}

// setupTaskManager builds a manager over an in-memory store with a
// controllable clock and sequential archive ids.
func setupTaskManager(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{store: newMemStore(), events: &recordingLogger{}}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f.clock = &now
	base := []Option{
		WithEventLogger(f.events),
		WithClock(func() time.Time { return *f.clock }),
		WithArchiveIDs(func() string {
			f.archive++
			return fmt.Sprintf("archive-%d", f.archive)
		}),
	}
	f.mgr = NewTaskManager(f.store, NewIDGenerator("req", "task"), append(base, opts...)...)
	return f
}

func (f *fixture) tick() {
	*f.clock = f.clock.Add(time.Minute)
}

func (f *fixture) plan(t *testing.T, defs ...TaskDefinition) *PlanResult {
	t.Helper()
	res, err := f.mgr.PlanRequest(context.Background(), PlanInput{OriginalRequest: "ship the feature", Tasks: defs})
	if err != nil {
		t.Fatalf("PlanRequest: %v", err)
	}
	return res
}

func (f *fixture) task(t *testing.T, id string) models.Task {
	t.Helper()
	got, ok := f.store.state.tasks[id]
	if !ok {
		t.Fatalf("task %s not in store", id)
	}
	return got
}

func (f *fixture) exists(id string) bool {
	_, ok := f.store.state.tasks[id]
	return ok
}

func (f *fixture) activate(t *testing.T, requestID, want string) {
	t.Helper()
	next, err := f.mgr.NextTask(context.Background(), requestID)
	if err != nil {
		t.Fatalf("NextTask: %v", err)
	}
	if next.Task == nil || next.Task.ID != want {
		t.Fatalf("NextTask = %+v, want %s", next.Task, want)
	}
}

func def(title string, subs ...TaskDefinition) TaskDefinition {
	return TaskDefinition{Title: title, Subtasks: subs}
}

func requireKind(t *testing.T, err error, kind error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v error, got nil", kind)
	}
	if !errors.Is(err, kind) {
		t.Fatalf("expected %v error, got %v", kind, err)
	}
}

func TestPlanRequest_CreatesTree(t *testing.T) {
	f := setupTaskManager(t)
	res := f.plan(t, def("R", def("A"), def("B")))

	if res.Request.ID != "req-1" {
		t.Errorf("request id = %q, want req-1", res.Request.ID)
	}
	var ids []string
	for _, task := range res.Tasks {
		ids = append(ids, task.ID)
	}
	if diff := cmp.Diff([]string{"task-1", "task-2", "task-3"}, ids); diff != "" {
		t.Errorf("created ids mismatch (-want +got):\n%s", diff)
	}

	r := f.task(t, "task-1")
	if diff := cmp.Diff([]string{"task-2", "task-3"}, r.SubtaskIDs); diff != "" {
		t.Errorf("root subtasks mismatch (-want +got):\n%s", diff)
	}
	for _, id := range []string{"task-2", "task-3"} {
		c := f.task(t, id)
		if c.ParentID != "task-1" {
			t.Errorf("%s parent = %q, want task-1", id, c.ParentID)
		}
		if c.Status != models.StatusPending {
			t.Errorf("%s status = %s, want pending", id, c.Status)
		}
		if c.Priority != models.PriorityMedium {
			t.Errorf("%s priority = %s, want medium", id, c.Priority)
		}
	}
	if f.store.state.requests["req-1"].Completed {
		t.Error("new request must not be completed")
	}
	if f.events.count("task.created") != 3 || f.events.count("request.created") != 1 {
		t.Errorf("unexpected events: %v", f.events.events)
	}
}

func TestPlanRequest_Rejections(t *testing.T) {
	f := setupTaskManager(t)
	ctx := context.Background()

	_, err := f.mgr.PlanRequest(ctx, PlanInput{OriginalRequest: "  ", Tasks: []TaskDefinition{def("A")}})
	requireKind(t, err, ErrInvalidOperation)

	_, err = f.mgr.PlanRequest(ctx, PlanInput{OriginalRequest: "x"})
	requireKind(t, err, ErrInvalidOperation)

	_, err = f.mgr.PlanRequest(ctx, PlanInput{OriginalRequest: "x", Tasks: []TaskDefinition{{Title: ""}}})
	requireKind(t, err, ErrInvalidOperation)

	if len(f.store.state.requests) != 0 || len(f.store.state.tasks) != 0 {
		t.Fatal("rejected plans must not persist anything")
	}
}

func TestPlanRequest_RefDependencies(t *testing.T) {
	f := setupTaskManager(t)
	f.plan(t,
		TaskDefinition{Ref: "schema", Title: "Write schema"},
		TaskDefinition{Ref: "api", Title: "Build API", DependsOn: []string{"schema"}},
	)
	if diff := cmp.Diff([]string{"task-1"}, f.task(t, "task-2").DependsOn); diff != "" {
		t.Errorf("depends_on mismatch (-want +got):\n%s", diff)
	}

	_, err := f.mgr.PlanRequest(context.Background(), PlanInput{OriginalRequest: "cyclic", Tasks: []TaskDefinition{
		{Ref: "a", Title: "A", DependsOn: []string{"b"}},
		{Ref: "b", Title: "B", DependsOn: []string{"a"}},
	}})
	requireKind(t, err, ErrInvalidOperation)

	_, err = f.mgr.PlanRequest(context.Background(), PlanInput{OriginalRequest: "dangling", Tasks: []TaskDefinition{
		{Title: "A", DependsOn: []string{"nope"}},
	}})
	requireKind(t, err, ErrNotFound)
}

func TestNextTask_PriorityOrderIsDeterministic(t *testing.T) {
	f := setupTaskManager(t)
	ctx := context.Background()
	res, err := f.mgr.PlanRequest(ctx, PlanInput{OriginalRequest: "two tasks", Tasks: []TaskDefinition{
		{Title: "low one", Priority: models.PriorityLow},
		{Title: "high one", Priority: models.PriorityHigh},
	}})
	if err != nil {
		t.Fatalf("PlanRequest: %v", err)
	}

	first, err := f.mgr.NextTask(ctx, res.Request.ID)
	if err != nil {
		t.Fatalf("NextTask: %v", err)
	}
	if first.Task == nil || first.Task.ID != "task-2" {
		t.Fatalf("first pick = %+v, want task-2", first.Task)
	}
	if diff := cmp.Diff([]string{"task-2"}, first.Activated); diff != "" {
		t.Errorf("activated mismatch (-want +got):\n%s", diff)
	}

	for i := 0; i < 3; i++ {
		again, err := f.mgr.NextTask(ctx, res.Request.ID)
		if err != nil {
			t.Fatalf("NextTask: %v", err)
		}
		if again.Task == nil || again.Task.ID != "task-2" {
			t.Fatalf("repeat %d pick = %+v, want task-2", i, again.Task)
		}
		if len(again.Activated) != 0 {
			t.Errorf("repeat %d activated %v, want none", i, again.Activated)
		}
	}
}

func TestNextTask_TopDownActivation(t *testing.T) {
	f := setupTaskManager(t)
	res := f.plan(t, def("R", def("A", def("A1")), def("B")))
	// R=task-1 A=task-2 B=task-3 A1=task-4
	reqID := res.Request.ID

	// Children are gated behind a pending parent.
	f.activate(t, reqID, "task-1")
	// An active parent with open children delegates to them.
	f.activate(t, reqID, "task-2")
	next, err := f.mgr.NextTask(context.Background(), reqID)
	if err != nil {
		t.Fatalf("NextTask: %v", err)
	}
	if next.Task == nil || (next.Task.ID != "task-3" && next.Task.ID != "task-4") {
		t.Fatalf("third pick = %+v, want a direct child of an active parent", next.Task)
	}
	if f.task(t, "task-1").Status != models.StatusActive {
		t.Errorf("root status = %s, want active", f.task(t, "task-1").Status)
	}
}

func TestNextTask_StartedParentDelegatesToOpenChildren(t *testing.T) {
	f := setupTaskManager(t)
	ctx := context.Background()
	res, err := f.mgr.PlanRequest(ctx, PlanInput{OriginalRequest: "delegation", Tasks: []TaskDefinition{
		{Title: "R", Priority: models.PriorityCritical, Subtasks: []TaskDefinition{
			{Title: "A", Priority: models.PriorityLow},
		}},
	}})
	if err != nil {
		t.Fatalf("PlanRequest: %v", err)
	}
	reqID := res.Request.ID

	f.activate(t, reqID, "task-1")
	// The active critical parent outranks its pending child, yet the child
	// is offered while it is open.
	f.activate(t, reqID, "task-2")
	f.activate(t, reqID, "task-2")

	if _, err := f.mgr.RequestClarification(ctx, "task-2", "which endpoint?"); err != nil {
		t.Fatalf("RequestClarification: %v", err)
	}
	f.activate(t, reqID, "task-2")

	if _, err := f.mgr.ProvideClarification(ctx, "task-2", "/login"); err != nil {
		t.Fatalf("ProvideClarification: %v", err)
	}
	done, err := f.mgr.MarkTaskDone(ctx, "task-2", DoneInput{})
	if err != nil {
		t.Fatalf("MarkTaskDone: %v", err)
	}
	if diff := cmp.Diff([]string{"task-1"}, done.Cascade.AutoCompleted); diff != "" {
		t.Errorf("auto-completed mismatch (-want +got):\n%s", diff)
	}
}

func TestNextTask_DependencyGate(t *testing.T) {
	f := setupTaskManager(t)
	ctx := context.Background()
	res, err := f.mgr.PlanRequest(ctx, PlanInput{OriginalRequest: "deps", Tasks: []TaskDefinition{
		{Ref: "a", Title: "A", Priority: models.PriorityLow},
		{Title: "B", Priority: models.PriorityCritical, DependsOn: []string{"a"}},
	}})
	if err != nil {
		t.Fatalf("PlanRequest: %v", err)
	}
	f.activate(t, res.Request.ID, "task-1")
	if _, err := f.mgr.MarkTaskDone(ctx, "task-1", DoneInput{}); err != nil {
		t.Fatalf("MarkTaskDone: %v", err)
	}
	f.activate(t, res.Request.ID, "task-2")
}

func TestNextTask_NoActionableTask(t *testing.T) {
	f := setupTaskManager(t)
	ctx := context.Background()
	res := f.plan(t, def("A"), def("B"))
	if _, err := f.mgr.AddDependency(ctx, "task-1", "task-2"); err != nil {
		t.Fatalf("AddDependency: %v", err)
	}
	f.activate(t, res.Request.ID, "task-2")
	if _, err := f.mgr.MarkTaskFailed(ctx, "task-2", FailInput{Reason: "broken"}); err != nil {
		t.Fatalf("MarkTaskFailed: %v", err)
	}

	next, err := f.mgr.NextTask(ctx, res.Request.ID)
	if err != nil {
		t.Fatalf("NextTask: %v", err)
	}
	if next.Task != nil || next.RequestCompleted {
		t.Fatalf("expected no actionable task, got %+v", next)
	}
	if !strings.Contains(next.Message, "No actionable task") {
		t.Errorf("message = %q", next.Message)
	}
}

func TestNextTask_RequiresClarificationRanksLast(t *testing.T) {
	f := setupTaskManager(t)
	ctx := context.Background()
	res := f.plan(t, def("A"), def("B"))
	f.activate(t, res.Request.ID, "task-1")
	if _, err := f.mgr.RequestClarification(ctx, "task-1", "which database?"); err != nil {
		t.Fatalf("RequestClarification: %v", err)
	}
	f.activate(t, res.Request.ID, "task-2")
	if _, err := f.mgr.MarkTaskDone(ctx, "task-2", DoneInput{}); err != nil {
		t.Fatalf("MarkTaskDone: %v", err)
	}

	next, err := f.mgr.NextTask(ctx, res.Request.ID)
	if err != nil {
		t.Fatalf("NextTask: %v", err)
	}
	if next.Task == nil || next.Task.ID != "task-1" || next.Task.Status != models.StatusRequiresClarification {
		t.Fatalf("expected the parked task, got %+v", next.Task)
	}
	if !strings.Contains(next.Message, "which database?") {
		t.Errorf("message = %q, want the pending question", next.Message)
	}
}

func TestMarkTaskDone_CascadeAndArchive(t *testing.T) {
	f := setupTaskManager(t)
	ctx := context.Background()
	res := f.plan(t, def("R", def("A"), def("B")))
	reqID := res.Request.ID
	f.activate(t, reqID, "task-1")
	f.activate(t, reqID, "task-2")

	first, err := f.mgr.MarkTaskDone(ctx, "task-2", DoneInput{CompletedDetails: "did A"})
	if err != nil {
		t.Fatalf("MarkTaskDone(A): %v", err)
	}
	if !first.Cascade.Empty() {
		t.Errorf("A done must not cascade, got %+v", first.Cascade)
	}
	if got := f.task(t, "task-1").Status; got != models.StatusActive {
		t.Errorf("R status = %s, want active", got)
	}

	f.activate(t, reqID, "task-3")
	second, err := f.mgr.MarkTaskDone(ctx, "task-3", DoneInput{})
	if err != nil {
		t.Fatalf("MarkTaskDone(B): %v", err)
	}
	if diff := cmp.Diff([]string{"task-1"}, second.Cascade.AutoCompleted); diff != "" {
		t.Errorf("auto-completed mismatch (-want +got):\n%s", diff)
	}
	if second.Cascade.ArchiveID != "archive-1" {
		t.Errorf("archive id = %q, want archive-1", second.Cascade.ArchiveID)
	}
	if !second.Cascade.RequestCompleted {
		t.Error("request should be reported completed")
	}
	if !strings.Contains(second.Message, "Archived task tree task-1 (3 tasks)") {
		t.Errorf("message = %q", second.Message)
	}

	details, err := f.mgr.GetRequest(ctx, reqID)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if len(details.Tasks) != 0 {
		t.Errorf("live tasks = %d, want 0", len(details.Tasks))
	}
	if !details.Request.Completed {
		t.Error("request completed flag should be true")
	}

	archives, err := f.mgr.ListArchives(ctx, reqID)
	if err != nil {
		t.Fatalf("ListArchives: %v", err)
	}
	if len(archives) != 1 {
		t.Fatalf("archives = %d, want 1", len(archives))
	}
	if diff := cmp.Diff([]string{"task-1", "task-2", "task-3"}, archives[0].TaskIDs()); diff != "" {
		t.Errorf("archived ids mismatch (-want +got):\n%s", diff)
	}
	if archives[0].RequestText != "ship the feature" {
		t.Errorf("archive request text = %q", archives[0].RequestText)
	}
	for _, typ := range []string{"tree.archived", "request.completed"} {
		if f.events.count(typ) != 1 {
			t.Errorf("%s events = %d, want 1", typ, f.events.count(typ))
		}
	}
}

func TestMarkTaskFailed_ParentStillCompletes(t *testing.T) {
	f := setupTaskManager(t)
	ctx := context.Background()
	res := f.plan(t, def("R", def("A"), def("B")))
	reqID := res.Request.ID
	f.activate(t, reqID, "task-1")
	f.activate(t, reqID, "task-2")
	if _, err := f.mgr.MarkTaskDone(ctx, "task-2", DoneInput{}); err != nil {
		t.Fatalf("MarkTaskDone: %v", err)
	}
	f.activate(t, reqID, "task-3")
	out, err := f.mgr.MarkTaskFailed(ctx, "task-3", FailInput{Reason: "flaky", SuggestedRetryStrategy: "rerun"})
	if err != nil {
		t.Fatalf("MarkTaskFailed: %v", err)
	}
	if out.Task.FailureReason != "flaky" || out.Task.SuggestedRetryStrategy != "rerun" {
		t.Errorf("failure fields not recorded: %+v", out.Task)
	}
	if out.Cascade.ArchiveID == "" {
		t.Fatal("tree should be archived")
	}

	archives, _ := f.mgr.ListArchives(ctx, reqID)
	var root models.Task
	for _, task := range archives[0].Tasks {
		if task.ID == "task-1" {
			root = task
		}
	}
	if root.Status != models.StatusDone {
		t.Errorf("R status = %s, want done", root.Status)
	}
	if !f.store.state.requests[reqID].Completed {
		t.Error("request should be completed")
	}
}

func TestMarkTaskDone_Idempotent(t *testing.T) {
	f := setupTaskManager(t)
	ctx := context.Background()
	res := f.plan(t, def("R", def("A"), def("B")))
	f.activate(t, res.Request.ID, "task-1")
	f.activate(t, res.Request.ID, "task-2")
	if _, err := f.mgr.MarkTaskDone(ctx, "task-2", DoneInput{CompletedDetails: "first"}); err != nil {
		t.Fatalf("MarkTaskDone: %v", err)
	}
	before := f.task(t, "task-2")

	f.tick()
	again, err := f.mgr.MarkTaskDone(ctx, "task-2", DoneInput{CompletedDetails: "again"})
	if err != nil {
		t.Fatalf("second MarkTaskDone: %v", err)
	}
	if !again.Already || !strings.Contains(again.Message, "already done") {
		t.Errorf("expected already-done acknowledgement, got %+v", again)
	}
	after := f.task(t, "task-2")
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Errorf("UpdatedAt changed from %v to %v", before.UpdatedAt, after.UpdatedAt)
	}
	if after.CompletedDetails != "first" {
		t.Errorf("CompletedDetails = %q, want first", after.CompletedDetails)
	}
	if f.events.count("task.completed") != 1 {
		t.Errorf("task.completed events = %d, want 1", f.events.count("task.completed"))
	}

	_, err = f.mgr.MarkTaskFailed(ctx, "task-2", FailInput{Reason: "nope"})
	requireKind(t, err, ErrInvalidOperation)
}

func TestMarkTaskDone_IdempotentAfterArchive(t *testing.T) {
	f := setupTaskManager(t)
	ctx := context.Background()
	res := f.plan(t, def("Lone"))
	f.activate(t, res.Request.ID, "task-1")

	first, err := f.mgr.MarkTaskDone(ctx, "task-1", DoneInput{CompletedDetails: "first"})
	if err != nil {
		t.Fatalf("MarkTaskDone: %v", err)
	}
	if first.Cascade.ArchiveID == "" {
		t.Fatalf("expected the tree to be archived, got %+v", first.Cascade)
	}

	again, err := f.mgr.MarkTaskDone(ctx, "task-1", DoneInput{CompletedDetails: "again"})
	if err != nil {
		t.Fatalf("second MarkTaskDone: %v", err)
	}
	if !again.Already || !strings.Contains(again.Message, "already done") {
		t.Errorf("expected already-done acknowledgement, got %+v", again)
	}
	if again.Task.CompletedDetails != "first" || again.Task.Status != models.StatusDone {
		t.Errorf("archived snapshot = %+v", again.Task)
	}
	if f.events.count("task.completed") != 1 {
		t.Errorf("task.completed events = %d, want 1", f.events.count("task.completed"))
	}

	_, err = f.mgr.MarkTaskFailed(ctx, "task-1", FailInput{Reason: "late"})
	requireKind(t, err, ErrInvalidOperation)

	_, err = f.mgr.MarkTaskDone(ctx, "task-404", DoneInput{})
	requireKind(t, err, ErrNotFound)
}

func TestMarkTaskDone_Rejections(t *testing.T) {
	f := setupTaskManager(t)
	ctx := context.Background()
	f.plan(t, def("A"))

	_, err := f.mgr.MarkTaskDone(ctx, "task-1", DoneInput{})
	requireKind(t, err, ErrInvalidOperation)

	_, err = f.mgr.MarkTaskDone(ctx, "task-99", DoneInput{})
	requireKind(t, err, ErrNotFound)
}

func TestMarkTaskDone_WritesSummary(t *testing.T) {
	summaries := &stubSummaries{}
	f := setupTaskManager(t, WithSummaryWriter(summaries))
	ctx := context.Background()
	res := f.plan(t, def("A"), def("B"))
	f.activate(t, res.Request.ID, "task-1")

	out, err := f.mgr.MarkTaskDone(ctx, "task-1", DoneInput{Summary: "long report", Artifacts: []string{"pr/12"}})
	if err != nil {
		t.Fatalf("MarkTaskDone: %v", err)
	}
	if out.Task.SummaryRef != "summary-task-1" {
		t.Errorf("summary ref = %q", out.Task.SummaryRef)
	}
	if summaries.written["summary-task-1"] != "long report" {
		t.Error("summary text not forwarded")
	}
	if diff := cmp.Diff([]string{"pr/12"}, out.Task.Artifacts); diff != "" {
		t.Errorf("artifacts mismatch (-want +got):\n%s", diff)
	}
}

func TestClarificationRoundTrip(t *testing.T) {
	f := setupTaskManager(t)
	ctx := context.Background()
	res := f.plan(t, def("A"))

	_, err := f.mgr.RequestClarification(ctx, "task-1", "why?")
	requireKind(t, err, ErrInvalidOperation)

	f.activate(t, res.Request.ID, "task-1")
	out, err := f.mgr.RequestClarification(ctx, "task-1", "which region?")
	if err != nil {
		t.Fatalf("RequestClarification: %v", err)
	}
	if out.Task.Status != models.StatusRequiresClarification || out.Task.ClarificationRequest != "which region?" {
		t.Errorf("unexpected task: %+v", out.Task)
	}

	resumed, err := f.mgr.ProvideClarification(ctx, "task-1", "eu-west-1")
	if err != nil {
		t.Fatalf("ProvideClarification: %v", err)
	}
	if resumed.Task.Status != models.StatusActive || resumed.Task.ClarificationResponse != "eu-west-1" {
		t.Errorf("unexpected task: %+v", resumed.Task)
	}

	_, err = f.mgr.ProvideClarification(ctx, "task-1", "again")
	requireKind(t, err, ErrInvalidOperation)
}

func TestSplitTask(t *testing.T) {
	f := setupTaskManager(t)
	ctx := context.Background()
	res, err := f.mgr.PlanRequest(ctx, PlanInput{OriginalRequest: "split", Tasks: []TaskDefinition{
		{Title: "X", Priority: models.PriorityHigh, Type: "backend", EnvironmentContext: "go1.26"},
	}})
	if err != nil {
		t.Fatalf("PlanRequest: %v", err)
	}

	out, err := f.mgr.SplitTask(ctx, "task-1", []TaskDefinition{
		{Title: "S1"},
		{Title: "S2", Priority: models.PriorityLow},
	})
	if err != nil {
		t.Fatalf("SplitTask: %v", err)
	}
	if out.Task.Status != models.StatusSplit {
		t.Errorf("X status = %s, want split", out.Task.Status)
	}
	if !strings.Contains(out.Task.Description, "task-2, task-3") {
		t.Errorf("description not annotated: %q", out.Task.Description)
	}
	s1, s2 := f.task(t, "task-2"), f.task(t, "task-3")
	for _, s := range []models.Task{s1, s2} {
		if s.Status != models.StatusPending || s.ParentID != "task-1" {
			t.Errorf("%s: status %s parent %q", s.ID, s.Status, s.ParentID)
		}
		if s.Type != "backend" || s.EnvironmentContext != "go1.26" {
			t.Errorf("%s did not inherit type/env: %+v", s.ID, s)
		}
	}
	if s1.Priority != models.PriorityHigh || s2.Priority != models.PriorityLow {
		t.Errorf("priorities = %s, %s; want high, low", s1.Priority, s2.Priority)
	}

	_, err = f.mgr.MarkTaskDone(ctx, "task-1", DoneInput{})
	requireKind(t, err, ErrInvalidOperation)
	if !strings.Contains(err.Error(), "subtasks must be resolved first") {
		t.Errorf("error = %v", err)
	}

	_, err = f.mgr.SplitTask(ctx, "task-1", []TaskDefinition{{Title: "again"}})
	requireKind(t, err, ErrInvalidOperation)

	// Split children are offered directly; the container never is.
	f.activate(t, res.Request.ID, "task-2")
	if _, err := f.mgr.MarkTaskDone(ctx, "task-2", DoneInput{}); err != nil {
		t.Fatalf("MarkTaskDone(S1): %v", err)
	}
	f.activate(t, res.Request.ID, "task-3")
	done, err := f.mgr.MarkTaskDone(ctx, "task-3", DoneInput{})
	if err != nil {
		t.Fatalf("MarkTaskDone(S2): %v", err)
	}
	if done.Cascade.ArchiveID == "" || !done.Cascade.RequestCompleted {
		t.Errorf("expected archive and completion, got %+v", done.Cascade)
	}
}

func TestSplitTask_Rejections(t *testing.T) {
	f := setupTaskManager(t)
	ctx := context.Background()
	res := f.plan(t, def("A"), def("B"))

	_, err := f.mgr.SplitTask(ctx, "task-1", nil)
	requireKind(t, err, ErrInvalidOperation)

	f.activate(t, res.Request.ID, "task-1")
	if _, err := f.mgr.RequestClarification(ctx, "task-1", "scope?"); err != nil {
		t.Fatalf("RequestClarification: %v", err)
	}
	_, err = f.mgr.SplitTask(ctx, "task-1", []TaskDefinition{{Title: "part"}})
	requireKind(t, err, ErrInvalidOperation)

	if len(f.task(t, "task-1").SubtaskIDs) != 0 {
		t.Error("rejected split must not create subtasks")
	}
}

func TestMergeTasks(t *testing.T) {
	f := setupTaskManager(t)
	ctx := context.Background()
	res, err := f.mgr.PlanRequest(ctx, PlanInput{OriginalRequest: "merge", Tasks: []TaskDefinition{
		{Ref: "a", Title: "A", Description: "first", Artifacts: []string{"a.md"}},
		{Ref: "b", Title: "B", Description: "second", Artifacts: []string{"b.md"}, Subtasks: []TaskDefinition{{Title: "C"}}},
		{Ref: "d", Title: "D", DependsOn: []string{"b"}},
		{Ref: "e", Title: "E"},
	}})
	if err != nil {
		t.Fatalf("PlanRequest: %v", err)
	}
	// ids: A=task-1 B=task-2 D=task-3 E=task-4 C=task-5
	if _, err := f.mgr.AddDependency(ctx, "task-2", "task-4"); err != nil {
		t.Fatalf("AddDependency: %v", err)
	}

	out, err := f.mgr.MergeTasks(ctx, "task-1", []string{"task-2"}, MergeOverrides{Priority: models.PriorityCritical})
	if err != nil {
		t.Fatalf("MergeTasks: %v", err)
	}

	if f.exists("task-2") {
		t.Error("B must be deleted")
	}
	c := f.task(t, "task-5")
	if c.ParentID != "task-1" {
		t.Errorf("C parent = %q, want task-1", c.ParentID)
	}
	a := f.task(t, "task-1")
	if diff := cmp.Diff([]string{"task-5"}, a.SubtaskIDs); diff != "" {
		t.Errorf("A subtasks mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"task-4"}, a.DependsOn); diff != "" {
		t.Errorf("A depends_on mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a.md", "b.md"}, a.Artifacts); diff != "" {
		t.Errorf("A artifacts mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(a.Description, "--- merged from task-2: B ---\nsecond") || !strings.HasPrefix(a.Description, "first") {
		t.Errorf("description = %q", a.Description)
	}
	if a.Priority != models.PriorityCritical {
		t.Errorf("priority override not applied: %s", a.Priority)
	}
	if diff := cmp.Diff([]string{"task-1"}, f.task(t, "task-3").DependsOn); diff != "" {
		t.Errorf("D depends_on mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"task-3"}, out.Rewritten); diff != "" {
		t.Errorf("rewritten mismatch (-want +got):\n%s", diff)
	}
	if got := f.store.state.requests[res.Request.ID].TaskIDs; contains(got, "task-2") {
		t.Errorf("request still lists merged task: %v", got)
	}
}

func TestMergeTasks_Rejections(t *testing.T) {
	f := setupTaskManager(t)
	ctx := context.Background()
	res := f.plan(t, def("P", def("Q")), def("S"))
	// P=task-1 S=task-2 Q=task-3
	other := f.plan(t, def("Other"))
	reqID := res.Request.ID

	_, err := f.mgr.MergeTasks(ctx, "task-1", []string{"task-1"}, MergeOverrides{})
	requireKind(t, err, ErrInvalidOperation)

	// P is an ancestor of Q.
	_, err = f.mgr.MergeTasks(ctx, "task-3", []string{"task-1"}, MergeOverrides{})
	requireKind(t, err, ErrInvalidOperation)

	_, err = f.mgr.MergeTasks(ctx, "task-1", []string{other.Tasks[0].ID}, MergeOverrides{})
	requireKind(t, err, ErrInvalidOperation)

	_, err = f.mgr.MergeTasks(ctx, "task-1", []string{"task-404"}, MergeOverrides{})
	requireKind(t, err, ErrNotFound)

	_, err = f.mgr.MergeTasks(ctx, "task-1", nil, MergeOverrides{})
	requireKind(t, err, ErrInvalidOperation)

	f.activate(t, reqID, "task-1")
	if _, err := f.mgr.SplitTask(ctx, "task-1", []TaskDefinition{{Title: "more"}}); err != nil {
		t.Fatalf("SplitTask: %v", err)
	}
	_, err = f.mgr.MergeTasks(ctx, "task-2", []string{"task-1"}, MergeOverrides{})
	requireKind(t, err, ErrInvalidOperation)
}

func TestMergeTasks_CycleRejectedWithoutEffect(t *testing.T) {
	f := setupTaskManager(t)
	ctx := context.Background()
	f.plan(t, def("A"), def("B"), def("C"))
	// A -> C -> B: merging B into A yields A -> C -> A.
	if _, err := f.mgr.AddDependency(ctx, "task-1", "task-3"); err != nil {
		t.Fatalf("AddDependency: %v", err)
	}
	if _, err := f.mgr.AddDependency(ctx, "task-3", "task-2"); err != nil {
		t.Fatalf("AddDependency: %v", err)
	}
	before := f.store.state.clone()

	_, err := f.mgr.MergeTasks(ctx, "task-1", []string{"task-2"}, MergeOverrides{})
	requireKind(t, err, ErrInvalidOperation)

	if diff := cmp.Diff(before.tasks, f.store.state.tasks); diff != "" {
		t.Errorf("rejected merge changed tasks (-before +after):\n%s", diff)
	}
}

func TestAddDependency(t *testing.T) {
	f := setupTaskManager(t)
	ctx := context.Background()
	f.plan(t, def("A"), def("B"), def("C"))

	_, err := f.mgr.AddDependency(ctx, "task-1", "task-1")
	requireKind(t, err, ErrInvalidOperation)

	out, err := f.mgr.AddDependency(ctx, "task-1", "task-2")
	if err != nil || !out.Changed {
		t.Fatalf("AddDependency: %+v, %v", out, err)
	}
	again, err := f.mgr.AddDependency(ctx, "task-1", "task-2")
	if err != nil || again.Changed {
		t.Fatalf("repeat AddDependency: %+v, %v", again, err)
	}

	_, err = f.mgr.AddDependency(ctx, "task-2", "task-1")
	requireKind(t, err, ErrInvalidOperation)

	if _, err := f.mgr.AddDependency(ctx, "task-2", "task-3"); err != nil {
		t.Fatalf("AddDependency: %v", err)
	}
	_, err = f.mgr.AddDependency(ctx, "task-3", "task-1")
	requireKind(t, err, ErrInvalidOperation)
	if len(f.task(t, "task-3").DependsOn) != 0 {
		t.Error("rejected edge must not be stored")
	}

	_, err = f.mgr.AddDependency(ctx, "task-1", "task-77")
	requireKind(t, err, ErrNotFound)
}

func TestAddDependency_LazyCycleDetection(t *testing.T) {
	f := setupTaskManager(t, WithEagerCycleCheck(false))
	ctx := context.Background()
	res := f.plan(t, def("A"), def("B"), def("C"))

	for _, e := range [][2]string{{"task-1", "task-2"}, {"task-2", "task-3"}, {"task-3", "task-1"}} {
		if _, err := f.mgr.AddDependency(ctx, e[0], e[1]); err != nil {
			t.Fatalf("AddDependency(%s, %s): %v", e[0], e[1], err)
		}
	}

	issues, err := f.mgr.ValidateDependencies(ctx, res.Request.ID)
	if err != nil {
		t.Fatalf("ValidateDependencies: %v", err)
	}
	if len(issues) != 1 || issues[0].Kind != IssueCycle {
		t.Fatalf("issues = %+v, want one cycle", issues)
	}
	if diff := cmp.Diff([]string{"task-1", "task-2", "task-3", "task-1"}, issues[0].Cycle); diff != "" {
		t.Errorf("cycle path mismatch (-want +got):\n%s", diff)
	}
}

func TestRemoveDependency(t *testing.T) {
	f := setupTaskManager(t)
	ctx := context.Background()
	f.plan(t, def("A"), def("B"))
	if _, err := f.mgr.AddDependency(ctx, "task-1", "task-2"); err != nil {
		t.Fatalf("AddDependency: %v", err)
	}
	if _, err := f.mgr.RemoveDependency(ctx, "task-1", "task-2"); err != nil {
		t.Fatalf("RemoveDependency: %v", err)
	}
	_, err := f.mgr.RemoveDependency(ctx, "task-1", "task-2")
	requireKind(t, err, ErrInvalidOperation)
	if f.events.count("dependency.added") != 1 || f.events.count("dependency.removed") != 1 {
		t.Errorf("unexpected events: %v", f.events.events)
	}
}

func TestGetTaskDependencies(t *testing.T) {
	f := setupTaskManager(t)
	ctx := context.Background()
	f.plan(t, def("A"), def("B"), def("C"))
	for _, e := range [][2]string{{"task-1", "task-2"}, {"task-3", "task-1"}} {
		if _, err := f.mgr.AddDependency(ctx, e[0], e[1]); err != nil {
			t.Fatalf("AddDependency: %v", err)
		}
	}
	deps, err := f.mgr.GetTaskDependencies(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTaskDependencies: %v", err)
	}
	if len(deps.DependsOn) != 1 || deps.DependsOn[0].ID != "task-2" {
		t.Errorf("depends on = %+v", deps.DependsOn)
	}
	if len(deps.Dependents) != 1 || deps.Dependents[0].ID != "task-3" {
		t.Errorf("dependents = %+v", deps.Dependents)
	}
	if deps.Met {
		t.Error("dependencies should not be met")
	}
}

func TestDeleteTask_RemovesSubtreeAndPrunes(t *testing.T) {
	f := setupTaskManager(t)
	ctx := context.Background()
	res := f.plan(t, def("R", def("A", def("A1")), def("B")), def("Z"))
	// R=1 Z=2 A=3 B=4 A1=5
	if _, err := f.mgr.AddDependency(ctx, "task-2", "task-5"); err != nil {
		t.Fatalf("AddDependency: %v", err)
	}

	out, err := f.mgr.DeleteTask(ctx, "task-3")
	if err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if diff := cmp.Diff([]string{"task-3", "task-5"}, out.Removed); diff != "" {
		t.Errorf("removed mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"task-4"}, f.task(t, "task-1").SubtaskIDs); diff != "" {
		t.Errorf("R subtasks mismatch (-want +got):\n%s", diff)
	}
	if len(f.task(t, "task-2").DependsOn) != 0 {
		t.Error("dangling dependency not pruned")
	}
	got := append([]string(nil), f.store.state.requests[res.Request.ID].TaskIDs...)
	sort.Strings(got)
	if diff := cmp.Diff([]string{"task-1", "task-2", "task-4"}, got); diff != "" {
		t.Errorf("request task ids mismatch (-want +got):\n%s", diff)
	}
}

func TestRemoveSubtask_SettlesSplitParent(t *testing.T) {
	f := setupTaskManager(t)
	ctx := context.Background()
	res := f.plan(t, def("X"))
	if _, err := f.mgr.SplitTask(ctx, "task-1", []TaskDefinition{{Title: "S1"}, {Title: "S2"}}); err != nil {
		t.Fatalf("SplitTask: %v", err)
	}
	f.activate(t, res.Request.ID, "task-2")
	if _, err := f.mgr.MarkTaskDone(ctx, "task-2", DoneInput{}); err != nil {
		t.Fatalf("MarkTaskDone: %v", err)
	}

	_, err := f.mgr.RemoveSubtask(ctx, "task-1", "task-404")
	requireKind(t, err, ErrInvalidOperation)

	out, err := f.mgr.RemoveSubtask(ctx, "task-1", "task-3")
	if err != nil {
		t.Fatalf("RemoveSubtask: %v", err)
	}
	if diff := cmp.Diff([]string{"task-1"}, out.Cascade.AutoCompleted); diff != "" {
		t.Errorf("auto-completed mismatch (-want +got):\n%s", diff)
	}
	if out.Cascade.ArchiveID == "" || !out.Cascade.RequestCompleted {
		t.Errorf("expected archive and completion, got %+v", out.Cascade)
	}
}

func TestUpdateTask(t *testing.T) {
	f := setupTaskManager(t)
	ctx := context.Background()
	f.plan(t, def("A"), def("B"))
	title := "Renamed"
	prio := models.PriorityCritical
	got, err := f.mgr.UpdateTask(ctx, "task-1", TaskUpdate{Title: &title, Priority: &prio, Artifacts: []string{"x"}})
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if got.Title != "Renamed" || got.Priority != models.PriorityCritical || len(got.Artifacts) != 1 {
		t.Errorf("unexpected task: %+v", got)
	}

	empty := " "
	_, err = f.mgr.UpdateTask(ctx, "task-1", TaskUpdate{Title: &empty})
	requireKind(t, err, ErrInvalidOperation)
}

func TestAddSubtask_RejectsTerminalParent(t *testing.T) {
	f := setupTaskManager(t)
	ctx := context.Background()
	res := f.plan(t, def("A"), def("B"))
	f.activate(t, res.Request.ID, "task-1")
	if _, err := f.mgr.MarkTaskFailed(ctx, "task-1", FailInput{Reason: "x"}); err != nil {
		t.Fatalf("MarkTaskFailed: %v", err)
	}
	_, err := f.mgr.AddSubtask(ctx, "task-1", TaskDefinition{Title: "late"})
	requireKind(t, err, ErrInvalidOperation)
}

func TestArchiveTaskTree(t *testing.T) {
	f := setupTaskManager(t)
	ctx := context.Background()
	res := f.plan(t, def("A"), def("B"))
	f.activate(t, res.Request.ID, "task-1")
	if _, err := f.mgr.MarkTaskFailed(ctx, "task-1", FailInput{Reason: "x"}); err != nil {
		t.Fatalf("MarkTaskFailed: %v", err)
	}
	// A failed root is not archived automatically.
	if !f.exists("task-1") {
		t.Fatal("failed root must stay live")
	}

	_, err := f.mgr.ArchiveTaskTree(ctx, "task-2")
	requireKind(t, err, ErrInvalidOperation)

	entry, err := f.mgr.ArchiveTaskTree(ctx, "task-1")
	if err != nil {
		t.Fatalf("ArchiveTaskTree: %v", err)
	}
	if entry.RootTaskID != "task-1" || f.exists("task-1") {
		t.Errorf("unexpected archive: %+v", entry)
	}
}

func TestListRequests(t *testing.T) {
	f := setupTaskManager(t)
	f.plan(t, def("A"))
	f.plan(t, def("B", def("C")))

	reqs, err := f.mgr.ListRequests(context.Background())
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(reqs) != 2 || reqs[0].Request.ID != "req-1" || reqs[1].Progress.Total != 2 {
		t.Errorf("unexpected summaries: %+v", reqs)
	}
}

func TestAddTasks_ReopensCompletedRequest(t *testing.T) {
	f := setupTaskManager(t)
	ctx := context.Background()
	res := f.plan(t, def("A"))
	f.activate(t, res.Request.ID, "task-1")
	if _, err := f.mgr.MarkTaskDone(ctx, "task-1", DoneInput{}); err != nil {
		t.Fatalf("MarkTaskDone: %v", err)
	}
	if !f.store.state.requests[res.Request.ID].Completed {
		t.Fatal("request should be completed")
	}

	if _, err := f.mgr.AddTasks(ctx, res.Request.ID, []TaskDefinition{{Title: "follow-up"}}); err != nil {
		t.Fatalf("AddTasks: %v", err)
	}
	if f.store.state.requests[res.Request.ID].Completed {
		t.Error("adding work must reopen the request")
	}

	_, err := f.mgr.AddTasks(ctx, "req-404", []TaskDefinition{{Title: "x"}})
	requireKind(t, err, ErrNotFound)
}

func TestPersistenceFailure_RollsBack(t *testing.T) {
	f := setupTaskManager(t)
	ctx := context.Background()
	res := f.plan(t, def("A"))
	before := f.store.state.clone()

	f.store.failPut = errors.New("disk full")
	_, err := f.mgr.NextTask(ctx, res.Request.ID)
	if err == nil || ErrorKind(err) != "internal" {
		t.Fatalf("expected internal error, got %v", err)
	}
	if diff := cmp.Diff(before.tasks, f.store.state.tasks); diff != "" {
		t.Errorf("failed call leaked writes (-before +after):\n%s", diff)
	}
	if f.events.count("task.status_changed") != 0 {
		t.Error("events must not be published for a failed call")
	}
}

func TestGetTask(t *testing.T) {
	f := setupTaskManager(t)
	f.plan(t, def("R", def("A")))
	details, err := f.mgr.GetTask(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if len(details.Subtasks) != 1 || details.Subtasks[0].ID != "task-2" {
		t.Errorf("subtasks = %+v", details.Subtasks)
	}
	_, err = f.mgr.GetTask(context.Background(), "task-9")
	requireKind(t, err, ErrNotFound)
}
