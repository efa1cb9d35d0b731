package core

import (
	"fmt"
	"sort"
	"time"

	"github.com/valter-silva-au/tasktree/pkg/models"
)

// Graph is the in-memory arena of one request's live tasks. Every relation is
// an id resolved through the tasks map. Mutations are tracked so flush can
// write exactly the changed records into the surrounding transaction.
type Graph struct {
	req   *models.Request
	tasks map[string]*models.Task
	now   time.Time

	dirty    map[string]bool
	removed  map[string]bool
	archived map[string]bool
	reqDirty bool
	archives []models.ArchiveEntry
}

func newGraph(req *models.Request, tasks []models.Task, now time.Time) *Graph {
	g := &Graph{
		req:      req,
		tasks:    make(map[string]*models.Task, len(tasks)),
		now:      now,
		dirty:    make(map[string]bool),
		removed:  make(map[string]bool),
		archived: make(map[string]bool),
	}
	for i := range tasks {
		t := tasks[i].Clone()
		g.tasks[t.ID] = &t
	}
	return g
}

// loadGraph reads a request and all of its live tasks from tx.
func loadGraph(tx Tx, requestID string, now time.Time) (*Graph, error) {
	req, err := tx.GetRequest(requestID)
	if err != nil {
		return nil, fmt.Errorf("loading request %s: %w", requestID, err)
	}
	if req == nil {
		return nil, notFoundf("request %s does not exist", requestID)
	}
	tasks, err := tx.ListTasks(requestID)
	if err != nil {
		return nil, fmt.Errorf("loading tasks of request %s: %w", requestID, err)
	}
	r := req.Clone()
	return newGraph(&r, tasks, now), nil
}

// Request returns the owning request.
func (g *Graph) Request() *models.Request { return g.req }

// Task resolves id or returns a NotFound error.
func (g *Graph) Task(id string) (*models.Task, error) {
	t, ok := g.tasks[id]
	if !ok {
		return nil, notFoundf("task %s does not exist in request %s", id, g.req.ID)
	}
	return t, nil
}

func (g *Graph) lookup(id string) (*models.Task, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

// Tasks returns the live tasks in creation order.
func (g *Graph) Tasks() []*models.Task {
	out := make([]*models.Task, 0, len(g.tasks))
	for _, t := range g.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return creationLess(out[i], out[j]) })
	return out
}

// Children resolves the direct subtasks of id, skipping dangling entries.
func (g *Graph) Children(id string) []*models.Task {
	t, ok := g.tasks[id]
	if !ok {
		return nil
	}
	out := make([]*models.Task, 0, len(t.SubtaskIDs))
	for _, cid := range t.SubtaskIDs {
		if c, ok := g.tasks[cid]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Descendants returns rootID followed by all of its transitive subtasks in
// breadth-first order. A visited set tolerates malformed links.
func (g *Graph) Descendants(rootID string) []string {
	if _, ok := g.tasks[rootID]; !ok {
		return nil
	}
	seen := map[string]bool{rootID: true}
	order := []string{rootID}
	for i := 0; i < len(order); i++ {
		for _, cid := range g.tasks[order[i]].SubtaskIDs {
			if seen[cid] {
				continue
			}
			if _, ok := g.tasks[cid]; !ok {
				continue
			}
			seen[cid] = true
			order = append(order, cid)
		}
	}
	return order
}

// Ancestors returns the parent chain of id, nearest first.
func (g *Graph) Ancestors(id string) []string {
	var out []string
	seen := map[string]bool{id: true}
	cur, ok := g.tasks[id]
	for ok && cur.ParentID != "" && !seen[cur.ParentID] {
		seen[cur.ParentID] = true
		out = append(out, cur.ParentID)
		cur, ok = g.tasks[cur.ParentID]
	}
	return out
}

// rootOf returns the top-most live ancestor of id, or id itself.
func (g *Graph) rootOf(id string) string {
	anc := g.Ancestors(id)
	for i := len(anc) - 1; i >= 0; i-- {
		if _, ok := g.tasks[anc[i]]; ok {
			return anc[i]
		}
	}
	return id
}

// addTask inserts a new task and registers it with the request. When the
// task names a parent, the parent's subtask list is updated too.
func (g *Graph) addTask(t *models.Task) error {
	if _, exists := g.tasks[t.ID]; exists {
		return fmt.Errorf("adding task: %s already exists", t.ID)
	}
	t.RequestID = g.req.ID
	t.CreatedAt = g.now
	t.UpdatedAt = g.now
	g.tasks[t.ID] = t
	g.dirty[t.ID] = true
	g.req.TaskIDs = append(g.req.TaskIDs, t.ID)
	g.touchRequest()

	if t.ParentID != "" {
		parentID := t.ParentID
		t.ParentID = ""
		return g.AttachSubtask(parentID, t.ID)
	}
	return nil
}

// AttachSubtask links child under parent, detaching it from any previous
// parent first so the back-reference stays unique.
func (g *Graph) AttachSubtask(parentID, childID string) error {
	if parentID == childID {
		return invalidf("task %s cannot be its own subtask", childID)
	}
	parent, err := g.Task(parentID)
	if err != nil {
		return err
	}
	child, err := g.Task(childID)
	if err != nil {
		return err
	}
	for _, anc := range g.Ancestors(parentID) {
		if anc == childID {
			return invalidf("task %s is an ancestor of %s", childID, parentID)
		}
	}
	if child.ParentID == parentID {
		return nil
	}
	if child.ParentID != "" {
		if err := g.DetachSubtask(child.ParentID, childID); err != nil {
			return err
		}
	}
	child.ParentID = parentID
	parent.SubtaskIDs = appendUnique(parent.SubtaskIDs, childID)
	g.touch(parent)
	g.touch(child)
	return nil
}

// DetachSubtask unlinks child from parent without deleting either task.
func (g *Graph) DetachSubtask(parentID, childID string) error {
	parent, err := g.Task(parentID)
	if err != nil {
		return err
	}
	if !contains(parent.SubtaskIDs, childID) {
		return invalidf("task %s is not a subtask of %s", childID, parentID)
	}
	parent.SubtaskIDs = without(parent.SubtaskIDs, childID)
	g.touch(parent)
	if child, ok := g.tasks[childID]; ok && child.ParentID == parentID {
		child.ParentID = ""
		g.touch(child)
	}
	return nil
}

// RemoveTree deletes rootID and all of its descendants and returns the
// removed ids in breadth-first order.
func (g *Graph) RemoveTree(rootID string) ([]string, error) {
	if _, err := g.Task(rootID); err != nil {
		return nil, err
	}
	ids := g.Descendants(rootID)
	g.removeTasks(ids)
	return ids, nil
}

// removeTasks drops ids from the live graph. Survivors lose references into
// the removed set: parents drop the ids from their subtask lists, dependents
// drop them from DependsOn, and children whose parent pointer pointed into
// the set are orphaned rather than deleted.
func (g *Graph) removeTasks(ids []string) {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := g.tasks[id]; ok {
			set[id] = true
		}
	}
	if len(set) == 0 {
		return
	}

	for id := range set {
		delete(g.tasks, id)
		delete(g.dirty, id)
		g.removed[id] = true
	}
	g.req.TaskIDs = filterOut(g.req.TaskIDs, set)
	g.touchRequest()

	for _, t := range g.tasks {
		changed := false
		if t.ParentID != "" && set[t.ParentID] {
			t.ParentID = ""
			changed = true
		}
		if pruned := filterOut(t.SubtaskIDs, set); len(pruned) != len(t.SubtaskIDs) {
			t.SubtaskIDs = pruned
			changed = true
		}
		if pruned := filterOut(t.DependsOn, set); len(pruned) != len(t.DependsOn) {
			t.DependsOn = pruned
			changed = true
		}
		if changed {
			g.touch(t)
		}
	}
}

// archiveTree snapshots rootID's tree into an archive entry and removes it
// from the live graph.
func (g *Graph) archiveTree(rootID, archiveID string) models.ArchiveEntry {
	ids := g.Descendants(rootID)
	snapshot := make([]models.Task, 0, len(ids))
	for _, id := range ids {
		snapshot = append(snapshot, g.tasks[id].Clone())
	}
	entry := models.ArchiveEntry{
		ID:          archiveID,
		RequestID:   g.req.ID,
		RequestText: g.req.OriginalRequest,
		RootTaskID:  rootID,
		Tasks:       snapshot,
		ArchivedAt:  g.now,
	}
	g.removeTasks(ids)
	for _, id := range ids {
		g.archived[id] = true
	}
	g.archives = append(g.archives, entry)
	return entry
}

// refreshCompletion recomputes the request's completed flag: true iff every
// live non-split task is terminal. It reports whether the flag flipped to
// true.
func (g *Graph) refreshCompletion() bool {
	completed := true
	for _, t := range g.tasks {
		if t.Status == models.StatusSplit {
			continue
		}
		if !t.Status.IsTerminal() {
			completed = false
			break
		}
	}
	if completed == g.req.Completed {
		return false
	}
	g.req.Completed = completed
	g.touchRequest()
	return completed
}

func (g *Graph) touch(t *models.Task) {
	t.UpdatedAt = g.now
	g.dirty[t.ID] = true
}

func (g *Graph) touchRequest() {
	g.req.UpdatedAt = g.now
	g.reqDirty = true
}

// flush writes every tracked change into tx.
func (g *Graph) flush(tx Tx) error {
	g.refreshCompletion()

	dirty := make([]string, 0, len(g.dirty))
	for id := range g.dirty {
		dirty = append(dirty, id)
	}
	sort.Strings(dirty)
	for _, id := range dirty {
		t, ok := g.tasks[id]
		if !ok {
			continue
		}
		if err := tx.PutTask(t); err != nil {
			return fmt.Errorf("saving task %s: %w", id, err)
		}
	}

	for _, entry := range g.archives {
		if err := tx.ArchiveTasks(entry); err != nil {
			return fmt.Errorf("archiving tree %s: %w", entry.RootTaskID, err)
		}
	}

	removed := make([]string, 0, len(g.removed))
	for id := range g.removed {
		if !g.archived[id] {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	for _, id := range removed {
		if err := tx.DeleteTask(id); err != nil {
			return fmt.Errorf("deleting task %s: %w", id, err)
		}
	}

	if g.reqDirty {
		if err := tx.PutRequest(g.req); err != nil {
			return fmt.Errorf("saving request %s: %w", g.req.ID, err)
		}
	}
	return nil
}

// creationLess orders tasks by their generated id sequence.
func creationLess(a, b *models.Task) bool {
	sa, sb := idSequence(a.ID), idSequence(b.ID)
	if sa != sb {
		return sa < sb
	}
	return a.ID < b.ID
}

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

func appendUnique(list []string, ids ...string) []string {
	for _, id := range ids {
		if !contains(list, id) {
			list = append(list, id)
		}
	}
	return list
}

func without(list []string, id string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func filterOut(list []string, set map[string]bool) []string {
	if len(list) == 0 {
		return list
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if !set[v] {
			out = append(out, v)
		}
	}
	return out
}
