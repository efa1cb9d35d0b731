package core

import (
	"fmt"
	"strings"

	"github.com/valter-silva-au/tasktree/pkg/models"
)

// TaskDefinition describes a task to create. Ref names the definition within
// one batch so sibling definitions can depend on it before ids exist;
// DependsOn may mix refs and existing task ids.
type TaskDefinition struct {
	Ref                string           `json:"ref,omitempty" yaml:"ref,omitempty"`
	Title              string           `json:"title" yaml:"title"`
	Description        string           `json:"description,omitempty" yaml:"description,omitempty"`
	Priority           models.Priority  `json:"priority,omitempty" yaml:"priority,omitempty"`
	Type               models.TaskType  `json:"type,omitempty" yaml:"type,omitempty"`
	EnvironmentContext string           `json:"environment_context,omitempty" yaml:"environment_context,omitempty"`
	DependsOn          []string         `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Artifacts          []string         `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	Subtasks           []TaskDefinition `json:"subtasks,omitempty" yaml:"subtasks,omitempty"`
}

// MergeOverrides replaces fields of the primary task after a merge. Empty
// values leave the merged result untouched.
type MergeOverrides struct {
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	Priority    models.Priority `json:"priority,omitempty"`
	Type        models.TaskType `json:"type,omitempty"`
}

// idSource hands out new task ids inside the current transaction.
type idSource func() (string, error)

// createTasks materializes defs (and their nested subtasks) under parentID,
// or at the top level when parentID is empty. Definitions without a priority,
// type or environment context inherit them from inherit when it is non-nil.
// It returns the created ids in creation order.
func (g *Graph) createTasks(defs []TaskDefinition, parentID string, inherit *models.Task, nextID idSource) ([]string, error) {
	type pending struct {
		def      TaskDefinition
		parentID string
		inherit  *models.Task
	}

	queue := make([]pending, 0, len(defs))
	for _, d := range defs {
		queue = append(queue, pending{def: d, parentID: parentID, inherit: inherit})
	}

	var created []string
	refs := make(map[string]string)
	deps := make(map[string][]string)

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		def := item.def
		if strings.TrimSpace(def.Title) == "" {
			return nil, invalidf("task title must not be empty")
		}
		id, err := nextID()
		if err != nil {
			return nil, err
		}
		t := &models.Task{
			ID:                 id,
			Title:              def.Title,
			Description:        def.Description,
			Status:             models.StatusPending,
			Priority:           def.Priority,
			Type:               def.Type,
			EnvironmentContext: def.EnvironmentContext,
			Artifacts:          append([]string(nil), def.Artifacts...),
			ParentID:           item.parentID,
		}
		if in := item.inherit; in != nil {
			if t.Priority == "" {
				t.Priority = in.Priority
			}
			if t.Type == "" {
				t.Type = in.Type
			}
			if t.EnvironmentContext == "" {
				t.EnvironmentContext = in.EnvironmentContext
			}
		}
		if t.Priority == "" {
			t.Priority = models.PriorityMedium
		}
		if err := g.addTask(t); err != nil {
			return nil, err
		}
		created = append(created, id)

		if def.Ref != "" {
			if _, dup := refs[def.Ref]; dup {
				return nil, invalidf("duplicate task ref %q", def.Ref)
			}
			refs[def.Ref] = id
		}
		if len(def.DependsOn) > 0 {
			deps[id] = def.DependsOn
		}
		for _, sub := range def.Subtasks {
			queue = append(queue, pending{def: sub, parentID: id, inherit: t})
		}
	}

	for _, id := range created {
		t := g.tasks[id]
		for _, ref := range deps[id] {
			target := ref
			if resolved, ok := refs[ref]; ok {
				target = resolved
			}
			if _, ok := g.tasks[target]; !ok {
				return nil, notFoundf("dependency %s of task %s does not exist in request %s", ref, id, g.req.ID)
			}
			if target == id {
				return nil, invalidf("task %s cannot depend on itself", id)
			}
			t.DependsOn = appendUnique(t.DependsOn, target)
		}
	}
	if len(deps) > 0 && g.hasCycle() {
		return nil, invalidf("the new tasks' dependencies form a cycle")
	}
	return created, nil
}

// splitTask turns id into a container and creates defs as its pending
// subtasks.
func (g *Graph) splitTask(id string, defs []TaskDefinition, nextID idSource) ([]string, error) {
	t, err := g.Task(id)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, invalidf("splitting task %s requires at least one subtask", id)
	}
	if err := checkTransition(t, models.StatusSplit); err != nil {
		return nil, err
	}

	created, err := g.createTasks(defs, id, t, nextID)
	if err != nil {
		return nil, err
	}
	t.Status = models.StatusSplit
	t.Description = strings.TrimSpace(t.Description + fmt.Sprintf("\n\n[split into %s]", strings.Join(created, ", ")))
	g.touch(t)
	return created, nil
}

// mergeOutcome reports the structural effect of a merge.
type mergeOutcome struct {
	merged        []string
	reparented    []string
	rewritten     []string
	formerParents []string
}

// mergeTasks folds sourceIDs into primaryID. Validation happens before any
// change; a merge whose result would contain a dependency cycle is rejected
// and the caller must discard the graph.
func (g *Graph) mergeTasks(primaryID string, sourceIDs []string, o MergeOverrides) (mergeOutcome, error) {
	var out mergeOutcome

	primary, err := g.Task(primaryID)
	if err != nil {
		return out, err
	}
	if err := mergeable(primary); err != nil {
		return out, err
	}
	if len(sourceIDs) == 0 {
		return out, invalidf("merging into %s requires at least one source task", primaryID)
	}

	merged := make(map[string]bool, len(sourceIDs))
	var sources []*models.Task
	for _, sid := range sourceIDs {
		if sid == primaryID {
			return out, invalidf("task %s cannot be merged into itself", sid)
		}
		if merged[sid] {
			continue
		}
		s, err := g.Task(sid)
		if err != nil {
			return out, err
		}
		if err := mergeable(s); err != nil {
			return out, err
		}
		merged[sid] = true
		sources = append(sources, s)
		out.merged = append(out.merged, sid)
	}
	for _, anc := range g.Ancestors(primaryID) {
		if merged[anc] {
			return out, invalidf("task %s is an ancestor of %s and cannot be merged into it", anc, primaryID)
		}
	}

	var desc strings.Builder
	desc.WriteString(primary.Description)
	for _, s := range sources {
		for _, cid := range append([]string(nil), s.SubtaskIDs...) {
			if merged[cid] {
				continue
			}
			if err := g.AttachSubtask(primaryID, cid); err != nil {
				return out, err
			}
			out.reparented = append(out.reparented, cid)
		}
		for _, dep := range s.DependsOn {
			if dep != primaryID && !merged[dep] {
				primary.DependsOn = appendUnique(primary.DependsOn, dep)
			}
		}
		primary.Artifacts = appendUnique(primary.Artifacts, s.Artifacts...)
		fmt.Fprintf(&desc, "\n\n--- merged from %s: %s ---\n%s", s.ID, s.Title, s.Description)

		if s.ParentID != "" && s.ParentID != primaryID && !merged[s.ParentID] {
			out.formerParents = appendUnique(out.formerParents, s.ParentID)
		}
	}
	primary.DependsOn = filterOut(primary.DependsOn, merged)
	primary.Description = strings.TrimSpace(desc.String())

	for _, t := range g.tasks {
		if t.ID == primaryID || merged[t.ID] {
			continue
		}
		rewritten := false
		deps := make([]string, 0, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			if merged[dep] {
				dep = primaryID
				rewritten = true
			}
			deps = appendUnique(deps, dep)
		}
		if rewritten {
			t.DependsOn = deps
			g.touch(t)
			out.rewritten = append(out.rewritten, t.ID)
		}
	}

	if o.Title != "" {
		primary.Title = o.Title
	}
	if o.Description != "" {
		primary.Description = o.Description
	}
	if o.Priority != "" {
		primary.Priority = o.Priority
	}
	if o.Type != "" {
		primary.Type = o.Type
	}
	g.touch(primary)

	g.removeTasks(out.merged)
	if g.hasCycle() {
		return out, invalidf("merging %s into %s would form a dependency cycle", strings.Join(out.merged, ", "), primaryID)
	}
	return out, nil
}

func mergeable(t *models.Task) error {
	if t.Status.IsTerminal() {
		return invalidf("task %s is %s and cannot take part in a merge", t.ID, t.Status)
	}
	if t.Status == models.StatusSplit {
		return invalidf("task %s is a split container and cannot take part in a merge", t.ID)
	}
	return nil
}
