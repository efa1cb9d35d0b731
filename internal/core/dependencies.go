package core

import (
	"fmt"
	"strings"

	"github.com/valter-silva-au/tasktree/pkg/models"
)

// IssueKind classifies a dependency validation finding.
type IssueKind string

const (
	IssueMissing IssueKind = "missing_dependency"
	IssueCycle   IssueKind = "cycle"
)

// DependencyIssue is one finding of ValidateDependencies. For cycles, TaskID
// -> DependsOn is the edge that closes the cycle and Cycle lists the path.
type DependencyIssue struct {
	Kind      IssueKind `json:"kind"`
	TaskID    string    `json:"task_id"`
	DependsOn string    `json:"depends_on"`
	Cycle     []string  `json:"cycle,omitempty"`
	Message   string    `json:"message"`
}

// TaskDependencies describes both directions of a task's dependency edges.
type TaskDependencies struct {
	TaskID     string        `json:"task_id"`
	DependsOn  []models.Task `json:"depends_on"`
	Dependents []models.Task `json:"dependents"`
	Missing    []string      `json:"missing,omitempty"`
	Met        bool          `json:"met"`
}

// addDependency records that taskID depends on dependsOnID. It returns
// false when the edge already exists. The immediate two-task cycle is always
// rejected; eager additionally rejects any edge that closes a longer cycle.
func (g *Graph) addDependency(taskID, dependsOnID string, eager bool) (bool, error) {
	t, err := g.Task(taskID)
	if err != nil {
		return false, err
	}
	target, err := g.Task(dependsOnID)
	if err != nil {
		return false, err
	}
	if taskID == dependsOnID {
		return false, invalidf("task %s cannot depend on itself", taskID)
	}
	if t.Status.IsTerminal() {
		return false, invalidf("task %s is %s; its dependencies are frozen", taskID, t.Status)
	}
	if contains(t.DependsOn, dependsOnID) {
		return false, nil
	}
	if contains(target.DependsOn, taskID) {
		return false, invalidf("task %s already depends on %s; adding the reverse edge would form a cycle", dependsOnID, taskID)
	}
	if eager {
		if path := g.dependencyPath(dependsOnID, taskID); path != nil {
			cycle := append([]string{taskID}, path...)
			return false, invalidf("adding %s -> %s would form a cycle: %s", taskID, dependsOnID, strings.Join(cycle, " -> "))
		}
	}
	t.DependsOn = append(t.DependsOn, dependsOnID)
	g.touch(t)
	return true, nil
}

// removeDependency drops the edge taskID -> dependsOnID.
func (g *Graph) removeDependency(taskID, dependsOnID string) error {
	t, err := g.Task(taskID)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return invalidf("task %s is %s; its dependencies are frozen", taskID, t.Status)
	}
	if !contains(t.DependsOn, dependsOnID) {
		return invalidf("task %s does not depend on %s", taskID, dependsOnID)
	}
	t.DependsOn = without(t.DependsOn, dependsOnID)
	g.touch(t)
	return nil
}

// dependencyPath returns the ids on a DependsOn path from -> ... -> to, or
// nil when to is unreachable. Breadth-first, so the path is shortest.
func (g *Graph) dependencyPath(from, to string) []string {
	prev := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == to {
			var path []string
			for cur := to; cur != ""; cur = prev[cur] {
				path = append(path, cur)
			}
			for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
				path[i], path[j] = path[j], path[i]
			}
			return path
		}
		t, ok := g.tasks[id]
		if !ok {
			continue
		}
		for _, dep := range t.DependsOn {
			if _, seen := prev[dep]; seen {
				continue
			}
			prev[dep] = id
			queue = append(queue, dep)
		}
	}
	return nil
}

// ValidateDependencies reports every dangling reference and every distinct
// cycle-closing edge in the request. It never mutates the graph.
func (g *Graph) ValidateDependencies() []DependencyIssue {
	var issues []DependencyIssue
	ordered := g.Tasks()

	for _, t := range ordered {
		for _, dep := range t.DependsOn {
			if _, ok := g.tasks[dep]; !ok {
				issues = append(issues, DependencyIssue{
					Kind:      IssueMissing,
					TaskID:    t.ID,
					DependsOn: dep,
					Message:   fmt.Sprintf("task %s depends on %s, which does not exist", t.ID, dep),
				})
			}
		}
	}

	return append(issues, g.cycleIssues(ordered)...)
}

const (
	unvisited = iota
	onStack
	finished
)

// cycleIssues runs an iterative depth-first search with an explicit
// recursion stack. Every edge into a task still on the stack closes a cycle.
func (g *Graph) cycleIssues(ordered []*models.Task) []DependencyIssue {
	type frame struct {
		id   string
		next int
	}

	var issues []DependencyIssue
	state := make(map[string]int, len(g.tasks))

	for _, root := range ordered {
		if state[root.ID] != unvisited {
			continue
		}
		stack := []frame{{id: root.ID}}
		state[root.ID] = onStack

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := g.tasks[top.id].DependsOn
			if top.next >= len(deps) {
				state[top.id] = finished
				stack = stack[:len(stack)-1]
				continue
			}
			dep := deps[top.next]
			top.next++
			from := top.id

			if _, ok := g.tasks[dep]; !ok {
				continue
			}
			switch state[dep] {
			case unvisited:
				state[dep] = onStack
				stack = append(stack, frame{id: dep})
			case onStack:
				var cycle []string
				for i := range stack {
					if stack[i].id == dep {
						for _, f := range stack[i:] {
							cycle = append(cycle, f.id)
						}
						break
					}
				}
				cycle = append(cycle, dep)
				issues = append(issues, DependencyIssue{
					Kind:      IssueCycle,
					TaskID:    from,
					DependsOn: dep,
					Cycle:     cycle,
					Message:   "dependency cycle: " + strings.Join(cycle, " -> "),
				})
			}
		}
	}
	return issues
}

// hasCycle reports whether the request's dependency graph contains a cycle.
func (g *Graph) hasCycle() bool {
	return len(g.cycleIssues(g.Tasks())) > 0
}

// dependenciesMet reports whether every dependency of t is done.
func (g *Graph) dependenciesMet(t *models.Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := g.tasks[dep]
		if !ok || d.Status != models.StatusDone {
			return false
		}
	}
	return true
}

// dependenciesOf resolves both directions of id's dependency edges.
func (g *Graph) dependenciesOf(id string) (*TaskDependencies, error) {
	t, err := g.Task(id)
	if err != nil {
		return nil, err
	}
	out := &TaskDependencies{
		TaskID:     id,
		DependsOn:  []models.Task{},
		Dependents: []models.Task{},
		Met:        g.dependenciesMet(t),
	}
	for _, dep := range t.DependsOn {
		d, ok := g.tasks[dep]
		if !ok {
			out.Missing = append(out.Missing, dep)
			continue
		}
		out.DependsOn = append(out.DependsOn, d.Clone())
	}
	for _, other := range g.Tasks() {
		if contains(other.DependsOn, id) {
			out.Dependents = append(out.Dependents, other.Clone())
		}
	}
	return out, nil
}
