package core

import (
	"sort"

	"github.com/valter-silva-au/tasktree/pkg/models"
)

// statusRank orders candidates: in-flight work first, then new work, then
// work blocked on input.
func statusRank(s models.TaskStatus) int {
	switch s {
	case models.StatusActive:
		return 0
	case models.StatusPending:
		return 1
	case models.StatusRequiresClarification:
		return 2
	default:
		return 3
	}
}

// selection is the outcome of one selector pass.
type selection struct {
	task      *models.Task
	activated []string
	completed bool
}

// candidates returns the actionable tasks of the request, best first.
func (g *Graph) candidates() []*models.Task {
	var out []*models.Task
	for _, t := range g.tasks {
		if t.Status.IsTerminal() || t.Status == models.StatusSplit {
			continue
		}
		if !g.parentAllows(t) {
			continue
		}
		if g.delegated(t) {
			continue
		}
		if !g.dependenciesMet(t) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if ra, rb := statusRank(a.Status), statusRank(b.Status); ra != rb {
			return ra < rb
		}
		if pa, pb := a.Priority.Rank(), b.Priority.Rank(); pa != pb {
			return pa < pb
		}
		return creationLess(a, b)
	})
	return out
}

// parentAllows applies top-down gating: a pending parent must be activated
// before its children, and an active or split parent only admits its direct
// subtasks.
func (g *Graph) parentAllows(t *models.Task) bool {
	if t.ParentID == "" {
		return true
	}
	p, ok := g.tasks[t.ParentID]
	if !ok {
		return true
	}
	switch p.Status {
	case models.StatusPending:
		return false
	case models.StatusActive, models.StatusSplit:
		return contains(p.SubtaskIDs, t.ID)
	}
	return true
}

// delegated reports whether an already started task has unresolved
// subtasks, in which case those subtasks are offered instead of it.
func (g *Graph) delegated(t *models.Task) bool {
	if t.Status == models.StatusPending {
		return false
	}
	for _, c := range g.Children(t.ID) {
		if !c.Status.IsTerminal() {
			return true
		}
	}
	return false
}

// selectNext picks the next actionable task and activates it when pending.
// With no candidate it recomputes the completion flag and reports it.
func (g *Graph) selectNext() (selection, error) {
	cands := g.candidates()
	if len(cands) == 0 {
		g.refreshCompletion()
		return selection{completed: g.req.Completed}, nil
	}

	picked := cands[0]
	var activated []string
	if picked.Status == models.StatusPending {
		if err := g.setStatus(picked, models.StatusActive); err != nil {
			return selection{}, err
		}
		activated = append(activated, picked.ID)
		if p, ok := g.tasks[picked.ParentID]; ok && p.Status == models.StatusPending {
			if err := g.setStatus(p, models.StatusActive); err != nil {
				return selection{}, err
			}
			activated = append(activated, p.ID)
		}
	}
	return selection{task: picked, activated: activated}, nil
}
