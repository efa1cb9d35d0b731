package core

import (
	"github.com/valter-silva-au/tasktree/pkg/models"
)

// transitions lists the explicit status changes a caller may request.
// Cascade auto-completion bypasses this table through completeByCascade.
var transitions = map[models.TaskStatus][]models.TaskStatus{
	models.StatusPending:               {models.StatusActive, models.StatusSplit},
	models.StatusActive:                {models.StatusRequiresClarification, models.StatusDone, models.StatusFailed, models.StatusSplit},
	models.StatusRequiresClarification: {models.StatusActive, models.StatusDone, models.StatusFailed},
}

// CanTransition reports whether from -> to is a legal explicit transition.
func CanTransition(from, to models.TaskStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// checkTransition validates from -> to and builds the caller-facing error.
func checkTransition(t *models.Task, to models.TaskStatus) error {
	if CanTransition(t.Status, to) {
		return nil
	}
	switch {
	case t.Status == models.StatusSplit && to.IsTerminal():
		return invalidf("task %s was split into subtasks; its subtasks must be resolved first", t.ID)
	case t.Status.IsTerminal():
		return invalidf("task %s is already %s and cannot become %s", t.ID, t.Status, to)
	default:
		return invalidf("task %s cannot move from %s to %s", t.ID, t.Status, to)
	}
}

// setStatus applies a validated transition.
func (g *Graph) setStatus(t *models.Task, to models.TaskStatus) error {
	if err := checkTransition(t, to); err != nil {
		return err
	}
	t.Status = to
	g.touch(t)
	return nil
}

// terminalReport handles an explicit done/failed report. It returns
// already=true when the task is already in the reported status, which is an
// acknowledgement that leaves the task untouched.
func terminalReport(t *models.Task, to models.TaskStatus) (already bool, err error) {
	if t.Status == to {
		return true, nil
	}
	return false, checkTransition(t, to)
}

// completeByCascade moves a parent to done once its children are resolved.
func (g *Graph) completeByCascade(t *models.Task) bool {
	switch t.Status {
	case models.StatusPending, models.StatusActive, models.StatusSplit:
		t.Status = models.StatusDone
		g.touch(t)
		return true
	}
	return false
}

// settled reports whether every child of t is terminal or split.
func (g *Graph) settled(t *models.Task) bool {
	if len(t.SubtaskIDs) == 0 {
		return false
	}
	for _, cid := range t.SubtaskIDs {
		c, ok := g.tasks[cid]
		if !ok {
			continue
		}
		if !c.Status.IsTerminal() && c.Status != models.StatusSplit {
			return false
		}
	}
	return true
}
