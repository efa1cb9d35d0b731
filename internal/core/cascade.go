package core

import (
	"fmt"
	"strings"

	"github.com/valter-silva-au/tasktree/pkg/models"
)

// CascadeReport describes what happened automatically after a status change.
type CascadeReport struct {
	AutoCompleted    []string `json:"auto_completed,omitempty"`
	ArchiveID        string   `json:"archive_id,omitempty"`
	ArchivedRoot     string   `json:"archived_root,omitempty"`
	ArchivedTaskIDs  []string `json:"archived_task_ids,omitempty"`
	RequestCompleted bool     `json:"request_completed,omitempty"`
}

// Empty reports whether nothing cascaded.
func (r CascadeReport) Empty() bool {
	return len(r.AutoCompleted) == 0 && r.ArchiveID == "" && !r.RequestCompleted
}

// String renders the report as a sentence list suitable for appending to a
// caller-facing message.
func (r CascadeReport) String() string {
	var parts []string
	if len(r.AutoCompleted) > 0 {
		parts = append(parts, fmt.Sprintf("Auto-completed parent tasks: %s.", strings.Join(r.AutoCompleted, ", ")))
	}
	if r.ArchiveID != "" {
		parts = append(parts, fmt.Sprintf("Archived task tree %s (%d tasks) as %s.", r.ArchivedRoot, len(r.ArchivedTaskIDs), r.ArchiveID))
	}
	if r.RequestCompleted {
		parts = append(parts, "All tasks in the request are complete.")
	}
	return strings.Join(parts, " ")
}

// cascade runs after changedID reached done or failed. Ancestors whose
// children are all resolved are completed bottom-up; a parent succeeds even
// when some children failed. Then the top-most ancestor's tree is archived
// when it is done and fully resolved.
func (g *Graph) cascade(changedID string, newArchiveID func() string) CascadeReport {
	var report CascadeReport
	if t, ok := g.tasks[changedID]; ok && t.ParentID != "" {
		report.AutoCompleted = g.completeAncestors(t.ParentID)
	}
	g.archiveIfResolved(g.rootOf(changedID), newArchiveID, &report)
	report.RequestCompleted = g.refreshCompletion()
	return report
}

// settle re-evaluates a split container after one of its children was
// removed, completing it when the remaining children are resolved.
func (g *Graph) settle(parentID string, newArchiveID func() string) CascadeReport {
	var report CascadeReport
	p, ok := g.tasks[parentID]
	if ok && p.Status == models.StatusSplit {
		report.AutoCompleted = g.completeAncestors(parentID)
		if len(report.AutoCompleted) > 0 {
			g.archiveIfResolved(g.rootOf(parentID), newArchiveID, &report)
		}
	}
	report.RequestCompleted = g.refreshCompletion()
	return report
}

// completeAncestors walks the parent chain starting at id and completes each
// task whose children are all terminal or split. It stops at the first task
// that is not yet settled.
func (g *Graph) completeAncestors(id string) []string {
	var completed []string
	seen := make(map[string]bool)
	for id != "" && !seen[id] {
		seen[id] = true
		p, ok := g.tasks[id]
		if !ok || !g.settled(p) || !g.completeByCascade(p) {
			break
		}
		completed = append(completed, id)
		id = p.ParentID
	}
	return completed
}

// treeResolved reports whether every task under rootID, root included, is
// terminal.
func (g *Graph) treeResolved(rootID string) bool {
	for _, id := range g.Descendants(rootID) {
		if !g.tasks[id].Status.IsTerminal() {
			return false
		}
	}
	return true
}

func (g *Graph) archiveIfResolved(rootID string, newArchiveID func() string, report *CascadeReport) {
	root, ok := g.tasks[rootID]
	if !ok || root.Status != models.StatusDone || !g.treeResolved(rootID) {
		return
	}
	entry := g.archiveTree(rootID, newArchiveID())
	report.ArchiveID = entry.ID
	report.ArchivedRoot = rootID
	report.ArchivedTaskIDs = entry.TaskIDs()
}
