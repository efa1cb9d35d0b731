package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/tree"
	"github.com/valter-silva-au/tasktree/internal/core"
	"github.com/valter-silva-au/tasktree/pkg/models"
)

var errNotInitialized = errors.New("task manager not initialized")

var (
	idStyle     = lipgloss.NewStyle().Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	branchStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	statusPending       = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	statusActive        = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	statusClarification = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	statusDone          = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed        = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusSplit         = lipgloss.NewStyle().Foreground(lipgloss.Color("141"))
)

func styleForStatus(status models.TaskStatus) lipgloss.Style {
	switch status {
	case models.StatusPending:
		return statusPending
	case models.StatusActive:
		return statusActive
	case models.StatusRequiresClarification:
		return statusClarification
	case models.StatusDone:
		return statusDone
	case models.StatusFailed:
		return statusFailed
	case models.StatusSplit:
		return statusSplit
	default:
		return lipgloss.NewStyle()
	}
}

// taskLine renders a task as a single line: id, status, title, priority and
// the ids it waits on.
func taskLine(t models.Task) string {
	var b strings.Builder
	b.WriteString(idStyle.Render(t.ID))
	b.WriteString(" ")
	b.WriteString(styleForStatus(t.Status).Render("[" + string(t.Status) + "]"))
	b.WriteString(" ")
	b.WriteString(t.Title)
	if t.Priority != "" && t.Priority != models.PriorityMedium {
		b.WriteString(mutedStyle.Render(" (" + string(t.Priority) + ")"))
	}
	if len(t.DependsOn) > 0 {
		b.WriteString(mutedStyle.Render(" after " + strings.Join(t.DependsOn, ", ")))
	}
	return b.String()
}

// renderTaskTree lays the tasks out as a forest following SubtaskIDs. Tasks
// whose parent is not in the set are treated as roots.
func renderTaskTree(tasks []models.Task) string {
	byID := make(map[string]models.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	var build func(t models.Task) *tree.Tree
	build = func(t models.Task) *tree.Tree {
		node := tree.Root(taskLine(t))
		for _, id := range t.SubtaskIDs {
			if sub, ok := byID[id]; ok {
				node.Child(build(sub))
			}
		}
		return node
	}

	forest := tree.New().
		Enumerator(tree.RoundedEnumerator).
		EnumeratorStyle(branchStyle)
	for _, t := range tasks {
		if _, hasParent := byID[t.ParentID]; t.ParentID != "" && hasParent {
			continue
		}
		forest.Child(build(t))
	}
	return forest.String()
}

func printProgress(w io.Writer, p core.Progress) {
	fmt.Fprintf(w, "  Progress: %d/%d done", p.Done, p.Total)
	var parts []string
	for _, c := range []struct {
		label string
		n     int
	}{
		{"pending", p.Pending},
		{"active", p.Active},
		{"clarification", p.RequiresClarification},
		{"failed", p.Failed},
		{"split", p.Split},
	} {
		if c.n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", c.n, c.label))
		}
	}
	if len(parts) > 0 {
		fmt.Fprintf(w, " (%s)", strings.Join(parts, ", "))
	}
	fmt.Fprintln(w)
}

func printTaskDetails(w io.Writer, t models.Task) {
	fmt.Fprintf(w, "%s\n", taskLine(t))
	fmt.Fprintf(w, "  Request:  %s\n", t.RequestID)
	if t.ParentID != "" {
		fmt.Fprintf(w, "  Parent:   %s\n", t.ParentID)
	}
	if t.Type != "" {
		fmt.Fprintf(w, "  Type:     %s\n", t.Type)
	}
	if t.Description != "" {
		fmt.Fprintf(w, "  Details:  %s\n", t.Description)
	}
	if t.EnvironmentContext != "" {
		fmt.Fprintf(w, "  Env:      %s\n", t.EnvironmentContext)
	}
	if t.ClarificationRequest != "" {
		fmt.Fprintf(w, "  Question: %s\n", t.ClarificationRequest)
	}
	if t.ClarificationResponse != "" {
		fmt.Fprintf(w, "  Answer:   %s\n", t.ClarificationResponse)
	}
	if t.CompletedDetails != "" {
		fmt.Fprintf(w, "  Result:   %s\n", t.CompletedDetails)
	}
	if t.FailureReason != "" {
		fmt.Fprintf(w, "  Failure:  %s\n", t.FailureReason)
	}
	if t.SuggestedRetryStrategy != "" {
		fmt.Fprintf(w, "  Retry:    %s\n", t.SuggestedRetryStrategy)
	}
	if len(t.Artifacts) > 0 {
		fmt.Fprintf(w, "  Artifacts: %s\n", strings.Join(t.Artifacts, ", "))
	}
	if t.SummaryRef != "" {
		fmt.Fprintf(w, "  Summary:  %s\n", t.SummaryRef)
	}
}
