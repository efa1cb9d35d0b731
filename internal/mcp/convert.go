package mcp

import (
	"fmt"
	"time"

	"github.com/valter-silva-au/tasktree/internal/core"
	"github.com/valter-silva-au/tasktree/pkg/models"
)

// taskInput is one task definition. Definitions arrive as a flat list and
// are nested through parent_ref so the tool schema stays non-recursive.
type taskInput struct {
	Ref                string   `json:"ref,omitempty" jsonschema:"local name other definitions in this call can use in parent_ref or depends_on"`
	ParentRef          string   `json:"parent_ref,omitempty" jsonschema:"ref of the definition this task is a subtask of"`
	Title              string   `json:"title" jsonschema:"short task title"`
	Description        string   `json:"description,omitempty" jsonschema:"what needs to be done"`
	Priority           string   `json:"priority,omitempty" jsonschema:"critical, high, medium or low (default medium)"`
	Type               string   `json:"type,omitempty" jsonschema:"free-form routing hint for the executing agent"`
	EnvironmentContext string   `json:"environment_context,omitempty" jsonschema:"environment notes for the executing agent"`
	DependsOn          []string `json:"depends_on,omitempty" jsonschema:"refs from this call or ids of existing tasks in the same request"`
	Artifacts          []string `json:"artifacts,omitempty" jsonschema:"paths or URLs relevant to the task"`
}

// buildDefinitions nests the flat inputs into definition trees, keeping the
// input order among siblings.
func buildDefinitions(items []taskInput) ([]core.TaskDefinition, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("at least one task is required")
	}

	byRef := make(map[string]int, len(items))
	for i, it := range items {
		if err := validatePriority(it.Priority); err != nil {
			return nil, fmt.Errorf("task %d: %w", i+1, err)
		}
		if it.Ref == "" {
			continue
		}
		if _, dup := byRef[it.Ref]; dup {
			return nil, fmt.Errorf("duplicate ref %q", it.Ref)
		}
		byRef[it.Ref] = i
	}

	children := make(map[int][]int)
	var roots []int
	for i, it := range items {
		if it.ParentRef == "" {
			roots = append(roots, i)
			continue
		}
		p, ok := byRef[it.ParentRef]
		if !ok {
			return nil, fmt.Errorf("task %d: unknown parent_ref %q", i+1, it.ParentRef)
		}
		children[p] = append(children[p], i)
	}

	visited := make([]bool, len(items))
	var build func(i int) core.TaskDefinition
	build = func(i int) core.TaskDefinition {
		visited[i] = true
		it := items[i]
		def := core.TaskDefinition{
			Ref:                it.Ref,
			Title:              it.Title,
			Description:        it.Description,
			Priority:           models.Priority(it.Priority),
			Type:               models.TaskType(it.Type),
			EnvironmentContext: it.EnvironmentContext,
			DependsOn:          it.DependsOn,
			Artifacts:          it.Artifacts,
		}
		for _, c := range children[i] {
			def.Subtasks = append(def.Subtasks, build(c))
		}
		return def
	}

	defs := make([]core.TaskDefinition, 0, len(roots))
	for _, r := range roots {
		defs = append(defs, build(r))
	}
	for i, ok := range visited {
		if !ok {
			return nil, fmt.Errorf("task %d: parent_ref chain forms a cycle", i+1)
		}
	}
	return defs, nil
}

func validatePriority(p string) error {
	if p == "" || models.Priority(p).IsValid() {
		return nil
	}
	return fmt.Errorf("invalid priority %q: must be one of critical, high, medium, low", p)
}

type taskOutput struct {
	ID                     string   `json:"id"`
	RequestID              string   `json:"request_id"`
	Title                  string   `json:"title"`
	Description            string   `json:"description,omitempty"`
	Status                 string   `json:"status"`
	Priority               string   `json:"priority"`
	Type                   string   `json:"type,omitempty"`
	ParentID               string   `json:"parent_id,omitempty"`
	SubtaskIDs             []string `json:"subtask_ids,omitempty"`
	DependsOn              []string `json:"depends_on,omitempty"`
	FailureReason          string   `json:"failure_reason,omitempty"`
	SuggestedRetryStrategy string   `json:"suggested_retry_strategy,omitempty"`
	CompletedDetails       string   `json:"completed_details,omitempty"`
	Artifacts              []string `json:"artifacts,omitempty"`
	EnvironmentContext     string   `json:"environment_context,omitempty"`
	SummaryRef             string   `json:"summary_ref,omitempty"`
	ClarificationRequest   string   `json:"clarification_request,omitempty"`
	ClarificationResponse  string   `json:"clarification_response,omitempty"`
	Created                string   `json:"created"`
	Updated                string   `json:"updated"`
}

func taskToOutput(t models.Task) taskOutput {
	return taskOutput{
		ID:                     t.ID,
		RequestID:              t.RequestID,
		Title:                  t.Title,
		Description:            t.Description,
		Status:                 string(t.Status),
		Priority:               string(t.Priority),
		Type:                   string(t.Type),
		ParentID:               t.ParentID,
		SubtaskIDs:             t.SubtaskIDs,
		DependsOn:              t.DependsOn,
		FailureReason:          t.FailureReason,
		SuggestedRetryStrategy: t.SuggestedRetryStrategy,
		CompletedDetails:       t.CompletedDetails,
		Artifacts:              t.Artifacts,
		EnvironmentContext:     t.EnvironmentContext,
		SummaryRef:             t.SummaryRef,
		ClarificationRequest:   t.ClarificationRequest,
		ClarificationResponse:  t.ClarificationResponse,
		Created:                formatTime(t.CreatedAt),
		Updated:                formatTime(t.UpdatedAt),
	}
}

func tasksToOutput(tasks []models.Task) []taskOutput {
	out := make([]taskOutput, len(tasks))
	for i, t := range tasks {
		out[i] = taskToOutput(t)
	}
	return out
}

type requestOutput struct {
	ID              string   `json:"id"`
	OriginalRequest string   `json:"original_request"`
	SplitDetails    string   `json:"split_details,omitempty"`
	TaskIDs         []string `json:"task_ids"`
	Completed       bool     `json:"completed"`
	Created         string   `json:"created"`
	Updated         string   `json:"updated"`
}

func requestToOutput(r models.Request) requestOutput {
	return requestOutput{
		ID:              r.ID,
		OriginalRequest: r.OriginalRequest,
		SplitDetails:    r.SplitDetails,
		TaskIDs:         r.TaskIDs,
		Completed:       r.Completed,
		Created:         formatTime(r.CreatedAt),
		Updated:         formatTime(r.UpdatedAt),
	}
}

type cascadeOutput struct {
	AutoCompleted    []string `json:"auto_completed,omitempty"`
	ArchiveID        string   `json:"archive_id,omitempty"`
	ArchivedRoot     string   `json:"archived_root,omitempty"`
	ArchivedTaskIDs  []string `json:"archived_task_ids,omitempty"`
	RequestCompleted bool     `json:"request_completed,omitempty"`
}

func cascadeToOutput(r core.CascadeReport) cascadeOutput {
	return cascadeOutput(r)
}

type archiveOutput struct {
	ID          string       `json:"id"`
	RequestID   string       `json:"request_id"`
	RequestText string       `json:"request_text"`
	RootTaskID  string       `json:"root_task_id"`
	Tasks       []taskOutput `json:"tasks"`
	ArchivedAt  string       `json:"archived_at"`
}

func archiveToOutput(a models.ArchiveEntry) archiveOutput {
	return archiveOutput{
		ID:          a.ID,
		RequestID:   a.RequestID,
		RequestText: a.RequestText,
		RootTaskID:  a.RootTaskID,
		Tasks:       tasksToOutput(a.Tasks),
		ArchivedAt:  formatTime(a.ArchivedAt),
	}
}

type issueOutput struct {
	Kind      string   `json:"kind"`
	TaskID    string   `json:"task_id"`
	DependsOn string   `json:"depends_on"`
	Cycle     []string `json:"cycle,omitempty"`
	Message   string   `json:"message"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
