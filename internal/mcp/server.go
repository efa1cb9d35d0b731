// Package mcp provides an MCP (Model Context Protocol) server that exposes
// the task engine as MCP tools for AI agents.
package mcp

import (
	"context"
	"fmt"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/valter-silva-au/tasktree/internal/core"
	"github.com/valter-silva-au/tasktree/internal/observability"
	"github.com/valter-silva-au/tasktree/pkg/models"
)

const statusOK = "ok"

// Server wraps the task engine and exposes it as MCP tools.
type Server struct {
	server      *gomcp.Server
	taskMgr     core.TaskManager
	metricsCalc observability.MetricsCalculator
	alertEngine observability.AlertEngine
}

// NewServer creates a new MCP server. metricsCalc and alertEngine may be nil
// when the event log is disabled.
func NewServer(taskMgr core.TaskManager, metricsCalc observability.MetricsCalculator, alertEngine observability.AlertEngine, version string) *Server {
	if version == "" {
		version = "dev"
	}

	s := &Server{
		taskMgr:     taskMgr,
		metricsCalc: metricsCalc,
		alertEngine: alertEngine,
	}

	s.server = gomcp.NewServer(
		&gomcp.Implementation{Name: "tasktree", Version: version},
		nil,
	)

	s.registerTools()

	return s
}

// Run serves MCP over stdio, blocking until the client disconnects or the
// context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &gomcp.StdioTransport{})
}

// MCPServer returns the underlying mcp.Server for testing purposes.
func (s *Server) MCPServer() *gomcp.Server {
	return s.server
}

// --- Tool input/output types ---

type requestIDInput struct {
	RequestID string `json:"request_id" jsonschema:"the request identifier (e.g. req-1)"`
}

type taskIDInput struct {
	TaskID string `json:"task_id" jsonschema:"the task identifier (e.g. task-42)"`
}

type planInput struct {
	OriginalRequest string      `json:"original_request" jsonschema:"the user's request in their own words"`
	SplitDetails    string      `json:"split_details,omitempty" jsonschema:"how the request was broken down"`
	Tasks           []taskInput `json:"tasks" jsonschema:"task definitions; nest with ref and parent_ref"`
}

type addTasksInput struct {
	RequestID string      `json:"request_id" jsonschema:"the request to extend"`
	Tasks     []taskInput `json:"tasks" jsonschema:"task definitions; nest with ref and parent_ref"`
}

type planOutput struct {
	Status  string        `json:"status"`
	Message string        `json:"message"`
	Request requestOutput `json:"request"`
	Tasks   []taskOutput  `json:"tasks"`
}

type requestSummaryOutput struct {
	Request  requestOutput `json:"request"`
	Progress core.Progress `json:"progress"`
}

type listRequestsInput struct{}

type listRequestsOutput struct {
	Status   string                 `json:"status"`
	Message  string                 `json:"message"`
	Requests []requestSummaryOutput `json:"requests"`
	Count    int                    `json:"count"`
}

type openRequestOutput struct {
	Status   string        `json:"status"`
	Message  string        `json:"message"`
	Request  requestOutput `json:"request"`
	Tasks    []taskOutput  `json:"tasks"`
	Progress core.Progress `json:"progress"`
}

type nextTaskOutput struct {
	Status           string        `json:"status"`
	Message          string        `json:"message"`
	RequestID        string        `json:"request_id"`
	Task             *taskOutput   `json:"task,omitempty"`
	Activated        []string      `json:"activated,omitempty"`
	RequestCompleted bool          `json:"request_completed"`
	Progress         core.Progress `json:"progress"`
}

type markDoneInput struct {
	TaskID           string   `json:"task_id" jsonschema:"the task that was completed"`
	CompletedDetails string   `json:"completed_details,omitempty" jsonschema:"what was done"`
	Artifacts        []string `json:"artifacts,omitempty" jsonschema:"files or URLs produced"`
	Summary          string   `json:"summary,omitempty" jsonschema:"longer summary stored outside the task"`
}

type markFailedInput struct {
	TaskID                 string `json:"task_id" jsonschema:"the task that failed"`
	Reason                 string `json:"reason" jsonschema:"why it failed"`
	SuggestedRetryStrategy string `json:"suggested_retry_strategy,omitempty" jsonschema:"how a retry could succeed"`
}

type clarificationInput struct {
	TaskID   string `json:"task_id" jsonschema:"the task needing clarification"`
	Question string `json:"question" jsonschema:"what the agent needs to know"`
}

type provideClarificationInput struct {
	TaskID   string `json:"task_id" jsonschema:"the task waiting for clarification"`
	Response string `json:"response" jsonschema:"the answer to the pending question"`
}

type statusOutput struct {
	Status  string        `json:"status"`
	Message string        `json:"message"`
	Task    taskOutput    `json:"task"`
	Already bool          `json:"already,omitempty"`
	Cascade cascadeOutput `json:"cascade"`
}

type dependenciesOutput struct {
	TaskID     string       `json:"task_id"`
	DependsOn  []taskOutput `json:"depends_on"`
	Dependents []taskOutput `json:"dependents"`
	Missing    []string     `json:"missing,omitempty"`
	Met        bool         `json:"met"`
}

type taskDetailsOutput struct {
	Status       string             `json:"status"`
	Message      string             `json:"message"`
	Task         taskOutput         `json:"task"`
	Subtasks     []taskOutput       `json:"subtasks"`
	Dependencies dependenciesOutput `json:"dependencies"`
}

type updateTaskInput struct {
	TaskID             string   `json:"task_id" jsonschema:"the task to edit"`
	Title              *string  `json:"title,omitempty" jsonschema:"new title"`
	Description        *string  `json:"description,omitempty" jsonschema:"new description"`
	Priority           *string  `json:"priority,omitempty" jsonschema:"critical, high, medium or low"`
	Type               *string  `json:"type,omitempty" jsonschema:"new routing hint"`
	EnvironmentContext *string  `json:"environment_context,omitempty" jsonschema:"new environment notes"`
	Artifacts          []string `json:"artifacts,omitempty" jsonschema:"artifacts to append"`
}

type taskResultOutput struct {
	Status  string     `json:"status"`
	Message string     `json:"message"`
	Task    taskOutput `json:"task"`
}

type addSubtaskInput struct {
	ParentID           string   `json:"parent_id" jsonschema:"the task to attach the subtask to"`
	Title              string   `json:"title" jsonschema:"short task title"`
	Description        string   `json:"description,omitempty" jsonschema:"what needs to be done"`
	Priority           string   `json:"priority,omitempty" jsonschema:"critical, high, medium or low (default medium)"`
	Type               string   `json:"type,omitempty" jsonschema:"free-form routing hint"`
	EnvironmentContext string   `json:"environment_context,omitempty" jsonschema:"environment notes"`
	DependsOn          []string `json:"depends_on,omitempty" jsonschema:"ids of tasks in the same request"`
}

type removeSubtaskInput struct {
	ParentID  string `json:"parent_id" jsonschema:"the parent task"`
	SubtaskID string `json:"subtask_id" jsonschema:"the subtask to remove together with its descendants"`
}

type removalOutput struct {
	Status  string        `json:"status"`
	Message string        `json:"message"`
	Removed []string      `json:"removed"`
	Cascade cascadeOutput `json:"cascade"`
}

type dependencyInput struct {
	TaskID    string `json:"task_id" jsonschema:"the dependent task"`
	DependsOn string `json:"depends_on" jsonschema:"the task it depends on"`
}

type dependencyOutput struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	TaskID    string `json:"task_id"`
	DependsOn string `json:"depends_on"`
	Changed   bool   `json:"changed"`
}

type validateOutput struct {
	Status  string        `json:"status"`
	Message string        `json:"message"`
	Valid   bool          `json:"valid"`
	Issues  []issueOutput `json:"issues"`
}

type getDependenciesOutput struct {
	Status       string             `json:"status"`
	Message      string             `json:"message"`
	Dependencies dependenciesOutput `json:"dependencies"`
}

type splitInput struct {
	TaskID   string      `json:"task_id" jsonschema:"the task to split"`
	Subtasks []taskInput `json:"subtasks" jsonschema:"replacement subtasks; nest with ref and parent_ref"`
}

type splitOutput struct {
	Status   string       `json:"status"`
	Message  string       `json:"message"`
	Task     taskOutput   `json:"task"`
	Subtasks []taskOutput `json:"subtasks"`
}

type mergeInput struct {
	PrimaryID   string   `json:"primary_id" jsonschema:"the task that survives the merge"`
	SourceIDs   []string `json:"source_ids" jsonschema:"tasks folded into the primary and deleted"`
	Title       string   `json:"title,omitempty" jsonschema:"replacement title for the merged task"`
	Description string   `json:"description,omitempty" jsonschema:"replacement description"`
	Priority    string   `json:"priority,omitempty" jsonschema:"replacement priority"`
	Type        string   `json:"type,omitempty" jsonschema:"replacement routing hint"`
}

type mergeOutput struct {
	Status     string        `json:"status"`
	Message    string        `json:"message"`
	Task       taskOutput    `json:"task"`
	Merged     []string      `json:"merged"`
	Reparented []string      `json:"reparented,omitempty"`
	Rewritten  []string      `json:"rewritten,omitempty"`
	Cascade    cascadeOutput `json:"cascade"`
}

type archiveTreeOutput struct {
	Status  string        `json:"status"`
	Message string        `json:"message"`
	Archive archiveOutput `json:"archive"`
}

type listArchiveInput struct {
	RequestID string `json:"request_id,omitempty" jsonschema:"limit to one request"`
}

type listArchiveOutput struct {
	Status   string          `json:"status"`
	Message  string          `json:"message"`
	Archives []archiveOutput `json:"archives"`
	Count    int             `json:"count"`
}

type getMetricsInput struct {
	Since string `json:"since,omitempty" jsonschema:"time window for metrics (e.g. 7d, 30d, 24h). Defaults to 7d."`
}

type metricsOutput struct {
	RequestsCreated    int            `json:"requests_created"`
	RequestsCompleted  int            `json:"requests_completed"`
	TasksCreated       int            `json:"tasks_created"`
	TasksCompleted     int            `json:"tasks_completed"`
	TasksAutoCompleted int            `json:"tasks_auto_completed"`
	TasksFailed        int            `json:"tasks_failed"`
	TasksDeleted       int            `json:"tasks_deleted"`
	Splits             int            `json:"splits"`
	Merges             int            `json:"merges"`
	TreesArchived      int            `json:"trees_archived"`
	TasksArchived      int            `json:"tasks_archived"`
	Transitions        map[string]int `json:"transitions"`
	LiveByStatus       map[string]int `json:"live_by_status"`
	EventCount         int            `json:"event_count"`
	OldestEvent        string         `json:"oldest_event,omitempty"`
	NewestEvent        string         `json:"newest_event,omitempty"`
}

type getAlertsInput struct{}

type alertOutput struct {
	ID          string `json:"id"`
	Condition   string `json:"condition"`
	Severity    string `json:"severity"`
	Message     string `json:"message"`
	RequestID   string `json:"request_id,omitempty"`
	TaskID      string `json:"task_id,omitempty"`
	TriggeredAt string `json:"triggered_at"`
}

type getAlertsOutput struct {
	Alerts []alertOutput `json:"alerts"`
	Count  int           `json:"count"`
}

// --- Tool registration ---

func (s *Server) registerTools() {
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "request_planning",
		Description: "Register a new user request and plan its task tree. Tasks are a flat list; nest them with ref/parent_ref and order them with depends_on.",
	}, s.handlePlanRequest)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "add_tasks_to_request",
		Description: "Append more tasks to an existing request. Reopens a completed request.",
	}, s.handleAddTasks)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "list_requests",
		Description: "List all requests with their task progress.",
	}, s.handleListRequests)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "open_request",
		Description: "Show a request with every live task and its progress.",
	}, s.handleOpenRequest)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_next_task",
		Description: "Return the next actionable task of a request and mark it active. Parents are activated before their subtasks.",
	}, s.handleNextTask)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "mark_task_done",
		Description: "Mark a task done. Parents whose subtasks are all resolved complete automatically and resolved trees are archived.",
	}, s.handleMarkDone)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "mark_task_failed",
		Description: "Mark a task failed with a reason and an optional retry strategy.",
	}, s.handleMarkFailed)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "request_clarification",
		Description: "Pause a task until the user answers a question.",
	}, s.handleRequestClarification)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "provide_clarification",
		Description: "Answer a pending clarification and resume the task.",
	}, s.handleProvideClarification)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "open_task_details",
		Description: "Show a task with its direct subtasks and dependency edges.",
	}, s.handleTaskDetails)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "update_task",
		Description: "Edit the descriptive fields of a non-terminal task. Artifacts are appended.",
	}, s.handleUpdateTask)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "add_subtask",
		Description: "Attach a new subtask to a non-terminal task.",
	}, s.handleAddSubtask)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "remove_subtask",
		Description: "Remove a subtask and its descendants from a parent.",
	}, s.handleRemoveSubtask)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "delete_task",
		Description: "Delete a task and its descendants. Dependencies on deleted tasks are dropped.",
	}, s.handleDeleteTask)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "add_dependency",
		Description: "Make a task wait for another task in the same request. Edges that would form a cycle are rejected.",
	}, s.handleAddDependency)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "remove_dependency",
		Description: "Drop a dependency edge.",
	}, s.handleRemoveDependency)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "validate_dependencies",
		Description: "Report missing dependency targets and dependency cycles in a request.",
	}, s.handleValidateDependencies)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_task_dependencies",
		Description: "Show what a task depends on, what depends on it, and whether its dependencies are met.",
	}, s.handleGetDependencies)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "split_task",
		Description: "Replace a task with subtasks. The task becomes split and completes once its subtasks are resolved.",
	}, s.handleSplitTask)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "merge_tasks",
		Description: "Fold source tasks into a primary task. Subtasks move to the primary and dependencies on sources are rewritten.",
	}, s.handleMergeTasks)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "archive_task_tree",
		Description: "Archive a resolved top-level task tree.",
	}, s.handleArchiveTaskTree)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "list_archive",
		Description: "List archived task trees, optionally for one request.",
	}, s.handleListArchive)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_metrics",
		Description: "Get aggregated metrics from the event log: requests, task outcomes, splits, merges, archived trees and status transitions.",
	}, s.handleGetMetrics)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_alerts",
		Description: "Evaluate and return active alerts (clarifications waiting too long, stale active tasks, pending backlog size).",
	}, s.handleGetAlerts)
}

// --- Tool handlers ---

func (s *Server) handlePlanRequest(ctx context.Context, _ *gomcp.CallToolRequest, input planInput) (*gomcp.CallToolResult, planOutput, error) {
	if input.OriginalRequest == "" {
		return errorResult("original_request is required"), planOutput{}, nil
	}
	defs, err := buildDefinitions(input.Tasks)
	if err != nil {
		return errorResult(err.Error()), planOutput{}, nil
	}

	res, err := s.taskMgr.PlanRequest(ctx, core.PlanInput{
		OriginalRequest: input.OriginalRequest,
		SplitDetails:    input.SplitDetails,
		Tasks:           defs,
	})
	if err != nil {
		return opError("planning request", err), planOutput{}, nil
	}
	return nil, planToOutput(res), nil
}

func (s *Server) handleAddTasks(ctx context.Context, _ *gomcp.CallToolRequest, input addTasksInput) (*gomcp.CallToolResult, planOutput, error) {
	if input.RequestID == "" {
		return errorResult("request_id is required"), planOutput{}, nil
	}
	defs, err := buildDefinitions(input.Tasks)
	if err != nil {
		return errorResult(err.Error()), planOutput{}, nil
	}

	res, err := s.taskMgr.AddTasks(ctx, input.RequestID, defs)
	if err != nil {
		return opError(fmt.Sprintf("adding tasks to %s", input.RequestID), err), planOutput{}, nil
	}
	return nil, planToOutput(res), nil
}

func (s *Server) handleListRequests(ctx context.Context, _ *gomcp.CallToolRequest, _ listRequestsInput) (*gomcp.CallToolResult, listRequestsOutput, error) {
	reqs, err := s.taskMgr.ListRequests(ctx)
	if err != nil {
		return opError("listing requests", err), listRequestsOutput{}, nil
	}

	out := listRequestsOutput{
		Status:   statusOK,
		Message:  fmt.Sprintf("%d request(s)", len(reqs)),
		Requests: make([]requestSummaryOutput, len(reqs)),
		Count:    len(reqs),
	}
	for i, r := range reqs {
		out.Requests[i] = requestSummaryOutput{Request: requestToOutput(r.Request), Progress: r.Progress}
	}
	return nil, out, nil
}

func (s *Server) handleOpenRequest(ctx context.Context, _ *gomcp.CallToolRequest, input requestIDInput) (*gomcp.CallToolResult, openRequestOutput, error) {
	if input.RequestID == "" {
		return errorResult("request_id is required"), openRequestOutput{}, nil
	}

	d, err := s.taskMgr.GetRequest(ctx, input.RequestID)
	if err != nil {
		return opError(fmt.Sprintf("opening request %s", input.RequestID), err), openRequestOutput{}, nil
	}
	return nil, openRequestOutput{
		Status:   statusOK,
		Message:  fmt.Sprintf("request %s: %d/%d tasks done", d.Request.ID, d.Progress.Done, d.Progress.Total),
		Request:  requestToOutput(d.Request),
		Tasks:    tasksToOutput(d.Tasks),
		Progress: d.Progress,
	}, nil
}

func (s *Server) handleNextTask(ctx context.Context, _ *gomcp.CallToolRequest, input requestIDInput) (*gomcp.CallToolResult, nextTaskOutput, error) {
	if input.RequestID == "" {
		return errorResult("request_id is required"), nextTaskOutput{}, nil
	}

	res, err := s.taskMgr.NextTask(ctx, input.RequestID)
	if err != nil {
		return opError(fmt.Sprintf("selecting next task of %s", input.RequestID), err), nextTaskOutput{}, nil
	}

	out := nextTaskOutput{
		Status:           statusOK,
		Message:          res.Message,
		RequestID:        res.RequestID,
		Activated:        res.Activated,
		RequestCompleted: res.RequestCompleted,
		Progress:         res.Progress,
	}
	if res.Task != nil {
		t := taskToOutput(*res.Task)
		out.Task = &t
	}
	return nil, out, nil
}

func (s *Server) handleMarkDone(ctx context.Context, _ *gomcp.CallToolRequest, input markDoneInput) (*gomcp.CallToolResult, statusOutput, error) {
	if input.TaskID == "" {
		return errorResult("task_id is required"), statusOutput{}, nil
	}

	res, err := s.taskMgr.MarkTaskDone(ctx, input.TaskID, core.DoneInput{
		CompletedDetails: input.CompletedDetails,
		Artifacts:        input.Artifacts,
		Summary:          input.Summary,
	})
	if err != nil {
		return opError(fmt.Sprintf("marking task %s done", input.TaskID), err), statusOutput{}, nil
	}
	return nil, statusToOutput(res), nil
}

func (s *Server) handleMarkFailed(ctx context.Context, _ *gomcp.CallToolRequest, input markFailedInput) (*gomcp.CallToolResult, statusOutput, error) {
	if input.TaskID == "" {
		return errorResult("task_id is required"), statusOutput{}, nil
	}
	if input.Reason == "" {
		return errorResult("reason is required"), statusOutput{}, nil
	}

	res, err := s.taskMgr.MarkTaskFailed(ctx, input.TaskID, core.FailInput{
		Reason:                 input.Reason,
		SuggestedRetryStrategy: input.SuggestedRetryStrategy,
	})
	if err != nil {
		return opError(fmt.Sprintf("marking task %s failed", input.TaskID), err), statusOutput{}, nil
	}
	return nil, statusToOutput(res), nil
}

func (s *Server) handleRequestClarification(ctx context.Context, _ *gomcp.CallToolRequest, input clarificationInput) (*gomcp.CallToolResult, statusOutput, error) {
	if input.TaskID == "" {
		return errorResult("task_id is required"), statusOutput{}, nil
	}
	if input.Question == "" {
		return errorResult("question is required"), statusOutput{}, nil
	}

	res, err := s.taskMgr.RequestClarification(ctx, input.TaskID, input.Question)
	if err != nil {
		return opError(fmt.Sprintf("requesting clarification on %s", input.TaskID), err), statusOutput{}, nil
	}
	return nil, statusToOutput(res), nil
}

func (s *Server) handleProvideClarification(ctx context.Context, _ *gomcp.CallToolRequest, input provideClarificationInput) (*gomcp.CallToolResult, statusOutput, error) {
	if input.TaskID == "" {
		return errorResult("task_id is required"), statusOutput{}, nil
	}
	if input.Response == "" {
		return errorResult("response is required"), statusOutput{}, nil
	}

	res, err := s.taskMgr.ProvideClarification(ctx, input.TaskID, input.Response)
	if err != nil {
		return opError(fmt.Sprintf("resuming task %s", input.TaskID), err), statusOutput{}, nil
	}
	return nil, statusToOutput(res), nil
}

func (s *Server) handleTaskDetails(ctx context.Context, _ *gomcp.CallToolRequest, input taskIDInput) (*gomcp.CallToolResult, taskDetailsOutput, error) {
	if input.TaskID == "" {
		return errorResult("task_id is required"), taskDetailsOutput{}, nil
	}

	d, err := s.taskMgr.GetTask(ctx, input.TaskID)
	if err != nil {
		return opError(fmt.Sprintf("getting task %s", input.TaskID), err), taskDetailsOutput{}, nil
	}
	return nil, taskDetailsOutput{
		Status:       statusOK,
		Message:      fmt.Sprintf("task %s is %s", d.Task.ID, d.Task.Status),
		Task:         taskToOutput(d.Task),
		Subtasks:     tasksToOutput(d.Subtasks),
		Dependencies: dependenciesToOutput(d.Dependencies),
	}, nil
}

func (s *Server) handleUpdateTask(ctx context.Context, _ *gomcp.CallToolRequest, input updateTaskInput) (*gomcp.CallToolResult, taskResultOutput, error) {
	if input.TaskID == "" {
		return errorResult("task_id is required"), taskResultOutput{}, nil
	}

	upd := core.TaskUpdate{
		Title:              input.Title,
		Description:        input.Description,
		EnvironmentContext: input.EnvironmentContext,
		Artifacts:          input.Artifacts,
	}
	if input.Priority != nil {
		if err := validatePriority(*input.Priority); err != nil || *input.Priority == "" {
			return errorResult(fmt.Sprintf("invalid priority %q: must be one of critical, high, medium, low", *input.Priority)), taskResultOutput{}, nil
		}
		p := models.Priority(*input.Priority)
		upd.Priority = &p
	}
	if input.Type != nil {
		tt := models.TaskType(*input.Type)
		upd.Type = &tt
	}

	task, err := s.taskMgr.UpdateTask(ctx, input.TaskID, upd)
	if err != nil {
		return opError(fmt.Sprintf("updating task %s", input.TaskID), err), taskResultOutput{}, nil
	}
	return nil, taskResultOutput{
		Status:  statusOK,
		Message: fmt.Sprintf("task %s updated", task.ID),
		Task:    taskToOutput(*task),
	}, nil
}

func (s *Server) handleAddSubtask(ctx context.Context, _ *gomcp.CallToolRequest, input addSubtaskInput) (*gomcp.CallToolResult, taskResultOutput, error) {
	if input.ParentID == "" {
		return errorResult("parent_id is required"), taskResultOutput{}, nil
	}
	if err := validatePriority(input.Priority); err != nil {
		return errorResult(err.Error()), taskResultOutput{}, nil
	}

	task, err := s.taskMgr.AddSubtask(ctx, input.ParentID, core.TaskDefinition{
		Title:              input.Title,
		Description:        input.Description,
		Priority:           models.Priority(input.Priority),
		Type:               models.TaskType(input.Type),
		EnvironmentContext: input.EnvironmentContext,
		DependsOn:          input.DependsOn,
	})
	if err != nil {
		return opError(fmt.Sprintf("adding subtask to %s", input.ParentID), err), taskResultOutput{}, nil
	}
	return nil, taskResultOutput{
		Status:  statusOK,
		Message: fmt.Sprintf("subtask %s added to %s", task.ID, input.ParentID),
		Task:    taskToOutput(*task),
	}, nil
}

func (s *Server) handleRemoveSubtask(ctx context.Context, _ *gomcp.CallToolRequest, input removeSubtaskInput) (*gomcp.CallToolResult, removalOutput, error) {
	if input.ParentID == "" || input.SubtaskID == "" {
		return errorResult("parent_id and subtask_id are required"), removalOutput{}, nil
	}

	res, err := s.taskMgr.RemoveSubtask(ctx, input.ParentID, input.SubtaskID)
	if err != nil {
		return opError(fmt.Sprintf("removing subtask %s", input.SubtaskID), err), removalOutput{}, nil
	}
	return nil, removalToOutput(res), nil
}

func (s *Server) handleDeleteTask(ctx context.Context, _ *gomcp.CallToolRequest, input taskIDInput) (*gomcp.CallToolResult, removalOutput, error) {
	if input.TaskID == "" {
		return errorResult("task_id is required"), removalOutput{}, nil
	}

	res, err := s.taskMgr.DeleteTask(ctx, input.TaskID)
	if err != nil {
		return opError(fmt.Sprintf("deleting task %s", input.TaskID), err), removalOutput{}, nil
	}
	return nil, removalToOutput(res), nil
}

func (s *Server) handleAddDependency(ctx context.Context, _ *gomcp.CallToolRequest, input dependencyInput) (*gomcp.CallToolResult, dependencyOutput, error) {
	if input.TaskID == "" || input.DependsOn == "" {
		return errorResult("task_id and depends_on are required"), dependencyOutput{}, nil
	}

	res, err := s.taskMgr.AddDependency(ctx, input.TaskID, input.DependsOn)
	if err != nil {
		return opError(fmt.Sprintf("adding dependency %s -> %s", input.TaskID, input.DependsOn), err), dependencyOutput{}, nil
	}
	return nil, dependencyToOutput(res), nil
}

func (s *Server) handleRemoveDependency(ctx context.Context, _ *gomcp.CallToolRequest, input dependencyInput) (*gomcp.CallToolResult, dependencyOutput, error) {
	if input.TaskID == "" || input.DependsOn == "" {
		return errorResult("task_id and depends_on are required"), dependencyOutput{}, nil
	}

	res, err := s.taskMgr.RemoveDependency(ctx, input.TaskID, input.DependsOn)
	if err != nil {
		return opError(fmt.Sprintf("removing dependency %s -> %s", input.TaskID, input.DependsOn), err), dependencyOutput{}, nil
	}
	return nil, dependencyToOutput(res), nil
}

func (s *Server) handleValidateDependencies(ctx context.Context, _ *gomcp.CallToolRequest, input requestIDInput) (*gomcp.CallToolResult, validateOutput, error) {
	if input.RequestID == "" {
		return errorResult("request_id is required"), validateOutput{}, nil
	}

	issues, err := s.taskMgr.ValidateDependencies(ctx, input.RequestID)
	if err != nil {
		return opError(fmt.Sprintf("validating dependencies of %s", input.RequestID), err), validateOutput{}, nil
	}

	out := validateOutput{
		Status: statusOK,
		Valid:  len(issues) == 0,
		Issues: make([]issueOutput, len(issues)),
	}
	for i, is := range issues {
		out.Issues[i] = issueOutput{
			Kind:      string(is.Kind),
			TaskID:    is.TaskID,
			DependsOn: is.DependsOn,
			Cycle:     is.Cycle,
			Message:   is.Message,
		}
	}
	if out.Valid {
		out.Message = "dependency graph is valid"
	} else {
		out.Message = fmt.Sprintf("found %d dependency issue(s)", len(issues))
	}
	return nil, out, nil
}

func (s *Server) handleGetDependencies(ctx context.Context, _ *gomcp.CallToolRequest, input taskIDInput) (*gomcp.CallToolResult, getDependenciesOutput, error) {
	if input.TaskID == "" {
		return errorResult("task_id is required"), getDependenciesOutput{}, nil
	}

	deps, err := s.taskMgr.GetTaskDependencies(ctx, input.TaskID)
	if err != nil {
		return opError(fmt.Sprintf("getting dependencies of %s", input.TaskID), err), getDependenciesOutput{}, nil
	}
	msg := fmt.Sprintf("task %s has unmet dependencies", input.TaskID)
	if deps.Met {
		msg = fmt.Sprintf("all dependencies of task %s are done", input.TaskID)
	}
	return nil, getDependenciesOutput{
		Status:       statusOK,
		Message:      msg,
		Dependencies: dependenciesToOutput(deps),
	}, nil
}

func (s *Server) handleSplitTask(ctx context.Context, _ *gomcp.CallToolRequest, input splitInput) (*gomcp.CallToolResult, splitOutput, error) {
	if input.TaskID == "" {
		return errorResult("task_id is required"), splitOutput{}, nil
	}
	defs, err := buildDefinitions(input.Subtasks)
	if err != nil {
		return errorResult(err.Error()), splitOutput{}, nil
	}

	res, err := s.taskMgr.SplitTask(ctx, input.TaskID, defs)
	if err != nil {
		return opError(fmt.Sprintf("splitting task %s", input.TaskID), err), splitOutput{}, nil
	}
	return nil, splitOutput{
		Status:   statusOK,
		Message:  res.Message,
		Task:     taskToOutput(res.Task),
		Subtasks: tasksToOutput(res.Subtasks),
	}, nil
}

func (s *Server) handleMergeTasks(ctx context.Context, _ *gomcp.CallToolRequest, input mergeInput) (*gomcp.CallToolResult, mergeOutput, error) {
	if input.PrimaryID == "" {
		return errorResult("primary_id is required"), mergeOutput{}, nil
	}
	if len(input.SourceIDs) == 0 {
		return errorResult("source_ids must name at least one task"), mergeOutput{}, nil
	}
	if err := validatePriority(input.Priority); err != nil {
		return errorResult(err.Error()), mergeOutput{}, nil
	}

	res, err := s.taskMgr.MergeTasks(ctx, input.PrimaryID, input.SourceIDs, core.MergeOverrides{
		Title:       input.Title,
		Description: input.Description,
		Priority:    models.Priority(input.Priority),
		Type:        models.TaskType(input.Type),
	})
	if err != nil {
		return opError(fmt.Sprintf("merging into %s", input.PrimaryID), err), mergeOutput{}, nil
	}
	return nil, mergeOutput{
		Status:     statusOK,
		Message:    res.Message,
		Task:       taskToOutput(res.Task),
		Merged:     res.Merged,
		Reparented: res.Reparented,
		Rewritten:  res.Rewritten,
		Cascade:    cascadeToOutput(res.Cascade),
	}, nil
}

func (s *Server) handleArchiveTaskTree(ctx context.Context, _ *gomcp.CallToolRequest, input taskIDInput) (*gomcp.CallToolResult, archiveTreeOutput, error) {
	if input.TaskID == "" {
		return errorResult("task_id is required"), archiveTreeOutput{}, nil
	}

	entry, err := s.taskMgr.ArchiveTaskTree(ctx, input.TaskID)
	if err != nil {
		return opError(fmt.Sprintf("archiving task tree %s", input.TaskID), err), archiveTreeOutput{}, nil
	}
	return nil, archiveTreeOutput{
		Status:  statusOK,
		Message: fmt.Sprintf("archived task tree %s (%d tasks) as %s", entry.RootTaskID, len(entry.Tasks), entry.ID),
		Archive: archiveToOutput(*entry),
	}, nil
}

func (s *Server) handleListArchive(ctx context.Context, _ *gomcp.CallToolRequest, input listArchiveInput) (*gomcp.CallToolResult, listArchiveOutput, error) {
	entries, err := s.taskMgr.ListArchives(ctx, input.RequestID)
	if err != nil {
		return opError("listing archives", err), listArchiveOutput{}, nil
	}

	out := listArchiveOutput{
		Status:   statusOK,
		Message:  fmt.Sprintf("%d archived tree(s)", len(entries)),
		Archives: make([]archiveOutput, len(entries)),
		Count:    len(entries),
	}
	for i, e := range entries {
		out.Archives[i] = archiveToOutput(e)
	}
	return nil, out, nil
}

func (s *Server) handleGetMetrics(_ context.Context, _ *gomcp.CallToolRequest, input getMetricsInput) (*gomcp.CallToolResult, metricsOutput, error) {
	if s.metricsCalc == nil {
		return errorResult("metrics calculator not available (event log may be disabled)"), emptyMetricsOutput(), nil
	}

	sinceStr := input.Since
	if sinceStr == "" {
		sinceStr = "7d"
	}

	sinceTime, err := observability.ParseSince(sinceStr, time.Now())
	if err != nil {
		return errorResult(fmt.Sprintf("parsing since duration: %s", err)), emptyMetricsOutput(), nil
	}

	metrics, err := s.metricsCalc.Calculate(sinceTime)
	if err != nil {
		return errorResult(fmt.Sprintf("calculating metrics: %s", err)), emptyMetricsOutput(), nil
	}

	out := metricsOutput{
		RequestsCreated:    metrics.RequestsCreated,
		RequestsCompleted:  metrics.RequestsCompleted,
		TasksCreated:       metrics.TasksCreated,
		TasksCompleted:     metrics.TasksCompleted,
		TasksAutoCompleted: metrics.TasksAutoCompleted,
		TasksFailed:        metrics.TasksFailed,
		TasksDeleted:       metrics.TasksDeleted,
		Splits:             metrics.Splits,
		Merges:             metrics.Merges,
		TreesArchived:      metrics.TreesArchived,
		TasksArchived:      metrics.TasksArchived,
		Transitions:        metrics.Transitions,
		LiveByStatus:       metrics.LiveByStatus,
		EventCount:         metrics.EventCount,
	}
	if metrics.OldestEvent != nil {
		out.OldestEvent = metrics.OldestEvent.Format(time.RFC3339)
	}
	if metrics.NewestEvent != nil {
		out.NewestEvent = metrics.NewestEvent.Format(time.RFC3339)
	}

	return nil, out, nil
}

func (s *Server) handleGetAlerts(_ context.Context, _ *gomcp.CallToolRequest, _ getAlertsInput) (*gomcp.CallToolResult, getAlertsOutput, error) {
	if s.alertEngine == nil {
		return errorResult("alert engine not available (event log may be disabled)"), getAlertsOutput{}, nil
	}

	alerts, err := s.alertEngine.Evaluate()
	if err != nil {
		return errorResult(fmt.Sprintf("evaluating alerts: %s", err)), getAlertsOutput{}, nil
	}

	out := getAlertsOutput{
		Alerts: make([]alertOutput, len(alerts)),
		Count:  len(alerts),
	}
	for i, a := range alerts {
		out.Alerts[i] = alertOutput{
			ID:          a.ID,
			Condition:   a.Condition,
			Severity:    string(a.Severity),
			Message:     a.Message,
			RequestID:   a.RequestID,
			TaskID:      a.TaskID,
			TriggeredAt: a.TriggeredAt.Format(time.RFC3339),
		}
	}

	return nil, out, nil
}

// --- Helpers ---

func planToOutput(res *core.PlanResult) planOutput {
	return planOutput{
		Status:  statusOK,
		Message: res.Message,
		Request: requestToOutput(res.Request),
		Tasks:   tasksToOutput(res.Tasks),
	}
}

func statusToOutput(res *core.StatusResult) statusOutput {
	return statusOutput{
		Status:  statusOK,
		Message: res.Message,
		Task:    taskToOutput(res.Task),
		Already: res.Already,
		Cascade: cascadeToOutput(res.Cascade),
	}
}

func removalToOutput(res *core.RemovalResult) removalOutput {
	return removalOutput{
		Status:  statusOK,
		Message: res.Message,
		Removed: res.Removed,
		Cascade: cascadeToOutput(res.Cascade),
	}
}

func dependencyToOutput(res *core.DependencyResult) dependencyOutput {
	return dependencyOutput{
		Status:    statusOK,
		Message:   res.Message,
		TaskID:    res.TaskID,
		DependsOn: res.DependsOn,
		Changed:   res.Changed,
	}
}

func dependenciesToOutput(d *core.TaskDependencies) dependenciesOutput {
	if d == nil {
		return dependenciesOutput{DependsOn: []taskOutput{}, Dependents: []taskOutput{}}
	}
	return dependenciesOutput{
		TaskID:     d.TaskID,
		DependsOn:  tasksToOutput(d.DependsOn),
		Dependents: tasksToOutput(d.Dependents),
		Missing:    d.Missing,
		Met:        d.Met,
	}
}

func emptyMetricsOutput() metricsOutput {
	return metricsOutput{
		Transitions:  make(map[string]int),
		LiveByStatus: make(map[string]int),
	}
}

func errorResult(msg string) *gomcp.CallToolResult {
	return &gomcp.CallToolResult{
		Content: []gomcp.Content{&gomcp.TextContent{Text: msg}},
		IsError: true,
	}
}

// opError reports a TaskManager failure with its kind so agents can tell a
// bad reference from an illegal operation.
func opError(action string, err error) *gomcp.CallToolResult {
	return errorResult(fmt.Sprintf("[%s] %s: %s", core.ErrorKind(err), action, err))
}
