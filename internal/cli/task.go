package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/valter-silva-au/tasktree/internal/core"
	"github.com/valter-silva-au/tasktree/pkg/models"
)

var (
	taskDoneDetails   string
	taskDoneArtifacts []string
	taskDoneSummary   string

	taskFailRetry string

	taskSplitFile string

	taskMergeTitle    string
	taskMergePriority string

	taskUpdateTitle       string
	taskUpdatePriority    string
	taskUpdateDescription string
	taskUpdateArtifacts   []string

	subtaskTitle     string
	subtaskPriority  string
	subtaskDependsOn []string
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and operate on individual tasks",
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a task with its subtasks and dependencies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTaskMgr(); err != nil {
			return err
		}

		d, err := TaskMgr.GetTask(commandContext(cmd), args[0])
		if err != nil {
			return fmt.Errorf("showing task: %w", err)
		}

		w := cmd.OutOrStdout()
		printTaskDetails(w, d.Task)
		if len(d.Subtasks) > 0 {
			fmt.Fprintln(w, "  Subtasks:")
			for _, s := range d.Subtasks {
				fmt.Fprintf(w, "    %s\n", taskLine(s))
			}
		}
		if deps := d.Dependencies; deps != nil && (len(deps.DependsOn) > 0 || len(deps.Missing) > 0) {
			state := "unmet"
			if deps.Met {
				state = "met"
			}
			fmt.Fprintf(w, "  Dependencies (%s):\n", state)
			for _, dep := range deps.DependsOn {
				fmt.Fprintf(w, "    %s\n", taskLine(dep))
			}
			for _, id := range deps.Missing {
				fmt.Fprintf(w, "    %s (missing)\n", id)
			}
		}
		return nil
	},
}

var taskDoneCmd = &cobra.Command{
	Use:   "done <task-id>",
	Short: "Mark a task done",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTaskMgr(); err != nil {
			return err
		}

		res, err := TaskMgr.MarkTaskDone(commandContext(cmd), args[0], core.DoneInput{
			CompletedDetails: taskDoneDetails,
			Artifacts:        taskDoneArtifacts,
			Summary:          taskDoneSummary,
		})
		if err != nil {
			return fmt.Errorf("marking task done: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), res.Message)
		return nil
	},
}

var taskFailCmd = &cobra.Command{
	Use:   "fail <task-id> <reason>",
	Short: "Mark a task failed",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTaskMgr(); err != nil {
			return err
		}

		res, err := TaskMgr.MarkTaskFailed(commandContext(cmd), args[0], core.FailInput{
			Reason:                 strings.Join(args[1:], " "),
			SuggestedRetryStrategy: taskFailRetry,
		})
		if err != nil {
			return fmt.Errorf("marking task failed: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), res.Message)
		return nil
	},
}

var taskClarifyCmd = &cobra.Command{
	Use:   "clarify <task-id> <question>",
	Short: "Pause a task until a question is answered",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTaskMgr(); err != nil {
			return err
		}

		res, err := TaskMgr.RequestClarification(commandContext(cmd), args[0], strings.Join(args[1:], " "))
		if err != nil {
			return fmt.Errorf("requesting clarification: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), res.Message)
		return nil
	},
}

var taskAnswerCmd = &cobra.Command{
	Use:     "answer <task-id> <response>",
	Aliases: []string{"resume"},
	Short:   "Answer a pending clarification and resume the task",
	Args:    cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTaskMgr(); err != nil {
			return err
		}

		res, err := TaskMgr.ProvideClarification(commandContext(cmd), args[0], strings.Join(args[1:], " "))
		if err != nil {
			return fmt.Errorf("providing clarification: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), res.Message)
		return nil
	},
}

var taskUpdateCmd = &cobra.Command{
	Use:   "update <task-id>",
	Short: "Edit the descriptive fields of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTaskMgr(); err != nil {
			return err
		}

		var upd core.TaskUpdate
		flags := cmd.Flags()
		if flags.Changed("title") {
			upd.Title = &taskUpdateTitle
		}
		if flags.Changed("description") {
			upd.Description = &taskUpdateDescription
		}
		if flags.Changed("priority") {
			p, err := parsePriority(taskUpdatePriority)
			if err != nil {
				return err
			}
			upd.Priority = &p
		}
		upd.Artifacts = taskUpdateArtifacts

		task, err := TaskMgr.UpdateTask(commandContext(cmd), args[0], upd)
		if err != nil {
			return fmt.Errorf("updating task: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Updated %s\n", taskLine(*task))
		return nil
	},
}

var taskAddSubtaskCmd = &cobra.Command{
	Use:   "add-subtask <parent-id>",
	Short: "Attach a new subtask to a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTaskMgr(); err != nil {
			return err
		}
		if subtaskTitle == "" {
			return fmt.Errorf("--title is required")
		}
		p, err := parsePriority(subtaskPriority)
		if err != nil {
			return err
		}

		task, err := TaskMgr.AddSubtask(commandContext(cmd), args[0], core.TaskDefinition{
			Title:     subtaskTitle,
			Priority:  p,
			DependsOn: subtaskDependsOn,
		})
		if err != nil {
			return fmt.Errorf("adding subtask: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added %s\n", taskLine(*task))
		return nil
	},
}

var taskRemoveSubtaskCmd = &cobra.Command{
	Use:   "remove-subtask <parent-id> <subtask-id>",
	Short: "Remove a subtask and its descendants",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTaskMgr(); err != nil {
			return err
		}

		res, err := TaskMgr.RemoveSubtask(commandContext(cmd), args[0], args[1])
		if err != nil {
			return fmt.Errorf("removing subtask: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), res.Message)
		return nil
	},
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete <task-id>",
	Short: "Delete a task and its descendants",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTaskMgr(); err != nil {
			return err
		}

		res, err := TaskMgr.DeleteTask(commandContext(cmd), args[0])
		if err != nil {
			return fmt.Errorf("deleting task: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), res.Message)
		return nil
	},
}

var taskSplitCmd = &cobra.Command{
	Use:   "split <task-id>",
	Short: "Replace a task with subtasks read from a YAML file",
	Long: `Split a task into subtasks. The file holds a YAML list of task definitions;
the task becomes split and completes once every subtask is resolved.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTaskMgr(); err != nil {
			return err
		}

		var defs []core.TaskDefinition
		if err := readYAML(cmd, taskSplitFile, &defs); err != nil {
			return err
		}
		if err := checkDefinitions(defs); err != nil {
			return err
		}

		res, err := TaskMgr.SplitTask(commandContext(cmd), args[0], defs)
		if err != nil {
			return fmt.Errorf("splitting task: %w", err)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintln(w, res.Message)
		for _, s := range res.Subtasks {
			fmt.Fprintf(w, "  %s\n", taskLine(s))
		}
		return nil
	},
}

var taskMergeCmd = &cobra.Command{
	Use:   "merge <primary-id> <source-id>...",
	Short: "Fold source tasks into a primary task",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTaskMgr(); err != nil {
			return err
		}
		var p models.Priority
		if taskMergePriority != "" {
			var err error
			if p, err = parsePriority(taskMergePriority); err != nil {
				return err
			}
		}

		res, err := TaskMgr.MergeTasks(commandContext(cmd), args[0], args[1:], core.MergeOverrides{
			Title:    taskMergeTitle,
			Priority: p,
		})
		if err != nil {
			return fmt.Errorf("merging tasks: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), res.Message)
		return nil
	},
}

// parsePriority validates a --priority flag. Empty means the default.
func parsePriority(s string) (models.Priority, error) {
	if s == "" {
		return models.PriorityMedium, nil
	}
	p := models.Priority(strings.ToLower(s))
	if !p.IsValid() {
		return "", fmt.Errorf("invalid priority %q: must be one of critical, high, medium, low", s)
	}
	return p, nil
}

// checkDefinitions normalises the priorities of defs and their subtasks,
// rejecting any value outside the known set.
func checkDefinitions(defs []core.TaskDefinition) error {
	type item struct {
		def  *core.TaskDefinition
		path string
	}
	var stack []item
	for i := len(defs) - 1; i >= 0; i-- {
		stack = append(stack, item{&defs[i], fmt.Sprintf("task %d", i+1)})
	}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if it.def.Priority != "" {
			p, err := parsePriority(string(it.def.Priority))
			if err != nil {
				return fmt.Errorf("%s: %w", it.path, err)
			}
			it.def.Priority = p
		}
		subs := it.def.Subtasks
		for i := len(subs) - 1; i >= 0; i-- {
			stack = append(stack, item{&subs[i], fmt.Sprintf("%s.%d", it.path, i+1)})
		}
	}
	return nil
}

func init() {
	taskDoneCmd.Flags().StringVar(&taskDoneDetails, "details", "", "What was done")
	taskDoneCmd.Flags().StringSliceVar(&taskDoneArtifacts, "artifact", nil, "Produced file or URL (repeatable)")
	taskDoneCmd.Flags().StringVar(&taskDoneSummary, "summary", "", "Longer summary stored outside the task")

	taskFailCmd.Flags().StringVar(&taskFailRetry, "retry", "", "Suggested retry strategy")

	taskUpdateCmd.Flags().StringVar(&taskUpdateTitle, "title", "", "New title")
	taskUpdateCmd.Flags().StringVar(&taskUpdateDescription, "description", "", "New description")
	taskUpdateCmd.Flags().StringVar(&taskUpdatePriority, "priority", "", "New priority (critical, high, medium, low)")
	taskUpdateCmd.Flags().StringSliceVar(&taskUpdateArtifacts, "artifact", nil, "Artifact to append (repeatable)")

	taskAddSubtaskCmd.Flags().StringVar(&subtaskTitle, "title", "", "Subtask title")
	taskAddSubtaskCmd.Flags().StringVar(&subtaskPriority, "priority", "", "Subtask priority (default medium)")
	taskAddSubtaskCmd.Flags().StringSliceVar(&subtaskDependsOn, "depends-on", nil, "Task ids the subtask waits on")

	taskSplitCmd.Flags().StringVarP(&taskSplitFile, "file", "f", "", "YAML list of subtask definitions (- for stdin)")

	taskMergeCmd.Flags().StringVar(&taskMergeTitle, "title", "", "Replacement title for the merged task")
	taskMergeCmd.Flags().StringVar(&taskMergePriority, "priority", "", "Replacement priority")

	for _, c := range []*cobra.Command{
		taskShowCmd, taskDoneCmd, taskFailCmd, taskClarifyCmd, taskAnswerCmd,
		taskUpdateCmd, taskAddSubtaskCmd, taskDeleteCmd, taskSplitCmd,
	} {
		c.ValidArgsFunction = completeTaskIDs
	}

	taskCmd.AddCommand(
		taskShowCmd, taskDoneCmd, taskFailCmd, taskClarifyCmd, taskAnswerCmd,
		taskUpdateCmd, taskAddSubtaskCmd, taskRemoveSubtaskCmd, taskDeleteCmd,
		taskSplitCmd, taskMergeCmd,
	)
	rootCmd.AddCommand(taskCmd)
}
