package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/valter-silva-au/tasktree/internal/core"
	"gopkg.in/yaml.v3"
)

var (
	requestPlanFile string
	requestAddFile  string
)

var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Plan and inspect requests",
}

var requestPlanCmd = &cobra.Command{
	Use:   "plan",
	Short: "Create a request from a YAML plan",
	Long: `Create a request and its task trees from a YAML plan file.

The plan has the same shape as the request_planning tool input:

  original_request: Build the login page
  split_details: API first, then UI
  tasks:
    - ref: api
      title: Login API
      priority: high
      subtasks:
        - title: Handler
        - title: Tests
    - title: Login form
      depends_on: [api]

Use --file - to read the plan from stdin.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTaskMgr(); err != nil {
			return err
		}

		var in core.PlanInput
		if err := readYAML(cmd, requestPlanFile, &in); err != nil {
			return err
		}
		if err := checkDefinitions(in.Tasks); err != nil {
			return err
		}

		res, err := TaskMgr.PlanRequest(commandContext(cmd), in)
		if err != nil {
			return fmt.Errorf("planning request: %w", err)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintln(w, res.Message)
		fmt.Fprintln(w, renderTaskTree(res.Tasks))
		return nil
	},
}

var requestAddCmd = &cobra.Command{
	Use:   "add <request-id>",
	Short: "Append tasks from a YAML file to a request",
	Long: `Append task trees to an existing request. The file holds a YAML list of
task definitions, in the same shape as the tasks of a plan.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTaskMgr(); err != nil {
			return err
		}

		var defs []core.TaskDefinition
		if err := readYAML(cmd, requestAddFile, &defs); err != nil {
			return err
		}
		if err := checkDefinitions(defs); err != nil {
			return err
		}

		res, err := TaskMgr.AddTasks(commandContext(cmd), args[0], defs)
		if err != nil {
			return fmt.Errorf("adding tasks: %w", err)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintln(w, res.Message)
		fmt.Fprintln(w, renderTaskTree(res.Tasks))
		return nil
	},
}

var requestListCmd = &cobra.Command{
	Use:   "list",
	Short: "List requests with their progress",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTaskMgr(); err != nil {
			return err
		}

		reqs, err := TaskMgr.ListRequests(commandContext(cmd))
		if err != nil {
			return fmt.Errorf("listing requests: %w", err)
		}

		w := cmd.OutOrStdout()
		if len(reqs) == 0 {
			fmt.Fprintln(w, "No requests.")
			return nil
		}

		for _, r := range reqs {
			state := "open"
			if r.Request.Completed {
				state = "completed"
			}
			fmt.Fprintf(w, "%-10s %-9s %3d/%-3d %s\n",
				r.Request.ID, state, r.Progress.Done, r.Progress.Total, truncate(r.Request.OriginalRequest, 60))
		}
		return nil
	},
}

var requestShowCmd = &cobra.Command{
	Use:   "show <request-id>",
	Short: "Show a request and its task tree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTaskMgr(); err != nil {
			return err
		}

		d, err := TaskMgr.GetRequest(commandContext(cmd), args[0])
		if err != nil {
			return fmt.Errorf("showing request: %w", err)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%s %s\n", idStyle.Render(d.Request.ID), d.Request.OriginalRequest)
		if d.Request.SplitDetails != "" {
			fmt.Fprintf(w, "  Split: %s\n", d.Request.SplitDetails)
		}
		printProgress(w, d.Progress)
		if len(d.Tasks) == 0 {
			fmt.Fprintln(w, "  No live tasks (resolved trees are archived).")
			return nil
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, renderTaskTree(d.Tasks))
		return nil
	},
}

var nextCmd = &cobra.Command{
	Use:   "next <request-id>",
	Short: "Select the next actionable task of a request",
	Long: `Select the next actionable task and mark it active, exactly as the
get_next_task tool does. Parents on the path to the task are activated too.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTaskMgr(); err != nil {
			return err
		}

		res, err := TaskMgr.NextTask(commandContext(cmd), args[0])
		if err != nil {
			return fmt.Errorf("selecting next task: %w", err)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintln(w, res.Message)
		if res.Task != nil {
			printTaskDetails(w, *res.Task)
		}
		printProgress(w, res.Progress)
		return nil
	},
}

// readYAML decodes path, or stdin when path is "-", into out.
func readYAML(cmd *cobra.Command, path string, out any) error {
	if path == "" {
		return fmt.Errorf("--file is required")
	}

	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func init() {
	requestPlanCmd.Flags().StringVarP(&requestPlanFile, "file", "f", "", "YAML plan file (- for stdin)")
	requestAddCmd.Flags().StringVarP(&requestAddFile, "file", "f", "", "YAML task list file (- for stdin)")
	requestAddCmd.ValidArgsFunction = completeRequestIDs
	requestShowCmd.ValidArgsFunction = completeRequestIDs
	nextCmd.ValidArgsFunction = completeRequestIDs

	requestCmd.AddCommand(requestPlanCmd, requestAddCmd, requestListCmd, requestShowCmd)
	rootCmd.AddCommand(requestCmd, nextCmd)
}
