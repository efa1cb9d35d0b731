package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var depsCmd = &cobra.Command{
	Use:     "deps",
	Aliases: []string{"dependencies"},
	Short:   "Manage dependencies between tasks",
}

var depsAddCmd = &cobra.Command{
	Use:   "add <task-id> <depends-on-id>",
	Short: "Make a task wait for another task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTaskMgr(); err != nil {
			return err
		}

		res, err := TaskMgr.AddDependency(commandContext(cmd), args[0], args[1])
		if err != nil {
			return fmt.Errorf("adding dependency: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), res.Message)
		return nil
	},
}

var depsRemoveCmd = &cobra.Command{
	Use:   "remove <task-id> <depends-on-id>",
	Short: "Drop a dependency edge",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTaskMgr(); err != nil {
			return err
		}

		res, err := TaskMgr.RemoveDependency(commandContext(cmd), args[0], args[1])
		if err != nil {
			return fmt.Errorf("removing dependency: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), res.Message)
		return nil
	},
}

var depsShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show what a task waits on and what waits on it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTaskMgr(); err != nil {
			return err
		}

		deps, err := TaskMgr.GetTaskDependencies(commandContext(cmd), args[0])
		if err != nil {
			return fmt.Errorf("getting dependencies: %w", err)
		}

		w := cmd.OutOrStdout()
		state := "unmet"
		if deps.Met {
			state = "met"
		}
		fmt.Fprintf(w, "%s: dependencies %s\n", deps.TaskID, state)
		fmt.Fprintln(w, "  Depends on:")
		if len(deps.DependsOn) == 0 && len(deps.Missing) == 0 {
			fmt.Fprintln(w, "    (none)")
		}
		for _, t := range deps.DependsOn {
			fmt.Fprintf(w, "    %s\n", taskLine(t))
		}
		for _, id := range deps.Missing {
			fmt.Fprintf(w, "    %s (missing)\n", id)
		}
		fmt.Fprintln(w, "  Dependents:")
		if len(deps.Dependents) == 0 {
			fmt.Fprintln(w, "    (none)")
		}
		for _, t := range deps.Dependents {
			fmt.Fprintf(w, "    %s\n", taskLine(t))
		}
		return nil
	},
}

var depsValidateCmd = &cobra.Command{
	Use:   "validate <request-id>",
	Short: "Report missing dependencies and cycles in a request",
	Long: `Check every dependency edge of a request. Edges pointing at tasks that no
longer exist and edges that close a cycle are reported; the command exits
non-zero when any issue is found.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTaskMgr(); err != nil {
			return err
		}

		issues, err := TaskMgr.ValidateDependencies(commandContext(cmd), args[0])
		if err != nil {
			return fmt.Errorf("validating dependencies: %w", err)
		}

		w := cmd.OutOrStdout()
		if len(issues) == 0 {
			fmt.Fprintf(w, "Dependency graph of %s is valid.\n", args[0])
			return nil
		}
		for _, is := range issues {
			fmt.Fprintf(w, "  [%s] %s\n", is.Kind, is.Message)
		}
		return fmt.Errorf("%d dependency issue(s) in %s", len(issues), args[0])
	},
}

func init() {
	depsAddCmd.ValidArgsFunction = completeTaskIDs
	depsRemoveCmd.ValidArgsFunction = completeTaskIDs
	depsShowCmd.ValidArgsFunction = completeTaskIDs
	depsValidateCmd.ValidArgsFunction = completeRequestIDs

	depsCmd.AddCommand(depsAddCmd, depsRemoveCmd, depsShowCmd, depsValidateCmd)
	rootCmd.AddCommand(depsCmd)
}
