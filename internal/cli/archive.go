package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var archiveRequest string

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Archive resolved task trees and browse the archive",
}

var archiveTreeCmd = &cobra.Command{
	Use:   "tree <root-task-id>",
	Short: "Archive a resolved top-level task tree",
	Long: `Move a top-level task and all of its descendants into the archive.
Every task in the tree must be done or failed. Trees are normally archived
automatically when their last task resolves; this command covers trees that
were resolved before automatic archiving was possible.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTaskMgr(); err != nil {
			return err
		}

		entry, err := TaskMgr.ArchiveTaskTree(commandContext(cmd), args[0])
		if err != nil {
			return fmt.Errorf("archiving task tree: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Archived task tree %s (%d tasks) as %s\n", entry.RootTaskID, len(entry.Tasks), entry.ID)
		return nil
	},
}

var archiveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived task trees",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTaskMgr(); err != nil {
			return err
		}

		entries, err := TaskMgr.ListArchives(commandContext(cmd), archiveRequest)
		if err != nil {
			return fmt.Errorf("listing archives: %w", err)
		}

		w := cmd.OutOrStdout()
		if len(entries) == 0 {
			fmt.Fprintln(w, "No archived task trees.")
			return nil
		}
		for _, e := range entries {
			fmt.Fprintf(w, "%s  %s  %s  %s\n", idStyle.Render(e.ID), e.ArchivedAt.Format("2006-01-02 15:04"), e.RequestID, truncate(e.RequestText, 50))
			fmt.Fprintln(w, renderTaskTree(e.Tasks))
		}
		return nil
	},
}

func init() {
	archiveListCmd.Flags().StringVar(&archiveRequest, "request", "", "Only show trees of this request")
	archiveTreeCmd.ValidArgsFunction = completeTaskIDs

	archiveCmd.AddCommand(archiveTreeCmd, archiveListCmd)
	rootCmd.AddCommand(archiveCmd)
}
