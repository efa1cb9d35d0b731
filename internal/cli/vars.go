package cli

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/valter-silva-au/tasktree/internal/core"
	"github.com/valter-silva-au/tasktree/internal/observability"
)

// Service instances, set during app initialization in app.go.
var (
	TaskMgr     core.TaskManager
	EventLog    observability.EventLog
	AlertEngine observability.AlertEngine
	MetricsCalc observability.MetricsCalculator
	Notifier    observability.Notifier

	// BasePath is the resolved tasktree home directory.
	BasePath string
)

func requireTaskMgr() error {
	if TaskMgr == nil {
		return errNotInitialized
	}
	return nil
}

// commandContext returns the command's context, or Background when the
// command runs outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
