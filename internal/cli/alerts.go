package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var alertsNotify bool

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Show active alerts and warnings",
	Long: `Evaluate alert conditions against the event log and display any triggered alerts.

Alerts check for clarifications left unanswered, active tasks with no recent
activity, and the number of pending tasks. Use --notify to also send the
alerts to the configured Slack webhook.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if AlertEngine == nil {
			return fmt.Errorf("alert engine not initialized (event log may be disabled)")
		}

		alerts, err := AlertEngine.Evaluate()
		if err != nil {
			return fmt.Errorf("evaluating alerts: %w", err)
		}

		w := cmd.OutOrStdout()
		if len(alerts) == 0 {
			fmt.Fprintln(w, "No active alerts.")
			return nil
		}

		fmt.Fprintf(w, "%d active alert(s):\n\n", len(alerts))
		for _, alert := range alerts {
			severity := strings.ToUpper(string(alert.Severity))
			fmt.Fprintf(w, "  [%s] %s\n", severity, alert.Message)
			fmt.Fprintf(w, "         triggered at %s\n\n", alert.TriggeredAt.Format("2006-01-02 15:04 UTC"))
		}

		if alertsNotify {
			if Notifier == nil {
				return fmt.Errorf("notifier not configured (set notifications.slack.webhook_url in .taskconfig)")
			}
			if err := Notifier.Notify(commandContext(cmd), alerts); err != nil {
				return fmt.Errorf("sending notifications: %w", err)
			}
			fmt.Fprintf(w, "Sent %d alert(s) to Slack.\n", len(alerts))
		}

		return nil
	},
}

func init() {
	alertsCmd.Flags().BoolVar(&alertsNotify, "notify", false, "Send alerts to the configured Slack webhook")
	rootCmd.AddCommand(alertsCmd)
}
