package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/valter-silva-au/tasktree/internal/observability"
)

var (
	metricsJSON  bool
	metricsSince string
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Display request and task metrics",
	Long: `Display aggregated metrics derived from the event log.

Metrics include request and task outcome counts, splits, merges, archived
trees, status transitions within the window, and live tasks by status.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if MetricsCalc == nil {
			return fmt.Errorf("metrics calculator not initialized (event log may be disabled)")
		}

		sinceTime, err := parseSinceDuration(metricsSince)
		if err != nil {
			return fmt.Errorf("parsing --since: %w", err)
		}

		metrics, err := MetricsCalc.Calculate(sinceTime)
		if err != nil {
			return fmt.Errorf("calculating metrics: %w", err)
		}

		w := cmd.OutOrStdout()
		if metricsJSON {
			data, err := json.MarshalIndent(metrics, "", "  ")
			if err != nil {
				return fmt.Errorf("formatting metrics as JSON: %w", err)
			}
			fmt.Fprintln(w, string(data))
			return nil
		}

		fmt.Fprintf(w, "Metrics (since %s)\n\n", sinceTime.Format("2006-01-02 15:04"))
		for _, row := range []struct {
			label string
			value int
		}{
			{"Events recorded:", metrics.EventCount},
			{"Requests created:", metrics.RequestsCreated},
			{"Requests completed:", metrics.RequestsCompleted},
			{"Tasks created:", metrics.TasksCreated},
			{"Tasks completed:", metrics.TasksCompleted},
			{"  auto-completed:", metrics.TasksAutoCompleted},
			{"Tasks failed:", metrics.TasksFailed},
			{"Tasks deleted:", metrics.TasksDeleted},
			{"Splits:", metrics.Splits},
			{"Merges:", metrics.Merges},
			{"Trees archived:", metrics.TreesArchived},
			{"Tasks archived:", metrics.TasksArchived},
		} {
			fmt.Fprintf(w, "  %-24s %d\n", row.label, row.value)
		}

		printCounts(w, "Status transitions:", metrics.Transitions)
		printCounts(w, "Live tasks by status:", metrics.LiveByStatus)

		if metrics.OldestEvent != nil {
			fmt.Fprintf(w, "\n  %-24s %s\n", "Oldest event:", metrics.OldestEvent.Format(time.RFC3339))
		}
		if metrics.NewestEvent != nil {
			fmt.Fprintf(w, "  %-24s %s\n", "Newest event:", metrics.NewestEvent.Format(time.RFC3339))
		}

		return nil
	},
}

func printCounts(w io.Writer, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(w, "\n  %s\n", title)
	for _, k := range keys {
		fmt.Fprintf(w, "    %-30s %d\n", k+":", counts[k])
	}
}

// parseSinceDuration parses --since, defaulting to a seven day window.
func parseSinceDuration(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		s = "7d"
	}
	return observability.ParseSince(s, time.Now())
}

func init() {
	metricsCmd.Flags().BoolVar(&metricsJSON, "json", false, "Output metrics as JSON")
	metricsCmd.Flags().StringVar(&metricsSince, "since", "7d", "Time window for metrics (e.g. 7d, 30d, 24h)")
	rootCmd.AddCommand(metricsCmd)
}
