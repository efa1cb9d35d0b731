package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/valter-silva-au/tasktree/pkg/models"
)

// Dashboard panel indices.
const (
	panelRequests = iota
	panelMetrics
	panelAlerts
	panelCount
)

type dashboardModel struct {
	activePanel int
	width       int
	height      int

	requests    []requestSnapshot
	statusCount map[models.TaskStatus]int
	metricsData *metricsSnapshot
	alerts      []alertSnapshot

	loading bool
	err     error
}

type requestSnapshot struct {
	id        string
	text      string
	done      int
	total     int
	completed bool
}

type metricsSnapshot struct {
	tasksCreated   int
	tasksCompleted int
	tasksFailed    int
	splits         int
	merges         int
	treesArchived  int
	eventCount     int
}

type alertSnapshot struct {
	severity string
	message  string
	time     string
}

// dataLoadedMsg carries loaded data back to the model.
type dataLoadedMsg struct {
	requests    []requestSnapshot
	statusCount map[models.TaskStatus]int
	metrics     *metricsSnapshot
	alerts      []alertSnapshot
	err         error
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(1, 2)

	activePanelStyle = panelStyle.BorderForeground(lipgloss.Color("62"))

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			MarginBottom(1)

	severityHigh   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	severityMedium = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	severityLow    = lipgloss.NewStyle().Foreground(lipgloss.Color("69"))

	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func newDashboardModel() dashboardModel {
	return dashboardModel{
		activePanel: panelRequests,
		loading:     true,
		statusCount: make(map[models.TaskStatus]int),
	}
}

func (m dashboardModel) Init() tea.Cmd {
	return loadData
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg.String())
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
	case dataLoadedMsg:
		m.loading = false
		m.err = msg.err
		if msg.err == nil {
			m.requests = msg.requests
			m.statusCount = msg.statusCount
			m.metricsData = msg.metrics
			m.alerts = msg.alerts
		}
	}
	return m, nil
}

func (m dashboardModel) handleKey(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "q", "esc", "ctrl+c":
		return m, tea.Quit
	case "tab", "right", "l":
		m.activePanel = (m.activePanel + 1) % panelCount
	case "shift+tab", "left", "h":
		m.activePanel = (m.activePanel + panelCount - 1) % panelCount
	case "1", "2", "3":
		m.activePanel = int(key[0] - '1')
	case "r":
		m.loading = true
		return m, loadData
	}
	return m, nil
}

func (m dashboardModel) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	header := titleStyle.Render(" tasktree ")
	if m.metricsData != nil {
		header += mutedStyle.Render(fmt.Sprintf("  %d events in the last 7 days", m.metricsData.eventCount))
	}
	footer := helpStyle.Render("tab/1-3: switch panel | r: refresh | q: quit")

	switch {
	case m.loading:
		return header + "\n\n  Loading data...\n\n" + footer
	case m.err != nil:
		return header + "\n\n  Error: " + m.err.Error() + "\n\n" + footer
	}

	return header + "\n\n" + m.layout() + "\n\n" + footer
}

// layout places the panels side by side on wide terminals and stacks them
// otherwise.
func (m dashboardModel) layout() string {
	renderers := [panelCount]func(width int) string{
		panelRequests: m.requestsPanel,
		panelMetrics:  m.metricsPanel,
		panelAlerts:   m.alertsPanel,
	}

	usable := m.width - 2
	wide := usable > 120
	width := max(usable-4, 20)
	if wide {
		width = usable/panelCount - 4
	}

	panels := make([]string, 0, panelCount)
	for i, render := range renderers {
		style := panelStyle
		if i == m.activePanel {
			style = activePanelStyle
		}
		panels = append(panels, style.Width(width).Render(render(width)))
	}

	if wide {
		return lipgloss.JoinHorizontal(lipgloss.Top, panels...)
	}
	return lipgloss.JoinVertical(lipgloss.Left, panels...)
}

func (m dashboardModel) requestsPanel(width int) string {
	lines := []string{headerStyle.Render("Requests")}
	if len(m.requests) == 0 {
		return strings.Join(append(lines, "  No requests found."), "\n")
	}

	barWidth := min(max(width/4, 5), 20)
	for _, r := range m.requests {
		label := idStyle.Render(r.id)
		if r.completed {
			label += " " + statusDone.Render("done")
		}
		lines = append(lines,
			label+"  "+truncate(r.text, max(width-len(r.id)-8, 10)),
			"  "+progressBar(r.done, r.total, barWidth)+fmt.Sprintf(" %d/%d", r.done, r.total),
		)
	}

	var counts []string
	for _, status := range models.ValidStatuses() {
		if n := m.statusCount[status]; n > 0 {
			counts = append(counts, styleForStatus(status).Render(fmt.Sprintf("%s %d", status, n)))
		}
	}
	if len(counts) > 0 {
		lines = append(lines, "", strings.Join(counts, mutedStyle.Render(" · ")))
	}
	return strings.Join(lines, "\n")
}

func (m dashboardModel) metricsPanel(int) string {
	lines := []string{headerStyle.Render("Metrics (7d)")}
	md := m.metricsData
	if md == nil {
		return strings.Join(append(lines, "  No metrics available."), "\n")
	}

	for _, row := range [][2]any{
		{"Created", md.tasksCreated},
		{"Completed", md.tasksCompleted},
		{"Failed", md.tasksFailed},
		{"Splits", md.splits},
		{"Merges", md.merges},
		{"Archived", md.treesArchived},
	} {
		lines = append(lines, fmt.Sprintf("  %-12s %d", row[0], row[1]))
	}
	return strings.Join(lines, "\n")
}

func (m dashboardModel) alertsPanel(int) string {
	lines := []string{headerStyle.Render("Alerts")}
	if len(m.alerts) == 0 {
		return strings.Join(append(lines, "  No active alerts."), "\n")
	}

	for _, a := range m.alerts {
		tag := styleForSeverity(a.severity).Render("[" + strings.ToUpper(a.severity) + "]")
		lines = append(lines, "  "+tag+" "+a.message, mutedStyle.Render("    "+a.time))
	}
	lines = append(lines, "", fmt.Sprintf("  Total: %d alert(s)", len(m.alerts)))
	return strings.Join(lines, "\n")
}

// progressBar renders done/total as a fixed width bar.
func progressBar(done, total, width int) string {
	filled := 0
	if total > 0 {
		filled = min(done*width/total, width)
	}
	return statusDone.Render(strings.Repeat("█", filled)) + mutedStyle.Render(strings.Repeat("░", width-filled))
}

func styleForSeverity(severity string) lipgloss.Style {
	switch strings.ToLower(severity) {
	case "high":
		return severityHigh
	case "medium":
		return severityMedium
	case "low":
		return severityLow
	default:
		return lipgloss.NewStyle()
	}
}

func loadData() tea.Msg {
	result := dataLoadedMsg{statusCount: make(map[models.TaskStatus]int)}
	ctx := context.Background()

	if TaskMgr != nil {
		reqs, err := TaskMgr.ListRequests(ctx)
		if err != nil {
			result.err = fmt.Errorf("loading requests: %w", err)
			return result
		}
		for _, r := range reqs {
			result.requests = append(result.requests, requestSnapshot{
				id:        r.Request.ID,
				text:      r.Request.OriginalRequest,
				done:      r.Progress.Done,
				total:     r.Progress.Total,
				completed: r.Request.Completed,
			})
			result.statusCount[models.StatusPending] += r.Progress.Pending
			result.statusCount[models.StatusActive] += r.Progress.Active
			result.statusCount[models.StatusRequiresClarification] += r.Progress.RequiresClarification
			result.statusCount[models.StatusDone] += r.Progress.Done
			result.statusCount[models.StatusFailed] += r.Progress.Failed
			result.statusCount[models.StatusSplit] += r.Progress.Split
		}
	}

	if MetricsCalc != nil {
		since := time.Now().UTC().AddDate(0, 0, -7)
		metrics, err := MetricsCalc.Calculate(since)
		if err != nil {
			result.err = fmt.Errorf("loading metrics: %w", err)
			return result
		}
		result.metrics = &metricsSnapshot{
			tasksCreated:   metrics.TasksCreated,
			tasksCompleted: metrics.TasksCompleted,
			tasksFailed:    metrics.TasksFailed,
			splits:         metrics.Splits,
			merges:         metrics.Merges,
			treesArchived:  metrics.TreesArchived,
			eventCount:     metrics.EventCount,
		}
	}

	if AlertEngine != nil {
		alerts, err := AlertEngine.Evaluate()
		if err != nil {
			result.err = fmt.Errorf("loading alerts: %w", err)
			return result
		}

		sort.SliceStable(alerts, func(i, j int) bool {
			return severityRank(string(alerts[i].Severity)) < severityRank(string(alerts[j].Severity))
		})

		result.alerts = make([]alertSnapshot, 0, len(alerts))
		for _, a := range alerts {
			result.alerts = append(result.alerts, alertSnapshot{
				severity: string(a.Severity),
				message:  a.Message,
				time:     a.TriggeredAt.Format("2006-01-02 15:04 UTC"),
			})
		}
	}

	return result
}

func severityRank(s string) int {
	switch s {
	case "high":
		return 0
	case "medium":
		return 1
	case "low":
		return 2
	default:
		return 3
	}
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Interactive TUI dashboard for requests, metrics and alerts",
	Long: `Launch an interactive terminal dashboard showing request progress,
metrics, and alerts.

Navigate between panels with Tab, refresh with r, quit with q.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTaskMgr(); err != nil {
			return err
		}
		p := tea.NewProgram(newDashboardModel(), tea.WithAltScreen())
		_, err := p.Run()
		return err
	},
}

func init() {
	rootCmd.AddCommand(dashboardCmd)
}
