package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Notifier sends alert notifications to external channels.
type Notifier interface {
	Notify(ctx context.Context, alerts []Alert) error
}

// slackNotifier posts alert digests to a Slack incoming webhook.
type slackNotifier struct {
	webhookURL string
	client     *http.Client
}

// NewSlackNotifier creates a Notifier that posts to the given webhook URL.
func NewSlackNotifier(webhookURL string) Notifier {
	return &slackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

type slackMessage struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

type slackBlock struct {
	Type     string      `json:"type"`
	Text     *slackText  `json:"text,omitempty"`
	Elements []slackText `json:"elements,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Notify posts one digest for all alerts. An empty slice sends nothing.
func (s *slackNotifier) Notify(ctx context.Context, alerts []Alert) error {
	if len(alerts) == 0 {
		return nil
	}

	body, err := json.Marshal(buildDigest(alerts))
	if err != nil {
		return fmt.Errorf("encoding slack digest: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to slack webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// buildDigest groups alerts by request, most severe first. Alerts that are
// not tied to a request go into a trailing workspace section.
func buildDigest(alerts []Alert) slackMessage {
	byRequest := make(map[string][]Alert)
	var requests []string
	for _, a := range alerts {
		if _, seen := byRequest[a.RequestID]; !seen && a.RequestID != "" {
			requests = append(requests, a.RequestID)
		}
		byRequest[a.RequestID] = append(byRequest[a.RequestID], a)
	}
	sort.Strings(requests)

	summary := fmt.Sprintf("tasktree: %d alert(s)", len(alerts))
	msg := slackMessage{
		Text:   summary,
		Blocks: []slackBlock{{Type: "header", Text: &slackText{Type: "plain_text", Text: summary}}},
	}

	section := func(title string, group []Alert) {
		sort.SliceStable(group, func(i, j int) bool {
			return severityOrder(group[i].Severity) < severityOrder(group[j].Severity)
		})
		var b strings.Builder
		fmt.Fprintf(&b, "*%s*", title)
		for _, a := range group {
			fmt.Fprintf(&b, "\n%s *%s* %s", severityEmoji(a.Severity), strings.ToUpper(string(a.Severity)), a.Message)
		}
		msg.Blocks = append(msg.Blocks, slackBlock{Type: "section", Text: &slackText{Type: "mrkdwn", Text: b.String()}})
	}

	for _, id := range requests {
		section("Request `"+id+"`", byRequest[id])
	}
	if global := byRequest[""]; len(global) > 0 {
		section("Workspace", global)
	}

	msg.Blocks = append(msg.Blocks, slackBlock{
		Type:     "context",
		Elements: []slackText{{Type: "mrkdwn", Text: "Evaluated " + alerts[0].TriggeredAt.UTC().Format("2006-01-02 15:04 UTC")}},
	})
	return msg
}

func severityOrder(s AlertSeverity) int {
	switch s {
	case SeverityHigh:
		return 0
	case SeverityMedium:
		return 1
	case SeverityLow:
		return 2
	}
	return 3
}

func severityEmoji(s AlertSeverity) string {
	switch s {
	case SeverityHigh:
		return ":red_circle:"
	case SeverityMedium:
		return ":large_yellow_circle:"
	case SeverityLow:
		return ":large_blue_circle:"
	}
	return ":grey_question:"
}
