// Package slack delivers dispatch notifications to Slack via incoming
// webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/dispatch/internal/dispatch"
)

const (
	maxFieldLen = 3000
	httpTimeout = 10 * time.Second
)

// Notifier sends assignment and outage notifications to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Send posts the notification to the configured webhook.
func (n *Notifier) Send(ctx context.Context, note *dispatch.Notification) error {
	if n.webhookURL == "" {
		return nil
	}

	msg := buildMessage(note)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info(ctx, "notification sent", "kind", string(note.Kind))
	return nil
}

func buildMessage(note *dispatch.Notification) map[string]any {
	if note.Kind == dispatch.NotifyOutage {
		return outageMessage(note)
	}
	return assignmentMessage(note)
}

func outageMessage(note *dispatch.Notification) map[string]any {
	reason := note.Reason
	if reason == "" {
		reason = "Multiple high-severity tickets detected."
	}
	return map[string]any{
		"blocks": []map[string]any{
			{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": "\U0001f6a8 War Room Initiated",
				},
			},
			{"type": "divider"},
			{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": truncate(reason, maxFieldLen),
				},
			},
		},
	}
}

func assignmentMessage(note *dispatch.Notification) map[string]any {
	var severity, techStack, reasoning, assignee string
	if note.Decision != nil {
		severity = note.Decision.Severity
		techStack = note.Decision.TechStack
		reasoning = note.Decision.Reasoning
		assignee = note.Decision.AssignedTo
	}
	if note.Ticket != nil {
		assignee = note.Ticket.AssignedTo
	}

	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:* %s", severity)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Tech stack:* %s", techStack)},
	}

	blocks := []map[string]any{
		{
			"type": "header",
			"text": map[string]any{
				"type": "plain_text",
				"text": fmt.Sprintf("%s Assignment: %s", severityEmoji(severity), assignee),
			},
		},
		{"type": "divider"},
		{"type": "section", "fields": fields},
		{
			"type": "section",
			"text": map[string]any{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*Issue*\n\n%s", truncate(note.Issue, maxFieldLen)),
			},
		},
	}

	if reasoning != "" {
		blocks = append(blocks, map[string]any{
			"type": "section",
			"text": map[string]any{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*Reasoning*\n\n%s", truncate(reasoning, maxFieldLen)),
			},
		})
	}

	if note.Ticket != nil {
		blocks = append(blocks, map[string]any{
			"type": "context",
			"elements": []map[string]any{
				{
					"type": "mrkdwn",
					"text": fmt.Sprintf("dispatch • ticket %s • %s",
						note.Ticket.ID,
						note.Ticket.AssignedAt.UTC().Format("2006-01-02 15:04 UTC")),
				},
			},
		})
	}

	return map[string]any{"blocks": blocks}
}

func severityEmoji(severity string) string {
	if severity == dispatch.SeverityOutage {
		return "\U0001f534" // red circle
	}
	return "\U0001f7e2" // green circle
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
