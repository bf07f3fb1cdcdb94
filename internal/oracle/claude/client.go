// Package claude implements dispatch.Oracle backed by the Claude API.
package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/dispatch/internal/dispatch"
)

const (
	// ResponseTokens bounds each judgment; both outputs are small JSON
	// documents.
	ResponseTokens = 1024

	// DefaultTimeout bounds a single oracle call. A timeout is reported
	// as OracleUnavailable.
	DefaultTimeout = 60 * time.Second
)

const gateSystemPrompt = `You are an incident triage assistant. You judge whether a new incident report duplicates an open ticket and whether the open ticket set indicates a system-wide outage. Respond with a single JSON object and nothing else.`

const decideSystemPrompt = `You are an autonomous IT incident orchestrator. You pick exactly one engineer from the eligible pool for the reported issue. Ranking logic: skill match first, then current load, then average time-to-resolution. Prioritize senior engineers for P1 issues. Respond with a single JSON object and nothing else.`

// Client talks to the Claude API and parses its structured judgments.
type Client struct {
	client  anthropic.Client
	model   anthropic.Model
	kb      json.RawMessage
	timeout time.Duration
}

// New creates a Claude oracle client. knowledgeBase is an opaque JSON blob
// handed to the assignment prompt verbatim; nil means no knowledge base.
func New(apiKey, model string, knowledgeBase json.RawMessage) *Client {
	if len(knowledgeBase) == 0 {
		knowledgeBase = json.RawMessage(`{}`)
	}
	return &Client{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:   anthropic.Model(model),
		kb:      knowledgeBase,
		timeout: DefaultTimeout,
	}
}

// SetTimeout overrides the per-call deadline.
func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

// CheckIncidentStatus judges duplication and outage correlation for a new
// report against the open ticket sample.
func (c *Client) CheckIncidentStatus(ctx context.Context, issue string, open []dispatch.Ticket) (*dispatch.IncidentStatus, error) {
	text, err := c.complete(ctx, "check_incident", gateSystemPrompt, buildGatePrompt(issue, open))
	if err != nil {
		return nil, err
	}
	return parseIncidentStatus(text)
}

func parseIncidentStatus(text string) (*dispatch.IncidentStatus, error) {
	var status dispatch.IncidentStatus
	if err := json.Unmarshal([]byte(text), &status); err != nil {
		return nil, &dispatch.OracleError{
			Kind: dispatch.OracleMalformed,
			Op:   "check_incident",
			Err:  fmt.Errorf("unmarshal judgment: %w", err),
		}
	}
	if status.DuplicateOf == "null" {
		status.DuplicateOf = ""
	}
	return &status, nil
}

// Decide picks a candidate engineer for the issue from the eligible pool.
func (c *Client) Decide(ctx context.Context, issue string, eligible []dispatch.Engineer, exclude []string) (*dispatch.AssignmentDecision, error) {
	prompt, err := c.buildDecidePrompt(issue, eligible, exclude)
	if err != nil {
		return nil, &dispatch.OracleError{Kind: dispatch.OracleMalformed, Op: "decide", Err: err}
	}

	text, err := c.complete(ctx, "decide", decideSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}
	return parseDecision(text)
}

func parseDecision(text string) (*dispatch.AssignmentDecision, error) {
	var decision dispatch.AssignmentDecision
	if err := json.Unmarshal([]byte(text), &decision); err != nil {
		return nil, &dispatch.OracleError{
			Kind: dispatch.OracleMalformed,
			Op:   "decide",
			Err:  fmt.Errorf("unmarshal decision: %w", err),
		}
	}
	if decision.AssignedTo == "" {
		return nil, &dispatch.OracleError{
			Kind: dispatch.OracleMalformed,
			Op:   "decide",
			Err:  fmt.Errorf("decision missing assigned_to"),
		}
	}
	return &decision, nil
}

// complete sends one user message and returns the concatenated text content.
func (c *Client) complete(ctx context.Context, op, system, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: ResponseTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", &dispatch.OracleError{Kind: dispatch.OracleUnavailable, Op: op, Err: err}
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	text := stripFences(b.String())
	if text == "" {
		return "", &dispatch.OracleError{
			Kind: dispatch.OracleMalformed,
			Op:   op,
			Err:  fmt.Errorf("empty response"),
		}
	}
	return text, nil
}

func buildGatePrompt(issue string, open []dispatch.Ticket) string {
	var ctx strings.Builder
	for _, t := range open {
		fmt.Fprintf(&ctx, "- %s (Sev: %s)\n", t.Issue, t.Severity)
	}

	return fmt.Sprintf(`New Issue: %q

Active Tickets:
%s
TASK:
1. Is the new issue a semantic duplicate of an active ticket? Exact string match is not required.
2. Are there 3 or more active %s tickets suggesting a system-wide outage?

Return JSON:
{"is_duplicate": bool, "duplicate_of": "<matched issue text or null>", "is_outage": bool, "reason": "<text>"}`,
		issue, ctx.String(), dispatch.SeverityOutage)
}

func (c *Client) buildDecidePrompt(issue string, eligible []dispatch.Engineer, exclude []string) (string, error) {
	pool, err := json.Marshal(eligible)
	if err != nil {
		return "", fmt.Errorf("marshal engineer pool: %w", err)
	}
	excluded, err := json.Marshal(exclude)
	if err != nil {
		return "", fmt.Errorf("marshal exclusion list: %w", err)
	}

	return fmt.Sprintf(`KNOWLEDGE BASE: %s
ENGINEER POOL: %s
EXCLUDED ENGINEERS: %s
USER ISSUE: %q

Pick one engineer from the pool. Never pick an excluded engineer.

Return JSON:
{"tech_stack": "<text>", "severity": "<tier>", "sentiment": "<text>", "reasoning": "<text>", "assigned_to": "<engineer name>", "suggested_fix": "<text>"}`,
		string(c.kb), string(pool), string(excluded), issue), nil
}

// stripFences removes a markdown code fence if the model wrapped its JSON in
// one despite the instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
