package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Config holds dispatch-specific configuration alongside the common
// cfg.Registerable and cfg.Validatable interfaces.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	DatabaseURL           string
	ClaudeAPIKey          string
	ClaudeModel           string
	OracleTimeoutSeconds  int
	SlackWebhookURL       string
	EngineersFile         string
	KnowledgeBaseFile     string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude decision oracle")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.IntVar(&c.OracleTimeoutSeconds, "oracle-timeout-seconds", 60, "per-call deadline for decision oracle requests (1..300)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for assignment and outage notifications")
	fs.StringVar(&c.EngineersFile, "engineers-file", "", "JSON roster file seeded into the store at startup")
	fs.StringVar(&c.KnowledgeBaseFile, "knowledge-base-file", "", "JSON knowledge base passed opaque to assignment decisions")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// Claude API key and model are required for the decision oracle
	if c.ClaudeAPIKey == "" {
		errs = append(errs, errors.New("CLAUDE_API_KEY is required"))
	}
	if c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required"))
	}

	if c.OracleTimeoutSeconds <= 0 || c.OracleTimeoutSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid ORACLE_TIMEOUT_SECONDS %d (must be 1..300)", c.OracleTimeoutSeconds))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
