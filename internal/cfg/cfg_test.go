package cfg

import (
	"flag"
	"math"
	"strings"
	"testing"
)

// validBase returns a Config with all required fields set to valid values.
func validBase() Config {
	return Config{
		DrainSeconds:          60,
		ShutdownBudgetSeconds: 90,
		APIPort:               8080,
		ClaudeAPIKey:          "sk-test-key",
		ClaudeModel:           "claude-sonnet-4-20250514",
		OracleTimeoutSeconds:  60,
	}
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	if c.DrainSeconds != 60 {
		t.Errorf("DrainSeconds = %d, want 60", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 90 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 90", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", c.APIPort)
	}
	if c.ClaudeModel != "claude-sonnet-4-20250514" {
		t.Errorf("ClaudeModel = %q, want %q", c.ClaudeModel, "claude-sonnet-4-20250514")
	}
	if c.OracleTimeoutSeconds != 60 {
		t.Errorf("OracleTimeoutSeconds = %d, want 60", c.OracleTimeoutSeconds)
	}
	if c.DatabaseURL != "" {
		t.Errorf("DatabaseURL = %q, want empty (in-memory default)", c.DatabaseURL)
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-drain-seconds", "30",
		"-shutdown-budget-seconds", "120",
		"-http-port", "9090",
		"-database-url", "postgres://localhost/dispatch",
		"-claude-api-key", "sk-override",
		"-claude-model", "claude-opus-4-20250514",
		"-oracle-timeout-seconds", "30",
		"-slack-webhook-url", "https://hooks.slack.example/T/B/x",
		"-engineers-file", "/etc/dispatch/engineers.json",
		"-knowledge-base-file", "/etc/dispatch/kb.json",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.DrainSeconds != 30 {
		t.Errorf("DrainSeconds = %d, want 30", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 120 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 120", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
	if c.DatabaseURL != "postgres://localhost/dispatch" {
		t.Errorf("DatabaseURL = %q", c.DatabaseURL)
	}
	if c.ClaudeAPIKey != "sk-override" {
		t.Errorf("ClaudeAPIKey = %q, want %q", c.ClaudeAPIKey, "sk-override")
	}
	if c.ClaudeModel != "claude-opus-4-20250514" {
		t.Errorf("ClaudeModel = %q, want %q", c.ClaudeModel, "claude-opus-4-20250514")
	}
	if c.OracleTimeoutSeconds != 30 {
		t.Errorf("OracleTimeoutSeconds = %d, want 30", c.OracleTimeoutSeconds)
	}
	if c.EngineersFile != "/etc/dispatch/engineers.json" {
		t.Errorf("EngineersFile = %q", c.EngineersFile)
	}
	if c.KnowledgeBaseFile != "/etc/dispatch/kb.json" {
		t.Errorf("KnowledgeBaseFile = %q", c.KnowledgeBaseFile)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		cfg       Config
		wantErr   bool
		errSubstr []string // substrings that must appear in error message
	}{
		{
			name:    "defaults are valid",
			cfg:     validBase(),
			wantErr: false,
		},
		{
			name: "minimum valid values",
			cfg: Config{
				DrainSeconds: 1, ShutdownBudgetSeconds: 2, APIPort: 1,
				ClaudeAPIKey: "k", ClaudeModel: "m", OracleTimeoutSeconds: 1,
			},
			wantErr: false,
		},
		{
			name: "maximum valid values",
			cfg: Config{
				DrainSeconds: 299, ShutdownBudgetSeconds: 300, APIPort: 65535,
				ClaudeAPIKey: "k", ClaudeModel: "m", OracleTimeoutSeconds: 300,
			},
			wantErr: false,
		},
		// DrainSeconds boundaries
		{
			name:      "drain zero",
			cfg:       Config{DrainSeconds: 0, ShutdownBudgetSeconds: 90, APIPort: 8080},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain negative",
			cfg:       Config{DrainSeconds: -1, ShutdownBudgetSeconds: 90, APIPort: 8080},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain above max",
			cfg:       Config{DrainSeconds: 301, ShutdownBudgetSeconds: 302, APIPort: 8080},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		// ShutdownBudgetSeconds boundaries
		{
			name:      "budget zero",
			cfg:       Config{DrainSeconds: 60, ShutdownBudgetSeconds: 0, APIPort: 8080},
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		{
			name:      "budget above max",
			cfg:       Config{DrainSeconds: 60, ShutdownBudgetSeconds: 301, APIPort: 8080},
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		// Cross-field: budget vs drain
		{
			name:      "budget equals drain",
			cfg:       Config{DrainSeconds: 60, ShutdownBudgetSeconds: 60, APIPort: 8080},
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		{
			name:      "budget less than drain",
			cfg:       Config{DrainSeconds: 60, ShutdownBudgetSeconds: 30, APIPort: 8080},
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		{
			name: "budget is drain plus one",
			cfg: Config{
				DrainSeconds: 60, ShutdownBudgetSeconds: 61, APIPort: 8080,
				ClaudeAPIKey: "k", ClaudeModel: "m", OracleTimeoutSeconds: 60,
			},
			wantErr: false,
		},
		// APIPort boundaries
		{
			name:      "port zero",
			cfg:       Config{DrainSeconds: 60, ShutdownBudgetSeconds: 90, APIPort: 0},
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "port above max",
			cfg:       Config{DrainSeconds: 60, ShutdownBudgetSeconds: 90, APIPort: 65536},
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		// Required oracle fields
		{
			name: "empty claude api key",
			cfg: Config{
				DrainSeconds: 60, ShutdownBudgetSeconds: 90, APIPort: 8080,
				ClaudeAPIKey: "", ClaudeModel: "m", OracleTimeoutSeconds: 60,
			},
			wantErr:   true,
			errSubstr: []string{"CLAUDE_API_KEY"},
		},
		{
			name: "empty claude model",
			cfg: Config{
				DrainSeconds: 60, ShutdownBudgetSeconds: 90, APIPort: 8080,
				ClaudeAPIKey: "k", ClaudeModel: "", OracleTimeoutSeconds: 60,
			},
			wantErr:   true,
			errSubstr: []string{"CLAUDE_MODEL"},
		},
		{
			name: "oracle timeout zero",
			cfg: Config{
				DrainSeconds: 60, ShutdownBudgetSeconds: 90, APIPort: 8080,
				ClaudeAPIKey: "k", ClaudeModel: "m", OracleTimeoutSeconds: 0,
			},
			wantErr:   true,
			errSubstr: []string{"ORACLE_TIMEOUT_SECONDS"},
		},
		{
			name: "oracle timeout above max",
			cfg: Config{
				DrainSeconds: 60, ShutdownBudgetSeconds: 90, APIPort: 8080,
				ClaudeAPIKey: "k", ClaudeModel: "m", OracleTimeoutSeconds: 301,
			},
			wantErr:   true,
			errSubstr: []string{"ORACLE_TIMEOUT_SECONDS"},
		},
		// Optional fields stay optional
		{
			name: "optional fields empty",
			cfg: Config{
				DrainSeconds: 60, ShutdownBudgetSeconds: 90, APIPort: 8080,
				ClaudeAPIKey: "k", ClaudeModel: "m", OracleTimeoutSeconds: 60,
				DatabaseURL: "", SlackWebhookURL: "", EngineersFile: "", KnowledgeBaseFile: "",
			},
			wantErr: false,
		},
		// Error accumulation: all fields invalid
		{
			name:      "all fields invalid",
			cfg:       Config{DrainSeconds: 0, ShutdownBudgetSeconds: 0, APIPort: 0},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT", "CLAUDE_API_KEY", "CLAUDE_MODEL", "ORACLE_TIMEOUT_SECONDS"},
		},
		// Extreme values
		{
			name:      "extreme negative values",
			cfg:       Config{DrainSeconds: math.MinInt32, ShutdownBudgetSeconds: math.MinInt32, APIPort: math.MinInt32},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				errMsg := err.Error()
				for _, sub := range tt.errSubstr {
					if !strings.Contains(errMsg, sub) {
						t.Errorf("error %q does not contain %q", errMsg, sub)
					}
				}
			}
		})
	}
}

func FuzzValidate(f *testing.F) {
	// Seeds: defaults, boundaries, extremes
	seeds := []struct {
		drain, budget, port, timeout int
		key, model                   string
	}{
		{60, 90, 8080, 60, "sk-test", "claude-sonnet"},
		{1, 2, 1, 1, "k", "m"},
		{299, 300, 65535, 300, "k", "m"},
		{0, 0, 0, 0, "", ""},
		{-1, -1, -1, -1, "", ""},
		{300, 300, 65535, 60, "k", "m"},
		{301, 302, 65536, 301, "", ""},
		{150, 100, 8080, 60, "k", "m"},
		{math.MinInt32, math.MinInt32, math.MinInt32, math.MinInt32, "", ""},
		{math.MaxInt32, math.MaxInt32, math.MaxInt32, math.MaxInt32, "", ""},
	}
	for _, s := range seeds {
		f.Add(s.drain, s.budget, s.port, s.timeout, s.key, s.model)
	}

	f.Fuzz(func(t *testing.T, drain, budget, port, timeout int, key, model string) {
		c := Config{
			DrainSeconds:          drain,
			ShutdownBudgetSeconds: budget,
			APIPort:               port,
			OracleTimeoutSeconds:  timeout,
			ClaudeAPIKey:          key,
			ClaudeModel:           model,
		}
		err := c.Validate()

		drainOK := drain >= 1 && drain <= 300
		budgetOK := budget >= 1 && budget <= 300
		portOK := port >= 1 && port <= 65535
		crossOK := budget > drain
		timeoutOK := timeout >= 1 && timeout <= 300
		keyOK := key != ""
		modelOK := model != ""

		allValid := drainOK && budgetOK && portOK && crossOK && timeoutOK && keyOK && modelOK

		if allValid && err != nil {
			t.Errorf("expected no error for valid config %+v, got: %v", c, err)
		}
		if !allValid && err == nil {
			t.Errorf("expected error for invalid config %+v, got nil", c)
		}
	})
}
