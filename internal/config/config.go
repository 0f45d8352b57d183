// Package config holds all vigil configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all vigil configuration.
type Config struct {
	// Home is the physical sandbox root holding every agent zone.
	Home string `yaml:"home"`

	LLM        LLMConfig        `yaml:"llm"`
	Budget     BudgetConfig     `yaml:"budget"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Delegation DelegationConfig `yaml:"delegation"`
	Retention  RetentionConfig  `yaml:"retention"`
	Limits     LimitsConfig     `yaml:"limits"`
	Fetch      FetchConfig      `yaml:"fetch"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// LLMConfig configures the reasoning backend client.
type LLMConfig struct {
	APIKey          string        `yaml:"api_key"`
	BaseURL         string        `yaml:"base_url"`
	Model           string        `yaml:"model"`
	DelegateModel   string        `yaml:"delegate_model"`
	MaxOutputTokens int           `yaml:"max_output_tokens"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
}

// BudgetConfig configures the economic ledger.
type BudgetConfig struct {
	InitialUSD     float64 `yaml:"initial_usd"`
	TransactionCap int     `yaml:"transaction_cap"`
}

// ExecutionConfig configures sandboxed shell execution.
type ExecutionConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`
	OutputCapBytes int           `yaml:"output_cap_bytes"`
}

// DelegationConfig configures the delegation orchestrator.
type DelegationConfig struct {
	MaxTurns    int     `yaml:"max_turns"`
	BatchWidth  int     `yaml:"batch_width"`
	CeilingUSD  float64 `yaml:"ceiling_usd"`
	MaxTasks    int     `yaml:"max_tasks"`
	ToolReadCap int     `yaml:"tool_read_cap_bytes"`
}

// RetentionConfig bounds the append-only stores.
type RetentionConfig struct {
	DecisionMax          int `yaml:"decision_max"`
	DecisionCompactEvery int `yaml:"decision_compact_every"`
	HistoryMax           int `yaml:"history_max"`
}

// LimitsConfig holds per-file size ceilings and warning thresholds.
type LimitsConfig struct {
	WriteCapBytes    int64 `yaml:"write_cap_bytes"`
	JournalWarnBytes int64 `yaml:"journal_warn_bytes"`
}

// FetchConfig configures the network fetch collaborator.
type FetchConfig struct {
	AllowedDomains []string      `yaml:"allowed_domains"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	Timeout        time.Duration `yaml:"timeout"`
}

// ScheduleConfig configures the awakening schedule.
type ScheduleConfig struct {
	// Cron is the default wake expression, used until the agent or the
	// operator persists a different one.
	Cron string `yaml:"cron"`
}

// LoggingConfig configures categorized file logging.
type LoggingConfig struct {
	DebugMode bool   `yaml:"debug_mode"`
	Level     string `yaml:"level"`
}

// Default returns the built-in configuration rooted at home.
func Default(home string) *Config {
	return &Config{
		Home: home,
		LLM: LLMConfig{
			BaseURL:         "https://api.anthropic.com",
			Model:           "claude-sonnet-4-20250514",
			DelegateModel:   "claude-3-5-haiku-20241022",
			MaxOutputTokens: 4096,
			Timeout:         5 * time.Minute,
			MaxRetries:      3,
			RetryBackoff:    2 * time.Second,
		},
		Budget: BudgetConfig{
			InitialUSD:     20.0,
			TransactionCap: 200,
		},
		Execution: ExecutionConfig{
			DefaultTimeout: 60 * time.Second,
			MaxTimeout:     10 * time.Minute,
			OutputCapBytes: 16 * 1024,
		},
		Delegation: DelegationConfig{
			MaxTurns:    6,
			BatchWidth:  3,
			CeilingUSD:  0.50,
			MaxTasks:    10,
			ToolReadCap: 32 * 1024,
		},
		Retention: RetentionConfig{
			DecisionMax:          500,
			DecisionCompactEvery: 10,
			HistoryMax:           500,
		},
		Limits: LimitsConfig{
			WriteCapBytes:    512 * 1024,
			JournalWarnBytes: 512 * 1024,
		},
		Fetch: FetchConfig{
			AllowedDomains: []string{
				"wikipedia.org", "github.com", "news.ycombinator.com",
			},
			MaxBodyBytes: 1 << 20,
			Timeout:      30 * time.Second,
		},
		Schedule: ScheduleConfig{
			Cron: "0 */2 * * *",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads vigil.yaml from home, layering it over the defaults and
// then applying environment overrides. A missing file is not an error;
// the defaults apply.
func Load(home string) (*Config, error) {
	cfg := Default(home)

	path := filepath.Join(home, "vigil.yaml")
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.Home = home

	applyEnvOverrides(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VIGIL_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("VIGIL_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("VIGIL_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("VIGIL_CRON"); v != "" {
		cfg.Schedule.Cron = v
	}
	if os.Getenv("VIGIL_DEBUG") == "1" {
		cfg.Logging.DebugMode = true
	}
}

func (c *Config) validate() error {
	if c.Home == "" {
		return fmt.Errorf("config: home directory required")
	}
	if c.Budget.InitialUSD < 0 {
		return fmt.Errorf("config: initial budget must be non-negative")
	}
	if c.Delegation.BatchWidth < 1 {
		return fmt.Errorf("config: delegation batch width must be at least 1")
	}
	if c.Execution.DefaultTimeout <= 0 || c.Execution.MaxTimeout < c.Execution.DefaultTimeout {
		return fmt.Errorf("config: execution timeouts misconfigured")
	}
	return nil
}
