// Package config loads and validates the steward runtime configuration from
// a single YAML document with environment-variable expansion.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	LLM        LLMConfig        `yaml:"llm"`
	Agent      AgentConfig      `yaml:"agent"`
	Compaction CompactionConfig `yaml:"compaction"`
	Session    SessionConfig    `yaml:"session"`
	Approvals  ApprovalsConfig  `yaml:"approvals"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Database   DatabaseConfig   `yaml:"database"`
	Tools      ToolsConfig      `yaml:"tools"`
	Persona    PersonaConfig    `yaml:"persona"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// LLMConfig selects and configures the completion provider.
type LLMConfig struct {
	// Provider is one of anthropic, openai, google.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	// MaxTokens caps the response size per completion.
	MaxTokens int `yaml:"max_tokens"`
	// Timeout bounds a single provider call.
	Timeout time.Duration `yaml:"timeout" jsonschema:"oneof_type=string;integer"`
}

// AgentConfig bounds the per-turn reasoning loop.
type AgentConfig struct {
	MaxToolIterations  int `yaml:"max_tool_iterations"`
	MaxContextMessages int `yaml:"max_context_messages"`
}

// CompactionConfig tunes the conversation compactor.
type CompactionConfig struct {
	Enabled            *bool   `yaml:"enabled"`
	MaxContextTokens   int     `yaml:"max_context_tokens"`
	Threshold          float64 `yaml:"threshold"`
	KeepRecentMessages int     `yaml:"keep_recent_messages"`
}

// IsEnabled reports whether compaction runs; defaults to true.
func (c CompactionConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// SessionConfig controls the session manager.
type SessionConfig struct {
	IdleTimeout time.Duration `yaml:"idle_timeout" jsonschema:"oneof_type=string;integer"`
	// CacheSize bounds the in-memory conversation cache.
	CacheSize int `yaml:"cache_size"`
}

// ApprovalsConfig controls the exec-approval gate.
type ApprovalsConfig struct {
	Required *bool         `yaml:"required"`
	Timeout  time.Duration `yaml:"timeout" jsonschema:"oneof_type=string;integer"`
	// DefaultRisk applies to tools absent from the risk map: safe, moderate, dangerous.
	DefaultRisk string `yaml:"default_risk"`
	// RiskOverrides reassigns risk per tool name.
	RiskOverrides map[string]string `yaml:"risk_overrides"`
}

// IsRequired reports whether dangerous tools need approval; defaults to true.
func (c ApprovalsConfig) IsRequired() bool {
	return c.Required == nil || *c.Required
}

// SchedulerConfig controls the task engine.
type SchedulerConfig struct {
	Tick      time.Duration `yaml:"tick" jsonschema:"oneof_type=string;integer"`
	TasksFile string        `yaml:"tasks_file"`

	Heartbeat     HeartbeatConfig     `yaml:"heartbeat"`
	DailyBriefing DailyBriefingConfig `yaml:"daily_briefing"`
}

// HeartbeatConfig seeds the recurring self-prompt task.
type HeartbeatConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Every       time.Duration `yaml:"every" jsonschema:"oneof_type=string;integer"`
	Prompt      string        `yaml:"prompt"`
	ActiveStart int           `yaml:"active_start"`
	ActiveEnd   int           `yaml:"active_end"`
}

// DailyBriefingConfig seeds the fixed daily-briefing cron task.
type DailyBriefingConfig struct {
	Enabled bool `yaml:"enabled"`
	Hour    int  `yaml:"hour"`
	Minute  int  `yaml:"minute"`
}

// RateLimitConfig caps inbound message rate per user.
type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute"`
	// MaxKeys bounds limiter memory across distinct users.
	MaxKeys int `yaml:"max_keys"`
}

// DatabaseConfig selects the durable session store.
type DatabaseConfig struct {
	// Driver is one of memory, sqlite, postgres.
	Driver string `yaml:"driver"`
	// DSN is the SQLite file path or the Postgres connection string.
	DSN string `yaml:"dsn"`
}

// ToolsConfig configures the default tool belt.
type ToolsConfig struct {
	// WorkspaceDir roots the file tools; paths outside it are refused.
	WorkspaceDir string       `yaml:"workspace_dir"`
	Shell        ShellConfig  `yaml:"shell"`
	Search       SearchConfig `yaml:"search"`
	// Disabled lists tool names withheld from registration.
	Disabled []string `yaml:"disabled"`
}

// ShellConfig bounds the run_command tool.
type ShellConfig struct {
	AllowedCommands []string      `yaml:"allowed_commands"`
	Timeout         time.Duration `yaml:"timeout" jsonschema:"oneof_type=string;integer"`
}

// SearchConfig configures the web_search tool.
type SearchConfig struct {
	// Backend is duckduckgo or brave.
	Backend     string        `yaml:"backend"`
	BraveAPIKey string        `yaml:"brave_api_key"`
	CacheTTL    time.Duration `yaml:"cache_ttl" jsonschema:"oneof_type=string;integer"`
}

// PersonaConfig shapes the system prompt.
type PersonaConfig struct {
	Name string `yaml:"name"`
	// ProfilePath points at a Markdown file blended into the system prompt
	// and hot-reloaded on change.
	ProfilePath string `yaml:"profile_path"`
}

// TelegramConfig configures the chat transport.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	// OwnerID is the chat id allowed to converse and approve.
	OwnerID int64 `yaml:"owner_id"`
	// AllowedIDs extends access beyond the owner.
	AllowedIDs []int64 `yaml:"allowed_ids"`
}

// ServerConfig configures the HTTP admin surface.
type ServerConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"jwt_secret"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig configures OTLP trace export; empty endpoint disables it.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
	Environment  string  `yaml:"environment"`
}

// Load reads, expands, decodes, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a config document from raw YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	var cfg Config
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, errors.New("parse config: expected a single YAML document")
	}
	if err := ValidateDocument([]byte(expanded)); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with every default applied and no
// provider selected.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.LLM.Provider == "" {
		c.LLM.Provider = "anthropic"
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = 4096
	}
	if c.LLM.Timeout <= 0 {
		c.LLM.Timeout = 120 * time.Second
	}

	if c.Agent.MaxToolIterations <= 0 {
		c.Agent.MaxToolIterations = 10
	}
	if c.Agent.MaxContextMessages <= 0 {
		c.Agent.MaxContextMessages = 50
	}

	if c.Compaction.Enabled == nil {
		c.Compaction.Enabled = ptr(true)
	}
	if c.Compaction.MaxContextTokens <= 0 {
		c.Compaction.MaxContextTokens = 100000
	}
	if c.Compaction.Threshold <= 0 {
		c.Compaction.Threshold = 0.7
	}
	if c.Compaction.KeepRecentMessages <= 0 {
		c.Compaction.KeepRecentMessages = 10
	}

	if c.Session.IdleTimeout <= 0 {
		c.Session.IdleTimeout = 24 * time.Hour
	}
	if c.Session.CacheSize <= 0 {
		c.Session.CacheSize = 256
	}

	if c.Approvals.Required == nil {
		c.Approvals.Required = ptr(true)
	}
	if c.Approvals.Timeout <= 0 {
		c.Approvals.Timeout = 5 * time.Minute
	}
	if c.Approvals.DefaultRisk == "" {
		c.Approvals.DefaultRisk = "moderate"
	}

	if c.Scheduler.Tick <= 0 {
		c.Scheduler.Tick = 30 * time.Second
	}
	if c.Scheduler.TasksFile == "" {
		c.Scheduler.TasksFile = "steward_tasks.json"
	}
	if c.Scheduler.Heartbeat.Every <= 0 {
		c.Scheduler.Heartbeat.Every = 30 * time.Minute
	}
	if c.Scheduler.Heartbeat.ActiveStart == 0 && c.Scheduler.Heartbeat.ActiveEnd == 0 {
		c.Scheduler.Heartbeat.ActiveStart = 8
		c.Scheduler.Heartbeat.ActiveEnd = 22
	}
	if c.Scheduler.DailyBriefing.Hour == 0 && c.Scheduler.DailyBriefing.Minute == 0 {
		c.Scheduler.DailyBriefing.Hour = 8
	}

	if c.RateLimit.PerMinute <= 0 {
		c.RateLimit.PerMinute = 30
	}
	if c.RateLimit.MaxKeys <= 0 {
		c.RateLimit.MaxKeys = 10000
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.DSN == "" {
		c.Database.DSN = "steward.db"
	}

	if c.Tools.WorkspaceDir == "" {
		c.Tools.WorkspaceDir = "workspace"
	}
	if c.Tools.Shell.Timeout <= 0 {
		c.Tools.Shell.Timeout = 30 * time.Second
	}
	if len(c.Tools.Shell.AllowedCommands) == 0 {
		c.Tools.Shell.AllowedCommands = []string{
			"ls", "cat", "head", "tail", "wc", "grep", "find",
			"date", "uptime", "whoami", "pwd", "df", "du", "echo",
		}
	}
	if c.Tools.Search.Backend == "" {
		c.Tools.Search.Backend = "duckduckgo"
	}
	if c.Tools.Search.CacheTTL <= 0 {
		c.Tools.Search.CacheTTL = 15 * time.Minute
	}

	if c.Persona.Name == "" {
		c.Persona.Name = "Steward"
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8787"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Tracing.SamplingRate <= 0 {
		c.Tracing.SamplingRate = 1.0
	}
}

// Validate checks ranges and cross-field consistency.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "anthropic", "openai", "google":
	default:
		return fmt.Errorf("llm.provider: unknown provider %q", c.LLM.Provider)
	}

	if c.Compaction.Threshold <= 0 || c.Compaction.Threshold >= 1 {
		return fmt.Errorf("compaction.threshold: %v out of range (0,1)", c.Compaction.Threshold)
	}

	switch c.Approvals.DefaultRisk {
	case "safe", "moderate", "dangerous":
	default:
		return fmt.Errorf("approvals.default_risk: unknown risk %q", c.Approvals.DefaultRisk)
	}
	for name, risk := range c.Approvals.RiskOverrides {
		switch risk {
		case "safe", "moderate", "dangerous":
		default:
			return fmt.Errorf("approvals.risk_overrides[%s]: unknown risk %q", name, risk)
		}
	}

	switch c.Database.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver: unknown driver %q", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return errors.New("database.dsn: required for postgres")
	}

	if hb := c.Scheduler.Heartbeat; hb.Enabled {
		if hb.ActiveStart < 0 || hb.ActiveStart > 23 || hb.ActiveEnd < 1 || hb.ActiveEnd > 24 || hb.ActiveStart >= hb.ActiveEnd {
			return fmt.Errorf("scheduler.heartbeat: invalid active window [%d,%d)", hb.ActiveStart, hb.ActiveEnd)
		}
	}
	if db := c.Scheduler.DailyBriefing; db.Enabled {
		if db.Hour < 0 || db.Hour > 23 || db.Minute < 0 || db.Minute > 59 {
			return fmt.Errorf("scheduler.daily_briefing: invalid time %02d:%02d", db.Hour, db.Minute)
		}
	}

	if c.Telegram.Enabled && c.Telegram.Token == "" {
		return errors.New("telegram.token: required when telegram is enabled")
	}
	if c.Server.Enabled && c.Server.JWTSecret == "" {
		return errors.New("server.jwt_secret: required when the admin server is enabled")
	}
	return nil
}

func ptr[T any](v T) *T {
	return &v
}
