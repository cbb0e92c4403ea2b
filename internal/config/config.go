// Package config loads the gateway's YAML configuration. Environment
// variables are expanded before parsing, so secrets stay out of the file
// (api_key: ${OPENAI_API_KEY}). The catalog under contents/config is
// loaded separately by internal/catalog.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Contents  ContentsConfig            `yaml:"contents"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Throttle  ThrottleConfig            `yaml:"throttle"`
	Chat      ChatConfig                `yaml:"chat"`
	Sessions  SessionsConfig            `yaml:"sessions"`
	Auth      AuthConfig                `yaml:"auth"`
	Record    RecordConfig              `yaml:"record"`
	Tools     ToolsConfig               `yaml:"tools"`
	Logging   LoggingConfig             `yaml:"logging"`
	Tracing   TracingConfig             `yaml:"tracing"`
}

type ServerConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type ContentsConfig struct {
	// Dir is the contents root; app/model/platform/locale files live
	// under <dir>/config.
	Dir string `yaml:"dir"`

	// Watch reloads the catalog when files change.
	Watch bool `yaml:"watch"`

	// ReloadDebounce coalesces bursts of file events.
	ReloadDebounce time.Duration `yaml:"reload_debounce"`
}

// ProviderConfig carries per-upstream credentials. Region and the access
// key pair apply to bedrock only.
type ProviderConfig struct {
	APIKey          string `yaml:"api_key"`
	BaseURL         string `yaml:"base_url"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type ThrottleConfig struct {
	// MaxConcurrent is the default permit count per upstream.
	MaxConcurrent int `yaml:"max_concurrent"`

	// PerUpstream overrides the permit count for named upstreams.
	PerUpstream map[string]int `yaml:"per_upstream"`
}

type ChatConfig struct {
	MaxToolRounds int           `yaml:"max_tool_rounds"`
	RoundTimeout  time.Duration `yaml:"round_timeout"`
	ToolTimeout   time.Duration `yaml:"tool_timeout"`
	PingInterval  time.Duration `yaml:"ping_interval"`
}

type SessionsConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepSchedule string        `yaml:"sweep_schedule"`

	// BusyPolicy decides what happens to a turn submitted while another
	// one runs: "reject" answers 409, "queue" waits in FIFO order.
	BusyPolicy string `yaml:"busy_policy"`

	// QueueDepth bounds the per-session turn queue in queue mode.
	QueueDepth int `yaml:"queue_depth"`
}

type AuthConfig struct {
	// Mode is "none", "jwt", or "proxy".
	Mode              string `yaml:"mode"`
	JWTSecret         string `yaml:"jwt_secret"`
	ProxyUserHeader   string `yaml:"proxy_user_header"`
	ProxyGroupsHeader string `yaml:"proxy_groups_header"`
}

type RecordConfig struct {
	// Driver is "none", "sqlite", or "postgres".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`

	// QueueSize bounds the fire-and-forget write queue.
	QueueSize int `yaml:"queue_size"`
}

type ToolsConfig struct {
	// EnableBuiltins registers the bundled demo tools.
	EnableBuiltins bool `yaml:"enable_builtins"`

	// FetchMaxBytes caps http_fetch response bodies.
	FetchMaxBytes int64 `yaml:"fetch_max_bytes"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
	Insecure   bool    `yaml:"insecure"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvFallbacks(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvFallbacks honors the environment contract for deployments that
// configure auth and storage without a config file.
func applyEnvFallbacks(cfg *Config) {
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = os.Getenv("AUTH_MODE")
	}
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	}
	if cfg.Auth.ProxyUserHeader == "" {
		cfg.Auth.ProxyUserHeader = os.Getenv("PROXY_AUTH_USER_HEADER")
	}
	if cfg.Auth.ProxyGroupsHeader == "" {
		cfg.Auth.ProxyGroupsHeader = os.Getenv("PROXY_AUTH_GROUPS_HEADER")
	}
	if cfg.Record.DSN == "" && cfg.Record.Driver == "sqlite" {
		if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
			cfg.Record.DSN = filepath.Join(dataDir, "parley.db")
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Contents.Dir == "" {
		cfg.Contents.Dir = "contents"
	}
	if cfg.Contents.ReloadDebounce == 0 {
		cfg.Contents.ReloadDebounce = 500 * time.Millisecond
	}
	if cfg.Throttle.MaxConcurrent == 0 {
		cfg.Throttle.MaxConcurrent = 4
	}
	if cfg.Chat.MaxToolRounds == 0 {
		cfg.Chat.MaxToolRounds = 8
	}
	if cfg.Chat.RoundTimeout == 0 {
		cfg.Chat.RoundTimeout = 120 * time.Second
	}
	if cfg.Chat.ToolTimeout == 0 {
		cfg.Chat.ToolTimeout = 30 * time.Second
	}
	if cfg.Chat.PingInterval == 0 {
		cfg.Chat.PingInterval = 15 * time.Second
	}
	if cfg.Sessions.IdleTimeout == 0 {
		cfg.Sessions.IdleTimeout = 30 * time.Minute
	}
	if cfg.Sessions.SweepSchedule == "" {
		cfg.Sessions.SweepSchedule = "@every 1m"
	}
	if cfg.Sessions.BusyPolicy == "" {
		cfg.Sessions.BusyPolicy = "reject"
	}
	if cfg.Sessions.QueueDepth == 0 {
		cfg.Sessions.QueueDepth = 4
	}
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = "none"
	}
	if cfg.Auth.ProxyUserHeader == "" {
		cfg.Auth.ProxyUserHeader = "X-Forwarded-User"
	}
	if cfg.Auth.ProxyGroupsHeader == "" {
		cfg.Auth.ProxyGroupsHeader = "X-Forwarded-Groups"
	}
	if cfg.Record.Driver == "" {
		cfg.Record.Driver = "none"
	}
	if cfg.Record.QueueSize == 0 {
		cfg.Record.QueueSize = 256
	}
	if cfg.Tools.FetchMaxBytes == 0 {
		cfg.Tools.FetchMaxBytes = 1 << 20
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.SampleRate == 0 {
		cfg.Tracing.SampleRate = 1.0
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Auth.Mode {
	case "none", "jwt", "proxy":
	default:
		return fmt.Errorf("auth.mode %q must be none, jwt, or proxy", c.Auth.Mode)
	}
	if c.Auth.Mode == "jwt" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.mode jwt requires auth.jwt_secret (or JWT_SECRET)")
	}
	switch c.Record.Driver {
	case "none", "sqlite", "postgres":
	default:
		return fmt.Errorf("record.driver %q must be none, sqlite, or postgres", c.Record.Driver)
	}
	if c.Record.Driver != "none" && c.Record.DSN == "" {
		return fmt.Errorf("record.driver %s requires record.dsn", c.Record.Driver)
	}
	if c.Chat.MaxToolRounds < 1 {
		return fmt.Errorf("chat.max_tool_rounds must be at least 1")
	}
	switch c.Sessions.BusyPolicy {
	case "reject", "queue":
	default:
		return fmt.Errorf("sessions.busy_policy %q must be reject or queue", c.Sessions.BusyPolicy)
	}
	return nil
}
