// Package config loads chatbridge settings from a YAML file, environment
// variables and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Session  SessionConfig  `mapstructure:"session"`
	Throttle ThrottleConfig `mapstructure:"throttle"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Agents   []AgentConfig  `mapstructure:"agents"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	BindAddr        string        `mapstructure:"bindAddr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// QueueConfig tunes the per-workspace task queue.
type QueueConfig struct {
	// Retention is how long finished tasks stay visible to /status.
	Retention     time.Duration `mapstructure:"retention"`
	NextTaskDelay time.Duration `mapstructure:"nextTaskDelay"`
}

// SessionConfig tunes session expiry and interactive deadlines.
type SessionConfig struct {
	TTL                      time.Duration `mapstructure:"ttl"`
	IdleSweepInterval        time.Duration `mapstructure:"idleSweepInterval"`
	InteractiveSweepInterval time.Duration `mapstructure:"interactiveSweepInterval"`
	ExecutionTimeout         time.Duration `mapstructure:"executionTimeout"`
	InputTimeout             time.Duration `mapstructure:"inputTimeout"`
}

type ThrottleConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// DatabaseConfig enables the task history store when URL is set.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// NATSConfig holds NATS messaging configuration. An empty URL keeps events
// in process.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
	SubjectPrefix string `mapstructure:"subjectPrefix"`
}

// AgentConfig describes one bot and the agent it fronts.
type AgentConfig struct {
	ID               string            `mapstructure:"id"`
	Name             string            `mapstructure:"name"`
	Lark             LarkConfig        `mapstructure:"lark"`
	Launcher         LauncherConfig    `mapstructure:"launcher"`
	Workspaces       []WorkspaceConfig `mapstructure:"workspaces"`
	DefaultWorkspace string            `mapstructure:"defaultWorkspace"`
	AllowedTools     []string          `mapstructure:"allowedTools"`
	MaxTurns         int               `mapstructure:"maxTurns"`
	MaxBudgetUSD     float64           `mapstructure:"maxBudgetUsd"`
	Admins           []string          `mapstructure:"admins"`
	AllowedUsers     []string          `mapstructure:"allowedUsers"`
}

// LarkConfig holds the bot credentials. Without an app id the agent runs
// on the console channel.
type LarkConfig struct {
	AppID             string `mapstructure:"appId"`
	AppSecret         string `mapstructure:"appSecret"`
	BaseDomain        string `mapstructure:"baseDomain"`
	VerificationToken string `mapstructure:"verificationToken"`
	EncryptKey        string `mapstructure:"encryptKey"`
}

// Enabled reports whether Lark credentials are configured.
func (l LarkConfig) Enabled() bool {
	return strings.TrimSpace(l.AppID) != ""
}

type LauncherConfig struct {
	Mode      string   `mapstructure:"mode"` // cli, mock
	CLIPath   string   `mapstructure:"cliPath"`
	ExtraArgs []string `mapstructure:"extraArgs"`
}

type WorkspaceConfig struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
	Path string `mapstructure:"path"`
}

// detectDefaultLogFormat returns json in containers and production, text
// otherwise.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CHATBRIDGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.bindAddr", ":8080")
	v.SetDefault("server.shutdownTimeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("metrics.namespace", "chatbridge")

	v.SetDefault("queue.retention", "5m")
	v.SetDefault("queue.nextTaskDelay", "1s")

	v.SetDefault("session.ttl", "24h")
	v.SetDefault("session.idleSweepInterval", "1h")
	v.SetDefault("session.interactiveSweepInterval", "30s")
	v.SetDefault("session.executionTimeout", "30m")
	v.SetDefault("session.inputTimeout", "5m")

	v.SetDefault("throttle.interval", "1s")

	// Empty URL disables the history store.
	v.SetDefault("database.url", "")

	// Empty URL means in-memory event bus only.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "chatbridge")
	v.SetDefault("nats.maxReconnects", 10)
	v.SetDefault("nats.subjectPrefix", "chatbridge")
}

// Load reads configuration from path, or from chatbridge.yaml in the
// current directory or /etc/chatbridge when path is empty. Environment
// variables use the CHATBRIDGE_ prefix, e.g. CHATBRIDGE_SERVER_BINDADDR.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CHATBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("database.url", "CHATBRIDGE_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("nats.url", "CHATBRIDGE_NATS_URL", "NATS_URL")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("chatbridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/chatbridge/")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.applyAgentDefaults()

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyAgentDefaults() {
	for i := range c.Agents {
		a := &c.Agents[i]
		if a.Name == "" {
			a.Name = a.ID
		}
		if a.Launcher.Mode == "" {
			a.Launcher.Mode = "cli"
		}
		if a.Launcher.CLIPath == "" {
			a.Launcher.CLIPath = "claude"
		}
		if a.DefaultWorkspace == "" && len(a.Workspaces) > 0 {
			a.DefaultWorkspace = a.Workspaces[0].ID
		}
		for j := range a.Workspaces {
			if a.Workspaces[j].Name == "" {
				a.Workspaces[j].Name = a.Workspaces[j].ID
			}
		}
	}
}

// validate checks the loaded configuration and reports every problem at
// once.
func validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(cfg.Server.BindAddr) == "" {
		add("server.bindAddr is required")
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		add("server.shutdownTimeout must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		add("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		add("logging.format must be one of: json, text")
	}

	if cfg.Queue.Retention <= 0 {
		add("queue.retention must be positive")
	}
	if cfg.Queue.NextTaskDelay < 0 {
		add("queue.nextTaskDelay must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"session.ttl":                      cfg.Session.TTL,
		"session.idleSweepInterval":        cfg.Session.IdleSweepInterval,
		"session.interactiveSweepInterval": cfg.Session.InteractiveSweepInterval,
		"session.executionTimeout":         cfg.Session.ExecutionTimeout,
		"session.inputTimeout":             cfg.Session.InputTimeout,
		"throttle.interval":                cfg.Throttle.Interval,
	} {
		if d <= 0 {
			add("%s must be positive", name)
		}
	}

	if len(cfg.Agents) == 0 {
		add("at least one agent is required")
	}
	seen := make(map[string]bool, len(cfg.Agents))
	for i, a := range cfg.Agents {
		prefix := fmt.Sprintf("agents[%d]", i)
		if a.ID == "" {
			add("%s.id is required", prefix)
		} else if seen[a.ID] {
			add("%s.id %q is duplicated", prefix, a.ID)
		}
		seen[a.ID] = true

		switch a.Launcher.Mode {
		case "cli", "mock":
		default:
			add("%s.launcher.mode must be one of: cli, mock", prefix)
		}
		if a.Lark.Enabled() && strings.TrimSpace(a.Lark.AppSecret) == "" {
			add("%s.lark.appSecret is required when lark.appId is set", prefix)
		}
		if a.MaxTurns < 0 {
			add("%s.maxTurns must not be negative", prefix)
		}
		if a.MaxBudgetUSD < 0 {
			add("%s.maxBudgetUsd must not be negative", prefix)
		}

		if len(a.Workspaces) == 0 {
			add("%s.workspaces must not be empty", prefix)
		}
		wsSeen := make(map[string]bool, len(a.Workspaces))
		for j, ws := range a.Workspaces {
			if ws.ID == "" {
				add("%s.workspaces[%d].id is required", prefix, j)
			}
			if ws.Path == "" {
				add("%s.workspaces[%d].path is required", prefix, j)
			}
			wsSeen[ws.ID] = true
		}
		if a.DefaultWorkspace != "" && !wsSeen[a.DefaultWorkspace] {
			add("%s.defaultWorkspace %q is not a configured workspace", prefix, a.DefaultWorkspace)
		}
	}

	return errors.Join(errs...)
}
