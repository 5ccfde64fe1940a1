package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	BackendLocal       = "local"
	BackendEventBridge = "eventbridge"
)

// Config models tributary.yml.
type Config struct {
	Database struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`
	Scheduler struct {
		Backend      string        `yaml:"backend"`
		PollInterval time.Duration `yaml:"poll_interval"`
		Group        string        `yaml:"group"`
		TargetArn    string        `yaml:"target_arn"`
		RoleArn      string        `yaml:"role_arn"`
		NamePrefix   string        `yaml:"name_prefix"`
	} `yaml:"scheduler"`
	Dispatch struct {
		Timeout   time.Duration `yaml:"timeout"`
		AWSRegion string        `yaml:"aws_region"`
	} `yaml:"dispatch"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
		// JWTSecret verifies HS256 bearer tokens; empty disables JWT auth.
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig subscribes a URL to audit events. An empty Events list
// subscribes to every event type.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with trib init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("config.database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config.database.driver must be 'sqlite' or 'postgres', got %q", c.Database.Driver)
	}
	switch c.Scheduler.Backend {
	case BackendLocal:
		if c.Scheduler.PollInterval <= 0 {
			return fmt.Errorf("config.scheduler.poll_interval must be positive")
		}
	case BackendEventBridge:
		if c.Scheduler.TargetArn == "" {
			return fmt.Errorf("config.scheduler.target_arn is required for the eventbridge backend")
		}
		if c.Scheduler.RoleArn == "" {
			return fmt.Errorf("config.scheduler.role_arn is required for the eventbridge backend")
		}
		if c.Scheduler.Group == "" {
			return fmt.Errorf("config.scheduler.group is required for the eventbridge backend")
		}
	default:
		return fmt.Errorf("config.scheduler.backend must be 'local' or 'eventbridge', got %q", c.Scheduler.Backend)
	}
	if c.Dispatch.Timeout <= 0 {
		return fmt.Errorf("config.dispatch.timeout must be positive")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config.logging.format must be 'json' or 'console'")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for i, hook := range c.Webhooks {
		if !strings.HasPrefix(hook.URL, "http://") && !strings.HasPrefix(hook.URL, "https://") {
			return fmt.Errorf("config.webhooks[%d].url must be an http(s) URL", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "tributary.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns Default() if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys absent from
// the document keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// LoadDotEnv loads <workspace>/.env into the process environment when present.
// Variables already set win.
func LoadDotEnv(workspace string) error {
	if workspace == "" {
		workspace = "."
	}
	err := godotenv.Load(filepath.Join(workspace, ".env"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// Resolve loads the workspace config (or defaults) and overlays every key
// that v has set, from environment or flags, then validates the result.
func Resolve(workspace string, v *viper.Viper) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if v != nil {
		cfg.overlay(v)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlay(v *viper.Viper) {
	str := func(key string, dst *string) {
		if v.IsSet(key) {
			if s := v.GetString(key); s != "" {
				*dst = s
			}
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v.IsSet(key) {
			if d := v.GetDuration(key); d > 0 {
				*dst = d
			}
		}
	}
	str("database.driver", &c.Database.Driver)
	str("database.dsn", &c.Database.DSN)
	str("scheduler.backend", &c.Scheduler.Backend)
	dur("scheduler.poll_interval", &c.Scheduler.PollInterval)
	str("scheduler.group", &c.Scheduler.Group)
	str("scheduler.target_arn", &c.Scheduler.TargetArn)
	str("scheduler.role_arn", &c.Scheduler.RoleArn)
	str("scheduler.name_prefix", &c.Scheduler.NamePrefix)
	dur("dispatch.timeout", &c.Dispatch.Timeout)
	str("dispatch.aws_region", &c.Dispatch.AWSRegion)
	str("logging.level", &c.Logging.Level)
	str("logging.format", &c.Logging.Format)
	str("server.addr", &c.Server.Addr)
	str("server.base_path", &c.Server.BasePath)
	str("server.jwt_secret", &c.Server.JWTSecret)
}

// Keys lists every overridable config key; TRIBUTARY_<KEY> with dots as
// underscores is the matching environment variable.
var Keys = []string{
	"database.driver", "database.dsn",
	"scheduler.backend", "scheduler.poll_interval", "scheduler.group",
	"scheduler.target_arn", "scheduler.role_arn", "scheduler.name_prefix",
	"dispatch.timeout", "dispatch.aws_region",
	"logging.level", "logging.format",
	"server.addr", "server.base_path", "server.jwt_secret",
}

const defaultTemplate = `database:
  driver: sqlite
  dsn: ""

scheduler:
  backend: local
  poll_interval: 5s
  group: default
  target_arn: ""
  role_arn: ""
  name_prefix: trib-

dispatch:
  timeout: 30s
  aws_region: ""

logging:
  level: info
  format: json

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  jwt_secret: ""

# webhooks:
#   - url: https://hooks.example.com/tributary
#     events: [approval.requested, schedule.failed]
#     secret: ""
#     timeout_seconds: 5
`
