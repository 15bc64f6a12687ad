package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"quoteline/internal/domain"
	"quoteline/internal/workflow"
)

// Config models quoteline.yml.
type Config struct {
	Workflow struct {
		ExpiryDays   int           `yaml:"expiry_days"`
		CancelWindow time.Duration `yaml:"cancel_window"`
		MaxRetries   int           `yaml:"max_retries"`
	} `yaml:"workflow"`
	Sync struct {
		MaxAttempts int           `yaml:"max_attempts"`
		BaseDelay   time.Duration `yaml:"base_delay"`
	} `yaml:"sync"`
	Mailbox  Mailbox  `yaml:"mailbox"`
	Analyzer Analyzer `yaml:"analyzer"`
	Status   struct {
		Aliases map[string]string `yaml:"aliases"`
	} `yaml:"status"`
	Storage struct {
		DSN string `yaml:"dsn"`
	} `yaml:"storage"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Telemetry struct {
		Enabled     bool   `yaml:"enabled"`
		ServiceName string `yaml:"service_name"`
	} `yaml:"telemetry"`
	Webhooks []Webhook `yaml:"webhooks"`
}

type Mailbox struct {
	Enabled      bool          `yaml:"enabled"`
	BaseURL      string        `yaml:"base_url"`
	User         string        `yaml:"user"`
	FromAddress  string        `yaml:"from_address"`
	TokenEnv     string        `yaml:"token_env"`
	PollInterval time.Duration `yaml:"poll_interval"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxResults   int           `yaml:"max_results"`
}

type Analyzer struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type Webhook struct {
	ID             string   `yaml:"id"`
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        bool     `yaml:"enabled"`
}

// Policy returns the workflow thresholds configured in c.
func (c *Config) Policy() workflow.Policy {
	p := workflow.DefaultPolicy()
	if c.Workflow.ExpiryDays > 0 {
		p.ExpiryDays = c.Workflow.ExpiryDays
	}
	if c.Workflow.CancelWindow > 0 {
		p.CancelWindow = c.Workflow.CancelWindow
	}
	if c.Workflow.MaxRetries > 0 {
		p.MaxRetries = c.Workflow.MaxRetries
	}
	return p
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ql config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Workflow.ExpiryDays < 0 {
		return fmt.Errorf("config.workflow.expiry_days must not be negative")
	}
	if c.Workflow.CancelWindow < 0 {
		return fmt.Errorf("config.workflow.cancel_window must not be negative")
	}
	if c.Workflow.MaxRetries < 0 {
		return fmt.Errorf("config.workflow.max_retries must not be negative")
	}
	if c.Sync.MaxAttempts < 0 || c.Sync.BaseDelay < 0 {
		return fmt.Errorf("config.sync values must not be negative")
	}
	if c.Mailbox.Enabled {
		if c.Mailbox.TokenEnv == "" {
			return fmt.Errorf("config.mailbox.token_env is required when the mailbox is enabled")
		}
		if c.Mailbox.PollInterval <= 0 {
			return fmt.Errorf("config.mailbox.poll_interval must be positive")
		}
	}
	if c.Mailbox.BaseURL != "" {
		if _, err := url.ParseRequestURI(c.Mailbox.BaseURL); err != nil {
			return fmt.Errorf("config.mailbox.base_url: %w", err)
		}
	}
	if c.Analyzer.URL != "" {
		if _, err := url.ParseRequestURI(c.Analyzer.URL); err != nil {
			return fmt.Errorf("config.analyzer.url: %w", err)
		}
	}
	for raw, target := range c.Status.Aliases {
		if strings.TrimSpace(raw) == "" {
			return fmt.Errorf("config.status.aliases has empty token")
		}
		if !domain.State(target).Valid() {
			return fmt.Errorf("status alias %s targets unknown state %s", raw, target)
		}
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	seen := map[string]bool{}
	for i, hook := range c.Webhooks {
		if hook.ID == "" {
			return fmt.Errorf("config.webhooks[%d].id is required", i)
		}
		if seen[hook.ID] {
			return fmt.Errorf("duplicate webhook id %s", hook.ID)
		}
		seen[hook.ID] = true
		if hook.URL == "" {
			return fmt.Errorf("webhook %s has no url", hook.ID)
		}
		for _, evt := range hook.Events {
			if evt == "*" {
				continue
			}
			if _, ok := domain.ParseEventType(evt); !ok {
				return fmt.Errorf("webhook %s subscribes to unknown event %s", hook.ID, evt)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "quoteline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Unset fields keep
// their defaults.
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

const defaultTemplate = `workflow:
  expiry_days: 7
  cancel_window: 24h
  max_retries: 3

sync:
  max_attempts: 3
  base_delay: 1s

mailbox:
  enabled: false
  base_url: https://gmail.googleapis.com/gmail/v1
  user: me
  token_env: QUOTELINE_GMAIL_TOKEN
  poll_interval: 60s
  initial_delay: 5s
  max_results: 50

analyzer:
  url: ""
  timeout: 30s

status:
  aliases: {}

storage:
  dsn: ""

server:
  addr: 127.0.0.1:8080
  base_path: /v0

telemetry:
  enabled: false
  service_name: quoteline

webhooks: []
`
