package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config models rurallend.yml.
type Config struct {
	Uploads  UploadsConfig   `yaml:"uploads"`
	Services ServicesConfig  `yaml:"services"`
	Offer    OfferConfig     `yaml:"offer"`
	Logging  LoggingConfig   `yaml:"logging"`
	Server   ServerConfig    `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// UploadsConfig is the retry policy shared by the upload queue and
// automatically retried service calls.
type UploadsConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

type ServicesConfig struct {
	CallTimeout time.Duration `yaml:"call_timeout"`
	Sim         SimConfig     `yaml:"sim"`
}

// SimConfig drives the simulated external services.
type SimConfig struct {
	CaptureDelay     time.Duration `yaml:"capture_delay"`
	SpeechDelay      time.Duration `yaml:"speech_delay"`
	StageDelay       time.Duration `yaml:"stage_delay"`
	VerifyDelay      time.Duration `yaml:"verify_delay"`
	UploadDelay      time.Duration `yaml:"upload_delay"`
	DecisionOutcome  string        `yaml:"decision_outcome"`
	UploadFailScript []string      `yaml:"upload_fail_script"`
}

type OfferConfig struct {
	InterestRatePct string `yaml:"interest_rate_pct"`
	ProcessingFee   string `yaml:"processing_fee"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr"`
	BasePath string `yaml:"base_path"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// InterestRate returns the annual rate as a decimal percentage.
func (o OfferConfig) InterestRate() decimal.Decimal {
	d, _ := decimal.NewFromString(o.InterestRatePct)
	return d
}

func (o OfferConfig) Fee() decimal.Decimal {
	d, _ := decimal.NewFromString(o.ProcessingFee)
	return d
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Uploads.MaxRetries < 0 {
		return fmt.Errorf("config.uploads.max_retries must not be negative")
	}
	if c.Uploads.BaseDelay <= 0 {
		return fmt.Errorf("config.uploads.base_delay must be positive")
	}
	if c.Uploads.MaxDelay < c.Uploads.BaseDelay {
		return fmt.Errorf("config.uploads.max_delay must be at least base_delay")
	}
	if c.Services.CallTimeout <= 0 {
		return fmt.Errorf("config.services.call_timeout must be positive")
	}
	switch c.Services.Sim.DecisionOutcome {
	case "approved", "pending", "rejected":
	default:
		return fmt.Errorf("config.services.sim.decision_outcome must be approved, pending or rejected")
	}
	for i, step := range c.Services.Sim.UploadFailScript {
		switch step {
		case "ok", "transient", "permanent", "hang":
		default:
			return fmt.Errorf("config.services.sim.upload_fail_script[%d]: unknown step %q", i, step)
		}
	}
	rate, err := decimal.NewFromString(c.Offer.InterestRatePct)
	if err != nil || rate.IsNegative() {
		return fmt.Errorf("config.offer.interest_rate_pct must be a non-negative number")
	}
	fee, err := decimal.NewFromString(c.Offer.ProcessingFee)
	if err != nil || fee.IsNegative() {
		return fmt.Errorf("config.offer.processing_fee must be a non-negative number")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.logging.format must be json or console")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
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
	return filepath.Join(workspace, "rurallend.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// FromYAML parses config over the defaults, so omitted keys keep their
// default values, then validates it.
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

const defaultTemplate = `uploads:
  max_retries: 3
  base_delay: 1s
  max_delay: 30s

services:
  call_timeout: 30s
  sim:
    capture_delay: 1s
    speech_delay: 2s
    stage_delay: 2s
    verify_delay: 1500ms
    upload_delay: 500ms
    decision_outcome: approved

offer:
  interest_rate_pct: "18"
  processing_fee: "1000"

logging:
  level: info
  format: console

server:
  addr: 127.0.0.1:8080
  base_path: /v0
`
