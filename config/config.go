// Package config loads the draftgraph configuration file and builds the
// runtime it describes: store adapter, chat model, node handlers and
// executor.
//
// Example file:
//
//	backend: native
//	store:
//	  kind: badger
//	  path: ./.draftgraph
//	engine:
//	  max_concurrent: 8
//	  node_timeout: 5m
//	  retry: {max_attempts: 3, base_delay: 1s, max_delay: 30s}
//	log: {level: info, format: console}
//	model:
//	  provider: anthropic
//	  api_key_env: ANTHROPIC_API_KEY
//	metrics: {enabled: true, addr: ":9090"}
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root of the configuration file.
type Config struct {
	Backend string        `yaml:"backend" validate:"oneof=native external"`
	Store   StoreConfig   `yaml:"store"`
	Engine  EngineConfig  `yaml:"engine"`
	Log     LogConfig     `yaml:"log"`
	Model   ModelConfig   `yaml:"model"`
	Tools   ToolsConfig   `yaml:"tools"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// StoreConfig selects the persistence adapter.
type StoreConfig struct {
	Kind string `yaml:"kind" validate:"oneof=memory badger sqlite mysql"`
	Path string `yaml:"path" validate:"required_if=Kind badger,required_if=Kind sqlite"`
	DSN  string `yaml:"dsn" validate:"required_if=Kind mysql"`
}

// EngineConfig carries executor limits.
type EngineConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent" validate:"gte=1"`
	MaxSteps      int           `yaml:"max_steps" validate:"gte=0"`
	NodeTimeout   time.Duration `yaml:"node_timeout" validate:"gte=0"`
	DrainTimeout  time.Duration `yaml:"drain_timeout" validate:"gte=0"`
	Retry         RetryConfig   `yaml:"retry"`
}

// RetryConfig is the default transient-failure policy for nodes whose
// contract entry has none.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" validate:"gte=1"`
	BaseDelay   time.Duration `yaml:"base_delay" validate:"gte=0"`
	MaxDelay    time.Duration `yaml:"max_delay" validate:"gte=0"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

// ModelConfig selects the chat model backing the node handlers. The mock
// provider needs no key and writes placeholder text.
type ModelConfig struct {
	Provider    string `yaml:"provider" validate:"oneof=anthropic openai google mock"`
	Name        string `yaml:"name"`
	APIKeyEnv   string `yaml:"api_key_env" validate:"required_unless=Provider mock"`
	MaxSections int    `yaml:"max_sections" validate:"gte=1,lte=50"`
	ToolRounds  int    `yaml:"tool_rounds" validate:"gte=0"`
}

// ToolsConfig enables the tools offered to the model while drafting.
type ToolsConfig struct {
	Fetch FetchConfig `yaml:"fetch"`
}

// FetchConfig configures the fetch_reference tool.
type FetchConfig struct {
	Enabled      bool     `yaml:"enabled"`
	AllowedHosts []string `yaml:"allowed_hosts"`
	MaxBytes     int64    `yaml:"max_bytes" validate:"gte=0"`
}

// MetricsConfig exposes Prometheus metrics over HTTP.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" validate:"required_if=Enabled true"`
}

// TracingConfig enables OpenTelemetry spans for node commits. Spans are
// written as JSON to Output, or to stderr when Output is empty.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	Output      string `yaml:"output"`
}

// Default returns a configuration that works without a file: native
// backend, badger under ./.draftgraph and the mock model.
func Default() Config {
	return Config{
		Backend: "native",
		Store:   StoreConfig{Kind: "badger", Path: ".draftgraph"},
		Engine: EngineConfig{
			MaxConcurrent: 4,
			NodeTimeout:   5 * time.Minute,
			DrainTimeout:  30 * time.Second,
			Retry:         RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second},
		},
		Log:     LogConfig{Level: "info", Format: "console"},
		Model:   ModelConfig{Provider: "mock", MaxSections: 12, ToolRounds: 2},
		Metrics: MetricsConfig{Addr: ":9090"},
		Tracing: TracingConfig{ServiceName: "draftgraph"},
	}
}

var validate = validator.New()

// Load reads path over Default and validates the result. Unknown keys are
// rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("invalid config: %s fails %q (value %v)", f.Namespace(), f.Tag(), f.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if r := c.Engine.Retry; r.MaxDelay > 0 && r.MaxDelay < r.BaseDelay {
		return errors.New("invalid config: engine.retry.max_delay is below base_delay")
	}
	return nil
}
