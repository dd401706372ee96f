// Package config assembles the run configuration from defaults, an optional YAML or TOML
// file and environment variables. Command-line flags are applied on top by the binaries.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/shpitdev/developer-enricher/pkg/enrichment"
)

const DefaultEndpoint = "https://app.offentligdata.com/mcp/"

// Config holds the complete run configuration.
type Config struct {
	MCP       MCPConfig       `yaml:"mcp" toml:"mcp"`
	Pipeline  PipelineConfig  `yaml:"pipeline" toml:"pipeline"`
	Log       LogConfig       `yaml:"log" toml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`

	// MetricsFile receives a Prometheus textfile snapshot after the run. Empty disables.
	MetricsFile string `yaml:"metrics_file" toml:"metrics_file"`

	// Tools overrides the tool name or argument key per field group.
	Tools map[string]enrichment.ToolOverride `yaml:"tools" toml:"tools"`
}

type MCPConfig struct {
	Endpoint   string   `yaml:"endpoint" toml:"endpoint"`
	ClientName string   `yaml:"client_name" toml:"client_name"`
	Timeout    Duration `yaml:"timeout" toml:"timeout"`
	// InitDelay is waited after the initialize handshake before the first tool call.
	InitDelay Duration `yaml:"init_delay" toml:"init_delay"`
}

type PipelineConfig struct {
	Workers        int      `yaml:"workers" toml:"workers"`
	MaxRetries     int      `yaml:"max_retries" toml:"max_retries"`
	RequestTimeout Duration `yaml:"request_timeout" toml:"request_timeout"`
	RetryBackoff   Duration `yaml:"retry_backoff" toml:"retry_backoff"`
	RecordInterval Duration `yaml:"record_interval" toml:"record_interval"`
	CallInterval   Duration `yaml:"call_interval" toml:"call_interval"`
	// CheckpointEvery saves the collection after every N finished records. 0 disables.
	CheckpointEvery int      `yaml:"checkpoint_every" toml:"checkpoint_every"`
	Only            []string `yaml:"only" toml:"only"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	// File additionally writes JSON lines to a rotated file.
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	Endpoint    string `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool   `yaml:"insecure" toml:"insecure"`
	ServiceName string `yaml:"service_name" toml:"service_name"`
}

// Duration wraps time.Duration for text-based config formats.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

// Default returns the built-in configuration: one worker, no retries, one second between
// records and after the handshake.
func Default() Config {
	return Config{
		MCP: MCPConfig{
			Endpoint:   DefaultEndpoint,
			ClientName: "developer-enricher",
			Timeout:    Duration{60 * time.Second},
			InitDelay:  Duration{time.Second},
		},
		Pipeline: PipelineConfig{
			Workers:        1,
			RequestTimeout: Duration{30 * time.Second},
			RetryBackoff:   Duration{500 * time.Millisecond},
			RecordInterval: Duration{time.Second},
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			Insecure:    true,
			ServiceName: "developer-enricher",
		},
	}
}

// Load returns defaults overlaid with path (when non-empty) and then the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := loadFile(os.ExpandEnv(path), &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return fmt.Errorf("parse config file %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(b), cfg); err != nil {
			return fmt.Errorf("parse config file %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config file extension %q (want .yaml, .yml or .toml)", filepath.Ext(path))
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.MCP.Endpoint, "MCP_ENDPOINT")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Log.Format, "LOG_FORMAT")
	setString(&cfg.Log.File, "LOG_FILE")
	setString(&cfg.MetricsFile, "METRICS_FILE")
	setString(&cfg.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")

	var err error
	if cfg.Pipeline.Workers, err = envInt("WORKERS", cfg.Pipeline.Workers); err != nil {
		return err
	}
	if cfg.Pipeline.MaxRetries, err = envInt("MAX_RETRIES", cfg.Pipeline.MaxRetries); err != nil {
		return err
	}
	if cfg.Pipeline.CheckpointEvery, err = envInt("CHECKPOINT_EVERY", cfg.Pipeline.CheckpointEvery); err != nil {
		return err
	}
	for name, d := range map[string]*Duration{
		"MCP_TIMEOUT":     &cfg.MCP.Timeout,
		"INIT_DELAY":      &cfg.MCP.InitDelay,
		"REQUEST_TIMEOUT": &cfg.Pipeline.RequestTimeout,
		"RETRY_BACKOFF":   &cfg.Pipeline.RetryBackoff,
		"RECORD_INTERVAL": &cfg.Pipeline.RecordInterval,
		"CALL_INTERVAL":   &cfg.Pipeline.CallInterval,
	} {
		if d.Duration, err = envDuration(name, d.Duration); err != nil {
			return err
		}
	}
	if cfg.Telemetry.Enabled, err = envBool("OTEL_ENABLED", cfg.Telemetry.Enabled); err != nil {
		return err
	}
	return nil
}

// Validate rejects values no run can use.
func (c Config) Validate() error {
	if strings.TrimSpace(c.MCP.Endpoint) == "" {
		return fmt.Errorf("mcp endpoint is required")
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("workers must be >= 1 (got %d)", c.Pipeline.Workers)
	}
	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0 (got %d)", c.Pipeline.MaxRetries)
	}
	if c.Pipeline.CheckpointEvery < 0 {
		return fmt.Errorf("checkpoint_every must be >= 0 (got %d)", c.Pipeline.CheckpointEvery)
	}
	for name, d := range map[string]Duration{
		"init_delay":      c.MCP.InitDelay,
		"request_timeout": c.Pipeline.RequestTimeout,
		"retry_backoff":   c.Pipeline.RetryBackoff,
		"record_interval": c.Pipeline.RecordInterval,
		"call_interval":   c.Pipeline.CallInterval,
	} {
		if d.Duration < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("log format must be console or json (got %q)", c.Log.Format)
	}
	if _, err := c.Calls(); err != nil {
		return err
	}
	return nil
}

// Calls resolves the call set: defaults, then tool overrides, then the group filter.
func (c Config) Calls() ([]enrichment.Call, error) {
	overrides := make(map[enrichment.FieldGroup]enrichment.ToolOverride, len(c.Tools))
	for name, o := range c.Tools {
		groups, err := enrichment.ParseGroups(name)
		if err != nil {
			return nil, fmt.Errorf("tools: %w", err)
		}
		if len(groups) != 1 {
			return nil, fmt.Errorf("tools: invalid group key %q", name)
		}
		overrides[groups[0]] = o
	}
	calls, err := enrichment.WithOverrides(enrichment.DefaultCalls(), overrides)
	if err != nil {
		return nil, err
	}
	only, err := enrichment.ParseGroups(strings.Join(c.Pipeline.Only, ","))
	if err != nil {
		return nil, fmt.Errorf("only: %w", err)
	}
	return enrichment.Only(calls, only), nil
}

func setString(dst *string, varName string) {
	if v := strings.TrimSpace(os.Getenv(varName)); v != "" {
		*dst = v
	}
}

func envInt(varName string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envDuration(varName string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envBool(varName string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}
