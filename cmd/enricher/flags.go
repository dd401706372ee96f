package main

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shpitdev/developer-enricher/internal/config"
)

// runFlags are the persistent flags shared by every store command. A flag only overrides
// the file/environment configuration when it was set explicitly.
type runFlags struct {
	configPath string

	endpoint        string
	workers         int
	maxRetries      int
	requestTimeout  time.Duration
	recordInterval  time.Duration
	callInterval    time.Duration
	initDelay       time.Duration
	checkpointEvery int
	only            string
	metricsFile     string
	logLevel        string
	logFormat       string
	logFile         string

	cmd *cobra.Command
}

func (f *runFlags) bind(root *cobra.Command) {
	f.cmd = root
	pf := root.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "Config file (.yaml, .yml or .toml)")
	pf.StringVar(&f.endpoint, "endpoint", "", "MCP endpoint URL (env: MCP_ENDPOINT)")
	pf.IntVar(&f.workers, "workers", 1, "Records enriched concurrently (env: WORKERS)")
	pf.IntVar(&f.maxRetries, "max-retries", 0, "Retries per call for transient transport failures (env: MAX_RETRIES)")
	pf.DurationVar(&f.requestTimeout, "request-timeout", 30*time.Second, "Per-call timeout (env: REQUEST_TIMEOUT)")
	pf.DurationVar(&f.recordInterval, "record-interval", time.Second, "Wait after each record; spacing of record starts with several workers (env: RECORD_INTERVAL)")
	pf.DurationVar(&f.callInterval, "call-interval", 0, "Minimum spacing between tool calls (env: CALL_INTERVAL)")
	pf.DurationVar(&f.initDelay, "init-delay", time.Second, "Wait after the initialize handshake (env: INIT_DELAY)")
	pf.IntVar(&f.checkpointEvery, "checkpoint-every", 0, "Save after every N finished records, 0 disables (env: CHECKPOINT_EVERY)")
	pf.StringVar(&f.only, "only", "", "Comma-separated field groups to enrich (details,roles,shareholders,financials)")
	pf.StringVar(&f.metricsFile, "metrics-file", "", "Write a Prometheus textfile after the run (env: METRICS_FILE)")
	pf.StringVar(&f.logLevel, "log-level", "info", "Log level (env: LOG_LEVEL)")
	pf.StringVar(&f.logFormat, "log-format", "console", "Log format: console or json (env: LOG_FORMAT)")
	pf.StringVar(&f.logFile, "log-file", "", "Also write JSON logs to this rotated file (env: LOG_FILE)")
}

func (f *runFlags) changed(name string) bool {
	fl := f.cmd.PersistentFlags().Lookup(name)
	return fl != nil && fl.Changed
}

// load resolves the configuration: defaults, config file, environment, then flags.
func (f *runFlags) load() (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, usageError{err: err}
	}

	if f.changed("endpoint") {
		cfg.MCP.Endpoint = f.endpoint
	}
	if f.changed("workers") {
		cfg.Pipeline.Workers = f.workers
	}
	if f.changed("max-retries") {
		cfg.Pipeline.MaxRetries = f.maxRetries
	}
	if f.changed("request-timeout") {
		cfg.Pipeline.RequestTimeout.Duration = f.requestTimeout
	}
	if f.changed("record-interval") {
		cfg.Pipeline.RecordInterval.Duration = f.recordInterval
	}
	if f.changed("call-interval") {
		cfg.Pipeline.CallInterval.Duration = f.callInterval
	}
	if f.changed("init-delay") {
		cfg.MCP.InitDelay.Duration = f.initDelay
	}
	if f.changed("checkpoint-every") {
		cfg.Pipeline.CheckpointEvery = f.checkpointEvery
	}
	if f.changed("only") {
		cfg.Pipeline.Only = splitList(f.only)
	}
	if f.changed("metrics-file") {
		cfg.MetricsFile = f.metricsFile
	}
	if f.changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if f.changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if f.changed("log-file") {
		cfg.Log.File = f.logFile
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, usageError{err: err}
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
