// Package app wires the session client, the enrichment pipeline and a record store into
// one run.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/shpitdev/developer-enricher/internal/config"
	"github.com/shpitdev/developer-enricher/internal/version"
	"github.com/shpitdev/developer-enricher/pkg/enrichment"
	"github.com/shpitdev/developer-enricher/pkg/mcp"
	"github.com/shpitdev/developer-enricher/pkg/pipeline/core"
	"github.com/shpitdev/developer-enricher/pkg/pipeline/redact"
)

// Store is the record store a run loads from and saves to.
type Store = core.RecordStore[enrichment.DeveloperRecord]

// ErrSession reports that no session could be established, so nothing was enriched.
var ErrSession = errors.New("mcp session")

// Report summarizes a finished run.
type Report struct {
	RunID string
	enrichment.Report
}

// Option adjusts a run beyond what Config covers.
type Option func(*runOptions)

type runOptions struct {
	httpClient *http.Client
	metrics    *enrichment.Metrics
	runID      string
}

// WithHTTPClient sets the transport for MCP requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *runOptions) { o.httpClient = c }
}

// WithMetrics collects into m instead of a fresh registry.
func WithMetrics(m *enrichment.Metrics) Option {
	return func(o *runOptions) { o.metrics = m }
}

// WithRunID fixes the run id logged on every line.
func WithRunID(id string) Option {
	return func(o *runOptions) { o.runID = id }
}

// Run loads the records, enriches them through one MCP session and saves them back.
//
// Load, establish and save failures end the run with an error. A failed initialize
// handshake is logged and the run continues; individual call failures only leave the
// affected fields unchanged.
func Run(ctx context.Context, cfg config.Config, store Store, logger zerolog.Logger, opts ...Option) (Report, error) {
	o := runOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}
	if o.metrics == nil {
		o.metrics = enrichment.NewMetrics()
	}
	logger = logger.With().Str("run", o.runID).Logger()
	report := Report{RunID: o.runID}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "enrichment.run")
	span.SetAttributes(attribute.String("run.id", o.runID))
	defer span.End()

	calls, err := cfg.Calls()
	if err != nil {
		return report, err
	}

	loadStart := time.Now()
	records, err := store.Load(ctx)
	if err != nil {
		return report, err
	}
	logger.Info().
		Int("records", len(records)).
		Dur("duration", time.Since(loadStart).Round(time.Millisecond)).
		Msg("loaded records")

	client, err := mcp.NewClient(mcp.Config{
		Endpoint:      cfg.MCP.Endpoint,
		ClientName:    cfg.MCP.ClientName,
		ClientVersion: version.Current,
		Timeout:       cfg.MCP.Timeout.Duration,
		HTTPClient:    o.httpClient,
	})
	if err != nil {
		return report, err
	}

	session, err := client.Establish(ctx)
	if err != nil {
		return report, fmt.Errorf("%w: %w", ErrSession, err)
	}
	logger.Info().Str("endpoint", client.Endpoint()).Str("session", session.ID).Msg("session established")

	if info, err := client.Initialize(ctx, session); err != nil {
		logger.Warn().Str("error", redact.Secrets(err.Error())).Msg("initialize failed; continuing")
	} else {
		logger.Info().
			Str("server", info.ServerInfo.Name).
			Str("protocol", info.ProtocolVersion).
			Msg("session initialized")
	}
	if err := sleep(ctx, cfg.MCP.InitDelay.Duration); err != nil {
		return report, err
	}

	pc := cfg.Pipeline
	logger.Info().
		Int("workers", pc.Workers).
		Int("maxRetries", pc.MaxRetries).
		Dur("recordInterval", pc.RecordInterval.Duration).
		Dur("callInterval", pc.CallInterval.Duration).
		Int("calls", len(calls)).
		Msg("enrichment start")

	ck := checkpointer{store: store, records: records, every: pc.CheckpointEvery, logger: logger}
	p := enrichment.New(newTracedCaller(client, logger, pc.MaxRetries), session, enrichment.Options{
		Workers:        pc.Workers,
		MaxRetries:     pc.MaxRetries,
		RequestTimeout: pc.RequestTimeout.Duration,
		RetryBackoff:   pc.RetryBackoff.Duration,
		RecordInterval: pc.RecordInterval.Duration,
		CallInterval:   pc.CallInterval.Duration,
		Calls:          calls,
		OnRecord:       ck.onRecord(ctx, len(records)),
		Metrics:        o.metrics,
		Logger:         logger,
	})
	enrichReport, runErr := p.Run(ctx, records)
	report.Report = enrichReport
	logSummary(logger, report)
	if runErr != nil {
		return report, runErr
	}

	saveStart := time.Now()
	if err := store.Save(ctx, records); err != nil {
		return report, err
	}
	logger.Info().
		Int("records", len(records)).
		Dur("duration", time.Since(saveStart).Round(time.Millisecond)).
		Msg("saved records")

	if cfg.MetricsFile != "" {
		if err := o.metrics.WriteTextfile(cfg.MetricsFile); err != nil {
			logger.Warn().Err(err).Str("path", cfg.MetricsFile).Msg("write metrics file failed")
		}
	}
	return report, nil
}

// checkpointer saves the whole collection after every N finished records.
type checkpointer struct {
	store   Store
	records []enrichment.DeveloperRecord
	every   int
	logger  zerolog.Logger

	done int
}

func (c *checkpointer) onRecord(ctx context.Context, total int) func(enrichment.RecordResult) error {
	return func(res enrichment.RecordResult) error {
		c.done++
		c.logger.Debug().
			Str("org", res.OrgNumber).
			Int("completed", c.done).
			Int("total", total).
			Msg("record finished")
		if c.every <= 0 || c.done%c.every != 0 || c.done == total {
			return nil
		}
		if err := c.store.Save(ctx, c.records); err != nil {
			return fmt.Errorf("checkpoint after %d records: %w", c.done, err)
		}
		c.logger.Info().Int("completed", c.done).Msg("checkpoint saved")
		return nil
	}
}

func logSummary(logger zerolog.Logger, r Report) {
	groups := make([]string, 0, len(r.Outcomes))
	for g := range r.Outcomes {
		groups = append(groups, string(g))
	}
	sort.Strings(groups)

	ev := logger.Info().
		Int("records", r.Records).
		Int("enriched", r.Enriched).
		Int("skipped", r.Skipped).
		Dur("duration", r.Duration.Round(time.Millisecond))
	for _, g := range groups {
		counts := zerolog.Dict()
		for outcome, n := range r.Outcomes[enrichment.FieldGroup(g)] {
			counts = counts.Int(string(outcome), n)
		}
		ev = ev.Dict(g, counts)
	}
	ev.Msg("enrichment complete")
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
