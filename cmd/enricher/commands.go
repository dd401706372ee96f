package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/shpitdev/developer-enricher/internal/app"
	"github.com/shpitdev/developer-enricher/internal/config"
	"github.com/shpitdev/developer-enricher/internal/logging"
	"github.com/shpitdev/developer-enricher/internal/telemetry"
	"github.com/shpitdev/developer-enricher/internal/version"
	"github.com/shpitdev/developer-enricher/pkg/enrichment"
	"github.com/shpitdev/developer-enricher/pkg/foundry"
	"github.com/shpitdev/developer-enricher/pkg/foundry/jobs"
	"github.com/shpitdev/developer-enricher/pkg/pipeline/core"
	foundryio "github.com/shpitdev/developer-enricher/pkg/pipeline/io/foundry"
	"github.com/shpitdev/developer-enricher/pkg/pipeline/io/local"
	sqliteio "github.com/shpitdev/developer-enricher/pkg/pipeline/io/sqlite"
)

// runEnv is the per-invocation setup shared by the store commands.
type runEnv struct {
	cfg      config.Config
	logger   zerolog.Logger
	shutdown func()
}

func (f *runFlags) setup(ctx context.Context, stderr io.Writer) (runEnv, error) {
	cfg, err := f.load()
	if err != nil {
		return runEnv{}, err
	}
	logger, closer, err := logging.New(cfg.Log, stderr)
	if err != nil {
		return runEnv{}, usageError{err: err}
	}
	stopTracing, err := telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("tracing disabled")
		stopTracing = func(context.Context) error { return nil }
	}
	return runEnv{
		cfg:    cfg,
		logger: logger,
		shutdown: func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := stopTracing(sctx); err != nil {
				logger.Warn().Err(err).Msg("flush traces failed")
			}
			_ = closer.Close()
		},
	}, nil
}

func orgKey(r enrichment.DeveloperRecord) string { return r.OrgNumber }

func newLocalCmd(flags *runFlags, stderr io.Writer) *cobra.Command {
	var input, output string
	cmd := &cobra.Command{
		Use:   "local",
		Short: "Enrich a JSON file of records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(input) == "" {
				return usageErrorf("--input is required")
			}
			if strings.TrimSpace(output) == "" {
				output = input
			}
			rt, err := flags.setup(cmd.Context(), stderr)
			if err != nil {
				return err
			}
			defer rt.shutdown()

			var store app.Store = local.NewJSONFile[enrichment.DeveloperRecord](input)
			if output != input {
				store = core.Split[enrichment.DeveloperRecord](store, local.NewJSONFile[enrichment.DeveloperRecord](output))
			}
			rt.logger.Info().Str("input", input).Str("output", output).Msg("local store")
			_, err = app.Run(cmd.Context(), rt.cfg, store, rt.logger)
			return err
		},
	}
	cmd.Flags().StringVar(&input, "input", "developers.json", "JSON array of developer records")
	cmd.Flags().StringVar(&output, "output", "", "Where to write the enriched records (default: --input)")
	return cmd
}

func newSQLiteCmd(flags *runFlags, stderr io.Writer) *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "sqlite",
		Short: "Enrich records kept in a SQLite database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := flags.setup(cmd.Context(), stderr)
			if err != nil {
				return err
			}
			defer rt.shutdown()

			store, err := sqliteio.Open(dbPath, orgKey)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			rt.logger.Info().Str("db", dbPath).Msg("sqlite store")
			_, err = app.Run(cmd.Context(), rt.cfg, store, rt.logger)
			return err
		},
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "developers.db", "SQLite database path")

	var from string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Replace the database contents with a JSON file of records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(from) == "" {
				return usageErrorf("--from is required")
			}
			rt, err := flags.setup(cmd.Context(), stderr)
			if err != nil {
				return err
			}
			defer rt.shutdown()

			records, err := local.NewJSONFile[enrichment.DeveloperRecord](from).Load(cmd.Context())
			if err != nil {
				return err
			}
			store, err := sqliteio.Open(dbPath, orgKey)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			if err := store.Save(cmd.Context(), records); err != nil {
				return err
			}
			stored, err := store.Count(cmd.Context())
			if err != nil {
				return err
			}
			rt.logger.Info().Str("from", from).Str("db", dbPath).Int("records", stored).Msg("imported records")
			return nil
		},
	}
	importCmd.Flags().StringVar(&from, "from", "", "JSON array of developer records")
	cmd.AddCommand(importCmd)
	return cmd
}

// jobQuery is the optional payload of a compute module job.
type jobQuery struct {
	Only []string `json:"only"`
}

type jobResult struct {
	RunID    string                                               `json:"runId"`
	Records  int                                                  `json:"records"`
	Enriched int                                                  `json:"enriched"`
	Skipped  int                                                  `json:"skipped"`
	Outcomes map[enrichment.FieldGroup]map[enrichment.Outcome]int `json:"outcomes"`
	Duration string                                               `json:"duration"`
}

func newFoundryCmd(flags *runFlags, stderr io.Writer) *cobra.Command {
	var inputAlias, outputAlias, filePath string
	cmd := &cobra.Command{
		Use:   "foundry",
		Short: "Enrich records in a Foundry dataset",
		Long: `foundry reads the records file from the input dataset alias and writes the
enriched file to the output alias in a SNAPSHOT transaction.

When GET_JOB_URI and POST_RESULT_URI are set the command serves compute module
jobs instead of running once. A job query may narrow the run with
{"only": ["details", "roles"]}; the job result is the run summary.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := flags.setup(ctx, stderr)
			if err != nil {
				return err
			}
			defer rt.shutdown()

			env, err := foundry.LoadEnv()
			if err != nil {
				return usageError{err: err}
			}
			inRef, err := env.Alias(inputAlias)
			if err != nil {
				return usageError{err: err}
			}
			outRef, err := env.Alias(outputAlias)
			if err != nil {
				return usageError{err: err}
			}
			client, err := foundry.NewClient(env.Services.APIGateway, env.Token, env.DefaultCAPath)
			if err != nil {
				return usageError{err: err}
			}
			store := core.Split[enrichment.DeveloperRecord](
				foundryio.NewStore[enrichment.DeveloperRecord](client, inRef, filePath),
				foundryio.NewStore[enrichment.DeveloperRecord](client, outRef, filePath),
			)
			rt.logger.Info().
				Str("input", inRef.RID).
				Str("output", outRef.RID).
				Str("file", filePath).
				Msg("foundry store")

			jobCfg, ok, err := jobs.LoadConfigFromEnv()
			if err != nil {
				return usageError{err: err}
			}
			if !ok {
				_, err = app.Run(ctx, rt.cfg, store, rt.logger)
				return err
			}

			poller, err := jobs.NewPoller(jobCfg, nil, rt.logger)
			if err != nil {
				return err
			}
			err = poller.Run(ctx, func(ctx context.Context, job jobs.Job) ([]byte, error) {
				return runJob(ctx, rt, store, job)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&inputAlias, "input-alias", "input", "RESOURCE_ALIAS_MAP alias of the dataset to read")
	cmd.Flags().StringVar(&outputAlias, "output-alias", "output", "RESOURCE_ALIAS_MAP alias of the dataset to write")
	cmd.Flags().StringVar(&filePath, "file", foundryio.DefaultFilePath, "Records file inside the datasets")
	return cmd
}

func runJob(ctx context.Context, rt runEnv, store app.Store, job jobs.Job) ([]byte, error) {
	cfg := rt.cfg
	if q := strings.TrimSpace(string(job.Query)); q != "" && q != "null" && q != "{}" {
		var query jobQuery
		if err := json.Unmarshal(job.Query, &query); err != nil {
			return nil, fmt.Errorf("parse job query: %w", err)
		}
		if len(query.Only) > 0 {
			cfg.Pipeline.Only = query.Only
		}
	}

	report, err := app.Run(ctx, cfg, store, rt.logger.With().Str("job", job.JobID).Logger(), app.WithRunID(job.JobID))
	if err != nil {
		return nil, err
	}
	return json.Marshal(jobResult{
		RunID:    report.RunID,
		Records:  report.Records,
		Enriched: report.Enriched,
		Skipped:  report.Skipped,
		Outcomes: report.Outcomes,
		Duration: report.Duration.Round(time.Millisecond).String(),
	})
}

func newVersionCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			_, err := fmt.Fprintln(stdout, version.Current)
			return err
		},
	}
}
