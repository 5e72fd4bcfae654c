// Package main provides the batch timeline CLI: it labels a dispensing
// extract and writes the labeled records, periods, strata and cohort
// summary as Parquet, optionally persisting the run to PostgreSQL.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxtimeline/internal/config"
	"github.com/drfirst/go-rxtimeline/internal/domain/timeline"
	"github.com/drfirst/go-rxtimeline/internal/infrastructure/parquetio"
	"github.com/drfirst/go-rxtimeline/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxtimeline/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxtimeline/internal/observability/logging"
	"github.com/drfirst/go-rxtimeline/internal/observability/metrics"
	"github.com/drfirst/go-rxtimeline/internal/observability/tracing"
)

// Output file names written to --out.
const (
	labeledFile = "labeled_records.parquet"
	periodsFile = "treatment_periods.parquet"
	strataFile  = "expected_durations.parquet"
	summaryFile = "cohort_summary.parquet"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "timeline-batch",
		Short:         "Statin dispensing timeline batch runner",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "optional YAML config file")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(topicsCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// env holds what every subcommand needs.
type env struct {
	cfg    *config.Config
	logger *zap.Logger
}

func setup() (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.IsDev())
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logger}, nil
}

type runOptions struct {
	records      string
	globalDates  string
	demographics string
	outDir       string
	fromDB       bool
	persist      bool
}

func runCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Label a dispensing extract and write the outputs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.fromDB && (opts.records == "" || opts.globalDates == "") {
				return fmt.Errorf("--records and --global-dates are required unless --from-db is set")
			}
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.logger.Sync()
			return runBatch(cmd.Context(), e, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.records, "records", "", "dispensing records Parquet file")
	f.StringVar(&opts.globalDates, "global-dates", "", "per-patient global issue dates Parquet file")
	f.StringVar(&opts.demographics, "demographics", "", "optional demographics Parquet file with date_of_death")
	f.StringVar(&opts.outDir, "out", "out", "output directory")
	f.BoolVar(&opts.fromDB, "from-db", false, "read inputs from PostgreSQL instead of Parquet")
	f.BoolVar(&opts.persist, "persist", false, "store the run in PostgreSQL and queue its events")
	return cmd
}

func runBatch(ctx context.Context, e *env, opts *runOptions) error {
	tp, err := tracing.Init(ctx, "timeline-batch",
		tracing.WithEnvironment(e.cfg.Env),
		tracing.WithEndpoint(e.cfg.OTLPEndpoint),
		tracing.WithSampleRate(e.cfg.TraceSample))
	if err != nil {
		return err
	}
	defer tp.Shutdown(context.Background())

	engineCfg, err := e.cfg.Timeline()
	if err != nil {
		return err
	}
	m := metrics.New()
	engine, err := timeline.NewEngine(engineCfg, e.logger,
		timeline.WithObserver(m),
		timeline.WithTracer(tp.Tracer("timeline-engine")))
	if err != nil {
		return err
	}

	var store *postgres.Store
	if opts.fromDB || opts.persist {
		if err := e.cfg.RequireDatabase(); err != nil {
			return err
		}
		pool, err := postgres.Connect(ctx, e.cfg.DatabaseURL, 0)
		if err != nil {
			return err
		}
		defer pool.Close()
		store = postgres.NewStore(pool, e.logger)
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
	}

	records, bounds, err := loadInputs(ctx, store, opts)
	if err != nil {
		return err
	}
	e.logger.Info("inputs loaded",
		zap.Int("records", len(records)),
		zap.Int("bounds", len(bounds)))

	started := time.Now().UTC()
	res, err := engine.Run(ctx, records, bounds)
	m.RunFinished(err)
	if err != nil {
		return err
	}
	for _, r := range res.Rejects {
		e.logger.Warn("patient rejected",
			zap.String("patient_id", r.PatientID),
			zap.Int("record_index", r.RecordIndex),
			zap.String("reason", r.Reason))
	}

	summary := timeline.Summarize(res.Records, e.cfg.SummaryOptions())
	if err := writeOutputs(opts.outDir, res, summary); err != nil {
		return err
	}
	e.logger.Info("outputs written",
		zap.String("dir", opts.outDir),
		zap.Int("labeled_records", len(res.Records)),
		zap.Int("periods", len(res.Periods)),
		zap.Int("users", summary.Counts.Users),
		zap.Int("discontinuers", summary.Counts.Discontinuers))

	if !opts.persist {
		return nil
	}

	runID := uuid.New().String()
	events, err := timeline.EventsFromRecords(res.Records)
	if err != nil {
		return err
	}
	for _, ev := range events {
		ev.WithRunID(runID)
	}
	meta := postgres.RunMeta{
		ID:         runID,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
		Config:     engineCfg,
	}
	return store.SaveRun(ctx, meta, res, events, e.cfg.EventsTopic)
}

func loadInputs(ctx context.Context, store *postgres.Store, opts *runOptions) ([]timeline.DispensingRecord, []timeline.CohortBounds, error) {
	if opts.fromDB {
		records, err := store.LoadRecords(ctx)
		if err != nil {
			return nil, nil, err
		}
		bounds, err := store.LoadBounds(ctx)
		if err != nil {
			return nil, nil, err
		}
		return records, bounds, nil
	}

	records, err := parquetio.ReadRecords(opts.records)
	if err != nil {
		return nil, nil, err
	}
	bounds, err := parquetio.ReadBounds(opts.globalDates, opts.demographics)
	if err != nil {
		return nil, nil, err
	}
	return records, bounds, nil
}

func writeOutputs(dir string, res *timeline.Result, summary timeline.Summary) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	if err := parquetio.WriteLabeled(filepath.Join(dir, labeledFile), res.Records); err != nil {
		return err
	}
	if err := parquetio.WritePeriods(filepath.Join(dir, periodsFile), res.Periods); err != nil {
		return err
	}
	if err := parquetio.WriteStrata(filepath.Join(dir, strataFile), res.Strata); err != nil {
		return err
	}
	return parquetio.WriteSummary(filepath.Join(dir, summaryFile), summary)
}

func importCmd() *cobra.Command {
	var records, globalDates, demographics string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load Parquet inputs into PostgreSQL",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.logger.Sync()
			if err := e.cfg.RequireDatabase(); err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := postgres.Connect(ctx, e.cfg.DatabaseURL, 0)
			if err != nil {
				return err
			}
			defer pool.Close()
			store := postgres.NewStore(pool, e.logger)
			if err := store.EnsureSchema(ctx); err != nil {
				return err
			}

			recs, err := parquetio.ReadRecords(records)
			if err != nil {
				return err
			}
			bounds, err := parquetio.ReadBounds(globalDates, demographics)
			if err != nil {
				return err
			}
			n, err := store.ImportRecords(ctx, recs)
			if err != nil {
				return err
			}
			if err := store.ImportBounds(ctx, bounds); err != nil {
				return err
			}
			e.logger.Info("inputs imported", zap.Int64("records", n), zap.Int("bounds", len(bounds)))
			return nil
		},
	}
	cmd.Flags().StringVar(&records, "records", "", "dispensing records Parquet file")
	cmd.Flags().StringVar(&globalDates, "global-dates", "", "per-patient global issue dates Parquet file")
	cmd.Flags().StringVar(&demographics, "demographics", "", "optional demographics Parquet file")
	cmd.MarkFlagRequired("records")
	cmd.MarkFlagRequired("global-dates")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the PostgreSQL schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.logger.Sync()
			if err := e.cfg.RequireDatabase(); err != nil {
				return err
			}
			pool, err := postgres.Connect(cmd.Context(), e.cfg.DatabaseURL, 0)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := postgres.NewStore(pool, e.logger).EnsureSchema(cmd.Context()); err != nil {
				return err
			}
			e.logger.Info("schema ready")
			return nil
		},
	}
}

func topicsCmd() *cobra.Command {
	var replicas int16

	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Create the timeline Kafka topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.logger.Sync()

			admin, err := redpanda.NewAdmin(e.cfg.KafkaBrokers, e.logger)
			if err != nil {
				return err
			}
			defer admin.Close()

			created, err := admin.Ensure(cmd.Context(), redpanda.TimelineTopics(e.cfg.EventsTopic, replicas))
			if err != nil {
				return err
			}
			e.logger.Info("topics ready", zap.Strings("created", created))
			return nil
		},
	}
	cmd.Flags().Int16Var(&replicas, "replicas", 1, "replication factor for new topics")
	return cmd
}
