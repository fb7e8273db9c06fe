package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/consolidation/internal/classify"
	"github.com/ehr/consolidation/internal/config"
	"github.com/ehr/consolidation/internal/domain/diagnosis"
	"github.com/ehr/consolidation/internal/domain/encounter"
	"github.com/ehr/consolidation/internal/domain/imaging"
	"github.com/ehr/consolidation/internal/domain/medication"
	"github.com/ehr/consolidation/internal/domain/procedure"
	"github.com/ehr/consolidation/internal/domain/radiation"
	"github.com/ehr/consolidation/internal/event"
	"github.com/ehr/consolidation/internal/materialize"
	"github.com/ehr/consolidation/internal/pipeline"
	"github.com/ehr/consolidation/internal/platform/auth"
	"github.com/ehr/consolidation/internal/platform/db"
	"github.com/ehr/consolidation/internal/platform/metrics"
	"github.com/ehr/consolidation/internal/platform/middleware"
	"github.com/ehr/consolidation/internal/registry"
	"github.com/ehr/consolidation/internal/source"
	"github.com/ehr/consolidation/internal/timeline"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "timeline-builder",
		Short: "Clinical timeline consolidation service",
	}

	rootCmd.AddCommand(buildCmd())
	rootCmd.AddCommand(nodesCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

// newSources maps each raw view onto its Postgres relation.
func newSources(pool *pgxpool.Pool) pipeline.Sources {
	pg := func(view, keyColumn string, columns ...string) source.Adapter {
		return source.NewPG(pool, source.PGConfig{View: view, KeyColumn: keyColumn, Columns: columns})
	}
	return pipeline.Sources{
		RadiationIntake: pg(radiation.ViewIntake, "patient_ref",
			"course_number", "modality", "anatomical_site", "total_dose_cgy",
			"fraction_count", "start_date", "end_date", "status"),
		RadiationOrders: pg(radiation.ViewOrders, "patient_ref",
			"course_number", "modality", "anatomical_site", "requested_date", "status"),
		RadiationReasons: pg(radiation.ViewReasons, "patient_ref",
			"course_number", "reason_code"),
		RadiationSchedule: pg(radiation.ViewSchedule, "patient_ref",
			"appointment_count", "first_appointment", "last_appointment"),
		MedicationAdministrations: pg(medication.ViewAdministrations, "patient_ref",
			"order_number", "drug_code", "drug_name", "dose_value", "dose_unit",
			"route", "administered_at", "status"),
		MedicationOrders: pg(medication.ViewOrders, "patient_ref",
			"order_number", "drug_code", "drug_name", "route", "authored_on", "status"),
		MedicationReasons: pg(medication.ViewReasons, "patient_ref",
			"order_number", "reason_code"),
		Conditions: pg(diagnosis.View, "patient_ref",
			"record_id", "icd10_code", "description", "onset_date", "status"),
		Procedures: pg(procedure.View, "patient_ref",
			"record_id", "cpt_code", "description", "performed_date", "status"),
		ImagingStudies: pg(imaging.View, "patient_ref",
			"study_id", "modality", "loinc_code", "description", "study_date", "status"),
		Encounters: pg(encounter.View, "patient_ref",
			"encounter_id", "class", "reason", "period_start", "period_end", "status"),
	}
}

// loadRuleSets builds the classification rule sets against the code
// registry. The registry normally ships as a file alongside the rules;
// setting REGISTRY_FILE to an empty value reads the snapshot the
// reference-data pipeline deploys to Postgres instead.
func loadRuleSets(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (pipeline.RuleSets, error) {
	var (
		reg *registry.Registry
		err error
	)
	if cfg.RegistryFile != "" {
		reg, err = registry.LoadFile(cfg.RegistryFile)
	} else {
		reg, err = registry.LoadPG(ctx, pool)
	}
	if err != nil {
		return pipeline.RuleSets{}, err
	}
	load := func(name string) (*classify.RuleSet, error) {
		return classify.LoadFile(filepath.Join(cfg.RulesDir, name+".json"), reg)
	}

	var rules pipeline.RuleSets
	if rules.DrugCategories, err = load("drug_category"); err != nil {
		return rules, err
	}
	if rules.DiagnosisSubtypes, err = load("diagnosis_subtype"); err != nil {
		return rules, err
	}
	if rules.ProcedureTypes, err = load("procedure_type"); err != nil {
		return rules, err
	}
	return rules, nil
}

func newPipeline(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts materialize.RunnerOptions) (*pipeline.Pipeline, *pgxpool.Pool, error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}

	rules, err := loadRuleSets(ctx, cfg, pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	opts.StatusLog = materialize.NewPGStatusLog(pool)
	p, err := pipeline.New(newSources(pool), rules, event.NewPGStore(pool), timeline.NewPGBirthDates(pool), pipeline.Options{
		Runner: opts,
		Logger: logger,
	})
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return p, pool, nil
}

func buildCmd() *cobra.Command {
	var (
		concurrency int
		timeout     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "build [node|all]",
		Short: "Run the consolidation build for one node or the whole DAG",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "all"
			if len(args) == 1 {
				target = args[0]
			}

			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if concurrency > 0 {
				cfg.BuildConcurrency = concurrency
			}
			if timeout > 0 {
				cfg.NodeTimeout = timeout
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx := cmd.Context()
			p, pool, err := newPipeline(ctx, cfg, logger, materialize.RunnerOptions{
				Concurrency:    cfg.BuildConcurrency,
				DefaultTimeout: cfg.NodeTimeout,
			})
			if err != nil {
				return err
			}
			defer pool.Close()

			reports, err := p.Run(ctx, target)
			if err != nil {
				return err
			}
			printReports(cmd, reports)
			if materialize.AnyFailed(reports) {
				return fmt.Errorf("build failed")
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "parallel node builds (default from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-node build timeout (default from config)")
	return cmd
}

func printReports(cmd *cobra.Command, reports []materialize.NodeReport) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%-12s %-13s %8s %9s %10s %10s  %s\n",
		"NODE", "STATUS", "ROWS", "PATIENTS", "ANOMALIES", "DURATION", "CAUSE")
	for _, r := range reports {
		fmt.Fprintf(w, "%-12s %-13s %8d %9d %10d %10s  %s\n",
			r.Node, r.Status, r.RowsProduced, r.PatientsCovered,
			r.AnomaliesFlagged, r.Duration.Round(time.Millisecond), r.Cause)
	}
}

func nodesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "Print the dependency manifest in build order",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zerolog.Nop()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			p, pool, err := newPipeline(cmd.Context(), cfg, logger, materialize.RunnerOptions{})
			if err != nil {
				return err
			}
			defer pool.Close()

			for _, node := range p.Nodes() {
				if len(node.Upstream) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), node.Name)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s <- %s\n", node.Name, strings.Join(node.Upstream, ", "))
			}
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the materialized timeline over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx := cmd.Context()
			m := metrics.New()
			p, pool, err := newPipeline(ctx, cfg, logger, materialize.RunnerOptions{
				Concurrency:    cfg.BuildConcurrency,
				DefaultTimeout: cfg.NodeTimeout,
				Observer:       m,
			})
			if err != nil {
				return err
			}
			defer pool.Close()

			e := echo.New()
			e.HideBanner = true
			e.HidePort = true
			e.Use(middleware.Recovery(logger))
			e.Use(middleware.RequestID())
			e.Use(middleware.Logger(logger))
			e.Use(m.RequestMiddleware())

			statusLog := materialize.NewPGStatusLog(pool)
			e.GET("/healthz", db.HealthHandler(pool, func(ctx context.Context) (any, error) {
				return statusLog.LatestByNode(ctx)
			}))
			e.GET("/metrics", m.Handler())

			api := e.Group("/api/v1")
			if cfg.IsDev() {
				logger.Warn().Msg("ENV=development, query API is unauthenticated")
			} else {
				api.Use(auth.Middleware([]byte(cfg.AuthTokenSecret)))
			}
			timeline.NewHandler(event.NewPGStore(pool)).RegisterRoutes(api)

			// Rebuild trigger for operators; the CLI build command is the
			// primary invocation surface.
			api.POST("/build/:target", func(c echo.Context) error {
				reports, err := p.Run(c.Request().Context(), c.Param("target"))
				if err != nil {
					return echo.NewHTTPError(http.StatusBadRequest, err.Error())
				}
				return c.JSON(http.StatusOK, reports)
			})

			go func() {
				logger.Info().Str("port", cfg.Port).Msg("query API listening")
				if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
					logger.Fatal().Err(err).Msg("server stopped")
				}
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return e.Shutdown(shutdownCtx)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the output and build-status tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := db.Apply(ctx, pool, event.DDL, materialize.StatusLogDDL); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}
}
