package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/caliper-cli/api/schemas"
	"github.com/xkilldash9x/caliper-cli/internal/authseed"
	"github.com/xkilldash9x/caliper-cli/internal/browser"
	"github.com/xkilldash9x/caliper-cli/internal/capture"
	"github.com/xkilldash9x/caliper-cli/internal/config"
	"github.com/xkilldash9x/caliper-cli/internal/grid"
	"github.com/xkilldash9x/caliper-cli/internal/locator"
	"github.com/xkilldash9x/caliper-cli/internal/netstub"
	"github.com/xkilldash9x/caliper-cli/internal/observability"
	"github.com/xkilldash9x/caliper-cli/internal/reporting"
	"github.com/xkilldash9x/caliper-cli/internal/runner"
	"github.com/xkilldash9x/caliper-cli/internal/store"
	"github.com/xkilldash9x/caliper-cli/internal/suite"
)

const shutdownGrace = 15 * time.Second

// newRunCmd creates the `run` command: load suites, wire the components,
// execute, report.
func newRunCmd(opts *rootOptions) *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run [suite file or directory ...]",
		Short: "Execute test suites and report the results",
		Args:  cobra.MinimumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind override flags to their viper keys so the usual
			// flag > env > file > default precedence holds.
			for flag, key := range map[string]string{
				"concurrency": "runner.concurrency",
				"fail-fast":   "runner.fail_fast",
				"provider":    "grid.provider",
				"baseline":    "visual.baseline_dir",
			} {
				if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return err
				}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			var suites []*suite.Suite
			for _, path := range args {
				batch, err := suite.LoadPath(path)
				if err != nil {
					return err
				}
				suites = append(suites, batch...)
			}
			logger.Info("Suites loaded.",
				zap.Int("suites", len(suites)),
				zap.String("provider", cfg.Grid.Provider))

			components, err := initializeRunComponents(ctx, cfg, logger)
			if err != nil {
				components.Shutdown()
				return fmt.Errorf("initializing run components: %w", err)
			}
			defer components.Shutdown()

			report, runErr := components.Runner.Run(ctx, suites)

			// Even an interrupted run publishes what it has: partial
			// history beats none.
			outputPath, _ := cmd.Flags().GetString("output")
			format, _ := cmd.Flags().GetString("format")
			publishRun(ctx, components, report, outputPath, format, logger)
			reporting.WriteSummary(cmd.OutOrStdout(), report)

			if runErr != nil {
				return runErr
			}
			if report.Totals.HasFailures() {
				return fmt.Errorf("%d of %d steps failed", report.Totals.Failed, report.Totals.Steps)
			}
			return nil
		},
	}

	runCmd.Flags().StringP("output", "o", "", "report file path; no file is written when unset")
	runCmd.Flags().StringP("format", "f", "json", "report format: json or junit")
	runCmd.Flags().IntP("concurrency", "j", 0, "suites executed in parallel (overrides config)")
	runCmd.Flags().Bool("fail-fast", false, "abort remaining suites after the first failure (overrides config)")
	runCmd.Flags().String("provider", "", "browser provider: local, lambdatest, browserstack, azure (overrides config)")
	runCmd.Flags().String("baseline", "", "visual baseline directory (overrides config)")

	return runCmd
}

// runComponents holds the wired services of one run.
type runComponents struct {
	Stub      *netstub.Stub
	Manager   *browser.Manager
	Tailer    *capture.Tailer
	Pool      *pgxpool.Pool
	Store     *store.Store
	Notifiers []schemas.Notifier
	Runner    *runner.Runner

	logger *zap.Logger
}

// Shutdown releases everything that was started, in reverse dependency
// order. Safe on a partially initialized set.
func (rc *runComponents) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if rc.Tailer != nil {
		rc.Tailer.Stop()
	}
	if rc.Manager != nil {
		if err := rc.Manager.Shutdown(ctx); err != nil {
			rc.logger.Warn("Browser manager shutdown reported an error.", zap.Error(err))
		}
	}
	if rc.Stub != nil {
		if err := rc.Stub.Shutdown(ctx); err != nil {
			rc.logger.Warn("Traffic stub shutdown reported an error.", zap.Error(err))
		}
	}
	if rc.Pool != nil {
		rc.Pool.Close()
	}
}

// initializeRunComponents wires the optional services around the runner:
// traffic stub, browser manager, server log tailer, auth seeder, selector
// advisor, run history store, and notifiers. The returned components are
// never nil so the caller can always Shutdown.
func initializeRunComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*runComponents, error) {
	rc := &runComponents{logger: logger}

	if cfg.Stub.Enabled {
		stub := netstub.New(cfg.Stub, logger)
		addr, err := stub.Start(ctx)
		if err != nil {
			return rc, fmt.Errorf("starting traffic stub: %w", err)
		}
		rc.Stub = stub
		// Route all browser traffic through the stub.
		cfg.Browser.ProxyServer = addr
	}

	endpoint, err := grid.New(cfg.Grid, logger).Endpoint(ctx)
	if err != nil {
		return rc, fmt.Errorf("resolving browser endpoint: %w", err)
	}

	manager, err := browser.NewManager(ctx, cfg, endpoint, logger)
	if err != nil {
		return rc, fmt.Errorf("starting browser manager: %w", err)
	}
	rc.Manager = manager

	deps := runner.Deps{Provider: runner.ManagerProvider{Manager: manager}}

	if cfg.Capture.ServerLogPath != "" {
		tailer := capture.NewTailer(cfg.Capture.ServerLogPath, logger)
		if err := tailer.Start(ctx); err != nil {
			return rc, fmt.Errorf("tailing server log: %w", err)
		}
		rc.Tailer = tailer
		deps.ServerLog = tailer
	}

	if cfg.Auth.Enabled {
		seeder, err := authseed.New(cfg.Auth)
		if err != nil {
			return rc, fmt.Errorf("configuring auth seeding: %w", err)
		}
		deps.Seeder = seeder
	}

	if cfg.Healing.Advisor.Enabled {
		advisor, err := locator.NewAdvisor(ctx, cfg.Healing.Advisor, logger)
		if err != nil {
			return rc, fmt.Errorf("configuring selector advisor: %w", err)
		}
		deps.Advisor = advisor
	}

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return rc, fmt.Errorf("connecting to run history database: %w", err)
		}
		rc.Pool = pool

		st, err := store.New(ctx, pool, logger)
		if err != nil {
			return rc, fmt.Errorf("initializing run history store: %w", err)
		}
		if err := st.EnsureSchema(ctx); err != nil {
			return rc, fmt.Errorf("preparing run history schema: %w", err)
		}
		rc.Store = st
	}

	if cfg.Report.Email.Enabled {
		rc.Notifiers = append(rc.Notifiers, reporting.NewMailer(cfg.Report.Email, logger))
	}
	if cfg.Report.GitHub.Enabled {
		rc.Notifiers = append(rc.Notifiers, reporting.NewStatusReporter(cfg.Report.GitHub, logger))
	}

	r, err := runner.New(cfg, deps, logger)
	if err != nil {
		return rc, err
	}
	rc.Runner = r
	return rc, nil
}

// publishRun persists the report, writes the report file, and fires the
// notifiers. All of it is best-effort except the report file, whose failure
// the caller sees in the logs; the run verdict stays the runner's.
func publishRun(ctx context.Context, rc *runComponents, report *schemas.RunReport, outputPath, format string, logger *zap.Logger) {
	// When the run was interrupted the context is already dead; give the
	// publishing phase its own small budget.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
	}

	if rc.Store != nil {
		if err := rc.Store.PersistRun(ctx, report); err != nil {
			logger.Warn("Could not persist run history.", zap.Error(err))
		}
	}

	if outputPath != "" {
		if err := writeRunReport(report, format, outputPath); err != nil {
			logger.Error("Could not write report file.", zap.String("path", outputPath), zap.Error(err))
		} else {
			logger.Info("Report written.", zap.String("path", outputPath), zap.String("format", format))
		}
	}

	for _, n := range rc.Notifiers {
		if err := n.Notify(ctx, report); err != nil {
			logger.Warn("Notifier failed.", zap.String("channel", n.Name()), zap.Error(err))
		}
	}
}

func writeRunReport(report *schemas.RunReport, format, outputPath string) error {
	rep, err := reporting.New(format, outputPath)
	if err != nil {
		return err
	}
	if err := rep.Write(report); err != nil {
		_ = rep.Close()
		return err
	}
	return rep.Close()
}
