package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/caliper-cli/api/schemas"
	"github.com/xkilldash9x/caliper-cli/internal/config"
	"github.com/xkilldash9x/caliper-cli/internal/observability"
	"github.com/xkilldash9x/caliper-cli/internal/reporting"
	"github.com/xkilldash9x/caliper-cli/internal/store"
)

// runHistory is the slice of the store the report command needs.
type runHistory interface {
	GetRun(ctx context.Context, runID string) (*schemas.RunReport, error)
	ListRuns(ctx context.Context, limit int) ([]store.RunSummary, error)
}

// storeProvider opens the run history backend. Injected so tests can
// substitute a fake without a live database.
type storeProvider interface {
	Open(ctx context.Context, cfg *config.Config) (runHistory, func(), error)
}

type pgStoreProvider struct{}

func (pgStoreProvider) Open(ctx context.Context, cfg *config.Config) (runHistory, func(), error) {
	if cfg.Database.URL == "" {
		return nil, nil, fmt.Errorf("run history requires database.url (or CALIPER_DATABASE_URL)")
	}
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to run history database: %w", err)
	}
	st, err := store.New(ctx, pool, observability.GetLogger())
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("initializing run history store: %w", err)
	}
	return st, st.Close, nil
}

// newReportCmd creates the `report` command: re-render a stored run, or list
// recent runs when no run id is given.
func newReportCmd(opts *rootOptions, provider storeProvider) *cobra.Command {
	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Render past runs from the history database",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			history, cleanup, err := provider.Open(ctx, cfg)
			if err != nil {
				return err
			}
			if cleanup != nil {
				defer cleanup()
			}

			runID, _ := cmd.Flags().GetString("run-id")
			if runID == "" {
				limit, _ := cmd.Flags().GetInt("limit")
				summaries, err := history.ListRuns(ctx, limit)
				if err != nil {
					return err
				}
				return writeRunListing(cmd, summaries)
			}

			report, err := history.GetRun(ctx, runID)
			if err != nil {
				return err
			}

			outputPath, _ := cmd.Flags().GetString("output")
			format, _ := cmd.Flags().GetString("format")
			if err := writeRunReport(report, format, outputPath); err != nil {
				return err
			}
			if outputPath == "" {
				return nil
			}
			reporting.WriteSummary(cmd.OutOrStdout(), report)
			return nil
		},
	}

	reportCmd.Flags().String("run-id", "", "render this run; omit to list recent runs")
	reportCmd.Flags().StringP("output", "o", "", "report file path; stdout when unset")
	reportCmd.Flags().StringP("format", "f", "json", "report format: json or junit")
	reportCmd.Flags().Int("limit", 20, "number of runs to list")

	return reportCmd
}

func writeRunListing(cmd *cobra.Command, summaries []store.RunSummary) error {
	if len(summaries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded yet.")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tPROVIDER\tSTARTED\tDURATION\tSUITES\tPASSED\tFAILED\tHEALED")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			s.RunID,
			s.Provider,
			s.StartedAt.Local().Format(time.RFC3339),
			s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond),
			s.Totals.Suites,
			s.Totals.Passed,
			s.Totals.Failed,
			s.Totals.Healed,
		)
	}
	return w.Flush()
}
