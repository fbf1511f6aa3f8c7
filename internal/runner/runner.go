// Package runner executes test suites against browser sessions. One runner
// owns one run: it expands suites over their dataset rows, executes them on a
// bounded worker pool (one tab per suite execution), and assembles the final
// run report. Element references resolve through the selector resolver, so a
// stale first-choice selector heals to a later candidate instead of failing
// the step outright.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/caliper-cli/api/schemas"
	"github.com/xkilldash9x/caliper-cli/internal/authseed"
	"github.com/xkilldash9x/caliper-cli/internal/browser"
	"github.com/xkilldash9x/caliper-cli/internal/config"
	"github.com/xkilldash9x/caliper-cli/internal/dataset"
	"github.com/xkilldash9x/caliper-cli/internal/locator"
	"github.com/xkilldash9x/caliper-cli/internal/suite"
	"github.com/xkilldash9x/caliper-cli/internal/visual"
)

// Tab is the browser surface one suite execution needs. browser.Session
// implements it; tests substitute scripted fakes.
type Tab interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	Text(ctx context.Context, selector string) (string, error)
	WaitVisible(ctx context.Context, selector string) error
	PageHTML(ctx context.Context) (string, error)
	CaptureViewport(ctx context.Context) ([]byte, error)
	CaptureElement(ctx context.Context, selector string) ([]byte, error)
	SetExtraHeaders(ctx context.Context, headers map[string]string) error
	SeedLocalStorage(ctx context.Context, key, value string) error
	Console() []schemas.ConsoleEntry
	NetworkSummary() schemas.NetworkSummary
	CaptureFailureBodies(ctx context.Context)
	ArchiveCapture(dir string) error
	Close(ctx context.Context) error
	Ctx() context.Context
}

// Provider opens fresh tabs for suite executions.
type Provider interface {
	NewSession(ctx context.Context) (Tab, error)
}

// ManagerProvider adapts browser.Manager to the Provider interface.
type ManagerProvider struct {
	Manager *browser.Manager
}

func (p ManagerProvider) NewSession(ctx context.Context) (Tab, error) {
	s, err := p.Manager.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Resolver turns an ordered candidate list into the selector a step acts on.
// locator.Resolver implements it.
type Resolver interface {
	Resolve(ctx context.Context, group string, candidates []locator.Candidate) (*locator.Resolution, error)
}

// Comparator measures a capture against its stored baseline.
// visual.Comparator implements it.
type Comparator interface {
	Compare(name string, actualPNG []byte) (*schemas.ComparisonRecord, error)
}

// Advisor proposes replacement selectors for a healed group. Optional;
// locator.Advisor implements it.
type Advisor interface {
	Propose(ctx context.Context, group string, failed []string, pageHTML string) ([]string, error)
}

// ServerLogSource yields application log lines captured inside a time window.
// capture.Tailer implements it.
type ServerLogSource interface {
	Between(start, end time.Time, stepIndex int) []schemas.ServerLogLine
}

// Deps carries the runner's collaborators. Provider is required. Resolver and
// Comparator default to the CDP-backed implementations; the remaining nil
// fields simply disable their feature.
type Deps struct {
	Provider   Provider
	Resolver   Resolver
	Comparator Comparator
	Advisor    Advisor
	Seeder     *authseed.Seeder
	ServerLog  ServerLogSource
}

// Runner executes suites and assembles the run report.
type Runner struct {
	cfg        *config.Config
	provider   Provider
	resolver   Resolver
	comparator Comparator
	advisor    Advisor
	seeder     *authseed.Seeder
	serverLog  ServerLogSource
	logger     *zap.Logger
	runID      string
}

// New assembles a runner. Defaults are wired here so the command layer only
// provides what it actually customizes.
func New(cfg *config.Config, deps Deps, logger *zap.Logger) (*Runner, error) {
	if cfg == nil {
		return nil, errors.New("runner: config is required")
	}
	if deps.Provider == nil {
		return nil, errors.New("runner: a session provider is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("runner")

	resolver := deps.Resolver
	if resolver == nil {
		resolver = locator.New(
			&locator.CDPProber{},
			locator.Options{HighlightEnabled: cfg.Browser.Highlight},
			logger,
		)
	}
	comparator := deps.Comparator
	if comparator == nil {
		comparator = visual.New(visual.OptionsFromConfig(cfg.Visual), logger)
	}

	return &Runner{
		cfg:        cfg,
		provider:   deps.Provider,
		resolver:   resolver,
		comparator: comparator,
		advisor:    deps.Advisor,
		seeder:     deps.Seeder,
		serverLog:  deps.ServerLog,
		logger:     logger,
		runID:      uuid.NewString(),
	}, nil
}

// RunID returns the identifier stamped on this runner's report.
func (r *Runner) RunID() string { return r.runID }

// job is one suite execution: a suite optionally bound to a dataset row.
// A loadErr records a dataset problem discovered at expansion time; such a
// job fails without ever opening a browser.
type job struct {
	s       *suite.Suite
	row     dataset.Row
	dataRow int
	loadErr error
}

// label names the execution for logs and artifact directories.
func (j job) label() string {
	if j.dataRow > 0 {
		return fmt.Sprintf("%s-row%d", j.s.Name, j.dataRow)
	}
	return j.s.Name
}

var errFailFast = errors.New("fail-fast: aborting remaining suites")

// Run executes every suite (times its dataset rows) on a worker pool bounded
// by runner.concurrency and returns the assembled report. The report is
// always complete: executions that never started because of cancellation or
// fail-fast appear as skipped suites. The returned error is non-nil only when
// the run was cut short.
func (r *Runner) Run(ctx context.Context, suites []*suite.Suite) (*schemas.RunReport, error) {
	report := &schemas.RunReport{
		RunID:     r.runID,
		Profile:   r.cfg.Profile,
		Provider:  providerName(r.cfg.Grid.Provider),
		StartedAt: time.Now().UTC(),
	}

	jobs := r.expandJobs(suites)
	results := make([]schemas.SuiteResult, len(jobs))

	r.logger.Info("Run starting.",
		zap.String("run_id", r.runID),
		zap.Int("suites", len(suites)),
		zap.Int("executions", len(jobs)),
		zap.Int("concurrency", r.cfg.Runner.Concurrency))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Runner.Concurrency)

	for i, jb := range jobs {
		g.Go(func() error {
			if gctx.Err() != nil {
				results[i] = skippedSuite(jb, "not run: the run was aborted first")
				return nil
			}
			results[i] = r.runSuite(gctx, jb)
			if r.cfg.Runner.FailFast && results[i].Status == schemas.StatusFailed {
				return errFailFast
			}
			return nil
		})
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, errFailFast) {
		r.logger.Error("Run aborted.", zap.Error(err))
	}

	report.Suites = results
	report.FinishedAt = time.Now().UTC()
	report.Recount()

	r.logger.Info("Run finished.",
		zap.String("run_id", r.runID),
		zap.Int("passed_steps", report.Totals.Passed),
		zap.Int("failed_steps", report.Totals.Failed),
		zap.Int("healed", report.Totals.Healed))

	if cerr := ctx.Err(); cerr != nil {
		return report, fmt.Errorf("run interrupted: %w", cerr)
	}
	return report, nil
}

// expandJobs flattens suites over their dataset rows, preserving declaration
// order. Dataset problems become jobs that fail on arrival rather than
// aborting the whole run.
func (r *Runner) expandJobs(suites []*suite.Suite) []job {
	var jobs []job
	for _, s := range suites {
		if s.Data == "" {
			jobs = append(jobs, job{s: s})
			continue
		}
		ds, err := dataset.Load(s.Data)
		if err != nil {
			jobs = append(jobs, job{s: s, loadErr: err})
			continue
		}
		if len(ds.Rows) == 0 {
			jobs = append(jobs, job{s: s, loadErr: fmt.Errorf("dataset %s has no rows", ds.Source)})
			continue
		}
		r.logger.Debug("Suite expanded over dataset.",
			zap.String("suite", s.Name),
			zap.String("dataset", ds.Source),
			zap.Int("rows", len(ds.Rows)))
		for i, row := range ds.Rows {
			jobs = append(jobs, job{s: s, row: row, dataRow: i + 1})
		}
	}
	return jobs
}

func skippedSuite(jb job, reason string) schemas.SuiteResult {
	now := time.Now().UTC()
	return schemas.SuiteResult{
		Name:       jb.s.Name,
		DataRow:    jb.dataRow,
		Status:     schemas.StatusSkipped,
		StartedAt:  now,
		FinishedAt: now,
		Error:      reason,
	}
}

func providerName(p string) string {
	if p == "" {
		return "local"
	}
	return p
}
