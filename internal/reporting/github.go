package reporting

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v58/github"
	"go.uber.org/zap"

	"github.com/xkilldash9x/caliper-cli/api/schemas"
	"github.com/xkilldash9x/caliper-cli/internal/config"
)

// statusCreator and commentCreator mirror the two go-github service methods
// this notifier touches, so tests can substitute fakes for the HTTP client.
type statusCreator interface {
	CreateStatus(ctx context.Context, owner, repo, ref string, status *github.RepoStatus) (*github.RepoStatus, *github.Response, error)
}

type commentCreator interface {
	CreateComment(ctx context.Context, owner, repo string, number int, comment *github.IssueComment) (*github.IssueComment, *github.Response, error)
}

// StatusReporter publishes the run outcome to GitHub: a commit status on the
// configured SHA, and, when a PR number is configured, a summary comment on
// that pull request. It implements schemas.Notifier.
type StatusReporter struct {
	cfg      config.GitHubConfig
	statuses statusCreator
	comments commentCreator
	logger   *zap.Logger
}

// NewStatusReporter creates a GitHub notifier backed by a token-authenticated
// client.
func NewStatusReporter(cfg config.GitHubConfig, logger *zap.Logger) *StatusReporter {
	client := github.NewClient(nil).WithAuthToken(cfg.Token)
	return &StatusReporter{
		cfg:      cfg,
		statuses: client.Repositories,
		comments: client.Issues,
		logger:   logger.Named("github"),
	}
}

// Name identifies this notifier in logs.
func (g *StatusReporter) Name() string { return "github" }

// Notify sets the commit status and, if configured, posts the PR comment.
// A commit SHA is required for the status; without one only the comment is
// attempted.
func (g *StatusReporter) Notify(ctx context.Context, report *schemas.RunReport) error {
	if g.cfg.CommitSHA != "" {
		if err := g.publishStatus(ctx, report); err != nil {
			return err
		}
	}
	if g.cfg.PRNumber > 0 {
		if err := g.publishComment(ctx, report); err != nil {
			return err
		}
	}
	return nil
}

func (g *StatusReporter) publishStatus(ctx context.Context, report *schemas.RunReport) error {
	state := "success"
	if report.Totals.HasFailures() {
		state = "failure"
	}
	status := &github.RepoStatus{
		State:       github.String(state),
		Context:     github.String(g.cfg.Context),
		Description: github.String(statusDescription(report.Totals)),
	}
	_, _, err := g.statuses.CreateStatus(ctx, g.cfg.RepoOwner, g.cfg.RepoName, g.cfg.CommitSHA, status)
	if err != nil {
		return fmt.Errorf("creating commit status on %s: %w", g.cfg.CommitSHA, err)
	}
	g.logger.Info("Commit status published.",
		zap.String("sha", g.cfg.CommitSHA),
		zap.String("state", state),
	)
	return nil
}

func (g *StatusReporter) publishComment(ctx context.Context, report *schemas.RunReport) error {
	body := renderMarkdown(report)
	_, _, err := g.comments.CreateComment(ctx, g.cfg.RepoOwner, g.cfg.RepoName, g.cfg.PRNumber,
		&github.IssueComment{Body: github.String(body)})
	if err != nil {
		return fmt.Errorf("commenting on PR #%d: %w", g.cfg.PRNumber, err)
	}
	g.logger.Info("PR comment published.", zap.Int("pr", g.cfg.PRNumber))
	return nil
}

// statusDescription fits the run outcome into GitHub's 140 character status
// description limit.
func statusDescription(t schemas.Totals) string {
	desc := fmt.Sprintf("%d/%d steps passed", t.Passed, t.Steps)
	if t.Failed > 0 {
		desc += fmt.Sprintf(", %d failed", t.Failed)
	}
	if t.Healed > 0 {
		desc += fmt.Sprintf(", %d healed", t.Healed)
	}
	if len(desc) > 140 {
		desc = desc[:140]
	}
	return desc
}

// renderMarkdown produces the PR comment body: a status table of suites with
// failed steps expanded underneath.
func renderMarkdown(report *schemas.RunReport) string {
	var b strings.Builder
	icon := ":white_check_mark:"
	if report.Totals.HasFailures() {
		icon = ":x:"
	}
	fmt.Fprintf(&b, "### %s caliper run `%s`\n\n", icon, report.RunID)
	fmt.Fprintf(&b, "| Suite | Status | Steps | Healed | Visual |\n")
	fmt.Fprintf(&b, "|---|---|---|---|---|\n")

	for _, s := range report.Suites {
		label := s.Name
		if s.DataRow > 0 {
			label = fmt.Sprintf("%s[row %d]", s.Name, s.DataRow)
		}
		var healed, comparisons int
		for _, st := range s.Steps {
			if st.Healing != nil && st.Healing.Index > 0 {
				healed++
			}
			if st.Comparison != nil {
				comparisons++
			}
		}
		fmt.Fprintf(&b, "| %s | %s | %d | %d | %d |\n",
			label, strings.ToUpper(string(s.Status)), len(s.Steps), healed, comparisons)
	}

	var failures []string
	for _, s := range report.Suites {
		for _, st := range s.Steps {
			if st.Status == schemas.StatusFailed {
				failures = append(failures,
					fmt.Sprintf("- **%s** step %d (`%s %s`): %s", s.Name, st.Index+1, st.Kind, st.Target, st.Error))
			}
		}
	}
	if len(failures) > 0 {
		fmt.Fprintf(&b, "\n<details><summary>%d failed step(s)</summary>\n\n%s\n\n</details>\n",
			len(failures), strings.Join(failures, "\n"))
	}
	return b.String()
}
