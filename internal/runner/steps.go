package runner

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/caliper-cli/api/schemas"
	"github.com/xkilldash9x/caliper-cli/internal/locator"
	"github.com/xkilldash9x/caliper-cli/internal/suite"
)

const maxSuggestions = 3

// authState tracks per-suite auth seeding: the minted token and whether it
// has been planted into localStorage yet. Header injection happens before any
// navigation; storage seeding must wait for the first successful navigation
// so the value lands on the application's origin.
type authState struct {
	token         string
	storageSeeded bool
}

func (r *Runner) runSuite(ctx context.Context, jb job) (res schemas.SuiteResult) {
	res = schemas.SuiteResult{
		Name:      jb.s.Name,
		DataRow:   jb.dataRow,
		Status:    schemas.StatusPassed,
		StartedAt: time.Now().UTC(),
	}
	defer func() { res.FinishedAt = time.Now().UTC() }()

	logger := r.logger.With(zap.String("suite", jb.label()))

	if jb.loadErr != nil {
		res.Status = schemas.StatusFailed
		res.Error = fmt.Sprintf("loading dataset: %v", jb.loadErr)
		logger.Error("Suite cannot run.", zap.Error(jb.loadErr))
		return res
	}

	suiteCtx, cancel := withOptionalTimeout(ctx, r.cfg.Runner.SuiteTimeout)
	defer cancel()

	tab, err := r.provider.NewSession(suiteCtx)
	if err != nil {
		res.Status = schemas.StatusFailed
		res.Error = fmt.Sprintf("opening browser session: %v", err)
		logger.Error("Could not open a session.", zap.Error(err))
		return res
	}
	defer func() {
		if r.cfg.Capture.Network && r.cfg.Capture.ResponseBodies {
			// The suite context may already be dead; give the fetch its own budget.
			bodyCtx, cancelBodies := context.WithTimeout(context.Background(), 10*time.Second)
			tab.CaptureFailureBodies(bodyCtx)
			cancelBodies()
		}
		res.Console = tab.Console()
		res.Network = tab.NetworkSummary()
		if r.cfg.Capture.Console || r.cfg.Capture.Network {
			dir := filepath.Join(r.cfg.Visual.ResultsDir, "captures", sanitizeLabel(jb.label()))
			if aerr := tab.ArchiveCapture(dir); aerr != nil {
				logger.Warn("Could not archive capture streams.", zap.Error(aerr))
			}
		}
		// The suite context may already be dead; closing must still work.
		_ = tab.Close(context.Background())
	}()

	var auth authState
	if r.seeder != nil {
		token, err := r.seeder.Mint()
		if err != nil {
			res.Status = schemas.StatusFailed
			res.Error = fmt.Sprintf("minting auth token: %v", err)
			return res
		}
		auth.token = token
		if key, value, ok := r.seeder.Header(token); ok {
			if err := tab.SetExtraHeaders(suiteCtx, map[string]string{key: value}); err != nil {
				res.Status = schemas.StatusFailed
				res.Error = fmt.Sprintf("injecting auth header: %v", err)
				return res
			}
		}
	}

	logger.Info("Suite starting.", zap.Int("steps", len(jb.s.Steps)))

	for i, st := range jb.s.Steps {
		if suiteCtx.Err() != nil {
			res.Status = schemas.StatusFailed
			res.Error = abortReason(suiteCtx, r.cfg.Runner.SuiteTimeout)
			res.Steps = append(res.Steps, skippedSteps(jb.s.Steps, i)...)
			break
		}

		stepStart := time.Now()
		stepRes := r.runStep(suiteCtx, tab, jb, i, st)
		r.applyAuthSeeding(suiteCtx, tab, st, &stepRes, &auth)
		if r.serverLog != nil {
			res.ServerLog = append(res.ServerLog, r.serverLog.Between(stepStart, time.Now(), i)...)
		}
		res.Steps = append(res.Steps, stepRes)

		if stepRes.Status == schemas.StatusFailed {
			res.Status = schemas.StatusFailed
			res.Error = fmt.Sprintf("step %d (%s) failed: %s", i+1, st.Kind, stepRes.Error)
			res.Steps = append(res.Steps, skippedSteps(jb.s.Steps, i+1)...)
			break
		}
	}

	logger.Info("Suite finished.", zap.String("status", string(res.Status)))
	return res
}

// applyAuthSeeding plants the minted token into localStorage right after the
// first successful navigation. A seeding failure fails that navigate step:
// later steps would run unauthenticated and fail confusingly anyway.
func (r *Runner) applyAuthSeeding(ctx context.Context, tab Tab, st suite.Step, stepRes *schemas.StepResult, auth *authState) {
	if r.seeder == nil || auth.storageSeeded {
		return
	}
	if st.Kind != suite.StepNavigate || stepRes.Status != schemas.StatusPassed {
		return
	}
	key, ok := r.seeder.StorageKey()
	if !ok {
		auth.storageSeeded = true
		return
	}
	if err := tab.SeedLocalStorage(ctx, key, auth.token); err != nil {
		stepRes.Status = schemas.StatusFailed
		stepRes.Error = fmt.Sprintf("seeding auth token into localStorage: %v", err)
		return
	}
	auth.storageSeeded = true
}

func (r *Runner) runStep(ctx context.Context, tab Tab, jb job, index int, st suite.Step) schemas.StepResult {
	start := time.Now()
	result := schemas.StepResult{
		Index:  index,
		Kind:   string(st.Kind),
		Target: st.Target(),
		Status: schemas.StatusPassed,
	}

	opCtx, cancel := withOptionalTimeout(ctx, r.cfg.Runner.StepTimeout)
	defer cancel()

	if err := r.execute(opCtx, tab, jb, st, &result); err != nil {
		result.Status = schemas.StatusFailed
		result.Error = err.Error()
		r.logger.Warn("Step failed.",
			zap.String("suite", jb.label()),
			zap.Int("step", index+1),
			zap.String("kind", string(st.Kind)),
			zap.Error(err))
	}
	result.DurationMs = time.Since(start).Milliseconds()
	return result
}

func (r *Runner) execute(ctx context.Context, tab Tab, jb job, st suite.Step, result *schemas.StepResult) error {
	switch st.Kind {
	case suite.StepNavigate:
		return r.stepNavigate(ctx, tab, jb, st)

	case suite.StepClick:
		selector, err := r.resolveForStep(ctx, tab, jb, st.Element, result)
		if err != nil {
			return err
		}
		return tab.Click(ctx, selector)

	case suite.StepFill:
		selector, err := r.resolveForStep(ctx, tab, jb, st.Element, result)
		if err != nil {
			return err
		}
		value, err := suite.Bind(st.Value, jb.row)
		if err != nil {
			return err
		}
		return tab.Fill(ctx, selector, value)

	case suite.StepExpectText:
		return r.stepExpectText(ctx, tab, jb, st, result)

	case suite.StepExpectVisible:
		selector, err := r.resolveForStep(ctx, tab, jb, st.Element, result)
		if err != nil {
			return err
		}
		return tab.WaitVisible(ctx, selector)

	case suite.StepSnapshot:
		return r.stepSnapshot(ctx, tab, jb, st, result)

	case suite.StepPause:
		select {
		case <-time.After(st.Duration):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

	default:
		// Load-time validation rejects unknown kinds; reaching this means a
		// programming error, not bad user input.
		return fmt.Errorf("unsupported step kind %q", st.Kind)
	}
}

func (r *Runner) stepNavigate(ctx context.Context, tab Tab, jb job, st suite.Step) error {
	target, err := suite.Bind(st.URL, jb.row)
	if err != nil {
		return err
	}
	dest, err := resolveURL(jb.s.BaseURL, target)
	if err != nil {
		return err
	}
	return tab.Navigate(ctx, dest)
}

func (r *Runner) stepExpectText(ctx context.Context, tab Tab, jb job, st suite.Step, result *schemas.StepResult) error {
	selector, err := r.resolveForStep(ctx, tab, jb, st.Element, result)
	if err != nil {
		return err
	}
	text, err := tab.Text(ctx, selector)
	if err != nil {
		return err
	}
	got := strings.TrimSpace(text)

	if st.Equals != "" {
		want, err := suite.Bind(st.Equals, jb.row)
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("text of %s is %q, expected %q", st.Element, got, want)
		}
		return nil
	}

	want, err := suite.Bind(st.Contains, jb.row)
	if err != nil {
		return err
	}
	if !strings.Contains(got, want) {
		return fmt.Errorf("text of %s is %q, missing %q", st.Element, got, want)
	}
	return nil
}

func (r *Runner) stepSnapshot(ctx context.Context, tab Tab, jb job, st suite.Step, result *schemas.StepResult) error {
	name, err := suite.Bind(st.Name, jb.row)
	if err != nil {
		return err
	}

	var png []byte
	if st.Element != "" {
		selector, err := r.resolveForStep(ctx, tab, jb, st.Element, result)
		if err != nil {
			return err
		}
		png, err = tab.CaptureElement(ctx, selector)
		if err != nil {
			return fmt.Errorf("capturing element for %q: %w", name, err)
		}
	} else {
		png, err = tab.CaptureViewport(ctx)
		if err != nil {
			return fmt.Errorf("capturing viewport for %q: %w", name, err)
		}
	}

	rec, err := r.comparator.Compare(name, png)
	if err != nil {
		return fmt.Errorf("comparing %q: %w", name, err)
	}
	result.Comparison = rec

	if !rec.Passed {
		return fmt.Errorf("visual mismatch for %q: %d differing pixels (ratio %.4f); baseline %s, actual %s, diff %s",
			name, rec.DiffPixels, rec.DiffRatio, rec.BaselinePath, rec.ActualPath, rec.DiffPath)
	}
	return nil
}

// resolveForStep resolves an element reference and records the healing event
// (if any) on the step result, enriched with repair suggestions.
func (r *Runner) resolveForStep(opCtx context.Context, tab Tab, jb job, ref string, result *schemas.StepResult) (string, error) {
	cands, err := jb.s.Candidates(ref)
	if err != nil {
		return "", err
	}
	list := make([]locator.Candidate, len(cands))
	for i, sel := range cands {
		list[i] = locator.Candidate{Selector: sel}
	}

	// Probes need the tab's own context to reach the browser, but the step
	// deadline still has to cut them short.
	probeCtx, cancel := context.WithCancel(tab.Ctx())
	defer cancel()
	stop := context.AfterFunc(opCtx, cancel)
	defer stop()

	res, err := r.resolver.Resolve(probeCtx, ref, list)
	if err != nil {
		if cerr := opCtx.Err(); cerr != nil {
			return "", cerr
		}
		return "", err
	}

	if ev := res.Event(); ev != nil {
		r.addSuggestions(opCtx, tab, ev, failedSelectors(cands, res))
		result.Healing = ev
	}
	return res.Candidate.Selector, nil
}

// failedSelectors lists the candidates that did not match: everything probed
// before the winner, or the whole group when the resolver fell back.
func failedSelectors(cands []string, res *locator.Resolution) []string {
	if res.FellBack {
		return cands
	}
	return cands[:res.Index]
}

// addSuggestions attaches post-hoc repair hints to a healing event: selectors
// mined from the live DOM and, when configured, proposals from the advisor.
// Diagnostics only; failures here never affect the step.
func (r *Runner) addSuggestions(ctx context.Context, tab Tab, ev *schemas.HealingEvent, failed []string) {
	if len(failed) == 0 {
		return
	}
	if !r.cfg.Healing.SuggestFromDOM && r.advisor == nil {
		return
	}

	pageHTML, err := tab.PageHTML(ctx)
	if err != nil {
		r.logger.Debug("Could not capture DOM for selector suggestions.", zap.Error(err))
		return
	}

	var suggestions []string
	if r.cfg.Healing.SuggestFromDOM {
		suggestions = locator.SuggestFromDOM(pageHTML, failed, maxSuggestions)
	}
	if r.advisor != nil {
		proposed, err := r.advisor.Propose(ctx, ev.Group, failed, pageHTML)
		if err != nil {
			r.logger.Debug("Selector advisor unavailable.", zap.String("group", ev.Group), zap.Error(err))
		} else {
			suggestions = append(suggestions, proposed...)
		}
	}
	ev.Suggestions = dedupe(suggestions)
}

func skippedSteps(steps []suite.Step, from int) []schemas.StepResult {
	var out []schemas.StepResult
	for i := from; i < len(steps); i++ {
		out = append(out, schemas.StepResult{
			Index:  i,
			Kind:   string(steps[i].Kind),
			Target: steps[i].Target(),
			Status: schemas.StatusSkipped,
		})
	}
	return out
}

func abortReason(suiteCtx context.Context, timeout time.Duration) string {
	if errors.Is(suiteCtx.Err(), context.DeadlineExceeded) {
		return fmt.Sprintf("suite timed out after %v", timeout)
	}
	return "run cancelled"
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// resolveURL resolves a possibly relative navigation target against the
// suite's base URL, per the usual reference resolution rules.
func resolveURL(base, target string) (string, error) {
	t, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid navigation target %q: %w", target, err)
	}
	if t.IsAbs() || base == "" {
		return target, nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base_url %q: %w", base, err)
	}
	return b.ResolveReference(t).String(), nil
}

func sanitizeLabel(label string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '-'
		}
	}, label)
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
