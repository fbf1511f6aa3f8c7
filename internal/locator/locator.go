// Package locator resolves an ordered list of selector candidates to the one
// the rest of a step should act on. Resolution is a single sequential pass:
// the first candidate matching at least one element wins, visibility never
// gates the choice, and when nothing matches the resolver fails open to the
// first candidate whose probe completed cleanly so the downstream action can
// fail with the browser's own "not found" diagnostics. Only when every probe
// itself errored does resolution fail.
package locator

import (
	"context"
	"errors"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/caliper-cli/api/schemas"
)

// ErrNoCandidates signals a configuration problem: a step referenced an
// element group with an empty candidate list.
var ErrNoCandidates = errors.New("locator: no selector candidates configured")

// Candidate is one entry in an element group's ordered selector list.
type Candidate struct {
	// Selector is a CSS selector probed against the document.
	Selector string
	// Node optionally pins the candidate to an already resolved DOM node,
	// in which case the count probe is a no-op and the node wins directly.
	Node *cdp.Node
}

// ProbeFailure records a candidate whose probe itself errored (malformed
// selector, protocol failure), as opposed to one that cleanly matched zero
// elements.
type ProbeFailure struct {
	Index    int
	Selector string
	Err      error
}

func (f ProbeFailure) String() string {
	return fmt.Sprintf("candidate %d (%s): %v", f.Index, f.Selector, f.Err)
}

// State identifies where a resolution pass ended up. Probing is the transient
// in-pass state; the other three are terminal.
type State int

const (
	StateProbing State = iota
	StateMatched
	StateFallbackChosen
	StateAllFailed
)

func (s State) String() string {
	switch s {
	case StateProbing:
		return "probing"
	case StateMatched:
		return "matched"
	case StateFallbackChosen:
		return "fallback_chosen"
	case StateAllFailed:
		return "all_failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Resolution is the outcome of resolving one element group.
type Resolution struct {
	// Group is the element group name the candidates belong to.
	Group string
	// Candidate is the winning (or fallback) candidate.
	Candidate Candidate
	// Index is the winning candidate's position in the original list.
	Index int
	// Matches is the element count the winning candidate's probe reported.
	// Zero when the resolver fell back.
	Matches int
	// Visible reports whether the first matched element was visible at probe
	// time. Informational only; visibility never influences the choice.
	Visible bool
	// FellBack is true when no candidate matched and the resolver chose the
	// first candidate with a clean zero-match probe instead.
	FellBack bool
	// State is the terminal state of the pass.
	State State
	// Failures lists every candidate probed before the winner whose probe
	// errored, in probe order.
	Failures []ProbeFailure
}

// Healed reports whether resolution succeeded through anything other than a
// clean first-candidate match.
func (res *Resolution) Healed() bool {
	return res.Index > 0 || res.FellBack || len(res.Failures) > 0
}

// Event converts the resolution into a reportable healing event, or nil when
// the first candidate matched cleanly and there is nothing worth reporting.
func (res *Resolution) Event() *schemas.HealingEvent {
	if !res.Healed() {
		return nil
	}
	ev := &schemas.HealingEvent{
		Group:    res.Group,
		Chosen:   res.Candidate.Selector,
		Index:    res.Index,
		FellBack: res.FellBack,
	}
	for _, f := range res.Failures {
		ev.Failures = append(ev.Failures, f.String())
	}
	return ev
}

// ResolutionError is returned when every candidate's probe errored. It keeps
// the per-candidate failures so reports can show exactly what the browser
// said about each selector.
type ResolutionError struct {
	Group    string
	Failures []ProbeFailure
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("locator: all %d candidates for group %q failed to probe", len(e.Failures), e.Group)
}

// Unwrap exposes the underlying probe errors for errors.Is / errors.As.
func (e *ResolutionError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Prober answers the two questions resolution asks of a live page: how many
// elements a candidate matches, and whether the first match is visible.
type Prober interface {
	// Count returns the number of elements the candidate currently matches.
	// It must not wait for elements to appear.
	Count(ctx context.Context, c Candidate) (int, error)
	// Visible reports whether the candidate's first match is visible. Errors
	// are treated as "not visible"; they never fail resolution.
	Visible(ctx context.Context, c Candidate) (bool, error)
}

// Highlighter is optionally implemented by probers that can flash an outline
// around a matched element. Purely cosmetic, used for debugging runs.
type Highlighter interface {
	Highlight(ctx context.Context, c Candidate) error
}

// Options holds the resolver's explicit knobs.
type Options struct {
	// HighlightEnabled flashes the winning element after a match when the
	// prober supports it. Failures to highlight are logged and ignored.
	HighlightEnabled bool
}

// Resolver runs resolution passes against a Prober.
type Resolver struct {
	prober Prober
	opts   Options
	logger *zap.Logger
}

// New constructs a Resolver. A nil logger is replaced with a no-op one.
func New(prober Prober, opts Options, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{prober: prober, opts: opts, logger: logger.Named("locator")}
}

// Resolve probes the candidates in order and returns the resolution. The pass
// is single-shot: no retries, no waiting, and probing stops at the first
// candidate that matches. A cancelled context aborts the pass with ctx.Err().
func (r *Resolver) Resolve(ctx context.Context, group string, candidates []Candidate) (*Resolution, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("element group %q: %w", group, ErrNoCandidates)
	}

	state := StateProbing
	var failures []ProbeFailure
	firstClean := -1

	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("resolving element group %q: %w", group, err)
		}

		r.logger.Debug("Probing candidate.",
			zap.String("group", group),
			zap.Int("index", i),
			zap.String("selector", c.Selector),
			zap.Stringer("state", state))

		n, err := r.prober.Count(ctx, c)
		if err != nil {
			failures = append(failures, ProbeFailure{Index: i, Selector: c.Selector, Err: err})
			r.logger.Debug("Candidate probe errored.",
				zap.String("group", group),
				zap.Int("index", i),
				zap.String("selector", c.Selector),
				zap.Error(err))
			continue
		}
		if n == 0 {
			if firstClean == -1 {
				firstClean = i
			}
			r.logger.Debug("No elements found for candidate.",
				zap.String("group", group),
				zap.Int("index", i),
				zap.String("selector", c.Selector))
			continue
		}

		// First match wins, visible or not.
		state = StateMatched
		visible, verr := r.prober.Visible(ctx, c)
		if verr != nil {
			visible = false
		}

		if visible {
			r.logger.Debug("Matched selector.",
				zap.String("group", group),
				zap.Int("index", i),
				zap.String("selector", c.Selector),
				zap.Int("matches", n))
		} else {
			r.logger.Info("Matched selector (not yet visible).",
				zap.String("group", group),
				zap.Int("index", i),
				zap.String("selector", c.Selector),
				zap.Int("matches", n))
		}

		res := &Resolution{
			Group:     group,
			Candidate: c,
			Index:     i,
			Matches:   n,
			Visible:   visible,
			State:     state,
			Failures:  failures,
		}

		if i > 0 || len(failures) > 0 {
			r.logger.Warn("Element group healed to a later candidate.",
				zap.String("group", group),
				zap.Int("index", i),
				zap.String("selector", c.Selector),
				zap.Int("matches", n),
				zap.Int("failedProbes", len(failures)))
		}

		if r.opts.HighlightEnabled {
			r.highlight(ctx, group, c)
		}
		return res, nil
	}

	if firstClean >= 0 {
		// Nothing matched. Fail open with the first candidate whose probe was
		// clean so the step that acts on it surfaces the browser's own error.
		state = StateFallbackChosen
		c := candidates[firstClean]
		r.logger.Warn("No candidate matched; failing open to first clean candidate.",
			zap.String("group", group),
			zap.Int("index", firstClean),
			zap.String("selector", c.Selector),
			zap.Int("failedProbes", len(failures)))
		return &Resolution{
			Group:     group,
			Candidate: c,
			Index:     firstClean,
			Matches:   0,
			FellBack:  true,
			State:     state,
			Failures:  failures,
		}, nil
	}

	state = StateAllFailed
	r.logger.Error("Every candidate probe errored.",
		zap.String("group", group),
		zap.Int("candidates", len(candidates)),
		zap.Stringer("state", state))
	return nil, &ResolutionError{Group: group, Failures: failures}
}

// highlight is best effort; a prober without highlight support or a failed
// flash never affects the resolution.
func (r *Resolver) highlight(ctx context.Context, group string, c Candidate) {
	hl, ok := r.prober.(Highlighter)
	if !ok {
		return
	}
	if err := hl.Highlight(ctx, c); err != nil {
		r.logger.Debug("Highlight failed.",
			zap.String("group", group),
			zap.String("selector", c.Selector),
			zap.Error(err))
	}
}
