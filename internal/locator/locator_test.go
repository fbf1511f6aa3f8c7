package locator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// fakeProber plays back scripted probe outcomes and records probe order so
// tests can assert the pass is sequential and stops at the first match.
type fakeProber struct {
	counts      map[string]int
	countErrs   map[string]error
	visible     map[string]bool
	visibleErrs map[string]error

	probed      []string
	highlighted []string
}

func (f *fakeProber) Count(_ context.Context, c Candidate) (int, error) {
	f.probed = append(f.probed, c.Selector)
	if err, ok := f.countErrs[c.Selector]; ok {
		return 0, err
	}
	return f.counts[c.Selector], nil
}

func (f *fakeProber) Visible(_ context.Context, c Candidate) (bool, error) {
	if err, ok := f.visibleErrs[c.Selector]; ok {
		return false, err
	}
	return f.visible[c.Selector], nil
}

func (f *fakeProber) Highlight(_ context.Context, c Candidate) error {
	f.highlighted = append(f.highlighted, c.Selector)
	return nil
}

func candidates(selectors ...string) []Candidate {
	out := make([]Candidate, len(selectors))
	for i, s := range selectors {
		out[i] = Candidate{Selector: s}
	}
	return out
}

func newTestResolver(p Prober, opts Options) *Resolver {
	return New(p, opts, zap.NewNop())
}

func TestResolveFirstMatchWins(t *testing.T) {
	prober := &fakeProber{
		counts:  map[string]int{"#a": 0, "#b": 2, "#c": 1},
		visible: map[string]bool{"#b": true},
	}
	r := newTestResolver(prober, Options{})

	res, err := r.Resolve(context.Background(), "login-button", candidates("#a", "#b", "#c"))
	require.NoError(t, err)

	assert.Equal(t, "#b", res.Candidate.Selector)
	assert.Equal(t, 1, res.Index)
	assert.Equal(t, 2, res.Matches)
	assert.Equal(t, StateMatched, res.State)
	assert.False(t, res.FellBack)
	assert.True(t, res.Visible)

	// Probing must stop at the first match: #c is never touched.
	assert.Equal(t, []string{"#a", "#b"}, prober.probed)
}

func TestResolveVisibilityNeverGates(t *testing.T) {
	t.Run("invisible match still wins", func(t *testing.T) {
		prober := &fakeProber{
			counts:  map[string]int{"#hidden": 1, "#shown": 1},
			visible: map[string]bool{"#hidden": false, "#shown": true},
		}
		r := newTestResolver(prober, Options{})

		res, err := r.Resolve(context.Background(), "banner", candidates("#hidden", "#shown"))
		require.NoError(t, err)

		assert.Equal(t, "#hidden", res.Candidate.Selector)
		assert.Equal(t, 0, res.Index)
		assert.False(t, res.Visible)
		assert.Equal(t, []string{"#hidden"}, prober.probed, "later visible candidate must not be probed")
	})

	t.Run("visibility probe error is treated as not visible", func(t *testing.T) {
		prober := &fakeProber{
			counts:      map[string]int{"#x": 1},
			visibleErrs: map[string]error{"#x": errors.New("evaluate failed")},
		}
		r := newTestResolver(prober, Options{})

		res, err := r.Resolve(context.Background(), "banner", candidates("#x"))
		require.NoError(t, err)
		assert.Equal(t, StateMatched, res.State)
		assert.False(t, res.Visible)
	})
}

func TestResolveFailsOpen(t *testing.T) {
	t.Run("all zero matches falls back to first candidate", func(t *testing.T) {
		prober := &fakeProber{counts: map[string]int{"#a": 0, "#b": 0}}
		r := newTestResolver(prober, Options{})

		res, err := r.Resolve(context.Background(), "cart", candidates("#a", "#b"))
		require.NoError(t, err, "no match is not a resolution error")

		assert.Equal(t, StateFallbackChosen, res.State)
		assert.True(t, res.FellBack)
		assert.Equal(t, "#a", res.Candidate.Selector)
		assert.Equal(t, 0, res.Index)
		assert.Equal(t, 0, res.Matches)
		assert.Empty(t, res.Failures)
	})

	t.Run("fallback skips candidates whose probe threw", func(t *testing.T) {
		prober := &fakeProber{
			counts:    map[string]int{"#b": 0, "#c": 0},
			countErrs: map[string]error{"#a": errors.New("invalid selector")},
		}
		r := newTestResolver(prober, Options{})

		res, err := r.Resolve(context.Background(), "cart", candidates("#a", "#b", "#c"))
		require.NoError(t, err)

		assert.True(t, res.FellBack)
		assert.Equal(t, "#b", res.Candidate.Selector, "fallback is first candidate with a clean probe")
		assert.Equal(t, 1, res.Index)
		require.Len(t, res.Failures, 1)
		assert.Equal(t, 0, res.Failures[0].Index)
		assert.Equal(t, "#a", res.Failures[0].Selector)
	})
}

func TestResolveAllProbesFailed(t *testing.T) {
	errA := errors.New("bad selector a")
	errB := errors.New("bad selector b")
	prober := &fakeProber{
		countErrs: map[string]error{"#a": errA, "#b": errB},
	}
	r := newTestResolver(prober, Options{})

	res, err := r.Resolve(context.Background(), "cart", candidates("#a", "#b"))
	require.Error(t, err)
	assert.Nil(t, res)

	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, "cart", resErr.Group)
	require.Len(t, resErr.Failures, 2)
	assert.Equal(t, "#a", resErr.Failures[0].Selector)
	assert.Equal(t, "#b", resErr.Failures[1].Selector)

	// The underlying probe errors stay reachable through Unwrap.
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
}

func TestResolveEmptyCandidateList(t *testing.T) {
	r := newTestResolver(&fakeProber{}, Options{})

	res, err := r.Resolve(context.Background(), "cart", nil)
	assert.Nil(t, res)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoCandidates)
	assert.Contains(t, err.Error(), "cart")
}

func TestResolveContextCancelled(t *testing.T) {
	prober := &fakeProber{counts: map[string]int{"#a": 1}}
	r := newTestResolver(prober, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := r.Resolve(ctx, "cart", candidates("#a"))
	assert.Nil(t, res)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, prober.probed, "no probe may run after cancellation")
}

func TestResolveMatchAfterFailures(t *testing.T) {
	prober := &fakeProber{
		counts:    map[string]int{"#b": 3},
		countErrs: map[string]error{"#a": errors.New("protocol error")},
		visible:   map[string]bool{"#b": true},
	}
	r := newTestResolver(prober, Options{})

	res, err := r.Resolve(context.Background(), "search", candidates("#a", "#b"))
	require.NoError(t, err)

	assert.Equal(t, StateMatched, res.State)
	assert.Equal(t, 1, res.Index)
	assert.Equal(t, 3, res.Matches)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "#a", res.Failures[0].Selector)
}

func TestResolveIsRepeatable(t *testing.T) {
	prober := &fakeProber{
		counts:  map[string]int{"#a": 0, "#b": 1},
		visible: map[string]bool{"#b": true},
	}
	r := newTestResolver(prober, Options{})

	first, err := r.Resolve(context.Background(), "nav", candidates("#a", "#b"))
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), "nav", candidates("#a", "#b"))
	require.NoError(t, err)

	assert.Equal(t, first.Candidate, second.Candidate)
	assert.Equal(t, first.Index, second.Index)
	assert.Equal(t, first.State, second.State)
	assert.Equal(t, first.Matches, second.Matches)
}

func TestResolutionEvent(t *testing.T) {
	t.Run("clean first match reports nothing", func(t *testing.T) {
		res := &Resolution{Group: "nav", Candidate: Candidate{Selector: "#a"}, Index: 0, State: StateMatched}
		assert.False(t, res.Healed())
		assert.Nil(t, res.Event())
	})

	t.Run("later candidate match is a healing event", func(t *testing.T) {
		res := &Resolution{Group: "nav", Candidate: Candidate{Selector: "#b"}, Index: 1, State: StateMatched}
		require.True(t, res.Healed())
		ev := res.Event()
		require.NotNil(t, ev)
		assert.Equal(t, "nav", ev.Group)
		assert.Equal(t, "#b", ev.Chosen)
		assert.Equal(t, 1, ev.Index)
		assert.False(t, ev.FellBack)
	})

	t.Run("fallback is a healing event", func(t *testing.T) {
		res := &Resolution{
			Group:     "nav",
			Candidate: Candidate{Selector: "#a"},
			FellBack:  true,
			State:     StateFallbackChosen,
			Failures:  []ProbeFailure{{Index: 1, Selector: "#b", Err: errors.New("boom")}},
		}
		ev := res.Event()
		require.NotNil(t, ev)
		assert.True(t, ev.FellBack)
		require.Len(t, ev.Failures, 1)
		assert.Contains(t, ev.Failures[0], "#b")
		assert.Contains(t, ev.Failures[0], "boom")
	})
}

func TestResolveHighlight(t *testing.T) {
	t.Run("flashes the winner when enabled", func(t *testing.T) {
		prober := &fakeProber{counts: map[string]int{"#a": 1}}
		r := newTestResolver(prober, Options{HighlightEnabled: true})

		_, err := r.Resolve(context.Background(), "nav", candidates("#a"))
		require.NoError(t, err)
		assert.Equal(t, []string{"#a"}, prober.highlighted)
	})

	t.Run("does nothing when disabled", func(t *testing.T) {
		prober := &fakeProber{counts: map[string]int{"#a": 1}}
		r := newTestResolver(prober, Options{})

		_, err := r.Resolve(context.Background(), "nav", candidates("#a"))
		require.NoError(t, err)
		assert.Empty(t, prober.highlighted)
	})
}

// The two canonical drift scenarios, log lines included: stale leading
// candidates are each reported as "no elements found" before the real one
// wins, and a present-but-hidden first candidate still wins with an explicit
// not-yet-visible note.
func TestResolveDriftScenarios(t *testing.T) {
	t.Run("two stale candidates before the real button", func(t *testing.T) {
		core, logs := observer.New(zap.DebugLevel)
		prober := &fakeProber{
			counts:  map[string]int{"#missing": 0, "#also-missing": 0, "#real-button": 1},
			visible: map[string]bool{"#real-button": true},
		}
		r := New(prober, Options{}, zap.New(core))

		res, err := r.Resolve(context.Background(), "submit", candidates("#missing", "#also-missing", "#real-button"))
		require.NoError(t, err)

		assert.Equal(t, "#real-button", res.Candidate.Selector)
		assert.Equal(t, 2, res.Index)
		assert.True(t, res.Visible)
		assert.Equal(t, 2, logs.FilterMessage("No elements found for candidate.").Len())
	})

	t.Run("first candidate present but not yet visible", func(t *testing.T) {
		core, logs := observer.New(zap.DebugLevel)
		prober := &fakeProber{
			counts:  map[string]int{"#a": 1, "#b": 1},
			visible: map[string]bool{"#a": false, "#b": true},
		}
		r := New(prober, Options{}, zap.New(core))

		res, err := r.Resolve(context.Background(), "banner", candidates("#a", "#b"))
		require.NoError(t, err)

		assert.Equal(t, "#a", res.Candidate.Selector, "first match wins regardless of visibility")
		assert.False(t, res.Visible)
		assert.Equal(t, 1, logs.FilterMessage("Matched selector (not yet visible).").Len())
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "probing", StateProbing.String())
	assert.Equal(t, "matched", StateMatched.String())
	assert.Equal(t, "fallback_chosen", StateFallbackChosen.String())
	assert.Equal(t, "all_failed", StateAllFailed.String())
}
