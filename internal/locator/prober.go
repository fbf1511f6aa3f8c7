package locator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

// CDPProber implements Prober against a live chromedp tab context. All probes
// are zero-wait: they report what the DOM looks like right now, because the
// resolver's contract is a single pass with no polling.
type CDPProber struct {
	// ProbeTimeout bounds each individual CDP round trip so one hung call
	// cannot stall the whole pass. Zero selects a 5s default.
	ProbeTimeout time.Duration
}

var (
	_ Prober      = (*CDPProber)(nil)
	_ Highlighter = (*CDPProber)(nil)
)

func (p *CDPProber) timeout() time.Duration {
	if p.ProbeTimeout > 0 {
		return p.ProbeTimeout
	}
	return 5 * time.Second
}

// Count queries the candidate selector and returns how many elements match.
// AtLeast(0) turns chromedp's default wait-for-match behavior off; a selector
// matching nothing returns (0, nil) immediately. A malformed selector makes
// querySelectorAll throw, which surfaces here as an error.
func (p *CDPProber) Count(ctx context.Context, c Candidate) (int, error) {
	if c.Node != nil {
		// Pre-bound node: nothing to query.
		return 1, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	var nodes []*cdp.Node
	err := chromedp.Run(probeCtx,
		chromedp.Nodes(c.Selector, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0)),
	)
	if err != nil {
		return 0, fmt.Errorf("counting matches for %q: %w", c.Selector, err)
	}
	return len(nodes), nil
}

const visibleBySelectorJS = `(function(selector) {
	const el = document.querySelector(selector);
	if (!el) return false;
	const style = window.getComputedStyle(el);
	if (style.display === 'none' || style.visibility === 'hidden' || parseFloat(style.opacity) === 0) {
		return false;
	}
	const rect = el.getBoundingClientRect();
	return rect.width > 0 && rect.height > 0;
})(%s)`

const visibleByXPathJS = `(function(xpath) {
	const el = document.evaluate(xpath, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue;
	if (!el) return false;
	const style = window.getComputedStyle(el);
	if (style.display === 'none' || style.visibility === 'hidden' || parseFloat(style.opacity) === 0) {
		return false;
	}
	const rect = el.getBoundingClientRect();
	return rect.width > 0 && rect.height > 0;
})(%s)`

// Visible checks computed style and the bounding box of the candidate's first
// match. It answers the reporting question "was the element on screen", never
// the resolution question.
func (p *CDPProber) Visible(ctx context.Context, c Candidate) (bool, error) {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	var script string
	if c.Node != nil {
		script = fmt.Sprintf(visibleByXPathJS, jsonEncode(c.Node.FullXPath()))
	} else {
		script = fmt.Sprintf(visibleBySelectorJS, jsonEncode(c.Selector))
	}

	var visible bool
	err := chromedp.Run(probeCtx,
		chromedp.Evaluate(script, &visible, func(ep *runtime.EvaluateParams) *runtime.EvaluateParams {
			return ep.WithReturnByValue(true).WithSilent(true)
		}),
	)
	if err != nil {
		return false, fmt.Errorf("visibility probe for %q: %w", c.Selector, err)
	}
	return visible, nil
}

const highlightJS = `(function(selector) {
	const el = document.querySelector(selector);
	if (!el) return false;
	const prev = el.style.outline;
	el.style.outline = '3px solid #e91e63';
	setTimeout(() => { el.style.outline = prev; }, 600);
	return true;
})(%s)`

// Highlight flashes an outline around the matched element for a moment so a
// headed debugging session shows what the framework is about to act on.
func (p *CDPProber) Highlight(ctx context.Context, c Candidate) error {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	selector := c.Selector
	if c.Node != nil && selector == "" {
		// No CSS handle for a raw node; skip quietly.
		return nil
	}

	var ok bool
	err := chromedp.Run(probeCtx,
		chromedp.Evaluate(fmt.Sprintf(highlightJS, jsonEncode(selector)), &ok, func(ep *runtime.EvaluateParams) *runtime.EvaluateParams {
			return ep.WithReturnByValue(true).WithSilent(true)
		}),
	)
	if err != nil {
		return fmt.Errorf("highlighting %q: %w", selector, err)
	}
	return nil
}

func jsonEncode(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		// Unreachable for string inputs.
		return `""`
	}
	return string(b)
}
