package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/caliper-cli/api/schemas"
	"github.com/xkilldash9x/caliper-cli/internal/config"
)

// runActionsFunc matches chromedp.Run; tests swap it to capture actions
// without a live browser.
type runActionsFunc func(ctx context.Context, actions ...chromedp.Action) error

// Session is one isolated tab. All step primitives run against the tab's
// context but honor the caller's context for cancellation and deadlines, so
// a step timeout never tears down the tab itself.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *config.Config
	logger *zap.Logger
	rec    *Recorder

	runActions runActionsFunc

	onClose   func()
	closeOnce sync.Once
}

func newSession(allocCtx context.Context, cfg *config.Config, logger *zap.Logger) (*Session, error) {
	tabCtx, cancel := chromedp.NewContext(allocCtx)
	s := &Session{
		ctx:        tabCtx,
		cancel:     cancel,
		cfg:        cfg,
		logger:     logger.Named("session"),
		runActions: chromedp.Run,
	}

	// Listeners must attach before the first navigation or early requests
	// are lost.
	s.rec = newRecorder(tabCtx, cfg.Capture, s.logger)

	boot := []chromedp.Action{}
	if cfg.Capture.Network || cfg.Capture.Console {
		boot = append(boot, s.rec.enableActions()...)
	}
	if cfg.Browser.ViewportWidth > 0 && cfg.Browser.ViewportHeight > 0 {
		boot = append(boot, chromedp.EmulateViewport(
			int64(cfg.Browser.ViewportWidth), int64(cfg.Browser.ViewportHeight)))
	}
	if cfg.Browser.DisableCache {
		boot = append(boot, network.SetCacheDisabled(true))
	}

	if err := s.runActions(tabCtx, boot...); err != nil {
		cancel()
		return nil, fmt.Errorf("initializing tab: %w", err)
	}
	return s, nil
}

// Ctx exposes the tab context so other packages (selector probing, custom
// actions) can run chromedp tasks against this session.
func (s *Session) Ctx() context.Context { return s.ctx }

// Recorder returns the capture recorder attached to this session.
func (s *Session) Recorder() *Recorder { return s.rec }

// Console returns the console entries captured so far.
func (s *Session) Console() []schemas.ConsoleEntry { return s.rec.Console() }

// NetworkSummary condenses the tab's network capture for the report.
func (s *Session) NetworkSummary() schemas.NetworkSummary { return s.rec.Summary() }

// ArchiveCapture writes the tab's capture streams under dir.
func (s *Session) ArchiveCapture(dir string) error { return s.rec.WriteArchive(dir) }

// Run executes chromedp actions on the tab, bounded by the caller's context.
// The operational context aborting cancels the actions, not the tab.
func (s *Session) Run(ctx context.Context, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := s.runActions(runCtx, actions...)
	// Report the most meaningful context error first.
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	if serr := s.ctx.Err(); serr != nil {
		return serr
	}
	return err
}

// Navigate loads the URL, waits for the document body, then waits for the
// network to go quiet so fonts, lazy images and entrance animations settle
// before any capture. A stabilization timeout is not fatal.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.logger.Info("Navigating.", zap.String("url", url))

	timeout := s.cfg.Browser.NavigationTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := s.Run(navCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		if navCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return fmt.Errorf("navigation to %s timed out after %v: %w", url, timeout, navCtx.Err())
		}
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}

	if quiet := s.cfg.Browser.PostLoadWait; quiet > 0 {
		stabilizeCtx, cancelStabilize := context.WithTimeout(ctx, 30*time.Second)
		defer cancelStabilize()
		if err := s.rec.WaitNetworkIdle(stabilizeCtx, quiet); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("Page stabilization timed out (non-critical).", zap.String("url", url), zap.Error(err))
		}
	}
	return nil
}

// Click scrolls the element into view and clicks it.
func (s *Session) Click(ctx context.Context, selector string) error {
	err := s.Run(ctx,
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("clicking %q: %w", selector, err)
	}
	return nil
}

// Submit submits the form owning the element.
func (s *Session) Submit(ctx context.Context, selector string) error {
	if err := s.Run(ctx, chromedp.Submit(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("submitting %q: %w", selector, err)
	}
	return nil
}

const jsClearTemplate = `(function(selector) {
	const el = document.querySelector(selector);
	if (!el) return false;
	if (el.disabled || el.readOnly) return false;
	try {
		el.value = "";
		el.dispatchEvent(new Event('input', { bubbles: true }));
		el.dispatchEvent(new Event('change', { bubbles: true }));
	} catch (e) {
		return false;
	}
	return true;
})(%s)`

// Fill clears the field and types the value. Clearing goes through JS with
// synthetic input/change events so reactive frameworks notice; SetValue alone
// leaves their model state stale.
func (s *Session) Fill(ctx context.Context, selector, value string) error {
	var cleared bool
	err := s.Run(ctx,
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Evaluate(fmt.Sprintf(jsClearTemplate, jsEncode(selector)), &cleared, evalReturnByValue),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("filling %q: %w", selector, err)
	}
	return nil
}

// Text returns the visible text content of the element.
func (s *Session) Text(ctx context.Context, selector string) (string, error) {
	var text string
	if err := s.Run(ctx, chromedp.Text(selector, &text, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("reading text of %q: %w", selector, err)
	}
	return text, nil
}

// WaitVisible blocks until the element is visible or the context ends.
func (s *Session) WaitVisible(ctx context.Context, selector string) error {
	if err := s.Run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("waiting for %q: %w", selector, err)
	}
	return nil
}

// PageHTML snapshots the full serialized DOM, used for selector diagnostics.
func (s *Session) PageHTML(ctx context.Context) (string, error) {
	var html string
	if err := s.Run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("capturing page html: %w", err)
	}
	return html, nil
}

// CaptureViewport screenshots the current viewport as PNG.
func (s *Session) CaptureViewport(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := s.Run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("viewport capture: %w", err)
	}
	return buf, nil
}

// CaptureFullPage screenshots the entire page height as PNG.
func (s *Session) CaptureFullPage(ctx context.Context) ([]byte, error) {
	var buf []byte
	// Quality 100 selects lossless PNG output.
	if err := s.Run(ctx, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return nil, fmt.Errorf("full page capture: %w", err)
	}
	return buf, nil
}

// CaptureElement screenshots just the element's box as PNG.
func (s *Session) CaptureElement(ctx context.Context, selector string) ([]byte, error) {
	var buf []byte
	err := s.Run(ctx,
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.Screenshot(selector, &buf, chromedp.ByQuery),
	)
	if err != nil {
		return nil, fmt.Errorf("element capture of %q: %w", selector, err)
	}
	return buf, nil
}

// SetExtraHeaders attaches headers to every request this tab issues.
func (s *Session) SetExtraHeaders(ctx context.Context, headers map[string]string) error {
	h := make(network.Headers, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	if err := s.Run(ctx, network.Enable(), network.SetExtraHTTPHeaders(h)); err != nil {
		return fmt.Errorf("setting extra headers: %w", err)
	}
	return nil
}

const jsSetLocalStorage = `(function(k, v) {
	window.localStorage.setItem(k, v);
	return true;
})(%s, %s)`

// SeedLocalStorage writes a key for the tab's current origin. The tab must
// already be on the application's origin or the value lands elsewhere.
func (s *Session) SeedLocalStorage(ctx context.Context, key, value string) error {
	var ok bool
	js := fmt.Sprintf(jsSetLocalStorage, jsEncode(key), jsEncode(value))
	if err := s.Run(ctx, chromedp.Evaluate(js, &ok, evalReturnByValue)); err != nil {
		return fmt.Errorf("seeding localStorage key %q: %w", key, err)
	}
	return nil
}

// CaptureFailureBodies pulls response bodies for requests that finished with
// an error status, so the report can show what the server actually said.
// Bodies are only retrievable while the tab is alive; call before Close.
func (s *Session) CaptureFailureBodies(ctx context.Context) {
	for _, id := range s.rec.bodyCandidates() {
		reqID := id
		var body []byte
		err := s.Run(ctx, chromedp.ActionFunc(func(cctx context.Context) error {
			b, err := network.GetResponseBody(reqID).Do(cctx)
			if err != nil {
				return err
			}
			body = b
			return nil
		}))
		if err != nil {
			// The browser evicts bodies it no longer holds; skip those.
			s.logger.Debug("Response body unavailable.",
				zap.String("requestID", string(reqID)), zap.Error(err))
			continue
		}
		s.rec.attachBody(reqID, body)
	}
}

// Close tears the tab down. Safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.logger.Debug("Closing session.")
		if s.rec != nil {
			s.rec.Stop()
		}
		s.cancel()
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}

func evalReturnByValue(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithReturnByValue(true).WithSilent(true)
}

func jsEncode(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `""`
	}
	return string(b)
}
