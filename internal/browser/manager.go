// Package browser owns the Chrome lifecycle: launching a local headless
// instance or attaching to a remote grid browser over CDP, handing out
// isolated tab sessions, and shutting everything down without stranding
// tabs mid-step.
package browser

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/caliper-cli/internal/config"
)

// Endpoint tells the manager where the browser comes from.
type Endpoint struct {
	// WebSocketURL attaches to a remote CDP browser when non-empty;
	// otherwise a local Chrome process is launched.
	WebSocketURL string
	// Provider names the endpoint's origin for logs and reports.
	Provider string
}

// Manager handles the lifecycle of one browser (local process or remote grid
// connection) and tracks the sessions opened against it.
type Manager struct {
	logger *zap.Logger
	cfg    *config.Config

	endpoint Endpoint

	// allocatorCtx manages the browser itself. All session contexts are
	// derived from this.
	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc

	// wg tracks active sessions for a graceful shutdown.
	wg sync.WaitGroup
}

// NewManager starts (or attaches to) the browser described by the endpoint
// and verifies it responds before returning.
func NewManager(ctx context.Context, cfg *config.Config, endpoint Endpoint, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		logger:   logger.Named("browser_manager"),
		cfg:      cfg,
		endpoint: endpoint,
	}
	if err := m.launch(ctx); err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	return m, nil
}

// launch prepares the allocator and confirms the browser is alive.
func (m *Manager) launch(ctx context.Context) error {
	if m.endpoint.WebSocketURL != "" {
		m.logger.Info("Attaching to remote browser.",
			zap.String("provider", m.endpoint.Provider))
		m.allocatorCtx, m.allocatorCancel = chromedp.NewRemoteAllocator(ctx, m.endpoint.WebSocketURL)
	} else {
		m.logger.Info("Launching local browser.")
		m.allocatorCtx, m.allocatorCancel = chromedp.NewExecAllocator(ctx, m.buildAllocatorOptions()...)
	}

	// Open a throwaway tab to verify the browser starts and is responsive.
	testCtx, cancelTest := context.WithTimeout(m.allocatorCtx, 30*time.Second)
	testCtx, cancelTestCtx := chromedp.NewContext(testCtx)
	defer cancelTestCtx()
	defer cancelTest()

	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		m.allocatorCancel()
		return fmt.Errorf("browser failed to start or respond: %w", err)
	}

	m.logger.Info("Browser is up and responsive.")
	return nil
}

// buildAllocatorOptions assembles the launch flags for a local instance.
func (m *Manager) buildAllocatorOptions() []chromedp.ExecAllocatorOption {
	bc := m.cfg.Browser

	// Start from chromedp's defaults. enable-automation is overridden off:
	// it toggles infobars and password manager UI differently across Chrome
	// versions, which skews visual baselines.
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("headless", bc.Headless),
		chromedp.Flag("ignore-certificate-errors", bc.IgnoreTLSErrors),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-gpu", bc.Headless),
		// Animations make screenshots nondeterministic.
		chromedp.Flag("force-prefers-reduced-motion", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.WindowSize(bc.ViewportWidth, bc.ViewportHeight),
	)
	if bc.DisableCache {
		opts = append(opts, chromedp.Flag("disk-cache-size", "1"))
	}
	if bc.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(bc.UserAgent))
	}
	if bc.ProxyServer != "" {
		opts = append(opts, chromedp.ProxyServer(bc.ProxyServer))
	}

	// Custom arguments from config.yaml.
	for _, arg := range bc.Args {
		parts := strings.SplitN(arg, "=", 2)
		flagName := strings.TrimPrefix(parts[0], "--")
		if len(parts) == 2 {
			opts = append(opts, chromedp.Flag(flagName, parts[1]))
		} else {
			opts = append(opts, chromedp.Flag(flagName, true))
		}
	}

	// Flags required for running inside containers (e.g., Docker on Linux).
	if runtime.GOOS == "linux" {
		opts = append(opts,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-setuid-sandbox", true),
		)
	}

	return opts
}

// NewSession opens a fresh tab with capture listeners attached.
func (m *Manager) NewSession(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s, err := newSession(m.allocatorCtx, m.cfg, m.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}

	// Track the session so Shutdown can wait for it.
	m.wg.Add(1)
	s.onClose = m.wg.Done
	return s, nil
}

// Shutdown waits for active sessions to finish and terminates the browser.
// The context bounds how long the manager waits before forcing termination.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Browser manager shutdown initiated. Waiting for active sessions to complete...")

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("All sessions have completed.")
	case <-ctx.Done():
		m.logger.Warn("Shutdown deadline exceeded. Forcing browser termination.", zap.Error(ctx.Err()))
	}

	if m.allocatorCancel != nil {
		m.logger.Info("Shutting down browser...")
		m.allocatorCancel()
		<-m.allocatorCtx.Done()
	}
	return nil
}
