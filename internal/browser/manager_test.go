package browser

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/caliper-cli/internal/config"
)

func optionsManager(t *testing.T, mutate func(*config.BrowserConfig)) *Manager {
	t.Helper()
	cfg := config.NewDefaultConfig()
	if mutate != nil {
		mutate(&cfg.Browser)
	}
	return &Manager{logger: zaptest.NewLogger(t), cfg: cfg}
}

// chromedp allocator options are opaque functions, so these tests check
// relative counts rather than flag values.
func TestBuildAllocatorOptions(t *testing.T) {
	plain := len(optionsManager(t, nil).buildAllocatorOptions())

	t.Run("extends the chromedp defaults", func(t *testing.T) {
		assert.Greater(t, plain, len(chromedp.DefaultExecAllocatorOptions))
	})

	t.Run("each custom arg adds one option", func(t *testing.T) {
		m := optionsManager(t, func(bc *config.BrowserConfig) {
			bc.Args = []string{"--disable-features=Translate", "--mute-audio"}
		})
		assert.Equal(t, plain+2, len(m.buildAllocatorOptions()))
	})

	t.Run("cache, user agent, and proxy add their flags", func(t *testing.T) {
		m := optionsManager(t, func(bc *config.BrowserConfig) {
			bc.DisableCache = true
			bc.UserAgent = "caliper-ci/1.0"
			bc.ProxyServer = "127.0.0.1:9400"
		})
		assert.Equal(t, plain+3, len(m.buildAllocatorOptions()))
	})
}

func TestManagerNewSessionRejectsDeadContext(t *testing.T) {
	m := &Manager{logger: zaptest.NewLogger(t), cfg: config.NewDefaultConfig()}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.NewSession(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestManagerShutdown(t *testing.T) {
	newManager := func(t *testing.T) *Manager {
		allocCtx, allocCancel := context.WithCancel(context.Background())
		return &Manager{
			logger:          zaptest.NewLogger(t),
			cfg:             config.NewDefaultConfig(),
			allocatorCtx:    allocCtx,
			allocatorCancel: allocCancel,
		}
	}

	t.Run("waits for active sessions", func(t *testing.T) {
		defer goleak.VerifyNone(t)

		m := newManager(t)
		m.wg.Add(1)
		go func() {
			time.Sleep(50 * time.Millisecond)
			m.wg.Done()
		}()

		start := time.Now()
		require.NoError(t, m.Shutdown(context.Background()))
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
		assert.ErrorIs(t, m.allocatorCtx.Err(), context.Canceled)
	})

	t.Run("forces termination past the deadline", func(t *testing.T) {
		m := newManager(t)
		m.wg.Add(1) // session that never finishes

		ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
		defer cancel()

		require.NoError(t, m.Shutdown(ctx))
		assert.ErrorIs(t, m.allocatorCtx.Err(), context.Canceled)

		// Release the stuck session so the waiter goroutine exits.
		m.wg.Done()
	})

	t.Run("shuts down with no sessions", func(t *testing.T) {
		m := newManager(t)
		require.NoError(t, m.Shutdown(context.Background()))
	})
}
