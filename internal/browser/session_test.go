package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/caliper-cli/api/schemas"
	"github.com/xkilldash9x/caliper-cli/internal/config"
)

// actionRecorder captures every chromedp action batch handed to the session
// without a live browser behind it.
type actionRecorder struct {
	batches [][]chromedp.Action
	err     error
}

func (a *actionRecorder) run(ctx context.Context, actions ...chromedp.Action) error {
	a.batches = append(a.batches, actions)
	return a.err
}

func newTestSession(t *testing.T, run runActionsFunc) *Session {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &Session{
		ctx:    ctx,
		cancel: cancel,
		cfg:    config.NewDefaultConfig(),
		logger: zaptest.NewLogger(t),
		rec: &Recorder{
			logger: zaptest.NewLogger(t),
			events: make(map[network.RequestID]*schemas.NetworkEvent),
		},
		runActions: run,
	}
}

func TestSessionRun(t *testing.T) {
	t.Run("returns the action error", func(t *testing.T) {
		boom := errors.New("element detached")
		rec := &actionRecorder{err: boom}
		s := newTestSession(t, rec.run)

		err := s.Run(context.Background(), chromedp.ActionFunc(func(context.Context) error { return nil }))
		assert.ErrorIs(t, err, boom)
		assert.Len(t, rec.batches, 1)
	})

	t.Run("caller cancellation wins over the action error", func(t *testing.T) {
		callerCtx, cancelCaller := context.WithCancel(context.Background())
		s := newTestSession(t, func(runCtx context.Context, actions ...chromedp.Action) error {
			cancelCaller()
			// The merged context must observe the caller's cancellation.
			select {
			case <-runCtx.Done():
			case <-time.After(2 * time.Second):
				t.Error("run context never cancelled")
			}
			return errors.New("browser protocol error")
		})

		err := s.Run(callerCtx, chromedp.ActionFunc(func(context.Context) error { return nil }))
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("tab teardown surfaces the session context error", func(t *testing.T) {
		var s *Session
		s = newTestSession(t, func(runCtx context.Context, actions ...chromedp.Action) error {
			s.cancel()
			return errors.New("tab gone")
		})

		err := s.Run(context.Background(), chromedp.ActionFunc(func(context.Context) error { return nil }))
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("pre-checks the caller context", func(t *testing.T) {
		rec := &actionRecorder{}
		s := newTestSession(t, rec.run)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := s.Run(ctx, chromedp.ActionFunc(func(context.Context) error { return nil }))
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, rec.batches, "actions must not run against a dead caller context")
	})
}

func TestSessionNavigate(t *testing.T) {
	t.Run("navigates and waits for the body", func(t *testing.T) {
		rec := &actionRecorder{}
		s := newTestSession(t, rec.run)
		s.cfg.Browser.PostLoadWait = 0

		require.NoError(t, s.Navigate(context.Background(), "https://shop.example/"))
		require.Len(t, rec.batches, 1)
		assert.Len(t, rec.batches[0], 2)
	})

	t.Run("waits the stabilization period after load", func(t *testing.T) {
		rec := &actionRecorder{}
		s := newTestSession(t, rec.run)
		s.cfg.Browser.PostLoadWait = 30 * time.Millisecond

		start := time.Now()
		require.NoError(t, s.Navigate(context.Background(), "https://shop.example/"))
		assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	})

	t.Run("reports navigation timeouts distinctly", func(t *testing.T) {
		s := newTestSession(t, func(runCtx context.Context, actions ...chromedp.Action) error {
			<-runCtx.Done()
			return runCtx.Err()
		})
		s.cfg.Browser.NavigationTimeout = 40 * time.Millisecond

		err := s.Navigate(context.Background(), "https://slow.example/")
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Contains(t, err.Error(), "timed out")
	})

	t.Run("wraps navigation failures", func(t *testing.T) {
		rec := &actionRecorder{err: errors.New("net::ERR_NAME_NOT_RESOLVED")}
		s := newTestSession(t, rec.run)

		err := s.Navigate(context.Background(), "https://nope.invalid/")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "navigation to https://nope.invalid/ failed")
	})
}

func TestSessionStepPrimitives(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		call        func(s *Session) error
		wantActions int
		wantErrPart string
	}{
		{
			name:        "click",
			call:        func(s *Session) error { return s.Click(ctx, "#buy") },
			wantActions: 2,
			wantErrPart: `clicking "#buy"`,
		},
		{
			name:        "submit",
			call:        func(s *Session) error { return s.Submit(ctx, "#checkout-form button") },
			wantActions: 1,
			wantErrPart: `submitting "#checkout-form button"`,
		},
		{
			name:        "fill",
			call:        func(s *Session) error { return s.Fill(ctx, "#email", "kim@example.com") },
			wantActions: 4,
			wantErrPart: `filling "#email"`,
		},
		{
			name: "text",
			call: func(s *Session) error {
				_, err := s.Text(ctx, ".total")
				return err
			},
			wantActions: 1,
			wantErrPart: `reading text of ".total"`,
		},
		{
			name:        "wait visible",
			call:        func(s *Session) error { return s.WaitVisible(ctx, "#toast") },
			wantActions: 1,
			wantErrPart: `waiting for "#toast"`,
		},
		{
			name: "page html",
			call: func(s *Session) error {
				_, err := s.PageHTML(ctx)
				return err
			},
			wantActions: 1,
			wantErrPart: "capturing page html",
		},
		{
			name: "viewport capture",
			call: func(s *Session) error {
				_, err := s.CaptureViewport(ctx)
				return err
			},
			wantActions: 1,
			wantErrPart: "viewport capture",
		},
		{
			name: "full page capture",
			call: func(s *Session) error {
				_, err := s.CaptureFullPage(ctx)
				return err
			},
			wantActions: 1,
			wantErrPart: "full page capture",
		},
		{
			name: "element capture",
			call: func(s *Session) error {
				_, err := s.CaptureElement(ctx, "#receipt")
				return err
			},
			wantActions: 2,
			wantErrPart: `element capture of "#receipt"`,
		},
		{
			name:        "extra headers",
			call:        func(s *Session) error { return s.SetExtraHeaders(ctx, map[string]string{"X-Run": "1"}) },
			wantActions: 2,
			wantErrPart: "setting extra headers",
		},
		{
			name:        "seed local storage",
			call:        func(s *Session) error { return s.SeedLocalStorage(ctx, "auth_token", "tok") },
			wantActions: 1,
			wantErrPart: `seeding localStorage key "auth_token"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &actionRecorder{}
			s := newTestSession(t, rec.run)
			require.NoError(t, tt.call(s))
			require.Len(t, rec.batches, 1)
			assert.Len(t, rec.batches[0], tt.wantActions)

			failing := &actionRecorder{err: errors.New("boom")}
			s = newTestSession(t, failing.run)
			err := tt.call(s)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErrPart)
		})
	}
}

func TestSessionScriptTemplates(t *testing.T) {
	t.Run("clear script embeds the encoded selector", func(t *testing.T) {
		js := fmt.Sprintf(jsClearTemplate, jsEncode(`#email"]`))
		assert.Contains(t, js, `"#email\"]"`)
		assert.Contains(t, js, "querySelector")
		// The selector must only appear inside the IIFE argument list.
		assert.True(t, strings.HasSuffix(js, `("#email\"]")`))
	})

	t.Run("localStorage script encodes key and value", func(t *testing.T) {
		js := fmt.Sprintf(jsSetLocalStorage, jsEncode("auth"), jsEncode(`{"a":1}`))
		assert.Contains(t, js, `"auth"`)
		assert.Contains(t, js, `"{\"a\":1}"`)
	})

	t.Run("jsEncode falls back to an empty string literal", func(t *testing.T) {
		assert.Equal(t, `""`, jsEncode(make(chan int)))
		assert.Equal(t, `"plain"`, jsEncode("plain"))
	})
}

func TestSessionClose(t *testing.T) {
	rec := &actionRecorder{}
	s := newTestSession(t, rec.run)

	var closed atomic.Int32
	s.onClose = func() { closed.Add(1) }

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))

	assert.Equal(t, int32(1), closed.Load(), "onClose must fire exactly once")
	assert.Error(t, s.ctx.Err(), "tab context should be cancelled")
	assert.True(t, s.rec.stopped, "recorder should stop with the session")
}
