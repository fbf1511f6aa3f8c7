// Package grid resolves where browser sessions come from. For cloud
// providers it assembles the remote CDP websocket URL from the configured
// capabilities and paces session creation to stay inside the provider's
// per-minute session quota. Local launches bypass both.
package grid

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/caliper-cli/internal/browser"
	"github.com/xkilldash9x/caliper-cli/internal/config"
)

// Provider names accepted in grid.provider.
const (
	ProviderLocal        = "local"
	ProviderLambdaTest   = "lambdatest"
	ProviderBrowserStack = "browserstack"
	ProviderAzure        = "azure"
)

var capsJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Client hands out browser endpoints for one configured provider.
type Client struct {
	cfg     config.GridConfig
	logger  *zap.Logger
	limiter *rate.Limiter
}

// New builds a client for the configured provider. The config is assumed to
// have passed validation; unknown providers still fail at Endpoint time.
func New(cfg config.GridConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	// The session quota applies to cloud providers; local launches are free.
	limit := rate.Inf
	if cfg.SessionsPerMinute > 0 && !isLocal(cfg.Provider) {
		limit = rate.Limit(cfg.SessionsPerMinute / 60.0)
	}
	return &Client{
		cfg:     cfg,
		logger:  logger.Named("grid"),
		limiter: rate.NewLimiter(limit, 1),
	}
}

func isLocal(provider string) bool {
	return provider == "" || provider == ProviderLocal
}

// Endpoint blocks until the provider's session quota admits another session,
// then returns the endpoint the browser manager should attach to.
func (c *Client) Endpoint(ctx context.Context) (browser.Endpoint, error) {
	if isLocal(c.cfg.Provider) {
		return browser.Endpoint{Provider: ProviderLocal}, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return browser.Endpoint{}, fmt.Errorf("waiting for session quota: %w", err)
	}

	var (
		wsURL string
		err   error
	)
	switch c.cfg.Provider {
	case ProviderLambdaTest:
		wsURL, err = c.lambdatestURL()
	case ProviderBrowserStack:
		wsURL, err = c.browserstackURL()
	case ProviderAzure:
		wsURL, err = c.azureURL()
	default:
		return browser.Endpoint{}, fmt.Errorf("unknown grid provider %q", c.cfg.Provider)
	}
	if err != nil {
		return browser.Endpoint{}, err
	}

	c.logger.Info("Resolved remote browser endpoint.",
		zap.String("provider", c.cfg.Provider),
		zap.String("platform", c.cfg.Platform))
	return browser.Endpoint{WebSocketURL: wsURL, Provider: c.cfg.Provider}, nil
}

// lambdatestURL builds the LambdaTest CDP endpoint. All capabilities travel
// in one URL-encoded JSON query parameter.
func (c *Client) lambdatestURL() (string, error) {
	ltOptions := map[string]interface{}{
		"user":      c.cfg.Username,
		"accessKey": c.cfg.AccessKey,
		"platform":  orDefault(c.cfg.Platform, "Windows 10"),
		"network":   true,
		"console":   true,
	}
	if c.cfg.Build != "" {
		ltOptions["build"] = c.cfg.Build
	}
	if c.cfg.Resolution != "" {
		ltOptions["resolution"] = c.cfg.Resolution
	}
	caps := map[string]interface{}{
		"browserName":    orDefault(c.cfg.BrowserName, "Chrome"),
		"browserVersion": orDefault(c.cfg.BrowserVersion, "latest"),
		"LT:Options":     ltOptions,
	}
	encoded, err := capsJSON.Marshal(caps)
	if err != nil {
		return "", fmt.Errorf("encoding lambdatest capabilities: %w", err)
	}
	return "wss://cdp.lambdatest.com/puppeteer?capabilities=" + url.QueryEscape(string(encoded)), nil
}

// browserstackURL builds the BrowserStack CDP endpoint. BrowserStack keys
// credentials inside the capabilities object rather than the URL userinfo.
func (c *Client) browserstackURL() (string, error) {
	caps := map[string]interface{}{
		"browser":                strings.ToLower(orDefault(c.cfg.BrowserName, "chrome")),
		"browser_version":        orDefault(c.cfg.BrowserVersion, "latest"),
		"browserstack.username":  c.cfg.Username,
		"browserstack.accessKey": c.cfg.AccessKey,
	}
	if os, version := splitPlatform(c.cfg.Platform); os != "" {
		caps["os"] = os
		if version != "" {
			caps["os_version"] = version
		}
	}
	if c.cfg.Build != "" {
		caps["build"] = c.cfg.Build
	}
	if c.cfg.Resolution != "" {
		caps["resolution"] = c.cfg.Resolution
	}
	encoded, err := capsJSON.Marshal(caps)
	if err != nil {
		return "", fmt.Errorf("encoding browserstack capabilities: %w", err)
	}
	return "wss://cdp.browserstack.com/puppeteer?caps=" + url.QueryEscape(string(encoded)), nil
}

// azureURL targets the Microsoft Playwright Testing service, which exposes
// plain CDP browsers per workspace region.
func (c *Client) azureURL() (string, error) {
	q := url.Values{}
	q.Set("accessToken", c.cfg.AccessKey)
	q.Set("os", strings.ToLower(orDefault(c.cfg.Platform, "linux")))
	if c.cfg.Build != "" {
		q.Set("runId", c.cfg.Build)
	}
	return fmt.Sprintf("wss://%s.api.playwright.microsoft.com/accounts/%s/browsers/chromium?%s",
		c.cfg.Region, url.PathEscape(c.cfg.Workspace), q.Encode()), nil
}

// splitPlatform turns "Windows 10" into ("windows", "10"). BrowserStack
// wants the OS and its version as separate lowercase capability keys.
// "OS X" is the one multi-word OS name in their matrix.
func splitPlatform(platform string) (string, string) {
	platform = strings.ToLower(strings.TrimSpace(platform))
	if platform == "" {
		return "", ""
	}
	if strings.HasPrefix(platform, "os x") {
		return "os x", strings.TrimSpace(strings.TrimPrefix(platform, "os x"))
	}
	parts := strings.SplitN(platform, " ", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
