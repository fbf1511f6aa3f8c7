// Package config loads and validates the caliper-cli configuration from a
// YAML file, environment variables (prefix CALIPER) and CLI flag overrides,
// in that precedence order via viper. Named profiles are plain sub-trees
// under `profiles.<name>` merged over the base configuration before
// unmarshaling, which is how environment switching (dev/staging/ci) works
// without separate files.
package config

import (
	"fmt"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Grid     GridConfig     `mapstructure:"grid" yaml:"grid"`
	Visual   VisualConfig   `mapstructure:"visual" yaml:"visual"`
	Capture  CaptureConfig  `mapstructure:"capture" yaml:"capture"`
	Runner   RunnerConfig   `mapstructure:"runner" yaml:"runner"`
	Stub     StubConfig     `mapstructure:"stub" yaml:"stub"`
	Auth     AuthConfig     `mapstructure:"auth" yaml:"auth"`
	Report   ReportConfig   `mapstructure:"report" yaml:"report"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Healing  HealingConfig  `mapstructure:"healing" yaml:"healing"`

	// Profile records which profile overlay was applied, for reports.
	// Populated by ApplyProfile, never read from the file itself.
	Profile string `mapstructure:"-" yaml:"-"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig maps log levels to terminal color names.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the headless browser instances.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	DisableCache      bool          `mapstructure:"disable_cache" yaml:"disable_cache"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Debug             bool          `mapstructure:"debug" yaml:"debug"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	ViewportWidth     int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	PostLoadWait      time.Duration `mapstructure:"post_load_wait" yaml:"post_load_wait"`
	// ProxyServer routes all browser traffic through host:port. The runner
	// fills it in at runtime when the traffic stub is enabled.
	ProxyServer string `mapstructure:"proxy_server" yaml:"proxy_server"`
	// Highlight flashes an outline around every element the framework
	// interacts with. Informational only; it never gates selection.
	Highlight bool `mapstructure:"highlight" yaml:"highlight"`
}

// GridConfig selects where browser sessions come from: a locally launched
// Chrome or a cloud grid reached over a remote CDP websocket. Credentials
// are opaque inputs; nothing here validates them beyond presence.
type GridConfig struct {
	Provider          string  `mapstructure:"provider" yaml:"provider"`
	Username          string  `mapstructure:"username" yaml:"username"`
	AccessKey         string  `mapstructure:"access_key" yaml:"-"`
	Region            string  `mapstructure:"region" yaml:"region"`
	Workspace         string  `mapstructure:"workspace" yaml:"workspace"`
	Platform          string  `mapstructure:"platform" yaml:"platform"`
	BrowserName       string  `mapstructure:"browser_name" yaml:"browser_name"`
	BrowserVersion    string  `mapstructure:"browser_version" yaml:"browser_version"`
	Resolution        string  `mapstructure:"resolution" yaml:"resolution"`
	Build             string  `mapstructure:"build" yaml:"build"`
	SessionsPerMinute float64 `mapstructure:"sessions_per_minute" yaml:"sessions_per_minute"`
}

// VisualConfig tunes the visual comparator and its on-disk layout.
type VisualConfig struct {
	BaselineDir   string  `mapstructure:"baseline_dir" yaml:"baseline_dir"`
	ResultsDir    string  `mapstructure:"results_dir" yaml:"results_dir"`
	Threshold     float64 `mapstructure:"threshold" yaml:"threshold"`
	ThresholdType string  `mapstructure:"threshold_type" yaml:"threshold_type"`
	// NoiseEpsilon is the per-channel delta (0-255) below which a pixel
	// difference is treated as encoder noise rather than a real change.
	NoiseEpsilon int `mapstructure:"noise_epsilon" yaml:"noise_epsilon"`
}

// CaptureConfig controls console/network recording and server log tailing.
type CaptureConfig struct {
	Console        bool   `mapstructure:"console" yaml:"console"`
	Network        bool   `mapstructure:"network" yaml:"network"`
	ResponseBodies bool   `mapstructure:"response_bodies" yaml:"response_bodies"`
	ServerLogPath  string `mapstructure:"server_log_path" yaml:"server_log_path"`
}

// RunnerConfig configures suite execution.
type RunnerConfig struct {
	Concurrency  int           `mapstructure:"concurrency" yaml:"concurrency"`
	StepTimeout  time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"`
	SuiteTimeout time.Duration `mapstructure:"suite_timeout" yaml:"suite_timeout"`
	FailFast     bool          `mapstructure:"fail_fast" yaml:"fail_fast"`
}

// StubConfig configures the traffic stabilizer proxy that blocks noisy
// third-party requests (analytics, chat widgets) during runs so visual
// baselines stay reproducible.
type StubConfig struct {
	Enabled       bool     `mapstructure:"enabled" yaml:"enabled"`
	Listen        string   `mapstructure:"listen" yaml:"listen"`
	BlockPatterns []string `mapstructure:"block_patterns" yaml:"block_patterns"`
}

// AuthConfig configures session seeding: minting a signed bearer token for
// the application under test so suites can skip interactive login.
type AuthConfig struct {
	Enabled         bool              `mapstructure:"enabled" yaml:"enabled"`
	Secret          string            `mapstructure:"secret" yaml:"-"`
	Issuer          string            `mapstructure:"issuer" yaml:"issuer"`
	Audience        string            `mapstructure:"audience" yaml:"audience"`
	TTL             time.Duration     `mapstructure:"ttl" yaml:"ttl"`
	Claims          map[string]string `mapstructure:"claims" yaml:"claims"`
	SendHeader      bool              `mapstructure:"send_header" yaml:"send_header"`
	LocalStorageKey string            `mapstructure:"local_storage_key" yaml:"local_storage_key"`
}

// ReportConfig groups the optional outbound reporting channels.
type ReportConfig struct {
	Email  EmailConfig  `mapstructure:"email" yaml:"email"`
	GitHub GitHubConfig `mapstructure:"github" yaml:"github"`
}

// EmailConfig configures the run summary email. Transport details beyond
// the API key are out of scope; the key and addresses are opaque inputs.
type EmailConfig struct {
	Enabled bool     `mapstructure:"enabled" yaml:"enabled"`
	APIKey  string   `mapstructure:"api_key" yaml:"-"`
	From    string   `mapstructure:"from" yaml:"from"`
	To      []string `mapstructure:"to" yaml:"to"`
}

// GitHubConfig configures commit status / PR comment publication.
type GitHubConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Token     string `mapstructure:"token" yaml:"-"`
	RepoOwner string `mapstructure:"repo_owner" yaml:"repo_owner"`
	RepoName  string `mapstructure:"repo_name" yaml:"repo_name"`
	CommitSHA string `mapstructure:"commit_sha" yaml:"commit_sha"`
	PRNumber  int    `mapstructure:"pr_number" yaml:"pr_number"`
	Context   string `mapstructure:"context" yaml:"context"`
}

// DatabaseConfig holds the optional run history database.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"-"`
}

// HealingConfig controls the post-hoc diagnostics attached to healing
// events. Neither knob changes how candidates are resolved.
type HealingConfig struct {
	SuggestFromDOM bool          `mapstructure:"suggest_from_dom" yaml:"suggest_from_dom"`
	Advisor        AdvisorConfig `mapstructure:"advisor" yaml:"advisor"`
}

// AdvisorConfig configures the optional LLM selector-repair advisor.
type AdvisorConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	Model   string        `mapstructure:"model" yaml:"model"`
	APIKey  string        `mapstructure:"api_key" yaml:"-"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "caliper-cli")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.disable_cache", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.debug", false)
	v.SetDefault("browser.viewport_width", 1366)
	v.SetDefault("browser.viewport_height", 900)
	v.SetDefault("browser.navigation_timeout", "60s")
	v.SetDefault("browser.post_load_wait", "1500ms")
	v.SetDefault("browser.highlight", false)
	v.SetDefault("browser.proxy_server", "")

	// -- Grid --
	v.SetDefault("grid.provider", "local")
	v.SetDefault("grid.browser_name", "Chrome")
	v.SetDefault("grid.platform", "linux")
	v.SetDefault("grid.sessions_per_minute", 10.0)

	// -- Visual --
	v.SetDefault("visual.baseline_dir", "baselines")
	v.SetDefault("visual.results_dir", "results")
	v.SetDefault("visual.threshold", 0.01)
	v.SetDefault("visual.threshold_type", "percent")
	v.SetDefault("visual.noise_epsilon", 16)

	// -- Capture --
	v.SetDefault("capture.console", true)
	v.SetDefault("capture.network", true)
	v.SetDefault("capture.response_bodies", false)

	// -- Runner --
	v.SetDefault("runner.concurrency", 4)
	v.SetDefault("runner.step_timeout", "30s")
	v.SetDefault("runner.suite_timeout", "10m")
	v.SetDefault("runner.fail_fast", false)

	// -- Stub --
	v.SetDefault("stub.enabled", false)
	v.SetDefault("stub.listen", "127.0.0.1:0")

	// -- Auth --
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.ttl", "1h")
	v.SetDefault("auth.send_header", true)
	v.SetDefault("auth.local_storage_key", "")

	// -- Report --
	v.SetDefault("report.email.enabled", false)
	v.SetDefault("report.github.enabled", false)
	v.SetDefault("report.github.context", "caliper/visual")

	// -- Healing --
	v.SetDefault("healing.suggest_from_dom", true)
	v.SetDefault("healing.advisor.enabled", false)
	v.SetDefault("healing.advisor.model", "gemini-2.5-flash")
	v.SetDefault("healing.advisor.timeout", "20s")
}

// ApplyProfile merges the named profile sub-tree over the base configuration.
// Unknown profile names are an error so typos never silently run against the
// default environment.
func ApplyProfile(v *viper.Viper, name string) error {
	if name == "" {
		return nil
	}
	key := "profiles." + name
	if !v.IsSet(key) {
		return fmt.Errorf("profile %q not defined in configuration", name)
	}
	overlay := v.GetStringMap(key)
	if err := v.MergeConfigMap(overlay); err != nil {
		return fmt.Errorf("merging profile %q: %w", name, err)
	}
	return nil
}

// NewFromViper builds and validates a Config from a prepared viper instance.
func NewFromViper(v *viper.Viper) (*Config, error) {
	// Secrets come in through the environment when not in the file.
	v.BindEnv("grid.access_key", "CALIPER_GRID_ACCESS_KEY")
	v.BindEnv("auth.secret", "CALIPER_AUTH_SECRET")
	v.BindEnv("report.email.api_key", "CALIPER_EMAIL_API_KEY")
	v.BindEnv("report.github.token", "CALIPER_GITHUB_TOKEN")
	v.BindEnv("database.url", "CALIPER_DATABASE_URL")
	v.BindEnv("healing.advisor.api_key", "CALIPER_ADVISOR_API_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	var err error
	if cfg.Visual.BaselineDir, err = ExpandPath(cfg.Visual.BaselineDir); err != nil {
		return nil, err
	}
	if cfg.Visual.ResultsDir, err = ExpandPath(cfg.Visual.ResultsDir); err != nil {
		return nil, err
	}
	if cfg.Capture.ServerLogPath, err = ExpandPath(cfg.Capture.ServerLogPath); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// NewDefaultConfig returns a Config populated with defaults only.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// ExpandPath resolves a leading ~ to the user's home directory.
func ExpandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	expanded, err := homedir.Expand(p)
	if err != nil {
		return "", fmt.Errorf("expanding path %q: %w", p, err)
	}
	return expanded, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Runner.Concurrency <= 0 {
		return fmt.Errorf("runner.concurrency must be a positive integer")
	}
	if err := c.Visual.Validate(); err != nil {
		return fmt.Errorf("visual configuration invalid: %w", err)
	}
	if err := c.Grid.Validate(); err != nil {
		return fmt.Errorf("grid configuration invalid: %w", err)
	}
	if c.Auth.Enabled && c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required when auth seeding is enabled (set CALIPER_AUTH_SECRET)")
	}
	if c.Report.Email.Enabled {
		if c.Report.Email.APIKey == "" || c.Report.Email.From == "" || len(c.Report.Email.To) == 0 {
			return fmt.Errorf("report.email requires api_key, from, and at least one recipient")
		}
	}
	if c.Report.GitHub.Enabled {
		if c.Report.GitHub.Token == "" || c.Report.GitHub.RepoOwner == "" || c.Report.GitHub.RepoName == "" {
			return fmt.Errorf("report.github requires token, repo_owner, and repo_name")
		}
	}
	return nil
}

// Validate checks the visual comparator settings.
func (vc *VisualConfig) Validate() error {
	switch vc.ThresholdType {
	case "percent":
		if vc.Threshold < 0 || vc.Threshold > 1 {
			return fmt.Errorf("threshold must be within [0,1] when threshold_type is percent")
		}
	case "pixel":
		if vc.Threshold < 0 {
			return fmt.Errorf("threshold must be non-negative when threshold_type is pixel")
		}
	default:
		return fmt.Errorf("threshold_type must be 'percent' or 'pixel', got %q", vc.ThresholdType)
	}
	if vc.NoiseEpsilon < 0 || vc.NoiseEpsilon > 255 {
		return fmt.Errorf("noise_epsilon must be within [0,255]")
	}
	return nil
}

// Validate checks the grid provider settings.
func (g *GridConfig) Validate() error {
	switch g.Provider {
	case "", "local":
		return nil
	case "lambdatest", "browserstack":
		if g.Username == "" || g.AccessKey == "" {
			return fmt.Errorf("provider %q requires username and access_key", g.Provider)
		}
	case "azure":
		if g.Region == "" || g.Workspace == "" || g.AccessKey == "" {
			return fmt.Errorf("provider azure requires region, workspace, and access_key")
		}
	default:
		return fmt.Errorf("unknown grid provider %q", g.Provider)
	}
	if g.SessionsPerMinute <= 0 {
		return fmt.Errorf("grid.sessions_per_minute must be positive")
	}
	return nil
}
