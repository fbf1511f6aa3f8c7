// Package cmd wires the caliper-cli command tree: configuration loading,
// logger initialization, and the run / report / baseline subcommands.
package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/caliper-cli/internal/config"
	"github.com/xkilldash9x/caliper-cli/internal/observability"
)

// rootOptions carries the persistent flag values into the subcommands.
// Commands are constructed fresh per execution, so none of this lives in
// package-level variables.
type rootOptions struct {
	cfgFile string
	profile string
}

// NewRootCommand builds the full command tree. A fresh tree per invocation
// keeps flag state from leaking between executions.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "caliper",
		Short: "Caliper runs browser test suites with selector healing and visual regression checks.",
		Long: `Caliper executes YAML test suites against a headless Chrome or a cloud
browser grid. Element selectors are declared as ordered candidate groups and
heal automatically when the first choice stops matching; snapshot steps are
compared pixel-wise against stored baselines.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.initViper(); err != nil {
				// Fallback logger so the failure is at least visible.
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "caliper-cli"})
				return err
			}

			var loggerCfg config.LoggerConfig
			if err := viper.UnmarshalKey("logger", &loggerCfg); err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "caliper-cli"})
				return fmt.Errorf("reading logger configuration: %w", err)
			}
			observability.InitializeLogger(loggerCfg)

			observability.GetLogger().Debug("Starting caliper-cli.",
				zap.String("version", Version),
				zap.String("profile", opts.profile))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.cfgFile, "config", "c", "", "config file (default is ./caliper.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.profile, "profile", "", "configuration profile overlay to apply")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(
		newRunCmd(opts),
		newReportCmd(opts, pgStoreProvider{}),
		newBaselineCmd(opts),
	)
	return rootCmd
}

// Execute runs the command tree with a signal-aware context.
func Execute(ctx context.Context) error {
	root := NewRootCommand()
	err := root.ExecuteContext(ctx)
	if err != nil {
		observability.GetLogger().Error("Command failed.", zap.Error(err))
	}
	observability.Sync()
	return err
}

// initViper loads defaults, the config file (when present), the environment,
// and the selected profile overlay into the global viper instance.
func (o *rootOptions) initViper() error {
	v := viper.GetViper()
	config.SetDefaults(v)

	if o.cfgFile != "" {
		v.SetConfigFile(o.cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("caliper")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("CALIPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("reading config file: %w", err)
		}
		// No file is fine; defaults and environment carry the run.
	}

	return config.ApplyProfile(v, o.profile)
}

// loadConfig builds the validated configuration from the global viper state.
// Subcommands call it after their own flag binding so flag overrides land
// with the right precedence.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.NewFromViper(viper.GetViper())
	if err != nil {
		return nil, err
	}
	cfg.Profile = o.profile
	return cfg, nil
}
