package cmd

import (
	"errors"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/caliper-cli/internal/observability"
	"github.com/xkilldash9x/caliper-cli/internal/suite"
)

const actualSuffix = "-actual.png"

// newBaselineCmd groups the baseline maintenance subcommands.
func newBaselineCmd(opts *rootOptions) *cobra.Command {
	baselineCmd := &cobra.Command{
		Use:   "baseline",
		Short: "Inspect and maintain visual regression baselines",
	}
	baselineCmd.AddCommand(
		newBaselineListCmd(opts),
		newBaselineUpdateCmd(opts),
		newBaselinePruneCmd(opts),
	)
	return baselineCmd
}

func newBaselineListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored baselines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			entries, err := os.ReadDir(cfg.Visual.BaselineDir)
			if errors.Is(err, os.ErrNotExist) {
				fmt.Fprintln(cmd.OutOrStdout(), "No baselines yet.")
				return nil
			}
			if err != nil {
				return fmt.Errorf("reading baseline directory: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDIMENSIONS\tSIZE\tMODIFIED")
			count := 0
			for _, e := range entries {
				if e.IsDir() || !strings.HasSuffix(e.Name(), ".png") {
					continue
				}
				info, err := e.Info()
				if err != nil {
					return fmt.Errorf("reading baseline %s: %w", e.Name(), err)
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
					strings.TrimSuffix(e.Name(), ".png"),
					baselineDimensions(filepath.Join(cfg.Visual.BaselineDir, e.Name())),
					info.Size(),
					info.ModTime().Local().Format(time.RFC3339),
				)
				count++
			}
			if count == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No baselines yet.")
				return nil
			}
			return w.Flush()
		},
	}
}

// baselineDimensions reads only the PNG header; a broken file shows as "?"
// in the listing instead of failing it.
func baselineDimensions(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return "?"
	}
	defer f.Close()
	cfg, err := png.DecodeConfig(f)
	if err != nil {
		return "?"
	}
	return fmt.Sprintf("%dx%d", cfg.Width, cfg.Height)
}

func newBaselineUpdateCmd(opts *rootOptions) *cobra.Command {
	updateCmd := &cobra.Command{
		Use:   "update [name ...]",
		Short: "Accept captured frames from the last run as new baselines",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			names := args
			if all, _ := cmd.Flags().GetBool("all"); all {
				names, err = actualNames(cfg.Visual.ResultsDir)
				if err != nil {
					return err
				}
			}
			if len(names) == 0 {
				return errors.New("nothing to update: pass baseline names or --all")
			}

			if err := os.MkdirAll(cfg.Visual.BaselineDir, 0o755); err != nil {
				return fmt.Errorf("creating baseline directory: %w", err)
			}
			for _, name := range names {
				if err := validateBaselineName(name); err != nil {
					return err
				}
				src := filepath.Join(cfg.Visual.ResultsDir, name+actualSuffix)
				data, err := os.ReadFile(src)
				if err != nil {
					return fmt.Errorf("reading captured frame for %q (run the suite first): %w", name, err)
				}
				dst := filepath.Join(cfg.Visual.BaselineDir, name+".png")
				if err := os.WriteFile(dst, data, 0o644); err != nil {
					return fmt.Errorf("writing baseline %q: %w", name, err)
				}
				logger.Info("Baseline updated.", zap.String("name", name), zap.String("path", dst))
			}

			if commit, _ := cmd.Flags().GetBool("commit"); commit {
				message, _ := cmd.Flags().GetString("message")
				return commitBaselines(cfg.Visual.BaselineDir, message, logger)
			}
			return nil
		},
	}

	updateCmd.Flags().Bool("all", false, "update every baseline that has a captured frame")
	updateCmd.Flags().Bool("commit", false, "commit the updated baselines to the enclosing git repository")
	updateCmd.Flags().StringP("message", "m", "Update visual baselines", "commit message used with --commit")

	return updateCmd
}

// actualNames scans the results directory for captured frames and returns
// their baseline names.
func actualNames(resultsDir string) ([]string, error) {
	entries, err := os.ReadDir(resultsDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading results directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), actualSuffix) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), actualSuffix))
	}
	return names, nil
}

func newBaselinePruneCmd(opts *rootOptions) *cobra.Command {
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove baselines no suite references anymore",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			suitePaths, _ := cmd.Flags().GetStringSlice("suites")
			force, _ := cmd.Flags().GetBool("force")
			dryRun, _ := cmd.Flags().GetBool("dry-run")

			keep := make(map[string]bool)
			dynamic := false
			for _, path := range suitePaths {
				suites, err := suite.LoadPath(path)
				if err != nil {
					return err
				}
				for _, s := range suites {
					for _, st := range s.Steps {
						if st.Kind != suite.StepSnapshot {
							continue
						}
						if suite.HasBindings(st.Name) {
							dynamic = true
							continue
						}
						keep[st.Name] = true
					}
				}
			}
			if dynamic && !force {
				return errors.New("suites contain data-bound snapshot names whose baselines cannot be matched statically; re-run with --force to prune anyway")
			}

			entries, err := os.ReadDir(cfg.Visual.BaselineDir)
			if errors.Is(err, os.ErrNotExist) {
				fmt.Fprintln(cmd.OutOrStdout(), "No baselines yet.")
				return nil
			}
			if err != nil {
				return fmt.Errorf("reading baseline directory: %w", err)
			}

			removed := 0
			for _, e := range entries {
				if e.IsDir() || !strings.HasSuffix(e.Name(), ".png") {
					continue
				}
				name := strings.TrimSuffix(e.Name(), ".png")
				if keep[name] {
					continue
				}
				path := filepath.Join(cfg.Visual.BaselineDir, e.Name())
				if dryRun {
					fmt.Fprintf(cmd.OutOrStdout(), "would remove %s\n", path)
					removed++
					continue
				}
				if err := os.Remove(path); err != nil {
					return fmt.Errorf("removing baseline %q: %w", name, err)
				}
				logger.Info("Baseline pruned.", zap.String("name", name))
				removed++
			}

			if dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "%d baseline(s) would be removed.\n", removed)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%d baseline(s) removed.\n", removed)
			}
			return nil
		},
	}

	pruneCmd.Flags().StringSlice("suites", nil, "suite files or directories that define the referenced snapshots")
	pruneCmd.Flags().Bool("dry-run", false, "print what would be removed without deleting")
	pruneCmd.Flags().Bool("force", false, "prune even when snapshot names are data-bound")
	_ = pruneCmd.MarkFlagRequired("suites")

	return pruneCmd
}

// commitBaselines stages the baseline directory and commits it in the
// enclosing repository. An unchanged tree is not an error.
func commitBaselines(baselineDir, message string, logger *zap.Logger) error {
	repo, err := git.PlainOpenWithOptions(baselineDir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return fmt.Errorf("opening git repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}

	abs, err := filepath.Abs(baselineDir)
	if err != nil {
		return fmt.Errorf("resolving baseline directory: %w", err)
	}
	rel, err := filepath.Rel(wt.Filesystem.Root(), abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("baseline directory %s is outside the repository", baselineDir)
	}

	if _, err := wt.Add(rel); err != nil {
		return fmt.Errorf("staging baselines: %w", err)
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "caliper-cli",
			Email: "caliper@localhost",
			When:  time.Now(),
		},
	})
	if errors.Is(err, git.ErrEmptyCommit) {
		logger.Info("Baselines unchanged; nothing to commit.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("committing baselines: %w", err)
	}
	logger.Info("Baselines committed.", zap.String("commit", hash.String()))
	return nil
}

// validateBaselineName mirrors the comparator's naming rules so update cannot
// write outside the baseline directory.
func validateBaselineName(name string) error {
	if name == "" {
		return errors.New("baseline name is empty")
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return fmt.Errorf("baseline name %q must not contain path separators", name)
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("baseline name %q must not start with a dot", name)
	}
	return nil
}
