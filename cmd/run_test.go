package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/caliper-cli/api/schemas"
)

func TestRunCommandRequiresArgs(t *testing.T) {
	_, err := executeCommand(t, "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires at least 1 arg")
}

func TestRunFlagBinding(t *testing.T) {
	initTestViper(t)

	runCmd := newRunCmd(&rootOptions{})
	require.NoError(t, runCmd.ParseFlags([]string{
		"--concurrency", "9",
		"--fail-fast",
		"--provider", "browserstack",
		"--baseline", "/tmp/screens",
	}))
	require.NoError(t, runCmd.PreRunE(runCmd, nil))

	assert.Equal(t, 9, viper.GetInt("runner.concurrency"))
	assert.True(t, viper.GetBool("runner.fail_fast"))
	assert.Equal(t, "browserstack", viper.GetString("grid.provider"))
	assert.Equal(t, "/tmp/screens", viper.GetString("visual.baseline_dir"))
}

func TestRunFlagBindingKeepsConfigWhenUnset(t *testing.T) {
	initTestViper(t)

	runCmd := newRunCmd(&rootOptions{})
	require.NoError(t, runCmd.ParseFlags(nil))
	require.NoError(t, runCmd.PreRunE(runCmd, nil))

	// Binding an untouched flag must not clobber the configured value with
	// the flag's zero default.
	assert.Equal(t, 4, viper.GetInt("runner.concurrency"))
	assert.Equal(t, "local", viper.GetString("grid.provider"))
}

func TestWriteRunReport(t *testing.T) {
	report := &schemas.RunReport{RunID: "run-123", Provider: "local"}

	t.Run("json file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "out.json")
		require.NoError(t, writeRunReport(report, "json", path))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"run-123"`)
	})

	t.Run("unknown format", func(t *testing.T) {
		err := writeRunReport(report, "xml", filepath.Join(t.TempDir(), "out.xml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported output format")
	})
}

type fakeNotifier struct {
	name   string
	err    error
	calls  int
	ctxErr error
}

func (f *fakeNotifier) Name() string { return f.name }

func (f *fakeNotifier) Notify(ctx context.Context, report *schemas.RunReport) error {
	f.calls++
	f.ctxErr = ctx.Err()
	return f.err
}

func TestPublishRunAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	logger := zaptest.NewLogger(t)
	notifier := &fakeNotifier{name: "email"}
	rc := &runComponents{
		Notifiers: []schemas.Notifier{notifier},
		logger:    logger,
	}

	report := &schemas.RunReport{RunID: "run-1"}
	outPath := filepath.Join(t.TempDir(), "report.json")
	publishRun(ctx, rc, report, outPath, "json", logger)

	// The cancelled run context must not reach the notifiers; publishing
	// gets its own budget.
	assert.Equal(t, 1, notifier.calls)
	assert.NoError(t, notifier.ctxErr)

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"run-1"`)
}

func TestPublishRunToleratesNotifierFailure(t *testing.T) {
	logger := zaptest.NewLogger(t)
	failing := &fakeNotifier{name: "github", err: assert.AnError}
	healthy := &fakeNotifier{name: "email"}
	rc := &runComponents{
		Notifiers: []schemas.Notifier{failing, healthy},
		logger:    logger,
	}

	publishRun(context.Background(), rc, &schemas.RunReport{RunID: "run-2"}, "", "json", logger)

	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, healthy.calls)
}
