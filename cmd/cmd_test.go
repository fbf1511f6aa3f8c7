package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/caliper-cli/internal/config"
	"github.com/xkilldash9x/caliper-cli/internal/observability"
)

// resetGlobals clears the global viper and logger state the commands mutate,
// both now and after the test. Every test touching command execution calls it.
func resetGlobals(t *testing.T) {
	t.Helper()
	viper.Reset()
	observability.ResetForTest()
	t.Cleanup(func() {
		viper.Reset()
		observability.ResetForTest()
	})
}

// initTestViper seeds the global viper with defaults only, skipping the
// config file search a full command execution would do.
func initTestViper(t *testing.T) {
	t.Helper()
	resetGlobals(t)
	config.SetDefaults(viper.GetViper())
}

// writeTempConfig drops YAML into a temp file and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "caliper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// executeCommand runs a fresh root command tree with the given args and
// returns the combined output.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetGlobals(t)

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}
