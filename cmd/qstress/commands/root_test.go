package commands_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llxisdsh/qsync/cmd/qstress/commands"
)

func TestRootLogFlags(t *testing.T) {
	t.Parallel()

	tcs := map[string]struct {
		wantErr   error
		logLevel  string
		logFormat string
	}{
		"invalid log level": {
			logLevel:  "invalid",
			logFormat: "text",
			wantErr:   commands.ErrLogHandlerFailed,
		},
		"invalid log format": {
			logLevel:  "info",
			logFormat: "invalid",
			wantErr:   commands.ErrLogHandlerFailed,
		},
	}

	for name, tc := range tcs {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			rootCmd := commands.NewRootCmd("test", "", "")
			rootCmd.SetArgs([]string{"--log_level", tc.logLevel, "--log_format", tc.logFormat, "lock", "-n", "1"})
			rootCmd.SetOut(&bytes.Buffer{})
			rootCmd.SetErr(&bytes.Buffer{})

			err := rootCmd.Execute()
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestScenarioCommands(t *testing.T) {
	t.Parallel()

	tcs := map[string]struct {
		args []string
		want []string
	}{
		"lock":      {args: []string{"lock"}, want: []string{"lock"}},
		"rwlock":    {args: []string{"rwlock", "--fair"}, want: []string{"rwlock"}},
		"queue":     {args: []string{"queue"}, want: []string{"queue"}},
		"semaphore": {args: []string{"semaphore"}, want: []string{"semaphore"}},
		"executor":  {args: []string{"executor"}, want: []string{"executor"}},
		"all": {
			args: []string{"all"},
			want: []string{"lock", "rwlock", "queue", "semaphore", "executor"},
		},
	}

	for name, tc := range tcs {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			out := &bytes.Buffer{}
			rootCmd := commands.NewRootCmd("test", "", "")
			rootCmd.SetArgs(append(tc.args, "-g", "4", "-n", "200", "--log_level", "error"))
			rootCmd.SetOut(out)
			rootCmd.SetErr(&bytes.Buffer{})

			require.NoError(t, rootCmd.Execute())
			for _, w := range tc.want {
				assert.Contains(t, out.String(), w)
			}
			assert.Contains(t, out.String(), "violations=0")
		})
	}
}

func TestConfigFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
stress:
  goroutines: 3
  iterations: 50
executor:
  core: 1
  max: 2
  keep_alive: 5ms
  queue_capacity: 2
  policy: abort
`), 0o600))

	badPolicy := filepath.Join(dir, "bad_policy.yaml")
	require.NoError(t, os.WriteFile(badPolicy, []byte("executor:\n  policy: shrug\n"), 0o600))

	unknownKey := filepath.Join(dir, "unknown.yaml")
	require.NoError(t, os.WriteFile(unknownKey, []byte("stress:\n  threads: 3\n"), 0o600))

	tcs := map[string]struct {
		wantErr error
		path    string
	}{
		"good":        {path: good},
		"bad policy":  {path: badPolicy, wantErr: commands.ErrConfigInvalid},
		"unknown key": {path: unknownKey, wantErr: commands.ErrConfigInvalid},
	}

	for name, tc := range tcs {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			rootCmd := commands.NewRootCmd("test", "", "")
			rootCmd.SetArgs([]string{"executor", "--config", tc.path, "--log_level", "error"})
			rootCmd.SetOut(&bytes.Buffer{})
			rootCmd.SetErr(&bytes.Buffer{})

			err := rootCmd.Execute()
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	c, err := commands.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, commands.DefaultConfig(), c)

	opts, err := c.ExecutorOptions()
	require.NoError(t, err)
	assert.Empty(t, opts)

	_, err = commands.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
