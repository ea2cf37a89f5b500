package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "eventific", cmd.Use)
	assert.Contains(t, cmd.Long, "append-only")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"init", "append", "events", "aggregates", "stats", "state", "serve", "token"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	for _, name := range []string{"driver", "dsn", "service"} {
		flag := cmd.PersistentFlags().Lookup(name)
		require.NotNil(t, flag, name)
		assert.Equal(t, "", flag.DefValue)
	}
}

func TestServeCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	serveCmd, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)

	require.NotNil(t, serveCmd.Flags().Lookup("addr"))
	require.NotNil(t, serveCmd.Flags().Lookup("jwt-secret"))
	timeout := serveCmd.Flags().Lookup("shutdown-timeout")
	require.NotNil(t, timeout)
	assert.Equal(t, "10s", timeout.DefValue)
}

func TestTokenCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	tokenCmd, _, err := cmd.Find([]string{"token"})
	require.NoError(t, err)

	subject := tokenCmd.Flags().Lookup("subject")
	require.NotNil(t, subject)
	assert.Equal(t, "eventific-cli", subject.DefValue)
	ttl := tokenCmd.Flags().Lookup("ttl")
	require.NotNil(t, ttl)
	assert.Equal(t, "24h0m0s", ttl.DefValue)
}

func TestExecute_InvalidFormat(t *testing.T) {
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	code := Execute(context.Background(), []string{"aggregates", "--driver", "memory", "--format", "yaml"}, out, errOut)

	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, out.String(), "Error [E003]")
	assert.Contains(t, out.String(), `invalid format "yaml"`)
}

func TestExecute_UnknownCommand(t *testing.T) {
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	code := Execute(context.Background(), []string{"compact"}, out, errOut)

	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, out.String(), "unknown command")
}

func TestExecute_InvalidConfig(t *testing.T) {
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	code := Execute(context.Background(), []string{"init", "--driver", "mongo", "--format", "json"}, out, errOut)

	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, out.String(), `"code":"E003"`)
	assert.Contains(t, out.String(), "store.driver")
}

func TestExecute_MissingConfigFile(t *testing.T) {
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	code := Execute(context.Background(), []string{"init", "--config", filepath.Join(t.TempDir(), "absent.yaml")}, out, errOut)

	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, out.String(), "failed to load config")
}
