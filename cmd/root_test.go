package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-engine/internal/config"
	"github.com/sells-group/outreach-engine/internal/provider"
)

func commandNames(cmds []*cobra.Command) map[string]bool {
	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}
	return names
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := commandNames(rootCmd.Commands())

	expected := []string{"serve", "worker", "migrate", "runs", "leads"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "outreach-engine", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestRunsCommand_HasSubcommands(t *testing.T) {
	names := commandNames(runsCmd.Commands())

	expected := []string{"list", "show", "events", "pause", "resume", "cancel"}
	for _, name := range expected {
		assert.True(t, names[name], "expected runs subcommand %q not found", name)
	}
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)

	noWorker := serveCmd.Flags().Lookup("no-worker")
	require.NotNil(t, noWorker)
	assert.Equal(t, "false", noWorker.DefValue)
}

func TestWorkerCommand_Flags(t *testing.T) {
	flag := workerCmd.Flags().Lookup("once")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}

func TestRunsListCommand_Flags(t *testing.T) {
	limit := runsListCmd.Flags().Lookup("limit")
	require.NotNil(t, limit)
	assert.Equal(t, "50", limit.DefValue)

	for _, name := range []string{"status", "campaign", "active"} {
		assert.NotNil(t, runsListCmd.Flags().Lookup(name), "missing --%s", name)
	}
}

func TestRunsPauseCommand_DefaultReason(t *testing.T) {
	flag := runsPauseCmd.Flags().Lookup("reason")
	require.NotNil(t, flag)
	assert.Equal(t, "operator", flag.DefValue)
}

func TestInitProviders_RequiresASource(t *testing.T) {
	_, err := initProviders(config.ProviderConfig{})
	assert.Error(t, err)
}

func TestInitProviders_HTTPServesAllRoles(t *testing.T) {
	set, err := initProviders(config.ProviderConfig{BaseURL: "https://provider.test", TimeoutSecs: 5})
	require.NoError(t, err)

	assert.IsType(t, &provider.HTTPClient{}, set.Sourcer)
	assert.IsType(t, &provider.HTTPClient{}, set.Sender)
	assert.IsType(t, &provider.HTTPClient{}, set.Replies)
	assert.IsType(t, &provider.HTTPClient{}, set.Credentials)
}

func TestInitProviders_LeadFileReplacesSourcer(t *testing.T) {
	set, err := initProviders(config.ProviderConfig{
		BaseURL:  "https://provider.test",
		LeadFile: t.TempDir(),
	})
	require.NoError(t, err)

	assert.IsType(t, &provider.FileSourcer{}, set.Sourcer)
	assert.IsType(t, &provider.HTTPClient{}, set.Sender)

	creds, ok := set.Credentials.(provider.ScopedCredentials)
	require.True(t, ok)
	assert.IsType(t, &provider.HTTPClient{}, creds.Default)
	assert.IsType(t, &provider.FileSourcer{}, creds.ByScope[provider.ScopeSource])
}

func TestInitProviders_LeadFileOnly(t *testing.T) {
	set, err := initProviders(config.ProviderConfig{LeadFile: t.TempDir()})
	require.NoError(t, err)

	assert.Nil(t, set.Sender)
	assert.Nil(t, set.Replies)
	creds, ok := set.Credentials.(provider.ScopedCredentials)
	require.True(t, ok)
	assert.Nil(t, creds.Default)
}
