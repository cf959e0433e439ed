package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"run", "schools", "fetch", "versions"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "schoolmap", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("country"))
}

func TestRunCommand_Flags(t *testing.T) {
	for name, def := range map[string]string{
		"features":           "[]",
		"parallel":           "1",
		"retries":            "1",
		"retry-backoff":      "0s",
		"preserve-unmatched": "false",
	} {
		flag := runCmd.Flags().Lookup(name)
		require.NotNil(t, flag, "run should have --%s", name)
		assert.Equal(t, def, flag.DefValue, "--%s default", name)
	}
}

func TestFetchCommand_Flags(t *testing.T) {
	for _, name := range []string{"parallel", "retries"} {
		assert.NotNil(t, fetchCmd.Flags().Lookup(name), "fetch should have --%s", name)
	}
}

func TestVersionsCommand_Flags(t *testing.T) {
	flag := versionsCmd.Flags().Lookup("runs")
	require.NotNil(t, flag)
	assert.Equal(t, "10", flag.DefValue)
}
