package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	cmds := rootCmd.Commands()

	// Collect subcommand names.
	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}

	expected := []string{"serve", "match", "watch", "case", "detections", "stats"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "reunite", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestMatchCommand_Flags(t *testing.T) {
	for _, name := range []string{"image", "location"} {
		assert.NotNil(t, matchCmd.Flags().Lookup(name), "match should have --%s flag", name)
	}
}

func TestWatchCommand_Flags(t *testing.T) {
	assert.NotNil(t, watchCmd.Flags().Lookup("roster"))
}

func TestCaseCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range caseCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"register", "status", "reset-found", "purge-found", "list"}
	for _, name := range expected {
		assert.True(t, names[name], "case should have subcommand %q", name)
	}
}

func TestCaseRegisterCommand_Flags(t *testing.T) {
	for _, name := range []string{"name", "age", "last-seen-location", "last-seen-date", "contact-email", "photo", "encoding"} {
		assert.NotNil(t, caseRegisterCmd.Flags().Lookup(name), "case register should have --%s flag", name)
	}
}

func TestCaseListCommand_Defaults(t *testing.T) {
	flag := caseListCmd.Flags().Lookup("status")
	require.NotNil(t, flag)
	assert.Equal(t, "missing", flag.DefValue)

	flag = caseListCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "50", flag.DefValue)
}

func TestCasePurgeFound_RequiresConfirmation(t *testing.T) {
	require.NoError(t, casePurgeFoundCmd.Flags().Set("yes", "false"))
	err := casePurgeFoundCmd.RunE(casePurgeFoundCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--yes")
}

func TestDetectionsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range detectionsCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["list"])
	assert.True(t, names["export"])

	flag := detectionsExportCmd.Flags().Lookup("format")
	require.NotNil(t, flag)
	assert.Equal(t, "xlsx", flag.DefValue)
}
