//go:build !integration

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"serve", "migrate", "parse", "plan", "extract", "query", "stage", "sources"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "gazette-cli", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestStageCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range stageCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"start", "complete", "fail", "status"} {
		assert.True(t, names[name], "expected stage subcommand %q not found", name)
	}
}

func TestExtractCommand_Flags(t *testing.T) {
	require.NotNil(t, extractCmd.Flags().Lookup("stage"))
	require.NotNil(t, extractCmd.Flags().Lookup("document-id"))

	limit := extractRetryCmd.Flags().Lookup("limit")
	require.NotNil(t, limit)
	assert.Equal(t, "100", limit.DefValue)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestQueryCommand_Flags(t *testing.T) {
	flag := queryCmd.Flags().Lookup("format")
	require.NotNil(t, flag)
	assert.Equal(t, "text", flag.DefValue)
}
