//go:build !integration

package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/gazette-cli/internal/config"
)

func setConfig(t *testing.T, c *config.Config) {
	t.Helper()
	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
}

func TestPipelineEnv_Close_Nil(t *testing.T) {
	pe := &pipelineEnv{}
	assert.NotPanics(t, pe.Close)
}

func TestInitPipeline_ValidatesMode(t *testing.T) {
	setConfig(t, &config.Config{Store: config.StoreConfig{Driver: "postgres"}})

	env, err := initPipeline(context.Background(), "migrate")
	assert.Nil(t, env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestInitPipeline_SQLiteStages(t *testing.T) {
	setConfig(t, &config.Config{
		Store: config.StoreConfig{Driver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "stages.db")},
	})
	ctx := context.Background()

	env, err := initPipeline(ctx, "stage")
	require.NoError(t, err)
	defer env.Close()

	assert.Nil(t, env.Pool)
	assert.Nil(t, env.Reasoning)
	require.NotNil(t, env.Stages)
	require.NotNil(t, env.Breakers)

	d, err := env.Stages.TryStart(ctx, "gazette.fetch", "2025-03-14")
	require.NoError(t, err)
	assert.True(t, d.CanProceed)

	runs, err := env.Stages.Status(ctx, "2025-03-14")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "gazette.fetch", runs[0].Stage)
}

func TestInitStages_UnsupportedDriver(t *testing.T) {
	setConfig(t, &config.Config{Store: config.StoreConfig{Driver: "mysql"}})

	pe := &pipelineEnv{}
	err := pe.initStages(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestInitStages_PostgresNeedsPool(t *testing.T) {
	setConfig(t, &config.Config{Store: config.StoreConfig{Driver: "postgres"}})

	pe := &pipelineEnv{}
	require.Error(t, pe.initStages(context.Background()))
}

func TestRetryConfig_FromResilience(t *testing.T) {
	setConfig(t, &config.Config{Resilience: config.ResilienceConfig{
		RetryMaxAttempts:      5,
		RetryInitialBackoffMs: 200,
		RetryMaxBackoffMs:     1000,
		RetryMultiplier:       3,
	}})

	rc := retryConfig()
	assert.Equal(t, 5, rc.MaxAttempts)
	assert.Equal(t, 3.0, rc.Multiplier)
}
