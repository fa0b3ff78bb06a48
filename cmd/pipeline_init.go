package main

import (
	"context"
	"io"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/gazette-cli/internal/db"
	"github.com/sells-group/gazette-cli/internal/extract"
	"github.com/sells-group/gazette-cli/internal/provenance"
	"github.com/sells-group/gazette-cli/internal/reasoning"
	"github.com/sells-group/gazette-cli/internal/resilience"
	"github.com/sells-group/gazette-cli/internal/stage"
	"github.com/sells-group/gazette-cli/internal/store"
	"github.com/sells-group/gazette-cli/pkg/anthropic"
)

// pipelineEnv holds everything a command needs, built once at process start.
// Fields a mode does not need stay nil.
type pipelineEnv struct {
	Pool      *pgxpool.Pool
	Store     *store.PostgresStore
	Stages    *stage.Coordinator
	Breakers  *resilience.ServiceBreakers
	Registry  *provenance.Registry
	Client    anthropic.Client
	Reasoning *reasoning.Pipeline
	Extract   *extract.Runner

	stageDB io.Closer
}

// Close releases resources held by the environment.
func (pe *pipelineEnv) Close() {
	if pe.stageDB != nil {
		if err := pe.stageDB.Close(); err != nil {
			zap.L().Warn("close stage store", zap.Error(err))
		}
	}
	if pe.Pool != nil {
		pe.Pool.Close()
	}
}

// initPipeline validates the config for mode and builds the environment.
// Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	env := &pipelineEnv{Breakers: initBreakers()}

	if cfg.Store.DatabaseURL != "" {
		pool, err := db.Connect(ctx, cfg.Store.DatabaseURL, &db.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
		if err != nil {
			return nil, err
		}
		env.Pool = pool
		if err := db.Migrate(ctx, pool); err != nil {
			env.Close()
			return nil, err
		}
		env.Store = store.NewPostgresStore(pool)
	}

	switch mode {
	case "migrate", "sources":
		return env, nil
	case "query":
	default:
		if err := env.initStages(ctx); err != nil {
			env.Close()
			return nil, err
		}
		if mode == "stage" {
			return env, nil
		}
	}

	if err := env.initModel(); err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}

func initBreakers() *resilience.ServiceBreakers {
	return resilience.NewServiceBreakers(resilience.FromCircuitConfig(
		cfg.Resilience.CircuitFailureThreshold,
		cfg.Resilience.CircuitResetTimeoutSecs,
	))
}

func retryConfig() resilience.RetryConfig {
	r := cfg.Resilience
	return resilience.FromRetryConfig(r.RetryMaxAttempts, r.RetryInitialBackoffMs, r.RetryMaxBackoffMs, r.RetryMultiplier, r.RetryJitterFraction)
}

// initStages opens the stage store selected by store.driver and builds the
// coordinator over the default pipeline definitions.
func (pe *pipelineEnv) initStages(ctx context.Context) error {
	var st stage.Store
	switch cfg.Store.Driver {
	case "sqlite":
		sq, err := stage.NewSQLiteStore(cfg.Store.SQLitePath)
		if err != nil {
			return err
		}
		if err := sq.Migrate(ctx); err != nil {
			_ = sq.Close()
			return err
		}
		pe.stageDB = sq
		st = sq
	case "postgres":
		if pe.Pool == nil {
			return eris.New("stage: postgres driver needs store.database_url")
		}
		st = stage.NewPostgresStore(pe.Pool)
	default:
		return eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}

	coord, err := stage.NewCoordinator(st, stage.DefaultDefinitions(), cfg.Coordinator)
	if err != nil {
		return err
	}
	pe.Stages = coord
	return nil
}

// initModel builds the prompt registry, the Anthropic client and the two
// model-backed components on top of them.
func (pe *pipelineEnv) initModel() error {
	registry, err := provenance.NewRegistry()
	if err != nil {
		return err
	}
	if path := cfg.Extract.TemplatesFile; path != "" {
		if err := registry.LoadFile(path); err != nil {
			return err
		}
		zap.L().Info("prompt templates loaded", zap.String("file", path), zap.Int("templates", len(registry.Templates())))
	}
	pe.Registry = registry
	pe.Client = anthropic.NewClient(cfg.Anthropic.Key, time.Duration(cfg.Anthropic.TimeoutSec)*time.Second)

	synth := reasoning.NewAnthropicSynthesizer(pe.Client, registry, pe.Store, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens)
	pe.Reasoning, err = reasoning.New(reasoning.Deps{
		Retriever:    pe.Store,
		Synthesizer:  synth,
		Breakers:     pe.Breakers,
		PhaseTimeout: cfg.Reasoning.PhaseTimeout(),
		MaxSources:   cfg.Reasoning.MaxSources,
		Jurisdiction: cfg.Reasoning.Jurisdiction,
	})
	if err != nil {
		return err
	}

	pe.Extract = extract.NewRunner(pe.Store, pe.Store, pe.Client, registry, pe.Breakers.Get(resilience.ServiceAnthropic), extract.Config{
		Model:         cfg.Anthropic.Model,
		MaxTokens:     cfg.Anthropic.MaxTokens,
		Concurrency:   cfg.Extract.Concurrency,
		RatePerSecond: cfg.Extract.RatePerSecond,
		Burst:         cfg.Extract.Burst,
		Retry:         retryConfig(),
	})
	return nil
}
