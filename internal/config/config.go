// Package config loads application configuration from config.yaml and
// GAZETTE_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/gazette-cli/internal/parser"
	"github.com/sells-group/gazette-cli/internal/planner"
	"github.com/sells-group/gazette-cli/internal/stage"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic   AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Parser      parser.Config    `yaml:"parser" mapstructure:"parser"`
	Planner     planner.Config   `yaml:"planner" mapstructure:"planner"`
	Coordinator stage.Config     `yaml:"coordinator" mapstructure:"coordinator"`
	Extract     ExtractConfig    `yaml:"extract" mapstructure:"extract"`
	Reasoning   ReasoningConfig  `yaml:"reasoning" mapstructure:"reasoning"`
	Resilience  ResilienceConfig `yaml:"resilience" mapstructure:"resilience"`
	Server      ServerConfig     `yaml:"server" mapstructure:"server"`
	Log         LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend. Driver selects where stage
// runs live; everything else always uses Postgres.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key        string `yaml:"key" mapstructure:"key"`
	Model      string `yaml:"model" mapstructure:"model"`
	MaxTokens  int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSec int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ExtractConfig configures the provision extraction stage.
type ExtractConfig struct {
	Concurrency   int     `yaml:"concurrency" mapstructure:"concurrency"`
	RatePerSecond float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst         int     `yaml:"burst" mapstructure:"burst"`
	TemplatesFile string  `yaml:"templates_file" mapstructure:"templates_file"`
}

// ReasoningConfig configures the query pipeline.
type ReasoningConfig struct {
	PhaseTimeoutSecs int    `yaml:"phase_timeout_secs" mapstructure:"phase_timeout_secs"`
	MaxSources       int    `yaml:"max_sources" mapstructure:"max_sources"`
	HeartbeatSecs    int    `yaml:"heartbeat_secs" mapstructure:"heartbeat_secs"`
	Jurisdiction     string `yaml:"jurisdiction" mapstructure:"jurisdiction"`
}

// PhaseTimeout returns the per-phase bound on external calls.
func (c ReasoningConfig) PhaseTimeout() time.Duration {
	return time.Duration(c.PhaseTimeoutSecs) * time.Second
}

// ResilienceConfig configures circuit breakers and retries for external calls.
type ResilienceConfig struct {
	CircuitFailureThreshold int     `yaml:"circuit_failure_threshold" mapstructure:"circuit_failure_threshold"`
	CircuitResetTimeoutSecs int     `yaml:"circuit_reset_timeout_secs" mapstructure:"circuit_reset_timeout_secs"`
	RetryMaxAttempts        int     `yaml:"retry_max_attempts" mapstructure:"retry_max_attempts"`
	RetryInitialBackoffMs   int     `yaml:"retry_initial_backoff_ms" mapstructure:"retry_initial_backoff_ms"`
	RetryMaxBackoffMs       int     `yaml:"retry_max_backoff_ms" mapstructure:"retry_max_backoff_ms"`
	RetryMultiplier         float64 `yaml:"retry_multiplier" mapstructure:"retry_multiplier"`
	RetryJitterFraction     float64 `yaml:"retry_jitter_fraction" mapstructure:"retry_jitter_fraction"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("GAZETTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults. Secrets get empty defaults so AutomaticEnv can see them.
	pc := parser.DefaultConfig()
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("anthropic.key", "")
	v.SetDefault("extract.templates_file", "")
	v.SetDefault("store.sqlite_path", "gazette-stages.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("anthropic.timeout_secs", 120)
	v.SetDefault("parser.normalize_unicode", pc.NormalizeUnicode)
	v.SetDefault("parser.article_pattern", pc.ArticlePattern)
	v.SetDefault("parser.paragraph_pattern", pc.ParagraphPattern)
	v.SetDefault("parser.point_pattern", pc.PointPattern)
	v.SetDefault("parser.max_depth", pc.MaxDepth)
	v.SetDefault("planner.target_bytes", planner.DefaultTargetBytes)
	v.SetDefault("coordinator.poll_interval", 30*time.Second)
	v.SetDefault("coordinator.max_wait", 2*time.Hour)
	v.SetDefault("coordinator.stall_after", 6*time.Hour)
	v.SetDefault("coordinator.timezone", "Europe/Zagreb")
	v.SetDefault("extract.concurrency", 4)
	v.SetDefault("extract.rate_per_second", 2.0)
	v.SetDefault("extract.burst", 4)
	v.SetDefault("reasoning.phase_timeout_secs", 30)
	v.SetDefault("reasoning.max_sources", 8)
	v.SetDefault("reasoning.heartbeat_secs", 15)
	v.SetDefault("reasoning.jurisdiction", "HR")
	v.SetDefault("resilience.circuit_failure_threshold", 5)
	v.SetDefault("resilience.circuit_reset_timeout_secs", 30)
	v.SetDefault("resilience.retry_max_attempts", 3)
	v.SetDefault("resilience.retry_initial_backoff_ms", 500)
	v.SetDefault("resilience.retry_max_backoff_ms", 30000)
	v.SetDefault("resilience.retry_multiplier", 2.0)
	v.SetDefault("resilience.retry_jitter_fraction", 0.25)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on.
func (c *Config) Validate(mode string) error {
	var problems []string
	requireDB := func() {
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
	}
	requireModel := func() {
		if c.Anthropic.Key == "" {
			problems = append(problems, "anthropic.key is required")
		}
	}

	switch mode {
	case "parse", "plan":
	case "migrate", "sources":
		requireDB()
	case "extract":
		requireDB()
		requireModel()
		if c.Extract.Concurrency < 1 || c.Extract.Concurrency > 64 {
			problems = append(problems, "extract.concurrency must be between 1 and 64")
		}
		if c.Extract.RatePerSecond <= 0 {
			problems = append(problems, "extract.rate_per_second must be > 0")
		}
	case "query":
		requireDB()
		requireModel()
	case "stage":
		switch c.Store.Driver {
		case "postgres":
			requireDB()
		case "sqlite":
			if c.Store.SQLitePath == "" {
				problems = append(problems, "store.sqlite_path is required for the sqlite driver")
			}
		default:
			problems = append(problems, fmt.Sprintf("store.driver must be postgres or sqlite, got %q", c.Store.Driver))
		}
	case "serve":
		requireDB()
		requireModel()
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Planner.TargetBytes < 0 {
		problems = append(problems, "planner.target_bytes must be >= 0")
	}
	if c.Reasoning.PhaseTimeoutSecs < 0 {
		problems = append(problems, "reasoning.phase_timeout_secs must be >= 0")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
