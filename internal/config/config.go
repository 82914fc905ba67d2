package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Backend    BackendConfig    `yaml:"backend" mapstructure:"backend"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Temporal   TemporalConfig   `yaml:"temporal" mapstructure:"temporal"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// BackendConfig selects and tunes the analysis backend.
type BackendConfig struct {
	Provider   string          `yaml:"provider" mapstructure:"provider"`
	Anthropic  AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Gemini     GeminiConfig    `yaml:"gemini" mapstructure:"gemini"`
	RatePerSec float64         `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst      int             `yaml:"burst" mapstructure:"burst"`
	Circuit    CircuitConfig   `yaml:"circuit" mapstructure:"circuit"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// GeminiConfig holds Google Gemini API settings.
type GeminiConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// CircuitConfig configures the backend circuit breaker.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// PipelineConfig configures stage execution, size limits and the approval wait.
type PipelineConfig struct {
	Engine                string `yaml:"engine" mapstructure:"engine"`
	MaxCodeChars          int    `yaml:"max_code_chars" mapstructure:"max_code_chars"`
	TokenBudget           int    `yaml:"token_budget" mapstructure:"token_budget"`
	PromptOverheadTokens  int    `yaml:"prompt_overhead_tokens" mapstructure:"prompt_overhead_tokens"`
	StageAttempts         int    `yaml:"stage_attempts" mapstructure:"stage_attempts"`
	StageInitialBackoffMs int    `yaml:"stage_initial_backoff_ms" mapstructure:"stage_initial_backoff_ms"`
	StageMaxBackoffMs     int    `yaml:"stage_max_backoff_ms" mapstructure:"stage_max_backoff_ms"`
	StageTimeoutSecs      int    `yaml:"stage_timeout_secs" mapstructure:"stage_timeout_secs"`
	FilterTimeoutSecs     int    `yaml:"filter_timeout_secs" mapstructure:"filter_timeout_secs"`
	ApprovalTimeoutHours  int    `yaml:"approval_timeout_hours" mapstructure:"approval_timeout_hours"`
	ApprovalTimeoutPolicy string `yaml:"approval_timeout_policy" mapstructure:"approval_timeout_policy"`
	SweepIntervalMins     int    `yaml:"sweep_interval_mins" mapstructure:"sweep_interval_mins"`
}

// ApprovalTimeout is how long a run waits for a decision.
func (p PipelineConfig) ApprovalTimeout() time.Duration {
	return time.Duration(p.ApprovalTimeoutHours) * time.Hour
}

// SweepInterval is how often the server finalizes expired approvals.
func (p PipelineConfig) SweepInterval() time.Duration {
	return time.Duration(p.SweepIntervalMins) * time.Minute
}

// TemporalConfig configures the Temporal engine.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	JWTSecret   string   `yaml:"jwt_secret" mapstructure:"jwt_secret"`
}

// MonitoringConfig configures run event webhooks and alert thresholds.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	StaleApprovalHours   int     `yaml:"stale_approval_hours" mapstructure:"stale_approval_hours"`
	LookbackHours        int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	CheckIntervalMins    int     `yaml:"check_interval_mins" mapstructure:"check_interval_mins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SECPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Secrets default to empty so AutomaticEnv can still supply them.
	for _, key := range []string{"backend.anthropic.key", "backend.gemini.key", "server.jwt_secret", "monitoring.webhook_url"} {
		v.SetDefault(key, "")
	}
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "secpipe.db")
	v.SetDefault("backend.provider", "anthropic")
	v.SetDefault("backend.anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("backend.anthropic.max_tokens", 8192)
	v.SetDefault("backend.gemini.model", "gemini-1.5-pro")
	v.SetDefault("backend.rate_per_sec", 2.0)
	v.SetDefault("backend.burst", 4)
	v.SetDefault("backend.circuit.failure_threshold", 5)
	v.SetDefault("backend.circuit.reset_timeout_secs", 30)
	v.SetDefault("pipeline.engine", "local")
	v.SetDefault("pipeline.max_code_chars", 80000)
	v.SetDefault("pipeline.token_budget", 24000)
	v.SetDefault("pipeline.prompt_overhead_tokens", 4000)
	v.SetDefault("pipeline.stage_attempts", 3)
	v.SetDefault("pipeline.stage_initial_backoff_ms", 5000)
	v.SetDefault("pipeline.stage_max_backoff_ms", 60000)
	v.SetDefault("pipeline.stage_timeout_secs", 120)
	v.SetDefault("pipeline.filter_timeout_secs", 180)
	v.SetDefault("pipeline.approval_timeout_hours", 168)
	v.SetDefault("pipeline.approval_timeout_policy", "complete")
	v.SetDefault("pipeline.sweep_interval_mins", 15)
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "secpipe-reviews")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.stale_approval_hours", 72)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.check_interval_mins", 5)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks the keys a command needs. mode is "backend" for commands
// that call the analysis backend, "temporal" for the worker and "" for
// read-only commands.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "sqlite":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for postgres")
		}
	default:
		problems = append(problems, "store.driver must be sqlite or postgres")
	}

	switch c.Pipeline.Engine {
	case "local", "temporal":
	default:
		problems = append(problems, "pipeline.engine must be local or temporal")
	}
	switch c.Pipeline.ApprovalTimeoutPolicy {
	case "complete", "fail":
	default:
		problems = append(problems, "pipeline.approval_timeout_policy must be complete or fail")
	}
	if c.Pipeline.MaxCodeChars <= 0 || c.Pipeline.TokenBudget <= c.Pipeline.PromptOverheadTokens {
		problems = append(problems, "pipeline.token_budget must exceed pipeline.prompt_overhead_tokens")
	}

	if mode == "backend" || mode == "temporal" {
		switch c.Backend.Provider {
		case "anthropic":
			if c.Backend.Anthropic.Key == "" {
				problems = append(problems, "backend.anthropic.key is required")
			}
		case "gemini":
			if c.Backend.Gemini.Key == "" {
				problems = append(problems, "backend.gemini.key is required")
			}
		default:
			problems = append(problems, "backend.provider must be anthropic or gemini")
		}
	}
	if (mode == "temporal" || c.Pipeline.Engine == "temporal") && c.Temporal.HostPort == "" {
		problems = append(problems, "temporal.host_port is required")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
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
