package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/yungbote/feedforge-backend/internal/data/db"
	"github.com/yungbote/feedforge-backend/internal/jobs/pipeline/source_build"
	"github.com/yungbote/feedforge-backend/internal/jobs/scheduler"
	"github.com/yungbote/feedforge-backend/internal/observability"
	"github.com/yungbote/feedforge-backend/internal/platform/envutil"
	"github.com/yungbote/feedforge-backend/internal/platform/openai"
	"github.com/yungbote/feedforge-backend/internal/realtime/bus"
	"github.com/yungbote/feedforge-backend/internal/validator"
)

const (
	SandboxGoja   = "goja"
	SandboxRemote = "remote"
	SandboxOff    = "off"
)

type Config struct {
	HTTPAddr    string
	LogMode     string
	CORSOrigins []string

	DB     db.Config
	OpenAI openai.Config
	Bus    bus.Config
	Otel   observability.OtelConfig

	SandboxMode string
	SandboxURL  string

	SearchURL     string
	RenderURL     string
	RoutesPath    string
	FetchMaxBytes int64
	FetchTimeout  time.Duration

	WorkerConcurrency int
	WorkerQueueSize   int
	TaskConcurrency   int
	MaterializeURL    string
	MetricsEnabled    bool

	Build  source_build.Config
	Review validator.Config
}

// agentFile is the optional YAML tuning file named by AGENT_CONFIG_PATH.
// Zero values keep the environment or built-in defaults.
type agentFile struct {
	Model       string              `yaml:"model"`
	Temperature *float64            `yaml:"temperature"`
	Build       source_build.Config `yaml:"build"`
	Review      struct {
		Iterations int `yaml:"iterations"`
		SpotChecks int `yaml:"spot_checks"`
		SampleSize int `yaml:"sample_size"`
	} `yaml:"review"`
	Sandbox struct {
		MaxCalls         int           `yaml:"max_calls"`
		MaxResponseBytes int64         `yaml:"max_response_bytes"`
		Timeout          time.Duration `yaml:"timeout"`
		AllowedHosts     []string      `yaml:"allowed_hosts"`
	} `yaml:"sandbox"`
}

/*
LoadConfig reads envFile (when present) into the environment, then builds the
config from environment variables. AGENT_CONFIG_PATH, when set, layers the
agent caps and model settings on top.
*/
func LoadConfig(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := Config{
		HTTPAddr:    envutil.String("HTTP_ADDR", ":8080"),
		LogMode:     envutil.String("LOG_MODE", "development"),
		CORSOrigins: envutil.List("CORS_ORIGINS"),
		DB: db.Config{
			Driver:     envutil.String("DB_DRIVER", db.DriverPostgres),
			Host:       envutil.String("POSTGRES_HOST", "localhost"),
			Port:       envutil.String("POSTGRES_PORT", "5432"),
			User:       envutil.String("POSTGRES_USER", "feedforge"),
			Password:   envutil.String("POSTGRES_PASSWORD", ""),
			Name:       envutil.String("POSTGRES_NAME", "feedforge"),
			SSLMode:    envutil.String("POSTGRES_SSLMODE", "disable"),
			SQLitePath: envutil.String("SQLITE_PATH", "feedforge.db"),
			SlowQuery:  envutil.Duration("DB_SLOW_QUERY", 500*time.Millisecond),
		},
		OpenAI: openai.Config{
			APIKey:      envutil.String("OPENAI_API_KEY", ""),
			BaseURL:     envutil.String("OPENAI_BASE_URL", ""),
			Model:       envutil.String("OPENAI_MODEL", openai.DefaultModel),
			Temperature: envutil.Float("OPENAI_TEMPERATURE", 0.2),
			Timeout:     envutil.Duration("OPENAI_TIMEOUT", openai.DefaultTimeout),
		},
		Bus: bus.Config{
			Kind:        envutil.String("REALTIME_BUS", "none"),
			RedisAddr:   envutil.String("REDIS_ADDR", "localhost:6379"),
			RedisPrefix: envutil.String("REDIS_PREFIX", "feedforge:sse"),
			NatsURL:     envutil.String("NATS_URL", "nats://localhost:4222"),
			NatsSubject: envutil.String("NATS_SUBJECT", "feedforge.sse"),
		},
		Otel: observability.OtelConfig{
			Enabled:     envutil.Bool("OTEL_ENABLED", false),
			ServiceName: envutil.String("OTEL_SERVICE_NAME", "feedforge"),
			Environment: envutil.String("APP_ENV", "development"),
			Version:     envutil.String("APP_VERSION", "dev"),
			Endpoint:    envutil.String("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Headers:     observability.ParseHeaders(envutil.String("OTEL_EXPORTER_OTLP_HEADERS", "")),
			Insecure:    envutil.Bool("OTEL_EXPORTER_OTLP_INSECURE", false),
			SampleRatio: envutil.Float("OTEL_SAMPLE_RATIO", 1),
		},
		SandboxMode:       strings.ToLower(envutil.String("SANDBOX_MODE", SandboxGoja)),
		SandboxURL:        envutil.String("SANDBOX_URL", ""),
		SearchURL:         envutil.String("SEARCH_URL", ""),
		RenderURL:         envutil.String("RENDER_URL", ""),
		RoutesPath:        envutil.String("ROUTES_PATH", ""),
		FetchMaxBytes:     int64(envutil.Int("FETCH_MAX_BYTES", 2<<20)),
		FetchTimeout:      envutil.Duration("FETCH_TIMEOUT", 20*time.Second),
		WorkerConcurrency: envutil.Int("WORKER_CONCURRENCY", 4),
		WorkerQueueSize:   envutil.Int("WORKER_QUEUE_SIZE", 64),
		TaskConcurrency:   envutil.Int("TASK_CONCURRENCY", scheduler.DefaultConcurrency),
		MaterializeURL:    envutil.String("MATERIALIZE_URL", ""),
		MetricsEnabled:    envutil.Bool("METRICS_ENABLED", true),
		Build:             source_build.DefaultConfig(),
		Review:            validator.DefaultConfig(),
	}

	switch cfg.SandboxMode {
	case SandboxGoja, SandboxOff:
	case SandboxRemote:
		if cfg.SandboxURL == "" {
			return Config{}, fmt.Errorf("SANDBOX_MODE=remote requires SANDBOX_URL")
		}
	default:
		return Config{}, fmt.Errorf("unknown SANDBOX_MODE %q", cfg.SandboxMode)
	}

	if path := envutil.String("AGENT_CONFIG_PATH", ""); path != "" {
		if err := cfg.applyAgentFile(path); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

func (c *Config) applyAgentFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read agent config: %w", err)
	}
	var f agentFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse agent config %s: %w", path, err)
	}

	if f.Model != "" {
		c.OpenAI.Model = f.Model
	}
	if f.Temperature != nil {
		c.OpenAI.Temperature = *f.Temperature
	}

	b := f.Build
	if b.DiscoveryIterations > 0 {
		c.Build.DiscoveryIterations = b.DiscoveryIterations
	}
	if b.GenerationIterations > 0 {
		c.Build.GenerationIterations = b.GenerationIterations
	}
	if b.ScriptValidateBudget > 0 {
		c.Build.ScriptValidateBudget = b.ScriptValidateBudget
	}
	if b.MaxSelected > 0 {
		c.Build.MaxSelected = b.MaxSelected
	}
	if b.DefaultSchedule != "" {
		c.Build.DefaultSchedule = b.DefaultSchedule
	}
	if b.DiscoverPollInterval > 0 {
		c.Build.DiscoverPollInterval = b.DiscoverPollInterval
	}
	if b.DiscoverWaitCap > 0 {
		c.Build.DiscoverWaitCap = b.DiscoverWaitCap
	}

	if f.Review.Iterations > 0 {
		c.Review.ReviewIterations = f.Review.Iterations
	}
	if f.Review.SpotChecks > 0 {
		c.Review.SpotChecks = f.Review.SpotChecks
	}
	if f.Review.SampleSize > 0 {
		c.Review.SampleSize = f.Review.SampleSize
	}

	s := f.Sandbox
	if s.MaxCalls > 0 {
		c.Review.Limits.MaxCalls = s.MaxCalls
	}
	if s.MaxResponseBytes > 0 {
		c.Review.Limits.MaxResponseBytes = s.MaxResponseBytes
	}
	if s.Timeout > 0 {
		c.Review.Limits.Timeout = s.Timeout
	}
	if len(s.AllowedHosts) > 0 {
		c.Review.Limits.AllowedHosts = s.AllowedHosts
	}
	return nil
}
