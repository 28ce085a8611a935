package source_build

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/feedforge-backend/internal/agent"
	"github.com/yungbote/feedforge-backend/internal/domain/jobs"
	"github.com/yungbote/feedforge-backend/internal/jobs/runtime"
	"github.com/yungbote/feedforge-backend/internal/jobs/scheduler"
	"github.com/yungbote/feedforge-backend/internal/jobs/usage"
	"github.com/yungbote/feedforge-backend/internal/observability"
	"github.com/yungbote/feedforge-backend/internal/platform/logger"
)

const JobType = "source_build"

type Config struct {
	DiscoveryIterations  int           `yaml:"discovery_iterations"`
	GenerationIterations int           `yaml:"generation_iterations"`
	ScriptValidateBudget int           `yaml:"script_validate_budget"`
	MaxSelected          int           `yaml:"max_selected"`
	DefaultSchedule      string        `yaml:"default_schedule"`
	DiscoverPollInterval time.Duration `yaml:"discover_poll_interval"`
	DiscoverWaitCap      time.Duration `yaml:"discover_wait_cap"`
}

func DefaultConfig() Config {
	return Config{
		DiscoveryIterations:  20,
		GenerationIterations: 25,
		ScriptValidateBudget: 4,
		MaxSelected:          jobs.MaxSelectedResources,
		DefaultSchedule:      jobs.DefaultSchedule,
		DiscoverPollInterval: 2 * time.Second,
		DiscoverWaitCap:      5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DiscoveryIterations <= 0 {
		c.DiscoveryIterations = d.DiscoveryIterations
	}
	if c.GenerationIterations <= 0 {
		c.GenerationIterations = d.GenerationIterations
	}
	if c.ScriptValidateBudget <= 0 {
		c.ScriptValidateBudget = d.ScriptValidateBudget
	}
	if c.MaxSelected <= 0 {
		c.MaxSelected = d.MaxSelected
	}
	if !agent.ValidSchedule(c.DefaultSchedule) {
		c.DefaultSchedule = d.DefaultSchedule
	}
	if c.DiscoverPollInterval <= 0 {
		c.DiscoverPollInterval = d.DiscoverPollInterval
	}
	if c.DiscoverWaitCap <= 0 {
		c.DiscoverWaitCap = d.DiscoverWaitCap
	}
	return c
}

// Materializer turns accepted results into scheduled collectors downstream.
type Materializer interface {
	Materialize(ctx context.Context, job *jobs.BuildJob, accepted []jobs.GenerationResult) error
}

type Pipeline struct {
	loop     *agent.Loop
	tools    *Tools
	journal  *runtime.Journal
	sched    *scheduler.Scheduler
	ledger   *usage.Ledger
	material Materializer
	cfg      Config
	log      *logger.Logger

	// abandoned holds discover start events whose run in this process was
	// cancelled, so a later run does not wait on them.
	mu        sync.Mutex
	abandoned map[uuid.UUID]int64
}

func New(loop *agent.Loop, tools *Tools, journal *runtime.Journal, sched *scheduler.Scheduler, ledger *usage.Ledger, material Materializer, cfg Config, baseLog *logger.Logger) *Pipeline {
	return &Pipeline{
		loop:      loop,
		tools:     tools,
		journal:   journal,
		sched:     sched,
		ledger:    ledger,
		material:  material,
		cfg:       cfg.withDefaults(),
		log:       baseLog.With("job", JobType),
		abandoned: make(map[uuid.UUID]int64),
	}
}

func (p *Pipeline) Type() string { return JobType }

func (p *Pipeline) usageSink(jobID uuid.UUID, key string) agent.UsageSink {
	return recordUsage(p.ledger, jobID, key)
}

func recordUsage(ledger *usage.Ledger, jobID uuid.UUID, key string) agent.UsageSink {
	return func(u agent.Usage) {
		if ledger != nil {
			ledger.Add(jobID, key, u.PromptTokens, u.CompletionTokens, u.Estimated)
		}
		observability.Current().ObserveLLMTokens(u.PromptTokens, u.CompletionTokens)
	}
}
