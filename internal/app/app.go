package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/feedforge-backend/internal/agent"
	"github.com/yungbote/feedforge-backend/internal/data/db"
	"github.com/yungbote/feedforge-backend/internal/data/repos"
	"github.com/yungbote/feedforge-backend/internal/domain/jobs"
	httpapi "github.com/yungbote/feedforge-backend/internal/http"
	httpH "github.com/yungbote/feedforge-backend/internal/http/handlers"
	"github.com/yungbote/feedforge-backend/internal/jobs/cancel"
	"github.com/yungbote/feedforge-backend/internal/jobs/pipeline/source_build"
	"github.com/yungbote/feedforge-backend/internal/jobs/recovery"
	"github.com/yungbote/feedforge-backend/internal/jobs/runtime"
	"github.com/yungbote/feedforge-backend/internal/jobs/scheduler"
	"github.com/yungbote/feedforge-backend/internal/jobs/usage"
	"github.com/yungbote/feedforge-backend/internal/jobs/worker"
	"github.com/yungbote/feedforge-backend/internal/observability"
	"github.com/yungbote/feedforge-backend/internal/platform/logger"
	"github.com/yungbote/feedforge-backend/internal/platform/openai"
	"github.com/yungbote/feedforge-backend/internal/realtime"
	"github.com/yungbote/feedforge-backend/internal/realtime/bus"
	"github.com/yungbote/feedforge-backend/internal/sandbox"
	"github.com/yungbote/feedforge-backend/internal/services"
	"github.com/yungbote/feedforge-backend/internal/validator"
	"github.com/yungbote/feedforge-backend/internal/webtools"
)

// Store is the persistence half of the app, enough for migrate and sweep.
type Store struct {
	Log     *logger.Logger
	DB      *db.Service
	Repos   repos.Set
	Hub     *realtime.SSEHub
	Bus     bus.Bus
	Notify  services.JobNotifier
	Journal *runtime.Journal
}

// OpenStore connects the database and the realtime fan-out. It does not migrate.
func OpenStore(cfg Config, log *logger.Logger) (*Store, error) {
	dbs, err := db.Open(cfg.DB, log)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	b, err := bus.New(cfg.Bus, log)
	if err != nil {
		_ = dbs.Close()
		return nil, fmt.Errorf("init realtime bus: %w", err)
	}
	reposet := repos.NewSet(dbs.DB(), log)
	hub := realtime.NewSSEHub(log)
	notify := services.NewJobNotifier(services.NewEmitter(hub, b, log))
	return &Store{
		Log:     log,
		DB:      dbs,
		Repos:   reposet,
		Hub:     hub,
		Bus:     b,
		Notify:  notify,
		Journal: runtime.NewJournal(reposet.BuildJobs, reposet.JobEvents, notify, log),
	}, nil
}

func (s *Store) Close() {
	if s == nil {
		return
	}
	if s.Bus != nil {
		_ = s.Bus.Close()
	}
	if s.DB != nil {
		_ = s.DB.Close()
	}
}

type App struct {
	*Store

	Cfg       Config
	Tokens    *cancel.Registry
	Ledger    *usage.Ledger
	Scheduler *scheduler.Scheduler
	Worker    *worker.Worker
	Sweeper   *recovery.Sweeper
	Jobs      services.SourceJobService
	Server    *httpapi.Server
	Metrics   *observability.Metrics

	shutdownOtel func(context.Context) error
	cancel       context.CancelFunc
}

func New(ctx context.Context, cfg Config, log *logger.Logger) (*App, error) {
	shutdownOtel := observability.InitOTel(ctx, log, cfg.Otel)
	metrics := observability.Init(cfg.MetricsEnabled)

	store, err := OpenStore(cfg, log)
	if err != nil {
		return nil, err
	}
	if err := store.DB.AutoMigrateAll(); err != nil {
		store.Close()
		return nil, fmt.Errorf("automigrate: %w", err)
	}

	model, err := openai.NewClient(cfg.OpenAI, log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init openai: %w", err)
	}
	loop := agent.NewLoop(model, log)

	httpClient := &http.Client{Timeout: cfg.FetchTimeout}
	fetcher := webtools.NewFetcher(httpClient, cfg.FetchMaxBytes, log)
	routes, err := webtools.LoadRouteCatalog(cfg.RoutesPath)
	if err != nil {
		store.Close()
		return nil, err
	}
	v := validator.New(newRunner(cfg, log), loop, fetcher, cfg.Review, log)
	tools := &source_build.Tools{
		Fetcher:   fetcher,
		Renderer:  webtools.NewRenderer(cfg.RenderURL, httpClient, cfg.FetchMaxBytes),
		Searcher:  webtools.NewSearcher(cfg.SearchURL, httpClient, 10),
		Routes:    routes,
		Feeds:     webtools.NewFeedChecker(fetcher),
		Validator: v,
	}

	tokens := cancel.NewRegistry()
	ledger := usage.NewLedger()
	builder := source_build.NewBuilder(loop, tools, v, store.Journal, ledger, cfg.Build, log)
	sched := scheduler.New(builder, store.Journal, tokens, cfg.TaskConcurrency, log)

	var material source_build.Materializer = services.NewLogMaterializer(log)
	if cfg.MaterializeURL != "" {
		material = services.NewHTTPMaterializer(cfg.MaterializeURL, nil, log)
	}
	pipeline := source_build.New(loop, tools, store.Journal, sched, ledger, material, cfg.Build, log)

	registry := runtime.NewRegistry()
	if err := registry.Register(pipeline); err != nil {
		store.Close()
		return nil, err
	}
	w := worker.NewWorker(store.Journal, registry, tokens, cfg.WorkerConcurrency, cfg.WorkerQueueSize, log)

	sweeper := recovery.NewSweeper(store.Journal, func(job *jobs.BuildJob) bool {
		return tokens.HasLive(job.ID)
	}, store.DB, log)

	jobSvc := services.NewSourceJobService(store.Journal, sched, w, tokens, ledger, store.Notify, source_build.JobType, log)

	server := httpapi.NewServer(httpapi.RouterConfig{
		SourceJobHandler: httpH.NewSourceJobHandler(log, jobSvc, store.Hub),
		HealthHandler:    httpH.NewHealthHandler(store.DB),
		Metrics:          metrics,
		Log:              log,
		ServiceName:      cfg.Otel.ServiceName,
		CORSOrigins:      cfg.CORSOrigins,
		Tracing:          cfg.Otel.Enabled,
	})

	return &App{
		Store:        store,
		Cfg:          cfg,
		Tokens:       tokens,
		Ledger:       ledger,
		Scheduler:    sched,
		Worker:       w,
		Sweeper:      sweeper,
		Jobs:         jobSvc,
		Server:       server,
		Metrics:      metrics,
		shutdownOtel: shutdownOtel,
	}, nil
}

func newRunner(cfg Config, log *logger.Logger) sandbox.Runner {
	switch cfg.SandboxMode {
	case SandboxRemote:
		return sandbox.NewRemote(cfg.SandboxURL, nil, log)
	case SandboxOff:
		return sandbox.Disabled{}
	default:
		return sandbox.NewGoja(&http.Client{Timeout: cfg.Review.Limits.Timeout}, log)
	}
}

/*
Start sweeps orphaned jobs, then starts the worker pool and the bus forwarder.
The sweep runs before the pool so no run of this process can be mistaken for
an orphan.
*/
func (a *App) Start(ctx context.Context) error {
	if a == nil || a.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if n, err := a.Sweeper.Sweep(runCtx); err != nil {
		a.Log.Warn("Orphan sweep failed", "error", err)
	} else if n > 0 {
		a.Log.Info("Orphan sweep done", "failed", n)
	}

	if a.Bus != nil {
		if err := a.Bus.StartForwarder(runCtx, a.Hub.Broadcast); err != nil {
			cancel()
			a.cancel = nil
			return fmt.Errorf("start bus forwarder: %w", err)
		}
	}
	a.Worker.Start(runCtx)
	return nil
}

// Serve runs the HTTP server until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	if a == nil || a.Server == nil {
		return errors.New("app not initialized")
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	return a.Server.Run(ctx, a.Cfg.HTTPAddr)
}

// RunJob queues one run of the job on this process and blocks until the job
// leaves creating or ctx ends.
func (a *App) RunJob(ctx context.Context, jobID uuid.UUID) (*jobs.BuildJob, error) {
	if err := a.Start(ctx); err != nil {
		return nil, err
	}
	if _, err := a.Jobs.Run(ctx, jobID, "", nil); err != nil {
		return nil, err
	}
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tick.C:
		}
		job, err := a.Jobs.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Status != jobs.StatusCreating && !a.Tokens.HasLive(jobID) {
			return job, nil
		}
	}
}

// Close stops the worker pool and releases connections. Runs cut short here
// stay creating and are failed by the next startup sweep.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
		a.Worker.Wait()
	}
	if a.shutdownOtel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.shutdownOtel(ctx)
		cancel()
	}
	a.Store.Close()
	a.Log.Sync()
}
