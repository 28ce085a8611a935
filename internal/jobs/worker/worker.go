package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"

	"github.com/yungbote/feedforge-backend/internal/domain/jobs"
	"github.com/yungbote/feedforge-backend/internal/jobs/cancel"
	"github.com/yungbote/feedforge-backend/internal/jobs/runtime"
	"github.com/yungbote/feedforge-backend/internal/observability"
	"github.com/yungbote/feedforge-backend/internal/platform/logger"
)

var (
	ErrQueueFull = errors.New("job queue is full")
	ErrStopped   = errors.New("worker is not running")
)

type submission struct {
	jobID   uuid.UUID
	jobType string
	ctx     context.Context
	tok     cancel.Token
}

// Worker executes submitted job runs on a bounded pool of goroutines.
// The job-level cancellation token is issued at submit time, so a queued job
// already counts as live and can be aborted before it starts.
type Worker struct {
	journal     *runtime.Journal
	registry    *runtime.Registry
	tokens      *cancel.Registry
	log         *logger.Logger
	concurrency int

	queue chan submission

	mu   sync.RWMutex
	base context.Context
	wg   sync.WaitGroup
}

func NewWorker(journal *runtime.Journal, registry *runtime.Registry, tokens *cancel.Registry, concurrency, queueSize int, baseLog *logger.Logger) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	if queueSize < 1 {
		queueSize = 64
	}
	return &Worker{
		journal:     journal,
		registry:    registry,
		tokens:      tokens,
		log:         baseLog.With("component", "JobWorker"),
		concurrency: concurrency,
		queue:       make(chan submission, queueSize),
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	w.base = ctx
	w.mu.Unlock()
	w.log.Info("Starting job worker pool", "concurrency", w.concurrency, "job_types", w.registry.Types())

	for i := 0; i < w.concurrency; i++ {
		workerID := i + 1
		w.wg.Add(1)
		go w.runLoop(ctx, workerID)
	}
}

// Wait blocks until every worker loop has exited after ctx cancellation.
func (w *Worker) Wait() { w.wg.Wait() }

// Submit queues a run of the job. It does not block.
func (w *Worker) Submit(jobID uuid.UUID, jobType string) error {
	w.mu.RLock()
	base := w.base
	w.mu.RUnlock()
	if base == nil || base.Err() != nil {
		return ErrStopped
	}
	ctx, tok := w.tokens.Issue(base, jobID, cancel.JobKey)
	select {
	case w.queue <- submission{jobID: jobID, jobType: jobType, ctx: ctx, tok: tok}:
		observability.Current().SetQueued(len(w.queue))
		return nil
	default:
		tok.Release()
		return ErrQueueFull
	}
}

// Execute runs the job on the calling goroutine. Used by the CLI.
func (w *Worker) Execute(ctx context.Context, jobID uuid.UUID, jobType string) error {
	runCtx, tok := w.tokens.Issue(ctx, jobID, cancel.JobKey)
	return w.execute(0, submission{jobID: jobID, jobType: jobType, ctx: runCtx, tok: tok})
}

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			w.log.Info("Worker loop stopped", "worker_id", workerID)
			return
		case sub := <-w.queue:
			observability.Current().SetQueued(len(w.queue))
			if err := w.execute(workerID, sub); err != nil {
				w.log.Warn("Job run ended with error", "worker_id", workerID, "job_id", sub.jobID, "error", err)
			}
		}
	}
}

func (w *Worker) execute(workerID int, sub submission) error {
	defer sub.tok.Release()
	if sub.ctx.Err() != nil {
		w.log.Info("Skipping cancelled submission", "worker_id", workerID, "job_id", sub.jobID, "cause", context.Cause(sub.ctx))
		return nil
	}

	jc := runtime.NewContext(sub.ctx, &jobs.BuildJob{ID: sub.jobID}, w.journal, w.log)
	job, err := jc.Reload()
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			return nil
		}
		return err
	}
	jc = runtime.NewContext(sub.ctx, job, w.journal, w.log)
	if job.Status != jobs.StatusCreating {
		w.log.Debug("Job not creating; nothing to run", "job_id", job.ID, "status", job.Status)
		return nil
	}

	h, ok := w.registry.Get(sub.jobType)
	if !ok {
		w.log.Warn("No handler registered for job_type",
			"worker_id", workerID,
			"job_type", sub.jobType,
			"job_id", job.ID,
		)
		jc.Fail(job.Phase, &missingHandlerError{JobType: sub.jobType})
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Job handler panic",
				"worker_id", workerID,
				"job_id", job.ID,
				"job_type", sub.jobType,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			jc.Fail(jc.Job.Phase, errFromRecover(r))
		}
	}()

	if runErr := h.Run(jc); runErr != nil {
		// pipelines fail the job themselves; this is a safety net
		if sub.ctx.Err() == nil {
			jc.Fail(jc.Job.Phase, runErr)
		}
		return runErr
	}
	return nil
}

type missingHandlerError struct{ JobType string }

func (e *missingHandlerError) Error() string { return "no handler registered for job_type=" + e.JobType }

func errFromRecover(v any) error { return &panicError{Val: v} }

type panicError struct{ Val any }

func (e *panicError) Error() string { return fmt.Sprintf("internal error: %v", e.Val) }
