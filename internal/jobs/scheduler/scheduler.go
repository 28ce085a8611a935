// Package scheduler runs per-resource generation tasks for build jobs with a
// bounded number in flight per job.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/yungbote/feedforge-backend/internal/domain/jobs"
	"github.com/yungbote/feedforge-backend/internal/jobs/cancel"
	"github.com/yungbote/feedforge-backend/internal/platform/logger"
)

const DefaultConcurrency = 5

var (
	// ErrNotRunning is returned by Abort for a resource with no live task.
	ErrNotRunning = errors.New("resource is not running")
	// ErrJobIdle is returned by Retry when the job has no active run to attach to.
	ErrJobIdle = errors.New("job has no active run")
	// ErrBatchClosed is returned by Retry once the run has finished generating.
	ErrBatchClosed = errors.New("job run is past generation")
)

// Generator builds the collector for one resource. A returned error becomes
// a failed result; it never aborts the batch.
type Generator interface {
	Generate(ctx context.Context, job *jobs.BuildJob, res jobs.DiscoveredResource, hint string) (jobs.GenerationResult, error)
}

// Recorder persists task outcomes.
type Recorder interface {
	Result(ctx context.Context, jobID uuid.UUID, res jobs.GenerationResult) error
	Abort(ctx context.Context, jobID uuid.UUID, res jobs.GenerationResult) error
	ResetResource(ctx context.Context, jobID uuid.UUID, key string) (int64, error)
}

type task struct {
	gen uint64
	res jobs.DiscoveredResource
}

type jobState struct {
	job *jobs.BuildJob
	sem *semaphore.Weighted

	// mu serializes result writes, aborts and retries for the job so that a
	// resource never gets two terminal events from racing paths.
	mu       sync.Mutex
	gen      uint64
	running  map[string]task
	inflight int
	idle     chan struct{}

	// closed is set once the batch has drained; no task may start after it.
	closed bool
}

type Scheduler struct {
	gen         Generator
	rec         Recorder
	tokens      *cancel.Registry
	concurrency int
	log         *logger.Logger

	mu   sync.Mutex
	jobs map[uuid.UUID]*jobState
}

func New(gen Generator, rec Recorder, tokens *cancel.Registry, concurrency int, baseLog *logger.Logger) *Scheduler {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	return &Scheduler{
		gen:         gen,
		rec:         rec,
		tokens:      tokens,
		concurrency: concurrency,
		log:         baseLog.With("component", "SourceScheduler"),
		jobs:        make(map[uuid.UUID]*jobState),
	}
}

func (s *Scheduler) state(job *jobs.BuildJob) *jobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.jobs[job.ID]
	if !ok {
		st = &jobState{
			job:     job,
			sem:     semaphore.NewWeighted(int64(s.concurrency)),
			running: make(map[string]task),
		}
		s.jobs[job.ID] = st
	}
	return st
}

func (s *Scheduler) lookup(jobID uuid.UUID) *jobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[jobID]
}

// RunBatch schedules every resource and waits until the job has nothing in
// flight, including retries started meanwhile. Once drained the batch is
// closed and later retries get ErrBatchClosed. hints is keyed by resource key
// and may be nil. It returns early only when ctx is cancelled.
func (s *Scheduler) RunBatch(ctx context.Context, job *jobs.BuildJob, resources []jobs.DiscoveredResource, hints map[string]string) error {
	st := s.state(job)
	var g errgroup.Group
	st.mu.Lock()
	st.closed = false
	for _, res := range resources {
		g.Go(s.launch(ctx, st, res, hints[res.Key()]))
	}
	st.mu.Unlock()
	if err := g.Wait(); err != nil {
		return err
	}
	return s.drain(ctx, st)
}

// drain waits for retries started during the batch and closes it in the same
// critical section that observes it empty.
func (s *Scheduler) drain(ctx context.Context, st *jobState) error {
	for {
		st.mu.Lock()
		if st.inflight == 0 || ctx.Err() != nil {
			st.closed = true
			st.mu.Unlock()
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			return nil
		}
		idle := st.idle
		st.mu.Unlock()
		select {
		case <-idle:
		case <-ctx.Done():
		}
	}
}

// Wait blocks until no task of the job is in flight.
func (s *Scheduler) Wait(ctx context.Context, jobID uuid.UUID) error {
	st := s.lookup(jobID)
	if st == nil {
		return nil
	}
	for {
		st.mu.Lock()
		if st.inflight == 0 {
			st.mu.Unlock()
			return nil
		}
		idle := st.idle
		st.mu.Unlock()
		select {
		case <-idle:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

// Running lists the resource keys with a live task.
func (s *Scheduler) Running(jobID uuid.UUID) []string {
	st := s.lookup(jobID)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]string, 0, len(st.running))
	for k := range st.running {
		out = append(out, k)
	}
	return out
}

// Active reports whether any token of the job is live in this process.
func (s *Scheduler) Active(jobID uuid.UUID) bool { return s.tokens.HasLive(jobID) }

// Abort stops one resource and records exactly one "manually aborted" event.
// Aborting a resource that is not running returns ErrNotRunning.
func (s *Scheduler) Abort(ctx context.Context, jobID uuid.UUID, key string) error {
	st := s.lookup(jobID)
	if st == nil {
		return ErrNotRunning
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	t, ok := st.running[key]
	if !ok {
		return ErrNotRunning
	}
	delete(st.running, key)
	s.tokens.Cancel(jobID, key, cancel.ErrManualAbort)
	s.log.Info("Resource aborted", "job_id", jobID, "resource_key", key)
	return s.rec.Abort(ctx, jobID, jobs.GenerationResult{
		Resource:   t.res,
		Key:        key,
		Outcome:    jobs.OutcomeFailed,
		Reason:     jobs.ReasonManualAbort,
		Provenance: jobs.ProvenanceNone,
		Attempted:  true,
	})
}

// AbortAll cancels every token of the job, the job-level one included, and
// writes nothing. Used for handoff and discard.
func (s *Scheduler) AbortAll(jobID uuid.UUID) int {
	n := s.tokens.CancelAll(jobID, cancel.ErrHandoff)
	if st := s.lookup(jobID); st != nil {
		st.mu.Lock()
		clear(st.running)
		st.mu.Unlock()
	}
	return n
}

// Retry restarts generation for one resource inside the job's active run.
// Prior events of the resource are dropped and any stale task is superseded.
// A run that has finished generating refuses with ErrBatchClosed and keeps
// the resource's result.
func (s *Scheduler) Retry(ctx context.Context, jobID uuid.UUID, res jobs.DiscoveredResource, hint string) error {
	st := s.lookup(jobID)
	parent, live := s.tokens.Context(jobID, cancel.JobKey)
	if st == nil || !live || parent.Err() != nil {
		return ErrJobIdle
	}
	key := res.Key()

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return ErrBatchClosed
	}
	// drop the stale task first so it cannot record after the reset
	delete(st.running, key)
	s.tokens.Cancel(jobID, key, cancel.ErrSuperseded)
	if _, err := s.rec.ResetResource(ctx, jobID, key); err != nil {
		return fmt.Errorf("reset %s: %w", key, err)
	}

	s.log.Info("Retrying resource", "job_id", jobID, "resource_key", key, "hinted", hint != "")
	body := s.launch(parent, st, res, hint)
	go body()
	return nil
}

// Forget drops the job's bookkeeping once its run is over.
func (s *Scheduler) Forget(jobID uuid.UUID) {
	s.mu.Lock()
	delete(s.jobs, jobID)
	s.mu.Unlock()
}

// launch registers the task and returns its body. The caller holds st.mu, so
// the task counts as in flight before the batch can be seen drained.
func (s *Scheduler) launch(parent context.Context, st *jobState, res jobs.DiscoveredResource, hint string) func() error {
	key := res.Key()
	ctx, tok := s.tokens.Issue(parent, st.job.ID, key)

	st.gen++
	t := task{gen: st.gen, res: res}
	st.running[key] = t
	if st.inflight == 0 {
		st.idle = make(chan struct{})
	}
	st.inflight++

	return func() error {
		defer func() {
			tok.Release()
			st.mu.Lock()
			if cur, ok := st.running[key]; ok && cur.gen == t.gen {
				delete(st.running, key)
			}
			st.inflight--
			if st.inflight == 0 {
				close(st.idle)
			}
			st.mu.Unlock()
		}()
		s.run(ctx, st, t, hint)
		return nil
	}
}

func (s *Scheduler) run(ctx context.Context, st *jobState, t task, hint string) {
	key := t.res.Key()
	if err := st.sem.Acquire(ctx, 1); err != nil {
		return
	}
	result := s.generate(ctx, st.job, t.res, hint)
	st.sem.Release(1)

	st.mu.Lock()
	defer st.mu.Unlock()
	cur, ok := st.running[key]
	if !ok || cur.gen != t.gen {
		// aborted or superseded; whoever did that owns the terminal event
		return
	}
	delete(st.running, key)
	if ctx.Err() != nil {
		s.log.Debug("Task cancelled", "job_id", st.job.ID, "resource_key", key, "cause", context.Cause(ctx))
		return
	}
	if err := s.rec.Result(ctx, st.job.ID, result); err != nil {
		s.log.Error("Could not record result", "job_id", st.job.ID, "resource_key", key, "error", err)
	}
}

// generate calls the generator and turns errors and panics into a failed result.
func (s *Scheduler) generate(ctx context.Context, job *jobs.BuildJob, res jobs.DiscoveredResource, hint string) (out jobs.GenerationResult) {
	key := res.Key()
	failed := func(reason string) jobs.GenerationResult {
		return jobs.GenerationResult{
			Resource:   res,
			Key:        key,
			Outcome:    jobs.OutcomeFailed,
			Reason:     reason,
			Provenance: jobs.ProvenanceNone,
			Attempted:  true,
		}
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Generator panic", "job_id", job.ID, "resource_key", key, "panic", r, "stack", string(debug.Stack()))
			out = failed(fmt.Sprintf("internal error: %v", r))
		}
	}()

	result, err := s.gen.Generate(ctx, job, res, hint)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("Generation failed", "job_id", job.ID, "resource_key", key, "error", err)
		}
		return failed(err.Error())
	}
	result.Resource = res
	result.Key = key
	result.Attempted = true
	if result.Outcome == "" {
		result.Outcome = jobs.OutcomeFailed
	}
	return result
}
