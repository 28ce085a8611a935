// Package recovery fails build jobs left in creating by a process that died.
package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/yungbote/feedforge-backend/internal/domain/jobs"
	"github.com/yungbote/feedforge-backend/internal/jobs/runtime"
	"github.com/yungbote/feedforge-backend/internal/observability"
	"github.com/yungbote/feedforge-backend/internal/platform/dbctx"
	"github.com/yungbote/feedforge-backend/internal/platform/logger"
)

const lockName = "feedforge:orphan-sweep"

// Locker guards the sweep across instances sharing a database.
type Locker interface {
	TryLock(ctx context.Context, name string) (bool, func(), error)
}

type Sweeper struct {
	journal *runtime.Journal
	live    func(job *jobs.BuildJob) bool
	locker  Locker
	log     *logger.Logger

	once  sync.Once
	swept int
	err   error
}

func NewSweeper(journal *runtime.Journal, live func(job *jobs.BuildJob) bool, locker Locker, baseLog *logger.Logger) *Sweeper {
	return &Sweeper{
		journal: journal,
		live:    live,
		locker:  locker,
		log:     baseLog.With("component", "OrphanSweep"),
	}
}

// Sweep runs at most once per Sweeper. Later calls return the first result.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	s.once.Do(func() {
		s.swept, s.err = s.sweep(ctx)
	})
	return s.swept, s.err
}

func (s *Sweeper) sweep(ctx context.Context) (int, error) {
	if s.locker != nil {
		ok, release, err := s.locker.TryLock(ctx, lockName)
		if err != nil {
			return 0, err
		}
		if !ok {
			s.log.Info("Another instance is sweeping; skipping")
			return 0, nil
		}
		defer release()
	}

	orphans, err := s.journal.Jobs.ListByStatus(dbctx.New(ctx), jobs.StatusCreating)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range orphans {
		if s.live != nil && s.live(job) {
			continue
		}
		now := time.Now()
		ok, err := s.journal.Jobs.UpdateFieldsIfStatus(dbctx.New(ctx), job.ID, []jobs.BuildStatus{jobs.StatusCreating}, map[string]interface{}{
			"status":      jobs.StatusFailed,
			"error":       jobs.ReasonInterrupted,
			"finished_at": now,
			"updated_at":  now,
		})
		if err != nil {
			return n, err
		}
		// the job moved on since it was listed; it was not interrupted
		if !ok {
			continue
		}
		if _, err := s.journal.Append(ctx, job.ID, runtime.Entry{
			Phase:   phaseOf(job),
			Level:   jobs.LevelError,
			Kind:    jobs.KindPhase,
			Message: jobs.ReasonInterrupted,
		}); err != nil {
			s.log.Warn("Interrupt event not written", "job_id", job.ID, "error", err)
		}
		job.Status = jobs.StatusFailed
		job.Error = jobs.ReasonInterrupted
		job.FinishedAt = &now
		s.journal.Notify.JobStatus(job)
		n++
	}
	if n > 0 {
		s.log.Warn("Failed orphaned build jobs", "count", n)
		observability.Current().AddSwept(n)
	}
	return n, nil
}

func phaseOf(job *jobs.BuildJob) jobs.Phase {
	if job.Phase.Valid() {
		return job.Phase
	}
	return jobs.PhaseDiscover
}
