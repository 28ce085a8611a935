package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/feedforge-backend/internal/domain/jobs"
	"github.com/yungbote/feedforge-backend/internal/platform/ctxutil"
	"github.com/yungbote/feedforge-backend/internal/platform/dbctx"
	"github.com/yungbote/feedforge-backend/internal/platform/logger"
)

/*
Context is the capability handle for one run of a build job.
Pipelines never write build_job or build_job_event directly; they go through:
  - Log / Progress for events
  - SetPhase / Fail / Complete for status transitions
Every status transition is guarded on status=creating, so a job that was
discarded or taken over while running is never overwritten.
*/
type Context struct {
	Ctx     context.Context
	Job     *jobs.BuildJob
	Journal *Journal
	Log     *logger.Logger
	payload jobs.RunPayload
}

/*
NewContext builds a handle for a claimed run.
The payload is decoded eagerly; a malformed payload is logged and treated as
empty rather than failing the run.
*/
func NewContext(ctx context.Context, job *jobs.BuildJob, journal *Journal, baseLog *logger.Logger) *Context {
	c := &Context{Ctx: ctx, Job: job, Journal: journal}
	if baseLog != nil && job != nil {
		c.Log = baseLog.With("job_id", job.ID, "subscription_id", job.SubscriptionID)
	} else {
		c.Log = baseLog
	}
	if job != nil && len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &c.payload); err != nil && c.Log != nil {
			c.Log.Warn("Ignoring malformed run payload", "error", err)
		}
	}
	c.applyTraceData()
	return c
}

func (c *Context) applyTraceData() {
	if c.Ctx == nil || c.Job == nil {
		return
	}
	c.Ctx = ctxutil.WithJob(c.Ctx, c.Job.ID.String())
}

func (c *Context) Payload() jobs.RunPayload { return c.payload }

func (c *Context) JobID() uuid.UUID {
	if c.Job == nil {
		return uuid.Nil
	}
	return c.Job.ID
}

func (c *Context) ctx() context.Context {
	if c.Ctx == nil {
		return context.Background()
	}
	return c.Ctx
}

// Emit appends an event for this job.
func (c *Context) Emit(e Entry) (*jobs.JobEvent, error) {
	return c.Journal.Append(c.ctx(), c.JobID(), e)
}

// Progress writes a non-terminal phase note. Failures are logged, not returned.
func (c *Context) Progress(phase jobs.Phase, msg string, payload any) {
	if _, err := c.Emit(Entry{Phase: phase, Level: jobs.LevelProgress, Kind: jobs.KindNote, Message: msg, Payload: payload}); err != nil {
		c.Log.Warn("Progress event not written", "phase", phase, "error", err)
	}
}

func (c *Context) Events(filter jobs.EventFilter) ([]*jobs.JobEvent, error) {
	return c.Journal.List(c.ctx(), c.JobID(), filter)
}

// Reload refreshes Job from storage. A deleted job yields jobs.ErrJobNotFound.
func (c *Context) Reload() (*jobs.BuildJob, error) {
	job, err := c.Journal.Jobs.GetByID(dbctx.New(c.ctx()), c.JobID())
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, jobs.ErrJobNotFound
	}
	c.Job = job
	return job, nil
}

// StillCreating reloads the job and reports whether this run still owns it.
func (c *Context) StillCreating() bool {
	job, err := c.Reload()
	if err != nil {
		if !errors.Is(err, jobs.ErrJobNotFound) {
			c.Log.Warn("Reload failed", "error", err)
		}
		return false
	}
	return job.Status == jobs.StatusCreating
}

// SetPhase records the phase being executed. It reports false when the job
// left creating in the meantime.
func (c *Context) SetPhase(p jobs.Phase) (bool, error) {
	ok, err := c.Journal.Jobs.UpdateFieldsIfStatus(dbctx.New(c.ctx()), c.JobID(), []jobs.BuildStatus{jobs.StatusCreating}, map[string]interface{}{
		"phase":      p,
		"updated_at": time.Now(),
	})
	if err != nil || !ok {
		return ok, err
	}
	c.Job.Phase = p
	c.Journal.Notify.JobStatus(c.Job)
	return true, nil
}

/*
Fail marks the job failed with reason err and writes an error phase event.
What it does:
  - status creating -> failed, error=<reason>, finished_at=now
  - writes the phase error event even if the row was already flipped, so the
    log explains why the phase stopped
  - notifies only when the status actually changed
*/
func (c *Context) Fail(phase jobs.Phase, err error) bool {
	reason := "failed"
	if err != nil {
		reason = err.Error()
	}
	// write the event before flipping the status so log readers never see a
	// failed job without its reason
	if _, werr := c.Emit(Entry{Phase: phase, Level: jobs.LevelError, Kind: jobs.KindPhase, Message: reason}); werr != nil {
		c.Log.Warn("Failure event not written", "phase", phase, "error", werr)
	}

	now := time.Now()
	ok, uerr := c.Journal.Jobs.UpdateFieldsIfStatus(dbctx.New(detach(c.ctx())), c.JobID(), []jobs.BuildStatus{jobs.StatusCreating}, map[string]interface{}{
		"status":      jobs.StatusFailed,
		"phase":       phase,
		"error":       reason,
		"finished_at": now,
		"updated_at":  now,
	})
	if uerr != nil {
		c.Log.Error("Could not mark job failed", "phase", phase, "error", uerr)
		return false
	}
	if !ok {
		return false
	}
	c.Job.Status = jobs.StatusFailed
	c.Job.Phase = phase
	c.Job.Error = reason
	c.Job.FinishedAt = &now
	c.Job.UpdatedAt = now
	c.Log.Info("Build job failed", "phase", phase, "reason", reason)
	c.Journal.Notify.JobStatus(c.Job)
	return true
}

/*
Complete marks the job complete and writes the complete success event.
Guarded the same way as Fail.
*/
func (c *Context) Complete(msg string, payload any) bool {
	now := time.Now()
	ok, err := c.Journal.Jobs.UpdateFieldsIfStatus(dbctx.New(detach(c.ctx())), c.JobID(), []jobs.BuildStatus{jobs.StatusCreating}, map[string]interface{}{
		"status":      jobs.StatusComplete,
		"phase":       jobs.PhaseComplete,
		"error":       "",
		"finished_at": now,
		"updated_at":  now,
	})
	if err != nil {
		c.Log.Error("Could not mark job complete", "error", err)
		return false
	}
	if !ok {
		return false
	}
	if _, err := c.Emit(Entry{Phase: jobs.PhaseComplete, Level: jobs.LevelSuccess, Kind: jobs.KindPhase, Message: msg, Payload: payload}); err != nil {
		c.Log.Warn("Completion event not written", "error", err)
	}
	c.Job.Status = jobs.StatusComplete
	c.Job.Phase = jobs.PhaseComplete
	c.Job.Error = ""
	c.Job.FinishedAt = &now
	c.Job.UpdatedAt = now
	c.Journal.Notify.JobStatus(c.Job)
	return true
}

// SavePayload replaces the stored run payload.
func (c *Context) SavePayload(p jobs.RunPayload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode run payload: %w", err)
	}
	if err := c.Journal.Jobs.UpdateFields(dbctx.New(c.ctx()), c.JobID(), map[string]interface{}{
		"payload":    datatypes.JSON(raw),
		"updated_at": time.Now(),
	}); err != nil {
		return err
	}
	c.payload = p
	return nil
}

// PhaseError is returned by a phase to fail the job with a readable reason.
type PhaseError struct {
	Phase  jobs.Phase
	Reason string
	Err    error
}

func (e *PhaseError) Error() string {
	switch {
	case e.Err != nil && strings.TrimSpace(e.Reason) != "":
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Reason
	}
}

func (e *PhaseError) Unwrap() error { return e.Err }
