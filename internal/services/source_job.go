package services

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
	"github.com/yungbote/feedforge-backend/internal/jobs/cancel"
	"github.com/yungbote/feedforge-backend/internal/jobs/runtime"
	"github.com/yungbote/feedforge-backend/internal/jobs/scheduler"
	"github.com/yungbote/feedforge-backend/internal/jobs/snapshot"
	"github.com/yungbote/feedforge-backend/internal/jobs/usage"
	"github.com/yungbote/feedforge-backend/internal/platform/dbctx"
	"github.com/yungbote/feedforge-backend/internal/platform/logger"
)

var (
	ErrActiveJobExists = jobs.ErrActiveJobExists
	ErrJobNotFound     = jobs.ErrJobNotFound
	// ErrJobNotRunning is returned by Discard for a job that is not creating.
	ErrJobNotRunning = errors.New("build job is not running")
	// ErrJobRunning is returned by Run while a run of the job is queued or executing.
	ErrJobRunning      = errors.New("build job is already running")
	ErrJobFinished     = errors.New("build job already completed")
	ErrTakenOver       = errors.New("build job was already taken over")
	ErrUnknownResource = errors.New("resource is not part of this build job")
	ErrInvalidRequest  = errors.New("invalid request")

	// ErrGenerationClosed is returned by Retry while a live run is past generation.
	ErrGenerationClosed = errors.New("build job has finished generating")
)

// JobSubmitter queues a run; satisfied by worker.Worker.
type JobSubmitter interface {
	Submit(jobID uuid.UUID, jobType string) error
}

// TaskController is the per-resource control surface; satisfied by scheduler.Scheduler.
type TaskController interface {
	Abort(ctx context.Context, jobID uuid.UUID, key string) error
	AbortAll(jobID uuid.UUID) int
	Retry(ctx context.Context, jobID uuid.UUID, res jobs.DiscoveredResource, hint string) error
	Running(jobID uuid.UUID) []string
}

type CreateSourceJobInput struct {
	SubscriptionID uuid.UUID
	OwnerUserID    uuid.UUID
	Topic          string
	Criteria       string
	Payload        *jobs.RunPayload
	// Start queues the first run immediately; otherwise the job is created idle.
	Start bool
}

type SourceJobStatus struct {
	Job      *jobs.BuildJob                  `json:"job"`
	Snapshot jobs.Snapshot                   `json:"snapshot"`
	Log      map[jobs.Phase][]*jobs.JobEvent `json:"log"`
	Running  []string                        `json:"running"`
	Live     bool                            `json:"live"`
	Usage    usage.Summary                   `json:"usage"`
}

type SourceJobService interface {
	Create(ctx context.Context, in CreateSourceJobInput) (*jobs.BuildJob, error)
	Get(ctx context.Context, jobID uuid.UUID) (*jobs.BuildJob, error)
	ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]*jobs.BuildJob, error)
	// Run queues a run. An empty startPhase resumes from the stored phase.
	Run(ctx context.Context, jobID uuid.UUID, startPhase jobs.Phase, payload *jobs.RunPayload) (*jobs.BuildJob, error)
	// Abort stops one resource. It reports false when nothing was running.
	Abort(ctx context.Context, jobID uuid.UUID, resourceURL string) (bool, error)
	// AbortAll silently cancels every task of the job for a handoff.
	AbortAll(ctx context.Context, jobID uuid.UUID) (int, error)
	Retry(ctx context.Context, jobID uuid.UUID, resourceURL, hint string) error
	Discard(ctx context.Context, jobID uuid.UUID) (*jobs.BuildJob, error)
	Takeover(ctx context.Context, jobID uuid.UUID) (*jobs.BuildJob, error)
	Delete(ctx context.Context, jobID uuid.UUID) error
	Status(ctx context.Context, jobID uuid.UUID) (*SourceJobStatus, error)
	Events(ctx context.Context, jobID uuid.UUID, filter jobs.EventFilter) ([]*jobs.JobEvent, error)
	Usage(jobID uuid.UUID) usage.Summary
}

type sourceJobService struct {
	journal *runtime.Journal
	tasks   TaskController
	submit  JobSubmitter
	tokens  *cancel.Registry
	ledger  *usage.Ledger
	notify  JobNotifier
	jobType string
	log     *logger.Logger
}

func NewSourceJobService(
	journal *runtime.Journal,
	tasks TaskController,
	submit JobSubmitter,
	tokens *cancel.Registry,
	ledger *usage.Ledger,
	notify JobNotifier,
	jobType string,
	baseLog *logger.Logger,
) SourceJobService {
	return &sourceJobService{
		journal: journal,
		tasks:   tasks,
		submit:  submit,
		tokens:  tokens,
		ledger:  ledger,
		notify:  notify,
		jobType: jobType,
		log:     baseLog.With("service", "SourceJobService"),
	}
}

func (s *sourceJobService) Create(ctx context.Context, in CreateSourceJobInput) (*jobs.BuildJob, error) {
	topic := strings.TrimSpace(in.Topic)
	if topic == "" {
		return nil, fmt.Errorf("%w: missing topic", ErrInvalidRequest)
	}
	if in.SubscriptionID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing subscription_id", ErrInvalidRequest)
	}
	job := &jobs.BuildJob{
		SubscriptionID: in.SubscriptionID,
		OwnerUserID:    in.OwnerUserID,
		Topic:          topic,
		Criteria:       strings.TrimSpace(in.Criteria),
		Status:         jobs.StatusIdle,
		Phase:          jobs.PhaseDiscover,
	}
	if in.Start {
		job.Status = jobs.StatusCreating
	}
	if in.Payload != nil {
		raw, err := encodePayload(*in.Payload)
		if err != nil {
			return nil, err
		}
		job.Payload = raw
	}
	created, err := s.journal.Jobs.Create(dbctx.New(ctx), job)
	if err != nil {
		return nil, err
	}
	s.log.Info("Build job created", "job_id", created.ID, "subscription_id", created.SubscriptionID, "start", in.Start)
	s.notify.JobCreated(created)
	if in.Start {
		if err := s.dispatch(ctx, created); err != nil {
			return nil, err
		}
	}
	return created, nil
}

func (s *sourceJobService) Get(ctx context.Context, jobID uuid.UUID) (*jobs.BuildJob, error) {
	job, err := s.journal.Jobs.GetByID(dbctx.New(ctx), jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

func (s *sourceJobService) ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]*jobs.BuildJob, error) {
	return s.journal.Jobs.ListBySubscription(dbctx.New(ctx), subscriptionID)
}

/*
Run queues a run of an existing job.
  - idle and failed jobs are reopened and resume from their stored phase
  - a creating job with no live run (left behind by a crash that the sweep
    has not seen yet) is resubmitted as is
  - startPhase, when given, replaces the stored phase; a caller handing off
    resources and results starts at generate
  - a payload, when given, replaces the stored one
*/
func (s *sourceJobService) Run(ctx context.Context, jobID uuid.UUID, startPhase jobs.Phase, payload *jobs.RunPayload) (*jobs.BuildJob, error) {
	if startPhase != "" && !startPhase.Valid() {
		return nil, fmt.Errorf("%w: unknown start phase %q", ErrInvalidRequest, startPhase)
	}
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if s.tokens.HasLive(jobID) {
		return nil, ErrJobRunning
	}
	if job.Status == jobs.StatusComplete {
		return nil, ErrJobFinished
	}
	if job.TakenOverBy != nil {
		return nil, ErrTakenOver
	}
	updates := map[string]interface{}{}
	if startPhase != "" {
		updates["phase"] = startPhase
	}
	if payload != nil {
		raw, err := encodePayload(*payload)
		if err != nil {
			return nil, err
		}
		updates["payload"] = raw
	}
	if job.Status != jobs.StatusCreating {
		if err := s.reopen(ctx, job, updates); err != nil {
			return nil, err
		}
	} else if len(updates) > 0 {
		if err := s.journal.Jobs.UpdateFields(dbctx.New(ctx), jobID, updates); err != nil {
			return nil, err
		}
	}
	if job, err = s.Get(ctx, jobID); err != nil {
		return nil, err
	}
	if err := s.dispatch(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *sourceJobService) Abort(ctx context.Context, jobID uuid.UUID, resourceURL string) (bool, error) {
	if _, err := s.Get(ctx, jobID); err != nil {
		return false, err
	}
	key := jobs.ResourceKey(resourceURL)
	if key == "" {
		return false, fmt.Errorf("%w: missing resource url", ErrInvalidRequest)
	}
	if err := s.tasks.Abort(ctx, jobID, key); err != nil {
		if errors.Is(err, scheduler.ErrNotRunning) {
			return false, nil
		}
		return false, err
	}
	s.log.Info("Resource aborted", "job_id", jobID, "resource_key", key)
	return true, nil
}

func (s *sourceJobService) AbortAll(ctx context.Context, jobID uuid.UUID) (int, error) {
	if _, err := s.Get(ctx, jobID); err != nil {
		return 0, err
	}
	return s.tasks.AbortAll(jobID), nil
}

/*
Retry re-attempts one resource.
While the job's run is live the task is attached to it and the generate phase
waits for it. A live run that has already left generate refuses the retry
rather than being superseded mid-completion. Otherwise the resource's log is cleared and the job is reopened
at generate with the hint stored in the payload, so the new run picks up just
the missing resource.
*/
func (s *sourceJobService) Retry(ctx context.Context, jobID uuid.UUID, resourceURL, hint string) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == jobs.StatusComplete {
		return ErrJobFinished
	}
	if job.TakenOverBy != nil {
		return ErrTakenOver
	}
	res, err := s.findResource(ctx, job, resourceURL)
	if err != nil {
		return err
	}
	hint = strings.TrimSpace(hint)

	if s.tokens.HasLive(jobID) {
		err := s.tasks.Retry(ctx, jobID, res, hint)
		if err == nil {
			s.log.Info("Retry attached to live run", "job_id", jobID, "resource_key", res.Key())
			return nil
		}
		if errors.Is(err, scheduler.ErrBatchClosed) {
			return ErrGenerationClosed
		}
		if !errors.Is(err, scheduler.ErrJobIdle) {
			return err
		}
		// the batch may have been forgotten while the run is finishing
		if job, err = s.Get(ctx, jobID); err != nil {
			return err
		}
		if job.Status == jobs.StatusComplete {
			return ErrJobFinished
		}
		if job.Status == jobs.StatusCreating && job.Phase == jobs.PhaseComplete && s.tokens.HasLive(jobID) {
			return ErrGenerationClosed
		}
	}

	if _, err := s.journal.ResetResource(ctx, jobID, res.Key()); err != nil {
		return err
	}
	payload := decodePayload(job)
	if payload.Hints == nil {
		payload.Hints = map[string]string{}
	}
	payload.Hints[res.Key()] = hint
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	updates := map[string]interface{}{"payload": raw, "phase": jobs.PhaseGenerate}
	if job.Status == jobs.StatusCreating {
		if err := s.journal.Jobs.UpdateFields(dbctx.New(ctx), jobID, updates); err != nil {
			return err
		}
	} else if err := s.reopen(ctx, job, updates); err != nil {
		return err
	}
	if job, err = s.Get(ctx, jobID); err != nil {
		return err
	}
	s.log.Info("Retry queued as new run", "job_id", jobID, "resource_key", res.Key())
	return s.dispatch(ctx, job)
}

func (s *sourceJobService) Discard(ctx context.Context, jobID uuid.UUID) (*jobs.BuildJob, error) {
	if _, err := s.Get(ctx, jobID); err != nil {
		return nil, err
	}
	ok, err := s.journal.Jobs.UpdateFieldsIfStatus(dbctx.New(ctx), jobID, []jobs.BuildStatus{jobs.StatusCreating}, map[string]interface{}{
		"status": jobs.StatusIdle,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrJobNotRunning
	}
	n := s.tasks.AbortAll(jobID)
	s.log.Info("Build job discarded", "job_id", jobID, "cancelled", n)
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.notify.JobStatus(job)
	return job, nil
}

/*
Takeover replaces a job with a fresh one for the same subscription.
The old job is flipped to failed first, which frees the subscription's active
slot and makes the old run stop at its next status check. The new job starts
at generate with the old discovery and accepted results, so only the missing
resources are built again.
*/
func (s *sourceJobService) Takeover(ctx context.Context, jobID uuid.UUID) (*jobs.BuildJob, error) {
	old, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if old.Status == jobs.StatusComplete {
		return nil, ErrJobFinished
	}
	if old.TakenOverBy != nil {
		return nil, ErrTakenOver
	}
	s.tasks.AbortAll(jobID)

	events, err := s.journal.List(ctx, jobID, jobs.EventFilter{})
	if err != nil {
		return nil, err
	}
	seed := decodePayload(old)
	seed.Hints = nil
	phase := jobs.PhaseDiscover
	if state, disc := snapshot.Discover(events); state == snapshot.DiscoverDone && disc != nil {
		seed.Resources = disc.Discovered
		seed.Selected = disc.Selected
		phase = jobs.PhaseGenerate
	} else if len(seed.Resources) > 0 {
		phase = jobs.PhaseGenerate
	}
	seed.Results = nil
	for _, r := range snapshot.LatestResults(events) {
		if r.Accepted() {
			seed.Results = append(seed.Results, r)
		}
	}

	now := time.Now()
	ok, err := s.journal.Jobs.UpdateFieldsIfStatus(dbctx.New(ctx), jobID,
		[]jobs.BuildStatus{jobs.StatusCreating, jobs.StatusFailed, jobs.StatusIdle},
		map[string]interface{}{
			"status":      jobs.StatusFailed,
			"error":       jobs.ReasonTakenOver,
			"finished_at": now,
		})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrJobFinished
	}
	if _, err := s.journal.Append(ctx, jobID, runtime.Entry{
		Phase:   old.Phase,
		Level:   jobs.LevelError,
		Kind:    jobs.KindPhase,
		Message: jobs.ReasonTakenOver,
	}); err != nil {
		s.log.Warn("Could not record takeover on old job", "job_id", jobID, "error", err)
	}

	raw, err := encodePayload(seed)
	if err != nil {
		return nil, err
	}
	next, err := s.journal.Jobs.Create(dbctx.New(ctx), &jobs.BuildJob{
		SubscriptionID: old.SubscriptionID,
		OwnerUserID:    old.OwnerUserID,
		Topic:          old.Topic,
		Criteria:       old.Criteria,
		Status:         jobs.StatusCreating,
		Phase:          phase,
		Payload:        raw,
	})
	if err != nil {
		return nil, err
	}
	if err := s.journal.Jobs.UpdateFields(dbctx.New(ctx), jobID, map[string]interface{}{"taken_over_by": next.ID}); err != nil {
		return nil, err
	}
	if old, err = s.Get(ctx, jobID); err == nil {
		s.notify.JobStatus(old)
	}
	s.notify.JobCreated(next)
	s.log.Info("Build job taken over", "job_id", jobID, "new_job_id", next.ID, "phase", phase, "seeded_results", len(seed.Results))
	if err := s.dispatch(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *sourceJobService) Delete(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	s.tasks.AbortAll(jobID)
	if err := s.journal.Jobs.Delete(dbctx.New(ctx), jobID); err != nil {
		return err
	}
	s.journal.Forget(jobID)
	s.ledger.Forget(jobID)
	s.notify.JobDeleted(job)
	s.log.Info("Build job deleted", "job_id", jobID)
	return nil
}

func (s *sourceJobService) Status(ctx context.Context, jobID uuid.UUID) (*SourceJobStatus, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	events, err := s.journal.List(ctx, jobID, jobs.EventFilter{})
	if err != nil {
		return nil, err
	}
	running := s.tasks.Running(jobID)
	if running == nil {
		running = []string{}
	}
	return &SourceJobStatus{
		Job:      job,
		Snapshot: snapshot.Rebuild(events),
		Log:      snapshot.GroupByPhase(events),
		Running:  running,
		Live:     s.tokens.HasLive(jobID),
		Usage:    s.ledger.Summary(jobID),
	}, nil
}

func (s *sourceJobService) Events(ctx context.Context, jobID uuid.UUID, filter jobs.EventFilter) ([]*jobs.JobEvent, error) {
	if _, err := s.Get(ctx, jobID); err != nil {
		return nil, err
	}
	return s.journal.List(ctx, jobID, filter)
}

func (s *sourceJobService) Usage(jobID uuid.UUID) usage.Summary {
	return s.ledger.Summary(jobID)
}

// reopen moves an idle or failed job back to creating, applying extra updates.
func (s *sourceJobService) reopen(ctx context.Context, job *jobs.BuildJob, extra map[string]interface{}) error {
	dbc := dbctx.New(ctx)
	active, err := s.journal.Jobs.GetActiveBySubscription(dbc, job.SubscriptionID)
	if err != nil {
		return err
	}
	if active != nil && active.ID != job.ID {
		return ErrActiveJobExists
	}
	updates := map[string]interface{}{
		"status":      jobs.StatusCreating,
		"error":       "",
		"finished_at": nil,
	}
	for k, v := range extra {
		updates[k] = v
	}
	ok, err := s.journal.Jobs.UpdateFieldsIfStatus(dbc, job.ID, []jobs.BuildStatus{jobs.StatusIdle, jobs.StatusFailed}, updates)
	if err != nil {
		return err
	}
	if !ok {
		return ErrJobRunning
	}
	return nil
}

// dispatch queues the run. A job that cannot be queued is failed so it never
// sits in creating with nothing behind it.
func (s *sourceJobService) dispatch(ctx context.Context, job *jobs.BuildJob) error {
	err := s.submit.Submit(job.ID, s.jobType)
	if err == nil {
		s.notify.JobStatus(job)
		return nil
	}
	s.log.Warn("Could not queue build job", "job_id", job.ID, "error", err)
	jc := runtime.NewContext(context.WithoutCancel(ctx), job, s.journal, s.log)
	jc.Fail(job.Phase, fmt.Errorf("queue run: %w", err))
	return fmt.Errorf("queue run: %w", err)
}

func (s *sourceJobService) findResource(ctx context.Context, job *jobs.BuildJob, raw string) (jobs.DiscoveredResource, error) {
	key := jobs.ResourceKey(raw)
	if key == "" {
		return jobs.DiscoveredResource{}, fmt.Errorf("%w: missing resource url", ErrInvalidRequest)
	}
	events, err := s.journal.List(ctx, job.ID, jobs.EventFilter{})
	if err != nil {
		return jobs.DiscoveredResource{}, err
	}
	if _, disc := snapshot.Discover(events); disc != nil {
		for _, r := range disc.Discovered {
			if r.Key() == key {
				return r, nil
			}
		}
	}
	for _, r := range snapshot.LatestResults(events) {
		if r.Key == key {
			return r.Resource, nil
		}
	}
	for _, r := range decodePayload(job).Resources {
		if r.Key() == key {
			return r, nil
		}
	}
	return jobs.DiscoveredResource{}, ErrUnknownResource
}

func decodePayload(job *jobs.BuildJob) jobs.RunPayload {
	var p jobs.RunPayload
	if job != nil && len(job.Payload) > 0 {
		_ = json.Unmarshal(job.Payload, &p)
	}
	return p
}

func encodePayload(p jobs.RunPayload) (datatypes.JSON, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode run payload: %w", err)
	}
	return datatypes.JSON(raw), nil
}
