package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	repos "github.com/yungbote/feedforge-backend/internal/data/repos/jobs"
	"github.com/yungbote/feedforge-backend/internal/domain/jobs"
	"github.com/yungbote/feedforge-backend/internal/jobs/snapshot"
	"github.com/yungbote/feedforge-backend/internal/observability"
	"github.com/yungbote/feedforge-backend/internal/platform/dbctx"
	"github.com/yungbote/feedforge-backend/internal/platform/logger"
)

// Notifier receives every persisted event and every status change so that
// clients can follow a job live.
type Notifier interface {
	JobEvent(job uuid.UUID, ev *jobs.JobEvent)
	JobStatus(job *jobs.BuildJob)
}

type nopNotifier struct{}

func (nopNotifier) JobEvent(uuid.UUID, *jobs.JobEvent) {}
func (nopNotifier) JobStatus(*jobs.BuildJob)          {}

// Entry is an event before it is persisted.
type Entry struct {
	Phase       jobs.Phase
	Level       jobs.EventLevel
	Kind        jobs.EventKind
	ResourceKey string
	Message     string
	Payload     any
}

/*
Journal is the single writer of the progress log.
Every event goes through Append so that:
  - writes to a job deleted mid-run are dropped instead of surfacing as errors
  - the snapshot column is rebuilt after terminal events
  - the notifier sees exactly what was stored
*/
type Journal struct {
	Jobs   repos.BuildJobRepo
	Events repos.JobEventRepo
	Notify Notifier
	log    *logger.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func NewJournal(jobRepo repos.BuildJobRepo, eventRepo repos.JobEventRepo, notify Notifier, baseLog *logger.Logger) *Journal {
	if notify == nil {
		notify = nopNotifier{}
	}
	return &Journal{
		Jobs:   jobRepo,
		Events: eventRepo,
		Notify: notify,
		log:    baseLog.With("component", "JobJournal"),
		locks:  make(map[uuid.UUID]*sync.Mutex),
	}
}

// Append persists one event. A job that no longer exists yields (nil, nil).
func (j *Journal) Append(ctx context.Context, jobID uuid.UUID, e Entry) (*jobs.JobEvent, error) {
	ev := &jobs.JobEvent{
		JobID:       jobID,
		Phase:       e.Phase,
		Level:       e.Level,
		Kind:        e.Kind,
		ResourceKey: e.ResourceKey,
		Message:     e.Message,
		CreatedAt:   time.Now(),
	}
	if ev.Kind == "" {
		ev.Kind = jobs.KindPhase
	}
	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s event payload: %w", ev.Kind, err)
		}
		ev.Payload = datatypes.JSON(raw)
	}

	saved, err := j.Events.Append(dbctx.New(detach(ctx)), ev)
	if err != nil {
		if errors.Is(err, jobs.ErrJobGone) {
			j.log.Debug("Dropped event for deleted job", "job_id", jobID, "kind", ev.Kind, "resource_key", ev.ResourceKey)
			return nil, nil
		}
		return nil, err
	}
	j.Notify.JobEvent(jobID, saved)

	if saved.Level.Terminal() {
		if err := j.RefreshSnapshot(ctx, jobID); err != nil {
			j.log.Warn("Snapshot refresh failed", "job_id", jobID, "error", err)
		}
	}
	return saved, nil
}

// Result records the outcome of one resource.
func (j *Journal) Result(ctx context.Context, jobID uuid.UUID, res jobs.GenerationResult) error {
	level := jobs.LevelError
	msg := fmt.Sprintf("%s: %s", res.Resource.Title, res.Reason)
	if res.Accepted() {
		level = jobs.LevelSuccess
		msg = fmt.Sprintf("%s: %s", res.Resource.Title, res.Outcome)
	}
	_, err := j.Append(ctx, jobID, Entry{
		Phase:       jobs.PhaseGenerate,
		Level:       level,
		Kind:        jobs.KindResult,
		ResourceKey: res.Key,
		Message:     msg,
		Payload:     res,
	})
	if err == nil && res.Attempted {
		observability.Current().ObserveResult(string(res.Outcome))
	}
	return err
}

// Abort records a manual abort. It doubles as the resource's terminal result.
func (j *Journal) Abort(ctx context.Context, jobID uuid.UUID, res jobs.GenerationResult) error {
	res.Outcome = jobs.OutcomeFailed
	res.Reason = jobs.ReasonManualAbort
	_, err := j.Append(ctx, jobID, Entry{
		Phase:       jobs.PhaseGenerate,
		Level:       jobs.LevelError,
		Kind:        jobs.KindAbort,
		ResourceKey: res.Key,
		Message:     jobs.ReasonManualAbort,
		Payload:     res,
	})
	if err == nil {
		observability.Current().ObserveResult("aborted")
	}
	return err
}

// ResetResource drops every event of one resource ahead of a retry.
func (j *Journal) ResetResource(ctx context.Context, jobID uuid.UUID, key string) (int64, error) {
	n, err := j.Events.DeleteForResource(dbctx.New(detach(ctx)), jobID, key)
	if err != nil {
		return 0, err
	}
	if err := j.RefreshSnapshot(ctx, jobID); err != nil {
		j.log.Warn("Snapshot refresh failed", "job_id", jobID, "error", err)
	}
	return n, nil
}

func (j *Journal) List(ctx context.Context, jobID uuid.UUID, filter jobs.EventFilter) ([]*jobs.JobEvent, error) {
	return j.Events.List(dbctx.New(ctx), jobID, filter)
}

// RefreshSnapshot rebuilds the cached projection from the full log.
func (j *Journal) RefreshSnapshot(ctx context.Context, jobID uuid.UUID) error {
	lock := j.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	dbc := dbctx.New(detach(ctx))
	events, err := j.Events.List(dbc, jobID, jobs.EventFilter{})
	if err != nil {
		return err
	}
	raw, err := json.Marshal(snapshot.Rebuild(events))
	if err != nil {
		return err
	}
	return j.Jobs.UpdateFields(dbc, jobID, map[string]interface{}{
		"snapshot":   datatypes.JSON(raw),
		"updated_at": time.Now(),
	})
}

// Forget releases per-job bookkeeping once a job is deleted.
func (j *Journal) Forget(jobID uuid.UUID) {
	j.mu.Lock()
	delete(j.locks, jobID)
	j.mu.Unlock()
}

func (j *Journal) lockFor(jobID uuid.UUID) *sync.Mutex {
	j.mu.Lock()
	defer j.mu.Unlock()
	l, ok := j.locks[jobID]
	if !ok {
		l = &sync.Mutex{}
		j.locks[jobID] = l
	}
	return l
}

// detach keeps trace values but drops cancellation: an aborted task must still
// be able to write its final event.
func detach(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return context.WithoutCancel(ctx)
}
