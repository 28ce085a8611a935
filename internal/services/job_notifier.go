package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/yungbote/feedforge-backend/internal/domain/jobs"
	"github.com/yungbote/feedforge-backend/internal/jobs/runtime"
	"github.com/yungbote/feedforge-backend/internal/realtime"
)

// JobNotifier turns journal writes and lifecycle changes into realtime frames.
// Log events go to the job channel only; status changes also reach the owner.
type JobNotifier interface {
	runtime.Notifier
	JobCreated(job *jobs.BuildJob)
	JobDeleted(job *jobs.BuildJob)
}

type jobNotifier struct {
	emit SSEEmitter
}

func NewJobNotifier(emit SSEEmitter) JobNotifier {
	return &jobNotifier{emit: emit}
}

func (n *jobNotifier) JobEvent(jobID uuid.UUID, ev *jobs.JobEvent) {
	if ev == nil {
		return
	}
	n.emit.Emit(context.Background(), realtime.SSEMessage{
		ID:      ev.ID,
		Channel: realtime.JobChannel(jobID),
		Event:   realtime.SSEEventJobEvent,
		Data:    ev,
	})
}

func (n *jobNotifier) JobStatus(job *jobs.BuildJob) {
	n.lifecycle(job, realtime.SSEEventJobStatus)
}

func (n *jobNotifier) JobCreated(job *jobs.BuildJob) {
	n.lifecycle(job, realtime.SSEEventJobCreated)
}

func (n *jobNotifier) JobDeleted(job *jobs.BuildJob) {
	n.lifecycle(job, realtime.SSEEventJobDeleted)
}

func (n *jobNotifier) lifecycle(job *jobs.BuildJob, event realtime.SSEEvent) {
	if job == nil {
		return
	}
	data := map[string]any{
		"job_id":          job.ID,
		"subscription_id": job.SubscriptionID,
		"status":          job.Status,
		"phase":           job.Phase,
		"error":           job.Error,
		"job":             job,
	}
	ctx := context.Background()
	n.emit.Emit(ctx, realtime.SSEMessage{Channel: realtime.JobChannel(job.ID), Event: event, Data: data})
	if job.OwnerUserID != uuid.Nil {
		n.emit.Emit(ctx, realtime.SSEMessage{Channel: realtime.UserChannel(job.OwnerUserID), Event: event, Data: data})
	}
}
