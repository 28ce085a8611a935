package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domain "github.com/yungbote/feedforge-backend/internal/domain/jobs"
	"github.com/yungbote/feedforge-backend/internal/platform/dbctx"
	"github.com/yungbote/feedforge-backend/internal/platform/logger"
)

type JobEventRepo interface {
	// Append writes one event. It returns domain.ErrJobGone when the job row
	// has been deleted in the meantime.
	Append(dbc dbctx.Context, ev *domain.JobEvent) (*domain.JobEvent, error)
	List(dbc dbctx.Context, jobID uuid.UUID, filter domain.EventFilter) ([]*domain.JobEvent, error)
	DeleteForResource(dbc dbctx.Context, jobID uuid.UUID, resourceKey string) (int64, error)
}

type jobEventRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobEventRepo(db *gorm.DB, baseLog *logger.Logger) JobEventRepo {
	return &jobEventRepo{
		db:  db,
		log: baseLog.With("repo", "JobEventRepo"),
	}
}

func (r *jobEventRepo) Append(dbc dbctx.Context, ev *domain.JobEvent) (*domain.JobEvent, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	err := transaction.WithContext(dbc.Context()).Transaction(func(txx *gorm.DB) error {
		// FOR SHARE holds off a concurrent Delete until this insert commits
		var ids []uuid.UUID
		if err := txx.Model(&domain.BuildJob{}).
			Clauses(clause.Locking{Strength: "SHARE"}).
			Where("id = ?", ev.JobID).
			Limit(1).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return domain.ErrJobGone
		}
		return txx.Create(ev).Error
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (r *jobEventRepo) List(dbc dbctx.Context, jobID uuid.UUID, filter domain.EventFilter) ([]*domain.JobEvent, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(dbc.Context()).
		Where("job_id = ?", jobID)
	if filter.Phase != "" {
		q = q.Where("phase = ?", filter.Phase)
	}
	if filter.Level != "" {
		q = q.Where("level = ?", filter.Level)
	}
	if filter.Kind != "" {
		q = q.Where("kind = ?", filter.Kind)
	}
	if filter.ResourceKey != nil {
		q = q.Where("resource_key = ?", *filter.ResourceKey)
	}
	if filter.AfterID > 0 {
		q = q.Where("id > ?", filter.AfterID)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var out []*domain.JobEvent
	if err := q.Order("id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobEventRepo) DeleteForResource(dbc dbctx.Context, jobID uuid.UUID, resourceKey string) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(dbc.Context()).
		Where("job_id = ? AND resource_key = ?", jobID, resourceKey).
		Delete(&domain.JobEvent{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		r.log.Debug("Cleared resource log", "job_id", jobID, "resource_key", resourceKey, "rows", res.RowsAffected)
	}
	return res.RowsAffected, nil
}
