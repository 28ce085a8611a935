package jobs

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	domain "github.com/yungbote/feedforge-backend/internal/domain/jobs"
	"github.com/yungbote/feedforge-backend/internal/platform/dbctx"
	"github.com/yungbote/feedforge-backend/internal/platform/logger"
)

type BuildJobRepo interface {
	// Create inserts a job in StatusCreating unless the subscription already has one.
	Create(dbc dbctx.Context, job *domain.BuildJob) (*domain.BuildJob, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.BuildJob, error)
	GetActiveBySubscription(dbc dbctx.Context, subscriptionID uuid.UUID) (*domain.BuildJob, error)
	ListByStatus(dbc dbctx.Context, status domain.BuildStatus) ([]*domain.BuildJob, error)
	ListBySubscription(dbc dbctx.Context, subscriptionID uuid.UUID) ([]*domain.BuildJob, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	// UpdateFieldsIfStatus applies updates only while the row is in one of the
	// allowed statuses and reports whether a row changed.
	UpdateFieldsIfStatus(dbc dbctx.Context, id uuid.UUID, allowed []domain.BuildStatus, updates map[string]interface{}) (bool, error)
	Delete(dbc dbctx.Context, id uuid.UUID) error
}

type buildJobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewBuildJobRepo(db *gorm.DB, baseLog *logger.Logger) BuildJobRepo {
	return &buildJobRepo{
		db:  db,
		log: baseLog.With("repo", "BuildJobRepo"),
	}
}

func (r *buildJobRepo) Create(dbc dbctx.Context, job *domain.BuildJob) (*domain.BuildJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if job == nil {
		return nil, errors.New("nil job")
	}
	if job.SubscriptionID == uuid.Nil {
		return nil, errors.New("missing subscription_id")
	}
	if job.Status == "" {
		job.Status = domain.StatusCreating
	}
	err := transaction.WithContext(dbc.Context()).Transaction(func(txx *gorm.DB) error {
		if job.Status == domain.StatusCreating {
			var n int64
			if err := txx.Model(&domain.BuildJob{}).
				Where("subscription_id = ? AND status = ?", job.SubscriptionID, domain.StatusCreating).
				Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return domain.ErrActiveJobExists
			}
		}
		if err := txx.Create(job).Error; err != nil {
			if isUniqueViolation(err) {
				return domain.ErrActiveJobExists
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (r *buildJobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.BuildJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var job domain.BuildJob
	err := transaction.WithContext(dbc.Context()).
		Where("id = ?", id).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *buildJobRepo) GetActiveBySubscription(dbc dbctx.Context, subscriptionID uuid.UUID) (*domain.BuildJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var job domain.BuildJob
	err := transaction.WithContext(dbc.Context()).
		Where("subscription_id = ? AND status = ?", subscriptionID, domain.StatusCreating).
		Order("created_at DESC").
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *buildJobRepo) ListByStatus(dbc dbctx.Context, status domain.BuildStatus) ([]*domain.BuildJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.BuildJob
	if err := transaction.WithContext(dbc.Context()).
		Where("status = ?", status).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *buildJobRepo) ListBySubscription(dbc dbctx.Context, subscriptionID uuid.UUID) ([]*domain.BuildJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.BuildJob
	if err := transaction.WithContext(dbc.Context()).
		Where("subscription_id = ?", subscriptionID).
		Order("created_at DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *buildJobRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(updates) == 0 {
		return nil
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(dbc.Context()).
		Model(&domain.BuildJob{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *buildJobRepo) UpdateFieldsIfStatus(dbc dbctx.Context, id uuid.UUID, allowed []domain.BuildStatus, updates map[string]interface{}) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(updates) == 0 {
		return false, nil
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	q := transaction.WithContext(dbc.Context()).
		Model(&domain.BuildJob{}).
		Where("id = ?", id)
	if len(allowed) > 0 {
		q = q.Where("status IN ?", allowed)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return false, domain.ErrActiveJobExists
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Delete removes the job row and then its log in one transaction. The row goes
// first so a concurrent Append, which share-locks it, either lands before the
// log is cleared or sees the job gone.
func (r *buildJobRepo) Delete(dbc dbctx.Context, id uuid.UUID) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Context()).Transaction(func(txx *gorm.DB) error {
		if err := txx.Where("id = ?", id).Delete(&domain.BuildJob{}).Error; err != nil {
			return err
		}
		return txx.Where("job_id = ?", id).Delete(&domain.JobEvent{}).Error
	})
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key") || strings.Contains(msg, "sqlstate 23505")
}
