package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type BuildStatus string

const (
	StatusIdle     BuildStatus = "idle"
	StatusCreating BuildStatus = "creating"
	StatusFailed   BuildStatus = "failed"
	StatusComplete BuildStatus = "complete"
)

type Phase string

const (
	PhaseDiscover Phase = "discover"
	PhaseGenerate Phase = "generate"
	PhaseComplete Phase = "complete"
)

var phaseOrder = []Phase{PhaseDiscover, PhaseGenerate, PhaseComplete}

// Phases returns the phases from start (inclusive) in execution order.
// An unknown start yields nil.
func Phases(start Phase) []Phase {
	for i, p := range phaseOrder {
		if p == start {
			return append([]Phase(nil), phaseOrder[i:]...)
		}
	}
	return nil
}

func (p Phase) Valid() bool {
	for _, v := range phaseOrder {
		if v == p {
			return true
		}
	}
	return false
}

// BuildJob is the durable record of one source-building run for a subscription.
// At most one row per subscription may be in StatusCreating.
type BuildJob struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	SubscriptionID uuid.UUID      `gorm:"type:uuid;not null;index" json:"subscription_id"`
	OwnerUserID    uuid.UUID      `gorm:"type:uuid;index" json:"owner_user_id"`
	Topic          string         `gorm:"column:topic;type:text;not null" json:"topic"`
	Criteria       string         `gorm:"column:criteria;type:text" json:"criteria,omitempty"`
	Status         BuildStatus    `gorm:"column:status;type:varchar(16);not null;index" json:"status"`
	Phase          Phase          `gorm:"column:phase;type:varchar(16);not null" json:"phase"`
	Error          string         `gorm:"column:error;type:text" json:"error,omitempty"`
	Payload        datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload,omitempty"`
	Snapshot       datatypes.JSON `gorm:"column:snapshot;type:jsonb" json:"snapshot,omitempty"`
	TakenOverBy    *uuid.UUID     `gorm:"type:uuid;column:taken_over_by" json:"taken_over_by,omitempty"`
	FinishedAt     *time.Time     `gorm:"column:finished_at" json:"finished_at,omitempty"`
	CreatedAt      time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
}

func (BuildJob) TableName() string { return "build_job" }

func (j *BuildJob) BeforeCreate(tx *gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.Phase == "" {
		j.Phase = PhaseDiscover
	}
	return nil
}

func (j *BuildJob) Terminal() bool {
	return j != nil && (j.Status == StatusFailed || j.Status == StatusComplete)
}
