package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type EventLevel string

const (
	LevelInfo     EventLevel = "info"
	LevelProgress EventLevel = "progress"
	LevelSuccess  EventLevel = "success"
	LevelError    EventLevel = "error"
)

// Terminal reports whether the level closes out a phase or a resource.
func (l EventLevel) Terminal() bool { return l == LevelSuccess || l == LevelError }

type EventKind string

const (
	KindPhase  EventKind = "phase"
	KindTool   EventKind = "tool"
	KindResult EventKind = "result"
	KindAbort  EventKind = "abort"
	KindNote   EventKind = "note"
)

// JobEvent is one append-only entry of a build job's progress log.
// The log is the source of truth for resume decisions; rows are never updated.
type JobEvent struct {
	ID          int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	JobID       uuid.UUID      `gorm:"type:uuid;not null;index" json:"job_id"`
	Phase       Phase          `gorm:"column:phase;type:varchar(16);not null;index" json:"phase"`
	Level       EventLevel     `gorm:"column:level;type:varchar(16);not null" json:"level"`
	Kind        EventKind      `gorm:"column:kind;type:varchar(16);not null;index" json:"kind"`
	ResourceKey string         `gorm:"column:resource_key;type:text;index" json:"resource_key,omitempty"`
	Message     string         `gorm:"column:message;type:text" json:"message"`
	Payload     datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload,omitempty"`
	CreatedAt   time.Time      `gorm:"not null" json:"created_at"`
}

func (JobEvent) TableName() string { return "build_job_event" }

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (e *JobEvent) Decode(v any) error {
	if e == nil || len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// EventFilter narrows a log query. Zero fields match everything.
type EventFilter struct {
	Phase       Phase
	Level       EventLevel
	Kind        EventKind
	ResourceKey *string
	AfterID     int64
	Limit       int
}
