package realtime

import "github.com/google/uuid"

type SSEEvent string

const (
	SSEEventJobCreated SSEEvent = "BuildJobCreated"
	SSEEventJobStatus  SSEEvent = "BuildJobStatus"
	SSEEventJobEvent   SSEEvent = "BuildJobEvent"
	SSEEventJobDeleted SSEEvent = "BuildJobDeleted"
)

// SSEMessage is one frame delivered to subscribers of Channel. ID carries the
// log event id when the frame mirrors a persisted event.
type SSEMessage struct {
	ID      int64    `json:"id,omitempty"`
	Channel string   `json:"channel"`
	Event   SSEEvent `json:"event"`
	Data    any      `json:"data,omitempty"`
}

// JobChannel is the channel a build job's frames are broadcast on.
func JobChannel(jobID uuid.UUID) string { return "source-job:" + jobID.String() }

// UserChannel carries job lifecycle frames for one owner.
func UserChannel(userID uuid.UUID) string { return "user:" + userID.String() }
