package realtime

import (
	"sync"

	"github.com/google/uuid"
)

// SSEClient is one open event stream. Channels is guarded by the hub lock.
type SSEClient struct {
	ID       uuid.UUID
	UserID   uuid.UUID
	Channels map[string]bool
	Outbound chan SSEMessage

	done   chan struct{}
	closed sync.Once
}
