package services

import (
	"context"

	"github.com/yungbote/feedforge-backend/internal/platform/logger"
	"github.com/yungbote/feedforge-backend/internal/realtime"
	"github.com/yungbote/feedforge-backend/internal/realtime/bus"
)

type SSEEmitter interface {
	Emit(ctx context.Context, msg realtime.SSEMessage)
}

type HubEmitter struct{ Hub *realtime.SSEHub }

func (e *HubEmitter) Emit(ctx context.Context, msg realtime.SSEMessage) {
	e.Hub.Broadcast(msg)
}

// BusEmitter publishes through the cross-instance bus. The forwarder started
// by the app delivers the frame back to the local hub, so emitting here must
// not also broadcast locally.
type BusEmitter struct {
	Bus bus.Bus
	Log *logger.Logger
}

func (e *BusEmitter) Emit(ctx context.Context, msg realtime.SSEMessage) {
	if err := e.Bus.Publish(ctx, msg); err != nil && e.Log != nil {
		e.Log.Warn("Realtime publish failed", "channel", msg.Channel, "event", msg.Event, "error", err)
	}
}

// NewEmitter picks the bus when one is configured and the local hub otherwise.
func NewEmitter(hub *realtime.SSEHub, b bus.Bus, log *logger.Logger) SSEEmitter {
	if b != nil {
		return &BusEmitter{Bus: b, Log: log}
	}
	return &HubEmitter{Hub: hub}
}
