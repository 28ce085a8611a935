// Package bus fans realtime frames out across instances.
package bus

import (
	"context"
	"fmt"
	"strings"

	"github.com/yungbote/feedforge-backend/internal/platform/logger"
	"github.com/yungbote/feedforge-backend/internal/realtime"
)

type Bus interface {
	Publish(ctx context.Context, msg realtime.SSEMessage) error
	StartForwarder(ctx context.Context, onMsg func(m realtime.SSEMessage)) error
	Close() error
}

type Config struct {
	// Kind is "redis", "nats" or "none".
	Kind        string
	RedisAddr   string
	RedisPrefix string
	NatsURL     string
	NatsSubject string
}

// New returns the configured bus, or nil for kind "none".
func New(cfg Config, log *logger.Logger) (Bus, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", "none", "local":
		return nil, nil
	case "redis":
		return NewRedisBus(cfg.RedisAddr, cfg.RedisPrefix, log)
	case "nats":
		return NewNatsBus(cfg.NatsURL, cfg.NatsSubject, log)
	default:
		return nil, fmt.Errorf("unknown realtime bus %q", cfg.Kind)
	}
}
