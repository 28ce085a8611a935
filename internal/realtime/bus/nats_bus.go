package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/yungbote/feedforge-backend/internal/platform/logger"
	"github.com/yungbote/feedforge-backend/internal/realtime"
)

type natsBus struct {
	log     *logger.Logger
	nc      *nats.Conn
	subject string
}

func NewNatsBus(url, subject string, log *logger.Logger) (Bus, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if url = strings.TrimSpace(url); url == "" {
		url = nats.DefaultURL
	}
	if subject = strings.TrimSpace(subject); subject == "" {
		subject = "feedforge.sse"
	}
	nc, err := nats.Connect(url,
		nats.Name("feedforge-realtime"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &natsBus{log: log.With("service", "NatsSSEBus"), nc: nc, subject: subject}, nil
}

func (b *natsBus) Publish(ctx context.Context, msg realtime.SSEMessage) error {
	if b == nil || b.nc == nil {
		return fmt.Errorf("nats SSE bus not initialized")
	}
	raw, err := encode(msg)
	if err != nil {
		return err
	}
	return b.nc.Publish(b.subject, raw)
}

func (b *natsBus) StartForwarder(ctx context.Context, onMsg func(m realtime.SSEMessage)) error {
	if b == nil || b.nc == nil {
		return fmt.Errorf("nats SSE bus not initialized")
	}
	if onMsg == nil {
		return fmt.Errorf("onMsg callback required")
	}
	sub, err := b.nc.Subscribe(b.subject, func(m *nats.Msg) {
		deliver(b.log, m.Data, onMsg)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("nats flush: %w", err)
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

func (b *natsBus) Close() error {
	if b == nil || b.nc == nil {
		return nil
	}
	return b.nc.Drain()
}
