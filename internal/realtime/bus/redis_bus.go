package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/feedforge-backend/internal/platform/logger"
	"github.com/yungbote/feedforge-backend/internal/realtime"
)

const (
	redisPublishTimeout = 2 * time.Second
	redisForwardBuffer  = 256
)

/*
redisBus publishes each realtime channel on its own Redis topic
("<prefix>:<channel>") and forwards with one pattern subscription, so a
slow job stream never shares a topic with every other job.
*/
type redisBus struct {
	log    *logger.Logger
	rdb    *goredis.Client
	prefix string
}

func NewRedisBus(addr, prefix string, log *logger.Logger) (Bus, error) {
	if log == nil {
		return nil, errors.New("logger required")
	}
	if addr = strings.TrimSpace(addr); addr == "" {
		return nil, errors.New("missing REDIS_ADDR")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &redisBus{
		log:    log.With("service", "RedisRealtimeBus", "prefix", redisPrefix(prefix)),
		rdb:    rdb,
		prefix: redisPrefix(prefix),
	}, nil
}

func redisPrefix(p string) string {
	p = strings.TrimRight(strings.TrimSpace(p), ":")
	if p == "" {
		return "feedforge:sse"
	}
	return p
}

func (b *redisBus) topic(channel string) string { return b.prefix + ":" + channel }

func (b *redisBus) Publish(ctx context.Context, msg realtime.SSEMessage) error {
	raw, err := encode(msg)
	if err != nil {
		return err
	}
	// publishing runs on the event path; never let a stalled redis hold it up
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), redisPublishTimeout)
	defer cancel()
	if err := b.rdb.Publish(pctx, b.topic(msg.Channel), raw).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", msg.Channel, err)
	}
	return nil
}

func (b *redisBus) StartForwarder(ctx context.Context, onMsg func(m realtime.SSEMessage)) error {
	if onMsg == nil {
		return errors.New("onMsg callback required")
	}
	sub := b.rdb.PSubscribe(ctx, b.prefix+":*")
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis psubscribe: %w", err)
	}
	ch := sub.Channel(goredis.WithChannelSize(redisForwardBuffer))
	b.log.Info("Realtime forwarder started")

	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					b.log.Warn("Realtime forwarder channel closed")
					return
				}
				deliver(b.log, []byte(m.Payload), onMsg)
			}
		}
	}()
	return nil
}

func (b *redisBus) Close() error { return b.rdb.Close() }
