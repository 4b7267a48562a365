package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/inklight/inklight-backend/internal/platform/logger"
)

// Bridge mirrors hub traffic across processes. Each instance publishes
// its local events to one redis channel and folds remote events back
// into its local hub.
type Bridge interface {
	Publish(ctx context.Context, ev Event) error
	StartForwarder(ctx context.Context, hub *Hub) error
	Close() error
}

type redisBridge struct {
	log     *logger.Logger
	rdb     *redis.Client
	channel string
}

func NewRedisBridge(addr, channel string, baseLog *logger.Logger) (Bridge, error) {
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	if channel == "" {
		channel = "progress"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &redisBridge{
		log:     baseLog.With("component", "RedisBridge"),
		rdb:     rdb,
		channel: channel,
	}, nil
}

func (b *redisBridge) Publish(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

func (b *redisBridge) StartForwarder(ctx context.Context, hub *Hub) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.log.Warn("dropping malformed bridge event", "error", err)
					continue
				}
				hub.fold(ev)
			}
		}
	}()
	return nil
}

func (b *redisBridge) Close() error {
	return b.rdb.Close()
}
