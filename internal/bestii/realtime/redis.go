package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/chat"
)

const defaultRedisChannel = "bestii:scope-changes"

// RedisConfig configures the Redis pub/sub notifier.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Channel defaults to "bestii:scope-changes".
	Channel string
}

// Redis delivers notifications across processes that share one database.
// Publish goes to a Redis channel; a forwarder goroutine hands every
// received notification, including the process's own, to local watchers.
type Redis struct {
	local   *Local
	rdb     *goredis.Client
	sub     *goredis.PubSub
	channel string
	logger  *slog.Logger
	done    chan struct{}
}

type scopeEvent struct {
	UserID    string `json:"user_id"`
	PersonaID string `json:"persona_id"`
}

// NewRedis connects to Redis, subscribes to the notification channel and
// starts the forwarder. Close stops it.
func NewRedis(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*Redis, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("realtime: redis address is required")
	}
	if cfg.Channel == "" {
		cfg.Channel = defaultRedisChannel
	}
	if logger == nil {
		logger = slog.Default()
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("realtime: redis ping: %w", err)
	}

	sub := rdb.Subscribe(ctx, cfg.Channel)
	// Wait for the subscription confirmation so no publish is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("realtime: redis subscribe: %w", err)
	}

	r := &Redis{
		local:   NewLocal(),
		rdb:     rdb,
		sub:     sub,
		channel: cfg.Channel,
		logger:  logger.With("component", "realtime.redis"),
		done:    make(chan struct{}),
	}
	go r.forward()
	return r, nil
}

// Publish implements Notifier.
func (r *Redis) Publish(ctx context.Context, scope chat.Scope) error {
	raw, err := json.Marshal(scopeEvent{UserID: scope.UserID, PersonaID: scope.PersonaID})
	if err != nil {
		return fmt.Errorf("realtime: encode event: %w", err)
	}
	if err := r.rdb.Publish(ctx, r.channel, raw).Err(); err != nil {
		return fmt.Errorf("realtime: redis publish: %w", err)
	}
	return nil
}

// Watch implements Notifier.
func (r *Redis) Watch(scope chat.Scope, fn func()) func() {
	return r.local.Watch(scope, fn)
}

// Close stops the forwarder and closes the Redis client.
func (r *Redis) Close() error {
	err := r.sub.Close()
	<-r.done
	_ = r.local.Close()
	if cerr := r.rdb.Close(); err == nil {
		err = cerr
	}
	return err
}

func (r *Redis) forward() {
	defer close(r.done)
	for m := range r.sub.Channel() {
		var ev scopeEvent
		if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
			r.logger.Warn("bad scope event payload", "err", err)
			continue
		}
		r.local.dispatch(chat.Scope{UserID: ev.UserID, PersonaID: ev.PersonaID}.Key())
	}
}

var _ Notifier = (*Redis)(nil)
