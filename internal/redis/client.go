package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/SkynetNext/capi-gateway/internal/config"
	"github.com/redis/go-redis/v9"
)

// Session lifecycle event kinds
const (
	EventOpened   = "opened"
	EventLoggedOn = "logged_on"
	EventClosed   = "closed"
)

// SessionEvent is published on the sessions channel whenever a gateway session changes
// lifecycle stage. Nothing is stored.
type SessionEvent struct {
	Event      string    `json:"event"`
	ClientID   int       `json:"client_id"`
	ConnID     string    `json:"conn_id"`
	RemoteAddr string    `json:"remote_addr"`
	Username   string    `json:"username,omitempty"`
	Product    string    `json:"product,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Client is a Redis client wrapper
type Client struct {
	rdb    *redis.Client
	prefix string
}

// NewClient creates a new Redis client
func NewClient(cfg *config.RedisConfig) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	return &Client{
		rdb:    rdb,
		prefix: cfg.KeyPrefix,
	}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks Redis connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// key generates full key with prefix
func (c *Client) key(suffix string) string {
	return c.prefix + suffix
}

// SessionsChannel returns the pub/sub channel session events are published on
func (c *Client) SessionsChannel() string {
	return c.key("sessions")
}

// PublishSessionEvent publishes one session lifecycle event
func (c *Client) PublishSessionEvent(ctx context.Context, ev *SessionEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode session event: %w", err)
	}
	if err := c.rdb.Publish(ctx, c.SessionsChannel(), data).Err(); err != nil {
		return fmt.Errorf("failed to publish session event: %w", err)
	}
	return nil
}

// WatchSessions calls fn for every session event until ctx is done. Malformed messages
// are skipped.
func (c *Client) WatchSessions(ctx context.Context, fn func(*SessionEvent)) error {
	pubsub := c.rdb.Subscribe(ctx, c.SessionsChannel())
	defer pubsub.Close()

	// Wait for the subscription to be confirmed so no event published after return is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev SessionEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			fn(&ev)
		}
	}
}
