package redis

import (
	"context"
	"testing"
	"time"

	"github.com/SkynetNext/capi-gateway/internal/config"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	cfg := config.Default().Redis
	cfg.Addr = "localhost:6379"
	cfg.KeyPrefix = "capi-gateway-test:"

	c := NewClient(&cfg)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		c.Close()
		t.Skipf("Skipping test: Redis not available: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_SessionsChannel(t *testing.T) {
	cfg := config.RedisConfig{Addr: "localhost:6379", KeyPrefix: "gw:"}
	c := NewClient(&cfg)
	defer c.Close()

	if got := c.SessionsChannel(); got != "gw:sessions" {
		t.Errorf("Expected gw:sessions, got %s", got)
	}
}

func TestClient_PublishAndWatch(t *testing.T) {
	c := newTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan *SessionEvent, 1)
	ready := make(chan struct{})
	go func() {
		close(ready)
		_ = c.WatchSessions(ctx, func(ev *SessionEvent) {
			select {
			case received <- ev:
			default:
			}
		})
	}()
	<-ready

	// The subscription is confirmed asynchronously; publish until it is seen
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if err := c.PublishSessionEvent(ctx, &SessionEvent{
			Event:    EventLoggedOn,
			ClientID: 3,
			ConnID:   "conn-3",
			Username: "Self",
		}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		select {
		case ev := <-received:
			if ev.Event != EventLoggedOn || ev.ClientID != 3 || ev.Username != "Self" {
				t.Errorf("Unexpected event %+v", ev)
			}
			if ev.Timestamp.IsZero() {
				t.Error("Expected timestamp to be set")
			}
			return
		case <-ticker.C:
		case <-ctx.Done():
			t.Fatal("Timed out waiting for session event")
		}
	}
}
