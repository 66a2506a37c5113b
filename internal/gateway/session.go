package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SkynetNext/capi-gateway/internal/legacy"
	"github.com/SkynetNext/capi-gateway/internal/logger"
	"github.com/SkynetNext/capi-gateway/internal/metrics"
	"github.com/SkynetNext/capi-gateway/internal/middleware"
	"github.com/SkynetNext/capi-gateway/internal/redis"
)

const publishTimeout = 2 * time.Second

// legacySide is the legacy client half of a gateway session. *legacy.Session satisfies it.
type legacySide interface {
	Connected() bool
	LoggedOn() bool
	LastActivity() time.Time
	Username() string
	Product() string
	SendPing() error
	SendNull() error
	Close()
}

// chatSide is the chat API half of a gateway session. *capi.Session satisfies it.
type chatSide interface {
	Connected() bool
	LastActivity() time.Time
	Ping() error
	Close()
}

// EventPublisher receives session lifecycle events
type EventPublisher interface {
	PublishSessionEvent(ctx context.Context, ev *redis.SessionEvent) error
}

// Session pairs one legacy client with one chat API connection. The two sides close
// together.
type Session struct {
	id         int
	connID     string
	remoteAddr string
	started    time.Time

	ctx      context.Context
	log      *zap.Logger
	registry *Registry
	events   EventPublisher

	legacy legacySide

	// Guarded by registry.mu
	chat   chatSide
	closed bool
	reason string

	done chan struct{}
}

func newSession(ctx context.Context, id int, remoteAddr string, registry *Registry, events EventPublisher) *Session {
	connID := uuid.NewString()
	return &Session{
		id:         id,
		connID:     connID,
		remoteAddr: remoteAddr,
		started:    time.Now(),
		ctx:        ctx,
		log:        logger.ForSession(id, connID, remoteAddr),
		registry:   registry,
		events:     events,
		done:       make(chan struct{}),
	}
}

// ID returns the client id, unique among open sessions
func (s *Session) ID() int { return s.id }

// ConnID returns the id that stays unique after the client id is reused
func (s *Session) ConnID() string { return s.connID }

// RemoteAddr returns the legacy client's address
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// Done is closed once the session has closed
func (s *Session) Done() <-chan struct{} { return s.done }

// Reason returns why the session closed, empty while open
func (s *Session) Reason() string {
	s.registry.mu.Lock()
	defer s.registry.mu.Unlock()
	return s.reason
}

func (s *Session) opened() {
	metrics.ActiveSessions.Inc()
	logger.InfoWithTrace(s.ctx, "Client connected",
		zap.Int("client_id", s.id),
		zap.String("conn_id", s.connID),
		zap.String("remote_addr", s.remoteAddr),
	)
	s.publish(redis.EventOpened, "")
}

// attachChat binds the chat API side once its transport is open. It reports false if the
// session closed in the meantime.
func (s *Session) attachChat(chat chatSide) bool {
	s.registry.mu.Lock()
	defer s.registry.mu.Unlock()
	if s.closed {
		return false
	}
	s.chat = chat
	return true
}

func (s *Session) chatAPI() chatSide {
	s.registry.mu.Lock()
	defer s.registry.mu.Unlock()
	return s.chat
}

// Close closes both sides and removes the session from the registry. Only the first call
// has any effect.
func (s *Session) Close(reason string) {
	s.registry.mu.Lock()
	if s.closed {
		s.registry.mu.Unlock()
		return
	}
	s.closed = true
	s.reason = reason

	s.legacy.Close()
	if s.chat != nil {
		s.chat.Close()
	}
	if current, ok := s.registry.sessions[s.id]; ok && current == s {
		delete(s.registry.sessions, s.id)
	}
	s.registry.mu.Unlock()

	close(s.done)

	duration := time.Since(s.started)
	metrics.ActiveSessions.Dec()
	metrics.SessionDuration.Observe(duration.Seconds())

	s.log.Info("Connections closed", logger.WithTrace(s.ctx,
		zap.String("reason", reason),
		zap.Duration("duration", duration),
	)...)

	middleware.LogAccess(s.ctx, &middleware.AccessLogEntry{
		RemoteAddr: s.remoteAddr,
		ClientID:   s.id,
		ConnID:     s.connID,
		Username:   s.legacy.Username(),
		Product:    s.legacy.Product(),
		DurationMs: duration.Milliseconds(),
		Status:     middleware.StatusClosed,
		Reason:     reason,
	})

	s.publish(redis.EventClosed, reason)
}

// publish sends a lifecycle event without blocking the caller
func (s *Session) publish(event, reason string) {
	if s.events == nil {
		return
	}

	ev := &redis.SessionEvent{
		Event:      event,
		ClientID:   s.id,
		ConnID:     s.connID,
		RemoteAddr: s.remoteAddr,
		Reason:     reason,
		Timestamp:  time.Now().UTC(),
	}
	if s.legacy != nil {
		ev.Username = s.legacy.Username()
		ev.Product = s.legacy.Product()
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := s.events.PublishSessionEvent(ctx, ev); err != nil {
			metrics.EventPublishErrors.Inc()
			s.log.Debug("Session event not published", zap.String("event", event), zap.Error(err))
		}
	}()
}

// relay is the legacy side as the chat API session sees it. Successful logins are
// published as lifecycle events.
type relay struct {
	*legacy.Session
	sess *Session
}

func (r relay) CompleteLogin(result legacy.LoginResult) error {
	err := r.Session.CompleteLogin(result)
	if _, ok := result.(legacy.LoginSucceeded); ok && err == nil {
		r.sess.publish(redis.EventLoggedOn, "")
	}
	return err
}
