package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/SkynetNext/capi-gateway/internal/config"
	"github.com/SkynetNext/capi-gateway/internal/logger"
	"github.com/SkynetNext/capi-gateway/internal/metrics"
)

// Close reasons issued by the supervisor
const (
	reasonChatAPIDisconnected = "Monitor found chat API disconnected"
	reasonLegacyDisconnected  = "Monitor found legacy client disconnected"
	reasonLegacyIdle          = "Legacy client not responding"
	reasonChatAPIIdle         = "Chat API server not responding"
)

// Supervisor periodically checks every session for liveness and for one side having
// closed without the other.
type Supervisor struct {
	registry *Registry
	cfg      config.SupervisorConfig
	now      func() time.Time
	log      *zap.Logger

	alive atomic.Bool

	mu            sync.Mutex
	lastKeepAlive time.Time
}

// NewSupervisor creates a supervisor over registry
func NewSupervisor(registry *Registry, cfg config.SupervisorConfig) *Supervisor {
	s := &Supervisor{
		registry: registry,
		cfg:      cfg,
		now:      time.Now,
		log:      logger.L.With(zap.String("component", "supervisor")),
	}
	s.lastKeepAlive = s.now()
	return s
}

// Run ticks until ctx is done
func (s *Supervisor) Run(ctx context.Context) {
	s.alive.Store(true)
	defer s.alive.Store(false)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(s.now())
		}
	}
}

// Alive reports whether Run is active
func (s *Supervisor) Alive() bool {
	return s.alive.Load()
}

// Tick runs one pass over a snapshot of the registry
func (s *Supervisor) Tick(now time.Time) {
	metrics.SupervisorTicks.Inc()

	s.mu.Lock()
	keepAlive := now.Sub(s.lastKeepAlive) >= s.cfg.KeepAliveInterval
	if keepAlive {
		s.lastKeepAlive = now
	}
	s.mu.Unlock()

	for _, sess := range s.registry.Snapshot() {
		s.check(sess, now, keepAlive)
	}
}

func (s *Supervisor) check(sess *Session, now time.Time, keepAlive bool) {
	lg := sess.legacy
	chat := sess.chatAPI()
	chatConnected := chat != nil && chat.Connected()

	// One side gone without the other
	switch {
	case lg.LoggedOn() && !chatConnected:
		s.close(sess, "chat_api_disconnected", reasonChatAPIDisconnected)
		return
	case !lg.Connected():
		s.close(sess, "legacy_disconnected", reasonLegacyDisconnected)
		return
	}

	idle := now.Sub(lg.LastActivity())
	switch {
	case idle >= s.cfg.LegacyTimeout:
		s.close(sess, "legacy_idle", reasonLegacyIdle)
		return
	case idle >= s.cfg.LegacyPingAfter:
		if err := lg.SendPing(); err != nil {
			sess.log.Debug("Liveness ping not sent", zap.Error(err))
		}
	}

	if keepAlive {
		if err := lg.SendNull(); err != nil {
			sess.log.Debug("Keep-alive not sent", zap.Error(err))
		}
	}

	if !chatConnected {
		return
	}
	if now.Sub(chat.LastActivity()) >= s.cfg.ChatAPITimeout {
		s.close(sess, "chat_api_idle", reasonChatAPIIdle)
		return
	}
	if err := chat.Ping(); err != nil {
		sess.log.Debug("Chat API ping not sent", zap.Error(err))
	}
}

func (s *Supervisor) close(sess *Session, metric, reason string) {
	metrics.IncSupervisorClose(metric)
	s.log.Debug("Closing session", zap.Int("client_id", sess.id), zap.String("reason", reason))
	sess.Close(reason)
}
