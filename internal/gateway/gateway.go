package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/SkynetNext/capi-gateway/internal/capi"
	"github.com/SkynetNext/capi-gateway/internal/circuitbreaker"
	"github.com/SkynetNext/capi-gateway/internal/config"
	"github.com/SkynetNext/capi-gateway/internal/legacy"
	"github.com/SkynetNext/capi-gateway/internal/logger"
	"github.com/SkynetNext/capi-gateway/internal/metrics"
	"github.com/SkynetNext/capi-gateway/internal/middleware"
	"github.com/SkynetNext/capi-gateway/internal/protocol"
	"github.com/SkynetNext/capi-gateway/internal/ratelimit"
	"github.com/SkynetNext/capi-gateway/internal/redis"
	"github.com/SkynetNext/capi-gateway/internal/tracing"
)

const (
	reasonChatAPIUnavailable = "Unable to connect to the chat API."
	reasonShutdown           = "Gateway shutting down"
)

// ErrChatAPIUnavailable is returned when the chat API cannot be reached
var ErrChatAPIUnavailable = errors.New("chat API unavailable")

// DialFunc opens a chat API connection
type DialFunc func(ctx context.Context) (capi.Conn, error)

// Gateway accepts legacy clients and pairs each with its own chat API connection
type Gateway struct {
	config *config.Config
	text   *protocol.TextCodec

	registry   *Registry
	supervisor *Supervisor

	// Admission control and dial protection
	limiter   *ratelimit.Limiter
	ipLimiter *ratelimit.IPLimiter
	breaker   *circuitbreaker.Breaker
	dial      DialFunc

	redisClient *redis.Client
	events      EventPublisher

	// Network
	listener      net.Listener
	metricsServer *http.Server

	// State
	draining int32 // Atomic: 0=Running, 1=Draining
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a new gateway instance
func New(cfg *config.Config) (*Gateway, error) {
	policy, err := protocol.ParsePolicy(cfg.Legacy.EncodingPolicy)
	if err != nil {
		return nil, err
	}
	substitute := ""
	if cfg.Legacy.Substitution != nil {
		substitute = *cfg.Legacy.Substitution
	}
	text, err := protocol.NewTextCodec(cfg.Legacy.TextEncoding, policy, substitute)
	if err != nil {
		return nil, fmt.Errorf("legacy text encoding: %w", err)
	}

	registry := NewRegistry()
	g := &Gateway{
		config:     cfg,
		text:       text,
		registry:   registry,
		supervisor: NewSupervisor(registry, cfg.Supervisor),
		limiter:    ratelimit.NewLimiter(int64(cfg.Server.MaxSessions)),
		ipLimiter: ratelimit.NewIPLimiter(
			cfg.Security.MaxConnectionsPerIP,
			cfg.Security.ConnectionRateLimit,
		),
		breaker: circuitbreaker.NewBreaker(int64(cfg.ChatAPI.BreakerFailures), cfg.ChatAPI.BreakerTimeout),
	}
	g.dial = g.dialWebSocket

	if cfg.Redis.Addr != "" {
		g.redisClient = redis.NewClient(&cfg.Redis)

		// Test Redis connection
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.redisClient.Ping(ctx); err != nil {
			g.redisClient.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		g.events = g.redisClient
	}

	return g, nil
}

// SetDialer replaces the chat API dialer. Must be called before Start.
func (g *Gateway) SetDialer(dial DialFunc) {
	g.dial = dial
}

// Registry returns the active session registry
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// Addr returns the legacy listener address once started
func (g *Gateway) Addr() net.Addr {
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Start starts the gateway service
func (g *Gateway) Start(ctx context.Context) error {
	ctx, g.cancel = context.WithCancel(ctx)

	// 1. Initialize access logger with batching
	middleware.InitAccessLogger(100, 5*time.Second)

	// 2. Start metrics and health check server
	if g.config.Server.HealthCheckPort > 0 {
		if err := g.startMetricsServer(ctx); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	// 3. Start the liveness supervisor
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.supervisor.Run(ctx)
	}()

	// 4. Start legacy listener
	if err := g.startListener(ctx); err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}

	logger.L.Info("Gateway listening",
		zap.String("addr", g.listener.Addr().String()),
		zap.String("chat_api", g.config.ChatAPI.Endpoint),
		zap.Bool("version_check", g.config.Legacy.VersionCheck),
		zap.Bool("ignore_unsupported_commands", g.config.Legacy.IgnoreUnsupportedCommands),
	)
	return nil
}

// Shutdown gracefully shuts down the gateway
func (g *Gateway) Shutdown(ctx context.Context) error {
	// 1. Enter drain mode
	atomic.StoreInt32(&g.draining, 1)

	// 2. Stop accepting new connections
	if g.listener != nil {
		g.listener.Close()
	}

	// 3. Close every session; the loops end when their sockets close
	for _, sess := range g.registry.Snapshot() {
		sess.Close(reasonShutdown)
	}
	if g.cancel != nil {
		g.cancel()
	}

	// 4. Wait for loops to finish (with timeout)
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logger.L.Warn("Shutdown timed out waiting for sessions")
	}

	// 5. Close Redis connection
	if g.redisClient != nil {
		if err := g.redisClient.Close(); err != nil {
			return fmt.Errorf("failed to close Redis connection: %w", err)
		}
	}

	// 6. Shutdown metrics server
	if g.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.metricsServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown metrics server: %w", err)
		}
	}

	// 7. Shutdown access logger
	middleware.ShutdownAccessLogger()

	return nil
}

// startMetricsServer starts the metrics and health check HTTP server
func (g *Gateway) startMetricsServer(_ context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.healthHandler)
	mux.HandleFunc("/ready", g.readyHandler)
	mux.Handle("/metrics", promhttp.Handler())

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", g.config.Server.HealthCheckPort))
	if err != nil {
		return err
	}

	g.metricsServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.metricsServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.L.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.L.Info("metrics server started", zap.Int("port", g.config.Server.HealthCheckPort))
	return nil
}

// startListener starts the legacy client listener
func (g *Gateway) startListener(ctx context.Context) error {
	var err error
	g.listener, err = net.Listen("tcp", g.config.Server.ListenAddr)
	if err != nil {
		return err
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.acceptLoop(ctx)
	}()

	return nil
}

// acceptLoop accepts incoming connections
func (g *Gateway) acceptLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Set accept timeout to allow context cancellation check
		if tcpListener, ok := g.listener.(*net.TCPListener); ok {
			tcpListener.SetDeadline(time.Now().Add(1 * time.Second))
		}

		conn, err := g.listener.Accept()
		if err != nil {
			// Listener closed (normal shutdown)
			if atomic.LoadInt32(&g.draining) == 1 {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.L.Warn("accept connection error", zap.Error(err))
			continue
		}

		g.wg.Add(1)
		go func(c net.Conn) {
			defer g.wg.Done()
			g.handleConnection(ctx, c)
		}(conn)
	}
}

// handleConnection runs one gateway session from accept to close
func (g *Gateway) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remoteAddr := conn.RemoteAddr().String()
	startTime := time.Now()
	ip := ratelimit.HostOf(remoteAddr)

	if !g.ipLimiter.Allow(ip) {
		g.reject(ctx, remoteAddr, startTime, "ip_limit", "IP rate limit exceeded")
		return
	}
	defer g.ipLimiter.Release(ip)

	if !g.limiter.Allow() {
		g.reject(ctx, remoteAddr, startTime, "max_sessions", "session limit reached")
		return
	}
	defer g.limiter.Release()

	metrics.TotalConnections.Inc()

	ctx, span := tracing.StartSpan(ctx, "gateway.session", attribute.String("remote_addr", remoteAddr))
	defer span.End()

	var lg *legacy.Session
	sess := g.registry.register(func(id int) *Session {
		s := newSession(ctx, id, remoteAddr, g.registry, g.events)
		lg = legacy.NewSession(conn, legacy.Options{
			Text:                      g.text,
			VersionCheck:              g.config.Legacy.VersionCheck,
			IgnoreUnsupportedCommands: g.config.Legacy.IgnoreUnsupportedCommands,
			Debug:                     g.config.Log.Debug,
			MaxPacketSize:             g.config.Legacy.MaxPacketSize,
			WriteTimeout:              g.config.Legacy.WriteTimeout,
			SupervisorAlive:           g.supervisor.Alive,
			OnClose:                   s.Close,
			Logger:                    s.log,
		})
		s.legacy = lg
		return s
	})
	span.SetAttributes(attribute.Int("client_id", sess.id), attribute.String("conn_id", sess.connID))
	sess.opened()

	chatConn, err := g.dialChatAPI(ctx, sess.log)
	if err != nil {
		span.RecordError(err)
		sess.log.Warn("Chat API connection failed", zap.Error(err))
		sess.Close(reasonChatAPIUnavailable)
		return
	}

	chat := capi.NewSession(chatConn, relay{Session: lg, sess: sess}, capi.Options{
		WriteTimeout: g.config.ChatAPI.WriteTimeout,
		Debug:        g.config.Log.Debug,
		OnClose:      sess.Close,
		Logger:       sess.log,
	})
	if !sess.attachChat(chat) {
		chatConn.Close()
		return
	}
	lg.Attach(chat)

	// Both loops start only once the pairing is complete
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		chat.Run()
	}()
	lg.Run()
}

func (g *Gateway) reject(ctx context.Context, remoteAddr string, startTime time.Time, metric, reason string) {
	metrics.IncConnectionRejected(metric)
	logger.WarnWithTrace(ctx, "Connection rejected",
		zap.String("remote_addr", remoteAddr),
		zap.String("reason", reason),
	)
	middleware.LogAccess(ctx, &middleware.AccessLogEntry{
		RemoteAddr: remoteAddr,
		DurationMs: time.Since(startTime).Milliseconds(),
		Status:     middleware.StatusRejected,
		Reason:     reason,
	})
}

// healthHandler handles health check requests
func (g *Gateway) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// readyHandler handles readiness probe requests
func (g *Gateway) readyHandler(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&g.draining) == 1 {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Draining"))
		return
	}
	if g.breaker.State() == circuitbreaker.StateOpen {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Chat API unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}
