package gateway

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SkynetNext/capi-gateway/internal/capi"
	"github.com/SkynetNext/capi-gateway/internal/metrics"
	"github.com/SkynetNext/capi-gateway/internal/retry"
)

const chatAPIBackend = "chat_api"

// dialWebSocket is the default DialFunc
func (g *Gateway) dialWebSocket(ctx context.Context) (capi.Conn, error) {
	conn, err := capi.Dial(ctx, g.config.ChatAPI.Endpoint, capi.DialOptions{
		Timeout:            g.config.ChatAPI.DialTimeout,
		InsecureSkipVerify: g.config.ChatAPI.TLSInsecureSkipVerify,
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// dialChatAPI opens the chat API connection for one session behind the circuit breaker,
// retrying with backoff.
func (g *Gateway) dialChatAPI(ctx context.Context, log *zap.Logger) (capi.Conn, error) {
	defer g.updateBreakerMetric()

	if !g.breaker.Allow() {
		return nil, fmt.Errorf("%w: circuit breaker open", ErrChatAPIUnavailable)
	}

	var conn capi.Conn
	err := retry.Do(ctx, retry.RetryConfig{
		MaxRetries: g.config.ChatAPI.MaxRetries,
		RetryDelay: g.config.ChatAPI.RetryDelay,
		OnRetry: func(attempt int, err error) {
			log.Debug("Retrying chat API dial", zap.Int("attempt", attempt), zap.Error(err))
		},
	}, func() error {
		dialCtx, cancel := context.WithTimeout(ctx, g.config.ChatAPI.DialTimeout)
		defer cancel()

		start := time.Now()
		c, err := g.dial(dialCtx)
		metrics.ChatAPIDialLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		g.breaker.RecordFailure()
		return nil, fmt.Errorf("%w: %v", ErrChatAPIUnavailable, err)
	}

	g.breaker.RecordSuccess()
	return conn, nil
}

func (g *Gateway) updateBreakerMetric() {
	metrics.CircuitBreakerState.WithLabelValues(chatAPIBackend).Set(float64(g.breaker.State()))
}
