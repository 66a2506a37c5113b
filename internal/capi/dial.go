package capi

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// DialOptions configures the chat API WebSocket dial
type DialOptions struct {
	Timeout            time.Duration
	InsecureSkipVerify bool
	Header             http.Header
}

// Dial opens a WebSocket connection to the chat API
func Dial(ctx context.Context, endpoint string, opts DialOptions) (*websocket.Conn, error) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.Timeout,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // operator opt-in
		},
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (HTTP %d)", endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return conn, nil
}
