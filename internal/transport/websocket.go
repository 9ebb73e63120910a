package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// DefaultReadLimit bounds a single inbound frame.
const DefaultReadLimit = 1 << 20

// WebSocketDialer dials with github.com/coder/websocket.
type WebSocketDialer struct {
	HTTPClient  *http.Client
	DialTimeout time.Duration
	ReadLimit   int64
	Logger      *slog.Logger
}

// NewWebSocketDialer returns a dialer with default timeouts.
func NewWebSocketDialer(logger *slog.Logger) *WebSocketDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketDialer{
		DialTimeout: 10 * time.Second,
		ReadLimit:   DefaultReadLimit,
		Logger:      logger,
	}
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	if d.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.DialTimeout)
		defer cancel()
	}

	ws, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, err
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	ws.SetReadLimit(limit)

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &wsConn{ws: ws, logger: logger}, nil
}

// wsConn adapts websocket.Conn to Conn.
type wsConn struct {
	ws     *websocket.Conn
	logger *slog.Logger
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, closeErrorFrom(err)
	}
	return data, nil
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return closeErrorFrom(err)
	}
	return nil
}

// Close starts the close handshake in the background. coder/websocket waits
// for the peer's close frame, which must not stall the caller.
func (c *wsConn) Close(code CloseCode, reason string) error {
	go func() {
		if err := c.ws.Close(websocket.StatusCode(code), reason); err != nil {
			c.logger.Debug("websocket close handshake incomplete", "code", int(code), "error", err)
		}
	}()
	return nil
}

func closeErrorFrom(err error) error {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return &CloseError{Code: CloseCode(ce.Code), Reason: ce.Reason}
	}
	return err
}
