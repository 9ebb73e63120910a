// Package transport abstracts the persistent message-oriented connection the
// chat client runs over.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

// CloseCode is a WebSocket close status code.
type CloseCode int

const (
	CloseNormal      CloseCode = 1000
	CloseGoingAway   CloseCode = 1001
	CloseNoStatus    CloseCode = 1005
	CloseAbnormal    CloseCode = 1006
	CloseInternal    CloseCode = 1011
	CloseAuthFailed  CloseCode = 4001
	CloseInactivity  CloseCode = 4002
	CloseRateLimited CloseCode = 4008
)

// String returns the numeric code as text.
func (c CloseCode) String() string { return strconv.Itoa(int(c)) }

// Conn is a single live transport. Read and Write may be called from
// different goroutines; Close must not block on the peer.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code CloseCode, reason string) error
}

// Dialer opens a Conn to a fully-formed URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// Dial implements Dialer.
func (f DialFunc) Dial(ctx context.Context, url string) (Conn, error) { return f(ctx, url) }

// CloseError reports that the peer closed the transport with a status code.
type CloseError struct {
	Code   CloseCode
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("transport closed: status %d: %s", e.Code, e.Reason)
}

// HandshakeError reports an HTTP-level rejection of the upgrade request.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake rejected with HTTP %d: %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Unauthorized reports whether the handshake was rejected for credentials.
func (e *HandshakeError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// CloseCodeOf extracts the close status carried by err. Errors without a
// status are reported as CloseAbnormal.
func CloseCodeOf(err error) (CloseCode, string) {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Reason
	}
	var he *HandshakeError
	if errors.As(err, &he) && he.Unauthorized() {
		return CloseAuthFailed, "handshake unauthorized"
	}
	if err == nil {
		return CloseNormal, ""
	}
	return CloseAbnormal, err.Error()
}
