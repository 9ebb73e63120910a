// Package auth exposes the short-lived access credential used to authorize
// the chat transport. Credentials are minted elsewhere; this package only
// reads them.
package auth

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

// TokenSource returns the current access credential, or false when none is available.
type TokenSource interface {
	Token() (string, bool)
}

// StaticToken always returns the same credential. An empty string means absent.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token() (string, bool) {
	token := strings.TrimSpace(string(s))
	return token, token != ""
}

// EnvToken reads the credential from an environment variable on every call.
type EnvToken string

// Token implements TokenSource.
func (e EnvToken) Token() (string, bool) {
	token := strings.TrimSpace(os.Getenv(string(e)))
	return token, token != ""
}

// FileToken reads the credential from a file on every call so an external
// refresher can rotate it in place.
type FileToken struct {
	Path string

	warnOnce sync.Once
}

// Token implements TokenSource.
func (f *FileToken) Token() (string, bool) {
	if f == nil || f.Path == "" {
		return "", false
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		f.warnOnce.Do(func() {
			slog.Warn("token file unreadable", "path", f.Path, "error", err)
		})
		return "", false
	}
	token := strings.TrimSpace(string(data))
	return token, token != ""
}

// Chain returns the first credential available from sources, in order.
type Chain []TokenSource

// Token implements TokenSource.
func (c Chain) Token() (string, bool) {
	for _, src := range c {
		if src == nil {
			continue
		}
		if token, ok := src.Token(); ok {
			return token, true
		}
	}
	return "", false
}
