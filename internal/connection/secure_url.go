package connection

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/ashureev/aichat/internal/auth"
)

var (
	// ErrNoCredential means the token source had no credential at connect time.
	ErrNoCredential = errors.New("no access credential available")
	// ErrNoConversation means no target conversation is set.
	ErrNoConversation = errors.New("no conversation selected")
)

// URLFactory mints the credentialed chat endpoint URL. The credential goes in
// the query string because browser-compatible WebSocket handshakes cannot
// carry custom headers.
type URLFactory struct {
	base   *url.URL
	tokens auth.TokenSource
}

// NewURLFactory validates baseURL (ws, wss, http or https) and returns a factory.
func NewURLFactory(baseURL string, tokens auth.TokenSource) (*URLFactory, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("base url %q has no host", baseURL)
	}
	return &URLFactory{base: u, tokens: tokens}, nil
}

// Mint returns {base}/ws/ai-chat/{conversationID}/?token={credential},
// reading a fresh credential on every call.
func (f *URLFactory) Mint(conversationID string) (string, error) {
	if conversationID == "" {
		return "", ErrNoConversation
	}
	if f.tokens == nil {
		return "", ErrNoCredential
	}
	token, ok := f.tokens.Token()
	if !ok {
		return "", ErrNoCredential
	}

	u := *f.base
	u.Path = strings.TrimRight(f.base.Path, "/") + "/ws/ai-chat/" + conversationID + "/"
	u.RawPath = strings.TrimRight(f.base.EscapedPath(), "/") + "/ws/ai-chat/" + url.PathEscape(conversationID) + "/"
	q := url.Values{}
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
