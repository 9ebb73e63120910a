// Package history is the REST collaborator that loads conversation history
// and creates conversations on the chat backend.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/aichat/internal/auth"
	"github.com/ashureev/aichat/internal/domain"
)

var (
	// ErrNotFound is returned when the conversation does not exist.
	ErrNotFound = errors.New("conversation not found")
	// ErrUnauthorized is returned when the credential is missing or rejected.
	ErrUnauthorized = errors.New("unauthorized")
)

// StatusError is returned for any other non-2xx response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("history api: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("history api: HTTP %d: %s", e.StatusCode, e.Message)
}

// Client talks to the /api/conversations endpoints.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	tokens  auth.TokenSource
	logger  *slog.Logger
}

// NewClient returns a Client for baseURL. A nil httpClient gets a 15s timeout.
func NewClient(baseURL string, tokens auth.TokenSource, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported api url scheme %q", u.Scheme)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{baseURL: u, http: httpClient, tokens: tokens, logger: logger}, nil
}

type messagesResponse struct {
	Messages []domain.ChatMessage `json:"messages"`
}

type conversationsResponse struct {
	Conversations []domain.Conversation `json:"conversations"`
}

type createConversationRequest struct {
	Title string `json:"title"`
}

// GetConversationMessages returns the stored messages of a conversation in order.
func (c *Client) GetConversationMessages(ctx context.Context, conversationID string) ([]domain.ChatMessage, error) {
	if conversationID == "" {
		return nil, errors.New("empty conversation id")
	}
	var out messagesResponse
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("get messages for %s: %w", conversationID, err)
	}
	return out.Messages, nil
}

// ListConversations returns the caller's conversations, newest first.
func (c *Client) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	var out conversationsResponse
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &out); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return out.Conversations, nil
}

// CreateConversation creates a conversation with the given title.
func (c *Client) CreateConversation(ctx context.Context, title string) (domain.Conversation, error) {
	var out domain.Conversation
	if err := c.do(ctx, http.MethodPost, "/api/conversations", createConversationRequest{Title: title}, &out); err != nil {
		return domain.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	ref, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("build request path: %w", err)
	}
	u := *c.baseURL
	u.Path = c.baseURL.Path + ref.Path
	u.RawPath = c.baseURL.EscapedPath() + ref.EscapedPath()
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		if token, ok := c.tokens.Token(); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := readErrorMessage(resp.Body)
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
		case http.StatusNotFound:
			return ErrNotFound
		default:
			return &StatusError{StatusCode: resp.StatusCode, Message: msg}
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func readErrorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4<<10))
	if err != nil {
		return ""
	}
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(data))
}
