// Package notify carries user-facing notices from the chat core to whatever
// surface renders them.
package notify

import (
	"context"
	"log/slog"
	"sync"
)

// Kind classifies a notice for rendering.
type Kind string

const (
	KindInfo    Kind = "info"
	KindSuccess Kind = "success"
	KindWarning Kind = "warning"
	KindError   Kind = "error"
)

// Codes identifying notices that callers may want to react to.
const (
	CodeAuthFailed       = "auth_failed"
	CodeRateLimited      = "rate_limited"
	CodeRefreshRequired  = "refresh_required"
	CodeInactive         = "inactive"
	CodeNotConnected     = "not_connected"
	CodePayloadTooLarge  = "payload_too_large"
	CodeNoCredential     = "no_credential"
	CodeNoConversation   = "no_conversation"
	CodeSendFailed       = "send_failed"
	CodeHistoryFailed    = "history_failed"
	CodeCommunication    = "communication_error"
	CodeDegraded         = "degraded"
	CodeInsufficient     = "insufficient_credits"
	CodeServerError      = "server_error"
	CodeConversationFail = "conversation_failed"
)

// Notice is a transient, user-visible message.
type Notice struct {
	Kind    Kind
	Code    string
	Message string
}

// Notifier receives notices. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(Notice)
}

// Func adapts a function to Notifier.
type Func func(Notice)

// Notify implements Notifier.
func (f Func) Notify(n Notice) { f(n) }

// Nop discards notices.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(Notice) {}

// LogNotifier writes notices to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (l LogNotifier) Notify(n Notice) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	switch n.Kind {
	case KindWarning:
		level = slog.LevelWarn
	case KindError:
		level = slog.LevelError
	}
	logger.Log(context.Background(), level, n.Message, "notice_code", n.Code, "notice_kind", string(n.Kind))
}

// Recorder keeps every notice in memory. Useful for tests and for UIs that
// poll for pending toasts.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

// Notify implements Notifier.
func (r *Recorder) Notify(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

// Notices returns a copy of the recorded notices.
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notice, len(r.notices))
	copy(out, r.notices)
	return out
}

// Count returns how many recorded notices have the given kind.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, notice := range r.notices {
		if notice.Kind == kind {
			n++
		}
	}
	return n
}

// Drain returns and clears the recorded notices.
func (r *Recorder) Drain() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.notices
	r.notices = nil
	return out
}
