// Package chat implements the conversation-scoped chat session: optimistic
// local echo of outgoing messages, history hydration, typing state and the
// mapping of server errors to user notices.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/aichat/internal/connection"
	"github.com/ashureev/aichat/internal/domain"
	"github.com/ashureev/aichat/internal/notify"
	"github.com/ashureev/aichat/internal/protocol"
	"github.com/ashureev/aichat/internal/transport"
)

// ErrNoConversation is returned when an operation needs a conversation and none is selected.
var ErrNoConversation = errors.New("no conversation selected")

const historyTimeout = 30 * time.Second

// Server error codes with dedicated notices.
const (
	errorCodeInsufficientCredits = "insufficient_credits"
	errorCodeRateLimited         = "rate_limited"
	errorCodeRateLimitExceeded   = "rate_limit_exceeded"
)

// Connection is the transport the session drives. *connection.Client satisfies it.
type Connection interface {
	SetConversation(conversationID string)
	Connect()
	Disconnect(code transport.CloseCode, reason string)
	Reconnect()
	SendMessage(env protocol.Outbound) bool
	Status() connection.Status
	Events() <-chan connection.Event
}

// HistoryService is the REST collaborator. *history.Client satisfies it.
type HistoryService interface {
	GetConversationMessages(ctx context.Context, conversationID string) ([]domain.ChatMessage, error)
	CreateConversation(ctx context.Context, title string) (domain.Conversation, error)
}

// Config wires a Session.
type Config struct {
	Connection Connection
	History    HistoryService
	Notifier   notify.Notifier
	Logger     *slog.Logger

	// OnChange, if set, receives a snapshot after every state change, in order.
	OnChange func(Snapshot)

	NewID func() string
	Now   func() time.Time
}

// Session owns the in-memory message list of one conversation at a time.
type Session struct {
	conn     Connection
	history  HistoryService
	notifier notify.Notifier
	logger   *slog.Logger
	onChange func(Snapshot)
	newID    func() string
	now      func() time.Time

	mu               sync.Mutex
	conversationID   string
	phase            Phase
	messages         []domain.ChatMessage
	isTyping         bool
	err              string
	creditsRemaining *int
	historyGen       uint64

	// changeMu orders OnChange deliveries.
	changeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewSession starts a Session consuming the connection's events.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Connection == nil {
		return nil, errors.New("chat: nil connection")
	}
	if cfg.History == nil {
		return nil, errors.New("chat: nil history service")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return "temp-" + uuid.NewString() }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:     cfg.Connection,
		history:  cfg.History,
		notifier: cfg.Notifier,
		logger:   cfg.Logger.With("component", "chat-session"),
		onChange: cfg.OnChange,
		newID:    cfg.NewID,
		now:      cfg.Now,
		ctx:      ctx,
		cancel:   cancel,
	}

	s.wg.Add(1)
	go s.run()
	return s, nil
}

// Snapshot returns the current UI-facing state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	status := s.conn.Status()
	msgs := make([]domain.ChatMessage, len(s.messages))
	copy(msgs, s.messages)
	var credits *int
	if s.creditsRemaining != nil {
		v := *s.creditsRemaining
		credits = &v
	}
	return Snapshot{
		ConversationID:   s.conversationID,
		Phase:            s.phase,
		Messages:         msgs,
		Loading:          s.phase == PhaseLoading,
		IsTyping:         s.isTyping,
		Error:            s.err,
		Connected:        status.Connected(),
		Connecting:       status.Connecting(),
		ReconnectCount:   status.ReconnectAttempt,
		ConnectionError:  status.LastError,
		CreditsRemaining: credits,
	}
}

// unlockAndPublish releases mu after capturing a snapshot and delivers it to
// OnChange while holding changeMu so deliveries keep mutation order.
func (s *Session) unlockAndPublish() {
	if s.onChange == nil {
		s.mu.Unlock()
		return
	}
	snap := s.snapshotLocked()
	s.changeMu.Lock()
	s.mu.Unlock()
	defer s.changeMu.Unlock()
	s.onChange(snap)
}

// SetConversation switches the active conversation. A non-empty id loads its
// history and opens the transport; an empty id clears messages and keeps the
// transport down.
func (s *Session) SetConversation(conversationID string) {
	s.mu.Lock()
	if s.conversationID == conversationID {
		s.mu.Unlock()
		return
	}
	s.historyGen++
	gen := s.historyGen
	s.conversationID = conversationID
	s.messages = nil
	s.isTyping = false
	s.err = ""
	s.mu.Unlock()

	s.conn.SetConversation(conversationID)

	s.mu.Lock()
	if conversationID == "" {
		s.phase = PhaseIdle
		s.unlockAndPublish()
		s.conn.Disconnect(transport.CloseNormal, "no conversation")
		return
	}
	s.phase = PhaseLoading
	s.unlockAndPublish()

	s.logger.Info("Conversation selected", "conversation_id", conversationID)
	s.wg.Add(1)
	go s.loadHistory(gen, conversationID)
	s.conn.Connect()
}

func (s *Session) loadHistory(gen uint64, conversationID string) {
	defer s.wg.Done()
	ctx, cancel := context.WithTimeout(s.ctx, historyTimeout)
	defer cancel()

	msgs, err := s.history.GetConversationMessages(ctx, conversationID)

	s.mu.Lock()
	if gen != s.historyGen {
		s.mu.Unlock()
		return
	}
	s.phase = PhaseReady
	if err != nil {
		s.logger.Error("Failed to load conversation history", "conversation_id", conversationID, "error", err)
		s.unlockAndPublish()
		s.notifier.Notify(notify.Notice{
			Kind:    notify.KindError,
			Code:    notify.CodeHistoryFailed,
			Message: "Failed to load conversation history.",
		})
		return
	}

	s.messages = mergeHistory(msgs, s.messages)
	s.logger.Debug("Conversation history loaded", "conversation_id", conversationID, "count", len(msgs))
	s.unlockAndPublish()
}

// mergeHistory puts loaded history first and keeps messages that arrived
// while it was loading, skipping duplicates.
func mergeHistory(loaded, live []domain.ChatMessage) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(loaded)+len(live))
	seen := make(map[string]struct{}, len(loaded))
	for _, m := range loaded {
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	for _, m := range live {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		out = append(out, m)
	}
	return out
}

// SendMessage sends content to the active conversation.
func (s *Session) SendMessage(content string) bool {
	return s.SendMessageTo("", content)
}

// SendMessageTo sends content, switching to conversationID first when it is
// non-empty and differs from the active one. The user message is shown
// immediately and removed again if the transport refuses it.
func (s *Session) SendMessageTo(conversationID, content string) bool {
	content = strings.TrimSpace(content)
	if content == "" {
		return false
	}
	if conversationID != "" {
		s.SetConversation(conversationID)
	}

	s.mu.Lock()
	if s.conversationID == "" {
		s.mu.Unlock()
		s.notifier.Notify(notify.Notice{
			Kind:    notify.KindWarning,
			Code:    notify.CodeNoConversation,
			Message: "No conversation selected.",
		})
		return false
	}
	tempID := s.newID()
	s.messages = append(s.messages, domain.ChatMessage{
		ID:        tempID,
		Role:      domain.RoleUser,
		Content:   content,
		CreatedAt: s.now(),
	})
	s.unlockAndPublish()

	if s.conn.SendMessage(protocol.Chat(content)) {
		return true
	}

	s.mu.Lock()
	s.messages = removeMessage(s.messages, tempID)
	s.unlockAndPublish()
	s.notifier.Notify(notify.Notice{
		Kind:    notify.KindError,
		Code:    notify.CodeSendFailed,
		Message: "Failed to send message.",
	})
	return false
}

func removeMessage(msgs []domain.ChatMessage, id string) []domain.ChatMessage {
	for i := range msgs {
		if msgs[i].ID == id {
			return append(msgs[:i:i], msgs[i+1:]...)
		}
	}
	return msgs
}

// SendTypingIndicator tells the server whether the user is typing. It is
// dropped silently when the transport is not open.
func (s *Session) SendTypingIndicator(typing bool) bool {
	if !s.conn.Status().Connected() {
		return false
	}
	return s.conn.SendMessage(protocol.Typing(typing))
}

// MarkMessageRead sends a read receipt for messageID when the transport is open.
func (s *Session) MarkMessageRead(messageID string) bool {
	if messageID == "" || !s.conn.Status().Connected() {
		return false
	}
	return s.conn.SendMessage(protocol.ReadReceipt(messageID))
}

// Reconnect forces a fresh transport for the active conversation.
func (s *Session) Reconnect() {
	s.mu.Lock()
	conv := s.conversationID
	s.mu.Unlock()
	if conv == "" {
		return
	}
	s.conn.Reconnect()
}

// CreateConversation creates a conversation through the REST collaborator and
// makes it the active one.
func (s *Session) CreateConversation(ctx context.Context, title string) (domain.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "New conversation"
	}
	conv, err := s.history.CreateConversation(ctx, title)
	if err != nil {
		s.logger.Error("Failed to create conversation", "error", err)
		s.notifier.Notify(notify.Notice{
			Kind:    notify.KindError,
			Code:    notify.CodeConversationFail,
			Message: "Failed to create conversation.",
		})
		return domain.Conversation{}, err
	}
	s.SetConversation(conv.ID)
	return conv, nil
}

// Close disconnects the transport and stops the session. Safe to call more than once.
func (s *Session) Close() {
	s.conn.Disconnect(transport.CloseNormal, "session closed")
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}

func (s *Session) run() {
	defer s.wg.Done()
	events := s.conn.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleEvent(ev)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) handleEvent(ev connection.Event) {
	s.mu.Lock()
	if ev.ConversationID != s.conversationID {
		s.mu.Unlock()
		return
	}

	switch ev.Kind {
	case connection.EventOpen:
		s.err = ""
		s.unlockAndPublish()
	case connection.EventClose:
		s.isTyping = false
		s.unlockAndPublish()
	case connection.EventError:
		s.unlockAndPublish()
	case connection.EventMessage:
		s.handleInboundLocked(ev.Message)
	default:
		s.mu.Unlock()
	}
}

// handleInboundLocked is called with mu held and releases it.
func (s *Session) handleInboundLocked(in protocol.Inbound) {
	switch in.Type {
	case protocol.InboundAssistantResponse:
		resp := in.Response
		s.appendAssistantLocked(resp)
		s.isTyping = false
		if resp.CreditsRemaining != nil {
			v := *resp.CreditsRemaining
			s.creditsRemaining = &v
		}
		s.unlockAndPublish()
		if resp.IsFallback {
			s.notifier.Notify(notify.Notice{
				Kind:    notify.KindWarning,
				Code:    notify.CodeDegraded,
				Message: "The assistant is temporarily degraded. Responses may be limited.",
			})
		}

	case protocol.InboundTypingIndicator:
		s.isTyping = in.Typing
		s.unlockAndPublish()

	case protocol.InboundError:
		e := in.Error
		s.err = e.Message
		if s.err == "" {
			s.err = e.Code
		}
		s.isTyping = false
		s.unlockAndPublish()
		s.logger.Warn("Server reported error", "error_code", e.Code, "message", e.Message)
		s.notifier.Notify(errorNotice(e))

	case protocol.InboundConnectionEstablished:
		s.mu.Unlock()
		s.logger.Debug("Chat connection established", "user_id", in.UserID)

	case protocol.InboundPeerMessage:
		s.mu.Unlock()
		s.logger.Debug("Peer message received", "user_id", in.Peer.UserID, "message_id", in.Peer.MessageID)

	default:
		s.mu.Unlock()
	}
}

func (s *Session) appendAssistantLocked(resp *protocol.AssistantResponse) {
	for _, m := range s.messages {
		if m.ID == resp.MessageID {
			return
		}
	}
	createdAt := resp.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	credits := resp.CreditsUsed
	s.messages = append(s.messages, domain.ChatMessage{
		ID:             resp.MessageID,
		Role:           domain.RoleAssistant,
		Content:        resp.Message,
		CreatedAt:      createdAt,
		CreditsUsed:    &credits,
		StructuredData: resp.StructuredData,
		Insights:       resp.Insights,
	})
}

func errorNotice(e *protocol.ErrorEvent) notify.Notice {
	switch e.Code {
	case errorCodeInsufficientCredits:
		return notify.Notice{
			Kind:    notify.KindError,
			Code:    notify.CodeInsufficient,
			Message: "You have run out of AI credits.",
		}
	case errorCodeRateLimited, errorCodeRateLimitExceeded:
		return notify.Notice{
			Kind:    notify.KindWarning,
			Code:    notify.CodeRateLimited,
			Message: "You are sending messages too quickly. Please slow down.",
		}
	}
	msg := e.Message
	if msg == "" {
		msg = "The assistant reported an error."
	}
	return notify.Notice{Kind: notify.KindError, Code: notify.CodeServerError, Message: msg}
}
