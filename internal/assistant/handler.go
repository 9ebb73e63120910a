package assistant

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ashureev/aichat/internal/config"
	"github.com/ashureev/aichat/internal/domain"
	"github.com/ashureev/aichat/internal/identity"
	"github.com/ashureev/aichat/internal/metrics"
	"github.com/ashureev/aichat/internal/protocol"
	"github.com/ashureev/aichat/internal/store"
	"github.com/ashureev/aichat/internal/transport"
)

const (
	goingAway        = websocket.StatusGoingAway
	closeAuthFailed  = websocket.StatusCode(transport.CloseAuthFailed)
	closeRateLimited = websocket.StatusCode(transport.CloseRateLimited)

	writeTimeout   = 10 * time.Second
	replyQueueSize = 4

	// Consecutive rate-limited messages before the connection is closed.
	maxRateStrikes = 3
)

// Error codes sent in error frames.
const (
	ErrorInsufficientCredits = "insufficient_credits"
	ErrorRateLimited         = "rate_limited"
	ErrorInvalidMessage      = "invalid_message"
	ErrorBusy                = "busy"
	ErrorInternal            = "internal_error"
)

// WebSocketHandler serves /ws/ai-chat/{conversationID}/.
type WebSocketHandler struct {
	repo      store.Repository
	tokens    *identity.Tokens
	responder Responder
	registry  *Registry
	cfg       *config.ServerConfig

	now   func() time.Time
	newID func() string
}

// NewWebSocketHandler creates a new chat WebSocket handler.
func NewWebSocketHandler(repo store.Repository, tokens *identity.Tokens, responder Responder, registry *Registry, cfg *config.ServerConfig) *WebSocketHandler {
	if responder == nil {
		responder = CannedResponder{}
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &WebSocketHandler{
		repo:      repo,
		tokens:    tokens,
		responder: responder,
		registry:  registry,
		cfg:       cfg,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// RegisterRoutes registers the chat WebSocket route. The route authenticates
// itself from the token query parameter.
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/ai-chat/{conversationID}/", h.ServeHTTP)
}

// peer is one accepted chat connection.
type peer struct {
	ws             *websocket.Conn
	userID         string
	conversationID string
	closeOnce      sync.Once
}

func (p *peer) send(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return p.ws.Write(ctx, websocket.MessageText, data)
}

func (p *peer) close(code websocket.StatusCode, reason string) {
	p.closeOnce.Do(func() {
		if err := p.ws.Close(code, reason); err != nil {
			slog.Debug("Failed to close chat websocket", "error", err, "user_id", p.userID)
		}
	})
}

func (p *peer) sendError(code, message string) {
	data, err := protocol.EncodeError(code, message)
	if err != nil {
		slog.Error("Failed to encode error frame", "error", err)
		return
	}
	if err := p.send(data); err != nil {
		slog.Debug("Failed to send error frame", "error", err, "user_id", p.userID)
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "conversationID")
	userID, authed := h.tokens.Lookup(identity.TokenFromRequest(r))
	slog.Info("Chat connection request", "user_id", userID, "conversation_id", convID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "conversation_id", convID)
		return
	}
	ws.SetReadLimit(transport.DefaultReadLimit)

	p := &peer{ws: ws, userID: userID, conversationID: convID}
	defer p.close(websocket.StatusNormalClosure, "session ended")

	// Credential failures are reported as a close status so clients can tell
	// them apart from transient drops.
	if !authed {
		slog.Warn("Chat connection rejected", "reason", "invalid token", "conversation_id", convID)
		p.close(closeAuthFailed, "authentication failed")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := h.ensureConversation(ctx, userID, convID); err != nil {
		if errors.Is(err, errForbidden) {
			p.close(closeAuthFailed, "conversation not accessible")
		} else {
			slog.Error("Failed to prepare conversation", "error", err, "conversation_id", convID)
			p.close(websocket.StatusInternalError, "internal error")
		}
		return
	}
	if _, err := h.repo.EnsureAccount(ctx, userID, h.cfg.InitialCredits); err != nil {
		slog.Error("Failed to prepare account", "error", err, "user_id", userID)
		p.close(websocket.StatusInternalError, "internal error")
		return
	}

	h.registry.register(p)
	defer h.registry.unregister(p)
	metrics.ServerConnections.Inc()
	defer metrics.ServerConnections.Dec()

	hello, err := protocol.EncodeConnectionEstablished(userID)
	if err == nil {
		err = p.send(hello)
	}
	if err != nil {
		slog.Debug("Failed to send connection_established", "error", err, "user_id", userID)
		return
	}

	prompts := make(chan string, replyQueueSize)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		h.replyLoop(ctx, p, prompts)
	}()

	h.inputLoop(ctx, p, prompts)
	cancel()
	wg.Wait()
	slog.Info("Chat session ended", "user_id", userID, "conversation_id", convID)
}

var errForbidden = errors.New("conversation belongs to another user")

// ensureConversation creates convID for userID on first use.
func (h *WebSocketHandler) ensureConversation(ctx context.Context, userID, convID string) error {
	conv, err := h.repo.GetConversation(ctx, convID)
	if err != nil {
		return err
	}
	if conv != nil {
		if conv.UserID != userID {
			return errForbidden
		}
		return nil
	}

	now := h.now()
	return h.repo.CreateConversation(ctx, &domain.Conversation{
		ID:        convID,
		UserID:    userID,
		Title:     "New conversation",
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDevelopment() {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.cfg.FrontendURL == "*" {
		return true
	}
	if origin == h.cfg.FrontendURL {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.FrontendURL)
	return false
}

func (h *WebSocketHandler) newLimiter() *rate.Limiter {
	burst := h.cfg.MessageBurst
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(h.cfg.MessageRate)
	if h.cfg.MessageRate <= 0 {
		limit = rate.Inf
	}
	return rate.NewLimiter(limit, burst)
}

//nolint:gocognit // Message dispatch coordinates rate limiting, persistence and relay.
func (h *WebSocketHandler) inputLoop(ctx context.Context, p *peer, prompts chan<- string) {
	limiter := h.newLimiter()
	strikes := 0

	for {
		_, data, err := p.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "user_id", p.userID, "code", int(websocket.CloseStatus(err)))
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "user_id", p.userID)
			}
			return
		}

		env, err := protocol.DecodeOutbound(data)
		if err != nil {
			slog.Debug("Invalid client frame", "error", err, "user_id", p.userID)
			p.sendError(ErrorInvalidMessage, "message could not be understood")
			continue
		}

		switch env.Type() {
		case protocol.OutboundPing:
			pong, _ := protocol.EncodePong()
			if err := p.send(pong); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}

		case protocol.OutboundTyping:
			slog.Debug("Client typing", "user_id", p.userID, "typing", env.IsTyping())

		case protocol.OutboundReadReceipt:
			slog.Debug("Read receipt", "user_id", p.userID, "message_id", env.MessageID())

		case protocol.OutboundChat:
			if !limiter.Allow() {
				strikes++
				metrics.ServerReplies.WithLabelValues("rate_limited").Inc()
				if strikes >= maxRateStrikes {
					slog.Warn("Closing rate-limited chat connection", "user_id", p.userID)
					p.close(closeRateLimited, "rate limit exceeded")
					return
				}
				p.sendError(ErrorRateLimited, "You are sending messages too quickly.")
				continue
			}
			strikes = 0

			if err := h.acceptUserMessage(ctx, p, env.Text()); err != nil {
				slog.Error("Failed to store user message", "error", err, "user_id", p.userID)
				p.sendError(ErrorInternal, "message could not be saved")
				continue
			}

			select {
			case prompts <- env.Text():
			default:
				p.sendError(ErrorBusy, "The assistant is still answering. Please wait.")
			}
		}
	}
}

// acceptUserMessage persists text and relays it to the conversation's other participants.
func (h *WebSocketHandler) acceptUserMessage(ctx context.Context, p *peer, text string) error {
	msg := &domain.StoredMessage{
		ID:             h.newID(),
		ConversationID: p.conversationID,
		Role:           domain.RoleUser,
		Content:        text,
		CreatedAt:      h.now(),
	}
	if err := h.repo.AppendMessage(ctx, msg); err != nil {
		return err
	}

	others := h.registry.others(p)
	if len(others) == 0 {
		return nil
	}
	relay, err := protocol.EncodePeerMessage(protocol.PeerMessage{
		MessageID: msg.ID,
		UserID:    p.userID,
		Message:   msg.Content,
		CreatedAt: msg.CreatedAt,
	})
	if err != nil {
		return err
	}
	for _, other := range others {
		if err := other.send(relay); err != nil {
			slog.Debug("Failed to relay message", "error", err, "user_id", other.userID)
		}
	}
	return nil
}

func (h *WebSocketHandler) replyLoop(ctx context.Context, p *peer, prompts <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case prompt := <-prompts:
			if err := h.reply(ctx, p, prompt); err != nil {
				if ctx.Err() == nil {
					slog.Warn("Reply failed", "error", err, "user_id", p.userID)
				}
				return
			}
		}
	}
}

// reply answers one prompt. It returns an error only when the connection is unusable.
func (h *WebSocketHandler) reply(ctx context.Context, p *peer, prompt string) error {
	start := h.now()
	cost := h.cfg.ReplyCost

	acct, err := h.repo.EnsureAccount(ctx, p.userID, h.cfg.InitialCredits)
	if err != nil {
		p.sendError(ErrorInternal, "account unavailable")
		return nil
	}
	if !acct.HasCredits(cost) {
		metrics.ServerReplies.WithLabelValues("insufficient_credits").Inc()
		p.sendError(ErrorInsufficientCredits, "You have run out of AI credits.")
		return nil
	}

	if err := h.sendTyping(p, true); err != nil {
		return err
	}

	if h.cfg.ReplyDelay > 0 {
		timer := time.NewTimer(h.cfg.ReplyDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	history, err := h.repo.ListMessages(ctx, p.conversationID)
	if err != nil {
		slog.Warn("Failed to load history for reply", "error", err, "conversation_id", p.conversationID)
	}

	resp := protocol.AssistantResponse{MessageID: h.newID()}
	outcome := "ok"

	answer, err := h.responder.Reply(ctx, history, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("Responder failed, sending fallback", "error", err, "user_id", p.userID)
		resp.Message = FallbackMessage
		resp.IsFallback = true
		outcome = "fallback"
		remaining := acct.CreditsRemaining
		resp.CreditsRemaining = &remaining
	} else {
		remaining, err := h.repo.DebitCredits(ctx, p.userID, cost)
		if errors.Is(err, store.ErrInsufficientCredits) {
			metrics.ServerReplies.WithLabelValues("insufficient_credits").Inc()
			p.sendError(ErrorInsufficientCredits, "You have run out of AI credits.")
			return h.sendTyping(p, false)
		}
		if err != nil {
			slog.Error("Failed to debit credits", "error", err, "user_id", p.userID)
			p.sendError(ErrorInternal, "billing unavailable")
			return h.sendTyping(p, false)
		}
		resp.Message = answer.Content
		resp.StructuredData = answer.StructuredData
		resp.CreditsUsed = cost
		resp.CreditsRemaining = &remaining
	}
	resp.CreatedAt = h.now()

	stored := &domain.StoredMessage{
		ID:             resp.MessageID,
		ConversationID: p.conversationID,
		Role:           domain.RoleAssistant,
		Content:        resp.Message,
		CreditsUsed:    resp.CreditsUsed,
		StructuredData: string(resp.StructuredData),
		CreatedAt:      resp.CreatedAt,
	}
	if err := h.repo.AppendMessage(ctx, stored); err != nil {
		slog.Error("Failed to store assistant message", "error", err, "conversation_id", p.conversationID)
	}

	if err := h.sendTyping(p, false); err != nil {
		return err
	}
	data, err := protocol.EncodeAssistantResponse(resp)
	if err != nil {
		slog.Error("Failed to encode reply", "error", err)
		return nil
	}
	if err := p.send(data); err != nil {
		return err
	}

	metrics.ServerReplies.WithLabelValues(outcome).Inc()
	metrics.ServerReplyDuration.Observe(h.now().Sub(start).Seconds())
	return nil
}

func (h *WebSocketHandler) sendTyping(p *peer, typing bool) error {
	data, err := protocol.EncodeTypingIndicator(typing)
	if err != nil {
		return err
	}
	return p.send(data)
}
