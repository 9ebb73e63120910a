package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ashureev/aichat/internal/domain"
	"github.com/ashureev/aichat/internal/identity"
)

const (
	defaultConversationTitle = "New conversation"
	maxTitleLength           = 200
)

// ConversationHandler serves conversation, history and account endpoints.
type ConversationHandler struct {
	*Handler
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(base *Handler) *ConversationHandler {
	return &ConversationHandler{Handler: base}
}

// RegisterRoutes registers conversation routes. Callers mount identity.Middleware first.
func (h *ConversationHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Get("/conversations", h.ListConversations)
		r.Post("/conversations", h.CreateConversation)
		r.Get("/conversations/{conversationID}/messages", h.ListMessages)
	})
}

// GetMe returns the caller's identity and credit balance.
func (h *ConversationHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	acct, err := h.repo.EnsureAccount(r.Context(), userID, h.initialCredits())
	if err != nil {
		slog.Error("Failed to load account", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to load account")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":           acct.UserID,
		"credits_remaining": acct.CreditsRemaining,
	})
}

// ListConversations returns the caller's conversations.
func (h *ConversationHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	convs, err := h.repo.ListConversations(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to list conversations", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{"conversations": convs})
}

// CreateConversation starts a new conversation owned by the caller.
func (h *ConversationHandler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	var req struct {
		Title string `json:"title"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
			Error(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = defaultConversationTitle
	}
	if len(title) > maxTitleLength {
		Error(w, http.StatusBadRequest, "title too long")
		return
	}

	now := time.Now()
	conv := &domain.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.repo.CreateConversation(r.Context(), conv); err != nil {
		slog.Error("Failed to create conversation", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}

	slog.Info("Conversation created", "user_id", userID, "conversation_id", conv.ID)
	JSON(w, http.StatusCreated, conv)
}

// ListMessages returns the persisted history of one of the caller's conversations.
func (h *ConversationHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	convID := chi.URLParam(r, "conversationID")

	conv, err := h.repo.GetConversation(r.Context(), convID)
	if err != nil {
		slog.Error("Failed to load conversation", "error", err, "conversation_id", convID)
		Error(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	// Another user's conversation is indistinguishable from a missing one.
	if conv == nil || conv.UserID != userID {
		Error(w, http.StatusNotFound, "conversation not found")
		return
	}

	stored, err := h.repo.ListMessages(r.Context(), convID)
	if err != nil {
		slog.Error("Failed to list messages", "error", err, "conversation_id", convID)
		Error(w, http.StatusInternalServerError, "failed to list messages")
		return
	}

	msgs := make([]domain.ChatMessage, 0, len(stored))
	for i := range stored {
		msgs = append(msgs, stored[i].ChatMessage())
	}
	JSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}
