package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/aichat/internal/domain"
)

// FallbackMessage is sent when the responder fails. Fallback replies are free.
const FallbackMessage = "I'm having trouble answering right now. Please try again in a moment."

// Reply is what a Responder produces for one user message.
type Reply struct {
	Content        string
	StructuredData json.RawMessage
}

// Responder produces assistant replies. history holds the conversation so far,
// oldest first, including the prompt being answered.
type Responder interface {
	Reply(ctx context.Context, history []domain.StoredMessage, prompt string) (Reply, error)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, history []domain.StoredMessage, prompt string) (Reply, error)

// Reply implements Responder.
func (f ResponderFunc) Reply(ctx context.Context, history []domain.StoredMessage, prompt string) (Reply, error) {
	return f(ctx, history, prompt)
}

// CannedResponder answers every prompt with a short markdown summary of the
// conversation. It stands in for a model backend during local development.
type CannedResponder struct{}

// Reply implements Responder.
func (CannedResponder) Reply(ctx context.Context, history []domain.StoredMessage, prompt string) (Reply, error) {
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}

	userTurns := 0
	for _, m := range history {
		if m.Role == domain.RoleUser {
			userTurns++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**You said:** %s\n\n", quote(prompt))
	fmt.Fprintf(&b, "- words: %d\n", len(strings.Fields(prompt)))
	fmt.Fprintf(&b, "- characters: %d\n", utf8.RuneCountInString(prompt))
	fmt.Fprintf(&b, "- your messages in this conversation: %d\n", userTurns)

	data, err := json.Marshal(map[string]int{
		"words":      len(strings.Fields(prompt)),
		"characters": utf8.RuneCountInString(prompt),
		"user_turns": userTurns,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("encode structured data: %w", err)
	}
	return Reply{Content: b.String(), StructuredData: data}, nil
}

func quote(s string) string {
	const maxQuote = 200
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > maxQuote {
		s = string([]rune(s)[:maxQuote]) + "…"
	}
	return "_" + s + "_"
}
