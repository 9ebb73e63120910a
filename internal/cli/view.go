package cli

import (
	"io"
	"sync"

	"github.com/ashureev/aichat/internal/chat"
	"github.com/ashureev/aichat/internal/domain"
)

// transcriptView prints the parts of successive snapshots that are new.
// Hydrated history is printed in full; afterwards user messages are skipped
// because the user has just typed them.
type transcriptView struct {
	out     io.Writer
	r       *Renderer
	onPrint func(domain.ChatMessage)

	mu             sync.Mutex
	conversationID string
	hydrated       bool
	printed        map[string]bool
	typing         bool
	connected      bool
}

func newTranscriptView(out io.Writer, r *Renderer, onPrint func(domain.ChatMessage)) *transcriptView {
	return &transcriptView{out: out, r: r, onPrint: onPrint, printed: map[string]bool{}}
}

// Update is safe to use as chat.Config.OnChange.
func (v *transcriptView) Update(s chat.Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if s.ConversationID != v.conversationID {
		v.conversationID = s.ConversationID
		v.hydrated = false
		v.printed = map[string]bool{}
		v.typing = false
	}

	if s.Connected != v.connected {
		v.connected = s.Connected
		if s.Connected {
			v.r.Info(v.out, "connected to conversation %s", s.ConversationID)
		} else if s.ConversationID != "" {
			v.r.Info(v.out, "disconnected")
		}
	}

	if s.Phase != chat.PhaseReady {
		return
	}

	if !v.hydrated {
		v.hydrated = true
		if len(s.Messages) > 0 {
			v.r.Info(v.out, "%d earlier messages", len(s.Messages))
		}
		for _, m := range s.Messages {
			v.print(m)
		}
	} else {
		for _, m := range s.Messages {
			if v.printed[m.ID] {
				continue
			}
			if m.Role == domain.RoleUser {
				v.printed[m.ID] = true
				continue
			}
			v.print(m)
		}
	}

	if s.IsTyping && !v.typing {
		v.r.Info(v.out, "assistant is typing…")
	}
	v.typing = s.IsTyping
}

func (v *transcriptView) print(m domain.ChatMessage) {
	v.printed[m.ID] = true
	v.r.Message(v.out, m)
	if v.onPrint != nil {
		v.onPrint(m)
	}
}
