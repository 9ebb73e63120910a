package chat

import "github.com/ashureev/aichat/internal/domain"

// Phase is the session's coarse state.
type Phase int

const (
	// PhaseIdle means no conversation is selected.
	PhaseIdle Phase = iota
	// PhaseLoading means history for the selected conversation is being fetched.
	PhaseLoading
	// PhaseReady means history has been fetched or failed to load.
	PhaseReady
)

// String returns the string representation of a Phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoading:
		return "loading"
	case PhaseReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Snapshot is the state exposed to a UI.
type Snapshot struct {
	ConversationID   string
	Phase            Phase
	Messages         []domain.ChatMessage
	Loading          bool
	IsTyping         bool
	Error            string
	Connected        bool
	Connecting       bool
	ReconnectCount   int
	ConnectionError  string
	CreditsRemaining *int
}
