package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/ashureev/aichat/internal/chat"
	"github.com/ashureev/aichat/internal/domain"
	"github.com/ashureev/aichat/internal/notify"
)

// Renderer formats messages, notices and status lines for the terminal.
type Renderer struct {
	md *glamour.TermRenderer

	user      lipgloss.Style
	assistant lipgloss.Style
	system    lipgloss.Style
	dim       lipgloss.Style
	notices   map[notify.Kind]lipgloss.Style
}

// NewRenderer builds a renderer. style is a glamour style name; "auto" picks
// one from the terminal background.
func NewRenderer(style string, wordWrap int) (*Renderer, error) {
	opts := []glamour.TermRendererOption{glamour.WithWordWrap(wordWrap)}
	if style == "" || style == "auto" {
		opts = append(opts, glamour.WithAutoStyle())
	} else {
		opts = append(opts, glamour.WithStandardStyle(style))
	}
	md, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create markdown renderer: %w", err)
	}

	return &Renderer{
		md:        md,
		user:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		assistant: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10")),
		system:    lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("8")),
		dim:       lipgloss.NewStyle().Faint(true),
		notices: map[notify.Kind]lipgloss.Style{
			notify.KindInfo:    lipgloss.NewStyle().Foreground(lipgloss.Color("14")),
			notify.KindSuccess: lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
			notify.KindWarning: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
			notify.KindError:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		},
	}, nil
}

// Prompt returns the input prompt.
func (r *Renderer) Prompt() string {
	return r.user.Render("you") + "> "
}

// Message writes one chat message. Assistant content is rendered as markdown.
func (r *Renderer) Message(w io.Writer, m domain.ChatMessage) {
	switch m.Role {
	case domain.RoleAssistant:
		header := r.assistant.Render("assistant")
		if m.CreditsUsed != nil && *m.CreditsUsed > 0 {
			header += r.dim.Render(fmt.Sprintf(" (%d credits)", *m.CreditsUsed))
		}
		body, err := r.md.Render(m.Content)
		if err != nil {
			body = m.Content + "\n"
		}
		fmt.Fprintf(w, "%s\n%s", header, body)
	case domain.RoleSystem:
		fmt.Fprintln(w, r.system.Render(m.Content))
	default:
		fmt.Fprintf(w, "%s> %s\n", r.user.Render("you"), m.Content)
	}
}

// Notice writes a user-facing notice.
func (r *Renderer) Notice(w io.Writer, n notify.Notice) {
	style, ok := r.notices[n.Kind]
	if !ok {
		style = r.dim
	}
	fmt.Fprintln(w, style.Render("["+string(n.Kind)+"] "+n.Message))
}

// Info writes a dim informational line.
func (r *Renderer) Info(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, r.dim.Render(fmt.Sprintf(format, args...)))
}

// Status summarizes a session snapshot in one line.
func (r *Renderer) Status(s chat.Snapshot) string {
	var parts []string
	if s.ConversationID != "" {
		parts = append(parts, "conversation "+s.ConversationID)
	}
	switch {
	case s.Connected:
		parts = append(parts, "connected")
	case s.Connecting:
		parts = append(parts, "connecting")
	default:
		parts = append(parts, "disconnected")
	}
	if s.ReconnectCount > 0 {
		parts = append(parts, fmt.Sprintf("reconnect attempt %d", s.ReconnectCount))
	}
	if s.ConnectionError != "" {
		parts = append(parts, "last error: "+s.ConnectionError)
	}
	if s.CreditsRemaining != nil {
		parts = append(parts, fmt.Sprintf("%d credits left", *s.CreditsRemaining))
	}
	parts = append(parts, fmt.Sprintf("%d messages", len(s.Messages)))
	return r.dim.Render(strings.Join(parts, " · "))
}
