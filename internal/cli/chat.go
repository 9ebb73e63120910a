package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/ashureev/aichat/internal/chat"
	"github.com/ashureev/aichat/internal/connection"
	"github.com/ashureev/aichat/internal/domain"
	"github.com/ashureev/aichat/internal/netwatch"
	"github.com/ashureev/aichat/internal/notify"
	"github.com/ashureev/aichat/internal/transport"
)

const netwatchProbeTimeout = 2 * time.Second

// lineReader is the subset of *readline.Instance the chat loop needs.
type lineReader interface {
	Readline() (string, error)
	Stdout() io.Writer
	Close() error
}

func (a *app) readlineReader(prompt string) (lineReader, error) {
	cfg := &readline.Config{
		Prompt:          prompt,
		HistoryLimit:    500,
		InterruptPrompt: "^C",
		EOFPrompt:       "/quit",
		Stdout:          a.stdout,
		Stderr:          a.stderr,
	}
	if a.stdin != os.Stdin {
		cfg.Stdin = io.NopCloser(a.stdin)
	}
	rl, err := readline.NewEx(cfg)
	if err != nil {
		return nil, fmt.Errorf("init line editor: %w", err)
	}
	return rl, nil
}

func newChatCmd(a *app) *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "chat [conversation-id]",
		Short: "Open an interactive chat session",
		Long: `Open an interactive chat session. Without an ID, the conversation from
AICHAT_CONVERSATION is resumed, or a new one is created.

Commands inside the session:
  /new [title]   start a new conversation
  /switch <id>   switch to another conversation
  /reconnect     force a fresh connection
  /status        show connection state and credits
  /quit          leave`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			convID := a.cfg.ConversationID
			if len(args) == 1 {
				convID = args[0]
			}
			return a.runChat(cmd.Context(), convID, title)
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title for a newly created conversation")
	return cmd
}

func (a *app) runChat(ctx context.Context, convID, title string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r, err := a.renderer()
	if err != nil {
		return err
	}
	hist, err := a.historyClient()
	if err != nil {
		return err
	}

	lr, err := a.newLineReader(r.Prompt())
	if err != nil {
		return err
	}
	defer func() { _ = lr.Close() }()
	out := lr.Stdout()

	notifier := notify.Func(func(n notify.Notice) { r.Notice(out, n) })

	connCfg := connection.DefaultConfig()
	connCfg.BaseURL = a.cfg.WSURL
	connCfg.Tokens = a.tokens()
	connCfg.MaxReconnectAttempts = a.cfg.MaxReconnectAttempts
	connCfg.BaseReconnectDelay = a.cfg.ReconnectBaseDelay
	connCfg.MaxReconnectDelay = a.cfg.ReconnectMaxDelay
	connCfg.HeartbeatInterval = a.cfg.HeartbeatInterval
	connCfg.InactivityTimeout = a.cfg.InactivityTimeout
	connCfg.Dialer = transport.NewWebSocketDialer(a.logger)
	connCfg.Notifier = notifier
	connCfg.Logger = a.logger

	client, err := connection.New(connCfg)
	if err != nil {
		return err
	}
	defer client.Dispose()

	// OnChange can fire before NewSession returns.
	var current atomic.Pointer[chat.Session]
	view := newTranscriptView(out, r, func(m domain.ChatMessage) {
		if s := current.Load(); s != nil && m.Role == domain.RoleAssistant {
			s.MarkMessageRead(m.ID)
		}
	})

	session, err := chat.NewSession(chat.Config{
		Connection: client,
		History:    hist,
		Notifier:   notifier,
		Logger:     a.logger,
		OnChange:   view.Update,
	})
	if err != nil {
		return err
	}
	defer session.Close()
	current.Store(session)

	probe, err := netwatch.TCPProbe(a.cfg.WSURL, netwatchProbeTimeout)
	if err != nil {
		return err
	}
	w := &netwatch.Watcher{
		Probe:    probe,
		Interval: a.cfg.NetwatchInterval,
		OnOnline: client.Online,
		Logger:   a.logger,
	}
	go w.Run(ctx)

	if convID == "" {
		conv, err := session.CreateConversation(ctx, title)
		if err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
		r.Info(out, "started conversation %s (%s)", conv.ID, conv.Title)
	} else {
		session.SetConversation(convID)
	}

	return a.chatLoop(ctx, lr, session, r)
}

func (a *app) chatLoop(ctx context.Context, lr lineReader, session *chat.Session, r *Renderer) error {
	out := lr.Stdout()
	for {
		line, err := lr.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			session.SendMessage(line)
			continue
		}

		cmd, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)
		switch cmd {
		case "/quit", "/exit":
			return nil
		case "/reconnect":
			session.Reconnect()
		case "/status":
			fmt.Fprintln(out, r.Status(session.Snapshot()))
		case "/new":
			if conv, err := session.CreateConversation(ctx, arg); err == nil {
				r.Info(out, "started conversation %s (%s)", conv.ID, conv.Title)
			}
		case "/switch":
			if arg == "" {
				r.Info(out, "usage: /switch <conversation-id>")
				continue
			}
			session.SetConversation(arg)
		case "/help":
			r.Info(out, "/new [title] · /switch <id> · /reconnect · /status · /quit")
		default:
			r.Info(out, "unknown command %s, try /help", cmd)
		}
	}
}
