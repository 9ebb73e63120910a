// Package cli implements the aichat command line: an interactive chat
// session plus conversation and history management.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/ashureev/aichat/internal/auth"
	"github.com/ashureev/aichat/internal/config"
	"github.com/ashureev/aichat/internal/history"
)

type app struct {
	wsURL     string
	apiURL    string
	token     string
	tokenFile string
	logLevel  string
	style     string

	cfg    *config.ClientConfig
	logger *slog.Logger

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	// newLineReader is swapped out in tests.
	newLineReader func(prompt string) (lineReader, error)
}

// NewRootCommand returns the aichat root command bound to the process's standard streams.
func NewRootCommand() *cobra.Command {
	return NewRootCommandWithIO(os.Stdin, os.Stdout, os.Stderr)
}

// NewRootCommandWithIO returns the root command bound to the given streams.
func NewRootCommandWithIO(in io.Reader, out, errOut io.Writer) *cobra.Command {
	return newApp(in, out, errOut).command()
}

func newApp(in io.Reader, out, errOut io.Writer) *app {
	a := &app{stdin: in, stdout: out, stderr: errOut}
	a.newLineReader = a.readlineReader
	return a
}

func (a *app) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "aichat",
		Short:         "Chat with the AI assistant from your terminal",
		Long:          "aichat keeps a resilient WebSocket session to the assistant, reconnecting with backoff and restoring history when the network comes back.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
	}

	cmd.PersistentFlags().StringVar(&a.wsURL, "ws-url", "", "WebSocket base URL (overrides AICHAT_WS_URL)")
	cmd.PersistentFlags().StringVar(&a.apiURL, "api-url", "", "REST API base URL (overrides AICHAT_API_URL)")
	cmd.PersistentFlags().StringVar(&a.token, "token", "", "access token (overrides AICHAT_TOKEN)")
	cmd.PersistentFlags().StringVar(&a.tokenFile, "token-file", "", "file holding the access token, re-read on every connect")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
	cmd.PersistentFlags().StringVar(&a.style, "style", "auto", "markdown style: auto, dark, light, notty or ascii")

	cmd.SetIn(a.stdin)
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)

	cmd.AddCommand(
		newChatCmd(a),
		newConversationsCmd(a),
		newHistoryCmd(a),
	)
	return cmd
}

func (a *app) init() error {
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}
	if a.wsURL != "" {
		cfg.WSURL = a.wsURL
	}
	if a.apiURL != "" {
		cfg.APIURL = a.apiURL
	}
	if a.token != "" {
		cfg.Token = a.token
	}
	if a.tokenFile != "" {
		cfg.TokenFile = a.tokenFile
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	a.cfg = cfg
	a.logger = newLogger(a.stderr, cfg.LogLevel)
	slog.SetDefault(a.logger)
	return nil
}

// newLogger returns a slog.Logger backed by a charmbracelet logger.
func newLogger(w io.Writer, level string) *slog.Logger {
	handler := log.NewWithOptions(w, log.Options{
		Prefix:          "aichat",
		ReportTimestamp: false,
	})
	lvl, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = log.InfoLevel
	}
	handler.SetLevel(lvl)
	return slog.New(handler)
}

// tokens reads the credential fresh on every call: flag or env value first,
// then the token file, then the environment again.
func (a *app) tokens() auth.TokenSource {
	return auth.Chain{
		auth.StaticToken(a.cfg.Token),
		&auth.FileToken{Path: a.cfg.TokenFile},
		auth.EnvToken("AICHAT_TOKEN"),
	}
}

func (a *app) historyClient() (*history.Client, error) {
	return history.NewClient(a.cfg.APIURL, a.tokens(), nil, a.logger)
}

func (a *app) renderer() (*Renderer, error) {
	return NewRenderer(a.style, 80)
}
