// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// ClientConfig configures the interactive chat client.
type ClientConfig struct {
	WSURL          string
	APIURL         string
	Token          string
	TokenFile      string
	ConversationID string
	LogLevel       string

	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	InactivityTimeout    time.Duration
	NetwatchInterval     time.Duration
}

// ServerConfig configures the development backend.
type ServerConfig struct {
	Port           string
	FrontendURL    string
	DBPath         string
	Tokens         []string
	InitialCredits int
	ReplyCost      int
	ReplyDelay     time.Duration
	MessageRate    float64
	MessageBurst   int
}

// LoadClient reads client configuration from environment variables.
func LoadClient() (*ClientConfig, error) {
	cfg := &ClientConfig{
		WSURL:                getEnv("AICHAT_WS_URL", "ws://localhost:8080"),
		APIURL:               getEnv("AICHAT_API_URL", "http://localhost:8080"),
		Token:                getEnv("AICHAT_TOKEN", ""),
		TokenFile:            getEnv("AICHAT_TOKEN_FILE", ""),
		ConversationID:       getEnv("AICHAT_CONVERSATION", ""),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		MaxReconnectAttempts: getEnvInt("AICHAT_MAX_RECONNECT_ATTEMPTS", 5),
		ReconnectBaseDelay:   getEnvDuration("AICHAT_RECONNECT_BASE_DELAY", time.Second),
		ReconnectMaxDelay:    getEnvDuration("AICHAT_RECONNECT_MAX_DELAY", 30*time.Second),
		HeartbeatInterval:    getEnvDuration("AICHAT_HEARTBEAT_INTERVAL", 30*time.Second),
		InactivityTimeout:    getEnvDuration("AICHAT_INACTIVITY_TIMEOUT", 5*time.Minute),
		NetwatchInterval:     getEnvDuration("AICHAT_NETWATCH_INTERVAL", 5*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required client fields are set and consistent.
func (c *ClientConfig) Validate() error {
	if err := validateURL("AICHAT_WS_URL", c.WSURL, "ws", "wss", "http", "https"); err != nil {
		return err
	}
	if err := validateURL("AICHAT_API_URL", c.APIURL, "http", "https"); err != nil {
		return err
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("AICHAT_MAX_RECONNECT_ATTEMPTS must be >= 0")
	}
	if c.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("AICHAT_RECONNECT_BASE_DELAY must be > 0")
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fmt.Errorf("AICHAT_RECONNECT_MAX_DELAY must be >= AICHAT_RECONNECT_BASE_DELAY")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("AICHAT_HEARTBEAT_INTERVAL must be > 0")
	}
	if c.InactivityTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("AICHAT_INACTIVITY_TIMEOUT must be greater than AICHAT_HEARTBEAT_INTERVAL")
	}
	if c.NetwatchInterval <= 0 {
		return fmt.Errorf("AICHAT_NETWATCH_INTERVAL must be > 0")
	}
	return nil
}

// LoadServer reads development backend configuration from environment variables.
func LoadServer() (*ServerConfig, error) {
	cfg := &ServerConfig{
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/aichat.db"),
		Tokens:         getEnvList("DEV_TOKENS", []string{"dev-token"}),
		InitialCredits: getEnvInt("DEV_INITIAL_CREDITS", 100),
		ReplyCost:      getEnvInt("DEV_REPLY_COST", 2),
		ReplyDelay:     getEnvDuration("DEV_REPLY_DELAY", 500*time.Millisecond),
		MessageRate:    getEnvFloat("DEV_MESSAGE_RATE", 1),
		MessageBurst:   getEnvInt("DEV_MESSAGE_BURST", 5),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required server fields are set.
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if len(c.Tokens) == 0 {
		return fmt.Errorf("DEV_TOKENS must list at least one token")
	}
	if c.InitialCredits < 0 {
		return fmt.Errorf("DEV_INITIAL_CREDITS must be >= 0")
	}
	if c.ReplyCost < 0 {
		return fmt.Errorf("DEV_REPLY_COST must be >= 0")
	}
	if c.MessageRate <= 0 {
		return fmt.Errorf("DEV_MESSAGE_RATE must be > 0")
	}
	if c.MessageBurst <= 0 {
		return fmt.Errorf("DEV_MESSAGE_BURST must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *ServerConfig) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func validateURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", key, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("%s must include a host", key)
			}
			return nil
		}
	}
	return fmt.Errorf("%s must use one of %s", key, strings.Join(schemes, ", "))
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
