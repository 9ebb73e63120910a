// Package netwatch detects host connectivity transitions by periodically
// probing the chat endpoint and reports offline to online edges.
package netwatch

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"
)

const defaultInterval = 5 * time.Second

// Probe reports whether the network path to the endpoint is usable.
type Probe func(ctx context.Context) bool

// Watcher polls a Probe and invokes OnOnline when a failed probe is followed
// by a successful one.
type Watcher struct {
	Probe     Probe
	Interval  time.Duration
	OnOnline  func()
	OnOffline func()
	Logger    *slog.Logger
}

// TCPProbe dials the host of endpoint (ws, wss, http or https URL) and reports
// whether a TCP connection could be established within timeout.
func TCPProbe(endpoint string, timeout time.Duration) (Probe, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("endpoint %q has no host", endpoint)
	}
	addr := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "wss" || u.Scheme == "https" {
			port = "443"
		}
		addr = net.JoinHostPort(u.Hostname(), port)
	}

	dialer := &net.Dialer{Timeout: timeout}
	return func(ctx context.Context) bool {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, nil
}

// Run polls until ctx is done. The first probe only establishes the baseline.
func (w *Watcher) Run(ctx context.Context) {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := w.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	online := w.Probe(ctx)
	logger.Debug("Network watcher started", "interval", interval, "online", online)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := w.Probe(ctx)
			if now == online {
				continue
			}
			online = now
			if online {
				logger.Info("Network connectivity restored")
				if w.OnOnline != nil {
					w.OnOnline()
				}
			} else {
				logger.Warn("Network connectivity lost")
				if w.OnOffline != nil {
					w.OnOffline()
				}
			}
		case <-ctx.Done():
			logger.Debug("Network watcher stopped", "reason", ctx.Err())
			return
		}
	}
}
