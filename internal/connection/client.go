// Package connection owns the lifecycle of the chat transport: opening with
// a freshly minted credential, heartbeats, inactivity detection and
// reconnection with jittered exponential backoff.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ashureev/aichat/internal/auth"
	"github.com/ashureev/aichat/internal/metrics"
	"github.com/ashureev/aichat/internal/notify"
	"github.com/ashureev/aichat/internal/protocol"
	"github.com/ashureev/aichat/internal/transport"
)

// ErrReconnectExhausted is recorded when the reconnect budget is spent.
// Recovery requires a manual Reconnect.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted: manual refresh required")

const (
	defaultWriteQueueSize = 64
	defaultEventQueueSize = 64
	writeTimeout          = 10 * time.Second
)

// Config configures a Client. It is copied at construction.
type Config struct {
	BaseURL              string
	Tokens               auth.TokenSource
	MaxReconnectAttempts int
	BaseReconnectDelay   time.Duration
	MaxReconnectDelay    time.Duration
	HeartbeatInterval    time.Duration
	InactivityTimeout    time.Duration
	WriteQueueSize       int

	Dialer   transport.Dialer
	Clock    Clock
	Notifier notify.Notifier
	Logger   *slog.Logger
	Rand     func() float64
}

// DefaultConfig returns the transport defaults.
func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: 5,
		BaseReconnectDelay:   time.Second,
		MaxReconnectDelay:    30 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		InactivityTimeout:    5 * time.Minute,
		WriteQueueSize:       defaultWriteQueueSize,
	}
}

// pending is one ordered item for the delivery pump.
type pending struct {
	event  *Event
	notice *notify.Notice
}

// Client is a single logical chat connection. All state transitions happen
// under mu and are tagged with a generation number; any timer or goroutine
// whose generation is stale is ignored.
type Client struct {
	cfg     Config
	urls    *URLFactory
	backoff Backoff
	clock   Clock
	log     *slog.Logger

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu             sync.Mutex
	state          State
	conversationID string
	attempt        int
	exhausted      bool
	lastError      string
	closing        bool
	disposed       bool
	gen            uint64

	conn       transport.Conn
	dialCancel context.CancelFunc
	sendQ      chan []byte
	writerStop chan struct{}

	reconnectTimer  Timer
	heartbeatTimer  Timer
	inactivityTimer Timer

	queue    []pending
	wake     chan struct{}
	events   chan Event
	pumpDone chan struct{}

	wg sync.WaitGroup
}

// New validates cfg and returns an idle Client. Call Dispose to release it.
func New(cfg Config) (*Client, error) {
	urls, err := NewURLFactory(cfg.BaseURL, cfg.Tokens)
	if err != nil {
		return nil, err
	}
	if cfg.Dialer == nil {
		return nil, errors.New("connection: nil dialer")
	}
	if cfg.MaxReconnectAttempts < 0 {
		return nil, fmt.Errorf("connection: negative max reconnect attempts %d", cfg.MaxReconnectAttempts)
	}
	if cfg.WriteQueueSize <= 0 {
		cfg.WriteQueueSize = defaultWriteQueueSize
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	b := DefaultBackoff()
	if cfg.BaseReconnectDelay > 0 {
		b.Base = cfg.BaseReconnectDelay
	}
	if cfg.MaxReconnectDelay > 0 {
		b.Max = cfg.MaxReconnectDelay
	}
	b.Rand = cfg.Rand

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:        cfg,
		urls:       urls,
		backoff:    b,
		clock:      cfg.Clock,
		log:        cfg.Logger.With("component", "chat-connection"),
		rootCtx:    ctx,
		rootCancel: cancel,
		wake:       make(chan struct{}, 1),
		events:     make(chan Event, defaultEventQueueSize),
		pumpDone:   make(chan struct{}),
	}
	go c.pump()
	return c, nil
}

// Events returns the ordered lifecycle event stream. It is closed after
// Dispose. Consumers must keep draining it.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Status returns a snapshot of the connection.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:            c.state,
		ConversationID:   c.conversationID,
		ReconnectAttempt: c.attempt,
		ReconnectPending: c.reconnectTimer != nil,
		Exhausted:        c.exhausted,
		LastError:        c.lastError,
	}
}

// SetConversation retargets the client. A live transport for a different
// conversation is disconnected first; the caller decides when to Connect.
func (c *Client) SetConversation(conversationID string) {
	c.mu.Lock()
	same := c.conversationID == conversationID
	c.mu.Unlock()
	if same {
		return
	}
	c.Disconnect(transport.CloseNormal, "conversation changed")

	c.mu.Lock()
	c.conversationID = conversationID
	c.mu.Unlock()
}

// Connect opens a transport unless one is already opening, open or closing.
// Missing credentials or conversation are recorded in LastError and leave the
// client Disconnected.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	switch c.state {
	case StateConnecting, StateConnected, StateClosing:
		return
	}
	c.closing = false
	c.openLocked()
}

// Reconnect drops any current transport, clears an exhausted reconnect
// budget, and opens a new transport.
func (c *Client) Reconnect() {
	c.Disconnect(transport.CloseNormal, "manual reconnect")

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.attempt = 0
	c.exhausted = false
	c.closing = false
	c.openLocked()
}

// Online signals that host connectivity came back. A connection that is
// waiting on backoff, or that exhausted its budget, retries immediately.
// Intentional and terminal closes are left alone.
func (c *Client) Online() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed || c.closing {
		return
	}
	switch {
	case c.reconnectTimer != nil:
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	case c.state == StateDisconnected && c.exhausted:
	default:
		return
	}
	c.log.Info("connectivity restored, retrying now", "conversation_id", c.conversationID)
	c.attempt = 0
	c.exhausted = false
	c.setStateLocked(StateDisconnected)
	c.openLocked()
}

// Disconnect cancels pending reconnects and timers, closes any live
// transport and leaves the client Disconnected. Safe to call repeatedly.
func (c *Client) Disconnect(code transport.CloseCode, reason string) {
	c.mu.Lock()
	c.closing = true
	c.attempt = 0
	conn := c.conn
	c.teardownLocked()
	if conn == nil {
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateClosing)
	c.recordCloseLocked(code, "intentional")
	c.emitLocked(Event{Kind: EventClose, Code: code, Reason: reason})
	gen := c.gen
	c.mu.Unlock()

	if err := conn.Close(code, reason); err != nil {
		c.log.Debug("transport close failed", "error", err)
	}

	c.mu.Lock()
	if c.gen == gen && c.state == StateClosing {
		c.setStateLocked(StateDisconnected)
	}
	c.mu.Unlock()
}

// Dispose disconnects, stops every goroutine and closes Events.
func (c *Client) Dispose() {
	c.Disconnect(transport.CloseNormal, "client disposed")

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.signalLocked()
	c.mu.Unlock()

	c.rootCancel()
	c.wg.Wait()
	<-c.pumpDone
}

// SendMessage admits env for transmission. It reports only the local
// admission decision: false when the transport is not connected (which also
// kicks off a connect), when env exceeds protocol.MaxFrameSize, or when the
// write buffer is full. Nothing is queued for later delivery.
func (c *Client) SendMessage(env protocol.Outbound) bool {
	data, err := protocol.Encode(env)
	if err != nil {
		if errors.Is(err, protocol.ErrPayloadTooLarge) {
			metrics.SendsRejected.WithLabelValues("too_large").Inc()
			c.log.Warn("outbound envelope rejected", "type", string(env.Type()), "error", err)
			c.cfg.Notifier.Notify(notify.Notice{
				Kind:    notify.KindWarning,
				Code:    notify.CodePayloadTooLarge,
				Message: "Message is too large to send.",
			})
			return false
		}
		metrics.SendsRejected.WithLabelValues("encode").Inc()
		c.log.Error("failed to encode outbound envelope", "type", string(env.Type()), "error", err)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.sendQ == nil {
		metrics.SendsRejected.WithLabelValues("not_connected").Inc()
		c.noticeLocked(notify.Notice{
			Kind:    notify.KindWarning,
			Code:    notify.CodeNotConnected,
			Message: "Not connected to the assistant. Reconnecting...",
		})
		if c.state == StateDisconnected && !c.disposed {
			c.closing = false
			c.openLocked()
		}
		return false
	}

	select {
	case c.sendQ <- data:
		metrics.FramesSent.WithLabelValues(string(env.Type())).Inc()
		return true
	default:
		metrics.SendsRejected.WithLabelValues("queue_full").Inc()
		c.log.Warn("write buffer full, dropping outbound envelope", "type", string(env.Type()))
		return false
	}
}

// openLocked mints a URL and starts an asynchronous dial.
func (c *Client) openLocked() {
	url, err := c.urls.Mint(c.conversationID)
	if err != nil {
		c.lastError = err.Error()
		c.setStateLocked(StateDisconnected)
		if errors.Is(err, ErrNoCredential) {
			c.log.Warn("connect skipped: no credential", "conversation_id", c.conversationID)
			c.noticeLocked(notify.Notice{
				Kind:    notify.KindError,
				Code:    notify.CodeNoCredential,
				Message: "You are signed out. Please log in to use the assistant.",
			})
		} else {
			c.log.Debug("connect skipped", "reason", err)
		}
		return
	}

	c.gen++
	gen := c.gen
	c.setStateLocked(StateConnecting)
	ctx, cancel := context.WithCancel(c.rootCtx)
	c.dialCancel = cancel
	metrics.ConnectionAttempts.Inc()
	c.log.Info("opening chat transport", "conversation_id", c.conversationID, "attempt", c.attempt)

	c.wg.Add(1)
	go c.dial(ctx, gen, url)
}

func (c *Client) dial(ctx context.Context, gen uint64, url string) {
	defer c.wg.Done()
	conn, err := c.cfg.Dialer.Dial(ctx, url)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		if conn != nil {
			_ = conn.Close(transport.CloseNormal, "superseded")
		}
		return
	}
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	if err != nil {
		c.log.Warn("chat transport open failed", "conversation_id", c.conversationID, "error", err)
		c.lastError = err.Error()
		c.emitLocked(Event{Kind: EventError, Err: err})
		code, reason := transport.CloseCodeOf(err)
		c.handleCloseLocked(code, reason)
		return
	}

	c.conn = conn
	c.attempt = 0
	c.exhausted = false
	c.lastError = ""
	c.sendQ = make(chan []byte, c.cfg.WriteQueueSize)
	c.writerStop = make(chan struct{})
	c.setStateLocked(StateConnected)
	c.startHeartbeatLocked(gen)
	c.resetInactivityLocked(gen)
	c.emitLocked(Event{Kind: EventOpen})
	c.log.Info("chat transport open", "conversation_id", c.conversationID)

	c.wg.Add(2)
	go c.readLoop(gen, conn)
	go c.writeLoop(gen, conn, c.sendQ, c.writerStop)
}

func (c *Client) readLoop(gen uint64, conn transport.Conn) {
	defer c.wg.Done()
	for {
		data, err := conn.Read(c.rootCtx)
		if err != nil {
			c.transportClosed(gen, err)
			return
		}
		if !c.frame(gen, data) {
			return
		}
	}
}

func (c *Client) writeLoop(gen uint64, conn transport.Conn, q <-chan []byte, stop <-chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case <-stop:
			return
		case <-c.rootCtx.Done():
			return
		case data := <-q:
			ctx, cancel := context.WithTimeout(c.rootCtx, writeTimeout)
			err := conn.Write(ctx, data)
			cancel()
			if err != nil {
				c.transportClosed(gen, err)
				return
			}
		}
	}
}

// frame handles one inbound frame and reports whether gen is still current.
func (c *Client) frame(gen uint64, data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	c.resetInactivityLocked(gen)

	in, err := protocol.Decode(data)
	if err != nil {
		metrics.MalformedFrames.Inc()
		c.log.Warn("malformed inbound frame", "error", err, "size", len(data))
		c.emitLocked(Event{Kind: EventError, Err: err})
		c.noticeLocked(notify.Notice{
			Kind:    notify.KindError,
			Code:    notify.CodeCommunication,
			Message: "Communication error with the assistant.",
		})
		return true
	}
	metrics.FramesReceived.WithLabelValues(string(in.Type)).Inc()
	if in.Type == protocol.InboundPong {
		return true
	}
	c.emitLocked(Event{Kind: EventMessage, Message: in})
	return true
}

func (c *Client) transportClosed(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	code, reason := transport.CloseCodeOf(err)
	if code == transport.CloseAbnormal {
		c.lastError = err.Error()
		c.emitLocked(Event{Kind: EventError, Err: err})
	}
	c.log.Info("chat transport closed", "conversation_id", c.conversationID, "code", int(code), "reason", reason)
	c.handleCloseLocked(code, reason)
}

// handleCloseLocked applies the close-code policy.
func (c *Client) handleCloseLocked(code transport.CloseCode, reason string) {
	c.teardownLocked()

	if c.closing {
		c.setStateLocked(StateDisconnected)
		c.recordCloseLocked(code, "intentional")
		c.emitLocked(Event{Kind: EventClose, Code: code, Reason: reason})
		return
	}

	switch code {
	case transport.CloseNormal, transport.CloseInactivity:
		c.terminalLocked(code, reason, "", nil)
		return
	case transport.CloseAuthFailed:
		c.terminalLocked(code, reason, "authentication failed", &notify.Notice{
			Kind:    notify.KindError,
			Code:    notify.CodeAuthFailed,
			Message: "Your session has expired. Please log in again.",
		})
		return
	case transport.CloseRateLimited:
		c.terminalLocked(code, reason, "rate limited", &notify.Notice{
			Kind:    notify.KindWarning,
			Code:    notify.CodeRateLimited,
			Message: "Too many requests. Please wait a moment before reconnecting.",
		})
		return
	}

	if c.attempt >= c.cfg.MaxReconnectAttempts {
		c.exhausted = true
		c.terminalLocked(code, reason, ErrReconnectExhausted.Error(), &notify.Notice{
			Kind:    notify.KindError,
			Code:    notify.CodeRefreshRequired,
			Message: "Lost connection to the assistant. Please refresh to reconnect.",
		})
		c.log.Warn("reconnect budget exhausted", "conversation_id", c.conversationID, "attempts", c.attempt)
		return
	}

	c.attempt++
	delay := c.backoff.Next(c.attempt)
	gen := c.gen
	c.setStateLocked(StateConnecting)
	c.reconnectTimer = c.clock.AfterFunc(delay, func() { c.reconnectFired(gen) })
	c.recordCloseLocked(code, "reconnect")
	metrics.ReconnectsScheduled.Observe(delay.Seconds())
	c.emitLocked(Event{Kind: EventClose, Code: code, Reason: reason, WillReconnect: true})
	c.log.Info("reconnect scheduled",
		"conversation_id", c.conversationID,
		"attempt", c.attempt,
		"max_attempts", c.cfg.MaxReconnectAttempts,
		"delay", delay,
	)
}

func (c *Client) terminalLocked(code transport.CloseCode, reason, lastError string, notice *notify.Notice) {
	c.setStateLocked(StateDisconnected)
	if lastError != "" {
		c.lastError = lastError
	}
	c.recordCloseLocked(code, "terminal")
	c.emitLocked(Event{Kind: EventClose, Code: code, Reason: reason})
	if notice != nil {
		c.noticeLocked(*notice)
	}
}

func (c *Client) reconnectFired(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.closing || c.disposed {
		return
	}
	c.reconnectTimer = nil
	c.openLocked()
}

func (c *Client) startHeartbeatLocked(gen uint64) {
	if c.cfg.HeartbeatInterval <= 0 {
		return
	}
	c.heartbeatTimer = c.clock.AfterFunc(c.cfg.HeartbeatInterval, func() { c.heartbeat(gen) })
}

func (c *Client) heartbeat(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state != StateConnected {
		return
	}
	data, err := protocol.Encode(protocol.Ping())
	if err == nil {
		select {
		case c.sendQ <- data:
			metrics.FramesSent.WithLabelValues(string(protocol.OutboundPing)).Inc()
		default:
			c.log.Debug("write buffer full, skipping heartbeat")
		}
	}
	c.startHeartbeatLocked(gen)
}

func (c *Client) resetInactivityLocked(gen uint64) {
	if c.cfg.InactivityTimeout <= 0 {
		return
	}
	if c.inactivityTimer != nil {
		c.inactivityTimer.Stop()
	}
	c.inactivityTimer = c.clock.AfterFunc(c.cfg.InactivityTimeout, func() { c.inactive(gen) })
}

// inactive force-closes a transport that has been silent too long. A peer
// that ignores pings is treated as dead, so this close is terminal.
func (c *Client) inactive(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.log.Warn("no inbound traffic, closing stale transport",
		"conversation_id", c.conversationID,
		"timeout", c.cfg.InactivityTimeout,
	)
	c.teardownLocked()
	c.terminalLocked(transport.CloseInactivity, "inactivity timeout", "connection closed after inactivity", &notify.Notice{
		Kind:    notify.KindWarning,
		Code:    notify.CodeInactive,
		Message: "Connection to the assistant timed out due to inactivity.",
	})
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(transport.CloseInactivity, "inactivity timeout")
	}
}

// teardownLocked invalidates the current generation, cancels every timer and
// detaches the live transport without closing it.
func (c *Client) teardownLocked() {
	c.gen++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.heartbeatTimer != nil {
		c.heartbeatTimer.Stop()
		c.heartbeatTimer = nil
	}
	if c.inactivityTimer != nil {
		c.inactivityTimer.Stop()
		c.inactivityTimer = nil
	}
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	if c.writerStop != nil {
		close(c.writerStop)
		c.writerStop = nil
	}
	c.sendQ = nil
	c.conn = nil
}

func (c *Client) setStateLocked(s State) {
	c.state = s
	metrics.ConnectionState.Set(float64(s))
}

func (c *Client) recordCloseLocked(code transport.CloseCode, outcome string) {
	metrics.CloseCodes.WithLabelValues(strconv.Itoa(int(code)), outcome).Inc()
}

// pendingTimers reports how many timers are armed.
func (c *Client) pendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range []Timer{c.reconnectTimer, c.heartbeatTimer, c.inactivityTimer} {
		if t != nil {
			n++
		}
	}
	return n
}

func (c *Client) emitLocked(ev Event) {
	ev.ConversationID = c.conversationID
	c.queue = append(c.queue, pending{event: &ev})
	c.signalLocked()
}

func (c *Client) noticeLocked(n notify.Notice) {
	c.queue = append(c.queue, pending{notice: &n})
	c.signalLocked()
}

func (c *Client) signalLocked() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// pump delivers events and notices in the order they were produced, outside
// the state lock. It closes Events once the client is disposed and drained.
func (c *Client) pump() {
	defer close(c.pumpDone)
	defer close(c.events)
	for range c.wake {
		c.mu.Lock()
		items := c.queue
		c.queue = nil
		disposed := c.disposed
		c.mu.Unlock()

		for _, item := range items {
			if item.notice != nil {
				c.cfg.Notifier.Notify(*item.notice)
				continue
			}
			c.events <- *item.event
		}
		if disposed {
			c.mu.Lock()
			empty := len(c.queue) == 0
			c.mu.Unlock()
			if empty {
				return
			}
		}
	}
}
