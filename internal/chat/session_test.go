package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/aichat/internal/auth"
	"github.com/ashureev/aichat/internal/connection"
	"github.com/ashureev/aichat/internal/domain"
	"github.com/ashureev/aichat/internal/notify"
	"github.com/ashureev/aichat/internal/protocol"
	"github.com/ashureev/aichat/internal/transport"
)

const waitFor = 2 * time.Second

type fakeConnection struct {
	events chan connection.Event

	mu            sync.Mutex
	status        connection.Status
	sendResult    bool
	sent          []protocol.Outbound
	conversations []string
	connects      int
	disconnects   int
	reconnects    int
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{events: make(chan connection.Event, 16), sendResult: true}
}

func (f *fakeConnection) SetConversation(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conversations = append(f.conversations, id)
	f.status.ConversationID = id
}

func (f *fakeConnection) Connect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
}

func (f *fakeConnection) Disconnect(transport.CloseCode, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.status.State = connection.StateDisconnected
}

func (f *fakeConnection) Reconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
}

func (f *fakeConnection) SendMessage(env protocol.Outbound) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sendResult {
		return false
	}
	f.sent = append(f.sent, env)
	return true
}

func (f *fakeConnection) Status() connection.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeConnection) Events() <-chan connection.Event { return f.events }

func (f *fakeConnection) setConnected(connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if connected {
		f.status.State = connection.StateConnected
	} else {
		f.status.State = connection.StateDisconnected
	}
}

func (f *fakeConnection) setSendResult(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendResult = ok
}

func (f *fakeConnection) counts() (connects, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects
}

func (f *fakeConnection) sentTypes() []protocol.OutboundType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.OutboundType, len(f.sent))
	for i, env := range f.sent {
		out[i] = env.Type()
	}
	return out
}

// inbound pushes a decoded frame for the given conversation.
func (f *fakeConnection) inbound(t *testing.T, conversationID, frame string) {
	t.Helper()
	in, err := protocol.Decode([]byte(frame))
	require.NoError(t, err)
	f.events <- connection.Event{Kind: connection.EventMessage, ConversationID: conversationID, Message: in}
}

type fakeHistory struct {
	mu       sync.Mutex
	calls    []string
	messages map[string][]domain.ChatMessage
	err      error
	gate     chan struct{}
	created  domain.Conversation
	createEr error
}

func (f *fakeHistory) GetConversationMessages(ctx context.Context, id string) ([]domain.ChatMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, id)
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.messages[id], nil
}

func (f *fakeHistory) CreateConversation(_ context.Context, title string) (domain.Conversation, error) {
	if f.createEr != nil {
		return domain.Conversation{}, f.createEr
	}
	conv := f.created
	conv.Title = title
	return conv, nil
}

func (f *fakeHistory) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type snapshotLog struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (l *snapshotLog) record(s Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snaps = append(l.snaps, s)
}

func (l *snapshotLog) all() []Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Snapshot(nil), l.snaps...)
}

type fixture struct {
	session *Session
	conn    *fakeConnection
	history *fakeHistory
	notices *notify.Recorder
	log     *snapshotLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		conn:    newFakeConnection(),
		history: &fakeHistory{messages: map[string][]domain.ChatMessage{}},
		notices: &notify.Recorder{},
		log:     &snapshotLog{},
	}
	ids := 0
	s, err := NewSession(Config{
		Connection: f.conn,
		History:    f.history,
		Notifier:   f.notices,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnChange:   f.log.record,
		NewID: func() string {
			ids++
			return "temp-" + string(rune('0'+ids))
		},
	})
	require.NoError(t, err)
	f.session = s
	t.Cleanup(s.Close)
	return f
}

// ready selects c1 and waits for its (empty) history.
func (f *fixture) ready(t *testing.T) {
	t.Helper()
	f.session.SetConversation("c1")
	require.Eventually(t, func() bool { return f.session.Snapshot().Phase == PhaseReady }, waitFor, time.Millisecond)
	f.conn.setConnected(true)
}

func (f *fixture) waitSnapshot(t *testing.T, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool { return cond(f.session.Snapshot()) }, waitFor, time.Millisecond)
	return f.session.Snapshot()
}

func TestSelectConversationLoadsHistoryOnce(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	f.history.gate = gate
	f.history.messages["c1"] = []domain.ChatMessage{
		{ID: "m1", Role: domain.RoleUser, Content: "hi"},
		{ID: "m2", Role: domain.RoleAssistant, Content: "hello"},
	}

	f.session.SetConversation("c1")
	assert.True(t, f.session.Snapshot().Loading)
	require.Eventually(t, func() bool { return len(f.history.Calls()) == 1 }, waitFor, time.Millisecond)

	close(gate)
	snap := f.waitSnapshot(t, func(s Snapshot) bool { return !s.Loading })
	assert.Len(t, snap.Messages, 2)
	assert.Equal(t, []string{"c1"}, f.history.Calls())

	snaps := f.log.all()
	require.GreaterOrEqual(t, len(snaps), 2)
	assert.True(t, snaps[0].Loading)
	assert.False(t, snaps[len(snaps)-1].Loading)

	connects, _ := f.conn.counts()
	assert.Equal(t, 1, connects)

	// Same id again is a no-op.
	f.session.SetConversation("c1")
	assert.Equal(t, []string{"c1"}, f.history.Calls())
}

func TestHistoryFailureKeepsEmptyList(t *testing.T) {
	f := newFixture(t)
	f.history.err = errors.New("boom")

	f.session.SetConversation("c1")
	snap := f.waitSnapshot(t, func(s Snapshot) bool { return s.Phase == PhaseReady })
	assert.Empty(t, snap.Messages)
	assert.False(t, snap.Loading)

	require.Eventually(t, func() bool { return len(f.notices.Notices()) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, notify.CodeHistoryFailed, f.notices.Notices()[0].Code)
	assert.Len(t, f.history.Calls(), 1, "no automatic retry")
}

func TestStaleHistoryIsDiscarded(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	f.history.gate = gate
	f.history.messages["c1"] = []domain.ChatMessage{{ID: "old", Content: "from c1"}}
	f.history.messages["c2"] = []domain.ChatMessage{{ID: "new", Content: "from c2"}}

	f.session.SetConversation("c1")
	f.session.SetConversation("c2")
	close(gate)

	snap := f.waitSnapshot(t, func(s Snapshot) bool { return s.Phase == PhaseReady })
	require.Eventually(t, func() bool { return len(f.history.Calls()) == 2 }, waitFor, time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	snap = f.session.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "new", snap.Messages[0].ID)
	assert.Equal(t, "c2", snap.ConversationID)
}

func TestClearingConversationSuppressesTransport(t *testing.T) {
	f := newFixture(t)
	f.history.messages["c1"] = []domain.ChatMessage{{ID: "m1", Content: "hi"}}
	f.ready(t)
	require.NotEmpty(t, f.session.Snapshot().Messages)

	f.session.SetConversation("")
	snap := f.session.Snapshot()
	assert.Empty(t, snap.Messages)
	assert.Equal(t, PhaseIdle, snap.Phase)

	connects, disconnects := f.conn.counts()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, disconnects)
}

func TestAssistantResponseAppendsMessage(t *testing.T) {
	f := newFixture(t)
	f.ready(t)

	f.conn.inbound(t, "c1", `{"type":"assistant_typing","typing":true}`)
	f.waitSnapshot(t, func(s Snapshot) bool { return s.IsTyping })

	f.conn.inbound(t, "c1", `{"type":"ai_response","data":{"message_id":"m1","message":"hi","credits_used":2,"created_at":"2024-01-01T00:00:00Z"}}`)
	snap := f.waitSnapshot(t, func(s Snapshot) bool { return len(s.Messages) == 1 })

	msg := snap.Messages[0]
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, domain.RoleAssistant, msg.Role)
	assert.Equal(t, "hi", msg.Content)
	require.NotNil(t, msg.CreditsUsed)
	assert.Equal(t, 2, *msg.CreditsUsed)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), msg.CreatedAt)
	assert.False(t, snap.IsTyping)
	assert.Empty(t, f.notices.Notices())
}

func TestAssistantResponseAppendedOnce(t *testing.T) {
	f := newFixture(t)
	f.ready(t)

	frame := `{"type":"ai_response","data":{"message_id":"m1","message":"hi","credits_used":2,"credits_remaining":40}}`
	f.conn.inbound(t, "c1", frame)
	f.conn.inbound(t, "c1", frame)
	f.conn.inbound(t, "c1", `{"type":"assistant_typing","typing":true}`)
	snap := f.waitSnapshot(t, func(s Snapshot) bool { return s.IsTyping })

	assert.Len(t, snap.Messages, 1)
	require.NotNil(t, snap.CreditsRemaining)
	assert.Equal(t, 40, *snap.CreditsRemaining)
}

func TestFallbackResponseNotifiesDegraded(t *testing.T) {
	f := newFixture(t)
	f.ready(t)

	f.conn.inbound(t, "c1", `{"type":"ai_response","data":{"message_id":"m1","message":"canned","credits_used":0,"is_fallback":true}}`)
	f.waitSnapshot(t, func(s Snapshot) bool { return len(s.Messages) == 1 })

	require.Eventually(t, func() bool { return len(f.notices.Notices()) == 1 }, waitFor, time.Millisecond)
	n := f.notices.Notices()[0]
	assert.Equal(t, notify.CodeDegraded, n.Code)
	assert.Equal(t, notify.KindWarning, n.Kind)
}

func TestTypingIndicatorDoesNotTouchMessages(t *testing.T) {
	f := newFixture(t)
	f.history.messages["c1"] = []domain.ChatMessage{{ID: "m1", Content: "hi"}}
	f.ready(t)
	before := len(f.log.all())

	f.conn.inbound(t, "c1", `{"type":"assistant_typing","typing":true}`)
	f.waitSnapshot(t, func(s Snapshot) bool { return s.IsTyping })
	f.conn.inbound(t, "c1", `{"type":"assistant_typing","typing":false}`)
	f.waitSnapshot(t, func(s Snapshot) bool { return !s.IsTyping })

	snaps := f.log.all()[before:]
	require.Len(t, snaps, 2)
	assert.True(t, snaps[0].IsTyping)
	assert.False(t, snaps[1].IsTyping)
	for _, s := range snaps {
		assert.Len(t, s.Messages, 1)
	}
}

func TestSendFailureRollsBackOptimisticMessage(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	f.conn.setSendResult(false)
	before := len(f.session.Snapshot().Messages)
	logged := len(f.log.all())

	ok := f.session.SendMessage("hello")

	assert.False(t, ok)
	assert.Len(t, f.session.Snapshot().Messages, before)
	assert.Equal(t, 1, f.notices.Count(notify.KindError))
	assert.Equal(t, notify.CodeSendFailed, f.notices.Notices()[0].Code)

	snaps := f.log.all()[logged:]
	require.Len(t, snaps, 2)
	require.Len(t, snaps[0].Messages, before+1)
	assert.Equal(t, "hello", snaps[0].Messages[before].Content)
	assert.Equal(t, domain.RoleUser, snaps[0].Messages[before].Role)
	assert.Len(t, snaps[1].Messages, before)
}

func TestSendSuccessKeepsOptimisticMessage(t *testing.T) {
	f := newFixture(t)
	f.ready(t)

	assert.True(t, f.session.SendMessage("  hello  "))
	snap := f.session.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "hello", snap.Messages[0].Content)
	assert.Equal(t, "temp-1", snap.Messages[0].ID)
	assert.Equal(t, []protocol.OutboundType{protocol.OutboundChat}, f.conn.sentTypes())
	assert.Empty(t, f.notices.Notices())

	assert.False(t, f.session.SendMessage("   "), "blank content is ignored")
}

func TestSendWithoutConversation(t *testing.T) {
	f := newFixture(t)

	assert.False(t, f.session.SendMessage("hello"))
	assert.Empty(t, f.session.Snapshot().Messages)
	assert.Empty(t, f.conn.sentTypes())
	require.Len(t, f.notices.Notices(), 1)
	assert.Equal(t, notify.CodeNoConversation, f.notices.Notices()[0].Code)
}

func TestSendMessageToSwitchesConversation(t *testing.T) {
	f := newFixture(t)
	f.conn.setConnected(true)

	assert.True(t, f.session.SendMessageTo("c7", "hello"))
	assert.Equal(t, "c7", f.session.Snapshot().ConversationID)
	assert.Equal(t, []string{"c7"}, f.conn.conversations)
}

func TestServerErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		frame    string
		wantCode string
		wantErr  string
	}{
		{
			name:     "insufficient credits",
			frame:    `{"type":"error","error_code":"insufficient_credits","message":"Not enough credits"}`,
			wantCode: notify.CodeInsufficient,
			wantErr:  "Not enough credits",
		},
		{
			name:     "rate limited",
			frame:    `{"type":"error","error_code":"rate_limited","message":"Slow down"}`,
			wantCode: notify.CodeRateLimited,
			wantErr:  "Slow down",
		},
		{
			name:     "unknown code",
			frame:    `{"type":"error","error_code":"kaboom","message":"Something broke"}`,
			wantCode: notify.CodeServerError,
			wantErr:  "Something broke",
		},
		{
			name:     "code only",
			frame:    `{"type":"error","error_code":"kaboom"}`,
			wantCode: notify.CodeServerError,
			wantErr:  "kaboom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.ready(t)
			f.conn.inbound(t, "c1", `{"type":"assistant_typing","typing":true}`)
			f.waitSnapshot(t, func(s Snapshot) bool { return s.IsTyping })

			f.conn.inbound(t, "c1", tt.frame)
			snap := f.waitSnapshot(t, func(s Snapshot) bool { return s.Error != "" })
			assert.Equal(t, tt.wantErr, snap.Error)
			assert.False(t, snap.IsTyping)

			require.Eventually(t, func() bool { return len(f.notices.Notices()) == 1 }, waitFor, time.Millisecond)
			assert.Equal(t, tt.wantCode, f.notices.Notices()[0].Code)
		})
	}
}

func TestOpenClearsErrorAndCloseClearsTyping(t *testing.T) {
	f := newFixture(t)
	f.history.messages["c1"] = []domain.ChatMessage{{ID: "m1", Content: "hi"}}
	f.ready(t)

	f.conn.inbound(t, "c1", `{"type":"error","message":"oops"}`)
	f.conn.inbound(t, "c1", `{"type":"assistant_typing","typing":true}`)
	f.waitSnapshot(t, func(s Snapshot) bool { return s.IsTyping && s.Error == "oops" })

	f.conn.events <- connection.Event{Kind: connection.EventClose, ConversationID: "c1", Code: transport.CloseAbnormal, WillReconnect: true}
	snap := f.waitSnapshot(t, func(s Snapshot) bool { return !s.IsTyping })
	assert.Equal(t, "oops", snap.Error, "close keeps error")
	assert.Len(t, snap.Messages, 1, "close keeps history")

	f.conn.events <- connection.Event{Kind: connection.EventOpen, ConversationID: "c1"}
	f.waitSnapshot(t, func(s Snapshot) bool { return s.Error == "" })
}

func TestEventsForOtherConversationsAreIgnored(t *testing.T) {
	f := newFixture(t)
	f.ready(t)

	f.conn.inbound(t, "c0", `{"type":"ai_response","data":{"message_id":"stale","message":"old"}}`)
	f.conn.inbound(t, "c1", `{"type":"ai_response","data":{"message_id":"m1","message":"new"}}`)
	snap := f.waitSnapshot(t, func(s Snapshot) bool { return len(s.Messages) > 0 })

	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "m1", snap.Messages[0].ID)
}

func TestTypingAndReadReceiptRequireOpenTransport(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	f.conn.setConnected(false)

	assert.False(t, f.session.SendTypingIndicator(true))
	assert.False(t, f.session.MarkMessageRead("m1"))
	assert.Empty(t, f.conn.sentTypes())
	assert.Empty(t, f.notices.Notices())

	f.conn.setConnected(true)
	assert.True(t, f.session.SendTypingIndicator(true))
	assert.True(t, f.session.MarkMessageRead("m1"))
	assert.False(t, f.session.MarkMessageRead(""))
	assert.Equal(t, []protocol.OutboundType{protocol.OutboundTyping, protocol.OutboundReadReceipt}, f.conn.sentTypes())
}

func TestCreateConversationSwitches(t *testing.T) {
	f := newFixture(t)
	f.history.created = domain.Conversation{ID: "c42"}

	conv, err := f.session.CreateConversation(context.Background(), "Budget")
	require.NoError(t, err)
	assert.Equal(t, "c42", conv.ID)
	assert.Equal(t, "Budget", conv.Title)
	assert.Equal(t, "c42", f.session.Snapshot().ConversationID)
	require.Eventually(t, func() bool { return len(f.history.Calls()) == 1 }, waitFor, time.Millisecond)
}

func TestCreateConversationFailure(t *testing.T) {
	f := newFixture(t)
	f.history.createEr = errors.New("nope")

	_, err := f.session.CreateConversation(context.Background(), "")
	require.Error(t, err)
	assert.Empty(t, f.session.Snapshot().ConversationID)
	require.Len(t, f.notices.Notices(), 1)
	assert.Equal(t, notify.CodeConversationFail, f.notices.Notices()[0].Code)
}

func TestReconnectOnlyWithConversation(t *testing.T) {
	f := newFixture(t)
	f.session.Reconnect()
	assert.Zero(t, f.conn.reconnects)

	f.ready(t)
	f.session.Reconnect()
	assert.Equal(t, 1, f.conn.reconnects)
}

func TestCloseAlwaysDisconnects(t *testing.T) {
	f := newFixture(t)

	f.session.Close()
	f.session.Close()

	_, disconnects := f.conn.counts()
	assert.Equal(t, 2, disconnects)
}

func TestSendFailureWithRealConnection(t *testing.T) {
	notices := &notify.Recorder{}
	client, err := connection.New(connection.Config{
		BaseURL:              "ws://chat.invalid",
		Tokens:               auth.StaticToken("t"),
		MaxReconnectAttempts: 3,
		Dialer: transport.DialFunc(func(context.Context, string) (transport.Conn, error) {
			return nil, errors.New("network unreachable")
		}),
		Notifier: notices,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	defer client.Dispose()

	s, err := NewSession(Config{
		Connection: client,
		History:    &fakeHistory{},
		Notifier:   notices,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	defer s.Close()

	s.SetConversation("c1")
	require.Eventually(t, func() bool { return s.Snapshot().Phase == PhaseReady }, waitFor, time.Millisecond)

	before := len(s.Snapshot().Messages)
	assert.False(t, s.SendMessage("hello"))
	assert.Len(t, s.Snapshot().Messages, before)

	require.Eventually(t, func() bool { return notices.Count(notify.KindWarning) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, 1, notices.Count(notify.KindError))
}
