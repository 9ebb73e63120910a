package protocol

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeOutboundShapes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		env  Outbound
		want string
	}{
		{"chat", Chat("hello"), `{"type":"message","message":"hello"}`},
		{"typing on", Typing(true), `{"type":"typing","typing":true}`},
		{"typing off", Typing(false), `{"type":"typing","typing":false}`},
		{"read receipt", ReadReceipt("m1"), `{"type":"read_receipt","message_id":"m1"}`},
		{"ping", Ping(), `{"type":"ping"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.env)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	t.Parallel()

	_, err := Encode(Chat(strings.Repeat("a", MaxFrameSize)))
	require.ErrorIs(t, err, ErrPayloadTooLarge)

	// Exactly at the bound is allowed.
	overhead := len(`{"type":"message","message":""}`)
	data, err := Encode(Chat(strings.Repeat("a", MaxFrameSize-overhead)))
	require.NoError(t, err)
	assert.Len(t, data, MaxFrameSize)
}

func TestEncodeZeroValue(t *testing.T) {
	t.Parallel()

	_, err := Encode(Outbound{})
	require.ErrorIs(t, err, ErrEmptyEnvelope)
}

func TestDecodeAssistantResponse(t *testing.T) {
	t.Parallel()

	in, err := Decode([]byte(`{"type":"ai_response","data":{"message_id":"m1","message":"hi","credits_used":2,"credits_remaining":98,"created_at":"2024-01-01T00:00:00Z","insights":[{"kind":"spend"}],"is_fallback":true}}`))
	require.NoError(t, err)
	require.Equal(t, InboundAssistantResponse, in.Type)
	require.NotNil(t, in.Response)
	assert.Equal(t, "m1", in.Response.MessageID)
	assert.Equal(t, "hi", in.Response.Message)
	assert.Equal(t, 2, in.Response.CreditsUsed)
	require.NotNil(t, in.Response.CreditsRemaining)
	assert.Equal(t, 98, *in.Response.CreditsRemaining)
	assert.True(t, in.Response.IsFallback)
	assert.Len(t, in.Response.Insights, 1)
	assert.True(t, in.Response.CreatedAt.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestDecodeVariants(t *testing.T) {
	t.Parallel()

	in, err := Decode([]byte(`{"type":"assistant_typing","typing":true}`))
	require.NoError(t, err)
	assert.Equal(t, InboundTypingIndicator, in.Type)
	assert.True(t, in.Typing)

	in, err = Decode([]byte(`{"type":"error","error_code":"insufficient_credits","message":"top up"}`))
	require.NoError(t, err)
	require.NotNil(t, in.Error)
	assert.Equal(t, "insufficient_credits", in.Error.Code)
	assert.Equal(t, "top up", in.Error.Message)

	in, err = Decode([]byte(`{"type":"pong"}`))
	require.NoError(t, err)
	assert.Equal(t, InboundPong, in.Type)

	in, err = Decode([]byte(`{"type":"connection_established"}`))
	require.NoError(t, err)
	assert.Equal(t, InboundConnectionEstablished, in.Type)

	in, err = Decode([]byte(`{"type":"message","message":"hey","user_id":"u2"}`))
	require.NoError(t, err)
	require.NotNil(t, in.Peer)
	assert.Equal(t, "u2", in.Peer.UserID)
}

func TestDecodeMalformed(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"not json":          `{"type":`,
		"missing type":      `{"message":"x"}`,
		"unknown type":      `{"type":"stock_ticker"}`,
		"response no data":  `{"type":"ai_response"}`,
		"response no id":    `{"type":"ai_response","data":{"message":"x"}}`,
		"response bad time": `{"type":"ai_response","data":{"message_id":"m","message":"x","created_at":"yesterday"}}`,
		"typing no flag":    `{"type":"assistant_typing"}`,
		"empty error":       `{"type":"error"}`,
		"wrong field type":  `{"type":"error","message":42}`,
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(frame))
			require.ErrorIs(t, err, ErrMalformedMessage)
		})
	}

	_, err := Decode([]byte(`{"type":"stock_ticker"}`))
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestServerFramesDecodeOnClient(t *testing.T) {
	t.Parallel()

	data, err := EncodeAssistantResponse(AssistantResponse{
		MessageID:   "m9",
		Message:     "done",
		CreditsUsed: 1,
		CreatedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)
	in, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "m9", in.Response.MessageID)

	data, err = EncodeError("rate_limited", "slow down")
	require.NoError(t, err)
	in, err = Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "rate_limited", in.Error.Code)

	sent := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	data, err = EncodePeerMessage(PeerMessage{MessageID: "p1", UserID: "u2", Message: "hey", CreatedAt: sent})
	require.NoError(t, err)
	in, err = Decode(data)
	require.NoError(t, err)
	require.NotNil(t, in.Peer)
	assert.Equal(t, "hey", in.Peer.Message)
	assert.Equal(t, "u2", in.Peer.UserID)
	assert.True(t, sent.Equal(in.Peer.CreatedAt))

	data, err = EncodeConnectionEstablished("u1")
	require.NoError(t, err)
	in, err = Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "u1", in.UserID)
}

func TestDecodeOutbound(t *testing.T) {
	t.Parallel()

	out, err := DecodeOutbound([]byte(`{"type":"message","message":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, OutboundChat, out.Type())
	assert.Equal(t, "hi", out.Text())

	out, err = DecodeOutbound([]byte(`{"type":"read_receipt","message_id":"m1"}`))
	require.NoError(t, err)
	assert.Equal(t, "m1", out.MessageID())

	_, err = DecodeOutbound([]byte(`{"type":"typing"}`))
	require.ErrorIs(t, err, ErrMalformedMessage)
}
