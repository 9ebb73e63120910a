package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Server-side helpers used by the dev backend and tests to speak the
// other half of the protocol.

type responseFrame struct {
	Type InboundType        `json:"type"`
	Data *AssistantResponse `json:"data"`
}

type typingIndicatorFrame struct {
	Type   InboundType `json:"type"`
	Typing bool        `json:"typing"`
	UserID string      `json:"user_id,omitempty"`
}

type errorFrame struct {
	Type      InboundType `json:"type"`
	ErrorCode string      `json:"error_code,omitempty"`
	Message   string      `json:"message"`
}

type peerFrame struct {
	Type      InboundType `json:"type"`
	MessageID string      `json:"message_id,omitempty"`
	UserID    string      `json:"user_id,omitempty"`
	Message   string      `json:"message"`
	CreatedAt string      `json:"created_at,omitempty"`
}

type bareFrame struct {
	Type   InboundType `json:"type"`
	UserID string      `json:"user_id,omitempty"`
}

// EncodeConnectionEstablished returns a connection_established frame for userID.
func EncodeConnectionEstablished(userID string) ([]byte, error) {
	return json.Marshal(bareFrame{Type: InboundConnectionEstablished, UserID: userID})
}

// EncodePong returns a pong frame.
func EncodePong() ([]byte, error) {
	return json.Marshal(bareFrame{Type: InboundPong})
}

// EncodeAssistantResponse returns an ai_response frame carrying resp.
func EncodeAssistantResponse(resp AssistantResponse) ([]byte, error) {
	return json.Marshal(responseFrame{Type: InboundAssistantResponse, Data: &resp})
}

// EncodeTypingIndicator returns an assistant_typing frame.
func EncodeTypingIndicator(typing bool) ([]byte, error) {
	return json.Marshal(typingIndicatorFrame{Type: InboundTypingIndicator, Typing: typing})
}

// EncodeError returns an error frame.
func EncodeError(code, message string) ([]byte, error) {
	return json.Marshal(errorFrame{Type: InboundError, ErrorCode: code, Message: message})
}

// EncodePeerMessage returns a message frame relaying another participant's text.
func EncodePeerMessage(msg PeerMessage) ([]byte, error) {
	frame := peerFrame{
		Type:      InboundPeerMessage,
		MessageID: msg.MessageID,
		UserID:    msg.UserID,
		Message:   msg.Message,
	}
	if !msg.CreatedAt.IsZero() {
		frame.CreatedAt = msg.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(frame)
}

type rawOutbound struct {
	Type      OutboundType `json:"type"`
	Message   *string      `json:"message"`
	Typing    *bool        `json:"typing"`
	MessageID string       `json:"message_id"`
}

// DecodeOutbound parses a client-to-server frame.
func DecodeOutbound(data []byte) (Outbound, error) {
	var raw rawOutbound
	if err := json.Unmarshal(data, &raw); err != nil {
		return Outbound{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch raw.Type {
	case OutboundChat:
		if raw.Message == nil {
			return Outbound{}, fmt.Errorf("%w: message without text", ErrMalformedMessage)
		}
		return Chat(*raw.Message), nil
	case OutboundTyping:
		if raw.Typing == nil {
			return Outbound{}, fmt.Errorf("%w: typing without flag", ErrMalformedMessage)
		}
		return Typing(*raw.Typing), nil
	case OutboundReadReceipt:
		if raw.MessageID == "" {
			return Outbound{}, fmt.Errorf("%w: read_receipt without message_id", ErrMalformedMessage)
		}
		return ReadReceipt(raw.MessageID), nil
	case OutboundPing:
		return Ping(), nil
	default:
		return Outbound{}, fmt.Errorf("%w %q", ErrUnknownType, raw.Type)
	}
}

// MessageID returns the referenced message of an OutboundReadReceipt envelope.
func (o Outbound) MessageID() string { return o.messageID }

// IsTyping returns the flag of an OutboundTyping envelope.
func (o Outbound) IsTyping() bool { return o.typing }
