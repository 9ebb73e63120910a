// Package protocol defines the JSON envelopes exchanged with the AI chat
// endpoint and their encoding rules.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MaxFrameSize is the largest serialized outbound envelope accepted for transmission.
const MaxFrameSize = 64 << 10

var (
	// ErrPayloadTooLarge is returned when an encoded envelope exceeds MaxFrameSize.
	ErrPayloadTooLarge = errors.New("protocol: payload exceeds max frame size")
	// ErrEmptyEnvelope is returned when encoding the zero Outbound value.
	ErrEmptyEnvelope = errors.New("protocol: empty envelope")
)

// OutboundType tags client-to-server envelopes.
type OutboundType string

const (
	OutboundChat        OutboundType = "message"
	OutboundTyping      OutboundType = "typing"
	OutboundReadReceipt OutboundType = "read_receipt"
	OutboundPing        OutboundType = "ping"
)

// Outbound is a client-to-server envelope. Build it with Chat, Typing,
// ReadReceipt or Ping; each variant serializes to a fixed shape.
type Outbound struct {
	kind      OutboundType
	text      string
	typing    bool
	messageID string
}

// Chat returns a chat text envelope.
func Chat(text string) Outbound { return Outbound{kind: OutboundChat, text: text} }

// Typing returns a typing indicator envelope.
func Typing(typing bool) Outbound { return Outbound{kind: OutboundTyping, typing: typing} }

// ReadReceipt returns a read receipt envelope for messageID.
func ReadReceipt(messageID string) Outbound {
	return Outbound{kind: OutboundReadReceipt, messageID: messageID}
}

// Ping returns a liveness probe envelope.
func Ping() Outbound { return Outbound{kind: OutboundPing} }

// Type returns the envelope tag.
func (o Outbound) Type() OutboundType { return o.kind }

// Text returns the chat text of an OutboundChat envelope.
func (o Outbound) Text() string { return o.text }

type chatFrame struct {
	Type    OutboundType `json:"type"`
	Message string       `json:"message"`
}

type typingFrame struct {
	Type   OutboundType `json:"type"`
	Typing bool         `json:"typing"`
}

type readReceiptFrame struct {
	Type      OutboundType `json:"type"`
	MessageID string       `json:"message_id"`
}

type pingFrame struct {
	Type OutboundType `json:"type"`
}

// MarshalJSON implements json.Marshaler.
func (o Outbound) MarshalJSON() ([]byte, error) {
	switch o.kind {
	case OutboundChat:
		return json.Marshal(chatFrame{Type: o.kind, Message: o.text})
	case OutboundTyping:
		return json.Marshal(typingFrame{Type: o.kind, Typing: o.typing})
	case OutboundReadReceipt:
		return json.Marshal(readReceiptFrame{Type: o.kind, MessageID: o.messageID})
	case OutboundPing:
		return json.Marshal(pingFrame{Type: o.kind})
	case "":
		return nil, ErrEmptyEnvelope
	default:
		return nil, fmt.Errorf("protocol: unknown outbound type %q", o.kind)
	}
}

// Encode serializes o and enforces MaxFrameSize.
func Encode(o Outbound) ([]byte, error) {
	data, err := o.MarshalJSON()
	if err != nil {
		return nil, err
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(data))
	}
	return data, nil
}
