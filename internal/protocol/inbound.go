package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMalformedMessage is returned for inbound frames that cannot be decoded.
	ErrMalformedMessage = errors.New("protocol: malformed message")
	// ErrUnknownType is returned for inbound frames with an unrecognized type tag.
	// It wraps ErrMalformedMessage.
	ErrUnknownType = fmt.Errorf("%w: unknown type", ErrMalformedMessage)
)

// InboundType tags server-to-client envelopes.
type InboundType string

const (
	InboundConnectionEstablished InboundType = "connection_established"
	InboundAssistantResponse     InboundType = "ai_response"
	InboundTypingIndicator       InboundType = "assistant_typing"
	InboundError                 InboundType = "error"
	InboundPong                  InboundType = "pong"
	InboundPeerMessage           InboundType = "message"
)

// AssistantResponse is the payload of an ai_response envelope.
type AssistantResponse struct {
	MessageID        string            `json:"message_id"`
	Message          string            `json:"message"`
	CreditsUsed      int               `json:"credits_used"`
	CreditsRemaining *int              `json:"credits_remaining,omitempty"`
	StructuredData   json.RawMessage   `json:"structured_data,omitempty"`
	Insights         []json.RawMessage `json:"insights,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	IsFallback       bool              `json:"is_fallback,omitempty"`
}

// ErrorEvent is a server-reported application error.
type ErrorEvent struct {
	Code    string `json:"error_code,omitempty"`
	Message string `json:"message"`
}

// PeerMessage is a chat message relayed from another participant.
type PeerMessage struct {
	MessageID string    `json:"message_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Inbound is a decoded server-to-client envelope. Exactly one of the
// variant fields is populated according to Type.
type Inbound struct {
	Type     InboundType
	Response *AssistantResponse
	Typing   bool
	UserID   string
	Error    *ErrorEvent
	Peer     *PeerMessage
}

type rawFrame struct {
	Type      InboundType     `json:"type"`
	Data      json.RawMessage `json:"data"`
	Typing    *bool           `json:"typing"`
	UserID    string          `json:"user_id"`
	ErrorCode string          `json:"error_code"`
	Message   *string         `json:"message"`
	MessageID string          `json:"message_id"`
	CreatedAt string          `json:"created_at"`
}

type rawResponse struct {
	MessageID        string            `json:"message_id"`
	Message          *string           `json:"message"`
	CreditsUsed      int               `json:"credits_used"`
	CreditsRemaining *int              `json:"credits_remaining"`
	StructuredData   json.RawMessage   `json:"structured_data"`
	Insights         []json.RawMessage `json:"insights"`
	CreatedAt        string            `json:"created_at"`
	IsFallback       bool              `json:"is_fallback"`
}

// Decode parses one inbound frame. Unknown types and structurally invalid
// payloads return an error wrapping ErrMalformedMessage.
func Decode(data []byte) (Inbound, error) {
	var raw rawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	in := Inbound{Type: raw.Type}
	switch raw.Type {
	case InboundConnectionEstablished:
		in.UserID = raw.UserID
		return in, nil
	case InboundPong:
		return in, nil
	case InboundAssistantResponse:
		resp, err := decodeResponse(raw.Data)
		if err != nil {
			return Inbound{}, err
		}
		in.Response = resp
		return in, nil
	case InboundTypingIndicator:
		if raw.Typing == nil {
			return Inbound{}, fmt.Errorf("%w: assistant_typing without typing flag", ErrMalformedMessage)
		}
		in.Typing = *raw.Typing
		in.UserID = raw.UserID
		return in, nil
	case InboundError:
		if raw.Message == nil && raw.ErrorCode == "" {
			return Inbound{}, fmt.Errorf("%w: error event without code or message", ErrMalformedMessage)
		}
		ev := &ErrorEvent{Code: raw.ErrorCode}
		if raw.Message != nil {
			ev.Message = *raw.Message
		}
		in.Error = ev
		return in, nil
	case InboundPeerMessage:
		if raw.Message == nil {
			return Inbound{}, fmt.Errorf("%w: message without text", ErrMalformedMessage)
		}
		createdAt, err := parseTime(raw.CreatedAt)
		if err != nil {
			return Inbound{}, err
		}
		in.Peer = &PeerMessage{
			MessageID: raw.MessageID,
			UserID:    raw.UserID,
			Message:   *raw.Message,
			CreatedAt: createdAt,
		}
		return in, nil
	case "":
		return Inbound{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	default:
		return Inbound{}, fmt.Errorf("%w %q", ErrUnknownType, raw.Type)
	}
}

func decodeResponse(data json.RawMessage) (*AssistantResponse, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, fmt.Errorf("%w: ai_response without data", ErrMalformedMessage)
	}
	var raw rawResponse
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: ai_response data: %v", ErrMalformedMessage, err)
	}
	if raw.MessageID == "" || raw.Message == nil {
		return nil, fmt.Errorf("%w: ai_response requires message_id and message", ErrMalformedMessage)
	}
	createdAt, err := parseTime(raw.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &AssistantResponse{
		MessageID:        raw.MessageID,
		Message:          *raw.Message,
		CreditsUsed:      raw.CreditsUsed,
		CreditsRemaining: raw.CreditsRemaining,
		StructuredData:   raw.StructuredData,
		Insights:         raw.Insights,
		CreatedAt:        createdAt,
		IsFallback:       raw.IsFallback,
	}, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: created_at: %v", ErrMalformedMessage, err)
	}
	return t, nil
}
