package connection

import (
	"github.com/ashureev/aichat/internal/protocol"
	"github.com/ashureev/aichat/internal/transport"
)

// State is the lifecycle state of a Client's transport.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// EventKind discriminates Event.
type EventKind int

const (
	// EventOpen fires when a transport finished opening.
	EventOpen EventKind = iota + 1
	// EventMessage carries one decoded inbound envelope. Pongs are never delivered.
	EventMessage
	// EventError reports a transport failure or a malformed inbound frame.
	EventError
	// EventClose fires when a transport (or an open attempt) ended.
	EventClose
)

// String returns the string representation of an EventKind.
func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is one lifecycle notification from a Client, delivered in order on
// Client.Events.
type Event struct {
	Kind           EventKind
	ConversationID string
	Message        protocol.Inbound
	Err            error

	Code          transport.CloseCode
	Reason        string
	WillReconnect bool
}

// Status is a point-in-time view of a Client.
type Status struct {
	State            State
	ConversationID   string
	ReconnectAttempt int
	ReconnectPending bool
	Exhausted        bool
	LastError        string
}

// Connected reports whether the transport is open.
func (s Status) Connected() bool { return s.State == StateConnected }

// Connecting reports whether an open attempt or a scheduled reconnect is in flight.
func (s Status) Connecting() bool { return s.State == StateConnecting }
