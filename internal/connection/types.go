package connection

import (
	"errors"
	"time"

	"github.com/rickgao/coupon-exchange/internal/model"
)

// Errors
var (
	ErrNotConnected       = errors.New("not connected")
	ErrStaleConnection    = errors.New("connection stale (no heart-beat)")
	ErrAlreadyClosed      = errors.New("already closed")
	ErrTransport          = errors.New("transport error")
	ErrAuthentication     = errors.New("authentication failed")
	ErrCredentialExpired  = errors.New("credential expired")
	ErrReleased           = errors.New("connection released")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// TimestampedFrame wraps a decoded frame with its receive timestamp.
type TimestampedFrame struct {
	Frame      Frame
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// RawMessage is a MESSAGE frame forwarded from the Connection Manager to the Subscription Router.
type RawMessage struct {
	Destination    string
	SubscriptionID string
	MessageID      string
	Body           []byte
	ReceivedAt     time.Time
	Generation     uint64     // Connection generation the frame arrived on
	Role           model.Role // Session role when the router accepted the frame
}

// State is the lifecycle state of the shared connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateErroring
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateErroring:
		return "erroring"
	}
	return "disconnected"
}

// EventKind identifies a connection lifecycle event.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventReconnecting
	EventDisconnected
	EventCredentialExpired
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventReconnecting:
		return "reconnecting"
	case EventDisconnected:
		return "disconnected"
	case EventCredentialExpired:
		return "credential_expired"
	}
	return "unknown"
}

// Event reports a connection lifecycle change to the session layer.
type Event struct {
	Kind    EventKind
	Err     error
	Attempt int // Reconnect attempt number (EventReconnecting only)
	At      time.Time
}

// ClientConfig configures a STOMP-over-WebSocket client.
type ClientConfig struct {
	URL               string        // WebSocket URL (e.g., wss://market.example.com/ws)
	Host              string        // STOMP virtual host; defaults to the URL host
	HeartbeatInterval time.Duration // Interval for outgoing heart-beats and pings
	ReadTimeout       time.Duration // Max time without inbound traffic before considering connection stale
	WriteTimeout      time.Duration // Write deadline for sends
	HandshakeTimeout  time.Duration // WebSocket upgrade + CONNECTED wait
	BufferSize        int           // Frame channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HeartbeatInterval: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		BufferSize:        1000,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	Client               ClientConfig
	ReconnectBaseWait    time.Duration // Base wait time for reconnection
	ReconnectMaxWait     time.Duration // Max wait time for reconnection
	MaxReconnectAttempts int           // Attempts before giving up and reporting Disconnected
	MessageBufferSize    int           // Per-handle message buffer size
	EventBufferSize      int           // Per-handle lifecycle event buffer size
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Client:               DefaultClientConfig(),
		ReconnectBaseWait:    1 * time.Second,
		ReconnectMaxWait:     30 * time.Second,
		MaxReconnectAttempts: 5,
		MessageBufferSize:    1000,
		EventBufferSize:      64,
	}
}
