package router

import (
	"fmt"

	"github.com/rickgao/coupon-exchange/internal/queue"
)

// Address is a logical inbound address and the broker destination behind it.
type Address struct {
	Name        string
	Destination string
	Directed    bool // Only the authenticated owner of the connection receives it
}

func (a Address) String() string {
	return a.Name
}

// Inbound addresses.
var (
	UserCount         = Address{Name: "connected-user-count", Destination: "/topic/connected-users"}
	UserCountPersonal = Address{Name: "connected-user-count-personal", Destination: "/user/queue/connected-users", Directed: true}
	MatchingCandidate = Address{Name: "matching-candidate", Destination: "/user/queue/matching", Directed: true}
	TradeEvent        = Address{Name: "trade-event", Destination: "/user/queue/trade", Directed: true}
	CancelEvent       = Address{Name: "cancel-event", Destination: "/user/queue/trade-cancel", Directed: true}
	BrokerError       = Address{Name: "error", Destination: "/user/queue/errors", Directed: true}
)

// Addresses lists every inbound address.
func Addresses() []Address {
	return []Address{UserCount, UserCountPersonal, MatchingCandidate, TradeEvent, CancelEvent, BrokerError}
}

// RouterConfig holds configuration for the Subscription Router.
type RouterConfig struct {
	QueueCapacity   int // Initial capacity of each per-address queue
	ErrorBufferSize int // Buffered DecodeError events; overflow is dropped
}

// DefaultRouterConfig returns default configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		QueueCapacity:   64,
		ErrorBufferSize: 100,
	}
}

// RouterStats contains runtime statistics.
type RouterStats struct {
	MessagesReceived int64
	MessagesRouted   int64
	DecodeErrors     int64
	UnknownMessages  int64
	RoleFiltered     int64
	StaleDropped     int64
	Queues           map[string]queue.Stats
}

// DecodeError reports a frame whose payload could not be decoded. The frame
// is discarded; other frames and subscriptions are unaffected.
type DecodeError struct {
	Address     string
	Destination string
	Body        []byte
	Err         error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s frame: %v", e.Address, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
