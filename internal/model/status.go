package model

import (
	"encoding/json"
	"fmt"
)

// TradeStatus is the server-confirmed phase of a trade.
//
// Main sequence (monotonic):
//
//	REQUESTED → ACCEPTED → PAYMENT_CONFIRMED → PAYMENT_CONFIRMED_ACCEPTED → DATA_SENT → COMPLETED
//
// Side branches CANCELED, AUTO_REFUND and AUTO_PAYOUT are terminal and
// reachable from any non-terminal status. REPORTED is reachable from any
// non-terminal main status and only leads to a terminal status.
type TradeStatus string

const (
	StatusRequested                TradeStatus = "REQUESTED"
	StatusAccepted                 TradeStatus = "ACCEPTED"
	StatusPaymentConfirmed         TradeStatus = "PAYMENT_CONFIRMED"
	StatusPaymentConfirmedAccepted TradeStatus = "PAYMENT_CONFIRMED_ACCEPTED"
	StatusDataSent                 TradeStatus = "DATA_SENT"
	StatusCompleted                TradeStatus = "COMPLETED"

	StatusCanceled   TradeStatus = "CANCELED"
	StatusAutoRefund TradeStatus = "AUTO_REFUND"
	StatusAutoPayout TradeStatus = "AUTO_PAYOUT"
	StatusReported   TradeStatus = "REPORTED"
)

// mainRank orders the main sequence. Side branches have rank 0.
var mainRank = map[TradeStatus]int{
	StatusRequested:                1,
	StatusAccepted:                 2,
	StatusPaymentConfirmed:         3,
	StatusPaymentConfirmedAccepted: 4,
	StatusDataSent:                 5,
	StatusCompleted:                6,
}

// Valid reports whether s is a known status.
func (s TradeStatus) Valid() bool {
	if _, ok := mainRank[s]; ok {
		return true
	}
	switch s {
	case StatusCanceled, StatusAutoRefund, StatusAutoPayout, StatusReported:
		return true
	}
	return false
}

// Rank returns the position of s on the main sequence, or 0 for side branches.
func (s TradeStatus) Rank() int {
	return mainRank[s]
}

// IsTerminal reports whether no further transition can follow s.
func (s TradeStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCanceled, StatusAutoRefund, StatusAutoPayout:
		return true
	}
	return false
}

// CanAdvanceTo reports whether next is a legal forward transition from s.
// Equal statuses and regressions return false. Forward skips along the main
// sequence are legal: frames lost during a reconnect must not wedge a trade.
func (s TradeStatus) CanAdvanceTo(next TradeStatus) bool {
	if !s.Valid() || !next.Valid() || s == next || s.IsTerminal() {
		return false
	}
	if s == StatusReported {
		return next.IsTerminal()
	}
	if next.Rank() > 0 {
		return next.Rank() > s.Rank()
	}
	return true
}

// CancelAllowed reports whether a cancellation may still be requested.
// Once data is in transit the trade can no longer be cancelled locally.
func (s TradeStatus) CancelAllowed() bool {
	r := s.Rank()
	return r > 0 && r < StatusDataSent.Rank()
}

// UnmarshalJSON rejects unknown statuses.
func (s *TradeStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == "" {
		*s = ""
		return nil
	}
	v := TradeStatus(raw)
	if !v.Valid() {
		return fmt.Errorf("unknown trade status %q", raw)
	}
	*s = v
	return nil
}

// CancelStatus is the orthogonal cancellation sub-state of a trade.
type CancelStatus string

const (
	CancelNone      CancelStatus = "NONE"
	CancelRequested CancelStatus = "REQUESTED"
	CancelAccepted  CancelStatus = "ACCEPTED"
	CancelRejected  CancelStatus = "REJECTED"
)

// Normalize maps the empty value to CancelNone.
func (c CancelStatus) Normalize() CancelStatus {
	if c == "" {
		return CancelNone
	}
	return c
}

// CanAdvanceTo reports whether next is a legal cancel sub-state transition.
// A rejected request may be followed by a new request.
func (c CancelStatus) CanAdvanceTo(next CancelStatus) bool {
	from, to := c.Normalize(), next.Normalize()
	switch from {
	case CancelNone, CancelRejected:
		return to == CancelRequested
	case CancelRequested:
		return to == CancelAccepted || to == CancelRejected
	}
	return false
}

// UnmarshalJSON rejects unknown cancel statuses.
func (c *CancelStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := CancelStatus(raw); v {
	case "", CancelNone, CancelRequested, CancelAccepted, CancelRejected:
		*c = v
		return nil
	}
	return fmt.Errorf("unknown cancel status %q", raw)
}

// -----------------------------------------------------------------------------
// Broker errors
// -----------------------------------------------------------------------------

// ErrorKind classifies error-address payloads.
type ErrorKind int

const (
	ErrorKindUnknown ErrorKind = iota
	ErrorKindCardInvalidStatus
	ErrorKindTradeInvalidStatus
	ErrorKindUnauthorized
	ErrorKindTokenExpired
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindCardInvalidStatus:
		return "card_invalid_status"
	case ErrorKindTradeInvalidStatus:
		return "trade_invalid_status"
	case ErrorKindUnauthorized:
		return "unauthorized"
	case ErrorKindTokenExpired:
		return "token_expired"
	}
	return "unknown"
}

// BrokerError is the payload of the error address.
type BrokerError struct {
	Code           string      `json:"error"`
	Message        string      `json:"message"`
	CurrentStatus  TradeStatus `json:"currentStatus,omitempty"`
	RequiredStatus TradeStatus `json:"requiredStatus,omitempty"`
}

// Kind maps the wire code onto a closed ErrorKind.
func (e BrokerError) Kind() ErrorKind {
	switch e.Code {
	case "CARD_INVALID_STATUS":
		return ErrorKindCardInvalidStatus
	case "TRADE_INVALID_STATUS":
		return ErrorKindTradeInvalidStatus
	case "UNAUTHORIZED", "INVALID_TOKEN":
		return ErrorKindUnauthorized
	case "TOKEN_EXPIRED", "EXPIRED_TOKEN":
		return ErrorKindTokenExpired
	}
	return ErrorKindUnknown
}

func (e BrokerError) Error() string {
	if e.CurrentStatus != "" || e.RequiredStatus != "" {
		return fmt.Sprintf("%s: %s (current=%s required=%s)", e.Code, e.Message, e.CurrentStatus, e.RequiredStatus)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
