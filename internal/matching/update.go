package matching

import (
	"github.com/rickgao/coupon-exchange/internal/connection"
	"github.com/rickgao/coupon-exchange/internal/model"
	"github.com/rickgao/coupon-exchange/internal/negotiation"
)

// UpdateKind identifies what changed.
type UpdateKind int

const (
	UpdateConnection UpdateKind = iota + 1
	UpdateUserCount
	UpdateCandidates
	UpdateTrade
	UpdateIncoming
	UpdateNegotiation
	UpdateNavigate
	UpdateMissedMatch
	UpdateBrokerError
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateConnection:
		return "connection"
	case UpdateUserCount:
		return "user_count"
	case UpdateCandidates:
		return "candidates"
	case UpdateTrade:
		return "trade"
	case UpdateIncoming:
		return "incoming"
	case UpdateNegotiation:
		return "negotiation"
	case UpdateNavigate:
		return "navigate"
	case UpdateMissedMatch:
		return "missed_match"
	case UpdateBrokerError:
		return "broker_error"
	}
	return "unknown"
}

// Update tells the UI layer to re-render. Only the fields relevant to Kind
// are set.
type Update struct {
	Kind       UpdateKind
	Connection connection.EventKind
	Phase      negotiation.Phase
	Trade      model.Trade
	TradeID    int64
	CardID     int64
	Count      int
	Err        error
}
