// Package publisher encodes and sends outbound matching and trade commands.
//
// Every command is fire-and-forget: a nil error means the frame was handed
// to a live connection, not that the broker accepted it. Acceptance is
// observed later through trade-event frames. Commands never panic; with no
// live connection they return ErrPublishRejected.
package publisher

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rickgao/coupon-exchange/internal/connection"
	"github.com/rickgao/coupon-exchange/internal/model"
)

// Errors
var (
	ErrPublishRejected  = errors.New("publish rejected: no live connection")
	ErrWrongRole        = errors.New("command not valid for current role")
	ErrDuplicateRequest = errors.New("trade request already outstanding for card")
	ErrInvalidPayment   = errors.New("payment amounts must be non-negative and not both zero")
	ErrInvalidTradeID   = errors.New("trade id must be positive")
)

// Outbound destinations.
const (
	DestBuyerFilter   = "/app/matching/buyer"
	DestSellerListing = "/app/matching/seller"
	DestTradeCreate   = "/app/trade/create"
	DestTradeApprove  = "/app/trade/approve"
	DestTradePayment  = "/app/trade/payment"
	DestTradeConfirm  = "/app/trade/confirm"
	DestTradeCancel   = "/app/trade/cancel"
)

// Command names used in logs and metrics.
const (
	CmdRegisterBuyerFilter   = "register_buyer_filter"
	CmdRegisterSellerListing = "register_seller_listing"
	CmdCreateTrade           = "create_trade"
	CmdApproveTrade          = "approve_trade"
	CmdSendPayment           = "send_payment"
	CmdConfirmDataReceipt    = "confirm_data_receipt"
	CmdRequestCancel         = "request_cancel"
)

// Sender is the outbound side of the shared connection.
// *connection.Manager implements it.
type Sender interface {
	Send(destination string, body []byte) error
	Role() model.Role
	Principal() string
}

// Observer is notified after every publish attempt (e.g. for metrics).
type Observer interface {
	Published(command string, err error)
}

type requestKey struct {
	buyer  string
	cardID int64
}

// Publisher sends the outbound commands.
type Publisher struct {
	sender   Sender
	observer Observer
	logger   *slog.Logger

	mu          sync.Mutex
	outstanding map[requestKey]struct{}
}

// New creates a Publisher. observer may be nil.
func New(sender Sender, observer Observer, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		sender:      sender,
		observer:    observer,
		logger:      logger,
		outstanding: make(map[requestKey]struct{}),
	}
}

type cardPayload struct {
	CardID int64 `json:"cardId"`
}

type tradePayload struct {
	TradeID int64 `json:"tradeId"`
}

type paymentPayload struct {
	TradeID     int64 `json:"tradeId"`
	MoneyAmount int64 `json:"moneyAmount"`
	PointAmount int64 `json:"pointAmount"`
}

type cancelPayload struct {
	TradeID      int64  `json:"tradeId"`
	CancelReason string `json:"cancelReason"`
}

// RegisterBuyerFilter announces the buyer's search criteria.
func (p *Publisher) RegisterBuyerFilter(f model.Filter) error {
	if err := f.Validate(); err != nil {
		return p.fail(CmdRegisterBuyerFilter, err)
	}
	return p.publish(CmdRegisterBuyerFilter, DestBuyerFilter, model.RoleBuyer, f)
}

// RegisterSellerListing announces (or withdraws, with Active=false) the
// seller's listing.
func (p *Publisher) RegisterSellerListing(l model.Listing) error {
	if err := l.Validate(); err != nil {
		return p.fail(CmdRegisterSellerListing, err)
	}
	return p.publish(CmdRegisterSellerListing, DestSellerListing, model.RoleSeller, l)
}

// CreateTrade requests a trade on cardID. A second request for the same
// card is refused with ErrDuplicateRequest until ClearOutstanding is called.
func (p *Publisher) CreateTrade(cardID int64) error {
	if cardID <= 0 {
		return p.fail(CmdCreateTrade, fmt.Errorf("invalid card id %d", cardID))
	}
	key := requestKey{buyer: p.sender.Principal(), cardID: cardID}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.outstanding[key]; ok {
		return p.fail(CmdCreateTrade, fmt.Errorf("%w: card %d", ErrDuplicateRequest, cardID))
	}
	if err := p.publish(CmdCreateTrade, DestTradeCreate, model.RoleBuyer, cardPayload{CardID: cardID}); err != nil {
		return err
	}
	p.outstanding[key] = struct{}{}
	return nil
}

// ClearOutstanding allows a new CreateTrade for cardID. Called once the
// request reached a terminal response or timed out.
func (p *Publisher) ClearOutstanding(cardID int64) {
	key := requestKey{buyer: p.sender.Principal(), cardID: cardID}
	p.mu.Lock()
	delete(p.outstanding, key)
	p.mu.Unlock()
}

// ClearAllOutstanding forgets every outstanding request.
func (p *Publisher) ClearAllOutstanding() {
	p.mu.Lock()
	clear(p.outstanding)
	p.mu.Unlock()
}

// Outstanding reports whether a request for cardID is in flight.
func (p *Publisher) Outstanding(cardID int64) bool {
	key := requestKey{buyer: p.sender.Principal(), cardID: cardID}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.outstanding[key]
	return ok
}

// ApproveTrade accepts a pending request. Rejection has no command: a
// seller rejects by not approving.
func (p *Publisher) ApproveTrade(tradeID int64) error {
	if tradeID <= 0 {
		return p.fail(CmdApproveTrade, ErrInvalidTradeID)
	}
	return p.publish(CmdApproveTrade, DestTradeApprove, model.RoleSeller, tradePayload{TradeID: tradeID})
}

// SendPayment pays for an accepted trade with cash and/or points.
func (p *Publisher) SendPayment(tradeID, moneyAmount, pointAmount int64) error {
	if tradeID <= 0 {
		return p.fail(CmdSendPayment, ErrInvalidTradeID)
	}
	if moneyAmount < 0 || pointAmount < 0 || moneyAmount+pointAmount == 0 {
		return p.fail(CmdSendPayment, ErrInvalidPayment)
	}
	return p.publish(CmdSendPayment, DestTradePayment, model.RoleBuyer, paymentPayload{
		TradeID:     tradeID,
		MoneyAmount: moneyAmount,
		PointAmount: pointAmount,
	})
}

// ConfirmDataReceipt tells the seller the data arrived.
func (p *Publisher) ConfirmDataReceipt(tradeID int64) error {
	if tradeID <= 0 {
		return p.fail(CmdConfirmDataReceipt, ErrInvalidTradeID)
	}
	return p.publish(CmdConfirmDataReceipt, DestTradeConfirm, model.RoleBuyer, tradePayload{TradeID: tradeID})
}

// RequestCancel asks the counterparty to cancel. Either role may send it;
// whether the trade may still be cancelled is decided by the caller.
func (p *Publisher) RequestCancel(tradeID int64, reason string) error {
	if tradeID <= 0 {
		return p.fail(CmdRequestCancel, ErrInvalidTradeID)
	}
	return p.publish(CmdRequestCancel, DestTradeCancel, model.RoleUnset, cancelPayload{
		TradeID:      tradeID,
		CancelReason: reason,
	})
}

// publish checks the role, encodes payload and hands it to the connection.
// need == RoleUnset accepts any role other than unset.
func (p *Publisher) publish(command, destination string, need model.Role, payload any) error {
	role := p.sender.Role()
	if (need != model.RoleUnset && role != need) || role == model.RoleUnset {
		return p.fail(command, fmt.Errorf("%w: %s requires %s, have %s", ErrWrongRole, command, roleName(need), role))
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return p.fail(command, fmt.Errorf("encode %s: %w", command, err))
	}

	if err := p.sender.Send(destination, body); err != nil {
		if errors.Is(err, connection.ErrNotConnected) {
			err = fmt.Errorf("%w: %w", ErrPublishRejected, err)
		}
		return p.fail(command, err)
	}

	p.logger.Debug("published", "command", command, "destination", destination)
	if p.observer != nil {
		p.observer.Published(command, nil)
	}
	return nil
}

func (p *Publisher) fail(command string, err error) error {
	p.logger.Warn("publish not attempted", "command", command, "error", err)
	if p.observer != nil {
		p.observer.Published(command, err)
	}
	return err
}

func roleName(r model.Role) string {
	if r == model.RoleUnset {
		return "a role"
	}
	return r.String()
}
