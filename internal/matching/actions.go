package matching

import (
	"fmt"

	"github.com/rickgao/coupon-exchange/internal/connection"
	"github.com/rickgao/coupon-exchange/internal/model"
	"github.com/rickgao/coupon-exchange/internal/negotiation"
	"github.com/rickgao/coupon-exchange/internal/session"
)

// BecomeBuyer switches to the buyer role, stores f and registers it with
// the broker. Candidates from a previous filter are dropped.
func (c *Client) BecomeBuyer(f model.Filter) error {
	if err := f.Validate(); err != nil {
		return err
	}
	c.session.SetRole(model.RoleBuyer)
	c.inbox.Clear()
	if err := c.session.SubmitFilter(f); err != nil {
		return err
	}
	return c.publisher.RegisterBuyerFilter(f)
}

// BecomeSeller switches to the seller role, stores l and registers it with
// the broker. Any buyer negotiation is abandoned.
func (c *Client) BecomeSeller(l model.Listing) error {
	if err := l.Validate(); err != nil {
		return err
	}
	c.nego.Abandon()
	c.session.SetRole(model.RoleSeller)
	if err := c.session.SetListing(l); err != nil {
		return err
	}
	return c.publisher.RegisterSellerListing(l)
}

// SetListingActive toggles the seller's listing and re-registers it.
func (c *Client) SetListingActive(active bool) error {
	l, err := c.session.SetListingActive(active)
	if err != nil {
		return err
	}
	return c.publisher.RegisterSellerListing(l)
}

// SelectCandidate enters Confirm for the candidate on cardID.
func (c *Client) SelectCandidate(cardID int64) error {
	cand, ok := c.session.Candidate(cardID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownCard, cardID)
	}
	return c.nego.Begin(cand)
}

// RequestTrade sends createTrade for the selected candidate.
func (c *Client) RequestTrade() error {
	return c.nego.Request()
}

// RetryTrade re-sends createTrade after a timeout or rejection.
func (c *Client) RetryTrade() error {
	return c.nego.Retry()
}

// WithdrawRequest cancels a pending request once the lockout has passed.
// The broker cannot retract it; a later acceptance is reported as a
// missed match.
func (c *Client) WithdrawRequest() error {
	tradeID, err := c.nego.Cancel()
	if err != nil {
		return err
	}
	if tradeID != 0 {
		c.tradeMu.Lock()
		c.tracker.Retire(tradeID)
		c.tradeMu.Unlock()
	}
	return nil
}

// AbandonNegotiation leaves the buyer walk.
func (c *Client) AbandonNegotiation() {
	c.nego.Abandon()
}

// Negotiation returns the buyer walk render state.
func (c *Client) Negotiation() negotiation.View {
	return c.nego.View()
}

// IncomingRequests returns the seller's pending requests in arrival order.
func (c *Client) IncomingRequests() []model.Trade {
	return c.inbox.List()
}

// ApproveRequest approves a pending request and signals the trading flow.
func (c *Client) ApproveRequest(tradeID int64) (model.Trade, error) {
	tr, err := c.inbox.Approve(tradeID)
	if err != nil {
		return model.Trade{}, err
	}
	c.emit(Update{Kind: UpdateIncoming, Trade: tr, TradeID: tr.TradeID, CardID: tr.CardID})
	c.emit(Update{Kind: UpdateNavigate, Trade: tr, TradeID: tr.TradeID, CardID: tr.CardID})
	return tr, nil
}

// SendPayment pays for an accepted trade.
func (c *Client) SendPayment(tradeID, moneyAmount, pointAmount int64) error {
	return c.publisher.SendPayment(tradeID, moneyAmount, pointAmount)
}

// ConfirmDataReceipt confirms the data arrived.
func (c *Client) ConfirmDataReceipt(tradeID int64) error {
	return c.publisher.ConfirmDataReceipt(tradeID)
}

// RequestCancel asks the counterparty to cancel tradeID. It is refused
// locally once DATA_SENT or a terminal status has been observed.
func (c *Client) RequestCancel(tradeID int64, reason string) error {
	if err := c.tracker.CanRequestCancel(tradeID); err != nil {
		return err
	}
	return c.publisher.RequestCancel(tradeID, reason)
}

// Trade returns the tracked state of an active trade.
func (c *Client) Trade(tradeID int64) (model.Trade, bool) {
	return c.tracker.Get(tradeID)
}

// Trades returns every active trade.
func (c *Client) Trades() []model.Trade {
	return c.tracker.Active()
}

// SeedHistory feeds trades read from history into the tracker.
func (c *Client) SeedHistory(trades []model.Trade) int {
	n := c.tracker.Seed(trades)
	c.metrics.Seeded(n)
	return n
}

// Candidates returns the current candidate set.
func (c *Client) Candidates() []model.Candidate {
	return c.session.Candidates()
}

// Session returns a consistent copy of role, filter, listing and candidates.
func (c *Client) Session() session.Snapshot {
	return c.session.Snapshot()
}

// Role returns the current role.
func (c *Client) Role() model.Role {
	return c.session.Role()
}

// ConnectedUsers returns the last connected-user count from the broker.
func (c *Client) ConnectedUsers() int {
	return int(c.users.Load())
}

// ConnectionState returns the shared connection state.
func (c *Client) ConnectionState() connection.State {
	return c.manager.State()
}

// Reset clears role, filter, listing and candidates in one step and drops
// all negotiation state local to this session.
func (c *Client) Reset() {
	c.nego.Abandon()
	c.inbox.Clear()
	c.publisher.ClearAllOutstanding()
	c.session.Reset()
}
