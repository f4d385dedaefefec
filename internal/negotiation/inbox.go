package negotiation

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rickgao/coupon-exchange/internal/model"
)

// ErrUnknownRequest is returned when approving a request not in the inbox.
var ErrUnknownRequest = errors.New("no pending request")

// Approver sends approveTrade. *publisher.Publisher implements it.
type Approver interface {
	ApproveTrade(tradeID int64) error
}

// Inbox holds a seller's pending incoming requests, keyed by trade id, in
// arrival order.
type Inbox struct {
	approver Approver
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[int64]model.Trade
	order   []int64
}

// NewInbox creates an empty Inbox.
func NewInbox(approver Approver, logger *slog.Logger) *Inbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inbox{
		approver: approver,
		logger:   logger,
		pending:  make(map[int64]model.Trade),
	}
}

// Add records a REQUESTED trade. It returns false for a trade already
// pending.
func (b *Inbox) Add(tr model.Trade) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[tr.TradeID]; ok {
		return false
	}
	b.pending[tr.TradeID] = tr
	b.order = append(b.order, tr.TradeID)
	b.logger.Info("incoming trade request", "trade_id", tr.TradeID, "card_id", tr.CardID, "buyer", tr.Buyer)
	return true
}

// Approve sends approveTrade for tradeID and removes it from the inbox.
// The request stays pending if the publish fails.
func (b *Inbox) Approve(tradeID int64) (model.Trade, error) {
	b.mu.Lock()
	tr, ok := b.pending[tradeID]
	b.mu.Unlock()
	if !ok {
		return model.Trade{}, fmt.Errorf("%w: trade %d", ErrUnknownRequest, tradeID)
	}

	if err := b.approver.ApproveTrade(tradeID); err != nil {
		return model.Trade{}, err
	}
	b.Remove(tradeID)
	return tr, nil
}

// Remove drops tradeID, e.g. when the buyer cancelled.
func (b *Inbox) Remove(tradeID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[tradeID]; !ok {
		return false
	}
	delete(b.pending, tradeID)
	for i, id := range b.order {
		if id == tradeID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return true
}

// List returns pending requests in arrival order.
func (b *Inbox) List() []model.Trade {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.Trade, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.pending[id])
	}
	return out
}

// Len returns the number of pending requests.
func (b *Inbox) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Clear drops every pending request.
func (b *Inbox) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.pending)
	b.order = nil
}
