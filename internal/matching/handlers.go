package matching

import (
	"github.com/rickgao/coupon-exchange/internal/connection"
	"github.com/rickgao/coupon-exchange/internal/model"
	"github.com/rickgao/coupon-exchange/internal/negotiation"
)

func (c *Client) onUserCount(n model.UserCount) {
	c.users.Store(int64(n))
	c.metrics.SetConnectedUsers(int(n))
	c.emit(Update{Kind: UpdateUserCount, Count: int(n)})
}

func (c *Client) onCandidate(cand model.Candidate) {
	rec, inserted := c.session.UpsertCandidate(cand)
	c.logger.Debug("candidate",
		"card_id", rec.CardID,
		"trade_id", rec.TradeID,
		"inserted", inserted,
	)
	c.emit(Update{Kind: UpdateCandidates, CardID: rec.CardID, TradeID: rec.TradeID})
}

// onTrade and onCancel run on different router workers. tradeMu makes the
// tracker update and its dispatch one step per frame.
func (c *Client) onTrade(frame model.Trade, msg connection.RawMessage) {
	c.tradeMu.Lock()
	defer c.tradeMu.Unlock()

	tr, outcome := c.tracker.Apply(frame)
	if outcome == negotiation.OutcomeIgnored {
		if _, retired := c.tracker.Retired(frame.TradeID); retired && msg.Role == model.RoleBuyer {
			c.nego.OnRetiredTrade(frame)
		}
		return
	}
	c.dispatchTrade(tr, msg.Role)
}

func (c *Client) onCancel(frame model.Trade, msg connection.RawMessage) {
	c.tradeMu.Lock()
	defer c.tradeMu.Unlock()

	tr, outcome := c.tracker.ApplyCancel(frame)
	if outcome == negotiation.OutcomeIgnored {
		return
	}
	if tr.Status == model.StatusCanceled {
		c.dispatchTrade(tr, msg.Role)
		return
	}
	c.emit(Update{Kind: UpdateTrade, Trade: tr, TradeID: tr.TradeID, CardID: tr.CardID})
}

// dispatchTrade routes an applied status transition by the role the frame
// arrived under. Must be called with tradeMu held.
func (c *Client) dispatchTrade(tr model.Trade, role model.Role) {
	switch role {
	case model.RoleBuyer:
		if tr.CardID != 0 && tr.Status == model.StatusRequested {
			c.session.AttachTrade(tr.CardID, tr.TradeID)
		}
		c.nego.OnTrade(tr)

	case model.RoleSeller:
		if tr.Status == model.StatusRequested {
			if c.inbox.Add(tr) {
				c.emit(Update{Kind: UpdateIncoming, Trade: tr, TradeID: tr.TradeID, CardID: tr.CardID})
			}
		} else if c.inbox.Remove(tr.TradeID) {
			c.emit(Update{Kind: UpdateIncoming, Trade: tr, TradeID: tr.TradeID, CardID: tr.CardID})
		}
	}
	c.emit(Update{Kind: UpdateTrade, Trade: tr, TradeID: tr.TradeID, CardID: tr.CardID})
}

func (c *Client) onBrokerError(e model.BrokerError) {
	c.logger.Warn("broker error",
		"code", e.Code,
		"kind", e.Kind(),
		"message", e.Message,
		"current_status", e.CurrentStatus,
		"required_status", e.RequiredStatus,
	)
	before := c.nego.View()
	c.nego.OnBrokerError(e)

	// The card that failed is gone from the market; drop it from the list.
	wasActive := before.Phase == negotiation.PhaseConfirm || before.Phase == negotiation.PhaseWaiting
	if e.Kind() == model.ErrorKindCardInvalidStatus && wasActive && before.Candidate.CardID != 0 &&
		c.nego.Phase() == negotiation.PhaseUnavailable {
		if c.session.RemoveCandidate(before.Candidate.CardID) {
			c.emit(Update{Kind: UpdateCandidates, CardID: before.Candidate.CardID})
		}
	}
	c.emit(Update{Kind: UpdateBrokerError, Err: e})
}
