package main

import (
	"log/slog"

	"github.com/rickgao/coupon-exchange/internal/matching"
	"github.com/rickgao/coupon-exchange/internal/model"
	"github.com/rickgao/coupon-exchange/internal/negotiation"
)

// sessionClient is the part of *matching.Client the role sessions drive.
type sessionClient interface {
	BecomeBuyer(f model.Filter) error
	BecomeSeller(l model.Listing) error
	SelectCandidate(cardID int64) error
	RequestTrade() error
	Negotiation() negotiation.View
	ApproveRequest(tradeID int64) (model.Trade, error)
	ConnectedUsers() int
}

var _ sessionClient = (*matching.Client)(nil)

// roleSession decides what the process does with each Update.
type roleSession interface {
	Name() string
	Begin(c sessionClient) error
	Handle(c sessionClient, u matching.Update, logger *slog.Logger)
}

// logUpdate logs the parts of u every role cares about.
func logUpdate(u matching.Update, logger *slog.Logger) {
	switch u.Kind {
	case matching.UpdateConnection:
		logger.Info("connection", "event", u.Connection, "error", u.Err)
	case matching.UpdateUserCount:
		logger.Info("connected users", "count", u.Count)
	case matching.UpdateBrokerError:
		logger.Warn("broker error", "error", u.Err)
	case matching.UpdateTrade:
		logger.Info("trade", "trade_id", u.TradeID, "card_id", u.CardID, "status", u.Trade.Status, "cancel", u.Trade.CancelStatus)
	}
}

type watchSession struct{}

func (watchSession) Name() string                { return "watch" }
func (watchSession) Begin(c sessionClient) error { return nil }

func (watchSession) Handle(c sessionClient, u matching.Update, logger *slog.Logger) {
	logUpdate(u, logger)
}

type buyerSession struct {
	filter      model.Filter
	autoRequest bool
}

func (s *buyerSession) Name() string { return "buyer" }

func (s *buyerSession) Begin(c sessionClient) error {
	return c.BecomeBuyer(s.filter)
}

func (s *buyerSession) Handle(c sessionClient, u matching.Update, logger *slog.Logger) {
	logUpdate(u, logger)

	switch u.Kind {
	case matching.UpdateCandidates:
		logger.Info("candidate", "card_id", u.CardID, "trade_id", u.TradeID)
		if !s.autoRequest || c.Negotiation().Phase != negotiation.PhaseIdle {
			return
		}
		if err := c.SelectCandidate(u.CardID); err != nil {
			logger.Warn("select candidate failed", "card_id", u.CardID, "error", err)
			return
		}
		if err := c.RequestTrade(); err != nil {
			logger.Warn("trade request failed", "card_id", u.CardID, "error", err)
		}

	case matching.UpdateNegotiation:
		v := c.Negotiation()
		logger.Info("negotiation", "phase", u.Phase, "card_id", u.CardID, "trade_id", u.TradeID, "error", v.Err)

	case matching.UpdateNavigate:
		logger.Info("trade accepted; continue to payment", "trade_id", u.TradeID, "card_id", u.CardID)

	case matching.UpdateMissedMatch:
		logger.Warn("seller accepted a withdrawn request", "trade_id", u.TradeID, "card_id", u.CardID)
	}
}

type sellerSession struct {
	listing     model.Listing
	autoApprove bool
	approved    map[int64]bool
}

func (s *sellerSession) Name() string { return "seller" }

func (s *sellerSession) Begin(c sessionClient) error {
	return c.BecomeSeller(s.listing)
}

func (s *sellerSession) Handle(c sessionClient, u matching.Update, logger *slog.Logger) {
	logUpdate(u, logger)

	switch u.Kind {
	case matching.UpdateIncoming:
		if u.Trade.Status != model.StatusRequested || s.approved[u.TradeID] {
			return
		}
		logger.Info("incoming request", "trade_id", u.TradeID, "card_id", u.CardID, "buyer", u.Trade.Buyer)
		if !s.autoApprove {
			return
		}
		if _, err := c.ApproveRequest(u.TradeID); err != nil {
			logger.Warn("approve failed", "trade_id", u.TradeID, "error", err)
			return
		}
		if s.approved == nil {
			s.approved = make(map[int64]bool)
		}
		s.approved[u.TradeID] = true

	case matching.UpdateNavigate:
		logger.Info("request approved; wait for payment", "trade_id", u.TradeID)
	}
}
