package api

import (
	"time"

	"github.com/rickgao/coupon-exchange/internal/model"
)

// ToModel converts a history row to a model.Trade. It returns false when
// the row carries an id or status the tracker would reject.
func (r *TradeRecord) ToModel() (model.Trade, bool) {
	status := model.TradeStatus(r.Status)
	if r.TradeID <= 0 || !status.Valid() {
		return model.Trade{}, false
	}

	cancel := model.CancelStatus(r.CancelStatus).Normalize()
	switch cancel {
	case model.CancelNone, model.CancelRequested, model.CancelAccepted, model.CancelRejected:
	default:
		cancel = model.CancelNone
	}

	return model.Trade{
		TradeID:      r.TradeID,
		CardID:       r.CardID,
		Buyer:        r.BuyerNickname,
		Seller:       r.SellerNickname,
		Carrier:      r.Carrier,
		DataAmountGB: r.DataAmount,
		PriceWon:     r.Price,
		Status:       status,
		CancelStatus: cancel,
		CancelReason: r.CancelReason,
		CreatedAt:    ParseTimestamp(r.CreatedAt),
	}, true
}

// ParseTimestamp parses an ISO 8601 timestamp. Returns the zero time for
// empty or invalid input.
func ParseTimestamp(iso string) time.Time {
	if iso == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339, iso)
	if err != nil {
		// Server-local timestamps carry no zone.
		t, err = time.Parse("2006-01-02T15:04:05", iso)
		if err != nil {
			return time.Time{}
		}
	}
	return t
}
