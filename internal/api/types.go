package api

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/rickgao/coupon-exchange/internal/model"
)

// Envelope wraps every REST response.
type Envelope struct {
	Code    string          `json:"code"`
	Status  int             `json:"status"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// ReissueRequest is the body of POST /api/auth/reissue.
type ReissueRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// ReissueResponse is the data of a successful reissue.
type ReissueResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// Profile is the signed-in member.
type Profile struct {
	ID       int64         `json:"id"`
	Email    string        `json:"email"`
	Nickname string        `json:"nickname"`
	Carrier  model.Carrier `json:"carrier,omitempty"`
}

// TradeRecord is one row of the trade history. Statuses stay raw strings so
// one unknown value does not fail the whole page.
type TradeRecord struct {
	TradeID        int64           `json:"tradeId"`
	CardID         int64           `json:"cardId"`
	BuyerNickname  string          `json:"buyerNickname,omitempty"`
	SellerNickname string          `json:"sellerNickname,omitempty"`
	Carrier        model.Carrier   `json:"carrier,omitempty"`
	DataAmount     decimal.Decimal `json:"dataAmount"`
	Price          int64           `json:"price"`
	Status         string          `json:"status"`
	CancelStatus   string          `json:"cancelStatus,omitempty"`
	CancelReason   string          `json:"cancelReason,omitempty"`
	CreatedAt      string          `json:"createdAt,omitempty"`
}

// TradePage is one page of GET /api/trades/history.
type TradePage struct {
	Content    []TradeRecord `json:"content"`
	Page       int           `json:"page"`
	Size       int           `json:"size"`
	TotalPages int           `json:"totalPages"`
	Last       bool          `json:"last"`
}
