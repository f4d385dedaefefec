package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Validation errors.
var (
	ErrInvalidCarrier    = errors.New("invalid carrier")
	ErrInvalidPriceRange = errors.New("invalid price range")
	ErrInvalidAmount     = errors.New("data amount must be positive")
	ErrInvalidPrice      = errors.New("price must be positive")
	ErrInvalidRole       = errors.New("invalid role")
)

func init() {
	// The broker encodes data amounts as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true
}

// -----------------------------------------------------------------------------
// Role
// -----------------------------------------------------------------------------

// Role is the side the current session acts on.
type Role string

const (
	RoleUnset  Role = ""
	RoleBuyer  Role = "BUYER"
	RoleSeller Role = "SELLER"
)

// ParseRole accepts "buyer"/"seller" in any case. Empty maps to RoleUnset.
func ParseRole(s string) (Role, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return RoleUnset, nil
	case string(RoleBuyer):
		return RoleBuyer, nil
	case string(RoleSeller):
		return RoleSeller, nil
	}
	return RoleUnset, fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

func (r Role) String() string {
	if r == RoleUnset {
		return "UNSET"
	}
	return string(r)
}

// -----------------------------------------------------------------------------
// Carrier and price buckets
// -----------------------------------------------------------------------------

// Carrier is a mobile network operator.
type Carrier string

const (
	CarrierSKT Carrier = "SKT"
	CarrierKT  Carrier = "KT"
	CarrierLG  Carrier = "LG"
	CarrierAny Carrier = "ANY" // buyer filters only
)

// Valid reports whether c is a known carrier. allowAny admits CarrierAny.
func (c Carrier) Valid(allowAny bool) bool {
	switch c {
	case CarrierSKT, CarrierKT, CarrierLG:
		return true
	case CarrierAny:
		return allowAny
	}
	return false
}

// Matches reports whether a listing on carrier other satisfies a filter on c.
func (c Carrier) Matches(other Carrier) bool {
	return c == CarrierAny || c == other
}

// PriceRange is one of the fixed price buckets a buyer filters on.
type PriceRange string

const (
	PriceAll          PriceRange = "ALL"
	Price0To999       PriceRange = "0-999"
	Price1000To1499   PriceRange = "1000-1499"
	Price1500To1999   PriceRange = "1500-1999"
	Price2000To2499   PriceRange = "2000-2499"
	Price2500AndAbove PriceRange = "2500+"
)

// Bounds returns the inclusive won bounds of the bucket. max is -1 when
// the bucket is open-ended.
func (p PriceRange) Bounds() (min, max int64, ok bool) {
	switch p {
	case PriceAll:
		return 0, -1, true
	case Price0To999:
		return 0, 999, true
	case Price1000To1499:
		return 1000, 1499, true
	case Price1500To1999:
		return 1500, 1999, true
	case Price2000To2499:
		return 2000, 2499, true
	case Price2500AndAbove:
		return 2500, -1, true
	}
	return 0, 0, false
}

// Contains reports whether won falls inside the bucket.
func (p PriceRange) Contains(won int64) bool {
	min, max, ok := p.Bounds()
	if !ok || won < min {
		return false
	}
	return max < 0 || won <= max
}

// -----------------------------------------------------------------------------
// Filter, Listing, Candidate
// -----------------------------------------------------------------------------

// Filter is a buyer's search criteria. A submitted Filter is never mutated;
// resubmitting replaces it.
type Filter struct {
	Carrier      Carrier         `json:"carrier"`
	DataAmountGB decimal.Decimal `json:"dataAmount"`
	PriceRange   PriceRange      `json:"priceRange"`
}

// Validate checks the filter fields.
func (f Filter) Validate() error {
	if !f.Carrier.Valid(true) {
		return fmt.Errorf("%w: %q", ErrInvalidCarrier, f.Carrier)
	}
	if !f.DataAmountGB.IsPositive() {
		return ErrInvalidAmount
	}
	if _, _, ok := f.PriceRange.Bounds(); !ok {
		return fmt.Errorf("%w: %q", ErrInvalidPriceRange, f.PriceRange)
	}
	return nil
}

// Listing is a seller's coupon offer.
type Listing struct {
	Carrier      Carrier         `json:"carrier"`
	DataAmountGB decimal.Decimal `json:"dataAmount"`
	PriceWon     int64           `json:"price"`
	Active       bool            `json:"active"`
}

// Validate checks the listing fields.
func (l Listing) Validate() error {
	if !l.Carrier.Valid(false) {
		return fmt.Errorf("%w: %q", ErrInvalidCarrier, l.Carrier)
	}
	if !l.DataAmountGB.IsPositive() {
		return ErrInvalidAmount
	}
	if l.PriceWon <= 0 {
		return ErrInvalidPrice
	}
	return nil
}

// Candidate is a seller card visible to a searching buyer.
type Candidate struct {
	TradeID      int64           `json:"tradeId,omitempty"` // 0 until a trade exists
	CardID       int64           `json:"cardId"`
	Name         string          `json:"name"`
	Carrier      Carrier         `json:"carrier"`
	DataAmountGB decimal.Decimal `json:"dataAmount"`
	PriceWon     int64           `json:"price"`
}

// SameTerms reports whether two candidates describe the same offer by
// (name, carrier, data amount, price).
func (c Candidate) SameTerms(o Candidate) bool {
	return c.Name == o.Name &&
		c.Carrier == o.Carrier &&
		c.DataAmountGB.Equal(o.DataAmountGB) &&
		c.PriceWon == o.PriceWon
}

// Merge overlays the non-zero fields of update onto c.
func (c Candidate) Merge(update Candidate) Candidate {
	if update.TradeID != 0 {
		c.TradeID = update.TradeID
	}
	if update.CardID != 0 {
		c.CardID = update.CardID
	}
	if update.Name != "" {
		c.Name = update.Name
	}
	if update.Carrier != "" {
		c.Carrier = update.Carrier
	}
	if !update.DataAmountGB.IsZero() {
		c.DataAmountGB = update.DataAmountGB
	}
	if update.PriceWon != 0 {
		c.PriceWon = update.PriceWon
	}
	return c
}

// -----------------------------------------------------------------------------
// Trade
// -----------------------------------------------------------------------------

// Trade is the negotiated transaction once a buyer has requested a card.
type Trade struct {
	TradeID      int64           `json:"tradeId"`
	CardID       int64           `json:"cardId"`
	Buyer        string          `json:"buyer,omitempty"`
	Seller       string          `json:"seller,omitempty"`
	Carrier      Carrier         `json:"carrier,omitempty"`
	DataAmountGB decimal.Decimal `json:"dataAmount"`
	PriceWon     int64           `json:"price,omitempty"`
	Status       TradeStatus     `json:"status,omitempty"`
	CancelStatus CancelStatus    `json:"cancelStatus,omitempty"`
	CancelReason string          `json:"cancelReason,omitempty"`

	// CreatedAt is known only for trades read from history.
	CreatedAt time.Time `json:"-"`
}

// UserCount is the payload of the connected-user-count addresses.
type UserCount int

// UnmarshalJSON accepts a bare integer or {"count": n}.
func (u *UserCount) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*u = UserCount(n)
		return nil
	}
	var wrapped struct {
		Count *int `json:"count"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return err
	}
	if wrapped.Count == nil {
		return errors.New("user count: missing count")
	}
	*u = UserCount(*wrapped.Count)
	return nil
}
