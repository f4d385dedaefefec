package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/coupon-exchange/internal/auth"
	"github.com/rickgao/coupon-exchange/internal/brokertest"
	"github.com/rickgao/coupon-exchange/internal/connection"
	"github.com/rickgao/coupon-exchange/internal/model"
)

type sent struct {
	destination string
	body        string
}

type fakeSender struct {
	mu        sync.Mutex
	role      model.Role
	principal string
	err       error
	frames    []sent
}

func (f *fakeSender) Send(destination string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, sent{destination, string(body)})
	return nil
}

func (f *fakeSender) Role() model.Role  { return f.role }
func (f *fakeSender) Principal() string { return f.principal }

type countingObserver struct {
	ok, failed map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{ok: map[string]int{}, failed: map[string]int{}}
}

func (o *countingObserver) Published(command string, err error) {
	if err != nil {
		o.failed[command]++
		return
	}
	o.ok[command]++
}

func TestPublisher_Payloads(t *testing.T) {
	tests := []struct {
		name     string
		role     model.Role
		call     func(p *Publisher) error
		wantDest string
		wantBody string
	}{
		{
			name: "buyer filter",
			role: model.RoleBuyer,
			call: func(p *Publisher) error {
				return p.RegisterBuyerFilter(model.Filter{
					Carrier:      model.CarrierSKT,
					DataAmountGB: decimal.NewFromInt(1),
					PriceRange:   model.Price0To999,
				})
			},
			wantDest: DestBuyerFilter,
			wantBody: `{"carrier":"SKT","dataAmount":1,"priceRange":"0-999"}`,
		},
		{
			name: "seller listing",
			role: model.RoleSeller,
			call: func(p *Publisher) error {
				return p.RegisterSellerListing(model.Listing{
					Carrier:      model.CarrierKT,
					DataAmountGB: decimal.RequireFromString("2.5"),
					PriceWon:     1800,
					Active:       true,
				})
			},
			wantDest: DestSellerListing,
			wantBody: `{"carrier":"KT","dataAmount":2.5,"price":1800,"active":true}`,
		},
		{
			name:     "create trade",
			role:     model.RoleBuyer,
			call:     func(p *Publisher) error { return p.CreateTrade(7) },
			wantDest: DestTradeCreate,
			wantBody: `{"cardId":7}`,
		},
		{
			name:     "approve trade",
			role:     model.RoleSeller,
			call:     func(p *Publisher) error { return p.ApproveTrade(10) },
			wantDest: DestTradeApprove,
			wantBody: `{"tradeId":10}`,
		},
		{
			name:     "send payment",
			role:     model.RoleBuyer,
			call:     func(p *Publisher) error { return p.SendPayment(42, 900, 100) },
			wantDest: DestTradePayment,
			wantBody: `{"tradeId":42,"moneyAmount":900,"pointAmount":100}`,
		},
		{
			name:     "confirm receipt",
			role:     model.RoleBuyer,
			call:     func(p *Publisher) error { return p.ConfirmDataReceipt(42) },
			wantDest: DestTradeConfirm,
			wantBody: `{"tradeId":42}`,
		},
		{
			name:     "request cancel as seller",
			role:     model.RoleSeller,
			call:     func(p *Publisher) error { return p.RequestCancel(42, "changed my mind") },
			wantDest: DestTradeCancel,
			wantBody: `{"tradeId":42,"cancelReason":"changed my mind"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{role: tt.role, principal: "alice"}
			p := New(sender, nil, nil)

			if err := tt.call(p); err != nil {
				t.Fatalf("publish failed: %v", err)
			}
			if len(sender.frames) != 1 {
				t.Fatalf("sent %d frames, want 1", len(sender.frames))
			}
			if got := sender.frames[0].destination; got != tt.wantDest {
				t.Errorf("destination = %q, want %q", got, tt.wantDest)
			}
			if got := sender.frames[0].body; got != tt.wantBody {
				t.Errorf("body = %s, want %s", got, tt.wantBody)
			}
		})
	}
}

func TestPublisher_WrongRoleIsNoOp(t *testing.T) {
	tests := []struct {
		name string
		role model.Role
		call func(p *Publisher) error
	}{
		{"filter as seller", model.RoleSeller, func(p *Publisher) error {
			return p.RegisterBuyerFilter(model.Filter{Carrier: model.CarrierAny, DataAmountGB: decimal.NewFromInt(1), PriceRange: model.PriceAll})
		}},
		{"listing as buyer", model.RoleBuyer, func(p *Publisher) error {
			return p.RegisterSellerListing(model.Listing{Carrier: model.CarrierLG, DataAmountGB: decimal.NewFromInt(1), PriceWon: 100})
		}},
		{"create as seller", model.RoleSeller, func(p *Publisher) error { return p.CreateTrade(1) }},
		{"approve as buyer", model.RoleBuyer, func(p *Publisher) error { return p.ApproveTrade(1) }},
		{"pay as seller", model.RoleSeller, func(p *Publisher) error { return p.SendPayment(1, 10, 0) }},
		{"confirm unset", model.RoleUnset, func(p *Publisher) error { return p.ConfirmDataReceipt(1) }},
		{"cancel unset", model.RoleUnset, func(p *Publisher) error { return p.RequestCancel(1, "") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{role: tt.role}
			obs := newCountingObserver()
			p := New(sender, obs, nil)

			err := tt.call(p)
			if !errors.Is(err, ErrWrongRole) {
				t.Fatalf("error = %v, want ErrWrongRole", err)
			}
			if len(sender.frames) != 0 {
				t.Error("frame sent despite wrong role")
			}
			total := 0
			for _, n := range obs.failed {
				total += n
			}
			if total != 1 {
				t.Errorf("observer saw %d failures, want 1", total)
			}
		})
	}
}

func TestPublisher_NotConnected(t *testing.T) {
	sender := &fakeSender{role: model.RoleBuyer, principal: "alice", err: connection.ErrNotConnected}
	p := New(sender, nil, nil)

	err := p.SendPayment(42, 1000, 0)
	if !errors.Is(err, ErrPublishRejected) {
		t.Fatalf("error = %v, want ErrPublishRejected", err)
	}
	if !errors.Is(err, connection.ErrNotConnected) {
		t.Error("cause should stay visible")
	}

	// A request that never left does not count as outstanding.
	if err := p.CreateTrade(7); !errors.Is(err, ErrPublishRejected) {
		t.Fatalf("CreateTrade error = %v", err)
	}
	if p.Outstanding(7) {
		t.Error("failed CreateTrade marked as outstanding")
	}
}

func TestPublisher_CreateTradeOncePerCard(t *testing.T) {
	sender := &fakeSender{role: model.RoleBuyer, principal: "alice"}
	p := New(sender, nil, nil)

	if err := p.CreateTrade(7); err != nil {
		t.Fatalf("first CreateTrade failed: %v", err)
	}
	if err := p.CreateTrade(7); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("second CreateTrade = %v, want ErrDuplicateRequest", err)
	}
	if err := p.CreateTrade(8); err != nil {
		t.Fatalf("other card refused: %v", err)
	}

	p.ClearOutstanding(7)
	if err := p.CreateTrade(7); err != nil {
		t.Fatalf("CreateTrade after clear failed: %v", err)
	}
	if len(sender.frames) != 3 {
		t.Errorf("sent %d frames, want 3", len(sender.frames))
	}

	// Another principal on the same card is a different pair.
	sender.principal = "bob"
	if err := p.CreateTrade(7); err != nil {
		t.Errorf("different buyer refused: %v", err)
	}

	p.ClearAllOutstanding()
	sender.principal = "alice"
	if p.Outstanding(7) || p.Outstanding(8) {
		t.Error("ClearAllOutstanding left requests behind")
	}
}

func TestPublisher_Validation(t *testing.T) {
	sender := &fakeSender{role: model.RoleBuyer}
	p := New(sender, nil, nil)

	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{"zero amount filter", p.RegisterBuyerFilter(model.Filter{Carrier: model.CarrierSKT, PriceRange: model.PriceAll}), model.ErrInvalidAmount},
		{"bad carrier", p.RegisterBuyerFilter(model.Filter{Carrier: "VERIZON", DataAmountGB: decimal.NewFromInt(1), PriceRange: model.PriceAll}), model.ErrInvalidCarrier},
		{"bad bucket", p.RegisterBuyerFilter(model.Filter{Carrier: model.CarrierKT, DataAmountGB: decimal.NewFromInt(1), PriceRange: "cheap"}), model.ErrInvalidPriceRange},
		{"negative payment", p.SendPayment(1, -5, 10), ErrInvalidPayment},
		{"empty payment", p.SendPayment(1, 0, 0), ErrInvalidPayment},
		{"zero trade", p.ConfirmDataReceipt(0), ErrInvalidTradeID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.wantErr) {
				t.Errorf("error = %v, want %v", tt.err, tt.wantErr)
			}
		})
	}
	if len(sender.frames) != 0 {
		t.Errorf("invalid commands sent %d frames", len(sender.frames))
	}
}

func TestPublisher_OverManager(t *testing.T) {
	broker := brokertest.New()
	defer broker.Close()

	cfg := connection.DefaultManagerConfig()
	cfg.Client.URL = broker.URL()
	cfg.Client.HeartbeatInterval = 0
	m := connection.NewManager(cfg, nil)

	p := New(m, nil, nil)
	m.SetRole(model.RoleBuyer)

	if err := p.ConfirmDataReceipt(5); !errors.Is(err, ErrPublishRejected) {
		t.Fatalf("before Acquire: %v, want ErrPublishRejected", err)
	}

	h, err := m.Acquire(context.Background(), auth.NewCredential("t", time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer h.Release()

	if err := p.ConfirmDataReceipt(5); err != nil {
		t.Fatalf("ConfirmDataReceipt failed: %v", err)
	}
	frames, err := broker.WaitSent(1, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if got := frames[0].Header("destination"); got != DestTradeConfirm {
		t.Errorf("destination = %q", got)
	}
	if got := string(frames[0].Body); got != `{"tradeId":5}` {
		t.Errorf("body = %s", got)
	}
}
