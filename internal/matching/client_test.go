package matching

import (
	"context"
	"errors"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/rickgao/coupon-exchange/internal/auth"
	"github.com/rickgao/coupon-exchange/internal/brokertest"
	"github.com/rickgao/coupon-exchange/internal/connection"
	"github.com/rickgao/coupon-exchange/internal/metrics"
	"github.com/rickgao/coupon-exchange/internal/model"
	"github.com/rickgao/coupon-exchange/internal/negotiation"
	"github.com/rickgao/coupon-exchange/internal/publisher"
	"github.com/rickgao/coupon-exchange/internal/router"
)

const waitTimeout = 3 * time.Second

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Negotiation.CancelLockout = 50 * time.Millisecond
	cfg.Negotiation.RequestTimeout = 300 * time.Millisecond
	cfg.Negotiation.SuccessDelay = 50 * time.Millisecond
	return cfg
}

func testManager(url string) *connection.Manager {
	cfg := connection.DefaultManagerConfig()
	cfg.Client.URL = url
	cfg.Client.HeartbeatInterval = 0
	cfg.Client.HandshakeTimeout = 2 * time.Second
	cfg.ReconnectBaseWait = 10 * time.Millisecond
	cfg.ReconnectMaxWait = 50 * time.Millisecond
	cfg.MaxReconnectAttempts = 3
	return connection.NewManager(cfg, nil)
}

func credential() auth.Credential {
	return auth.NewCredential("token", time.Now().Add(time.Hour))
}

// startClient starts a Client against a fresh broker and waits until every
// address is subscribed on the broker side.
func startClient(t *testing.T, opts ...Option) (*Client, *brokertest.Broker, *connection.Manager) {
	t.Helper()
	broker := brokertest.New()
	t.Cleanup(broker.Close)

	m := testManager(broker.URL())
	c := New(testConfig(), m, nil, opts...)
	if err := c.Start(context.Background(), credential()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		c.Close(ctx)
	})

	ok := broker.WaitFor(waitTimeout, func() bool {
		for _, addr := range router.Addresses() {
			if !broker.Subscribed(addr.Destination) {
				return false
			}
		}
		return true
	})
	if !ok {
		t.Fatal("addresses not subscribed on broker")
	}
	return c, broker, m
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func waitUpdate(t *testing.T, c *Client, kind UpdateKind) Update {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case u := <-c.Updates():
			if u.Kind == kind {
				return u
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s update", kind)
		}
	}
}

func sktFilter() model.Filter {
	return model.Filter{
		Carrier:      model.CarrierSKT,
		DataAmountGB: decimal.NewFromInt(1),
		PriceRange:   model.Price0To999,
	}
}

func sktListing() model.Listing {
	return model.Listing{
		Carrier:      model.CarrierSKT,
		DataAmountGB: decimal.NewFromInt(1),
		PriceWon:     900,
		Active:       true,
	}
}

// becomeBuyerWithCandidate registers a buyer filter and waits for card 7.
func becomeBuyerWithCandidate(t *testing.T, c *Client, broker *brokertest.Broker) {
	t.Helper()
	if err := c.BecomeBuyer(sktFilter()); err != nil {
		t.Fatalf("BecomeBuyer failed: %v", err)
	}
	broker.Push(router.MatchingCandidate.Destination,
		`{"cardId":7,"name":"seller-7","carrier":"SKT","dataAmount":1,"price":900}`)
	waitUntil(t, "candidate", func() bool { return len(c.Candidates()) == 1 })
}

func TestClient_BuyerCandidateScenario(t *testing.T) {
	c, broker, _ := startClient(t)

	if err := c.BecomeBuyer(sktFilter()); err != nil {
		t.Fatalf("BecomeBuyer failed: %v", err)
	}
	frames, err := broker.WaitSent(1, waitTimeout)
	if err != nil {
		t.Fatal(err)
	}
	if got := frames[0].Header("destination"); got != publisher.DestBuyerFilter {
		t.Errorf("destination = %q", got)
	}
	if got := string(frames[0].Body); got != `{"carrier":"SKT","dataAmount":1,"priceRange":"0-999"}` {
		t.Errorf("body = %s", got)
	}

	broker.Push(router.MatchingCandidate.Destination,
		`{"cardId":7,"name":"seller-7","carrier":"SKT","dataAmount":1,"price":900}`)
	broker.Push(router.MatchingCandidate.Destination,
		`{"tradeId":42,"cardId":7,"name":"seller-7","carrier":"SKT","dataAmount":1,"price":900}`)

	waitUntil(t, "tradeId attached", func() bool {
		cands := c.Candidates()
		return len(cands) == 1 && cands[0].TradeID == 42
	})
	cand := c.Candidates()[0]
	if cand.CardID != 7 || cand.PriceWon != 900 || cand.Name != "seller-7" {
		t.Errorf("candidate = %+v", cand)
	}
}

func TestClient_BuyerNegotiationSuccess(t *testing.T) {
	c, broker, _ := startClient(t)
	becomeBuyerWithCandidate(t, c, broker)

	if err := c.SelectCandidate(7); err != nil {
		t.Fatalf("SelectCandidate failed: %v", err)
	}
	if err := c.RequestTrade(); err != nil {
		t.Fatalf("RequestTrade failed: %v", err)
	}
	frames, err := broker.WaitSent(2, waitTimeout)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(frames[1].Body); got != `{"cardId":7}` {
		t.Errorf("create body = %s", got)
	}

	broker.Push(router.TradeEvent.Destination, `{"tradeId":42,"cardId":7,"status":"REQUESTED"}`)
	broker.Push(router.TradeEvent.Destination, `{"tradeId":42,"cardId":7,"status":"ACCEPTED"}`)

	nav := waitUpdate(t, c, UpdateNavigate)
	if nav.TradeID != 42 {
		t.Errorf("navigate trade = %d, want 42", nav.TradeID)
	}
	if v := c.Negotiation(); v.Phase != negotiation.PhaseSuccess {
		t.Errorf("phase = %s, want success", v.Phase)
	}
	if cand, _ := c.session.Candidate(7); cand.TradeID != 42 {
		t.Errorf("candidate trade id = %d, want 42", cand.TradeID)
	}
	if tr, ok := c.Trade(42); !ok || tr.Status != model.StatusAccepted {
		t.Errorf("Trade(42) = %+v, %v", tr, ok)
	}
}

func TestClient_BuyerNegotiationTimeout(t *testing.T) {
	c, broker, _ := startClient(t)
	becomeBuyerWithCandidate(t, c, broker)

	c.SelectCandidate(7)
	if err := c.RequestTrade(); err != nil {
		t.Fatalf("RequestTrade failed: %v", err)
	}

	waitUntil(t, "timeout", func() bool { return c.Negotiation().Phase == negotiation.PhaseTimeout })
	if v := c.Negotiation(); !errors.Is(v.Err, negotiation.ErrNegotiationTimeout) {
		t.Errorf("Err = %v, want ErrNegotiationTimeout", v.Err)
	}

	if err := c.RetryTrade(); err != nil {
		t.Fatalf("RetryTrade failed: %v", err)
	}
	if _, err := broker.WaitSent(3, waitTimeout); err != nil {
		t.Fatalf("retry not sent: %v", err)
	}
}

func TestClient_CardInvalidStatus(t *testing.T) {
	c, broker, _ := startClient(t)
	becomeBuyerWithCandidate(t, c, broker)

	c.SelectCandidate(7)
	c.RequestTrade()
	broker.Push(router.BrokerError.Destination, `{"error":"CARD_INVALID_STATUS","message":"already matched"}`)

	waitUntil(t, "unavailable", func() bool { return c.Negotiation().Phase == negotiation.PhaseUnavailable })
	if v := c.Negotiation(); !errors.Is(v.Err, negotiation.ErrCounterpartyUnavailable) {
		t.Errorf("Err = %v", v.Err)
	}
	waitUntil(t, "card removed", func() bool { return len(c.Candidates()) == 0 })
	if err := c.SelectCandidate(7); !errors.Is(err, ErrUnknownCard) {
		t.Errorf("SelectCandidate on removed card error = %v", err)
	}
}

func TestClient_WithdrawAndMissedMatch(t *testing.T) {
	c, broker, _ := startClient(t)
	becomeBuyerWithCandidate(t, c, broker)

	c.SelectCandidate(7)
	c.RequestTrade()
	broker.Push(router.TradeEvent.Destination, `{"tradeId":42,"cardId":7,"status":"REQUESTED"}`)
	waitUntil(t, "trade tracked", func() bool {
		_, ok := c.Trade(42)
		return ok
	})

	if err := c.WithdrawRequest(); !errors.Is(err, negotiation.ErrCancelLocked) {
		t.Fatalf("withdraw during lockout error = %v", err)
	}
	waitUntil(t, "lockout", func() bool { return c.Negotiation().CanCancel })
	if err := c.WithdrawRequest(); err != nil {
		t.Fatalf("WithdrawRequest failed: %v", err)
	}
	if _, ok := c.Trade(42); ok {
		t.Error("withdrawn trade should be retired")
	}

	// The seller accepts the request the buyer already withdrew.
	broker.Push(router.TradeEvent.Destination, `{"tradeId":42,"cardId":7,"status":"ACCEPTED"}`)
	u := waitUpdate(t, c, UpdateMissedMatch)
	if u.TradeID != 42 || u.CardID != 7 {
		t.Errorf("missed match = trade %d card %d, want 42/7", u.TradeID, u.CardID)
	}
	if v := c.Negotiation(); v.Phase != negotiation.PhaseConfirm {
		t.Errorf("phase = %s, want confirm", v.Phase)
	}
}

func TestClient_SellerInbox(t *testing.T) {
	c, broker, _ := startClient(t)

	if err := c.BecomeSeller(sktListing()); err != nil {
		t.Fatalf("BecomeSeller failed: %v", err)
	}
	broker.Push(router.TradeEvent.Destination, `{"tradeId":10,"cardId":7,"buyer":"kim","status":"REQUESTED"}`)
	broker.Push(router.TradeEvent.Destination, `{"tradeId":11,"cardId":7,"buyer":"lee","status":"REQUESTED"}`)
	broker.Push(router.TradeEvent.Destination, `{"tradeId":11,"cardId":7,"status":"REQUESTED"}`) // duplicate

	waitUntil(t, "two requests", func() bool { return len(c.IncomingRequests()) == 2 })

	tr, err := c.ApproveRequest(10)
	if err != nil {
		t.Fatalf("ApproveRequest failed: %v", err)
	}
	if tr.Buyer != "kim" {
		t.Errorf("approved = %+v", tr)
	}
	reqs := c.IncomingRequests()
	if len(reqs) != 1 || reqs[0].TradeID != 11 {
		t.Errorf("IncomingRequests = %+v", reqs)
	}

	frames, err := broker.WaitSent(2, waitTimeout)
	if err != nil {
		t.Fatal(err)
	}
	if got := frames[1].Header("destination"); got != publisher.DestTradeApprove {
		t.Errorf("destination = %q", got)
	}
	if got := string(frames[1].Body); got != `{"tradeId":10}` {
		t.Errorf("body = %s", got)
	}

	// The buyer of 11 cancels; the request leaves the inbox.
	broker.Push(router.TradeEvent.Destination, `{"tradeId":11,"status":"CANCELED"}`)
	waitUntil(t, "cancelled request removed", func() bool { return len(c.IncomingRequests()) == 0 })
}

func TestClient_SellerIgnoresCandidates(t *testing.T) {
	c, broker, _ := startClient(t)
	c.BecomeSeller(sktListing())

	broker.Push(router.MatchingCandidate.Destination, `{"cardId":7,"name":"x","carrier":"SKT","dataAmount":1,"price":900}`)
	broker.Push(router.UserCount.Destination, `3`)
	waitUntil(t, "user count", func() bool { return c.ConnectedUsers() == 3 })

	if n := len(c.Candidates()); n != 0 {
		t.Errorf("seller got %d candidates", n)
	}
}

func TestClient_MonotonicAndCancelPolicy(t *testing.T) {
	c, broker, _ := startClient(t)
	c.BecomeBuyer(sktFilter())

	broker.Push(router.TradeEvent.Destination, `{"tradeId":5,"cardId":3,"status":"DATA_SENT"}`)
	broker.Push(router.TradeEvent.Destination, `{"tradeId":5,"cardId":3,"status":"REQUESTED"}`)
	broker.Push(router.TradeEvent.Destination, `{"tradeId":6,"cardId":4,"status":"ACCEPTED"}`)
	waitUntil(t, "trades", func() bool { return len(c.Trades()) == 2 })

	if tr, _ := c.Trade(5); tr.Status != model.StatusDataSent {
		t.Errorf("status = %s, want DATA_SENT", tr.Status)
	}
	if err := c.RequestCancel(5, "too slow"); !errors.Is(err, negotiation.ErrCancelNotAllowed) {
		t.Errorf("cancel in DATA_SENT error = %v, want ErrCancelNotAllowed", err)
	}
	if err := c.RequestCancel(6, "changed my mind"); err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}

	broker.Push(router.CancelEvent.Destination, `{"tradeId":6,"cancelStatus":"REQUESTED"}`)
	broker.Push(router.CancelEvent.Destination, `{"tradeId":6,"cancelStatus":"ACCEPTED"}`)
	waitUntil(t, "cancel accepted", func() bool {
		_, ok := c.Trade(6)
		return !ok
	})
	if s, ok := c.tracker.Retired(6); !ok || s != model.StatusCanceled {
		t.Errorf("retired status = %s, %v", s, ok)
	}
}

func TestClient_UserCounts(t *testing.T) {
	c, broker, _ := startClient(t)

	broker.Push(router.UserCount.Destination, `5`)
	u := waitUpdate(t, c, UpdateUserCount)
	if u.Count != 5 {
		t.Errorf("count = %d, want 5", u.Count)
	}

	broker.Push(router.UserCountPersonal.Destination, `{"count":6}`)
	waitUntil(t, "personal count", func() bool { return c.ConnectedUsers() == 6 })
}

func TestClient_DecodeErrorContained(t *testing.T) {
	c, broker, _ := startClient(t)
	becomeBuyerWithCandidate(t, c, broker)

	broker.Push(router.TradeEvent.Destination, `{"tradeId":1,"status":"BOGUS"}`)

	select {
	case derr := <-c.DecodeErrors():
		if derr.Address != router.TradeEvent.Name {
			t.Errorf("address = %s", derr.Address)
		}
	case <-time.After(waitTimeout):
		t.Fatal("no decode error reported")
	}
	if len(c.Trades()) != 0 {
		t.Error("undecodable frame must not create a trade")
	}
	if v := c.Negotiation(); v.Phase != negotiation.PhaseIdle {
		t.Errorf("phase = %s, want idle", v.Phase)
	}
}

func TestClient_CredentialExpiredAbortsNegotiation(t *testing.T) {
	c, broker, _ := startClient(t)
	becomeBuyerWithCandidate(t, c, broker)

	c.SelectCandidate(7)
	c.RequestTrade()
	broker.SendError("token expired")

	waitUntil(t, "aborted", func() bool { return c.Negotiation().Phase == negotiation.PhaseAborted })
	if v := c.Negotiation(); !errors.Is(v.Err, connection.ErrCredentialExpired) {
		t.Errorf("Err = %v, want ErrCredentialExpired", v.Err)
	}

	if err := c.Reconnect(context.Background(), auth.NewCredential("fresh", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	if got := c.ConnectionState(); got != connection.StateConnected {
		t.Errorf("state = %s, want connected", got)
	}
}

func TestClient_ResetAndClose(t *testing.T) {
	c, broker, m := startClient(t)
	becomeBuyerWithCandidate(t, c, broker)

	c.Reset()
	if snap := c.Session(); !snap.Empty() {
		t.Errorf("snapshot after reset = %+v", snap)
	}
	if c.Role() != model.RoleUnset || m.Role() != model.RoleUnset {
		t.Error("role should be unset on client and connection")
	}

	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if m.RefCount() != 0 {
		t.Errorf("RefCount = %d, want 0", m.RefCount())
	}
	if !broker.WaitFor(waitTimeout, func() bool { return broker.Stats().Open == 0 }) {
		t.Error("transport should close after the last release")
	}
	if err := c.Close(context.Background()); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestClient_StartErrors(t *testing.T) {
	broker := brokertest.New()
	defer broker.Close()
	broker.AcceptToken("good")

	c := New(testConfig(), testManager(broker.URL()), nil)
	err := c.Start(context.Background(), auth.NewCredential("bad", time.Now().Add(time.Hour)))
	if !errors.Is(err, connection.ErrAuthentication) {
		t.Fatalf("Start error = %v, want ErrAuthentication", err)
	}
	if err := c.Reconnect(context.Background(), credential()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Reconnect before start error = %v", err)
	}
	if err := c.SelectCandidate(1); !errors.Is(err, ErrUnknownCard) {
		t.Errorf("SelectCandidate error = %v", err)
	}
}

func TestClient_Metrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	c, broker, _ := startClient(t, WithMetrics(m))

	c.BecomeBuyer(sktFilter())
	broker.Push(router.TradeEvent.Destination, `{"tradeId":5,"cardId":3,"status":"REQUESTED"}`)
	waitUntil(t, "trade", func() bool { return len(c.Trades()) == 1 })

	if got := testutil.ToFloat64(m.Transitions.WithLabelValues("REQUESTED", "broker")); got != 1 {
		t.Errorf("transitions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Publishes.WithLabelValues(publisher.CmdRegisterBuyerFilter, metrics.ResultOK)); got != 1 {
		t.Errorf("publishes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.FramesRouted.WithLabelValues(router.TradeEvent.Name)); got != 1 {
		t.Errorf("routed = %v, want 1", got)
	}
}

func TestClient_SharedManager(t *testing.T) {
	broker := brokertest.New()
	t.Cleanup(broker.Close)
	m := testManager(broker.URL())

	buyer := New(testConfig(), m, nil)
	seller := New(testConfig(), m, nil)
	for _, c := range []*Client{buyer, seller} {
		if err := c.Start(context.Background(), credential()); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			c.Close(ctx)
		})
	}
	if got := m.RefCount(); got != 2 {
		t.Errorf("RefCount = %d, want 2", got)
	}
	if got := broker.Stats().Total; got != 1 {
		t.Errorf("transports = %d, want 1", got)
	}
	ok := broker.WaitFor(waitTimeout, func() bool {
		for _, addr := range router.Addresses() {
			if !broker.Subscribed(addr.Destination) {
				return false
			}
		}
		return true
	})
	if !ok {
		t.Fatal("addresses not subscribed on broker")
	}

	if err := buyer.BecomeBuyer(sktFilter()); err != nil {
		t.Fatalf("BecomeBuyer failed: %v", err)
	}
	if err := seller.BecomeSeller(sktListing()); err != nil {
		t.Fatalf("BecomeSeller failed: %v", err)
	}

	const counts = 20
	for i := 1; i <= counts; i++ {
		broker.Push(router.UserCount.Destination, strconv.Itoa(i))
	}
	waitUntil(t, "buyer count", func() bool { return buyer.ConnectedUsers() == counts })
	waitUntil(t, "seller count", func() bool { return seller.ConnectedUsers() == counts })

	broker.Push(router.TradeEvent.Destination, `{"tradeId":10,"cardId":7,"buyer":"kim","status":"REQUESTED"}`)
	waitUntil(t, "seller inbox", func() bool { return len(seller.IncomingRequests()) == 1 })
	waitUntil(t, "buyer tracks trade", func() bool {
		_, ok := buyer.Trade(10)
		return ok
	})
	if n := len(buyer.IncomingRequests()); n != 0 {
		t.Errorf("buyer inbox = %d, want 0", n)
	}
}

// newIdleClient builds a Client that is never started, for driving the
// frame handlers directly.
func newIdleClient(t *testing.T) *Client {
	t.Helper()
	c := New(testConfig(), testManager("ws://127.0.0.1:1"), nil)
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func TestClient_DispatchUsesArrivalRole(t *testing.T) {
	c := newIdleClient(t)
	c.session.SetRole(model.RoleSeller)

	// Accepted while the session was still a buyer.
	c.onTrade(model.Trade{TradeID: 9, CardID: 7, Status: model.StatusRequested},
		connection.RawMessage{Role: model.RoleBuyer})
	if n := len(c.IncomingRequests()); n != 0 {
		t.Fatalf("buyer-era frame reached the seller inbox: %d requests", n)
	}

	c.onTrade(model.Trade{TradeID: 10, CardID: 8, Status: model.StatusRequested},
		connection.RawMessage{Role: model.RoleSeller})
	if reqs := c.IncomingRequests(); len(reqs) != 1 || reqs[0].TradeID != 10 {
		t.Errorf("IncomingRequests = %+v, want trade 10", reqs)
	}
}

func TestClient_TradeAndCancelFramesSerialized(t *testing.T) {
	c := newIdleClient(t)
	c.session.SetRole(model.RoleSeller)
	seller := connection.RawMessage{Role: model.RoleSeller}

	for id := int64(1); id <= 200; id++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.onTrade(model.Trade{TradeID: id, CardID: 7, Status: model.StatusRequested}, seller)
		}()
		go func() {
			defer wg.Done()
			for {
				c.onCancel(model.Trade{TradeID: id, CancelStatus: model.CancelRequested}, seller)
				c.onCancel(model.Trade{TradeID: id, CancelStatus: model.CancelAccepted}, seller)
				if _, ok := c.tracker.Retired(id); ok {
					return
				}
				runtime.Gosched()
			}
		}()
		wg.Wait()

		if s, _ := c.tracker.Retired(id); s != model.StatusCanceled {
			t.Fatalf("trade %d retired as %s, want CANCELED", id, s)
		}
		if reqs := c.IncomingRequests(); len(reqs) != 0 {
			t.Fatalf("cancelled trade %d left pending: %+v", id, reqs)
		}
	}
}
