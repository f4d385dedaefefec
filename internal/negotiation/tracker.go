package negotiation

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rickgao/coupon-exchange/internal/model"
)

// Tracker errors.
var (
	ErrUnknownTrade     = errors.New("unknown trade")
	ErrCancelNotAllowed = errors.New("cancellation not allowed in current status")
	ErrCancelPending    = errors.New("cancellation already requested")
)

// Transition sources.
const (
	SourceBroker  = "broker"
	SourceHistory = "history"
)

// Outcome describes what Apply did with a frame.
type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomeCreated
	OutcomeAdvanced
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeAdvanced:
		return "advanced"
	}
	return "ignored"
}

// Transition is one applied change to a trade.
type Transition struct {
	TradeID    int64
	CardID     int64
	FromStatus model.TradeStatus
	ToStatus   model.TradeStatus
	FromCancel model.CancelStatus
	ToCancel   model.CancelStatus
	Source     string
	At         time.Time
}

// TransitionSink receives every applied transition.
type TransitionSink interface {
	RecordTransition(Transition)
}

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	RetiredCapacity int // Terminal trades remembered so late frames cannot resurrect them
}

// DefaultTrackerConfig returns default configuration.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{RetiredCapacity: 1024}
}

// Tracker holds the authoritative server-confirmed view of each active trade.
type Tracker struct {
	cfg    TrackerConfig
	clock  Clock
	logger *slog.Logger

	mu      sync.Mutex
	sinks   []TransitionSink
	trades  map[int64]*model.Trade
	retired map[int64]model.TradeStatus
	order   []int64 // retirement order, oldest first
}

// NewTracker creates a Tracker.
func NewTracker(cfg TrackerConfig, clock Clock, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = RealClock()
	}
	if cfg.RetiredCapacity < 1 {
		cfg.RetiredCapacity = DefaultTrackerConfig().RetiredCapacity
	}
	return &Tracker{
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		trades:  make(map[int64]*model.Trade),
		retired: make(map[int64]model.TradeStatus),
	}
}

// AddSink registers a transition sink.
func (t *Tracker) AddSink(s TransitionSink) {
	t.mu.Lock()
	t.sinks = append(t.sinks, s)
	t.mu.Unlock()
}

// Apply feeds a trade-event frame. A frame for an unknown trade creates it;
// a frame for a known trade is applied only if its status is a legal
// forward transition. The returned Trade is the tracked state after the
// call (the frame itself when ignored).
func (t *Tracker) Apply(frame model.Trade) (model.Trade, Outcome) {
	return t.apply(frame, SourceBroker)
}

// Seed feeds trades read from history. They follow the same rules as
// broker frames.
func (t *Tracker) Seed(trades []model.Trade) int {
	applied := 0
	for _, tr := range trades {
		if _, o := t.apply(tr, SourceHistory); o != OutcomeIgnored {
			applied++
		}
	}
	return applied
}

func (t *Tracker) apply(frame model.Trade, source string) (model.Trade, Outcome) {
	log := t.logger.With("trade_id", frame.TradeID, "status", frame.Status, "source", source)

	if frame.TradeID <= 0 || !frame.Status.Valid() {
		log.Warn("ignoring trade frame without id or status")
		return frame, OutcomeIgnored
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if final, ok := t.retired[frame.TradeID]; ok {
		log.Debug("ignoring frame for retired trade", "final_status", final)
		return frame, OutcomeIgnored
	}

	cur, ok := t.trades[frame.TradeID]
	if !ok {
		tr := frame
		tr.CancelStatus = tr.CancelStatus.Normalize()
		t.trades[tr.TradeID] = &tr
		t.recordLocked(Transition{
			TradeID:  tr.TradeID,
			CardID:   tr.CardID,
			ToStatus: tr.Status,
			ToCancel: tr.CancelStatus,
			Source:   source,
			At:       tr.CreatedAt,
		})
		if tr.Status.IsTerminal() {
			t.retireLocked(tr.TradeID)
		}
		return tr, OutcomeCreated
	}

	if !cur.Status.CanAdvanceTo(frame.Status) {
		if cur.Status == frame.Status {
			log.Debug("duplicate status frame")
		} else {
			log.Warn("ignoring out-of-order status", "current", cur.Status)
		}
		return *cur, OutcomeIgnored
	}

	from := cur.Status
	mergeTrade(cur, frame)
	cur.Status = frame.Status
	t.recordLocked(Transition{
		TradeID:    cur.TradeID,
		CardID:     cur.CardID,
		FromStatus: from,
		ToStatus:   cur.Status,
		FromCancel: cur.CancelStatus,
		ToCancel:   cur.CancelStatus,
		Source:     source,
	})
	out := *cur
	if cur.Status.IsTerminal() {
		t.retireLocked(cur.TradeID)
	}
	return out, OutcomeAdvanced
}

// ApplyCancel feeds a cancel-event frame. ACCEPTED moves the trade to
// CANCELED; REJECTED leaves the main status untouched.
func (t *Tracker) ApplyCancel(frame model.Trade) (model.Trade, Outcome) {
	next := frame.CancelStatus.Normalize()
	log := t.logger.With("trade_id", frame.TradeID, "cancel_status", next)

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.retired[frame.TradeID]; ok {
		log.Debug("ignoring cancel frame for retired trade")
		return frame, OutcomeIgnored
	}
	cur, ok := t.trades[frame.TradeID]
	if !ok {
		log.Warn("ignoring cancel frame for unknown trade")
		return frame, OutcomeIgnored
	}
	if !cur.CancelStatus.CanAdvanceTo(next) {
		log.Warn("ignoring out-of-order cancel status", "current", cur.CancelStatus)
		return *cur, OutcomeIgnored
	}

	fromStatus, fromCancel := cur.Status, cur.CancelStatus
	cur.CancelStatus = next
	if frame.CancelReason != "" {
		cur.CancelReason = frame.CancelReason
	}
	if next == model.CancelAccepted && cur.Status.CanAdvanceTo(model.StatusCanceled) {
		cur.Status = model.StatusCanceled
	}
	t.recordLocked(Transition{
		TradeID:    cur.TradeID,
		CardID:     cur.CardID,
		FromStatus: fromStatus,
		ToStatus:   cur.Status,
		FromCancel: fromCancel,
		ToCancel:   next,
		Source:     SourceBroker,
	})
	out := *cur
	if cur.Status.IsTerminal() {
		t.retireLocked(cur.TradeID)
	}
	return out, OutcomeAdvanced
}

// CanRequestCancel reports whether a cancellation may be requested for
// tradeID. Once DATA_SENT or later has been observed it never may.
func (t *Tracker) CanRequestCancel(tradeID int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if final, ok := t.retired[tradeID]; ok {
		return fmt.Errorf("%w: trade %d is %s", ErrCancelNotAllowed, tradeID, final)
	}
	cur, ok := t.trades[tradeID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTrade, tradeID)
	}
	if !cur.Status.CancelAllowed() {
		return fmt.Errorf("%w: trade %d is %s", ErrCancelNotAllowed, tradeID, cur.Status)
	}
	if cur.CancelStatus == model.CancelRequested {
		return fmt.Errorf("%w: trade %d", ErrCancelPending, tradeID)
	}
	return nil
}

// Retire removes tradeID from active memory without a terminal status, as
// when a buyer withdraws a request before the seller answered.
func (t *Tracker) Retire(tradeID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.trades[tradeID]; !ok {
		return false
	}
	t.retireLocked(tradeID)
	return true
}

// retireLocked must be called with mu held.
func (t *Tracker) retireLocked(tradeID int64) {
	cur, ok := t.trades[tradeID]
	if !ok {
		return
	}
	delete(t.trades, tradeID)
	t.retired[tradeID] = cur.Status
	t.order = append(t.order, tradeID)
	for len(t.order) > t.cfg.RetiredCapacity {
		delete(t.retired, t.order[0])
		t.order = t.order[1:]
	}
	t.logger.Debug("trade retired", "trade_id", tradeID, "status", cur.Status)
}

// recordLocked must be called with mu held. A zero At is stamped with the
// current time.
func (t *Tracker) recordLocked(tr Transition) {
	if tr.At.IsZero() {
		tr.At = t.clock.Now()
	}
	for _, s := range t.sinks {
		s.RecordTransition(tr)
	}
}

// Get returns the active trade tradeID.
func (t *Tracker) Get(tradeID int64) (model.Trade, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.trades[tradeID]
	if !ok {
		return model.Trade{}, false
	}
	return *cur, true
}

// Retired returns the final status of a retired trade still remembered.
func (t *Tracker) Retired(tradeID int64) (model.TradeStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.retired[tradeID]
	return s, ok
}

// Active returns every active trade ordered by id.
func (t *Tracker) Active() []model.Trade {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.Trade, 0, len(t.trades))
	for _, tr := range t.trades {
		out = append(out, *tr)
	}
	slices.SortFunc(out, func(a, b model.Trade) int {
		return cmp.Compare(a.TradeID, b.TradeID)
	})
	return out
}

// Len returns the number of active trades.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.trades)
}

// Reset forgets every trade.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.trades)
	clear(t.retired)
	t.order = nil
}

// mergeTrade overlays the non-zero descriptive fields of frame onto cur.
// Status and cancel status are handled by the caller.
func mergeTrade(cur *model.Trade, frame model.Trade) {
	if frame.CardID != 0 {
		cur.CardID = frame.CardID
	}
	if frame.Buyer != "" {
		cur.Buyer = frame.Buyer
	}
	if frame.Seller != "" {
		cur.Seller = frame.Seller
	}
	if frame.Carrier != "" {
		cur.Carrier = frame.Carrier
	}
	if !frame.DataAmountGB.IsZero() {
		cur.DataAmountGB = frame.DataAmountGB
	}
	if frame.PriceWon != 0 {
		cur.PriceWon = frame.PriceWon
	}
	if frame.CancelReason != "" {
		cur.CancelReason = frame.CancelReason
	}
	if !frame.CreatedAt.IsZero() {
		cur.CreatedAt = frame.CreatedAt
	}
}
