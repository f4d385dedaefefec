package negotiation

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/coupon-exchange/internal/model"
)

// Negotiation errors. They are attached to View.Err, never returned from
// frame handlers.
var (
	ErrNegotiationTimeout      = errors.New("no response from seller")
	ErrRejected                = errors.New("trade request rejected")
	ErrCounterpartyUnavailable = errors.New("card is no longer available")
	ErrCancelLocked            = errors.New("cancellation locked")
	ErrWrongPhase              = errors.New("operation not valid in current phase")
	ErrClosed                  = errors.New("negotiation closed")
)

// Phase is the buyer-local negotiation phase.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConfirm
	PhaseWaiting
	PhaseSuccess
	PhaseTimeout
	PhaseUnavailable
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseConfirm:
		return "confirm"
	case PhaseWaiting:
		return "waiting"
	case PhaseSuccess:
		return "success"
	case PhaseTimeout:
		return "timeout"
	case PhaseUnavailable:
		return "unavailable"
	case PhaseAborted:
		return "aborted"
	}
	return "idle"
}

// SignalKind identifies a Signal.
type SignalKind int

const (
	// SignalPhase reports a phase change.
	SignalPhase SignalKind = iota + 1
	// SignalNavigate fires once, SuccessDelay after Success was entered.
	SignalNavigate
	// SignalMissedMatch reports an ACCEPTED for a request the buyer abandoned.
	SignalMissedMatch
)

func (k SignalKind) String() string {
	switch k {
	case SignalPhase:
		return "phase"
	case SignalNavigate:
		return "navigate"
	case SignalMissedMatch:
		return "missed_match"
	}
	return "unknown"
}

// Signal is emitted to the UI layer.
type Signal struct {
	Kind    SignalKind
	Phase   Phase
	TradeID int64
	CardID  int64
}

// View is what the UI renders. The timers are folded in only here.
type View struct {
	Phase     Phase
	Candidate model.Candidate
	TradeID   int64
	TimeLeft  time.Duration
	CanCancel bool
	Err       error
}

// Requester issues trade requests. *publisher.Publisher implements it.
type Requester interface {
	CreateTrade(cardID int64) error
	ClearOutstanding(cardID int64)
}

// Config holds the negotiation timings.
type Config struct {
	CancelLockout     time.Duration
	RequestTimeout    time.Duration
	SuccessDelay      time.Duration
	SignalBuffer      int
	RememberAbandoned int
}

// DefaultConfig returns default timings.
func DefaultConfig() Config {
	return Config{
		CancelLockout:     3 * time.Second,
		RequestTimeout:    30 * time.Second,
		SuccessDelay:      2 * time.Second,
		SignalBuffer:      32,
		RememberAbandoned: 64,
	}
}

type abandoned struct {
	cardID  int64
	tradeID int64
}

// Negotiation is the buyer's walk for one trade request at a time:
// Confirm → Waiting → Success | Timeout | Unavailable, or Aborted on an
// authentication failure.
//
// Every phase change bumps an epoch and stops all armed timers. A timer
// callback re-checks the epoch under the lock, so a timer can never act on
// a phase it was not armed for.
type Negotiation struct {
	cfg    Config
	clock  Clock
	req    Requester
	logger *slog.Logger

	signals chan Signal

	mu        sync.Mutex
	phase     Phase
	cand      model.Candidate
	tradeID   int64
	err       error
	deadline  time.Time
	canCancel bool
	epoch     uint64
	closed    bool

	lockout Timer
	timeout Timer
	success Timer

	abandoned []abandoned
}

// New creates a Negotiation in PhaseIdle.
func New(cfg Config, req Requester, clock Clock, logger *slog.Logger) *Negotiation {
	def := DefaultConfig()
	if cfg.CancelLockout <= 0 {
		cfg.CancelLockout = def.CancelLockout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.SuccessDelay <= 0 {
		cfg.SuccessDelay = def.SuccessDelay
	}
	if cfg.SignalBuffer < 1 {
		cfg.SignalBuffer = def.SignalBuffer
	}
	if cfg.RememberAbandoned < 1 {
		cfg.RememberAbandoned = def.RememberAbandoned
	}
	if clock == nil {
		clock = RealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Negotiation{
		cfg:     cfg,
		clock:   clock,
		req:     req,
		logger:  logger,
		signals: make(chan Signal, cfg.SignalBuffer),
	}
}

// Signals returns phase, navigation and missed-match signals. Signals are
// dropped when the buffer is full; View is always authoritative.
func (n *Negotiation) Signals() <-chan Signal {
	return n.signals
}

// View returns the current render state.
func (n *Negotiation) View() View {
	n.mu.Lock()
	defer n.mu.Unlock()
	v := View{
		Phase:     n.phase,
		Candidate: n.cand,
		TradeID:   n.tradeID,
		CanCancel: n.canCancel,
		Err:       n.err,
	}
	if n.phase == PhaseWaiting {
		if left := n.deadline.Sub(n.clock.Now()); left > 0 {
			v.TimeLeft = left
		}
	}
	return v
}

// Phase returns the current phase.
func (n *Negotiation) Phase() Phase {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.phase
}

// PendingTimers returns how many timers are armed.
func (n *Negotiation) PendingTimers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, t := range []Timer{n.lockout, n.timeout, n.success} {
		if t != nil {
			count++
		}
	}
	return count
}

// Begin selects a candidate and enters Confirm. It fails while a request
// is in flight.
func (n *Negotiation) Begin(c model.Candidate) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrClosed
	}
	if n.phase == PhaseWaiting {
		return fmt.Errorf("%w: request for card %d in flight", ErrWrongPhase, n.cand.CardID)
	}
	if n.phase == PhaseTimeout && n.cand.CardID != 0 && n.cand.CardID != c.CardID {
		n.req.ClearOutstanding(n.cand.CardID)
	}
	n.cand = c
	n.tradeID = c.TradeID
	n.setPhaseLocked(PhaseConfirm, nil)
	return nil
}

// Request sends createTrade for the confirmed candidate and enters Waiting.
// A publish failure leaves the phase at Confirm and is returned.
func (n *Negotiation) Request() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrClosed
	}
	if n.phase != PhaseConfirm {
		return fmt.Errorf("%w: request from %s", ErrWrongPhase, n.phase)
	}
	return n.requestLocked()
}

// Retry re-issues createTrade after a Timeout.
func (n *Negotiation) Retry() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrClosed
	}
	if n.phase != PhaseTimeout {
		return fmt.Errorf("%w: retry from %s", ErrWrongPhase, n.phase)
	}
	n.req.ClearOutstanding(n.cand.CardID)
	n.tradeID = 0
	return n.requestLocked()
}

func (n *Negotiation) requestLocked() error {
	if err := n.req.CreateTrade(n.cand.CardID); err != nil {
		n.logger.Warn("trade request not sent", "card_id", n.cand.CardID, "error", err)
		return err
	}

	n.setPhaseLocked(PhaseWaiting, nil)
	n.deadline = n.clock.Now().Add(n.cfg.RequestTimeout)
	n.canCancel = false
	n.armLocked(&n.lockout, n.cfg.CancelLockout, func() {
		n.canCancel = true
	})
	n.armLocked(&n.timeout, n.cfg.RequestTimeout, func() {
		n.logger.Info("trade request timed out", "card_id", n.cand.CardID)
		n.setPhaseLocked(PhaseTimeout, ErrNegotiationTimeout)
	})
	n.logger.Info("trade requested", "card_id", n.cand.CardID)
	return nil
}

// Cancel withdraws a Waiting request once the lockout has passed and
// returns to Confirm. The broker has no retract command, so the request
// is remembered as abandoned and a late ACCEPTED becomes a missed match.
// The returned trade id (0 if the broker never echoed one) lets the caller
// retire the trade.
func (n *Negotiation) Cancel() (int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return 0, ErrClosed
	}
	if n.phase != PhaseWaiting {
		return 0, fmt.Errorf("%w: cancel from %s", ErrWrongPhase, n.phase)
	}
	if !n.canCancel {
		return 0, ErrCancelLocked
	}
	tradeID := n.tradeID
	n.abandonLocked()
	n.tradeID = 0
	n.setPhaseLocked(PhaseConfirm, nil)
	return tradeID, nil
}

// Abandon leaves the negotiation from any phase and returns to Idle.
func (n *Negotiation) Abandon() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.resetLocked()
	n.setPhaseLocked(PhaseIdle, nil)
}

// Close stops every timer and makes further calls fail. It is used on
// teardown; an in-flight request is remembered as abandoned.
func (n *Negotiation) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.resetLocked()
	n.stopTimersLocked()
	n.epoch++
	n.phase = PhaseIdle
	n.closed = true
}

func (n *Negotiation) resetLocked() {
	switch n.phase {
	case PhaseWaiting:
		n.abandonLocked()
	case PhaseTimeout:
		n.req.ClearOutstanding(n.cand.CardID)
	}
	n.cand = model.Candidate{}
	n.tradeID = 0
}

// abandonLocked remembers the current request so a late acceptance can be
// reported.
func (n *Negotiation) abandonLocked() {
	n.req.ClearOutstanding(n.cand.CardID)
	n.abandoned = append(n.abandoned, abandoned{cardID: n.cand.CardID, tradeID: n.tradeID})
	if over := len(n.abandoned) - n.cfg.RememberAbandoned; over > 0 {
		n.abandoned = n.abandoned[over:]
	}
	n.logger.Info("trade request abandoned", "card_id", n.cand.CardID, "trade_id", n.tradeID)
}

// OnTrade feeds a server-confirmed trade transition. Only transitions the
// Tracker accepted should be passed in.
func (n *Negotiation) OnTrade(tr model.Trade) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.isCurrentLocked(tr) {
		n.applyCurrentLocked(tr)
		return
	}
	n.missedMatchLocked(tr)
}

// OnRetiredTrade feeds a frame the Tracker dropped because its trade was
// already retired, as a late ACCEPTED is after Cancel. It only reports a
// missed match and never touches the current walk.
func (n *Negotiation) OnRetiredTrade(tr model.Trade) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.missedMatchLocked(tr)
}

// missedMatchLocked reports an ACCEPTED for an abandoned request once.
func (n *Negotiation) missedMatchLocked(tr model.Trade) {
	if tr.Status != model.StatusAccepted {
		return
	}
	i := n.abandonedIndexLocked(tr)
	if i < 0 {
		return
	}
	n.abandoned = append(n.abandoned[:i], n.abandoned[i+1:]...)
	n.logger.Warn("trade accepted after request was abandoned",
		"trade_id", tr.TradeID,
		"card_id", tr.CardID,
	)
	n.emitLocked(Signal{Kind: SignalMissedMatch, Phase: n.phase, TradeID: tr.TradeID, CardID: tr.CardID})
}

func (n *Negotiation) isCurrentLocked(tr model.Trade) bool {
	if n.closed || n.phase != PhaseWaiting {
		return false
	}
	if n.tradeID != 0 && tr.TradeID != 0 {
		return n.tradeID == tr.TradeID
	}
	return tr.CardID != 0 && tr.CardID == n.cand.CardID
}

func (n *Negotiation) applyCurrentLocked(tr model.Trade) {
	if n.tradeID == 0 && tr.TradeID != 0 {
		n.tradeID = tr.TradeID
	}

	switch {
	case tr.Status == model.StatusRequested:
		// Echo of our own request; keep waiting.
		n.logger.Debug("trade request acknowledged", "trade_id", tr.TradeID)

	case tr.Status.Rank() >= model.StatusAccepted.Rank():
		n.req.ClearOutstanding(n.cand.CardID)
		n.setPhaseLocked(PhaseSuccess, nil)
		n.armLocked(&n.success, n.cfg.SuccessDelay, func() {
			n.emitLocked(Signal{Kind: SignalNavigate, Phase: PhaseSuccess, TradeID: n.tradeID, CardID: n.cand.CardID})
		})
		n.logger.Info("trade accepted", "trade_id", n.tradeID, "card_id", n.cand.CardID)

	case tr.Status.IsTerminal():
		n.req.ClearOutstanding(n.cand.CardID)
		n.setPhaseLocked(PhaseTimeout, fmt.Errorf("%w: trade %d %s", ErrRejected, tr.TradeID, tr.Status))
		n.logger.Info("trade request rejected", "trade_id", tr.TradeID, "status", tr.Status)
	}
}

func (n *Negotiation) abandonedIndexLocked(tr model.Trade) int {
	for i, a := range n.abandoned {
		if (a.tradeID != 0 && a.tradeID == tr.TradeID) || (a.tradeID == 0 && a.cardID == tr.CardID) {
			return i
		}
	}
	return -1
}

// OnBrokerError feeds an error-address payload.
func (n *Negotiation) OnBrokerError(e model.BrokerError) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	switch e.Kind() {
	case model.ErrorKindCardInvalidStatus:
		if n.phase != PhaseWaiting && n.phase != PhaseConfirm {
			return
		}
		n.req.ClearOutstanding(n.cand.CardID)
		n.setPhaseLocked(PhaseUnavailable, fmt.Errorf("%w: %s", ErrCounterpartyUnavailable, e.Message))
		n.logger.Info("card unavailable", "card_id", n.cand.CardID, "message", e.Message)

	case model.ErrorKindUnauthorized, model.ErrorKindTokenExpired:
		n.abortLocked(e)

	default:
		n.logger.Warn("broker error", "code", e.Code, "message", e.Message, "phase", n.phase)
	}
}

// OnTransportError moves a Waiting negotiation to Timeout.
func (n *Negotiation) OnTransportError(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed || n.phase != PhaseWaiting {
		return
	}
	n.setPhaseLocked(PhaseTimeout, fmt.Errorf("%w: %w", ErrNegotiationTimeout, err))
	n.logger.Warn("trade request interrupted", "card_id", n.cand.CardID, "error", err)
}

// OnAuthError moves an active negotiation to Aborted with err attached, so
// the UI prompts for a new login rather than a retry.
func (n *Negotiation) OnAuthError(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.abortLocked(err)
}

func (n *Negotiation) abortLocked(err error) {
	switch n.phase {
	case PhaseConfirm, PhaseWaiting, PhaseSuccess:
	default:
		return
	}
	if n.phase == PhaseWaiting {
		n.abandonLocked()
	}
	n.setPhaseLocked(PhaseAborted, err)
	n.logger.Warn("negotiation aborted", "error", err)
}

// setPhaseLocked must be called with mu held.
func (n *Negotiation) setPhaseLocked(p Phase, err error) {
	n.stopTimersLocked()
	n.epoch++
	n.canCancel = false
	n.deadline = time.Time{}
	from := n.phase
	n.phase = p
	n.err = err
	if from != p {
		n.logger.Debug("negotiation phase", "from", from, "to", p)
	}
	n.emitLocked(Signal{Kind: SignalPhase, Phase: p, TradeID: n.tradeID, CardID: n.cand.CardID})
}

func (n *Negotiation) stopTimersLocked() {
	for _, slot := range []*Timer{&n.lockout, &n.timeout, &n.success} {
		if *slot != nil {
			(*slot).Stop()
			*slot = nil
		}
	}
}

// armLocked schedules fire under the lock, guarded by the current epoch.
func (n *Negotiation) armLocked(slot *Timer, d time.Duration, fire func()) {
	epoch := n.epoch
	*slot = n.clock.AfterFunc(d, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if n.closed || n.epoch != epoch {
			return
		}
		*slot = nil
		fire()
	})
}

func (n *Negotiation) emitLocked(s Signal) {
	select {
	case n.signals <- s:
	default:
		n.logger.Warn("signal dropped", "kind", s.Kind)
	}
}
