// Package matching wires the Connection Manager, Subscription Router,
// Matching Publisher, Trade Negotiation State Machine and Session State
// into the Client that the UI layer drives.
//
// Inbound control flow: broker frame → Manager → Router → typed handler →
// Session Store / Tracker / Negotiation / Inbox → Update. Outbound: UI call
// → Session Store → Publisher → Manager.
package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rickgao/coupon-exchange/internal/auth"
	"github.com/rickgao/coupon-exchange/internal/connection"
	"github.com/rickgao/coupon-exchange/internal/metrics"
	"github.com/rickgao/coupon-exchange/internal/model"
	"github.com/rickgao/coupon-exchange/internal/negotiation"
	"github.com/rickgao/coupon-exchange/internal/publisher"
	"github.com/rickgao/coupon-exchange/internal/router"
	"github.com/rickgao/coupon-exchange/internal/session"
)

// Errors
var (
	ErrNotStarted     = errors.New("client not started")
	ErrAlreadyStarted = errors.New("client already started")
	ErrUnknownCard    = errors.New("no candidate for card")
)

// Config configures a Client.
type Config struct {
	Router       router.RouterConfig
	Negotiation  negotiation.Config
	Tracker      negotiation.TrackerConfig
	UpdateBuffer int
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Router:       router.DefaultRouterConfig(),
		Negotiation:  negotiation.DefaultConfig(),
		Tracker:      negotiation.DefaultTrackerConfig(),
		UpdateBuffer: 256,
	}
}

// Option customizes a Client.
type Option func(*Client)

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithClock overrides the negotiation clock.
func WithClock(clock negotiation.Clock) Option {
	return func(c *Client) {
		c.clock = clock
	}
}

// WithTransitionSink adds a sink for applied trade transitions.
func WithTransitionSink(s negotiation.TransitionSink) Option {
	return func(c *Client) {
		c.sinks = append(c.sinks, s)
	}
}

// Client is the matching and trade-negotiation client for one session.
type Client struct {
	cfg     Config
	manager *connection.Manager
	logger  *slog.Logger
	metrics *metrics.Metrics
	clock   negotiation.Clock
	sinks   []negotiation.TransitionSink

	router    *router.Router
	session   *session.Store
	tracker   *negotiation.Tracker
	nego      *negotiation.Negotiation
	inbox     *negotiation.Inbox
	publisher *publisher.Publisher

	users   atomic.Int64
	updates chan Update
	tradeMu sync.Mutex

	mu      sync.Mutex
	handle  *connection.Handle
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Client on top of a shared Manager. The Manager is owned by
// the caller; the Client holds one reference on it between Start and Close.
func New(cfg Config, manager *connection.Manager, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.UpdateBuffer < 1 {
		cfg.UpdateBuffer = DefaultConfig().UpdateBuffer
	}

	c := &Client{
		cfg:     cfg,
		manager: manager,
		logger:  logger,
		updates: make(chan Update, cfg.UpdateBuffer),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.clock == nil {
		c.clock = negotiation.RealClock()
	}

	var routerOpts []router.Option
	var pubObserver publisher.Observer
	if c.metrics != nil {
		routerOpts = append(routerOpts, router.WithObserver(c.metrics))
		pubObserver = c.metrics
	}

	c.session = session.New(manager, logger.With("component", "session"))
	c.publisher = publisher.New(sessionView{c}, pubObserver, logger.With("component", "publisher"))
	c.router = router.NewRouter(cfg.Router, manager, sessionView{c}, logger.With("component", "router"), routerOpts...)
	c.tracker = negotiation.NewTracker(cfg.Tracker, c.clock, logger.With("component", "tracker"))
	c.nego = negotiation.New(cfg.Negotiation, c.publisher, c.clock, logger.With("component", "negotiation"))
	c.inbox = negotiation.NewInbox(c.publisher, logger.With("component", "inbox"))

	if c.metrics != nil {
		c.tracker.AddSink(c.metrics)
	}
	for _, s := range c.sinks {
		c.tracker.AddSink(s)
	}
	return c
}

// Start subscribes every address, acquires the shared connection with cred
// and begins routing. It returns once the broker has acknowledged the
// connection.
func (c *Client) Start(ctx context.Context, cred auth.Credential) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.mu.Unlock()

	if err := c.subscribeAll(); err != nil {
		return err
	}

	h, err := c.manager.Acquire(ctx, cred)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if err := c.router.Start(runCtx, h.Messages()); err != nil {
		cancel()
		h.Release()
		return err
	}

	c.mu.Lock()
	c.handle = h
	c.started = true
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(2)
	go c.watchConnection(runCtx, h)
	go c.watchNegotiation(runCtx)

	c.logger.Info("matching client started", "principal", c.manager.Principal())
	return nil
}

// Reconnect redials the shared connection with a fresh credential, as
// after CredentialExpired. The Client keeps its handle, so routing and
// subscriptions carry over to the new transport.
func (c *Client) Reconnect(ctx context.Context, cred auth.Credential) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return ErrNotStarted
	}
	h := c.handle
	c.mu.Unlock()

	if err := h.Reconnect(ctx, cred); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	c.logger.Info("matching client reconnected")
	return nil
}

// Close stops routing, cancels negotiation timers and releases the
// connection reference.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		c.nego.Close()
		return nil
	}
	c.started = false
	h := c.handle
	c.handle = nil
	cancel := c.cancel
	c.mu.Unlock()

	c.nego.Close()
	if h != nil {
		h.Release()
	}
	err := c.router.Stop(ctx)
	cancel()
	c.wg.Wait()

	c.logger.Info("matching client closed")
	return err
}

// Updates returns UI notifications. Updates are dropped when the buffer is
// full; the query methods are always authoritative.
func (c *Client) Updates() <-chan Update {
	return c.updates
}

// DecodeErrors returns frames the router discarded.
func (c *Client) DecodeErrors() <-chan *router.DecodeError {
	return c.router.Errors()
}

func (c *Client) subscribeAll() error {
	subs := []func() error{
		func() error { return router.Handle(c.router, router.UserCount, c.onUserCount) },
		func() error { return router.Handle(c.router, router.UserCountPersonal, c.onUserCount) },
		func() error {
			return router.Handle(c.router, router.MatchingCandidate, c.onCandidate, model.RoleBuyer)
		},
		func() error {
			return router.HandleMessage(c.router, router.TradeEvent, c.onTrade, model.RoleBuyer, model.RoleSeller)
		},
		func() error {
			return router.HandleMessage(c.router, router.CancelEvent, c.onCancel, model.RoleBuyer, model.RoleSeller)
		},
		func() error { return router.Handle(c.router, router.BrokerError, c.onBrokerError) },
	}
	for _, sub := range subs {
		if err := sub(); err != nil {
			return err
		}
	}
	return nil
}

// sessionView is the shared connection as seen by one Client: frames are
// gated and commands checked against this Client's role, so Clients sharing
// a Manager can hold different roles.
type sessionView struct {
	c *Client
}

func (v sessionView) Role() model.Role {
	return v.c.session.Role()
}

func (v sessionView) Generation() uint64 {
	return v.c.manager.Generation()
}

func (v sessionView) Send(destination string, body []byte) error {
	return v.c.manager.Send(destination, body)
}

func (v sessionView) Principal() string {
	return v.c.manager.Principal()
}

func (c *Client) emit(u Update) {
	select {
	case c.updates <- u:
	default:
		c.logger.Debug("update dropped", "kind", u.Kind)
	}
}

// watchConnection maps connection events onto the negotiation.
func (c *Client) watchConnection(ctx context.Context, h *connection.Handle) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-h.Events():
			switch e.Kind {
			case connection.EventReconnecting, connection.EventDisconnected:
				c.nego.OnTransportError(e.Err)
			case connection.EventCredentialExpired:
				c.nego.OnAuthError(e.Err)
			}
			c.emit(Update{Kind: UpdateConnection, Connection: e.Kind, Err: e.Err})
		}
	}
}

// watchNegotiation forwards negotiation signals.
func (c *Client) watchNegotiation(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-c.nego.Signals():
			switch s.Kind {
			case negotiation.SignalPhase:
				c.metrics.PhaseEntered(s.Phase)
				c.emit(Update{Kind: UpdateNegotiation, Phase: s.Phase, TradeID: s.TradeID, CardID: s.CardID})
			case negotiation.SignalNavigate:
				c.emit(Update{Kind: UpdateNavigate, Phase: s.Phase, TradeID: s.TradeID, CardID: s.CardID})
			case negotiation.SignalMissedMatch:
				c.emit(Update{Kind: UpdateMissedMatch, TradeID: s.TradeID, CardID: s.CardID})
			}
		}
	}
}
