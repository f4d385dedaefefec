package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rickgao/coupon-exchange/internal/auth"
	"github.com/rickgao/coupon-exchange/internal/model"
)

// Observer receives connection lifecycle notifications (e.g. for metrics).
type Observer interface {
	ConnectionState(s State)
	ReconnectAttempt()
	MessageReceived(destination string)
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithClientFactory overrides how transport clients are built.
func WithClientFactory(f ClientFactory) ManagerOption {
	return func(m *Manager) {
		m.factory = f
	}
}

// WithObserver attaches a lifecycle observer.
func WithObserver(o Observer) ManagerOption {
	return func(m *Manager) {
		m.observer = o
	}
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	State         State
	RefCount      int
	Subscriptions int
	Generation    uint64
}

type subscription struct {
	id          string
	destination string
}

// Manager owns the single shared broker connection.
type Manager struct {
	cfg      ManagerConfig
	factory  ClientFactory
	observer Observer
	logger   *slog.Logger

	dials singleflight.Group
	wg    sync.WaitGroup

	mu         sync.Mutex
	state      State
	refs       int
	nextHandle uint64
	handles    map[uint64]*Handle
	client     Client
	generation uint64
	cred       auth.Credential
	role       model.Role
	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	subs       []subscription
	nextSubID  int
}

// Handle is one consumer's claim on the shared connection. Every live
// handle receives its own copy of each inbound frame and lifecycle event.
type Handle struct {
	m        *Manager
	id       uint64
	messages chan RawMessage
	events   chan Event
	done     chan struct{}
	once     sync.Once
}

// Messages returns MESSAGE frames for this consumer, in arrival order. A
// consumer that stops reading holds up delivery to the others until it
// releases.
func (h *Handle) Messages() <-chan RawMessage {
	return h.messages
}

// Events returns connection lifecycle events for this consumer.
func (h *Handle) Events() <-chan Event {
	return h.events
}

// Release gives the claim back. Calling it more than once is a no-op.
func (h *Handle) Release() {
	h.once.Do(func() {
		close(h.done)
		h.m.release(h.id)
	})
}

// Reconnect redials the shared transport with a reissued credential, as
// after EventCredentialExpired. It returns nil without dialling when
// another consumer has already reconnected.
func (h *Handle) Reconnect(ctx context.Context, cred auth.Credential) error {
	if err := checkCredential(cred); err != nil {
		return err
	}
	select {
	case <-h.done:
		return ErrReleased
	default:
	}

	_, err, _ := h.m.dials.Do("connect", func() (any, error) {
		return nil, h.m.dial(ctx, cred)
	})
	return err
}

// NewManager creates a Connection Manager. No transport is opened until the
// first Acquire.
func NewManager(cfg ManagerConfig, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MessageBufferSize <= 0 {
		cfg.MessageBufferSize = DefaultManagerConfig().MessageBufferSize
	}
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = DefaultManagerConfig().EventBufferSize
	}

	m := &Manager{
		cfg:     cfg,
		factory: NewClient,
		logger:  logger,
		handles: make(map[uint64]*Handle),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire registers a consumer and returns once the broker has acknowledged
// the connection. An already connected Manager returns immediately.
func (m *Manager) Acquire(ctx context.Context, cred auth.Credential) (*Handle, error) {
	if err := checkCredential(cred); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.nextHandle++
	h := &Handle{
		m:        m,
		id:       m.nextHandle,
		messages: make(chan RawMessage, m.cfg.MessageBufferSize),
		events:   make(chan Event, m.cfg.EventBufferSize),
		done:     make(chan struct{}),
	}
	m.handles[h.id] = h
	m.refs++
	connected := m.state == StateConnected
	m.mu.Unlock()

	if connected {
		return h, nil
	}

	_, err, _ := m.dials.Do("connect", func() (any, error) {
		return nil, m.dial(ctx, cred)
	})
	if err != nil {
		h.Release()
		return nil, err
	}
	return h, nil
}

func checkCredential(cred auth.Credential) error {
	if cred.Empty() {
		return fmt.Errorf("%w: %w", ErrAuthentication, auth.ErrNoCredential)
	}
	if cred.ExpiredAt(time.Now()) {
		return fmt.Errorf("%w: %w", ErrCredentialExpired, auth.ErrExpired)
	}
	return nil
}

// IsAuthError reports whether err means the credential must be reissued
// before the connection can be acquired again.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthentication) || errors.Is(err, ErrCredentialExpired)
}

// Release releases h. Equivalent to h.Release().
func (m *Manager) Release(h *Handle) {
	if h != nil {
		h.Release()
	}
}

func (m *Manager) release(id uint64) {
	m.mu.Lock()
	if _, ok := m.handles[id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.handles, id)
	m.refs--
	if m.refs > 0 {
		m.mu.Unlock()
		return
	}

	c := m.client
	m.client = nil
	m.state = StateDisconnected
	if m.lifeCancel != nil {
		m.lifeCancel()
	}
	m.lifeCtx, m.lifeCancel = nil, nil
	m.mu.Unlock()

	if c != nil {
		if err := c.Close(); err != nil {
			m.logger.Debug("close on release", "error", err)
		}
	}
	m.wg.Wait()
	m.observeState(StateDisconnected)
	m.logger.Info("connection released")
}

// dial opens a transport unless one is already connected. Callers go through
// the singleflight group so at most one dial is in flight.
func (m *Manager) dial(ctx context.Context, cred auth.Credential) error {
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if m.refs == 0 {
		m.mu.Unlock()
		return ErrReleased
	}
	m.state = StateConnecting
	if m.lifeCtx == nil {
		m.lifeCtx, m.lifeCancel = context.WithCancel(context.Background())
	}
	lifeCtx := m.lifeCtx
	m.mu.Unlock()
	m.observeState(StateConnecting)

	c := m.factory(m.cfg.Client, m.logger)
	if err := c.Connect(ctx, cred); err != nil {
		m.mu.Lock()
		if m.state == StateConnecting {
			m.state = StateDisconnected
		}
		m.mu.Unlock()
		m.observeState(StateDisconnected)
		m.logger.Warn("connect failed", "error", err)
		return err
	}

	m.mu.Lock()
	if m.refs == 0 || lifeCtx.Err() != nil {
		m.mu.Unlock()
		c.Close()
		return ErrReleased
	}
	m.generation++
	gen := m.generation
	m.client = c
	m.cred = cred
	m.state = StateConnected
	subs := make([]subscription, len(m.subs))
	copy(subs, m.subs)
	m.wg.Add(1)
	go m.readLoop(lifeCtx, c, gen)
	m.mu.Unlock()

	m.resubscribeAll(c, subs)
	m.observeState(StateConnected)
	m.emit(Event{Kind: EventConnected})
	m.logger.Info("connected", "generation", gen, "subscriptions", len(subs))
	return nil
}

// resubscribeAll replays every registered subscription on a fresh transport.
func (m *Manager) resubscribeAll(c Client, subs []subscription) {
	for _, s := range subs {
		if err := c.Send(subscribeFrame(s)); err != nil {
			m.logger.Warn("resubscribe failed",
				"destination", s.destination,
				"error", err,
			)
		}
	}
}

func subscribeFrame(s subscription) Frame {
	return NewFrame(CmdSubscribe, nil,
		"id", s.id,
		"destination", s.destination,
		"ack", "auto",
	)
}

// Subscribe registers destination. Registering the same destination twice
// returns the existing subscription id. Registrations outlive reconnects.
func (m *Manager) Subscribe(destination string) (string, error) {
	if destination == "" {
		return "", errors.New("empty destination")
	}

	m.mu.Lock()
	for _, s := range m.subs {
		if s.destination == destination {
			m.mu.Unlock()
			return s.id, nil
		}
	}
	m.nextSubID++
	s := subscription{id: fmt.Sprintf("sub-%d", m.nextSubID), destination: destination}
	m.subs = append(m.subs, s)
	c := m.connectedClientLocked()
	m.mu.Unlock()

	if c != nil {
		if err := c.Send(subscribeFrame(s)); err != nil {
			// Retried by resubscribeAll on the next connect.
			m.logger.Warn("subscribe failed", "destination", destination, "error", err)
		}
	}
	return s.id, nil
}

// Unsubscribe removes the registration for destination.
func (m *Manager) Unsubscribe(destination string) {
	m.mu.Lock()
	var removed *subscription
	for i, s := range m.subs {
		if s.destination == destination {
			removed = &s
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			break
		}
	}
	c := m.connectedClientLocked()
	m.mu.Unlock()

	if removed != nil && c != nil {
		if err := c.Send(NewFrame(CmdUnsubscribe, nil, "id", removed.id)); err != nil {
			m.logger.Debug("unsubscribe failed", "destination", destination, "error", err)
		}
	}
}

// Subscriptions returns the registered destinations in registration order.
func (m *Manager) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.subs))
	for i, s := range m.subs {
		out[i] = s.destination
	}
	return out
}

// Send publishes body to destination as a JSON SEND frame. It returns
// ErrNotConnected without touching the network when no transport is live.
func (m *Manager) Send(destination string, body []byte) error {
	m.mu.Lock()
	c := m.connectedClientLocked()
	m.mu.Unlock()

	if c == nil {
		return ErrNotConnected
	}
	return c.Send(NewFrame(CmdSend, body,
		"destination", destination,
		"content-type", "application/json",
	))
}

func (m *Manager) connectedClientLocked() Client {
	if m.state != StateConnected {
		return nil
	}
	return m.client
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RefCount returns the number of live handles.
func (m *Manager) RefCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs
}

// Generation returns the number of transports opened so far. Frames carry
// the generation they arrived on.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// SetRole records the role of the most recent role switch. Consumers that
// hold their own role gate on it instead. It never touches the transport.
func (m *Manager) SetRole(r model.Role) {
	m.mu.Lock()
	m.role = r
	m.mu.Unlock()
}

// Role returns the current role.
func (m *Manager) Role() model.Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// Principal returns the subject of the credential the live connection was
// opened with.
func (m *Manager) Principal() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred.Subject
}

// Stats returns current statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ManagerStats{
		State:         m.state,
		RefCount:      m.refs,
		Subscriptions: len(m.subs),
		Generation:    m.generation,
	}
}

// readLoop forwards MESSAGE frames from one transport until it fails or the
// lifecycle ends.
func (m *Manager) readLoop(ctx context.Context, c Client, gen uint64) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case err := <-c.Errors():
			m.handleClientError(ctx, c, err)
			return

		case tf, ok := <-c.Frames():
			if !ok {
				return
			}
			f := tf.Frame
			if f.Command != CmdMessage {
				m.logger.Debug("ignoring frame", "command", f.Command)
				continue
			}

			msg := RawMessage{
				Destination:    f.Header("destination"),
				SubscriptionID: f.Header("subscription"),
				MessageID:      f.Header("message-id"),
				Body:           f.Body,
				ReceivedAt:     tf.ReceivedAt,
				Generation:     gen,
			}
			if m.observer != nil {
				m.observer.MessageReceived(msg.Destination)
			}

			for _, h := range m.liveHandles() {
				select {
				case h.messages <- msg:
				case <-h.done:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// handleClientError retires a failed transport. Authentication failures are
// reported upward; anything else starts the reconnect loop.
func (m *Manager) handleClientError(ctx context.Context, c Client, err error) {
	m.mu.Lock()
	if m.client != c {
		m.mu.Unlock()
		return
	}
	m.client = nil
	m.state = StateErroring
	m.mu.Unlock()
	m.observeState(StateErroring)
	c.Close()

	if IsAuthError(err) {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		m.observeState(StateDisconnected)
		m.logger.Warn("credential rejected by broker", "error", err)
		m.emit(Event{Kind: EventCredentialExpired, Err: err})
		return
	}

	m.logger.Warn("connection error, reconnecting", "error", err)
	m.wg.Add(1)
	go m.reconnectLoop(ctx, err)
}

// reconnectLoop redials with exponential backoff.
func (m *Manager) reconnectLoop(ctx context.Context, cause error) {
	defer m.wg.Done()

	wait := m.cfg.ReconnectBaseWait
	maxWait := m.cfg.ReconnectMaxWait
	lastErr := cause

	for attempt := 1; m.cfg.MaxReconnectAttempts <= 0 || attempt <= m.cfg.MaxReconnectAttempts; attempt++ {
		m.emit(Event{Kind: EventReconnecting, Attempt: attempt, Err: lastErr})
		if m.observer != nil {
			m.observer.ReconnectAttempt()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		m.mu.Lock()
		cred := m.cred
		m.mu.Unlock()

		m.logger.Info("attempting reconnection", "attempt", attempt)
		_, err, _ := m.dials.Do("connect", func() (any, error) {
			return nil, m.dial(ctx, cred)
		})
		if err == nil {
			return
		}
		if errors.Is(err, ErrReleased) || ctx.Err() != nil {
			return
		}
		if IsAuthError(err) {
			m.logger.Warn("credential rejected during reconnect", "error", err)
			m.emit(Event{Kind: EventCredentialExpired, Err: err})
			return
		}
		lastErr = err

		// Exponential backoff
		wait *= 2
		if wait > maxWait {
			wait = maxWait
		}
	}

	m.mu.Lock()
	m.state = StateDisconnected
	m.mu.Unlock()
	m.observeState(StateDisconnected)
	m.logger.Error("giving up reconnecting", "attempts", m.cfg.MaxReconnectAttempts, "error", lastErr)
	m.emit(Event{Kind: EventDisconnected, Err: fmt.Errorf("%w: %w", ErrReconnectExhausted, lastErr)})
}

func (m *Manager) emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	for _, h := range m.liveHandles() {
		select {
		case h.events <- e:
		default:
			m.logger.Warn("event buffer full, dropping", "event", e.Kind, "handle", h.id)
		}
	}
}

func (m *Manager) liveHandles() []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, h)
	}
	return out
}

func (m *Manager) observeState(s State) {
	if m.observer != nil {
		m.observer.ConnectionState(s)
	}
}
