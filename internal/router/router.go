package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/rickgao/coupon-exchange/internal/connection"
	"github.com/rickgao/coupon-exchange/internal/model"
	"github.com/rickgao/coupon-exchange/internal/queue"
)

// ErrHandlerPanic is reported (wrapped in a DecodeError) when a handler panics.
var ErrHandlerPanic = errors.New("handler panic")

// Subscriber registers broker destinations. *connection.Manager implements it.
type Subscriber interface {
	Subscribe(destination string) (string, error)
}

// Session exposes the connection facts routing depends on.
// *connection.Manager implements it.
type Session interface {
	Role() model.Role
	Generation() uint64
}

// Observer is notified about routing outcomes (e.g. for metrics).
type Observer interface {
	FrameRouted(address string)
	FrameDropped(address, reason string)
}

// HandlerFunc processes one frame. A non-nil error is reported as a
// DecodeError and the frame is discarded.
type HandlerFunc func(msg connection.RawMessage) error

// Option customizes a Router.
type Option func(*Router)

// WithObserver attaches a routing observer.
func WithObserver(o Observer) Option {
	return func(r *Router) {
		r.observer = o
	}
}

type route struct {
	addr    Address
	roles   []model.Role
	handler HandlerFunc
	queue   *queue.Queue[connection.RawMessage]
}

// Router decodes inbound frames and dispatches them by address. Each address
// has its own queue and worker, so frames on one address are handled one at
// a time in arrival order while different addresses proceed independently.
type Router struct {
	cfg        RouterConfig
	subscriber Subscriber
	session    Session
	observer   Observer
	logger     *slog.Logger

	mu      sync.RWMutex
	routes  map[string]*route // destination → route
	started bool

	errors chan *DecodeError

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	workers sync.WaitGroup

	statsMu         sync.Mutex
	received        int64
	routed          int64
	decodeErrors    int64
	unknownMessages int64
	roleFiltered    int64
	staleDropped    int64
}

// NewRouter creates a Subscription Router. subscriber and session may be nil
// in tests; then no broker subscription is made and every frame is treated
// as current and role-agnostic.
func NewRouter(cfg RouterConfig, subscriber Subscriber, session Session, logger *slog.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ErrorBufferSize < 1 {
		cfg.ErrorBufferSize = DefaultRouterConfig().ErrorBufferSize
	}

	r := &Router{
		cfg:        cfg,
		subscriber: subscriber,
		session:    session,
		logger:     logger,
		routes:     make(map[string]*route),
		errors:     make(chan *DecodeError, cfg.ErrorBufferSize),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers h for addr. Subscribing an address again replaces its
// handler and roles; the broker subscription and queue are kept. When roles
// are given, frames arriving while the session role is not among them are
// dropped.
func (r *Router) Subscribe(addr Address, h HandlerFunc, roles ...model.Role) error {
	r.mu.Lock()
	if rt, ok := r.routes[addr.Destination]; ok {
		rt.addr = addr
		rt.handler = h
		rt.roles = roles
		r.mu.Unlock()
		r.logger.Debug("handler replaced", "address", addr.Name)
		return nil
	}

	rt := &route{
		addr:    addr,
		roles:   roles,
		handler: h,
		queue:   queue.New[connection.RawMessage](r.cfg.QueueCapacity),
	}
	r.routes[addr.Destination] = rt
	if r.started {
		r.startWorker(rt)
	}
	r.mu.Unlock()

	if r.subscriber != nil {
		if _, err := r.subscriber.Subscribe(addr.Destination); err != nil {
			return fmt.Errorf("subscribe %s: %w", addr.Name, err)
		}
	}
	r.logger.Debug("subscribed", "address", addr.Name, "destination", addr.Destination)
	return nil
}

// Handle subscribes addr with a handler that receives the frame body
// decoded as T.
func Handle[T any](r *Router, addr Address, fn func(T), roles ...model.Role) error {
	return HandleMessage(r, addr, func(v T, _ connection.RawMessage) { fn(v) }, roles...)
}

// HandleMessage is Handle for handlers that also need the frame envelope,
// such as the role it was accepted under.
func HandleMessage[T any](r *Router, addr Address, fn func(T, connection.RawMessage), roles ...model.Role) error {
	return r.Subscribe(addr, func(msg connection.RawMessage) error {
		var v T
		if err := json.Unmarshal(msg.Body, &v); err != nil {
			return err
		}
		fn(v, msg)
		return nil
	}, roles...)
}

// Errors returns decode failures. Events are dropped when nobody reads.
func (r *Router) Errors() <-chan *DecodeError {
	return r.errors
}

// Start begins routing frames from input.
func (r *Router) Start(ctx context.Context, input <-chan connection.RawMessage) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("router already started")
	}
	r.started = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	for _, rt := range r.routes {
		r.startWorker(rt)
	}
	n := len(r.routes)
	r.mu.Unlock()

	r.wg.Add(1)
	go r.routeLoop(input)

	r.logger.Info("subscription router started", "addresses", n)
	return nil
}

// Stop stops routing and lets each worker finish its queued frames.
func (r *Router) Stop(ctx context.Context) error {
	r.logger.Info("stopping subscription router")

	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()

	r.mu.RLock()
	for _, rt := range r.routes {
		rt.queue.Close()
	}
	r.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		r.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("subscription router stopped")
	case <-ctx.Done():
		r.logger.Warn("subscription router stop timed out")
		return ctx.Err()
	}
	return nil
}

// Stats returns current statistics.
func (r *Router) Stats() RouterStats {
	r.statsMu.Lock()
	stats := RouterStats{
		MessagesReceived: r.received,
		MessagesRouted:   r.routed,
		DecodeErrors:     r.decodeErrors,
		UnknownMessages:  r.unknownMessages,
		RoleFiltered:     r.roleFiltered,
		StaleDropped:     r.staleDropped,
	}
	r.statsMu.Unlock()

	r.mu.RLock()
	stats.Queues = make(map[string]queue.Stats, len(r.routes))
	for _, rt := range r.routes {
		stats.Queues[rt.addr.Name] = rt.queue.Stats()
	}
	r.mu.RUnlock()
	return stats
}

// startWorker must be called with mu held.
func (r *Router) startWorker(rt *route) {
	r.workers.Add(1)
	go r.worker(rt)
}

func (r *Router) routeLoop(input <-chan connection.RawMessage) {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case raw, ok := <-input:
			if !ok {
				r.logger.Info("input channel closed")
				return
			}
			r.route(raw)
		}
	}
}

// route gates one frame and queues it for its address. Role and connection
// generation are evaluated here, at arrival, so a later role change never
// reinterprets a frame that was already accepted.
func (r *Router) route(raw connection.RawMessage) {
	r.count(&r.received)

	r.mu.RLock()
	rt, ok := r.routes[raw.Destination]
	var addr Address
	var roles []model.Role
	if ok {
		addr, roles = rt.addr, rt.roles
	}
	r.mu.RUnlock()

	if !ok {
		r.count(&r.unknownMessages)
		r.logger.Debug("frame for unknown destination", "destination", raw.Destination)
		return
	}

	if addr.Directed && r.session != nil && raw.Generation != 0 {
		if current := r.session.Generation(); raw.Generation != current {
			r.count(&r.staleDropped)
			r.drop(addr, "stale_connection")
			r.logger.Warn("dropping directed frame from previous connection",
				"address", addr.Name,
				"frame_generation", raw.Generation,
				"current_generation", current,
			)
			return
		}
	}

	role := model.RoleUnset
	if r.session != nil {
		role = r.session.Role()
	}
	raw.Role = role
	if len(roles) > 0 && !slices.Contains(roles, role) {
		r.count(&r.roleFiltered)
		r.drop(addr, "role")
		r.logger.Debug("frame ignored for role", "address", addr.Name, "role", role)
		return
	}

	if !rt.queue.Push(raw) {
		r.drop(addr, "stopped")
		return
	}
	r.count(&r.routed)
	if r.observer != nil {
		r.observer.FrameRouted(addr.Name)
	}
}

func (r *Router) worker(rt *route) {
	defer r.workers.Done()

	for {
		msg, ok := rt.queue.Pop()
		if !ok {
			return
		}
		r.dispatch(rt, msg)
	}
}

func (r *Router) dispatch(rt *route, msg connection.RawMessage) {
	r.mu.RLock()
	h, addr := rt.handler, rt.addr
	r.mu.RUnlock()

	if err := safeCall(h, msg); err != nil {
		r.count(&r.decodeErrors)
		r.drop(addr, "decode")
		derr := &DecodeError{
			Address:     addr.Name,
			Destination: msg.Destination,
			Body:        msg.Body,
			Err:         err,
		}
		r.logger.Warn("discarding undecodable frame",
			"address", addr.Name,
			"error", err,
		)
		select {
		case r.errors <- derr:
		default:
		}
	}
}

func safeCall(h HandlerFunc, msg connection.RawMessage) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, p)
		}
	}()
	return h(msg)
}

func (r *Router) drop(addr Address, reason string) {
	if r.observer != nil {
		r.observer.FrameDropped(addr.Name, reason)
	}
}

func (r *Router) count(field *int64) {
	r.statsMu.Lock()
	*field++
	r.statsMu.Unlock()
}
