package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/coupon-exchange/internal/api"
	"github.com/rickgao/coupon-exchange/internal/auth"
	"github.com/rickgao/coupon-exchange/internal/config"
	"github.com/rickgao/coupon-exchange/internal/connection"
	"github.com/rickgao/coupon-exchange/internal/database"
	"github.com/rickgao/coupon-exchange/internal/journal"
	"github.com/rickgao/coupon-exchange/internal/matching"
	"github.com/rickgao/coupon-exchange/internal/metrics"
	"github.com/rickgao/coupon-exchange/internal/negotiation"
	"github.com/rickgao/coupon-exchange/internal/poller"
	"github.com/rickgao/coupon-exchange/internal/router"
	"github.com/rickgao/coupon-exchange/internal/version"
)

const shutdownTimeout = 10 * time.Second

// app owns every long-lived component of one matcher process.
type app struct {
	cfg    *config.MatcherConfig
	logger *slog.Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics
	server   *http.Server

	tokens  *auth.RefreshingSource
	rest    *api.Client // nil without api.rest_url
	manager *connection.Manager
	client  *matching.Client

	pool    *pgxpool.Pool
	journal *journal.Writer
	poller  *poller.Poller
}

// newApp builds the component graph. Nothing is started.
func newApp(ctx context.Context, cfg *config.MatcherConfig, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	cred, err := auth.ParseOrWrap(cfg.Auth.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("access token: %w", err)
	}

	var reissuer auth.Reissuer
	if cfg.API.RestURL != "" {
		reissuer = api.NewClient(cfg.API.RestURL, nil, apiOptions(cfg, logger)...)
	}
	a.tokens = auth.NewRefreshingSource(cred, cfg.Auth.RefreshToken, reissuer)
	if cfg.API.RestURL != "" {
		a.rest = api.NewClient(cfg.API.RestURL, a.tokens, apiOptions(cfg, logger)...)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	a.manager = connection.NewManager(managerConfig(cfg), logger.With("component", "connection"),
		connection.WithObserver(a.metrics))

	var clientOpts []matching.Option
	clientOpts = append(clientOpts, matching.WithMetrics(a.metrics))

	if cfg.Journal.Enabled {
		pool, err := database.Connect(ctx, cfg.Journal.Database)
		if err != nil {
			return nil, fmt.Errorf("connect journal database: %w", err)
		}
		if err := database.Migrate(ctx, pool, journal.Schema...); err != nil {
			pool.Close()
			return nil, err
		}
		a.pool = pool
		a.journal = journal.NewWriter(journal.Config{
			BatchSize:     cfg.Journal.BatchSize,
			FlushInterval: cfg.Journal.FlushInterval,
			BufferSize:    cfg.Journal.BufferSize,
		}, pool, logger.With("component", "journal"), journal.WithObserver(a.metrics))
		clientOpts = append(clientOpts, matching.WithTransitionSink(a.journal))
	}

	a.client = matching.New(matchingConfig(cfg), a.manager, logger.With("component", "matching"), clientOpts...)

	if cfg.Poller.Enabled && a.rest != nil {
		a.poller = poller.New(poller.Config{
			Interval:    cfg.Poller.Interval,
			PageSize:    cfg.Poller.PageSize,
			MaxPages:    cfg.Poller.MaxPages,
			Concurrency: cfg.Poller.Concurrency,
			Timeout:     cfg.API.Timeout,
		}, a.rest, a.client, logger.With("component", "poller"))
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
		mux.HandleFunc("/health", a.health)
		a.server = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return a, nil
}

func apiOptions(cfg *config.MatcherConfig, logger *slog.Logger) []api.ClientOption {
	return []api.ClientOption{
		api.WithLogger(logger.With("component", "api")),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, time.Second),
		api.WithUserAgent(api.DefaultUserAgent + "/" + version.Version),
	}
}

func managerConfig(cfg *config.MatcherConfig) connection.ManagerConfig {
	mc := connection.DefaultManagerConfig()
	mc.Client.URL = cfg.Broker.URL
	mc.Client.Host = cfg.Broker.Host
	mc.Client.HeartbeatInterval = cfg.Broker.HeartbeatInterval
	mc.Client.ReadTimeout = cfg.Broker.ReadTimeout
	mc.Client.WriteTimeout = cfg.Broker.WriteTimeout
	mc.Client.HandshakeTimeout = cfg.Broker.HandshakeTimeout
	mc.ReconnectBaseWait = cfg.Broker.ReconnectBaseDelay
	mc.ReconnectMaxWait = cfg.Broker.ReconnectMaxDelay
	mc.MaxReconnectAttempts = cfg.Broker.MaxReconnectAttempts
	return mc
}

func matchingConfig(cfg *config.MatcherConfig) matching.Config {
	mc := matching.DefaultConfig()
	mc.Router = router.RouterConfig{
		QueueCapacity:   cfg.Router.QueueCapacity,
		ErrorBufferSize: cfg.Router.ErrorBufferSize,
	}
	mc.Negotiation.CancelLockout = cfg.Negotiation.CancelLockout
	mc.Negotiation.RequestTimeout = cfg.Negotiation.RequestTimeout
	mc.Negotiation.SuccessDelay = cfg.Negotiation.SuccessDelay
	mc.Tracker = negotiation.TrackerConfig{RetiredCapacity: cfg.Negotiation.RetiredTrades}
	return mc
}

// run starts every component, hands control to role and shuts down when
// ctx is cancelled.
func (a *app) run(ctx context.Context, role roleSession) error {
	defer a.shutdown()

	if a.server != nil {
		go func() {
			a.logger.Info("starting metrics server", "addr", a.server.Addr, "path", a.cfg.Metrics.Path)
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server error", "error", err)
			}
		}()
	}

	if a.journal != nil {
		if err := a.journal.Start(ctx); err != nil {
			return err
		}
	}

	if a.rest != nil {
		if p, err := a.rest.GetProfile(ctx); err != nil {
			a.logger.Warn("profile lookup failed", "error", err)
		} else {
			a.logger.Info("signed in", "member_id", p.ID, "nickname", p.Nickname)
		}
	}

	if err := a.startClient(ctx); err != nil {
		return err
	}

	if a.poller != nil {
		if err := a.poller.Start(ctx); err != nil {
			return err
		}
	}

	if err := role.Begin(a.client); err != nil {
		return err
	}
	a.logger.Info("matcher running", "role", role.Name())

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("shutting down")
			return nil

		case u := <-a.client.Updates():
			if u.Kind == matching.UpdateConnection && u.Connection == connection.EventCredentialExpired {
				a.handleCredentialExpired(ctx)
				continue
			}
			role.Handle(a.client, u, a.logger)

		case de := <-a.client.DecodeErrors():
			a.logger.Warn("dropped frame", "destination", de.Destination, "error", de.Err)
		}
	}
}

// startClient starts the matching client, reissuing the access token once
// when the broker or the local expiry check rejects it.
func (a *app) startClient(ctx context.Context) error {
	cred, err := a.tokens.Credential(ctx)
	if err != nil {
		return err
	}
	err = a.client.Start(ctx, cred)
	if connection.IsAuthError(err) {
		a.logger.Warn("access token rejected, reissuing", "error", err)
		if cred, err = a.reissue(ctx); err == nil {
			err = a.client.Start(ctx, cred)
		}
	}
	if err != nil {
		return fmt.Errorf("start matching client: %w", err)
	}
	return nil
}

// reissue exchanges the refresh token for a new credential.
func (a *app) reissue(ctx context.Context) (auth.Credential, error) {
	if a.cfg.Auth.RefreshToken == "" || a.cfg.API.RestURL == "" {
		return auth.Credential{}, fmt.Errorf("%w: no refresh token configured", auth.ErrExpired)
	}
	cred, err := a.tokens.Refresh(ctx)
	if err != nil {
		return auth.Credential{}, err
	}
	a.logger.Info("access token reissued", "expires_at", cred.ExpiresAt)
	return cred, nil
}

func (a *app) handleCredentialExpired(ctx context.Context) {
	a.logger.Warn("credential expired")
	cred, err := a.reissue(ctx)
	if err != nil {
		a.logger.Error("reissue failed; sign in again", "error", err)
		return
	}
	if err := a.client.Reconnect(ctx, cred); err != nil {
		a.logger.Error("reconnect failed", "error", err)
	}
}

func (a *app) health(w http.ResponseWriter, r *http.Request) {
	state := a.client.ConnectionState()
	if state != connection.StateConnected {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	fmt.Fprintf(w, "connection=%s role=%s users=%d\n", state, a.client.Role(), a.client.ConnectedUsers())
}

// shutdown stops components in reverse start order.
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.poller != nil {
		if err := a.poller.Stop(ctx); err != nil && !errors.Is(err, poller.ErrNotStarted) {
			a.logger.Warn("poller stop", "error", err)
		}
	}
	if err := a.client.Close(ctx); err != nil {
		a.logger.Warn("matching client close", "error", err)
	}
	if a.journal != nil {
		a.journal.Stop(ctx)
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.server != nil {
		a.server.Shutdown(ctx)
	}
	a.logger.Info("matcher stopped")
}
