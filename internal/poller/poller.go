package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/coupon-exchange/internal/api"
	"github.com/rickgao/coupon-exchange/internal/model"
)

// ErrNotStarted is returned by Stop before Start.
var ErrNotStarted = errors.New("poller not started")

// TradeLister fetches one page of trade history. *api.Client implements it.
type TradeLister interface {
	ListTrades(ctx context.Context, opts api.ListTradesOptions) (*api.TradePage, error)
}

// Seeder receives the fetched trades. *matching.Client implements it.
type Seeder interface {
	SeedHistory(trades []model.Trade) int
}

// SeederFunc is a function adapter for Seeder.
type SeederFunc func([]model.Trade) int

func (f SeederFunc) SeedHistory(trades []model.Trade) int {
	return f(trades)
}

// Config holds poller configuration.
type Config struct {
	Interval    time.Duration // Poll interval; zero polls once
	PageSize    int           // Rows per page (default: 50)
	MaxPages    int           // Page cap per cycle (default: 10)
	Concurrency int           // Max concurrent page requests (default: 4)
	Timeout     time.Duration // Per-request timeout (default: 10s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Minute,
		PageSize:    50,
		MaxPages:    10,
		Concurrency: 4,
		Timeout:     10 * time.Second,
	}
}

// Poller periodically seeds the tracker from trade history.
type Poller struct {
	cfg    Config
	lister TradeLister
	seeder Seeder
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Poller. Zero config fields take their defaults.
func New(cfg Config, lister TradeLister, seeder Seeder, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = def.MaxPages
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Poller{
		cfg:    cfg,
		lister: lister,
		seeder: seeder,
		logger: logger,
	}
}

// Start begins the polling loop. The first cycle runs immediately.
func (p *Poller) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run(ctx)

	p.logger.Info("history poller started",
		"interval", p.cfg.Interval,
		"page_size", p.cfg.PageSize,
		"max_pages", p.cfg.MaxPages,
		"concurrency", p.cfg.Concurrency,
	)

	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel == nil {
		return ErrNotStarted
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("history poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	p.cycle(ctx)
	if p.cfg.Interval <= 0 {
		return
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

func (p *Poller) cycle(ctx context.Context) {
	if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
		p.logger.Warn("history poll failed", "err", err)
	}
}

// PollOnce fetches up to MaxPages of history and seeds them. It returns the
// number of trades the seeder accepted. A failed page fails the cycle and
// nothing is seeded, so the tracker never sees a partial history.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	start := time.Now()

	first, err := p.fetch(ctx, 0)
	if err != nil {
		return 0, err
	}

	pages := first.TotalPages
	if pages > p.cfg.MaxPages {
		pages = p.cfg.MaxPages
	}

	results := make([][]model.Trade, max(pages, 1))
	results[0] = first.Trades()

	if first.HasMore() && pages > 1 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.cfg.Concurrency)

		for i := 1; i < pages; i++ {
			g.Go(func() error {
				page, err := p.fetch(gctx, i)
				if err != nil {
					return err
				}
				results[i] = page.Trades()
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return 0, err
		}
	}

	var all []model.Trade
	for _, r := range results {
		all = append(all, r...)
	}

	seeded := 0
	if p.seeder != nil {
		seeded = p.seeder.SeedHistory(all)
	}

	p.logger.Info("poll cycle complete",
		"pages", len(results),
		"trades", len(all),
		"seeded", seeded,
		"duration", time.Since(start),
	)
	return seeded, nil
}

func (p *Poller) fetch(ctx context.Context, page int) (*api.TradePage, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	res, err := p.lister.ListTrades(ctx, api.ListTradesOptions{Page: page, Size: p.cfg.PageSize})
	if err != nil {
		return nil, fmt.Errorf("fetch page %d: %w", page, err)
	}
	return res, nil
}
