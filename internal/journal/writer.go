package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rickgao/coupon-exchange/internal/negotiation"
	"github.com/rickgao/coupon-exchange/internal/queue"
)

// Batcher sends a batch of statements. *pgxpool.Pool implements it.
type Batcher interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Observer receives flush outcomes. *metrics.Metrics implements it.
type Observer interface {
	JournalWritten(rows int, err error)
}

// Config holds writer settings.
type Config struct {
	BatchSize     int           // Rows per INSERT batch (default: 100)
	FlushInterval time.Duration // Max time a row waits (default: 1s)
	BufferSize    int           // Initial queue capacity (default: 1024)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: time.Second,
		BufferSize:    1024,
	}
}

// Stats are cumulative writer counters.
type Stats struct {
	Inserts   int64
	Conflicts int64
	Flushes   int64
	Errors    int64
	Dropped   int64 // recorded after Stop
}

// row is one journal row.
type row struct {
	ID         uuid.UUID
	TradeID    int64
	CardID     int64
	FromStatus string
	ToStatus   string
	FromCancel string
	ToCancel   string
	Source     string
	AppliedAt  time.Time
}

// Writer batches transitions into the trade_transitions table.
type Writer struct {
	cfg      Config
	db       Batcher
	observer Observer
	logger   *slog.Logger

	input *queue.Queue[negotiation.Transition]

	batch   []row
	batchMu sync.Mutex
	stats   Stats

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// Option customizes a Writer.
type Option func(*Writer)

// WithObserver reports flush outcomes.
func WithObserver(o Observer) Option {
	return func(w *Writer) {
		w.observer = o
	}
}

// NewWriter creates a Writer. Zero config fields take their defaults.
func NewWriter(cfg Config, db Batcher, logger *slog.Logger, opts ...Option) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}

	w := &Writer{
		cfg:    cfg,
		db:     db,
		logger: logger,
		input:  queue.New[negotiation.Transition](cfg.BufferSize),
		batch:  make([]row, 0, cfg.BatchSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RecordTransition implements negotiation.TransitionSink. It never blocks.
func (w *Writer) RecordTransition(t negotiation.Transition) {
	if !w.input.Push(t) {
		w.batchMu.Lock()
		w.stats.Dropped++
		w.batchMu.Unlock()
	}
}

// Start begins consuming transitions and writing to the database.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(2)
	go w.consumeLoop()
	go w.flushLoop()

	w.logger.Info("journal writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains queued transitions, flushes them and shuts down. Transitions
// recorded after Stop are counted as dropped.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping journal writer")

	w.input.Close()
	select {
	case <-w.done:
	default:
		close(w.done)
	}

	stopped := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		w.logger.Warn("journal writer stop timed out")
	}

	// The run context stays live until the final flush is sent.
	w.flushWith(ctx)
	if w.cancel != nil {
		w.cancel()
	}

	w.logger.Info("journal writer stopped", "stats", w.Stats())
	return nil
}

// Stats returns current counters.
func (w *Writer) Stats() Stats {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.stats
}

// consumeLoop moves transitions from the queue into the batch until the
// queue is closed and empty.
func (w *Writer) consumeLoop() {
	defer w.wg.Done()

	for {
		t, ok := w.input.Pop()
		if !ok {
			return
		}
		w.handle(t)
	}
}

// flushLoop periodically flushes the batch.
func (w *Writer) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			w.flushWith(w.ctx)
		}
	}
}

func (w *Writer) handle(t negotiation.Transition) {
	r := transform(t)

	w.batchMu.Lock()
	w.batch = append(w.batch, r)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flushWith(w.ctx)
	}
}

func transform(t negotiation.Transition) row {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	return row{
		ID:         id,
		TradeID:    t.TradeID,
		CardID:     t.CardID,
		FromStatus: string(t.FromStatus),
		ToStatus:   string(t.ToStatus),
		FromCancel: string(t.FromCancel.Normalize()),
		ToCancel:   string(t.ToCancel.Normalize()),
		Source:     t.Source,
		AppliedAt:  at.UTC(),
	}
}

// flushWith writes the current batch. A failed batch is logged and dropped.
func (w *Writer) flushWith(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]row, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if w.observer != nil {
		w.observer.JournalWritten(len(batch)-conflicts, err)
	}
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.stats.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.stats.Inserts += int64(len(batch) - conflicts)
	w.stats.Conflicts += int64(conflicts)
	w.stats.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed transitions",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *Writer) batchInsert(ctx context.Context, rows []row) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertTransition,
			r.ID, r.TradeID, r.CardID, r.FromStatus, r.ToStatus, r.FromCancel, r.ToCancel, r.Source, r.AppliedAt)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
