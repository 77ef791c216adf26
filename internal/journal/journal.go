// Package journal batches connection lifecycle records into PostgreSQL.
//
// The server records one row per accepted connection when it closes. Rows
// are buffered in memory and written with pgx batches, either when a batch
// fills or on the flush interval.
package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/wsrpc/internal/buffer"
	"github.com/rickgao/wsrpc/internal/metrics"
)

// Record describes one closed connection.
type Record struct {
	ConnID      string
	RemoteAddr  string
	UserAgent   string
	OpenedAt    time.Time
	ClosedAt    time.Time
	CloseCode   int
	CloseReason string
	Calls       int64
	Violations  int64
}

// BatchSender is the subset of *pgxpool.Pool the writer needs.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Config holds batching settings.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
}

// DefaultConfig returns the default batching settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: time.Second,
		BufferSize:    1000,
	}
}

// Stats tracks writer activity.
type Stats struct {
	Queued    int
	Inserts   int64
	Conflicts int64
	Flushes   int64
	Errors    int64
}

// Writer consumes records and writes them to the wsrpc_connections table.
type Writer struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	input *buffer.GrowableBuffer[Record]
	db    BatchSender

	// Batching
	batch   []Record
	batchMu sync.Mutex
	stats   Stats

	// Lifecycle
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	consumed chan struct{}
}

// NewWriter creates a journal writer. m may be nil.
func NewWriter(cfg Config, db BatchSender, m *metrics.Metrics, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	return &Writer{
		cfg:      cfg,
		logger:   logger.With("component", "journal"),
		metrics:  m,
		input:    buffer.NewGrowableBuffer[Record](cfg.BufferSize),
		db:       db,
		batch:    make([]Record, 0, cfg.BatchSize),
		consumed: make(chan struct{}),
	}
}

// Record queues r for the next flush. It never blocks and reports false
// once the writer is stopped.
func (w *Writer) Record(r Record) bool {
	ok := w.input.Send(r)
	w.metrics.JournalQueued(w.input.Len())
	return ok
}

// Start begins consuming records and writing to the database.
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

// Stop drains queued records and performs a final flush bounded by ctx.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping journal writer")

	// The consumer exits on its own once the closed buffer is drained.
	w.input.Close()
	if w.cancel == nil {
		return nil
	}
	select {
	case <-w.consumed:
	case <-ctx.Done():
		w.logger.Warn("journal writer stop timed out")
	}

	w.cancel()
	w.wg.Wait()

	// Left behind when the parent context ended before Stop.
	w.batchMu.Lock()
	for {
		r, ok := w.input.TryReceive()
		if !ok {
			break
		}
		w.batch = append(w.batch, r)
	}
	w.batchMu.Unlock()

	w.flush(ctx)
	w.logger.Info("journal writer stopped")
	return ctx.Err()
}

// Stats returns current counters.
func (w *Writer) Stats() Stats {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	s := w.stats
	s.Queued = w.input.Len() + len(w.batch)
	return s
}

func (w *Writer) consumeLoop() {
	defer w.wg.Done()
	defer close(w.consumed)

	for {
		r, err := w.input.Receive(w.ctx)
		if err != nil {
			return
		}

		w.batchMu.Lock()
		w.batch = append(w.batch, r)
		shouldFlush := len(w.batch) >= w.cfg.BatchSize
		w.batchMu.Unlock()

		if shouldFlush {
			w.flush(w.ctx)
		}
	}
}

func (w *Writer) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flush(w.ctx)
		}
	}
}

// flush writes the current batch to the database.
func (w *Writer) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]Record, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	w.metrics.JournalFlushed(len(batch), err)
	w.metrics.JournalQueued(w.input.Len())
	if err != nil {
		w.logger.Error("journal batch insert failed", "error", err, "count", len(batch))
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

	w.logger.Debug("flushed journal",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

const insertSQL = `
	INSERT INTO wsrpc_connections
		(conn_id, remote_addr, user_agent, opened_at, closed_at, close_code, close_reason, calls, violations)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (conn_id) DO NOTHING
`

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *Writer) batchInsert(ctx context.Context, rows []Record) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertSQL,
			r.ConnID, r.RemoteAddr, r.UserAgent, r.OpenedAt, r.ClosedAt,
			r.CloseCode, r.CloseReason, r.Calls, r.Violations)
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
