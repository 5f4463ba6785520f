// Package writer persists message_request bookkeeping rows. The async mode
// buffers rows on a bounded channel flushed in batches by a single
// background goroutine, so bookkeeping never blocks the proxy hot path; a
// full buffer drops the newest row and counts it. Sync mode inserts inline
// and is meant for tests and small deployments.
package writer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ding113/claude-code-hub/internal/model"
	"github.com/ding113/claude-code-hub/internal/store"
)

// Mode selects how rows reach the ledger.
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// Config tunes the async buffer.
type Config struct {
	Mode          Mode
	FlushInterval time.Duration
	BatchSize     int
	MaxPending    int
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeAsync
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 10_000
	}
	return c
}

// AnalyticsSink receives flushed batches for the analytics store. Optional;
// failures are logged, never propagated.
type AnalyticsSink interface {
	WriteBatch(ctx context.Context, rows []*model.MessageRequest) error
	Close() error
}

// Writer is the message_request persistence pipeline.
type Writer struct {
	cfg    Config
	ledger store.LedgerStore
	sink   AnalyticsSink
	log    *slog.Logger

	ch        chan *model.MessageRequest
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped atomic.Int64
	onDrop  func()
}

// New starts the writer. sink may be nil; onDrop is invoked once per dropped
// row (metrics hook) and may be nil.
func New(cfg Config, ledger store.LedgerStore, sink AnalyticsSink, onDrop func(), log *slog.Logger) *Writer {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	w := &Writer{
		cfg:    cfg,
		ledger: ledger,
		sink:   sink,
		log:    log,
		ch:     make(chan *model.MessageRequest, cfg.MaxPending),
		done:   make(chan struct{}),
		onDrop: onDrop,
	}

	if cfg.Mode == ModeAsync {
		w.wg.Add(1)
		go w.run()
	}
	return w
}

// Enqueue hands a row to the pipeline. Never blocks in async mode.
func (w *Writer) Enqueue(row *model.MessageRequest) {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}

	if w.cfg.Mode == ModeSync {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.flush(ctx, []*model.MessageRequest{row})
		return
	}

	select {
	case w.ch <- row:
	default:
		w.dropped.Add(1)
		if w.onDrop != nil {
			w.onDrop()
		}
	}
}

// Dropped reports how many rows were discarded because the buffer was full.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

// Close drains the buffer, flushes, and stops the background goroutine.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
	if w.sink != nil {
		return w.sink.Close()
	}
	return nil
}

func (w *Writer) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*model.MessageRequest, 0, w.cfg.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		w.flush(ctx, batch)
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case row := <-w.ch:
			batch = append(batch, row)
			if len(batch) >= w.cfg.BatchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-w.done:
			for {
				select {
				case row := <-w.ch:
					batch = append(batch, row)
					if len(batch) >= w.cfg.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// flush writes one batch to the ledger row by row and, when configured,
// hands the whole batch to the analytics sink. Ledger failures are logged
// per row; the rest of the batch still goes through.
func (w *Writer) flush(ctx context.Context, batch []*model.MessageRequest) {
	for _, row := range batch {
		if err := w.ledger.InsertMessageRequest(ctx, row); err != nil {
			w.log.Error("message_request insert failed",
				slog.String("request_id", row.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if w.sink != nil {
		if err := w.sink.WriteBatch(ctx, batch); err != nil {
			w.log.Warn("analytics batch write failed",
				slog.Int("rows", len(batch)),
				slog.String("error", err.Error()),
			)
		}
	}
}
