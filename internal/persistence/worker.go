package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"OptionLedger/internal/observability"
)

// Output mirrors engine.Output in row form to avoid an import cycle.
// The orchestrator (cmd/optionledger) bridges between the two.
type Output struct {
	EventRow    EventRow
	CommandRows []CommandRow
	BalanceRows []BalanceRow
	PositionRow *PositionRow
	ConfigRow   *ConfigRow
}

// Worker drains the persist channel and batch-writes to Postgres.
// The persist channel uses BLOCKING sends from the engine, so if this worker
// falls behind, the engine stalls. No committed event is ever lost.
type Worker struct {
	writer       *SettlementLogWriter
	inputChan    <-chan Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		writer:       NewSettlementLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
	}
}

// pending accumulates one flush worth of rows. Read-model rows keep only the
// latest snapshot per key, so a flush writes each position/balance once.
type pending struct {
	events    []EventRow
	commands  []CommandRow
	positions map[string]PositionRow
	balances  map[string]BalanceRow
	config    *ConfigRow
}

func newPending(batchSize int) *pending {
	return &pending{
		events:    make([]EventRow, 0, batchSize),
		commands:  make([]CommandRow, 0, batchSize*3), // ~3 commands per event avg
		positions: make(map[string]PositionRow),
		balances:  make(map[string]BalanceRow),
	}
}

func (p *pending) add(output Output) {
	p.events = append(p.events, output.EventRow)
	p.commands = append(p.commands, output.CommandRows...)

	for _, b := range output.BalanceRows {
		if cur, ok := p.balances[b.AccountPath]; !ok || cur.UpdatedSeq < b.UpdatedSeq {
			p.balances[b.AccountPath] = b
		}
	}
	if output.PositionRow != nil {
		pos := *output.PositionRow
		if cur, ok := p.positions[pos.Owner]; !ok || cur.UpdatedSeq < pos.UpdatedSeq {
			p.positions[pos.Owner] = pos
		}
	}
	if output.ConfigRow != nil {
		if p.config == nil || p.config.UpdatedSeq < output.ConfigRow.UpdatedSeq {
			cfg := *output.ConfigRow
			p.config = &cfg
		}
	}
}

func (p *pending) reset() {
	p.events = p.events[:0]
	p.commands = p.commands[:0]
	p.positions = make(map[string]PositionRow)
	p.balances = make(map[string]BalanceRow)
	p.config = nil
}

// Run starts the worker loop. It batches incoming outputs and flushes either
// when the batch is full or the flush timeout expires. Blocks until ctx is
// cancelled or the input channel closes.
func (w *Worker) Run(ctx context.Context) error {
	batch := newPending(w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if len(batch.events) > 0 {
				if err := w.flush(context.Background(), batch); err != nil {
					log.Printf("ERROR: final flush failed: %v", err)
				}
			}
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				// Channel closed: flush and exit
				if len(batch.events) > 0 {
					if err := w.flush(context.Background(), batch); err != nil {
						log.Printf("ERROR: final flush failed: %v", err)
					}
				}
				return nil
			}

			batch.add(output)

			if len(batch.events) >= w.batchSize {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					log.Printf("ERROR: batch flush failed after retries: %v", err)
				}
				batch.reset()
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			// Flush timeout: write whatever we have
			if len(batch.events) > 0 {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					log.Printf("ERROR: timeout flush failed after retries: %v", err)
				}
				batch.reset()
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry attempts to flush with exponential backoff. The worker
// never drops events: it retries until the write succeeds or the context
// is cancelled (then makes one final attempt with a background context).
func (w *Worker) flushWithRetry(ctx context.Context, batch *pending) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			log.Printf("WARN: persistence retry attempt %d (backoff=%v, events=%d)",
				attempt, backoff, len(batch.events))
			select {
			case <-ctx.Done():
				finalErr := w.flush(context.Background(), batch)
				if finalErr != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", finalErr)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				log.Printf("INFO: persistence flush succeeded after %d retries", attempt)
			}
			return nil
		}

		if w.metrics != nil {
			w.metrics.PersistRetry.Inc()
		}
	}
}

// flush writes the whole batch in a single transaction: the append-only
// event/command log plus the read-model upserts.
func (w *Worker) flush(ctx context.Context, batch *pending) error {
	start := time.Now()

	tx, err := w.writer.db.BeginTx(ctx, nil)
	if err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteEventBatch(ctx, tx, batch.events); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_events").Inc()
		}
		return err
	}

	if err := w.writer.WriteCommandBatch(ctx, tx, batch.commands); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_commands").Inc()
		}
		return err
	}

	positions := make([]PositionRow, 0, len(batch.positions))
	for _, p := range batch.positions {
		positions = append(positions, p)
	}
	if err := w.writer.UpsertPositions(ctx, tx, positions); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("upsert_positions").Inc()
		}
		return err
	}

	balances := make([]BalanceRow, 0, len(batch.balances))
	for _, b := range batch.balances {
		balances = append(balances, b)
	}
	if err := w.writer.UpsertBalances(ctx, tx, balances); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("upsert_balances").Inc()
		}
		return err
	}

	if batch.config != nil {
		if err := w.writer.UpsertConfig(ctx, tx, *batch.config); err != nil {
			if w.metrics != nil {
				w.metrics.PersistErrors.WithLabelValues("upsert_config").Inc()
			}
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(batch.events)))
		w.metrics.PersistEventsWritten.Add(float64(len(batch.events)))
		w.metrics.PersistCommandsWritten.Add(float64(len(batch.commands)))
		if len(batch.events) > 0 {
			w.metrics.PersistLastSequence.Set(float64(batch.events[len(batch.events)-1].Sequence))
		}
	}

	return nil
}
