package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"PerpSettle/internal/capability"
	"PerpSettle/internal/core"
	"PerpSettle/internal/observability"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes committed
// outputs to Postgres. The core sends on the persist channel with a
// blocking send, so if this worker falls behind the core stalls and no
// command is lost. Payouts are released to custody only after the command
// that queued them is durable.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *CommandLogWriter
	inputChan    <-chan *core.Output
	payoutChan   chan<- capability.Payout
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan *core.Output,
	payoutChan chan<- capability.Payout,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &PersistenceWorker{
		db:           db,
		writer:       NewCommandLogWriter(db),
		inputChan:    inputChan,
		payoutChan:   payoutChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or the channel is
// closed.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]*core.Output, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	// Writes may outlive ctx on shutdown; payout release never does.
	flush := func(writeCtx context.Context, reason string) error {
		if len(batch) == 0 {
			return nil
		}
		err := pw.flushWithRetry(writeCtx, batch)
		if err != nil {
			pw.logger.Error().Err(err).Str("reason", reason).Int("commands", len(batch)).Msg("flush failed")
		} else {
			pw.releasePayouts(ctx, batch)
		}
		batch = batch[:0]
		return err
	}

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			_ = flush(context.Background(), "shutdown")
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				return flush(context.Background(), "closed")
			}
			batch = append(batch, out)
			if len(batch) >= pw.batchSize {
				_ = flush(ctx, "full")
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			_ = flush(ctx, "timeout")
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, then makes one final attempt so the batch is not lost
// on shutdown.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch []*core.Output) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("commands", len(batch)).Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), batch); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
		pw.logger.Warn().Err(err).Msg("persistence flush failed")
	}
}

// flush writes commands, events and payouts in one transaction.
func (pw *PersistenceWorker) flush(ctx context.Context, batch []*core.Output) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteCommands(ctx, tx, batch); err != nil {
		pw.countError("write_commands")
		return err
	}
	events, err := pw.writer.WriteEvents(ctx, tx, batch)
	if err != nil {
		pw.countError("write_events")
		return err
	}
	if err := pw.writer.WritePayouts(ctx, tx, batch); err != nil {
		pw.countError("write_payouts")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(batch)))
		pw.metrics.PersistCommandsWritten.Add(float64(len(batch)))
		pw.metrics.PersistEventsWritten.Add(float64(events))
		pw.metrics.PersistLastSequence.Set(float64(batch[len(batch)-1].Command.Seq))
	}
	return nil
}

func (pw *PersistenceWorker) releasePayouts(ctx context.Context, batch []*core.Output) {
	if pw.payoutChan == nil {
		return
	}
	for _, out := range batch {
		for _, p := range out.Payouts {
			select {
			case pw.payoutChan <- p:
			case <-ctx.Done():
				// Still pending in settle_log.payouts; re-sent on restart.
				return
			}
		}
	}
}

func (pw *PersistenceWorker) countError(kind string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
