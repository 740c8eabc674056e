package capability

import (
	"context"
	"time"

	"PerpSettle/internal/observability"

	"github.com/rs/zerolog"
)

// PayoutRecorder marks a payout as delivered so it is not re-sent after a
// restart.
type PayoutRecorder interface {
	MarkPaid(ctx context.Context, p Payout) error
}

// PayoutExecutor runs committed payouts against custody in commit order.
// A payout is retried with backoff until it succeeds or ctx ends; it is
// never skipped, since the ledger has already been debited.
type PayoutExecutor struct {
	custody    Custody
	recorder   PayoutRecorder
	inputChan  <-chan Payout
	metrics    *observability.Metrics
	logger     zerolog.Logger
	maxBackoff time.Duration
}

func NewPayoutExecutor(custody Custody, recorder PayoutRecorder, inputChan <-chan Payout, metrics *observability.Metrics, logger zerolog.Logger) *PayoutExecutor {
	return &PayoutExecutor{
		custody:    custody,
		recorder:   recorder,
		inputChan:  inputChan,
		metrics:    metrics,
		logger:     logger,
		maxBackoff: 30 * time.Second,
	}
}

// Run blocks until ctx is cancelled or the input channel closes.
func (pe *PayoutExecutor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-pe.inputChan:
			if !ok {
				return nil
			}
			if err := pe.execute(ctx, p); err != nil {
				return err
			}
		}
	}
}

func (pe *PayoutExecutor) execute(ctx context.Context, p Payout) error {
	backoff := 100 * time.Millisecond
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, pe.maxBackoff)
		}

		err := pe.custody.Payout(ctx, p)
		if err == nil {
			break
		}
		pe.count(p, "retry")
		pe.logger.Warn().
			Err(err).
			Str("kind", string(p.Kind)).
			Int64("command_seq", p.CommandSeq).
			Int("attempt", attempt+1).
			Msg("custody payout failed")
	}
	pe.count(p, "paid")

	if pe.recorder != nil {
		if err := pe.recorder.MarkPaid(ctx, p); err != nil {
			// Custody must treat (command_seq, index) as idempotent; a
			// restart re-sends unmarked payouts.
			pe.logger.Error().Err(err).Int64("command_seq", p.CommandSeq).Int("index", p.Index).Msg("mark payout paid")
		}
	}
	return nil
}

func (pe *PayoutExecutor) count(p Payout, outcome string) {
	if pe.metrics != nil {
		pe.metrics.Payouts.WithLabelValues(string(p.Kind), outcome).Inc()
	}
}
