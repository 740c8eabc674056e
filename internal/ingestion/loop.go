package ingestion

import (
	"context"
	"errors"

	"PerpSettle/internal/core"
	"PerpSettle/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// BatchProcessor applies one batch. *core.Engine implements it.
type BatchProcessor interface {
	ProcessBatch(caller common.Address, batchID string, records [][]byte) (*core.Output, error)
}

// RunBatchLoop is the single core goroutine: it feeds batches to the
// processor in arrival order and settles each NATS message once the batch
// has an outcome. Rejected batches are terminated, since the same bytes
// against the same state are rejected again. Any other failure is nak'd for
// redelivery.
func RunBatchLoop(ctx context.Context, batches <-chan RawBatch, proc BatchProcessor, metrics *observability.Metrics, logger zerolog.Logger) {
	count := func(outcome string) {
		if metrics != nil {
			metrics.IngestBatches.WithLabelValues(outcome).Inc()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-batches:
			if !ok {
				return
			}

			out, err := proc.ProcessBatch(raw.Caller, raw.BatchID, raw.Records)
			switch {
			case err == nil && out == nil:
				count("duplicate")
				settle(raw.AckFunc)
			case err == nil:
				count("committed")
				settle(raw.AckFunc)
			default:
				var fe *core.FatalError
				if !errors.As(err, &fe) {
					logger.Error().Err(err).Str("batch_id", raw.BatchID).Msg("batch failed, requesting redelivery")
					count("retry")
					settle(raw.NakFunc)
					continue
				}
				logger.Warn().
					Err(fe.Err).
					Str("batch_id", raw.BatchID).
					Int("index", fe.Index).
					Uint32("seq_id", fe.SeqID).
					Str("opcode", fe.Opcode.String()).
					Msg("batch rejected")
				count("rejected")
				settle(raw.TermFunc)
			}
		}
	}
}

func settle(fn func()) {
	if fn != nil {
		fn()
	}
}
