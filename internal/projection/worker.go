package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"PerpSettle/internal/core"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/observability"

	"github.com/rs/zerolog"
)

// Source is the committed state a rebuild reads from.
type Source interface {
	CreateSnapshotState() *core.SnapshotState
	View(fn func(r core.Reader) error) error
}

// ProjectionWorker folds committed outputs into the projections schema.
// The core sends on a dropping channel, so a missed command shows up as a
// gap in command_seq; the worker then rebuilds every table from source.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan *core.Output
	source    Source
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan *core.Output, source Source, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		source:    source,
		metrics:   metrics,
		logger:    logger,
	}
}

// LastSequence is the last command folded in.
func (pw *ProjectionWorker) LastSequence() int64 { return pw.lastSeq }

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			seq := out.Command.Seq
			if seq <= pw.lastSeq {
				continue
			}
			if pw.lastSeq > 0 && seq != pw.lastSeq+1 && pw.source != nil {
				pw.logger.Warn().Int64("last_seq", pw.lastSeq).Int64("seq", seq).Msg("projection gap, rebuilding")
				if err := pw.Rebuild(ctx); err != nil {
					pw.logger.Error().Err(err).Msg("projection rebuild failed")
				}
				if seq <= pw.lastSeq {
					continue
				}
			}

			if err := pw.apply(ctx, out); err != nil {
				// Projections are eventually consistent; the next gap
				// triggers a rebuild.
				pw.logger.Warn().Err(err).Int64("seq", seq).Msg("projection update failed")
				continue
			}
			pw.lastSeq = seq
		}
	}
}

func (pw *ProjectionWorker) apply(ctx context.Context, out *core.Output) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seq := out.Command.Seq
	if err := pw.timed("balances", func() error { return upsertBalances(ctx, tx, seq, out.Balances) }); err != nil {
		return fmt.Errorf("balance projection: %w", err)
	}
	if err := pw.timed("positions", func() error { return upsertPositions(ctx, tx, seq, out.Positions) }); err != nil {
		return fmt.Errorf("position projection: %w", err)
	}
	if err := pw.timed("markets", func() error { return upsertMarkets(ctx, tx, seq, out.Markets) }); err != nil {
		return fmt.Errorf("market projection: %w", err)
	}
	if err := pw.timed("vaults", func() error { return upsertVaults(ctx, tx, seq, out.Vaults) }); err != nil {
		return fmt.Errorf("vault projection: %w", err)
	}
	if err := setWatermark(ctx, tx, seq, out.StateHash[:]); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return tx.Commit()
}

// Rebuild replaces every projection table with the source's committed
// state.
func (pw *ProjectionWorker) Rebuild(ctx context.Context) error {
	start := time.Now()
	snap := pw.source.CreateSnapshotState()

	var vaults []core.VaultView
	err := pw.source.View(func(r core.Reader) error {
		for _, v := range snap.Vaults.Vaults {
			if view, ok := r.Vault(v.Address); ok {
				vaults = append(vaults, view)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.positions`,
		`TRUNCATE projections.markets`,
		`TRUNCATE projections.vaults`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	seq := snap.CommandSeq
	if err := upsertBalances(ctx, tx, seq, snap.Balances.Balances); err != nil {
		return err
	}
	if err := upsertPositions(ctx, tx, seq, snap.Positions.Positions); err != nil {
		return err
	}
	if err := upsertMarkets(ctx, tx, seq, snap.Positions.Markets); err != nil {
		return err
	}
	if err := upsertVaults(ctx, tx, seq, vaults); err != nil {
		return err
	}
	if err := setWatermark(ctx, tx, seq, snap.StateHash.Bytes()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	pw.lastSeq = seq
	pw.observe("rebuild", start)
	pw.logger.Info().Int64("command_seq", seq).Dur("took", time.Since(start)).Msg("projection rebuild complete")
	return nil
}

func (pw *ProjectionWorker) timed(table string, fn func() error) error {
	start := time.Now()
	err := fn()
	if err == nil {
		pw.observe(table, start)
	}
	return err
}

func (pw *ProjectionWorker) observe(label string, start time.Time) {
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}
}

// Rows only move forward: an upsert never overwrites a newer command_seq.

func upsertBalances(ctx context.Context, tx *sql.Tx, seq int64, recs []ledger.BalanceRecord) error {
	for _, b := range recs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (account, asset, amount, command_seq)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (account, asset) DO UPDATE
			SET amount = EXCLUDED.amount, command_seq = EXCLUDED.command_seq
			WHERE projections.balances.command_seq <= EXCLUDED.command_seq
		`, b.Account.Hex(), b.Asset.Hex(), b.Amount.String(), seq); err != nil {
			return err
		}
	}
	return nil
}

func upsertPositions(ctx context.Context, tx *sql.Tx, seq int64, recs []ledger.PositionRecord) error {
	for _, p := range recs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.positions (account, market, size, quote_balance, last_funding_index, command_seq)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (account, market) DO UPDATE
			SET size = EXCLUDED.size,
			    quote_balance = EXCLUDED.quote_balance,
			    last_funding_index = EXCLUDED.last_funding_index,
			    command_seq = EXCLUDED.command_seq
			WHERE projections.positions.command_seq <= EXCLUDED.command_seq
		`, p.Account.Hex(), int16(p.Market), p.Position.Size.String(), p.Position.QuoteBalance.String(),
			p.Position.LastFundingIndex.String(), seq); err != nil {
			return err
		}
	}
	return nil
}

func upsertMarkets(ctx context.Context, tx *sql.Tx, seq int64, recs []ledger.MarketRecord) error {
	for _, m := range recs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.markets (market, cumulative_funding_index, open_interest, command_seq)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (market) DO UPDATE
			SET cumulative_funding_index = EXCLUDED.cumulative_funding_index,
			    open_interest = EXCLUDED.open_interest,
			    command_seq = EXCLUDED.command_seq
			WHERE projections.markets.command_seq <= EXCLUDED.command_seq
		`, int16(m.ID), m.Market.CumulativeFundingIndex.String(), m.Market.OpenInterest.String(), seq); err != nil {
			return err
		}
	}
	return nil
}

func upsertVaults(ctx context.Context, tx *sql.Tx, seq int64, views []core.VaultView) error {
	for _, v := range views {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.vaults (vault, fee_recipient, profit_share_bps, total_shares, balance, nav, command_seq)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (vault) DO UPDATE
			SET fee_recipient = EXCLUDED.fee_recipient,
			    profit_share_bps = EXCLUDED.profit_share_bps,
			    total_shares = EXCLUDED.total_shares,
			    balance = EXCLUDED.balance,
			    nav = EXCLUDED.nav,
			    command_seq = EXCLUDED.command_seq
			WHERE projections.vaults.command_seq <= EXCLUDED.command_seq
		`, v.Address.Hex(), v.FeeRecipient.Hex(), int(v.ProfitShareBps), v.TotalShares.String(),
			v.Balance.String(), v.NAV.String(), seq); err != nil {
			return err
		}
	}
	return nil
}

func setWatermark(ctx context.Context, tx *sql.Tx, seq int64, stateHash []byte) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (id, command_seq, state_hash, updated_at)
		VALUES (1, $1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET command_seq = $1, state_hash = $2, updated_at = NOW()
	`, seq, stateHash)
	return err
}
