package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"PerpSettle/internal/capability"

	"github.com/ethereum/go-ethereum/common"
)

// PayoutStore tracks delivery of committed payouts.
type PayoutStore struct {
	db *sql.DB
}

func NewPayoutStore(db *sql.DB) *PayoutStore {
	return &PayoutStore{db: db}
}

// MarkPaid records that custody delivered p.
func (ps *PayoutStore) MarkPaid(ctx context.Context, p capability.Payout) error {
	_, err := ps.db.ExecContext(ctx, `
		UPDATE settle_log.payouts SET paid_at = NOW()
		WHERE command_seq = $1 AND idx = $2 AND paid_at IS NULL
	`, p.CommandSeq, p.Index)
	return err
}

// LoadPending returns every undelivered payout in commit order. They are
// re-sent after a restart.
func (ps *PayoutStore) LoadPending(ctx context.Context) ([]capability.Payout, error) {
	rows, err := ps.db.QueryContext(ctx, `
		SELECT command_seq, idx, kind, account, asset, amount::TEXT, destination_ledger
		FROM settle_log.payouts
		WHERE paid_at IS NULL
		ORDER BY command_seq ASC, idx ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []capability.Payout
	for rows.Next() {
		var (
			p               capability.Payout
			kind, acc, asst string
			amount          string
			dest            int64
		)
		if err := rows.Scan(&p.CommandSeq, &p.Index, &kind, &acc, &asst, &amount, &dest); err != nil {
			return nil, err
		}
		if err := p.Amount.UnmarshalText([]byte(amount)); err != nil {
			return nil, fmt.Errorf("payout %d/%d amount: %w", p.CommandSeq, p.Index, err)
		}
		p.Kind = capability.PayoutKind(kind)
		p.Account = common.HexToAddress(acc)
		p.Asset = common.HexToAddress(asst)
		p.DestinationLedger = uint32(dest)
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

var _ capability.PayoutRecorder = (*PayoutStore)(nil)
