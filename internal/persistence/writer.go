package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"PerpSettle/internal/core"
)

// CommandLogWriter writes committed outputs to the settle_log schema using
// multi-row INSERTs inside the caller's transaction. Writes are idempotent
// on the primary keys, so a retried flush is harmless.
type CommandLogWriter struct {
	db *sql.DB
}

func NewCommandLogWriter(db *sql.DB) *CommandLogWriter {
	return &CommandLogWriter{db: db}
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// maxParams is the Postgres bind parameter limit per statement.
const maxParams = 65535

// insertRows runs multi-row INSERTs of width columns per row, split so no
// statement exceeds maxParams.
func insertRows(ctx context.Context, ex execer, head string, width int, rows [][]any, tail string) error {
	chunk := maxParams / width
	for len(rows) > 0 {
		n := min(chunk, len(rows))
		values := make([]string, 0, n)
		args := make([]any, 0, n*width)
		for i, row := range rows[:n] {
			ph := make([]string, width)
			for c := range ph {
				ph[c] = fmt.Sprintf("$%d", i*width+c+1)
			}
			values = append(values, "("+strings.Join(ph, ", ")+")")
			args = append(args, row...)
		}
		query := head + " VALUES " + strings.Join(values, ", ") + " " + tail
		if _, err := ex.ExecContext(ctx, query, args...); err != nil {
			return err
		}
		rows = rows[n:]
	}
	return nil
}

// WriteCommands inserts the command rows of outs. JSONB values are passed
// as strings; lib/pq encodes []byte as bytea.
func (w *CommandLogWriter) WriteCommands(ctx context.Context, ex execer, outs []*core.Output) error {
	rows := make([][]any, 0, len(outs))
	for _, out := range outs {
		body, err := json.Marshal(out.Command)
		if err != nil {
			return fmt.Errorf("encode command %d: %w", out.Command.Seq, err)
		}
		rows = append(rows, []any{
			out.Command.Seq,
			out.Command.Kind,
			out.Command.DedupID(),
			out.Command.Caller.Hex(),
			string(body),
			out.StateHash[:],
			out.PrevHash[:],
		})
	}
	return insertRows(ctx, ex,
		`INSERT INTO settle_log.commands (seq, kind, dedup_id, caller, body, state_hash, prev_hash)`,
		7, rows, `ON CONFLICT (seq) DO NOTHING`)
}

// WriteEvents inserts every envelope of outs.
func (w *CommandLogWriter) WriteEvents(ctx context.Context, ex execer, outs []*core.Output) (int, error) {
	var rows [][]any
	for _, out := range outs {
		for _, env := range out.Envelopes {
			var recordSeq, market any
			if env.RecordSeq != nil {
				recordSeq = int64(*env.RecordSeq)
			}
			if env.MarketID != nil {
				market = int16(*env.MarketID)
			}
			rows = append(rows, []any{
				env.EventID.String(),
				env.CommandSeq,
				env.Index,
				recordSeq,
				env.EventType.String(),
				market,
				env.Status.String(),
				string(env.Payload),
			})
		}
	}
	err := insertRows(ctx, ex,
		`INSERT INTO settle_log.events (event_id, command_seq, idx, record_seq, event_type, market_id, status, payload)`,
		8, rows, `ON CONFLICT (event_id) DO NOTHING`)
	return len(rows), err
}

// WritePayouts inserts the payouts of outs as pending.
func (w *CommandLogWriter) WritePayouts(ctx context.Context, ex execer, outs []*core.Output) error {
	var rows [][]any
	for _, out := range outs {
		for _, p := range out.Payouts {
			rows = append(rows, []any{
				p.CommandSeq,
				p.Index,
				string(p.Kind),
				p.Account.Hex(),
				p.Asset.Hex(),
				p.Amount.String(),
				int64(p.DestinationLedger),
			})
		}
	}
	return insertRows(ctx, ex,
		`INSERT INTO settle_log.payouts (command_seq, idx, kind, account, asset, amount, destination_ledger)`,
		7, rows, `ON CONFLICT (command_seq, idx) DO NOTHING`)
}
