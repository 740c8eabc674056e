package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"PerpSettle/internal/core"
)

var ErrSnapshotChecksum = errors.New("snapshot checksum mismatch")

// SnapshotManager stores engine snapshots and reads the command log back
// for recovery: restore the latest verified snapshot, then replay every
// command after it.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists snap with its checksum and returns the encoded
// size. Snapshots start unverified.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.SnapshotState) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}
	sum, err := snap.Checksum()
	if err != nil {
		return 0, fmt.Errorf("checksum snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO settle_log.snapshots (command_seq, state_hash, checksum, state, verified)
		VALUES ($1, $2, $3, $4, FALSE)
		ON CONFLICT (command_seq) DO UPDATE SET state_hash = $2, checksum = $3, state = $4
	`, snap.CommandSeq, snap.StateHash.Bytes(), sum[:], string(data))
	return len(data), err
}

// MarkVerified marks a snapshot as safe to restore from.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, commandSeq int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE settle_log.snapshots SET verified = TRUE WHERE command_seq = $1
	`, commandSeq)
	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	var data string
	var stored []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT state, checksum FROM settle_log.snapshots
		WHERE verified = TRUE
		ORDER BY command_seq DESC
		LIMIT 1
	`).Scan(&data, &stored)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap core.SnapshotState
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	sum, err := snap.Checksum()
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(sum[:], stored) {
		return nil, fmt.Errorf("%w at command %d", ErrSnapshotChecksum, snap.CommandSeq)
	}
	return &snap, nil
}

// LoadCommandsFrom loads up to limit commands with seq >= fromSeq in order.
func (sm *SnapshotManager) LoadCommandsFrom(ctx context.Context, fromSeq int64, limit int) ([]core.Command, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT body FROM settle_log.commands
		WHERE seq >= $1
		ORDER BY seq ASC
		LIMIT $2
	`, fromSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []core.Command
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var cmd core.Command
		if err := json.Unmarshal([]byte(body), &cmd); err != nil {
			return nil, fmt.Errorf("decode command: %w", err)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

// GetLatestSequence returns the highest committed command sequence.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM settle_log.commands`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// LoadRecentDedupIDs returns up to limit ids of kind, oldest first, for
// warming the dedup cache.
func (sm *SnapshotManager) LoadRecentDedupIDs(ctx context.Context, kind string, limit int) ([]string, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT dedup_id FROM (
			SELECT seq, dedup_id FROM settle_log.commands
			WHERE kind = $1 AND dedup_id <> ''
			ORDER BY seq DESC
			LIMIT $2
		) recent ORDER BY seq ASC
	`, kind, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
