package persistence

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// ErrMigrationDrift reports an applied migration whose file has changed
// since it ran.
var ErrMigrationDrift = errors.New("applied migration file changed")

// migrationLockKey is the pg advisory lock held while migrating, so two
// settle instances starting together apply each file once.
const migrationLockKey int64 = 0x5e771e

// Migrator runs SQL migration files in order, each in its own transaction.
// Files are named {version}_{name}.up.sql and {version}_{name}.down.sql.
// Each applied file is recorded with its SHA-256; Up refuses to run when
// an applied file no longer matches.
type Migrator struct {
	db            *sql.DB
	migrationsDir string
	logger        zerolog.Logger
}

func NewMigrator(db *sql.DB, migrationsDir string, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, migrationsDir: migrationsDir, logger: logger}
}

type appliedMigration struct {
	file     string
	checksum []byte
}

// MigrationStatus is one migration file and whether it has been applied.
type MigrationStatus struct {
	Version string
	File    string
	Applied bool
	Drifted bool
}

// Up applies all pending up-migrations in order.
func (m *Migrator) Up(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := m.applied(ctx, conn)
		if err != nil {
			return err
		}
		files, err := m.listMigrationFiles(".up.sql")
		if err != nil {
			return fmt.Errorf("list migrations: %w", err)
		}

		for _, f := range files {
			content, err := os.ReadFile(filepath.Join(m.migrationsDir, f))
			if err != nil {
				return fmt.Errorf("read migration %s: %w", f, err)
			}
			sum := sha256.Sum256(content)
			version := extractVersion(f)

			if prev, ok := applied[version]; ok {
				if !bytes.Equal(prev.checksum, sum[:]) {
					return fmt.Errorf("%w: %s", ErrMigrationDrift, f)
				}
				continue
			}

			err = m.exec(ctx, conn, f, content,
				`INSERT INTO public.settle_migrations (version, filename, checksum) VALUES ($1, $2, $3)`,
				version, f, sum[:])
			if err != nil {
				return err
			}
			m.logger.Info().Str("file", f).Str("version", version).Msg("applied migration")
		}
		return nil
	})
}

// Down rolls back the last applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		var version, filename string
		err := conn.QueryRowContext(ctx,
			`SELECT version, filename FROM public.settle_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version, &filename)
		if errors.Is(err, sql.ErrNoRows) {
			m.logger.Info().Msg("no migrations to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("get latest migration: %w", err)
		}

		downFile := strings.Replace(filename, ".up.sql", ".down.sql", 1)
		content, err := os.ReadFile(filepath.Join(m.migrationsDir, downFile))
		if err != nil {
			return fmt.Errorf("read down migration %s: %w", downFile, err)
		}
		err = m.exec(ctx, conn, downFile, content,
			`DELETE FROM public.settle_migrations WHERE version = $1`, version)
		if err != nil {
			return err
		}
		m.logger.Info().Str("file", downFile).Str("version", version).Msg("rolled back migration")
		return nil
	})
}

// Status lists every up-migration in order with its applied state.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := ensureMigrationTable(ctx, conn); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx, conn)
	if err != nil {
		return nil, err
	}
	files, err := m.listMigrationFiles(".up.sql")
	if err != nil {
		return nil, err
	}

	out := make([]MigrationStatus, 0, len(files))
	for _, f := range files {
		v := extractVersion(f)
		st := MigrationStatus{Version: v, File: f}
		if prev, ok := applied[v]; ok {
			st.Applied = true
			content, err := os.ReadFile(filepath.Join(m.migrationsDir, f))
			if err != nil {
				return nil, err
			}
			sum := sha256.Sum256(content)
			st.Drifted = !bytes.Equal(prev.checksum, sum[:])
		}
		out = append(out, st)
	}
	return out, nil
}

// locked runs fn on one connection holding the migration advisory lock.
func (m *Migrator) locked(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("migration conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockKey); err != nil {
			m.logger.Warn().Err(err).Msg("migration unlock failed")
		}
	}()

	if err := ensureMigrationTable(ctx, conn); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return fn(conn)
}

// exec runs one migration file and its bookkeeping statement in a single
// transaction.
func (m *Migrator) exec(ctx context.Context, conn *sql.Conn, file string, content []byte, record string, args ...any) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", file, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("exec migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", file, err)
	}
	return nil
}

func ensureMigrationTable(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.settle_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			checksum   BYTEA NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (m *Migrator) applied(ctx context.Context, conn *sql.Conn) (map[string]appliedMigration, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, filename, checksum FROM public.settle_migrations`)
	if err != nil {
		return nil, fmt.Errorf("get applied versions: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]appliedMigration)
	for rows.Next() {
		var v string
		var a appliedMigration
		if err := rows.Scan(&v, &a.file, &a.checksum); err != nil {
			return nil, err
		}
		applied[v] = a
	}
	return applied, rows.Err()
}

func (m *Migrator) listMigrationFiles(suffix string) ([]string, error) {
	entries, err := os.ReadDir(m.migrationsDir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// extractVersion returns the numeric prefix of a migration filename:
// "000001_settle_log.up.sql" is version "000001".
func extractVersion(filename string) string {
	version, _, _ := strings.Cut(filename, "_")
	return version
}
