package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"OptionLedger/internal/observability"
)

// Migrator applies the settlement_log schema from plain SQL files named in
// the golang-migrate convention, {version}_{name}.up.sql / .down.sql.
// Applied versions are tracked in settlement_log.schema_migrations, so the
// ledger schema carries its own bookkeeping instead of leaking a tracking
// table into public.
type Migrator struct {
	db  *sql.DB
	dir string
	log zerolog.Logger
}

func NewMigrator(db *sql.DB, dir string) *Migrator {
	return &Migrator{
		db:  db,
		dir: dir,
		log: observability.NewLogger("migrator"),
	}
}

// migrationFile is one up-migration on disk.
type migrationFile struct {
	version  string
	filename string
}

// Up applies every pending up-migration in version order. Each file runs in
// its own transaction together with its tracking row.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.ensureTracking(ctx); err != nil {
		return err
	}

	files, err := m.pendingMigrations(ctx)
	if err != nil {
		return err
	}

	for _, f := range files {
		if err := m.applyUp(ctx, f); err != nil {
			return err
		}
		m.log.Info().Str("migration", f.filename).Msg("migration applied")
	}
	return nil
}

// Down rolls back the most recently applied migration via its .down.sql
// counterpart.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureTracking(ctx); err != nil {
		return err
	}

	var f migrationFile
	err := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM settlement_log.schema_migrations
		 ORDER BY version DESC LIMIT 1`,
	).Scan(&f.version, &f.filename)
	if errors.Is(err, sql.ErrNoRows) {
		m.log.Info().Msg("no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("latest migration: %w", err)
	}

	downFile := strings.TrimSuffix(f.filename, ".up.sql") + ".down.sql"
	sqlText, err := os.ReadFile(filepath.Join(m.dir, downFile))
	if err != nil {
		return fmt.Errorf("read %s: %w", downFile, err)
	}

	err = m.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, string(sqlText)); err != nil {
			return fmt.Errorf("exec %s: %w", downFile, err)
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM settlement_log.schema_migrations WHERE version = $1`, f.version)
		if err != nil {
			return fmt.Errorf("untrack %s: %w", f.version, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.log.Info().Str("migration", downFile).Msg("migration rolled back")
	return nil
}

func (m *Migrator) applyUp(ctx context.Context, f migrationFile) error {
	sqlText, err := os.ReadFile(filepath.Join(m.dir, f.filename))
	if err != nil {
		return fmt.Errorf("read %s: %w", f.filename, err)
	}

	return m.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, string(sqlText)); err != nil {
			return fmt.Errorf("exec %s: %w", f.filename, err)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO settlement_log.schema_migrations (version, filename) VALUES ($1, $2)`,
			f.version, f.filename)
		if err != nil {
			return fmt.Errorf("track %s: %w", f.filename, err)
		}
		return nil
	})
}

// pendingMigrations lists the up-files on disk that have no tracking row yet,
// sorted by version.
func (m *Migrator) pendingMigrations(ctx context.Context) ([]migrationFile, error) {
	applied := make(map[string]bool)
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM settlement_log.schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("applied versions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", m.dir, err)
	}

	var files []migrationFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		f := migrationFile{version: migrationVersion(name), filename: name}
		if !applied[f.version] {
			files = append(files, f)
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

// ensureTracking creates the schema and the tracking table. The schema is
// created here rather than only in the first migration so a fresh database
// can record migrations at all.
func (m *Migrator) ensureTracking(ctx context.Context) error {
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS settlement_log`,
		`CREATE TABLE IF NOT EXISTS settlement_log.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure migration tracking: %w", err)
		}
	}
	return nil
}

func (m *Migrator) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// migrationVersion returns the numeric prefix of a migration filename,
// "000001_settlement_log.up.sql" -> "000001".
func migrationVersion(name string) string {
	if i := strings.IndexByte(name, '_'); i > 0 {
		return name[:i]
	}
	return name
}
