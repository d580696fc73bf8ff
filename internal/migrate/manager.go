// Package migrate applies the SQL schema and seed files under ops/migrations.
// Applied versions are journaled in the database, so running it again is a
// no-op for everything already in place.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	migrationsJournal = "schema_migrations"
	seedsJournal      = "schema_seeds"

	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
)

// Manager runs migrations and seeds from two flat directories of .sql files.
// Migration files come in <version>.up.sql / <version>.down.sql pairs; seeds
// are single files applied once, in name order.
type Manager struct {
	db            *sql.DB
	migrationsDir string
	seedsDir      string
}

func NewManager(db *sql.DB, migrationsDir, seedsDir string) *Manager {
	return &Manager{db: db, migrationsDir: migrationsDir, seedsDir: seedsDir}
}

// Up applies every pending migration in version order.
func (m *Manager) Up(ctx context.Context) error {
	if err := m.ensureJournals(ctx); err != nil {
		return err
	}
	done, err := m.applied(ctx, migrationsJournal)
	if err != nil {
		return err
	}
	names, err := sqlFiles(m.migrationsDir, upSuffix)
	if err != nil {
		return err
	}
	for _, name := range names {
		version := strings.TrimSuffix(name, upSuffix)
		if done[version] {
			continue
		}
		if err := m.runFile(ctx, filepath.Join(m.migrationsDir, name)); err != nil {
			return fmt.Errorf("migrate: apply %s: %w", version, err)
		}
		if err := m.journal(ctx, migrationsJournal, version); err != nil {
			return err
		}
	}
	return nil
}

// Down rolls back the most recently applied migration using its .down.sql
// counterpart.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.ensureJournals(ctx); err != nil {
		return err
	}
	history, err := m.appliedInOrder(ctx, migrationsJournal)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return errors.New("migrate: nothing to roll back")
	}
	version := history[len(history)-1]
	down := filepath.Join(m.migrationsDir, version+downSuffix)
	if _, err := os.Stat(down); err != nil {
		return fmt.Errorf("migrate: no down file for %s", version)
	}
	if err := m.runFile(ctx, down); err != nil {
		return fmt.Errorf("migrate: roll back %s: %w", version, err)
	}
	_, err = m.db.ExecContext(ctx,
		fmt.Sprintf(`delete from %s where name = $1`, migrationsJournal), version)
	return err
}

// Status lists applied migration versions, oldest first.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.ensureJournals(ctx); err != nil {
		return nil, err
	}
	return m.appliedInOrder(ctx, migrationsJournal)
}

// Seed applies each seed file at most once.
func (m *Manager) Seed(ctx context.Context) error {
	if err := m.ensureJournals(ctx); err != nil {
		return err
	}
	done, err := m.applied(ctx, seedsJournal)
	if err != nil {
		return err
	}
	names, err := sqlFiles(m.seedsDir, ".sql")
	if err != nil {
		return err
	}
	for _, name := range names {
		if done[name] {
			continue
		}
		if err := m.runFile(ctx, filepath.Join(m.seedsDir, name)); err != nil {
			return fmt.Errorf("migrate: apply seed %s: %w", name, err)
		}
		if err := m.journal(ctx, seedsJournal, name); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) ensureJournals(ctx context.Context) error {
	for _, table := range []string{migrationsJournal, seedsJournal} {
		_, err := m.db.ExecContext(ctx, fmt.Sprintf(
			`create table if not exists %s (
				name text primary key,
				applied_at timestamptz not null default now()
			)`, table))
		if err != nil {
			return err
		}
	}
	return nil
}

// runFile executes a file's statements inside one transaction, so a failing
// migration leaves no partial schema behind.
func (m *Manager) runFile(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(raw)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (m *Manager) journal(ctx context.Context, table, name string) error {
	_, err := m.db.ExecContext(ctx,
		fmt.Sprintf(`insert into %s(name, applied_at) values ($1, $2)`, table),
		name, time.Now().UTC())
	return err
}

func (m *Manager) applied(ctx context.Context, table string) (map[string]bool, error) {
	names, err := m.appliedInOrder(ctx, table)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(names))
	for _, n := range names {
		done[n] = true
	}
	return done, nil
}

func (m *Manager) appliedInOrder(ctx context.Context, table string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx,
		fmt.Sprintf(`select name from %s order by applied_at asc, name asc`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// sqlFiles lists matching files in a flat directory, sorted by name. A missing
// directory yields nothing rather than an error.
func sqlFiles(dir, suffix string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// splitStatements cuts a script on semicolons outside single-quoted strings.
// Good enough for the plain DDL and inserts under ops/migrations; it does not
// handle dollar-quoted bodies.
func splitStatements(script string) []string {
	var (
		stmts    []string
		start    int
		inString bool
	)
	for i, r := range script {
		switch r {
		case '\'':
			inString = !inString
		case ';':
			if inString {
				continue
			}
			if s := strings.TrimSpace(script[start:i]); s != "" {
				stmts = append(stmts, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(script[start:]); s != "" {
		stmts = append(stmts, s)
	}
	return stmts
}
