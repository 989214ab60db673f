// Package history records finished sessions in a SQLite database.
package history

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/guseggert/liverun/session"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a session.Observer that keeps every Record it is told about.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database. ":memory:" gives a throwaway store.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if dsn == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

// SessionEnded stores the record. Recording the same session twice keeps the first.
func (s *Store) SessionEnded(ctx context.Context, rec session.Record) error {
	transcript, err := json.Marshal(rec.Transcript)
	if err != nil {
		return fmt.Errorf("marshaling transcript: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR IGNORE INTO sessions
		(id, runner, program, started_at, ended_at, state, exit_code, reason, output_bytes, truncated, transcript)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Runner, rec.Program, rec.StartedAt.UnixNano(), rec.EndedAt.UnixNano(), string(rec.State),
		rec.ExitCode, rec.Reason, rec.OutputBytes, rec.Truncated, string(transcript))
	if err != nil {
		return fmt.Errorf("insert session %s: %w", rec.ID, err)
	}
	return nil
}

const selectColumns = `SELECT id, runner, program, started_at, ended_at, state, exit_code, reason, output_bytes, truncated, transcript FROM sessions`

// List returns up to limit records, most recently ended first.
func (s *Store) List(ctx context.Context, limit int) ([]session.Record, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY ended_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var recs []session.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// Get returns the record for id, or nil if there is none.
func (s *Store) Get(ctx context.Context, id string) (*session.Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*session.Record, error) {
	var (
		rec                session.Record
		state, transcript  string
		startedAt, endedAt int64
		exitCode           sql.NullInt64
	)
	err := row.Scan(&rec.ID, &rec.Runner, &rec.Program, &startedAt, &endedAt, &state, &exitCode,
		&rec.Reason, &rec.OutputBytes, &rec.Truncated, &transcript)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	rec.StartedAt = time.Unix(0, startedAt).UTC()
	rec.EndedAt = time.Unix(0, endedAt).UTC()
	rec.State = session.State(state)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}
	if err := json.Unmarshal([]byte(transcript), &rec.Transcript); err != nil {
		return nil, fmt.Errorf("unmarshaling transcript of %s: %w", rec.ID, err)
	}
	return &rec, nil
}
