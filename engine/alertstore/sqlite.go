package alertstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/vast-data/cosmos-labs-sub001/engine/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS alert_records (
	id           TEXT PRIMARY KEY,
	query_text   TEXT NOT NULL,
	candidate_id TEXT NOT NULL,
	score        REAL NOT NULL,
	threshold    REAL NOT NULL,
	sent         INTEGER NOT NULL,
	provider_id  TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	context      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_alert_records_key
	ON alert_records (query_text, candidate_id, created_at DESC);
`

// SQLite is a Store backed by a single SQLite file. The table is created on
// first use.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (or creates) the database at path. ":memory:" is accepted.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("alertstore: open sqlite %s: %w", path, err)
	}
	// One writer at a time; a single connection also keeps ":memory:" databases
	// alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("alertstore: %s: %w", pragma, err)
		}
	}
	return &SQLite{db: db}, nil
}

// EnsureSchema creates the table and index. Idempotent.
func (s *SQLite) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return classifySQLite("ensure schema", err)
	}
	return nil
}

func (s *SQLite) Put(ctx context.Context, rec domain.AlertRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("alertstore: put: empty id: %w", domain.ErrInvalidArgument)
	}
	return s.provisioned(ctx, "put", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO alert_records
				(id, query_text, candidate_id, score, threshold, sent, provider_id, created_at, context)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`,
			rec.ID, rec.QueryText, rec.CandidateID, rec.Score, rec.Threshold,
			rec.Sent, rec.ProviderID, rec.CreatedAt.UnixNano(), rec.Context,
		)
		return err
	})
}

func (s *SQLite) Latest(ctx context.Context, key domain.CooldownKey) (domain.AlertRecord, error) {
	var (
		rec     domain.AlertRecord
		created int64
	)
	err := s.provisioned(ctx, "latest", func() error {
		return s.db.QueryRowContext(ctx, `
			SELECT id, query_text, candidate_id, score, threshold, sent, provider_id, created_at, context
			FROM alert_records
			WHERE query_text = ? AND candidate_id = ?
			ORDER BY created_at DESC
			LIMIT 1`,
			key.QueryText, key.CandidateID,
		).Scan(&rec.ID, &rec.QueryText, &rec.CandidateID, &rec.Score, &rec.Threshold,
			&rec.Sent, &rec.ProviderID, &created, &rec.Context)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AlertRecord{}, fmt.Errorf("alertstore: latest: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.AlertRecord{}, err
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	return rec, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// provisioned runs op; when the table is missing it creates the schema and
// retries op exactly once.
func (s *SQLite) provisioned(ctx context.Context, opName string, op func() error) error {
	err := op()
	if err == nil || errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if !isMissingTable(err) {
		return classifySQLite(opName, err)
	}
	if perr := s.EnsureSchema(ctx); perr != nil {
		return perr
	}
	err = op()
	if err == nil || errors.Is(err, sql.ErrNoRows) {
		return err
	}
	return classifySQLite(opName, err)
}

func isMissingTable(err error) bool {
	return strings.Contains(err.Error(), "no such table")
}

func classifySQLite(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.Unavailable("alertstore: sqlite "+op, err)
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_IOERR:
			return domain.Unavailable("alertstore: sqlite "+op, err)
		}
	}
	return fmt.Errorf("alertstore: sqlite %s: %w", op, err)
}
