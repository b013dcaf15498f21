// Package pgvector is the Postgres candidate index. It offers the same
// Nearest contract as the Qdrant store so either can back the ranker.
package pgvector

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	pgv "github.com/pgvector/pgvector-go"

	"github.com/vast-data/cosmos-labs-sub001/engine/domain"
)

// undefinedTable is the SQLSTATE for a missing relation.
const undefinedTable = "42P01"

type rowScanner interface {
	Scan(dest ...any) error
}

// conn is the subset of database/sql used by the store.
type conn interface {
	Exec(ctx context.Context, query string, args ...any) error
	Query(ctx context.Context, query string, args []any, each func(rowScanner) error) error
	Close() error
}

type sqlConn struct{ db *sql.DB }

func (c sqlConn) Exec(ctx context.Context, query string, args ...any) error {
	_, err := c.db.ExecContext(ctx, query, args...)
	return err
}

func (c sqlConn) Query(ctx context.Context, query string, args []any, each func(rowScanner) error) error {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		if err := each(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (c sqlConn) Close() error { return c.db.Close() }

// Store keeps one row per segment: id, embedding, tags, created_at and the
// full JSONB payload.
type Store struct {
	conn  conn
	table string
	dims  int

	mu sync.Mutex
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn, table string, dims int) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgvector: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, classify("ping", err)
	}
	return newWithConn(sqlConn{db: db}, table, dims), nil
}

func newWithConn(c conn, table string, dims int) *Store {
	return &Store{conn: c, table: table, dims: dims}
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.conn.Close() }

// Dimensions is the embedding length of the vector column.
func (s *Store) Dimensions() int { return s.dims }

// EnsureSchema creates the extension, table and indexes. Safe to call
// repeatedly.
func (s *Store) EnsureSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range schema(s.table, s.dims) {
		if err := s.conn.Exec(ctx, stmt); err != nil {
			return classify("ensure schema", err)
		}
	}
	return nil
}

func schema(table string, dims int) []string {
	t := pq.QuoteIdentifier(table)
	idx := func(suffix string) string { return pq.QuoteIdentifier(table + "_" + suffix) }
	return []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id         TEXT PRIMARY KEY,
	embedding  vector(%d) NOT NULL,
	tags       TEXT[] NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL,
	payload    JSONB NOT NULL
)`, t, dims),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING GIN (tags)`, idx("tags"), t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (created_at)`, idx("created_at"), t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops)`, idx("embedding"), t),
	}
}

// UpsertSegments writes segments keyed by their deterministic IDs.
func (s *Store) UpsertSegments(ctx context.Context, segs []domain.Segment) error {
	q := fmt.Sprintf(`INSERT INTO %s (id, embedding, tags, created_at, payload)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
	embedding = excluded.embedding,
	tags = excluded.tags,
	created_at = excluded.created_at,
	payload = excluded.payload`, pq.QuoteIdentifier(s.table))

	for _, seg := range segs {
		if len(seg.Embedding) != s.dims {
			return fmt.Errorf("pgvector: upsert %s: %w", seg.ID, &domain.DimensionError{Want: s.dims, Got: len(seg.Embedding)})
		}
		payload, err := json.Marshal(domain.SegmentPayload(seg))
		if err != nil {
			return fmt.Errorf("pgvector: upsert %s: encode payload: %w", seg.ID, err)
		}
		args := []any{seg.ID, pgv.NewVector(seg.Embedding), pq.Array(seg.Tags), seg.CreatedAt.UTC(), payload}
		if err := s.withSchema(ctx, "upsert "+seg.ID, func() error {
			return s.conn.Exec(ctx, q, args...)
		}); err != nil {
			return err
		}
	}
	return nil
}

// Nearest returns up to limit hits ordered by cosine distance. Tag and
// recency filters are part of the WHERE clause.
func (s *Store) Nearest(ctx context.Context, embedding []float32, limit int, f domain.Filters) ([]domain.Hit, error) {
	if len(embedding) != s.dims {
		return nil, &domain.DimensionError{Want: s.dims, Got: len(embedding)}
	}
	q, args := nearestQuery(s.table, pgv.NewVector(embedding), limit, f)

	var hits []domain.Hit
	err := s.withSchema(ctx, "search", func() error {
		hits = hits[:0]
		return s.conn.Query(ctx, q, args, func(row rowScanner) error {
			var (
				h   domain.Hit
				raw []byte
			)
			if err := row.Scan(&h.ID, &h.Distance, &raw); err != nil {
				return err
			}
			if err := json.Unmarshal(raw, &h.Payload); err != nil {
				return fmt.Errorf("decode payload %s: %w", h.ID, err)
			}
			hits = append(hits, h)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return hits, nil
}

func nearestQuery(table string, vec pgv.Vector, limit int, f domain.Filters) (string, []any) {
	args := []any{vec}
	var where []string
	if len(f.Tags) > 0 {
		args = append(args, pq.Array(f.Tags))
		where = append(where, fmt.Sprintf("tags && $%d", len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since.UTC())
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	args = append(args, limit)

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT id, embedding <=> $1 AS distance, payload FROM %s", pq.QuoteIdentifier(table))
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	fmt.Fprintf(&b, " ORDER BY distance LIMIT $%d", len(args))
	return b.String(), args
}

// withSchema runs op; a missing table is provisioned once and op retried once.
func (s *Store) withSchema(ctx context.Context, opName string, op func() error) error {
	err := classify(opName, op())
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if perr := s.EnsureSchema(ctx); perr != nil {
		return perr
	}
	return classify(opName, op())
}

// classify maps driver failures onto the engine's error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == undefinedTable:
			return fmt.Errorf("pgvector: %s: %w: %v", op, domain.ErrNotFound, err)
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "53", pqErr.Code.Class() == "57":
			return domain.Unavailable("pgvector: "+op, err)
		}
		return fmt.Errorf("pgvector: %s: %w", op, err)
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return domain.Unavailable("pgvector: "+op, err)
	}
	return fmt.Errorf("pgvector: %s: %w", op, err)
}
