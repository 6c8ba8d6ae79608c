// Package postgres persists extracted records into a Postgres table.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/permitlead/harvester/internal/extract"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for record rows.
type Config struct {
	DSN      string
	Table    string
	MaxConns int32
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Sink writes extracted records into Postgres. All jurisdictions share
// one table; the jurisdiction columns keep rows distinguishable.
type Sink struct {
	pool  execCloser
	table string
}

// New creates a Postgres-backed Sink using the provided config.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sink.postgres.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "permit_records"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Sink{pool: pool, table: table}, nil
}

// NewWithPool constructs a sink from an existing pool (primarily for testing).
func NewWithPool(pool execCloser, table string) (*Sink, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "permit_records"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Sink{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *Sink) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Open returns a writer inserting the jurisdiction's records.
func (s *Sink) Open(_ context.Context, j extract.Jurisdiction) (extract.RecordWriter, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("postgres sink is not configured")
	}
	return &writer{sink: s, jurisdiction: j}, nil
}

type writer struct {
	sink         *Sink
	jurisdiction extract.Jurisdiction
}

// Append inserts one record row with the full record as JSONB.
func (w *writer) Append(ctx context.Context, rec extract.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	jurisdiction_id,
	jurisdiction_name,
	region,
	record
) VALUES (
	$1,$2,$3,$4
)`, w.sink.table)

	args := []any{
		w.jurisdiction.ID,
		w.jurisdiction.Name,
		w.jurisdiction.Region,
		payload,
	}
	if _, err := w.sink.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// Close is a no-op; the pool outlives individual jurisdictions.
func (w *writer) Close() error {
	return nil
}

// Location reports the destination table.
func (w *writer) Location() string {
	return w.sink.table
}
