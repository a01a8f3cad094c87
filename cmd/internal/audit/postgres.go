package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultSchema = "remoteconnect"

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresSink writes events to <schema>.audit_log. It does not own the pool.
type PostgresSink struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresSink.
type PostgresOption func(*PostgresSink) error

// WithSchema sets the schema holding audit_log (default "remoteconnect").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresSink) error {
		schema = strings.TrimSpace(schema)
		if !pgIdentRE.MatchString(schema) {
			return ErrInvalidSchema
		}
		s.schema = schema
		return nil
	}
}

func NewPostgresSink(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresSink, error) {
	if pool == nil {
		return nil, errors.New("audit: nil pool")
	}
	s := &PostgresSink{pool: pool, schema: defaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *PostgresSink) table() string {
	return pgx.Identifier{s.schema, "audit_log"}.Sanitize()
}

// EnsureSchema creates the schema and table when missing.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{s.schema}.Sanitize())
	if err != nil {
		return fmt.Errorf("audit: create schema: %w", err)
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id         TEXT PRIMARY KEY,
  action     TEXT NOT NULL,
  conn_id    TEXT,
  ip         TEXT,
  user_agent TEXT,
  meta       JSONB,
  created_at TIMESTAMPTZ NOT NULL
)`, s.table()))
	if err != nil {
		return fmt.Errorf("audit: create table: %w", err)
	}
	return nil
}

func (s *PostgresSink) Write(ctx context.Context, e Event) error {
	if e.ID == "" || e.Action == "" {
		return ErrInvalidInput
	}

	var metaVal *string
	if len(e.Meta) > 0 {
		if b, err := json.Marshal(e.Meta); err == nil {
			v := string(b)
			metaVal = &v
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+s.table()+` (id, action, conn_id, ip, user_agent, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
	`, e.ID, e.Action, nilIfEmpty(e.ConnID), nilIfEmpty(e.IP), nilIfEmpty(e.UserAgent), metaVal, e.At)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// Count returns the number of rows with action.
func (s *PostgresSink) Count(ctx context.Context, action string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM `+s.table()+` WHERE action = $1`, action).Scan(&n)
	return n, err
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresSink) Close() error { return nil }

func nilIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}
