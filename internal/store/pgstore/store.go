// Package pgstore keeps index documents in a PostgreSQL JSONB table and
// translates predicates to SQL.
package pgstore

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirindex/internal/index"
	"github.com/ehr/fhirindex/internal/platform/db"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is an index.Store over the fhir_index table.
type Store struct {
	pool   *pgxpool.Pool
	schema string
	logger zerolog.Logger
}

// New returns a store using pool. The schema must already be migrated; see
// Migrate.
func New(pool *pgxpool.Pool, schema string, logger zerolog.Logger) *Store {
	if schema == "" {
		schema = "public"
	}
	return &Store{pool: pool, schema: schema, logger: logger}
}

// Migrate creates or upgrades the index table.
func (s *Store) Migrate(ctx context.Context) error {
	n, err := db.NewMigrator(s.pool, migrations, "migrations", s.schema).Up(ctx)
	if err != nil {
		return fmt.Errorf("migrate index schema: %w", err)
	}
	if n > 0 {
		s.logger.Info().Int("applied", n).Str("schema", s.schema).Msg("index schema migrated")
	}
	return nil
}

// MigrationStatus lists the index schema migrations and whether each was
// applied.
func (s *Store) MigrationStatus(ctx context.Context) ([]db.MigrationStatus, error) {
	return db.NewMigrator(s.pool, migrations, "migrations", s.schema).Status(ctx)
}

func (s *Store) table() string {
	return pgx.Identifier{s.schema, "fhir_index"}.Sanitize()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// PoolStats reports connection pool statistics.
func (s *Store) PoolStats() *db.PoolStats {
	return db.GetPoolStats(s.pool)
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Put upserts documents in one transaction.
func (s *Store) Put(ctx context.Context, docs ...index.Document) error {
	if len(docs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	query := `INSERT INTO ` + s.table() + ` (internal_id, resource_type, level, doc)
		VALUES ($1, $2, $3, $4::jsonb)
		ON CONFLICT (internal_id) DO UPDATE
		SET resource_type = EXCLUDED.resource_type, level = EXCLUDED.level,
			doc = EXCLUDED.doc, indexed_at = NOW()`
	for _, d := range docs {
		if d.ID() == "" {
			return fmt.Errorf("put: document without %s", index.FieldID)
		}
		body, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("put %s: %w", d.ID(), err)
		}
		batch.Queue(query, d.ID(), d.String(index.FieldResource), d.Level(), string(body))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("put: begin: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("put: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("put: commit: %w", err)
	}
	return nil
}

// Delete removes matching documents.
func (s *Store) Delete(ctx context.Context, filter index.Predicate) (int, error) {
	t := &translator{}
	where, err := t.where(filter)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.table()+` WHERE `+where, t.args...)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Find returns matching documents in sort order.
func (s *Store) Find(ctx context.Context, q index.Query) ([]index.Document, error) {
	sql, args, err := s.selectSQL(q)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	s.logger.Trace().Str("sql", sql).Msg("find")

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	defer rows.Close()

	var docs []index.Document
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("find: scan: %w", err)
		}
		var d index.Document
		if err := json.Unmarshal(body, &d); err != nil {
			return nil, fmt.Errorf("find: decode: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	return docs, nil
}

func (s *Store) selectSQL(q index.Query) (string, []any, error) {
	t := &translator{}
	where, err := t.where(q.Filter)
	if err != nil {
		return "", nil, err
	}
	sql := `SELECT doc FROM ` + s.table() + ` WHERE ` + where + orderBy(q.Sort)
	if q.Offset > 0 {
		sql += " OFFSET " + t.arg(q.Offset)
	}
	if q.Limit > 0 {
		sql += " LIMIT " + t.arg(q.Limit)
	}
	return sql, t.args, nil
}

// Count returns the number of matching documents.
func (s *Store) Count(ctx context.Context, filter index.Predicate) (int, error) {
	t := &translator{}
	where, err := t.where(filter)
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM `+s.table()+` WHERE `+where, t.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// Clean removes every document.
func (s *Store) Clean(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `TRUNCATE `+s.table()); err != nil {
		return fmt.Errorf("clean: %w", err)
	}
	return nil
}
