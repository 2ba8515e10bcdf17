// Package postgres provides a Postgres-backed job store. Each category
// partition maps to its own table holding the compacted record as JSONB.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/scrape-relay/internal/id/uuid"
	"github.com/JakeFAU/scrape-relay/internal/relay"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DefaultTablePrefix is prepended to each partition name.
const DefaultTablePrefix = "relay_"

// JobStoreConfig controls the Postgres connection pool used for job records.
type JobStoreConfig struct {
	DSN             string
	TablePrefix     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// JobStore persists job records in one table per partition.
type JobStore struct {
	pool   pool
	tables map[relay.Category]string
	idGen  relay.IDGenerator
	now    func() time.Time
}

// NewJobStore connects to Postgres using cfg.
func NewJobStore(ctx context.Context, cfg JobStoreConfig, idGen relay.IDGenerator) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewJobStoreWithPool(p, cfg.TablePrefix, idGen)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(p pool, prefix string, idGen relay.IDGenerator) (*JobStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if prefix == "" {
		prefix = DefaultTablePrefix
	}
	if idGen == nil {
		idGen = uuid.NewUUIDGenerator()
	}
	tables := make(map[relay.Category]string, len(relay.Partitions))
	for _, c := range relay.Partitions {
		name := prefix + string(c)
		if !validTableName.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
		tables[c] = name
	}
	return &JobStore{
		pool:   p,
		tables: tables,
		idGen:  idGen,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the partition tables when they are missing.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	for _, c := range relay.Partitions {
		table := s.tables[c]
		query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	doc_id     TEXT PRIMARY KEY,
	batch_id   TEXT NOT NULL,
	doc        JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_batch_id_idx ON %[1]s (batch_id);`, table)
		if _, err := s.pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}
	}
	return nil
}

// Insert writes rec as a new row in its partition table.
func (s *JobStore) Insert(ctx context.Context, rec relay.JobRecord) (string, error) {
	rec, doc, err := relay.PrepareInsert(rec, s.idGen, s.now())
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (doc_id, batch_id, doc, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5)`, s.tables[rec.Category])
	if _, err := s.pool.Exec(ctx, query, rec.DocID, rec.BatchID, data, rec.CreatedAt, rec.UpdatedAt); err != nil {
		return "", fmt.Errorf("insert record: %w", err)
	}
	return rec.DocID, nil
}

// UpdateByDocID shallow-merges fields into the stored document using JSONB concatenation.
func (s *JobStore) UpdateByDocID(ctx context.Context, docID string, fields relay.Fields, category relay.Category) error {
	patch, err := relay.PreparePatch(fields, category)
	if err != nil {
		return err
	}
	data, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal patch: %w", err)
	}
	query := fmt.Sprintf(`
UPDATE %s
SET doc = doc || $2::jsonb, updated_at = $3
WHERE doc_id = $1`, s.tables[category])
	tag, err := s.pool.Exec(ctx, query, docID, data, s.now())
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update %s/%s: %w", category, docID, relay.ErrNotFound)
	}
	return nil
}

// FindByBatchID scans partition tables in order and returns the oldest match
// in the first table that has one.
func (s *JobStore) FindByBatchID(ctx context.Context, batchID string) (relay.JobRecord, error) {
	for _, c := range relay.Partitions {
		query := fmt.Sprintf(`SELECT doc FROM %s WHERE batch_id = $1 ORDER BY created_at ASC LIMIT 1`, s.tables[c])
		var data []byte
		err := s.pool.QueryRow(ctx, query, batchID).Scan(&data)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return relay.JobRecord{}, fmt.Errorf("find batch in %s: %w", c, err)
		}
		return relay.DecodeRecord(data)
	}
	return relay.JobRecord{}, fmt.Errorf("batch %q: %w", batchID, relay.ErrNotFound)
}

// ListByCategory returns up to limit rows of one partition, newest first.
func (s *JobStore) ListByCategory(ctx context.Context, category relay.Category, limit int) ([]relay.JobRecord, error) {
	if err := relay.ValidateCategory(category); err != nil {
		return nil, err
	}
	return s.list(ctx, category, limit)
}

// ListAll merges every partition, newest first.
func (s *JobStore) ListAll(ctx context.Context, limit int) ([]relay.JobRecord, error) {
	var out []relay.JobRecord
	for _, c := range relay.Partitions {
		recs, err := s.list(ctx, c, limit)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	relay.SortNewestFirst(out)
	return relay.Truncate(out, limit), nil
}

// DeleteByDocID removes the row from whichever partition table holds it.
func (s *JobStore) DeleteByDocID(ctx context.Context, docID string) error {
	for _, c := range relay.Partitions {
		query := fmt.Sprintf(`DELETE FROM %s WHERE doc_id = $1`, s.tables[c])
		tag, err := s.pool.Exec(ctx, query, docID)
		if err != nil {
			return fmt.Errorf("delete record: %w", err)
		}
		if tag.RowsAffected() > 0 {
			return nil
		}
	}
	return fmt.Errorf("delete %s: %w", docID, relay.ErrNotFound)
}

func (s *JobStore) list(ctx context.Context, category relay.Category, limit int) ([]relay.JobRecord, error) {
	query := fmt.Sprintf(`SELECT doc FROM %s ORDER BY created_at DESC`, s.tables[category])
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", category, err)
	}
	defer rows.Close()

	out := []relay.JobRecord{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", category, err)
		}
		rec, err := relay.DecodeRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", category, err)
	}
	return out, nil
}
