// Package postgres implements the watermark/metadata store (C4) on top of
// Postgres, using a session-scoped advisory lock for true mutual exclusion
// and a version column for optimistic concurrency control on checkpoints.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oakhealth/syncpipe/pkg/domain"
)

// connTable tracks the single pooled connection pinned to each currently
// leased table — the advisory lock is session-scoped, so checkpoint/commit/
// abort must reuse the exact connection that acquired it.
type connTable struct {
	mu    sync.Mutex
	conns map[string]*pgxpool.Conn
}

func (t *connTable) store(table string, conn *pgxpool.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns == nil {
		t.conns = make(map[string]*pgxpool.Conn)
	}
	t.conns[table] = conn
}

func (t *connTable) load(table string) (*pgxpool.Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[table]
	return c, ok
}

func (t *connTable) delete(table string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, table)
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS etl_metadata (
    table_name        TEXT PRIMARY KEY,
    last_watermark    TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
    rows_processed    BIGINT NOT NULL DEFAULT 0,
    status            TEXT NOT NULL DEFAULT 'pending',
    error_message     TEXT,
    checkpoint_blob   JSONB NOT NULL DEFAULT '{}',
    checkpoint_at     TIMESTAMPTZ,
    batch_size        INTEGER NOT NULL DEFAULT 1000,
    total_records     BIGINT NOT NULL DEFAULT 0,
    processed_records BIGINT NOT NULL DEFAULT 0,
    version           INTEGER NOT NULL DEFAULT 0,
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS dead_letter (
    id             BIGSERIAL PRIMARY KEY,
    table_name     TEXT NOT NULL,
    record_id      TEXT NOT NULL,
    sink_err_code  TEXT,
    reason         TEXT,
    payload        JSONB,
    quarantined_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_dead_letter_table ON dead_letter (table_name, quarantined_at);
`

// Store is the Postgres-backed metadata.Store implementation.
type Store struct {
	pool        *pgxpool.Pool
	leasedConns connTable
}

// New connects to dsn, verifies it, and applies the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, &domain.SinkConnectError{Err: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &domain.SinkConnectError{Err: err}
	}
	s := &Store{pool: pool}
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("metadata migrate: %w", err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// lockKey hashes a table name into the 64-bit key pg_advisory_lock expects.
func lockKey(table string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(table))
	return int64(h.Sum64())
}

// Read returns the current metadata row, creating it on first access.
func (s *Store) Read(ctx context.Context, table string) (*domain.ETLMetadata, error) {
	md, err := s.selectRow(ctx, table)
	if err == nil {
		return md, nil
	}

	_, insertErr := s.pool.Exec(ctx, `
		INSERT INTO etl_metadata (table_name, status) VALUES ($1, $2)
		ON CONFLICT (table_name) DO NOTHING
	`, table, domain.SyncPending)
	if insertErr != nil {
		return nil, &domain.SinkTransient{Err: insertErr}
	}
	return s.selectRow(ctx, table)
}

func (s *Store) selectRow(ctx context.Context, table string) (*domain.ETLMetadata, error) {
	var md domain.ETLMetadata
	var blob []byte
	var checkpointAt *time.Time
	var errMsg *string
	err := s.pool.QueryRow(ctx, `
		SELECT table_name, last_watermark, rows_processed, status, error_message,
		       checkpoint_blob, checkpoint_at, batch_size, total_records, processed_records,
		       version, updated_at
		FROM etl_metadata WHERE table_name = $1
	`, table).Scan(&md.TableName, &md.LastWatermark, &md.RowsProcessed, &md.Status, &errMsg,
		&blob, &checkpointAt, &md.BatchSize, &md.TotalRecords, &md.ProcessedRecords,
		&md.Version, &md.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if errMsg != nil {
		md.ErrorMessage = *errMsg
	}
	if checkpointAt != nil {
		md.CheckpointAt = *checkpointAt
	}
	if len(blob) > 0 {
		_ = json.Unmarshal(blob, &md.CheckpointBlob)
	}
	return &md, nil
}

// BeginRun acquires the table's session-scoped advisory lock and flips
// sync_status to in_progress under a version CAS, so a crashed session
// (which Postgres releases the advisory lock for automatically) can be
// re-leased safely.
func (s *Store) BeginRun(ctx context.Context, table string) (*domain.Lease, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, &domain.SinkConnectError{Err: err}
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, lockKey(table)).Scan(&acquired); err != nil {
		conn.Release()
		return nil, &domain.SinkTransient{Err: err}
	}
	if !acquired {
		conn.Release()
		return nil, &domain.MetadataConflict{TableName: table}
	}

	md, err := s.Read(ctx, table)
	if err != nil {
		_, _ = conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, lockKey(table))
		conn.Release()
		return nil, &domain.SinkTransient{Err: err}
	}

	tag, err := conn.Exec(ctx, `
		UPDATE etl_metadata SET status = $1, version = version + 1, updated_at = NOW()
		WHERE table_name = $2 AND version = $3
	`, domain.SyncInProgress, table, md.Version)
	if err != nil || tag.RowsAffected() == 0 {
		_, _ = conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, lockKey(table))
		conn.Release()
		return nil, &domain.MetadataConflict{TableName: table}
	}

	md.Status = domain.SyncInProgress
	md.Version++
	s.leasedConns.store(table, conn)

	return &domain.Lease{TableName: table, Version: md.Version, Metadata: *md}, nil
}

// Checkpoint persists incremental progress. The lease's connection is reused
// so the advisory lock stays held by the same session throughout the run.
func (s *Store) Checkpoint(ctx context.Context, lease *domain.Lease, watermark time.Time, counters domain.Counters, blob domain.Checkpoint) error {
	conn, ok := s.leasedConns.load(lease.TableName)
	if !ok {
		return &domain.MetadataConflict{TableName: lease.TableName}
	}
	blobJSON, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("marshal checkpoint blob: %w", err)
	}
	tag, err := conn.Exec(ctx, `
		UPDATE etl_metadata
		SET last_watermark = GREATEST(last_watermark, $1), rows_processed = rows_processed + $2,
		    processed_records = processed_records + $2,
		    checkpoint_blob = $3, checkpoint_at = NOW(),
		    version = version + 1, updated_at = NOW()
		WHERE table_name = $4 AND version = $5
	`, watermark, counters.RowsUpserted, blobJSON, lease.TableName, lease.Version)
	if err != nil {
		return &domain.SinkTransient{Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &domain.MetadataConflict{TableName: lease.TableName}
	}
	lease.Version++
	return nil
}

// CommitRun finalizes the run as completed and releases the lease.
func (s *Store) CommitRun(ctx context.Context, lease *domain.Lease, finalWatermark time.Time, counters domain.Counters) error {
	defer s.release(lease.TableName)
	conn, ok := s.leasedConns.load(lease.TableName)
	if !ok {
		return &domain.MetadataConflict{TableName: lease.TableName}
	}
	tag, err := conn.Exec(ctx, `
		UPDATE etl_metadata
		SET status = $1,
		    last_watermark = GREATEST(last_watermark, $2),
		    rows_processed = rows_processed + $3,
		    version = version + 1, updated_at = NOW()
		WHERE table_name = $4 AND version = $5
	`, domain.SyncCompleted, finalWatermark, counters.RowsUpserted, lease.TableName, lease.Version)
	if err != nil {
		return &domain.SinkTransient{Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &domain.MetadataConflict{TableName: lease.TableName}
	}
	return nil
}

// AbortRun marks the run failed without advancing the committed watermark.
func (s *Store) AbortRun(ctx context.Context, lease *domain.Lease, errMsg string) error {
	defer s.release(lease.TableName)
	conn, ok := s.leasedConns.load(lease.TableName)
	if !ok {
		return &domain.MetadataConflict{TableName: lease.TableName}
	}
	_, err := conn.Exec(ctx, `
		UPDATE etl_metadata
		SET status = $1, error_message = $2, version = version + 1, updated_at = NOW()
		WHERE table_name = $3 AND version = $4
	`, domain.SyncFailed, errMsg, lease.TableName, lease.Version)
	if err != nil {
		return &domain.SinkTransient{Err: err}
	}
	return nil
}

func (s *Store) release(table string) {
	conn, ok := s.leasedConns.load(table)
	if !ok {
		return
	}
	_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, lockKey(table))
	conn.Release()
	s.leasedConns.delete(table)
}
