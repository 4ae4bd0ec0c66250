// Package postgres implements the sink writer (C3) over Postgres: a single
// notification_text table upserted per batch under one transaction,
// bisection-quarantine on constraint violations, and an EmbeddingStore whose
// concrete storage mode is chosen once at startup by a capability probe for
// pgvector.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oakhealth/syncpipe/internal/sink"
	"github.com/oakhealth/syncpipe/pkg/domain"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS notification_text (
    id          TEXT PRIMARY KEY,
    notified_at TIMESTAMPTZ NOT NULL,
    assigned_at TIMESTAMPTZ,
    closed_at   TIMESTAMPTZ,
    category    TEXT,
    country     TEXT,
    equip_id    TEXT,
    material_id TEXT,
    serial_id   TEXT,
    trend_l1    TEXT,
    trend_l2    TEXT,
    trend_l3    TEXT,
    issue_type  TEXT,
    medium_text TEXT,
    long_text   TEXT,
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notification_text_watermark ON notification_text (notified_at, id);

CREATE TABLE IF NOT EXISTS extractions (
    notification_id TEXT NOT NULL,
    model_version   TEXT NOT NULL,
    keywords        JSONB,
    primary_symptom TEXT,
    root_cause      TEXT,
    summary         TEXT,
    solution        TEXT,
    solution_type   TEXT,
    components      JSONB,
    processes       JSONB,
    main_component  TEXT,
    main_process    TEXT,
    confidence      DOUBLE PRECISION,
    extracted_at    TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (notification_id, model_version)
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

// Store is the Postgres-backed sink.Writer implementation.
type Store struct {
	pool       *pgxpool.Pool
	embeddings sink.EmbeddingStore
}

// New connects to dsn, applies the schema, and selects the embedding storage
// mode based on whether the pgvector extension is available.
func New(ctx context.Context, dsn string, embeddingDim int) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, &domain.SinkConnectError{Err: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &domain.SinkConnectError{Err: err}
	}
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sink migrate: %w", err)
	}

	embeddings, err := newEmbeddingStore(ctx, pool, embeddingDim)
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool, embeddings: embeddings}, nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// Embeddings returns the capability-probed embedding store.
func (s *Store) Embeddings() sink.EmbeddingStore { return s.embeddings }

// UpsertBatch writes rows within a single transaction. On a constraint
// violation it bisects the batch recursively (bisectUpsert) until either
// every row commits or the offending row is isolated as a singleton and
// quarantined to the dead-letter log — the rest of the batch still commits.
// A non-constraint failure (connection loss, etc.) is never bisected: it is
// surfaced as SinkTransient so the caller's retry envelope handles it.
func (s *Store) UpsertBatch(ctx context.Context, table string, rows []domain.WorkOrder) (domain.UpsertResult, error) {
	if len(rows) == 0 {
		return domain.UpsertResult{}, nil
	}
	return s.bisectUpsert(ctx, table, rows)
}

func (s *Store) bisectUpsert(ctx context.Context, table string, rows []domain.WorkOrder) (domain.UpsertResult, error) {
	result, err := s.upsertTx(ctx, rows)
	if err == nil {
		return result, nil
	}

	var pgErr *pgconn.PgError
	if !isPgError(err, &pgErr) || !isConstraintViolation(pgErr) {
		return domain.UpsertResult{}, &domain.SinkTransient{Err: err}
	}

	if len(rows) == 1 {
		row := rows[0]
		payload, _ := json.Marshal(row)
		quarantineErr := s.Quarantine(ctx, domain.DeadLetterRecord{
			Table:         table,
			RecordID:      row.ID,
			SinkErrCode:   pgErr.Code,
			Reason:        pgErr.Message,
			Payload:       payload,
			QuarantinedAt: time.Now(),
		})
		if quarantineErr != nil {
			return domain.UpsertResult{}, quarantineErr
		}
		return domain.UpsertResult{Quarantined: 1}, nil
	}

	mid := len(rows) / 2
	left, err := s.bisectUpsert(ctx, table, rows[:mid])
	if err != nil {
		return domain.UpsertResult{}, err
	}
	right, err := s.bisectUpsert(ctx, table, rows[mid:])
	if err != nil {
		return domain.UpsertResult{}, err
	}

	left.Inserted += right.Inserted
	left.Updated += right.Updated
	left.Quarantined += right.Quarantined
	return left, nil
}

func (s *Store) upsertTx(ctx context.Context, rows []domain.WorkOrder) (domain.UpsertResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.UpsertResult{}, &domain.SinkTransient{Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var result domain.UpsertResult
	for _, row := range rows {
		tag, err := tx.Exec(ctx, `
			INSERT INTO notification_text (
				id, notified_at, assigned_at, closed_at, category, country,
				equip_id, material_id, serial_id, trend_l1, trend_l2, trend_l3,
				issue_type, medium_text, long_text, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			ON CONFLICT (id) DO UPDATE SET
				notified_at = EXCLUDED.notified_at,
				assigned_at = EXCLUDED.assigned_at,
				closed_at   = EXCLUDED.closed_at,
				category    = EXCLUDED.category,
				country     = EXCLUDED.country,
				equip_id    = EXCLUDED.equip_id,
				material_id = EXCLUDED.material_id,
				serial_id   = EXCLUDED.serial_id,
				trend_l1    = EXCLUDED.trend_l1,
				trend_l2    = EXCLUDED.trend_l2,
				trend_l3    = EXCLUDED.trend_l3,
				issue_type  = EXCLUDED.issue_type,
				medium_text = EXCLUDED.medium_text,
				long_text   = EXCLUDED.long_text,
				updated_at  = NOW()
		`, row.ID, row.NotifiedAt, row.AssignedAt, row.ClosedAt, row.Category, row.Country,
			row.EquipID, row.MaterialID, row.SerialID, row.TrendL1, row.TrendL2, row.TrendL3,
			row.IssueType, row.MediumText, row.LongText, row.CreatedAt, row.UpdatedAt)
		if err != nil {
			return domain.UpsertResult{}, err
		}
		if tag.RowsAffected() == 1 {
			result.Inserted++
		} else {
			result.Updated++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.UpsertResult{}, err
	}
	return result, nil
}

// UpsertExtractions replaces-by-version: one row per (notification_id, model_version).
func (s *Store) UpsertExtractions(ctx context.Context, extractions []domain.Extraction) error {
	if len(extractions) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &domain.SinkTransient{Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, e := range extractions {
		keywordsJSON, _ := json.Marshal(e.Keywords)
		componentsJSON, _ := json.Marshal(e.Components)
		processesJSON, _ := json.Marshal(e.Processes)
		_, err := tx.Exec(ctx, `
			INSERT INTO extractions (
				notification_id, model_version, keywords, primary_symptom, root_cause,
				summary, solution, solution_type, components, processes,
				main_component, main_process, confidence, extracted_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (notification_id, model_version) DO UPDATE SET
				keywords        = EXCLUDED.keywords,
				primary_symptom = EXCLUDED.primary_symptom,
				root_cause      = EXCLUDED.root_cause,
				summary         = EXCLUDED.summary,
				solution        = EXCLUDED.solution,
				solution_type   = EXCLUDED.solution_type,
				components      = EXCLUDED.components,
				processes       = EXCLUDED.processes,
				main_component  = EXCLUDED.main_component,
				main_process    = EXCLUDED.main_process,
				confidence      = EXCLUDED.confidence,
				extracted_at    = EXCLUDED.extracted_at
		`, e.NotificationID, e.ModelVersion, keywordsJSON, e.PrimarySymptom, e.RootCause,
			e.Summary, e.Solution, string(e.SolutionType), componentsJSON, processesJSON,
			e.MainComponent, e.MainProcess, e.Confidence, e.ExtractedAt)
		if err != nil {
			return &domain.SinkConstraintError{RecordID: e.NotificationID, Err: err}
		}
	}
	return tx.Commit(ctx)
}

// Quarantine records a row that failed UpsertBatch into the dead-letter log.
func (s *Store) Quarantine(ctx context.Context, rec domain.DeadLetterRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letter (table_name, record_id, sink_err_code, reason, payload, quarantined_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.Table, rec.RecordID, rec.SinkErrCode, rec.Reason, rec.Payload, rec.QuarantinedAt)
	if err != nil {
		return &domain.SinkTransient{Err: err}
	}
	return nil
}

// DeadLetterCount returns the number of rows quarantined for table. Not
// part of the sink.Writer contract; the status command type-asserts for it
// so a backend without a dead-letter log can still satisfy sink.Writer.
func (s *Store) DeadLetterCount(ctx context.Context, table string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter WHERE table_name = $1`, table).Scan(&count)
	return count, err
}

func isPgError(err error, target **pgconn.PgError) bool {
	for {
		if pe, ok := err.(*pgconn.PgError); ok {
			*target = pe
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
		if err == nil {
			return false
		}
	}
}

// isConstraintViolation reports whether code is in Postgres error class 23
// (integrity constraint violation: not-null, foreign key, unique, check).
func isConstraintViolation(pgErr *pgconn.PgError) bool {
	return len(pgErr.Code) == 5 && pgErr.Code[:2] == "23"
}
