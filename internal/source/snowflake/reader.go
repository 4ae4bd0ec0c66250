// Package snowflake implements the warehouse source reader (C2) against
// Snowflake, selecting one of three authenticator modes at construction time
// and pulling batches through a keyset-paginated query ordered by
// (watermark, identity) so pagination is total across batches.
package snowflake

import (
	"context"
	"database/sql"
	"fmt"

	sf "github.com/snowflakedb/gosnowflake"

	"github.com/oakhealth/syncpipe/internal/config"
	"github.com/oakhealth/syncpipe/internal/source"
	"github.com/oakhealth/syncpipe/pkg/domain"
)

const selectColumns = `
	notification_id, notified_at, assigned_at, closed_at, category, country,
	equip_id, material_id, serial_id, trend_l1, trend_l2, trend_l3,
	issue_type, medium_text, long_text, created_at, updated_at
`

// Reader is the Snowflake-backed source.Reader implementation.
type Reader struct {
	db *sql.DB
}

// New opens a connection pool to Snowflake using the authenticator selected
// in cfg (password, externalbrowser, or oauth — exactly one, chosen here).
func New(cfg config.SourceConfig) (*Reader, error) {
	sfCfg := &sf.Config{
		Account:   cfg.Account,
		User:      cfg.User,
		Warehouse: cfg.Warehouse,
		Database:  cfg.Database,
		Schema:    cfg.Schema,
	}

	switch cfg.Authenticator {
	case domain.AuthPassword:
		sfCfg.Authenticator = sf.AuthTypeSnowflake
		sfCfg.Password = cfg.Password
	case domain.AuthExternalBrowser:
		sfCfg.Authenticator = sf.AuthTypeExternalBrowser
	case domain.AuthOAuth:
		sfCfg.Authenticator = sf.AuthTypeOAuth
		sfCfg.Token = cfg.Token
	default:
		return nil, &domain.ConfigError{Field: "source.authenticator", Reason: "unknown authenticator " + string(cfg.Authenticator)}
	}

	dsn, err := sf.DSN(sfCfg)
	if err != nil {
		return nil, &domain.SourceConnectError{Err: err}
	}

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, &domain.SourceConnectError{Err: err}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &domain.SourceConnectError{Err: err}
	}

	return &Reader{db: db}, nil
}

// Close releases the connection pool.
func (r *Reader) Close() { r.db.Close() }

// OpenStream opens a cursor over table, reading rows with
// (notified_at, notification_id) strictly greater than since.
func (r *Reader) OpenStream(ctx context.Context, table string, since domain.WatermarkCursor, batchSize int) (source.Cursor, error) {
	if err := r.db.PingContext(ctx); err != nil {
		return nil, &domain.SourceConnectError{Err: err}
	}
	return &Cursor{db: r.db, table: table, cursor: since, batchSize: batchSize}, nil
}

// Cursor streams one table's rows in ascending (watermark, identity) order.
// Not safe for concurrent use — one cursor per sync run per table.
type Cursor struct {
	db        *sql.DB
	table     string
	cursor    domain.WatermarkCursor
	batchSize int
	closed    bool
}

// FetchBatch returns up to batchSize rows after the cursor's current
// position; an empty, non-nil slice marks EOF.
func (c *Cursor) FetchBatch(ctx context.Context) ([]domain.WorkOrder, error) {
	if c.closed {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE (notified_at, notification_id) > (?, ?)
		ORDER BY notified_at ASC, notification_id ASC
		LIMIT %d
	`, selectColumns, c.table, c.batchSize)

	rows, err := c.db.QueryContext(ctx, query, c.cursor.Watermark, c.cursor.ID)
	if err != nil {
		return nil, &domain.SourceQueryError{Err: err}
	}
	defer rows.Close()

	batch := []domain.WorkOrder{}
	for rows.Next() {
		var wo domain.WorkOrder
		if err := rows.Scan(
			&wo.ID, &wo.NotifiedAt, &wo.AssignedAt, &wo.ClosedAt, &wo.Category, &wo.Country,
			&wo.EquipID, &wo.MaterialID, &wo.SerialID, &wo.TrendL1, &wo.TrendL2, &wo.TrendL3,
			&wo.IssueType, &wo.MediumText, &wo.LongText, &wo.CreatedAt, &wo.UpdatedAt,
		); err != nil {
			return nil, &domain.SourceQueryError{Err: err}
		}
		batch = append(batch, wo)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.SourceQueryError{Err: err}
	}

	if len(batch) > 0 {
		c.cursor = batch[len(batch)-1].Cursor()
	}
	return batch, nil
}

// Close is idempotent; a *sql.Rows is already closed per FetchBatch call, so
// there is no server-side cursor resource to release beyond the pool itself.
func (c *Cursor) Close(_ context.Context) {
	c.closed = true
}
