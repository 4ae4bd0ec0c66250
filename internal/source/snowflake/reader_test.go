//go:build integration

package snowflake

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oakhealth/syncpipe/internal/config"
	"github.com/oakhealth/syncpipe/pkg/domain"
)

func setupTestReader(t *testing.T) *Reader {
	t.Helper()

	account := os.Getenv("SYNCPIPE_TEST_SNOWFLAKE_ACCOUNT")
	if account == "" {
		t.Skip("SYNCPIPE_TEST_SNOWFLAKE_ACCOUNT not set")
	}

	reader, err := New(config.SourceConfig{
		Account:       account,
		User:          os.Getenv("SYNCPIPE_TEST_SNOWFLAKE_USER"),
		Warehouse:     os.Getenv("SYNCPIPE_TEST_SNOWFLAKE_WAREHOUSE"),
		Database:      os.Getenv("SYNCPIPE_TEST_SNOWFLAKE_DATABASE"),
		Schema:        os.Getenv("SYNCPIPE_TEST_SNOWFLAKE_SCHEMA"),
		Authenticator: domain.AuthPassword,
		Password:      os.Getenv("SYNCPIPE_TEST_SNOWFLAKE_PASSWORD"),
	})
	if err != nil {
		t.Skipf("Snowflake not available: %v", err)
	}
	t.Cleanup(reader.Close)
	return reader
}

func TestOpenStream_FetchBatch_PaginatesByWatermarkThenIdentity(t *testing.T) {
	reader := setupTestReader(t)
	ctx := context.Background()

	cursor, err := reader.OpenStream(ctx, "notification_text", domain.WatermarkCursor{}, 2)
	require.NoError(t, err)
	defer cursor.Close(ctx)

	first, err := cursor.FetchBatch(ctx)
	require.NoError(t, err)
	require.LessOrEqual(t, len(first), 2)

	for i := 1; i < len(first); i++ {
		require.True(t, first[i-1].Cursor().Less(first[i].Cursor()) || first[i-1].Cursor() == first[i].Cursor())
	}
}

func TestFetchBatch_ReturnsEmptyNonNilAtEOF(t *testing.T) {
	reader := setupTestReader(t)
	ctx := context.Background()

	cursor, err := reader.OpenStream(ctx, "notification_text", domain.WatermarkCursor{Watermark: time.Now().Add(100 * 365 * 24 * time.Hour)}, 10)
	require.NoError(t, err)
	defer cursor.Close(ctx)

	batch, err := cursor.FetchBatch(ctx)
	require.NoError(t, err)
	require.NotNil(t, batch)
	require.Len(t, batch, 0)
}
