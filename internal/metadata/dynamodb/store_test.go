package dynamodb

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakhealth/syncpipe/pkg/domain"
)

// mockDDB is a minimal mock of ddbAPI for unit testing.
type mockDDB struct {
	getItemFn      func(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	putItemFn      func(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	updateItemFn   func(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	describeTableFn func(ctx context.Context, input *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

func (m *mockDDB) GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if m.getItemFn != nil {
		return m.getItemFn(ctx, input, opts...)
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (m *mockDDB) PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if m.putItemFn != nil {
		return m.putItemFn(ctx, input, opts...)
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDDB) UpdateItem(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	if m.updateItemFn != nil {
		return m.updateItemFn(ctx, input, opts...)
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (m *mockDDB) DescribeTable(ctx context.Context, input *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	if m.describeTableFn != nil {
		return m.describeTableFn(ctx, input, opts...)
	}
	return &dynamodb.DescribeTableOutput{}, nil
}

func itemAV(t *testing.T, it item) map[string]ddbtypes.AttributeValue {
	t.Helper()
	av, err := attributevalue.MarshalMap(&it)
	require.NoError(t, err)
	return av
}

func TestRead_CreatesRowWhenAbsent(t *testing.T) {
	var putCalled bool
	mock := &mockDDB{
		getItemFn: func(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			if putCalled {
				return &dynamodb.GetItemOutput{Item: itemAV(t, item{PK: pk("notification_text"), SK: skMeta, Status: string(domain.SyncPending), BatchSize: 1000})}, nil
			}
			return &dynamodb.GetItemOutput{}, nil
		},
		putItemFn: func(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			putCalled = true
			return &dynamodb.PutItemOutput{}, nil
		},
	}
	s := &Store{client: mock, tableName: "syncpipe"}

	md, err := s.Read(context.Background(), "notification_text")
	require.NoError(t, err)
	assert.Equal(t, "notification_text", md.TableName)
	assert.Equal(t, domain.SyncPending, md.Status)
}

func TestBeginRun_ConflictsWhenAlreadyInProgress(t *testing.T) {
	mock := &mockDDB{
		getItemFn: func(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: itemAV(t, item{PK: pk("notification_text"), SK: skMeta, Status: string(domain.SyncInProgress), Version: 2})}, nil
		},
	}
	s := &Store{client: mock, tableName: "syncpipe"}

	_, err := s.BeginRun(context.Background(), "notification_text")
	var conflict *domain.MetadataConflict
	assert.ErrorAs(t, err, &conflict)
}

func TestBeginRun_ConditionFailureReturnsConflict(t *testing.T) {
	mock := &mockDDB{
		getItemFn: func(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: itemAV(t, item{PK: pk("notification_text"), SK: skMeta, Status: string(domain.SyncPending), Version: 1})}, nil
		},
		updateItemFn: func(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
			return nil, &ddbtypes.ConditionalCheckFailedException{}
		},
	}
	s := &Store{client: mock, tableName: "syncpipe"}

	_, err := s.BeginRun(context.Background(), "notification_text")
	var conflict *domain.MetadataConflict
	assert.ErrorAs(t, err, &conflict)
}

func TestBeginRun_Succeeds(t *testing.T) {
	mock := &mockDDB{
		getItemFn: func(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: itemAV(t, item{PK: pk("notification_text"), SK: skMeta, Status: string(domain.SyncPending), Version: 1})}, nil
		},
	}
	s := &Store{client: mock, tableName: "syncpipe"}

	lease, err := s.BeginRun(context.Background(), "notification_text")
	require.NoError(t, err)
	assert.Equal(t, 2, lease.Version)
	assert.Equal(t, domain.SyncInProgress, lease.Metadata.Status)
}

func TestCommitRun_SkipsRewindWhenWatermarkOlder(t *testing.T) {
	updateCalls := 0
	mock := &mockDDB{
		getItemFn: func(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: itemAV(t, item{
				PK: pk("notification_text"), SK: skMeta, Status: string(domain.SyncCompleted),
				Version: 3, LastWatermark: time.Now().Add(time.Hour).Unix(),
			})}, nil
		},
		updateItemFn: func(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
			updateCalls++
			return &dynamodb.UpdateItemOutput{}, nil
		},
	}
	s := &Store{client: mock, tableName: "syncpipe"}
	lease := &domain.Lease{TableName: "notification_text", Version: 2}

	// finalWatermark is now, but the stored row already holds a watermark an
	// hour in the future: the second, rewind-guarding UpdateItem must not fire.
	err := s.CommitRun(context.Background(), lease, time.Now(), domain.Counters{RowsUpserted: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, updateCalls, "only the status-flip update should run, not the watermark-advance one")
}
