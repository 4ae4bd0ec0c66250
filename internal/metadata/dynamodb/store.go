// Package dynamodb implements the watermark/metadata store (C4) on top of a
// single DynamoDB table, using a conditional UpdateItem version CAS in place
// of postgres's advisory lock — DynamoDB has no session-scoped lock primitive,
// so the lease itself is expressed purely through the version condition.
package dynamodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/oakhealth/syncpipe/pkg/domain"
)

const skMeta = "META"

func pk(table string) string { return "TABLE#" + table }

// ddbAPI is the subset of *dynamodb.Client the store calls, narrowed so
// tests can inject a mock rather than talking to a real table.
type ddbAPI interface {
	GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DescribeTable(ctx context.Context, input *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Store is the DynamoDB-backed metadata.Store implementation.
type Store struct {
	client    ddbAPI
	tableName string
}

// Config names the DynamoDB table backing the store and an optional
// endpoint override for local testing (DynamoDB Local).
type Config struct {
	TableName string
	Region    string
	Endpoint  string
}

// New loads the default AWS config and verifies the table is reachable.
func New(ctx context.Context, cfg Config) (*Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var clientOpts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	client := dynamodb.NewFromConfig(awsCfg, clientOpts...)
	s := &Store{client: client, tableName: cfg.TableName}

	if _, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: &s.tableName}); err != nil {
		return nil, &domain.SinkConnectError{Err: err}
	}
	return s, nil
}

// Close is a no-op: the DynamoDB client holds no persistent connection.
func (s *Store) Close() {}

type item struct {
	PK               string `dynamodbav:"PK"`
	SK               string `dynamodbav:"SK"`
	LastWatermark    int64  `dynamodbav:"last_watermark"`
	RowsProcessed    int64  `dynamodbav:"rows_processed"`
	Status           string `dynamodbav:"status"`
	ErrorMessage     string `dynamodbav:"error_message"`
	CheckpointBlob   string `dynamodbav:"checkpoint_blob"`
	CheckpointAt     int64  `dynamodbav:"checkpoint_at"`
	BatchSize        int    `dynamodbav:"batch_size"`
	TotalRecords     int64  `dynamodbav:"total_records"`
	ProcessedRecords int64  `dynamodbav:"processed_records"`
	Version          int    `dynamodbav:"version"`
	UpdatedAt        int64  `dynamodbav:"updated_at"`
}

func (i *item) toDomain() *domain.ETLMetadata {
	md := &domain.ETLMetadata{
		TableName:        i.PK[len("TABLE#"):],
		LastWatermark:    time.Unix(i.LastWatermark, 0).UTC(),
		RowsProcessed:    i.RowsProcessed,
		Status:           domain.SyncStatus(i.Status),
		ErrorMessage:     i.ErrorMessage,
		BatchSize:        i.BatchSize,
		TotalRecords:     i.TotalRecords,
		ProcessedRecords: i.ProcessedRecords,
		Version:          i.Version,
		UpdatedAt:        time.Unix(i.UpdatedAt, 0).UTC(),
	}
	if i.CheckpointAt > 0 {
		md.CheckpointAt = time.Unix(i.CheckpointAt, 0).UTC()
	}
	if i.CheckpointBlob != "" {
		_ = json.Unmarshal([]byte(i.CheckpointBlob), &md.CheckpointBlob)
	}
	return md
}

// Read returns the current metadata row, creating it with defaults if absent.
func (s *Store) Read(ctx context.Context, table string) (*domain.ETLMetadata, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.tableName,
		ConsistentRead: aws.Bool(true),
		Key: map[string]ddbtypes.AttributeValue{
			"PK": &ddbtypes.AttributeValueMemberS{Value: pk(table)},
			"SK": &ddbtypes.AttributeValueMemberS{Value: skMeta},
		},
	})
	if err != nil {
		return nil, &domain.SinkTransient{Err: err}
	}
	if out.Item != nil {
		var it item
		if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
			return nil, fmt.Errorf("unmarshal metadata item: %w", err)
		}
		return it.toDomain(), nil
	}

	now := time.Now().UTC()
	it := item{
		PK:        pk(table),
		SK:        skMeta,
		Status:    string(domain.SyncPending),
		BatchSize: 1000,
		UpdatedAt: now.Unix(),
	}
	av, err := attributevalue.MarshalMap(&it)
	if err != nil {
		return nil, err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &s.tableName,
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil && !isConditionalCheckFailed(err) {
		return nil, &domain.SinkTransient{Err: err}
	}
	return s.Read(ctx, table)
}

// BeginRun flips status to in_progress under a version CAS. DynamoDB has no
// session lock, so a crashed run leaves status=in_progress until an operator
// or a future run observes the conflict and investigates — unlike postgres,
// there is no automatic lock release on process death.
func (s *Store) BeginRun(ctx context.Context, table string) (*domain.Lease, error) {
	md, err := s.Read(ctx, table)
	if err != nil {
		return nil, err
	}
	if md.Status == domain.SyncInProgress {
		return nil, &domain.MetadataConflict{TableName: table}
	}

	now := time.Now().UTC()
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]ddbtypes.AttributeValue{
			"PK": &ddbtypes.AttributeValueMemberS{Value: pk(table)},
			"SK": &ddbtypes.AttributeValueMemberS{Value: skMeta},
		},
		UpdateExpression: aws.String("SET #status = :inprogress, version = version + :one, updated_at = :now"),
		ConditionExpression: aws.String("version = :expected"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":inprogress": &ddbtypes.AttributeValueMemberS{Value: string(domain.SyncInProgress)},
			":one":        &ddbtypes.AttributeValueMemberN{Value: "1"},
			":now":        &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Unix())},
			":expected":   &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", md.Version)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return nil, &domain.MetadataConflict{TableName: table}
		}
		return nil, &domain.SinkTransient{Err: err}
	}

	md.Status = domain.SyncInProgress
	md.Version++
	return &domain.Lease{TableName: table, Version: md.Version, Metadata: *md}, nil
}

// Checkpoint persists incremental progress under the same version CAS chain.
func (s *Store) Checkpoint(ctx context.Context, lease *domain.Lease, watermark time.Time, counters domain.Counters, blob domain.Checkpoint) error {
	blobJSON, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("marshal checkpoint blob: %w", err)
	}
	now := time.Now().UTC()

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]ddbtypes.AttributeValue{
			"PK": &ddbtypes.AttributeValueMemberS{Value: pk(lease.TableName)},
			"SK": &ddbtypes.AttributeValueMemberS{Value: skMeta},
		},
		UpdateExpression: aws.String(`SET last_watermark = :watermark,
			rows_processed = rows_processed + :rows,
			processed_records = processed_records + :rows,
			checkpoint_blob = :blob, checkpoint_at = :now,
			version = version + :one, updated_at = :now`),
		ConditionExpression: aws.String("version = :expected"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":watermark": &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", watermark.Unix())},
			":rows":      &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", counters.RowsUpserted)},
			":blob":      &ddbtypes.AttributeValueMemberS{Value: string(blobJSON)},
			":now":       &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Unix())},
			":one":       &ddbtypes.AttributeValueMemberN{Value: "1"},
			":expected":  &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", lease.Version)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return &domain.MetadataConflict{TableName: lease.TableName}
		}
		return &domain.SinkTransient{Err: err}
	}
	lease.Version++
	return nil
}

// CommitRun finalizes the run as completed, never rewinding last_watermark.
func (s *Store) CommitRun(ctx context.Context, lease *domain.Lease, finalWatermark time.Time, counters domain.Counters) error {
	now := time.Now().UTC()
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]ddbtypes.AttributeValue{
			"PK": &ddbtypes.AttributeValueMemberS{Value: pk(lease.TableName)},
			"SK": &ddbtypes.AttributeValueMemberS{Value: skMeta},
		},
		UpdateExpression: aws.String(`SET #status = :completed,
			last_watermark = if_not_exists(last_watermark, :zero),
			rows_processed = rows_processed + :rows,
			version = version + :one, updated_at = :now`),
		ConditionExpression: aws.String("version = :expected"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":completed": &ddbtypes.AttributeValueMemberS{Value: string(domain.SyncCompleted)},
			":zero":      &ddbtypes.AttributeValueMemberN{Value: "0"},
			":rows":      &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", counters.RowsUpserted)},
			":now":       &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Unix())},
			":one":       &ddbtypes.AttributeValueMemberN{Value: "1"},
			":expected":  &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", lease.Version)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return &domain.MetadataConflict{TableName: lease.TableName}
		}
		return &domain.SinkTransient{Err: err}
	}

	// DynamoDB has no server-side GREATEST(); apply monotonicity client-side
	// with a second conditional write only when the new watermark is ahead.
	current, err := s.Read(ctx, lease.TableName)
	if err != nil {
		return err
	}
	if !finalWatermark.After(current.LastWatermark) {
		return nil
	}
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]ddbtypes.AttributeValue{
			"PK": &ddbtypes.AttributeValueMemberS{Value: pk(lease.TableName)},
			"SK": &ddbtypes.AttributeValueMemberS{Value: skMeta},
		},
		UpdateExpression:    aws.String("SET last_watermark = :watermark"),
		ConditionExpression: aws.String("last_watermark < :watermark"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":watermark": &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", finalWatermark.Unix())},
		},
	})
	if err != nil && !isConditionalCheckFailed(err) {
		return &domain.SinkTransient{Err: err}
	}
	return nil
}

// AbortRun marks the run failed without touching last_watermark.
func (s *Store) AbortRun(ctx context.Context, lease *domain.Lease, errMsg string) error {
	now := time.Now().UTC()
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]ddbtypes.AttributeValue{
			"PK": &ddbtypes.AttributeValueMemberS{Value: pk(lease.TableName)},
			"SK": &ddbtypes.AttributeValueMemberS{Value: skMeta},
		},
		UpdateExpression:    aws.String("SET #status = :failed, error_message = :msg, version = version + :one, updated_at = :now"),
		ConditionExpression: aws.String("version = :expected"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":failed":   &ddbtypes.AttributeValueMemberS{Value: string(domain.SyncFailed)},
			":msg":      &ddbtypes.AttributeValueMemberS{Value: errMsg},
			":now":      &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Unix())},
			":one":      &ddbtypes.AttributeValueMemberN{Value: "1"},
			":expected": &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", lease.Version)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return &domain.MetadataConflict{TableName: lease.TableName}
		}
		return &domain.SinkTransient{Err: err}
	}
	return nil
}

// isConditionalCheckFailed returns true if err is a DynamoDB
// ConditionalCheckFailedException.
func isConditionalCheckFailed(err error) bool {
	var ccfe *ddbtypes.ConditionalCheckFailedException
	return errors.As(err, &ccfe)
}
