package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jasieqb/LoRa-mesh-thesis/internal/logging"
)

const (
	dynamoBatchLimit = 25
	maxRetries       = 3

	// DefaultRetention is how long a point lives in the table before its
	// expires_at attribute lets DynamoDB TTL remove it.
	DefaultRetention = 7 * 24 * time.Hour
)

// ErrUnprocessed is returned when DynamoDB still reports unprocessed items
// after every retry.
var ErrUnprocessed = errors.New("store: unprocessed items after retries")

// DynamoAPI is the subset of the DynamoDB client Dynamo uses.
type DynamoAPI interface {
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// item is the table row for one point. device_id is the partition key and
// sk the sort key.
type item struct {
	DeviceID    string  `dynamodbav:"device_id"`
	SortKey     string  `dynamodbav:"sk"`
	Timestamp   int64   `dynamodbav:"timestamp"`
	Measurement string  `dynamodbav:"measurement"`
	MessageID   string  `dynamodbav:"message_id"`
	Value       float64 `dynamodbav:"value"`
	ExpiresAt   int64   `dynamodbav:"expires_at"`
}

// Dynamo writes points to a DynamoDB table.
type Dynamo struct {
	Client    DynamoAPI
	TableName string
	Retention time.Duration // defaults to DefaultRetention

	// backoff before retry attempt n (1-based); defaults to 100ms doubling.
	backoff func(attempt int) time.Duration
}

// NewDynamo builds a Dynamo from the default AWS configuration chain and the
// DYNAMODB_TABLE_NAME environment variable.
func NewDynamo(ctx context.Context) (*Dynamo, error) {
	tableName := os.Getenv("DYNAMODB_TABLE_NAME")
	if tableName == "" {
		return nil, fmt.Errorf("DYNAMODB_TABLE_NAME environment variable is not set")
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: load aws config: %w", err)
	}
	return &Dynamo{
		Client:    dynamodb.NewFromConfig(cfg),
		TableName: tableName,
	}, nil
}

func (s *Dynamo) item(p Point, now time.Time) item {
	ts := p.Time
	if ts.IsZero() {
		ts = now
	}
	retention := s.Retention
	if retention == 0 {
		retention = DefaultRetention
	}
	return item{
		DeviceID:    p.Device,
		SortKey:     p.Measurement + "#" + strconv.FormatInt(ts.UnixNano(), 10) + "#" + p.MessageID,
		Timestamp:   ts.Unix(),
		Measurement: p.Measurement,
		MessageID:   p.MessageID,
		Value:       p.Value,
		ExpiresAt:   now.Add(retention).Unix(),
	}
}

// Save writes points in batches of 25, retrying unprocessed items.
func (s *Dynamo) Save(ctx context.Context, points []Point) error {
	now := time.Now()
	requests := make([]types.WriteRequest, 0, len(points))
	for _, p := range points {
		if err := p.validate(); err != nil {
			return err
		}
		av, err := attributevalue.MarshalMap(s.item(p, now))
		if err != nil {
			return fmt.Errorf("failed to marshal point: %w", err)
		}
		requests = append(requests, types.WriteRequest{
			PutRequest: &types.PutRequest{Item: av},
		})
	}

	for start := 0; start < len(requests); start += dynamoBatchLimit {
		end := min(start+dynamoBatchLimit, len(requests))
		if err := s.writeBatchWithRetry(ctx, requests[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Dynamo) writeBatchWithRetry(ctx context.Context, batch []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{s.TableName: batch}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, s.retryDelay(attempt)); err != nil {
				return err
			}
			logging.Debugf("store: retrying %d unprocessed item(s), attempt %d", len(pending[s.TableName]), attempt)
		}

		out, err := s.Client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: pending,
		})
		if err != nil {
			return fmt.Errorf("failed to batch write telemetry: %w", err)
		}
		left := out.UnprocessedItems[s.TableName]
		if len(left) == 0 {
			return nil
		}
		pending = map[string][]types.WriteRequest{s.TableName: left}
	}
	return fmt.Errorf("%w: %d item(s) in %s", ErrUnprocessed, len(pending[s.TableName]), s.TableName)
}

func (s *Dynamo) retryDelay(attempt int) time.Duration {
	if s.backoff != nil {
		return s.backoff(attempt)
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
