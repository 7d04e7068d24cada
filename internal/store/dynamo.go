package store

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// dynamoItem mirrors one table item. ExpiresAt feeds the table's native TTL
// attribute, so DynamoDB removes stale contexts without a sweep.
type dynamoItem struct {
	Key       string `dynamodbav:"pk"`
	Value     []byte `dynamodbav:"value"`
	ExpiresAt int64  `dynamodbav:"expires_at,omitempty"`
}

// dynamoAPI abstracts the DynamoDB calls we use, enabling test mocks.
type dynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoStore persists keys in a DynamoDB table keyed by "pk".
type DynamoStore struct {
	client dynamoAPI
	table  string
}

// DynamoOpts holds parameters for the dynamodb backend.
type DynamoOpts struct {
	Table  string
	Region string // optional; the SDK's default chain applies when empty
	// For testing: inject a mock client instead of the real service.
	Client dynamoAPI
}

// NewDynamoStore builds the backend, loading AWS credentials from the
// default chain unless a client is injected.
func NewDynamoStore(ctx context.Context, opts DynamoOpts) (*DynamoStore, error) {
	if opts.Table == "" {
		return nil, fmt.Errorf("store: dynamodb backend: table is required")
	}
	client := opts.Client
	if client == nil {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if opts.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("store: dynamodb backend: load aws config: %w", err)
		}
		client = dynamodb.NewFromConfig(cfg)
	}
	return &DynamoStore{client: client, table: opts.Table}, nil
}

// Get fetches the item for key. Items past their TTL that DynamoDB has not
// yet removed are treated as absent.
func (d *DynamoStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.table),
		Key:       d.keyAttr(key),
	})
	if err != nil {
		return nil, false, fmt.Errorf("store: dynamodb backend: get %s: %w", key, err)
	}
	if out.Item == nil {
		return nil, false, nil
	}
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, false, fmt.Errorf("store: dynamodb backend: decode %s: %w", key, err)
	}
	if item.ExpiresAt > 0 && time.Now().Unix() > item.ExpiresAt {
		return nil, false, nil
	}
	return item.Value, true, nil
}

// Set writes the item, recording TTL as an epoch-seconds attribute.
func (d *DynamoStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	item := dynamoItem{Key: key, Value: value}
	if ttl > 0 {
		item.ExpiresAt = time.Now().Add(ttl).Unix()
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("store: dynamodb backend: encode %s: %w", key, err)
	}
	if _, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      av,
	}); err != nil {
		return fmt.Errorf("store: dynamodb backend: put %s: %w", key, err)
	}
	return nil
}

// Delete removes the item; absence is not an error.
func (d *DynamoStore) Delete(ctx context.Context, key string) error {
	if _, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key:       d.keyAttr(key),
	}); err != nil {
		return fmt.Errorf("store: dynamodb backend: delete %s: %w", key, err)
	}
	return nil
}

func (d *DynamoStore) keyAttr(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: key},
	}
}
