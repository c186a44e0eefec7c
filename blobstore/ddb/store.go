// Package ddb stores blobs as DynamoDB items.
//
// Each blob is one item with a string partition key and a binary payload.
// DynamoDB items are capped at 400 KB, which comfortably holds framed
// device blocks.
//
// Table schema:
//   - Partition key: name (string)
//   - Attribute: data (binary)
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name kcore-blocks \
//	  --attribute-definitions AttributeName=name,AttributeType=S \
//	  --key-schema AttributeName=name,KeyType=HASH \
//	  --billing-mode PAY_PER_REQUEST
package ddb

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/kcore/blobstore"
)

const (
	attrName = "name"
	attrData = "data"
)

// Client is the interface for DynamoDB operations.
type Client interface {
	dynamodb.ScanAPIClient
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Store implements blobstore.Store on a DynamoDB table.
type Store struct {
	client Client
	table  string
	prefix string
}

// NewStore creates a new DynamoDB blob store.
// rootPrefix is prepended to every item key.
func NewStore(client Client, table, rootPrefix string) *Store {
	return &Store{
		client: client,
		table:  table,
		prefix: rootPrefix,
	}
}

func (s *Store) key(name string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrName: &types.AttributeValueMemberS{Value: path.Join(s.prefix, name)},
	}
}

// Get reads a blob with a strongly consistent read.
func (s *Store) Get(ctx context.Context, name string) ([]byte, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.key(name),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("ddb: get %s: %w", name, err)
	}
	if resp.Item == nil {
		return nil, blobstore.ErrNotFound
	}

	data, ok := resp.Item[attrData].(*types.AttributeValueMemberB)
	if !ok {
		return nil, fmt.Errorf("ddb: item %s has no binary %q attribute", name, attrData)
	}
	return data.Value, nil
}

// Put writes a blob. A single PutItem replaces the item atomically.
func (s *Store) Put(ctx context.Context, name string, data []byte) error {
	item := s.key(name)
	item[attrData] = &types.AttributeValueMemberB{Value: data}

	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("ddb: put %s: %w", name, err)
	}
	return nil
}

// Delete removes a blob.
func (s *Store) Delete(ctx context.Context, name string) error {
	if _, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       s.key(name),
	}); err != nil {
		return fmt.Errorf("ddb: delete %s: %w", name, err)
	}
	return nil
}

// List scans the table for keys below prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	full := path.Join(s.prefix, prefix)
	if prefix == "" && s.prefix != "" {
		full += "/"
	}

	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                aws.String(s.table),
		ProjectionExpression:     aws.String("#n"),
		FilterExpression:         aws.String("begins_with(#n, :p)"),
		ExpressionAttributeNames: map[string]string{"#n": attrName},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p": &types.AttributeValueMemberS{Value: full},
		},
	})

	var names []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("ddb: scan: %w", err)
		}
		for _, item := range page.Items {
			v, ok := item[attrName].(*types.AttributeValueMemberS)
			if !ok {
				continue
			}
			rel := strings.TrimPrefix(v.Value, s.prefix)
			rel = strings.TrimPrefix(rel, "/")
			if rel != "" {
				names = append(names, rel)
			}
		}
	}
	sort.Strings(names)
	return names, nil
}
