package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDBStore is the remote-conditional-kv catalog backend, selected by
// METADATA_DATABASE_TYPE=remote-conditional-kv. Rows are keyed by public_id.
type DynamoDBStore struct {
	client    *dynamodb.Client
	tableName string
}

// NewDynamoDBStore creates a catalog Store backed by the given DynamoDB table.
func NewDynamoDBStore(client *dynamodb.Client, tableName string) *DynamoDBStore {
	return &DynamoDBStore{client: client, tableName: tableName}
}

// Create inserts a new index item, failing if the public id already exists.
func (s *DynamoDBStore) Create(ctx context.Context, idx *Index) error {
	surrogateID, err := randomAlnum(16)
	if err != nil {
		return fmt.Errorf("generating surrogate id: %w", err)
	}
	idx.CreatedAt = time.Now().UTC()

	item := indexToItem(idx, surrogateID)
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(public_id)"),
	})
	if err != nil {
		return fmt.Errorf("creating index: %w", err)
	}
	return nil
}

// Get fetches a non-deleted index by public id.
func (s *DynamoDBStore) Get(ctx context.Context, publicID string) (*Index, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"public_id": &types.AttributeValueMemberS{Value: publicID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("getting index: %w", err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("index %q: %w", publicID, ErrNotFound)
	}

	idx, err := itemToIndex(out.Item)
	if err != nil {
		return nil, fmt.Errorf("decoding index item: %w", err)
	}
	if idx.DeletedAt != nil {
		return nil, fmt.Errorf("index %q: %w", publicID, ErrNotFound)
	}
	return idx, nil
}

// ListByAuthz scans the table for items owned by authzID.
//
// DynamoDB has no secondary index configured for authz_id in this
// deployment, so this falls back to a full table scan with a filter
// expression, paging through LastEvaluatedKey until the scan is exhausted.
func (s *DynamoDBStore) ListByAuthz(ctx context.Context, authzID string) ([]*Index, error) {
	var out []*Index
	var startKey map[string]types.AttributeValue

	for {
		resp, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(s.tableName),
			FilterExpression:          aws.String("authz_id = :a"),
			ExpressionAttributeValues: map[string]types.AttributeValue{":a": &types.AttributeValueMemberS{Value: authzID}},
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("listing indexes: %w", err)
		}

		for _, item := range resp.Items {
			idx, err := itemToIndex(item)
			if err != nil {
				return nil, fmt.Errorf("decoding index item: %w", err)
			}
			if idx.DeletedAt == nil {
				out = append(out, idx)
			}
		}

		if resp.LastEvaluatedKey == nil {
			break
		}
		startKey = resp.LastEvaluatedKey
	}

	return out, nil
}

// Delete soft-deletes the index, then best-effort hard-deletes the
// underlying item, swallowing any hard-delete failure; the soft-delete
// write is authoritative.
func (s *DynamoDBStore) Delete(ctx context.Context, publicID string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"public_id": &types.AttributeValueMemberS{Value: publicID},
		},
		UpdateExpression:          aws.String("SET deleted_at = :d"),
		ConditionExpression:       aws.String("attribute_exists(public_id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":d": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)}},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return fmt.Errorf("index %q: %w", publicID, ErrNotFound)
		}
		return fmt.Errorf("soft-deleting index: %w", err)
	}

	// Best-effort hard delete; failures here don't affect correctness since
	// Get/ListByAuthz already filter on deleted_at.
	_, _ = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"public_id": &types.AttributeValueMemberS{Value: publicID},
		},
	})

	return nil
}

// UpdateSize sets the cached size counter for an index.
func (s *DynamoDBStore) UpdateSize(ctx context.Context, publicID string, size int64) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"public_id": &types.AttributeValueMemberS{Value: publicID},
		},
		UpdateExpression:          aws.String("SET #sz = :s"),
		ExpressionAttributeNames:  map[string]string{"#sz": "size"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":s": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", size)}},
		ConditionExpression:       aws.String("attribute_exists(public_id)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return fmt.Errorf("index %q: %w", publicID, ErrNotFound)
		}
		return fmt.Errorf("updating index size: %w", err)
	}
	return nil
}

// Ping verifies the table is reachable.
func (s *DynamoDBStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.tableName)})
	if err != nil {
		return fmt.Errorf("describing catalog table: %w", err)
	}
	return nil
}

func indexToItem(idx *Index, surrogateID string) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"id":                 &types.AttributeValueMemberS{Value: surrogateID},
		"public_id":          &types.AttributeValueMemberS{Value: idx.PublicID},
		"name":               &types.AttributeValueMemberS{Value: idx.Name},
		"authz_id":           &types.AttributeValueMemberS{Value: idx.AuthzID},
		"project_uuid":       &types.AttributeValueMemberS{Value: idx.ProjectUUID},
		"fetch_entries_key":  &types.AttributeValueMemberB{Value: idx.FetchEntriesKey[:]},
		"fetch_chains_key":   &types.AttributeValueMemberB{Value: idx.FetchChainsKey[:]},
		"upsert_entries_key": &types.AttributeValueMemberB{Value: idx.UpsertEntriesKey[:]},
		"insert_chains_key":  &types.AttributeValueMemberB{Value: idx.InsertChainsKey[:]},
		"created_at":         &types.AttributeValueMemberS{Value: idx.CreatedAt.Format(time.RFC3339)},
	}
	return item
}

func itemToIndex(item map[string]types.AttributeValue) (*Index, error) {
	idx := &Index{}

	s, err := stringAttr(item, "public_id")
	if err != nil {
		return nil, err
	}
	idx.PublicID = s

	if idx.Name, err = stringAttr(item, "name"); err != nil {
		return nil, err
	}
	if idx.AuthzID, err = stringAttr(item, "authz_id"); err != nil {
		return nil, err
	}
	if idx.ProjectUUID, err = stringAttr(item, "project_uuid"); err != nil {
		return nil, err
	}

	for col, dst := range map[string]*[16]byte{
		"fetch_entries_key":  &idx.FetchEntriesKey,
		"fetch_chains_key":   &idx.FetchChainsKey,
		"upsert_entries_key": &idx.UpsertEntriesKey,
		"insert_chains_key":  &idx.InsertChainsKey,
	} {
		b, err := bytesAttr(item, col)
		if err != nil {
			return nil, err
		}
		copy(dst[:], b)
	}

	createdAtStr, err := stringAttr(item, "created_at")
	if err != nil {
		return nil, err
	}
	createdAt, err := time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	idx.CreatedAt = createdAt

	if av, ok := item["deleted_at"]; ok {
		if member, ok := av.(*types.AttributeValueMemberS); ok {
			t, err := time.Parse(time.RFC3339, member.Value)
			if err == nil {
				idx.DeletedAt = &t
			}
		}
	}

	return idx, nil
}

func stringAttr(item map[string]types.AttributeValue, key string) (string, error) {
	av, ok := item[key]
	if !ok {
		return "", fmt.Errorf("missing attribute %q", key)
	}
	member, ok := av.(*types.AttributeValueMemberS)
	if !ok {
		return "", errors.New("attribute " + key + " is not a string")
	}
	return member.Value, nil
}

func bytesAttr(item map[string]types.AttributeValue, key string) ([]byte, error) {
	av, ok := item[key]
	if !ok {
		return nil, fmt.Errorf("missing attribute %q", key)
	}
	member, ok := av.(*types.AttributeValueMemberB)
	if !ok {
		return nil, errors.New("attribute " + key + " is not binary")
	}
	return member.Value, nil
}
