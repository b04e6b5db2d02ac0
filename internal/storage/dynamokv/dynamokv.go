// Package dynamokv implements the remote conditional-put storage backend
// over DynamoDB: CAS via conditional PutItem/UpdateItem, batched reads and
// chain writes, and bounded per-row parallelism for upserts.
package dynamokv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"golang.org/x/sync/errgroup"

	"github.com/cosmian/findex-cloud/internal/catalog"
)

const (
	// maxReadElements is the BatchGetItem key limit imposed by DynamoDB.
	maxReadElements = 100
	// maxWriteElements is the BatchWriteItem item limit imposed by DynamoDB.
	maxWriteElements = 25
	// maxParallelUpserts bounds the number of in-flight conditional writes.
	// DynamoDB has no conditional batching, so upsert rows are dispatched
	// individually; too many in flight trips provider throttling.
	maxParallelUpserts = 30

	idColumn = "id"
	// "value" is a reserved keyword in DynamoDB.
	valueColumn = "value_bytes"
)

// Engine is the remote-conditional-kv storage backend.
type Engine struct {
	client       *dynamodb.Client
	entriesTable string
	chainsTable  string
	logger       *slog.Logger
}

// New creates a dynamokv Engine against the given entries and chains tables.
// Both tables are expected to exist with a binary hash key named "id".
func New(client *dynamodb.Client, entriesTable, chainsTable string, logger *slog.Logger) *Engine {
	return &Engine{
		client:       client,
		entriesTable: entriesTable,
		chainsTable:  chainsTable,
		logger:       logger,
	}
}

func (e *Engine) tableName(table catalog.Table) string {
	if table == catalog.TableChains {
		return e.chainsTable
	}
	return e.entriesTable
}

// rowKey composes the physical hash key: the index public id bytes followed
// by the 32-byte uid. The uid is recovered from the tail on read.
func rowKey(idx *catalog.Index, uid [32]byte) []byte {
	key := make([]byte, 0, len(idx.PublicID)+len(uid))
	key = append(key, idx.PublicID...)
	key = append(key, uid[:]...)
	return key
}

// uidFromRowKey recovers the uid from the tail of a physical key.
func uidFromRowKey(key []byte) ([32]byte, error) {
	var uid [32]byte
	if len(key) < len(uid) {
		return uid, fmt.Errorf("physical key shorter than a uid: %d bytes", len(key))
	}
	copy(uid[:], key[len(key)-len(uid):])
	return uid, nil
}

func (e *Engine) Ping(ctx context.Context) error {
	for _, table := range []string{e.entriesTable, e.chainsTable} {
		if _, err := e.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)}); err != nil {
			return fmt.Errorf("describing table %s: %w", table, err)
		}
	}
	return nil
}

// Fetch batch-gets the stored values for uids in table, chunked at the
// provider's 100-key BatchGetItem limit. Unprocessed keys are retried until
// the provider drains them.
func (e *Engine) Fetch(ctx context.Context, idx *catalog.Index, table catalog.Table, uids [][32]byte) (map[[32]byte][]byte, error) {
	out := make(map[[32]byte][]byte, len(uids))
	if len(uids) == 0 {
		return out, nil
	}

	tableName := e.tableName(table)

	for start := 0; start < len(uids); start += maxReadElements {
		end := start + maxReadElements
		if end > len(uids) {
			end = len(uids)
		}

		keys := make([]map[string]types.AttributeValue, 0, end-start)
		for _, uid := range uids[start:end] {
			keys = append(keys, map[string]types.AttributeValue{
				idColumn: &types.AttributeValueMemberB{Value: rowKey(idx, uid)},
			})
		}

		requests := map[string]types.KeysAndAttributes{tableName: {Keys: keys}}
		for len(requests) > 0 {
			resp, err := e.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: requests})
			if err != nil {
				return nil, fmt.Errorf("batch-getting rows: %w", err)
			}

			for _, item := range resp.Responses[tableName] {
				uid, value, err := decodeItem(item)
				if err != nil {
					return nil, err
				}
				out[uid] = value
			}

			requests = nil
			if remaining, ok := resp.UnprocessedKeys[tableName]; ok && len(remaining.Keys) > 0 {
				requests = map[string]types.KeysAndAttributes{tableName: remaining}
			}
		}
	}

	return out, nil
}

// UpsertEntries fans the rows out as individual conditional writes with at
// most maxParallelUpserts in flight, collecting rejected rows as they land.
func (e *Engine) UpsertEntries(ctx context.Context, idx *catalog.Index, rows []catalog.UpsertRow) (map[[32]byte][]byte, error) {
	rejected := make(map[[32]byte][]byte)
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelUpserts)

	for _, row := range rows {
		row := row
		g.Go(func() error {
			stored, ok, err := e.upsertOne(ctx, idx, row)
			if err != nil {
				return err
			}
			if !ok {
				mu.Lock()
				rejected[row.UID] = stored
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rejected, nil
}

// upsertOne performs a single conditional write. ok is true when the write
// was accepted; otherwise stored holds the value currently in the table.
func (e *Engine) upsertOne(ctx context.Context, idx *catalog.Index, row catalog.UpsertRow) (stored []byte, ok bool, err error) {
	key := rowKey(idx, row.UID)

	if row.OldValue == nil {
		_, err = e.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(e.entriesTable),
			Item: map[string]types.AttributeValue{
				idColumn:    &types.AttributeValueMemberB{Value: key},
				valueColumn: &types.AttributeValueMemberB{Value: row.NewValue},
			},
			ConditionExpression: aws.String("attribute_not_exists(" + idColumn + ")"),
		})
	} else {
		_, err = e.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(e.entriesTable),
			Key: map[string]types.AttributeValue{
				idColumn: &types.AttributeValueMemberB{Value: key},
			},
			UpdateExpression:    aws.String("SET " + valueColumn + " = :new"),
			ConditionExpression: aws.String(valueColumn + " = :old"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":old": &types.AttributeValueMemberB{Value: row.OldValue},
				":new": &types.AttributeValueMemberB{Value: row.NewValue},
			},
		})
	}

	if err == nil {
		return nil, true, nil
	}

	var condErr *types.ConditionalCheckFailedException
	if !errors.As(err, &condErr) {
		return nil, false, fmt.Errorf("conditional write: %w", err)
	}

	// The provider doesn't return the conflicting value in the error, so a
	// follow-up read learns it for the client's retry.
	resp, err := e.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(e.entriesTable),
		Key: map[string]types.AttributeValue{
			idColumn: &types.AttributeValueMemberB{Value: key},
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("reading conflicting row: %w", err)
	}
	if resp.Item == nil {
		// Caller expected an existing value but none is stored.
		e.logger.Error("upsert_entries: old value expected but row absent",
			"index", idx.PublicID, "uid", fmt.Sprintf("%x", row.UID))
		return []byte{}, false, nil
	}

	value, ok2 := resp.Item[valueColumn].(*types.AttributeValueMemberB)
	if !ok2 {
		return nil, false, fmt.Errorf("row %x has no binary %s attribute", row.UID, valueColumn)
	}
	return value.Value, false, nil
}

// InsertChains batch-writes the rows in chunks of the provider's 25-item
// BatchWriteItem limit, retrying unprocessed items until drained.
func (e *Engine) InsertChains(ctx context.Context, idx *catalog.Index, values map[[32]byte][]byte) error {
	requests := make([]types.WriteRequest, 0, len(values))
	for uid, value := range values {
		requests = append(requests, types.WriteRequest{
			PutRequest: &types.PutRequest{
				Item: map[string]types.AttributeValue{
					idColumn:    &types.AttributeValueMemberB{Value: rowKey(idx, uid)},
					valueColumn: &types.AttributeValueMemberB{Value: value},
				},
			},
		})
	}

	for start := 0; start < len(requests); start += maxWriteElements {
		end := start + maxWriteElements
		if end > len(requests) {
			end = len(requests)
		}

		pending := requests[start:end]
		for len(pending) > 0 {
			resp, err := e.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: map[string][]types.WriteRequest{e.chainsTable: pending},
			})
			if err != nil {
				return fmt.Errorf("batch-writing chains: %w", err)
			}
			pending = resp.UnprocessedItems[e.chainsTable]
		}
	}

	return nil
}

// SetSize is a no-op: the provider cannot answer a per-index byte total
// without a full scan, so the size estimate stays unset.
func (e *Engine) SetSize(_ context.Context, idx *catalog.Index) error {
	idx.Size = nil
	return nil
}

func decodeItem(item map[string]types.AttributeValue) ([32]byte, []byte, error) {
	var uid [32]byte

	id, ok := item[idColumn].(*types.AttributeValueMemberB)
	if !ok {
		return uid, nil, errors.New("item has no binary id attribute")
	}
	uid, err := uidFromRowKey(id.Value)
	if err != nil {
		return uid, nil, err
	}

	value, ok := item[valueColumn].(*types.AttributeValueMemberB)
	if !ok {
		return uid, nil, fmt.Errorf("item %x has no binary %s attribute", uid, valueColumn)
	}
	return uid, value.Value, nil
}
