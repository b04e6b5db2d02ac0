// Package boltkv implements the non-transactional ordered-kv storage backend
// over bbolt: a single writer transaction per request, snapshot reads, one
// bucket per (index, table) pair keyed by uid.
package boltkv

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cosmian/findex-cloud/internal/catalog"
)

var sizeBucketSuffix = []byte("__size")

// Engine is the non-tx-kv storage backend.
type Engine struct {
	db      *bolt.DB
	catalog catalog.Store
	logger  *slog.Logger
}

// New opens (or creates) the bbolt database file under dataDir.
func New(dataDir string, catalogStore catalog.Store, logger *slog.Logger) (*Engine, error) {
	dbPath := filepath.Join(dataDir, "findex_cloud.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt database: %w", err)
	}

	return &Engine{db: db, catalog: catalogStore, logger: logger}, nil
}

func (e *Engine) Close() error {
	return e.db.Close()
}

func (e *Engine) Ping(_ context.Context) error {
	return e.db.View(func(tx *bolt.Tx) error { return nil })
}

func bucketName(publicID string, table catalog.Table) []byte {
	return []byte(publicID + ":" + table.String())
}

func sizeBucketName(publicID string) []byte {
	return append([]byte(publicID), sizeBucketSuffix...)
}

// Fetch returns the stored values for uids in table.
func (e *Engine) Fetch(_ context.Context, idx *catalog.Index, table catalog.Table, uids [][32]byte) (map[[32]byte][]byte, error) {
	out := make(map[[32]byte][]byte, len(uids))

	err := e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(idx.PublicID, table))
		if b == nil {
			return nil // no rows written yet for this (index, table)
		}
		for _, uid := range uids {
			if v := b.Get(uid[:]); v != nil {
				value := make([]byte, len(v))
				copy(value, v)
				out[uid] = value
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetching: %w", err)
	}

	return out, nil
}

// UpsertEntries applies all rows within a single write transaction.
func (e *Engine) UpsertEntries(_ context.Context, idx *catalog.Index, rows []catalog.UpsertRow) (map[[32]byte][]byte, error) {
	rejected := make(map[[32]byte][]byte)
	var sizeDelta int

	err := e.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(idx.PublicID, catalog.TableEntries))
		if err != nil {
			return err
		}

		for _, row := range rows {
			existing := b.Get(row.UID[:])
			var existingCopy []byte
			if existing != nil {
				existingCopy = make([]byte, len(existing))
				copy(existingCopy, existing)
			}

			matches := (existingCopy != nil && row.OldValue != nil && string(existingCopy) == string(row.OldValue)) ||
				(existingCopy == nil && row.OldValue == nil)

			if !matches {
				if existingCopy == nil {
					e.logger.Error("upsert_entries: old value expected but row absent",
						"index", idx.PublicID, "uid", fmt.Sprintf("%x", row.UID))
					rejected[row.UID] = []byte{}
				} else {
					rejected[row.UID] = existingCopy
				}
				continue
			}

			if err := b.Put(row.UID[:], row.NewValue); err != nil {
				return fmt.Errorf("writing row: %w", err)
			}
			if existingCopy == nil {
				sizeDelta += len(row.NewValue)
			}
		}

		if sizeDelta != 0 {
			return addSize(tx, idx.PublicID, sizeDelta)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("upserting entries: %w", err)
	}

	return rejected, nil
}

// InsertChains appends rows to the chains table unconditionally.
func (e *Engine) InsertChains(_ context.Context, idx *catalog.Index, values map[[32]byte][]byte) error {
	err := e.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(idx.PublicID, catalog.TableChains))
		if err != nil {
			return err
		}

		size := 0
		for uid, value := range values {
			if err := b.Put(uid[:], value); err != nil {
				return fmt.Errorf("writing chain row: %w", err)
			}
			size += len(value)
		}

		return addSize(tx, idx.PublicID, size)
	})
	if err != nil {
		return fmt.Errorf("inserting chains: %w", err)
	}
	return nil
}

// SetSize recomputes idx's size from the size bucket and persists it via the catalog.
func (e *Engine) SetSize(ctx context.Context, idx *catalog.Index) error {
	var size int64

	err := e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sizeBucketName(idx.PublicID))
		if b == nil {
			return nil
		}
		v := b.Get([]byte("total"))
		if v != nil {
			size = bytesToInt64(v)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reading size: %w", err)
	}

	idx.Size = &size
	return e.catalog.UpdateSize(ctx, idx.PublicID, size)
}

func addSize(tx *bolt.Tx, publicID string, delta int) error {
	b, err := tx.CreateBucketIfNotExists(sizeBucketName(publicID))
	if err != nil {
		return err
	}

	current := int64(0)
	if v := b.Get([]byte("total")); v != nil {
		current = bytesToInt64(v)
	}

	return b.Put([]byte("total"), int64ToBytes(current+int64(delta)))
}

func int64ToBytes(v int64) []byte {
	out := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}

func bytesToInt64(b []byte) int64 {
	var v int64
	for _, c := range b {
		v = (v << 8) | int64(c)
	}
	return v
}
