// Package storage defines the storage-engine interface shared by the three
// backend implementations (pgkv, boltkv, dynamokv).
package storage

import (
	"context"
	"fmt"

	"github.com/cosmian/findex-cloud/internal/catalog"
)

// Engine is the storage-engine interface implemented by each backend. All
// operations are scoped to a single index.
type Engine interface {
	// Fetch returns the stored values for the given uids in table. Uids with
	// no stored value are simply absent from the result map.
	Fetch(ctx context.Context, idx *catalog.Index, table catalog.Table, uids [][32]byte) (map[[32]byte][]byte, error)

	// UpsertEntries applies a batch of compare-and-swap rows to the entries
	// table. The returned map contains, for every row that was rejected
	// because the stored value didn't match OldValue, the uid mapped to the
	// value actually stored.
	UpsertEntries(ctx context.Context, idx *catalog.Index, rows []catalog.UpsertRow) (map[[32]byte][]byte, error)

	// InsertChains appends rows to the chains table unconditionally.
	InsertChains(ctx context.Context, idx *catalog.Index, values map[[32]byte][]byte) error

	// SetSize fills idx.Size from the backend's size counter. pgkv and boltkv
	// also persist it via the catalog Store; dynamokv has no counter and
	// leaves idx.Size nil.
	SetSize(ctx context.Context, idx *catalog.Index) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
}

// Kind identifies one of the three backend archetypes.
type Kind string

const (
	KindTransactionalKV      Kind = "transactional-kv"
	KindNonTransactionalKV   Kind = "non-tx-kv"
	KindRemoteConditionalKV  Kind = "remote-conditional-kv"
)

// ErrUnknownKind is returned by dispatch code for an unrecognized backend kind.
func ErrUnknownKind(kind string) error {
	return fmt.Errorf("storage: unknown backend kind %q", kind)
}
