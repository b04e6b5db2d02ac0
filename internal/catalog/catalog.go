// Package catalog implements the index catalog: the directory of registered
// indexes, their per-operation signing keys, and their ownership metadata,
// plus a read-through in-process cache in front of it.
package catalog

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Store implementations when a public id has no
// visible (non-soft-deleted) row. Handlers map it to the same response as
// an unknown public id, never distinguishing it from a cross-tenant access.
var ErrNotFound = errors.New("index not found")

// Table discriminates the two storage-engine tables an index's data can
// live in.
type Table uint8

const (
	TableEntries Table = iota
	TableChains
)

func (t Table) String() string {
	if t == TableChains {
		return "chains"
	}
	return "entries"
}

// Index is a registered catalog entry: a named, owned collection with four
// independent per-operation signing keys.
type Index struct {
	ID               int64
	PublicID         string
	Name             string
	AuthzID          string
	ProjectUUID      string
	FetchEntriesKey  [16]byte
	FetchChainsKey   [16]byte
	UpsertEntriesKey [16]byte
	InsertChainsKey  [16]byte
	Size             *int64
	CreatedAt        time.Time
	DeletedAt        *time.Time
}

// UpsertRow is a single compare-and-swap row destined for the entries table.
type UpsertRow struct {
	UID      [32]byte
	OldValue []byte // nil means "insert if absent"
	NewValue []byte
}

// Store is the catalog persistence interface. Both the embedded-sql and
// remote-conditional-kv backends implement it.
type Store interface {
	Create(ctx context.Context, idx *Index) error
	Get(ctx context.Context, publicID string) (*Index, error)
	ListByAuthz(ctx context.Context, authzID string) ([]*Index, error)
	Delete(ctx context.Context, publicID string) error
	UpdateSize(ctx context.Context, publicID string, size int64) error
	Ping(ctx context.Context) error
}

const publicIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewIndex mints a fresh Index with a random public id and four independent
// 16-byte operation keys, setting Name, AuthzID and ProjectUUID from its
// arguments. ID and CreatedAt are left for the Store to fill on Create.
func NewIndex(name, authzID, projectUUID string) (*Index, error) {
	publicID, err := randomAlnum(5)
	if err != nil {
		return nil, fmt.Errorf("generating public id: %w", err)
	}

	idx := &Index{
		PublicID:    publicID,
		Name:        name,
		AuthzID:     authzID,
		ProjectUUID: projectUUID,
	}

	for _, key := range []*[16]byte{
		&idx.FetchEntriesKey, &idx.FetchChainsKey, &idx.UpsertEntriesKey, &idx.InsertChainsKey,
	} {
		if _, err := rand.Read(key[:]); err != nil {
			return nil, fmt.Errorf("generating operation key: %w", err)
		}
	}

	return idx, nil
}

// randomAlnum returns a random alphanumeric string of length n, drawn from a
// CSPRNG, used for both catalog public ids and (wider) surrogate ids.
func randomAlnum(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, c := range b {
		out[i] = publicIDAlphabet[int(c)%len(publicIDAlphabet)]
	}
	return string(out), nil
}
