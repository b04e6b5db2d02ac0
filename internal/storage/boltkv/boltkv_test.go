package boltkv

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/cosmian/findex-cloud/internal/catalog"
)

type fakeCatalogStore struct {
	sizes map[string]int64
}

func newFakeCatalogStore() *fakeCatalogStore {
	return &fakeCatalogStore{sizes: make(map[string]int64)}
}

func (f *fakeCatalogStore) Create(context.Context, *catalog.Index) error { return nil }
func (f *fakeCatalogStore) Get(context.Context, string) (*catalog.Index, error) {
	return nil, nil
}
func (f *fakeCatalogStore) ListByAuthz(context.Context, string) ([]*catalog.Index, error) {
	return nil, nil
}
func (f *fakeCatalogStore) Delete(context.Context, string) error { return nil }
func (f *fakeCatalogStore) UpdateSize(_ context.Context, publicID string, size int64) error {
	f.sizes[publicID] = size
	return nil
}
func (f *fakeCatalogStore) Ping(context.Context) error { return nil }

func newTestEngine(t *testing.T) (*Engine, *fakeCatalogStore) {
	t.Helper()
	cs := newFakeCatalogStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := New(t.TempDir(), cs, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e, cs
}

func TestUpsertEntriesInsertIfAbsent(t *testing.T) {
	e, _ := newTestEngine(t)
	idx := &catalog.Index{PublicID: "AAAAA"}
	ctx := context.Background()

	var uid [32]byte
	uid[0] = 1

	rejected, err := e.UpsertEntries(ctx, idx, []catalog.UpsertRow{
		{UID: uid, OldValue: nil, NewValue: []byte("v1")},
	})
	if err != nil {
		t.Fatalf("UpsertEntries() error = %v", err)
	}
	if len(rejected) != 0 {
		t.Fatalf("UpsertEntries() rejected = %v, want none", rejected)
	}

	got, err := e.Fetch(ctx, idx, catalog.TableEntries, [][32]byte{uid})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(got[uid]) != "v1" {
		t.Errorf("Fetch() = %q, want %q", got[uid], "v1")
	}
}

func TestUpsertEntriesRejectsOnConflict(t *testing.T) {
	e, _ := newTestEngine(t)
	idx := &catalog.Index{PublicID: "BBBBB"}
	ctx := context.Background()

	var uid [32]byte
	uid[0] = 2

	if _, err := e.UpsertEntries(ctx, idx, []catalog.UpsertRow{
		{UID: uid, OldValue: nil, NewValue: []byte("v1")},
	}); err != nil {
		t.Fatalf("UpsertEntries() error = %v", err)
	}

	rejected, err := e.UpsertEntries(ctx, idx, []catalog.UpsertRow{
		{UID: uid, OldValue: []byte("wrong"), NewValue: []byte("v2")},
	})
	if err != nil {
		t.Fatalf("UpsertEntries() error = %v", err)
	}
	if string(rejected[uid]) != "v1" {
		t.Errorf("UpsertEntries() rejected value = %q, want %q", rejected[uid], "v1")
	}

	got, _ := e.Fetch(ctx, idx, catalog.TableEntries, [][32]byte{uid})
	if string(got[uid]) != "v1" {
		t.Errorf("Fetch() after rejected upsert = %q, want unchanged %q", got[uid], "v1")
	}
}

func TestUpsertEntriesCASRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t)
	idx := &catalog.Index{PublicID: "CCCCC"}
	ctx := context.Background()

	var uid [32]byte
	uid[0] = 3

	if _, err := e.UpsertEntries(ctx, idx, []catalog.UpsertRow{
		{UID: uid, OldValue: nil, NewValue: []byte("v1")},
	}); err != nil {
		t.Fatalf("UpsertEntries() error = %v", err)
	}

	rejected, err := e.UpsertEntries(ctx, idx, []catalog.UpsertRow{
		{UID: uid, OldValue: []byte("v1"), NewValue: []byte("v2")},
	})
	if err != nil {
		t.Fatalf("UpsertEntries() error = %v", err)
	}
	if len(rejected) != 0 {
		t.Fatalf("UpsertEntries() rejected = %v, want none", rejected)
	}

	got, _ := e.Fetch(ctx, idx, catalog.TableEntries, [][32]byte{uid})
	if string(got[uid]) != "v2" {
		t.Errorf("Fetch() = %q, want %q", got[uid], "v2")
	}
}

func TestInsertChainsAndSetSize(t *testing.T) {
	e, cs := newTestEngine(t)
	idx := &catalog.Index{PublicID: "DDDDD"}
	ctx := context.Background()

	var uid1, uid2 [32]byte
	uid1[0], uid2[0] = 1, 2

	err := e.InsertChains(ctx, idx, map[[32]byte][]byte{
		uid1: []byte("aaa"),
		uid2: []byte("bb"),
	})
	if err != nil {
		t.Fatalf("InsertChains() error = %v", err)
	}

	if err := e.SetSize(ctx, idx); err != nil {
		t.Fatalf("SetSize() error = %v", err)
	}
	if idx.Size == nil || *idx.Size != 5 {
		t.Errorf("idx.Size = %v, want 5", idx.Size)
	}
	if cs.sizes["DDDDD"] != 5 {
		t.Errorf("catalog size = %d, want 5", cs.sizes["DDDDD"])
	}
}

func TestPing(t *testing.T) {
	e, _ := newTestEngine(t)
	if err := e.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}
