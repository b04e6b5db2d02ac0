package catalog

import (
	"context"
	"errors"
	"testing"
)

type fakeStore struct {
	indexes map[string]*Index
	gets    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{indexes: make(map[string]*Index)}
}

func (f *fakeStore) Create(_ context.Context, idx *Index) error {
	f.indexes[idx.PublicID] = idx
	return nil
}

func (f *fakeStore) Get(_ context.Context, publicID string) (*Index, error) {
	f.gets++
	idx, ok := f.indexes[publicID]
	if !ok {
		return nil, errors.New("not found")
	}
	return idx, nil
}

func (f *fakeStore) ListByAuthz(_ context.Context, authzID string) ([]*Index, error) {
	var out []*Index
	for _, idx := range f.indexes {
		if idx.AuthzID == authzID {
			out = append(out, idx)
		}
	}
	return out, nil
}

func (f *fakeStore) Delete(_ context.Context, publicID string) error {
	delete(f.indexes, publicID)
	return nil
}

func (f *fakeStore) UpdateSize(_ context.Context, publicID string, size int64) error {
	idx, ok := f.indexes[publicID]
	if !ok {
		return errors.New("not found")
	}
	idx.Size = &size
	return nil
}

func (f *fakeStore) Ping(_ context.Context) error { return nil }

func TestCacheGetIsReadThrough(t *testing.T) {
	store := newFakeStore()
	store.indexes["AAAAA"] = &Index{PublicID: "AAAAA"}
	cache := NewCache(store)

	ctx := context.Background()
	if _, err := cache.Get(ctx, "AAAAA"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if _, err := cache.Get(ctx, "AAAAA"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if store.gets != 1 {
		t.Errorf("store.Get() called %d times, want 1 (second lookup should hit cache)", store.gets)
	}
}

func TestCacheDeleteInvalidates(t *testing.T) {
	store := newFakeStore()
	store.indexes["BBBBB"] = &Index{PublicID: "BBBBB"}
	cache := NewCache(store)
	ctx := context.Background()

	if _, err := cache.Get(ctx, "BBBBB"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if err := cache.Delete(ctx, "BBBBB"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := cache.Get(ctx, "BBBBB"); err == nil {
		t.Error("Get() succeeded after Delete(), want error")
	}
}

func TestCacheUpdateSizeInvalidates(t *testing.T) {
	store := newFakeStore()
	store.indexes["CCCCC"] = &Index{PublicID: "CCCCC"}
	cache := NewCache(store)
	ctx := context.Background()

	if _, err := cache.Get(ctx, "CCCCC"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if err := cache.UpdateSize(ctx, "CCCCC", 42); err != nil {
		t.Fatalf("UpdateSize() error = %v", err)
	}

	idx, err := cache.Get(ctx, "CCCCC")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if idx.Size == nil || *idx.Size != 42 {
		t.Errorf("Get() after UpdateSize() size = %v, want 42", idx.Size)
	}
	if store.gets != 2 {
		t.Errorf("store.Get() called %d times, want 2 (cache invalidated after UpdateSize)", store.gets)
	}
}

func TestNewIndexGeneratesDistinctKeys(t *testing.T) {
	idx, err := NewIndex("my-index", "authz-1", "project-1")
	if err != nil {
		t.Fatalf("NewIndex() error = %v", err)
	}
	if len(idx.PublicID) != 5 {
		t.Errorf("PublicID length = %d, want 5", len(idx.PublicID))
	}

	keys := [][16]byte{idx.FetchEntriesKey, idx.FetchChainsKey, idx.UpsertEntriesKey, idx.InsertChainsKey}
	for i := range keys {
		for j := range keys {
			if i != j && keys[i] == keys[j] {
				t.Errorf("operation keys %d and %d are identical", i, j)
			}
		}
	}
}
