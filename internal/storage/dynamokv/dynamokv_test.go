package dynamokv

import (
	"bytes"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/cosmian/findex-cloud/internal/catalog"
)

func TestRowKeyRoundTrip(t *testing.T) {
	idx := &catalog.Index{PublicID: "AbC12"}
	var uid [32]byte
	for i := range uid {
		uid[i] = byte(i)
	}

	key := rowKey(idx, uid)
	if !bytes.HasPrefix(key, []byte("AbC12")) {
		t.Errorf("rowKey() = %x, want public id prefix", key)
	}
	if len(key) != 5+32 {
		t.Errorf("rowKey() len = %d, want 37", len(key))
	}

	got, err := uidFromRowKey(key)
	if err != nil {
		t.Fatalf("uidFromRowKey() error = %v", err)
	}
	if got != uid {
		t.Errorf("uidFromRowKey() = %x, want %x", got, uid)
	}
}

func TestUIDFromRowKeyRejectsShortKey(t *testing.T) {
	if _, err := uidFromRowKey([]byte("short")); err == nil {
		t.Fatal("uidFromRowKey() accepted short key")
	}
}

func TestDecodeItem(t *testing.T) {
	idx := &catalog.Index{PublicID: "AAAAA"}
	var uid [32]byte
	uid[31] = 0xFF

	item := map[string]types.AttributeValue{
		idColumn:    &types.AttributeValueMemberB{Value: rowKey(idx, uid)},
		valueColumn: &types.AttributeValueMemberB{Value: []byte("ciphertext")},
	}

	gotUID, gotValue, err := decodeItem(item)
	if err != nil {
		t.Fatalf("decodeItem() error = %v", err)
	}
	if gotUID != uid {
		t.Errorf("decodeItem() uid = %x, want %x", gotUID, uid)
	}
	if string(gotValue) != "ciphertext" {
		t.Errorf("decodeItem() value = %q, want %q", gotValue, "ciphertext")
	}
}

func TestDecodeItemRejectsMissingValue(t *testing.T) {
	idx := &catalog.Index{PublicID: "AAAAA"}
	item := map[string]types.AttributeValue{
		idColumn: &types.AttributeValueMemberB{Value: rowKey(idx, [32]byte{})},
	}
	if _, _, err := decodeItem(item); err == nil {
		t.Fatal("decodeItem() accepted item without value attribute")
	}
}
