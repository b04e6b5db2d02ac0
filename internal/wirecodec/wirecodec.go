// Package wirecodec implements the length-prefixed binary framing shared by
// the four data-plane endpoints' payloads (uid sets, upsert rows, and
// uid-to-value tables). The format is opaque to everything except the
// client and this package; round-tripping is lossless.
package wirecodec

import (
	"encoding/binary"
	"fmt"

	"github.com/cosmian/findex-cloud/internal/apierr"
)

const uidLen = 32

// EncodeUIDSet serialises a set of uids as: uint32 BE count, then each uid
// verbatim (fixed 32 bytes, so no per-item length prefix is needed).
func EncodeUIDSet(uids [][32]byte) []byte {
	out := make([]byte, 4, 4+len(uids)*uidLen)
	binary.BigEndian.PutUint32(out, uint32(len(uids)))
	for _, u := range uids {
		out = append(out, u[:]...)
	}
	return out
}

// DecodeUIDSet parses the wire format produced by EncodeUIDSet.
func DecodeUIDSet(wire []byte) ([][32]byte, error) {
	if len(wire) < 4 {
		return nil, apierr.New(apierr.KindBadRequest, "uid set payload shorter than count prefix")
	}
	count := binary.BigEndian.Uint32(wire)
	wire = wire[4:]

	if uint64(len(wire)) != uint64(count)*uidLen {
		return nil, apierr.New(apierr.KindBadRequest, "uid set payload length does not match count")
	}

	out := make([][32]byte, count)
	for i := range out {
		copy(out[i][:], wire[i*uidLen:(i+1)*uidLen])
	}
	return out, nil
}

// EncodeTable serialises a uid→value map (an EncryptedTable, i.e. a fetch
// response or an insert-chains request body) as: uint32 BE count, then per
// entry a fixed 32-byte uid followed by uint32 BE value length and the
// value bytes.
func EncodeTable(table map[[32]byte][]byte) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, uint32(len(table)))

	for uid, value := range table {
		out = append(out, uid[:]...)
		var lenBytes [4]byte
		binary.BigEndian.PutUint32(lenBytes[:], uint32(len(value)))
		out = append(out, lenBytes[:]...)
		out = append(out, value...)
	}
	return out
}

// DecodeTable parses the wire format produced by EncodeTable.
func DecodeTable(wire []byte) (map[[32]byte][]byte, error) {
	if len(wire) < 4 {
		return nil, apierr.New(apierr.KindBadRequest, "table payload shorter than count prefix")
	}
	count := binary.BigEndian.Uint32(wire)
	wire = wire[4:]

	out := make(map[[32]byte][]byte, count)
	for i := uint32(0); i < count; i++ {
		var uid [32]byte
		if len(wire) < uidLen+4 {
			return nil, apierr.New(apierr.KindBadRequest, "table payload truncated before value length")
		}
		copy(uid[:], wire[:uidLen])
		wire = wire[uidLen:]

		valLen := binary.BigEndian.Uint32(wire)
		wire = wire[4:]

		if uint64(len(wire)) < uint64(valLen) {
			return nil, apierr.New(apierr.KindBadRequest, "table payload truncated before value bytes")
		}
		value := make([]byte, valLen)
		copy(value, wire[:valLen])
		wire = wire[valLen:]

		out[uid] = value
	}

	if len(wire) != 0 {
		return nil, apierr.New(apierr.KindBadRequest, "table payload has trailing bytes")
	}

	return out, nil
}

// EncodeUpsertData serialises an ordered UpsertData collection as:
// uint32 BE count, then per row a fixed 32-byte uid, a 1-byte has-old flag,
// (if set) a uint32 BE old-value length and bytes, and a uint32 BE
// new-value length and bytes.
func EncodeUpsertData(rows []Row) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, uint32(len(rows)))

	for _, row := range rows {
		out = append(out, row.UID[:]...)
		if row.OldValue == nil {
			out = append(out, 0)
		} else {
			out = append(out, 1)
			var lenBytes [4]byte
			binary.BigEndian.PutUint32(lenBytes[:], uint32(len(row.OldValue)))
			out = append(out, lenBytes[:]...)
			out = append(out, row.OldValue...)
		}

		var newLenBytes [4]byte
		binary.BigEndian.PutUint32(newLenBytes[:], uint32(len(row.NewValue)))
		out = append(out, newLenBytes[:]...)
		out = append(out, row.NewValue...)
	}
	return out
}

// Row is the wire-level representation of a single UpsertData entry.
type Row struct {
	UID      [32]byte
	OldValue []byte // nil means "insert if absent"
	NewValue []byte
}

// DecodeUpsertData parses the wire format produced by EncodeUpsertData.
func DecodeUpsertData(wire []byte) ([]Row, error) {
	if len(wire) < 4 {
		return nil, apierr.New(apierr.KindBadRequest, "upsert payload shorter than count prefix")
	}
	count := binary.BigEndian.Uint32(wire)
	wire = wire[4:]

	out := make([]Row, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(wire) < uidLen+1 {
			return nil, apierr.New(apierr.KindBadRequest, "upsert payload truncated before has-old flag")
		}
		var row Row
		copy(row.UID[:], wire[:uidLen])
		wire = wire[uidLen:]

		hasOld := wire[0]
		wire = wire[1:]
		if hasOld != 0 && hasOld != 1 {
			return nil, apierr.New(apierr.KindBadRequest, fmt.Sprintf("upsert payload has invalid has-old flag %d", hasOld))
		}

		if hasOld == 1 {
			if len(wire) < 4 {
				return nil, apierr.New(apierr.KindBadRequest, "upsert payload truncated before old-value length")
			}
			oldLen := binary.BigEndian.Uint32(wire)
			wire = wire[4:]
			if uint64(len(wire)) < uint64(oldLen) {
				return nil, apierr.New(apierr.KindBadRequest, "upsert payload truncated before old-value bytes")
			}
			row.OldValue = make([]byte, oldLen)
			copy(row.OldValue, wire[:oldLen])
			wire = wire[oldLen:]
		}

		if len(wire) < 4 {
			return nil, apierr.New(apierr.KindBadRequest, "upsert payload truncated before new-value length")
		}
		newLen := binary.BigEndian.Uint32(wire)
		wire = wire[4:]
		if uint64(len(wire)) < uint64(newLen) {
			return nil, apierr.New(apierr.KindBadRequest, "upsert payload truncated before new-value bytes")
		}
		row.NewValue = make([]byte, newLen)
		copy(row.NewValue, wire[:newLen])
		wire = wire[newLen:]

		out = append(out, row)
	}

	if len(wire) != 0 {
		return nil, apierr.New(apierr.KindBadRequest, "upsert payload has trailing bytes")
	}

	return out, nil
}
