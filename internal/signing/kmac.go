// Package signing implements the KMAC-128 signed-request envelope shared by
// the four data-plane endpoints: a fixed header carrying the signature and
// an expiration timestamp, followed by the opaque request payload.
package signing

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/cosmian/findex-cloud/internal/apierr"
)

const (
	// SignatureLen is the length, in bytes, of the KMAC-128 tag.
	SignatureLen = 32
	// ExpirationLen is the length, in bytes, of the big-endian expiration timestamp.
	ExpirationLen = 8
	// HeaderLen is the combined length of signature and expiration fields.
	HeaderLen = SignatureLen + ExpirationLen

	macOutputLen = 32
)

// DeriveKey derives the per-index, per-operation signing key from the
// catalog-stored 16-byte operation key, binding it to the index's public id
// via the KMAC customization string so a key leaked for one index cannot be
// replayed against another.
func DeriveKey(opKey [16]byte, publicID string) []byte {
	mac := newKMAC128(opKey[:], []byte(publicID), macOutputLen)
	return mac.Sum()
}

// Sign produces a complete wire envelope: signature ‖ expiration ‖ payload.
func Sign(derivedKey []byte, expiration time.Time, payload []byte) []byte {
	var expBytes [ExpirationLen]byte
	binary.BigEndian.PutUint64(expBytes[:], uint64(expiration.Unix()))

	mac := newKMAC128(derivedKey, nil, macOutputLen)
	mac.Write(expBytes[:])
	mac.Write(payload)
	sig := mac.Sum()

	out := make([]byte, 0, HeaderLen+len(payload))
	out = append(out, sig...)
	out = append(out, expBytes[:]...)
	out = append(out, payload...)
	return out
}

// Verify checks the signature and freshness of a wire envelope and, on
// success, returns the payload. now is injected for testability.
func Verify(derivedKey []byte, wire []byte, now time.Time) ([]byte, error) {
	if len(wire) < HeaderLen {
		return nil, apierr.New(apierr.KindBadRequest, "request envelope shorter than header")
	}

	sig := wire[:SignatureLen]
	expBytes := wire[SignatureLen:HeaderLen]
	payload := wire[HeaderLen:]

	mac := newKMAC128(derivedKey, nil, macOutputLen)
	mac.Write(expBytes)
	mac.Write(payload)
	expected := mac.Sum()

	if subtle.ConstantTimeCompare(sig, expected) != 1 {
		return nil, apierr.New(apierr.KindInvalidSignature, "signature verification failed")
	}

	expiration := time.Unix(int64(binary.BigEndian.Uint64(expBytes)), 0)
	if now.After(expiration) {
		return nil, apierr.New(apierr.KindExpiredRequest,
			fmt.Sprintf("request expired at %d, server time is %d", expiration.Unix(), now.Unix()))
	}

	return payload, nil
}

// cshake128Rate is the sponge rate of cSHAKE128 in bytes.
const cshake128Rate = 168

// kmac is KMAC-128 per NIST SP 800-185 §4, built on the cSHAKE128 primitive
// x/crypto/sha3 exposes: cSHAKE128(bytepad(encode_string(K), 168) ‖ X ‖
// right_encode(L), L, "KMAC", S). Fixed output length, so only the
// newX/Write/Sum subset of a hash.Hash is needed.
type kmac struct {
	h         sha3.ShakeHash
	outputLen int
}

func newKMAC128(key, customization []byte, outputLen int) *kmac {
	h := sha3.NewCShake128([]byte("KMAC"), customization)
	h.Write(bytepad(encodeString(key), cshake128Rate))
	return &kmac{h: h, outputLen: outputLen}
}

func (k *kmac) Write(p []byte) {
	k.h.Write(p)
}

// Sum finalizes the MAC and returns the tag. The kmac must not be written
// to afterwards.
func (k *kmac) Sum() []byte {
	k.h.Write(rightEncode(uint64(k.outputLen) * 8))
	out := make([]byte, k.outputLen)
	k.h.Read(out)
	return out
}

// leftEncode returns value as a minimal big-endian byte string prefixed
// with its own length (SP 800-185 §2.3.1).
func leftEncode(value uint64) []byte {
	var b [9]byte
	binary.BigEndian.PutUint64(b[1:], value)
	i := 1
	for i < 8 && b[i] == 0 {
		i++
	}
	b[i-1] = byte(9 - i)
	return b[i-1:]
}

// rightEncode is leftEncode with the length byte appended instead.
func rightEncode(value uint64) []byte {
	var b [9]byte
	binary.BigEndian.PutUint64(b[:8], value)
	i := 0
	for i < 7 && b[i] == 0 {
		i++
	}
	b[8] = byte(8 - i)
	return b[i:]
}

// encodeString prefixes s with its length in bits (SP 800-185 §2.3.2).
func encodeString(s []byte) []byte {
	return append(leftEncode(uint64(len(s))*8), s...)
}

// bytepad prepends the rate and zero-pads to a multiple of it (§2.3.3).
func bytepad(data []byte, rate int) []byte {
	out := append(leftEncode(uint64(rate)), data...)
	for len(out)%rate != 0 {
		out = append(out, 0)
	}
	return out
}
