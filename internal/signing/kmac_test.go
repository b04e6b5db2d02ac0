package signing

import (
	"bytes"
	"encoding/hex"
	"testing"
	"time"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	opKey := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	derived := DeriveKey(opKey, "ABCDE")
	payload := []byte(`{"uids":["aaaa"]}`)
	now := time.Unix(1_700_000_000, 0)
	wire := Sign(derived, now.Add(time.Minute), payload)

	got, err := Verify(derived, wire, now)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("Verify() payload = %q, want %q", got, payload)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	opKey := [16]byte{1}
	derived := DeriveKey(opKey, "ABCDE")
	now := time.Unix(1_700_000_000, 0)
	wire := Sign(derived, now.Add(time.Minute), []byte("original"))

	wire[HeaderLen] ^= 0xFF // flip a payload byte

	if _, err := Verify(derived, wire, now); err == nil {
		t.Fatal("Verify() accepted tampered payload")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	opKey := [16]byte{2}
	derived := DeriveKey(opKey, "ABCDE")
	now := time.Unix(1_700_000_000, 0)
	wire := Sign(derived, now.Add(-time.Second), []byte("payload"))

	_, err := Verify(derived, wire, now)
	if err == nil {
		t.Fatal("Verify() accepted expired request")
	}
}

func TestVerifyRejectsShortEnvelope(t *testing.T) {
	derived := DeriveKey([16]byte{3}, "ABCDE")
	if _, err := Verify(derived, []byte("short"), time.Now()); err == nil {
		t.Fatal("Verify() accepted undersized envelope")
	}
}

func TestDeriveKeyDiffersByPublicID(t *testing.T) {
	opKey := [16]byte{9}
	a := DeriveKey(opKey, "AAAAA")
	b := DeriveKey(opKey, "BBBBB")
	if string(a) == string(b) {
		t.Error("DeriveKey() produced identical keys for different public IDs")
	}
}

// KMAC128 samples 1 and 2 from the NIST SP 800-185 example values.
func TestKMAC128Vectors(t *testing.T) {
	key, _ := hex.DecodeString("404142434445464748494a4b4c4d4e4f505152535455565758595a5b5c5d5e5f")
	data, _ := hex.DecodeString("00010203")

	tests := []struct {
		name          string
		customization string
		want          string
	}{
		{
			name:          "empty customization",
			customization: "",
			want:          "e5780b0d3ea6f7d3a429c5706aa43a00fadbd7d49628839e3187243f456ee14e",
		},
		{
			name:          "tagged application",
			customization: "My Tagged Application",
			want:          "3b1fba963cd8b0b59e8c1a6d71888b7143651af8ba0a7070c0979e2811324aa5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mac := newKMAC128(key, []byte(tt.customization), 32)
			mac.Write(data)
			if got := hex.EncodeToString(mac.Sum()); got != tt.want {
				t.Errorf("KMAC128 = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestLeftRightEncode(t *testing.T) {
	if got := leftEncode(0); !bytes.Equal(got, []byte{0x01, 0x00}) {
		t.Errorf("leftEncode(0) = %x", got)
	}
	if got := leftEncode(168); !bytes.Equal(got, []byte{0x01, 0xa8}) {
		t.Errorf("leftEncode(168) = %x", got)
	}
	if got := leftEncode(256); !bytes.Equal(got, []byte{0x02, 0x01, 0x00}) {
		t.Errorf("leftEncode(256) = %x", got)
	}
	if got := rightEncode(256); !bytes.Equal(got, []byte{0x01, 0x00, 0x02}) {
		t.Errorf("rightEncode(256) = %x", got)
	}
	if got := rightEncode(0); !bytes.Equal(got, []byte{0x00, 0x01}) {
		t.Errorf("rightEncode(0) = %x", got)
	}
}
