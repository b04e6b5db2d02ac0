package debuglog

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestWriterCapturesFetches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.log")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	w := NewWriter(path, logger)
	w.Start(context.Background())

	var uid [32]byte
	uid[0] = 7
	w.LogFetch("entries", "AAAAA", [][32]byte{uid}, map[[32]byte][]byte{uid: []byte("v")})
	w.LogFetch("chains", "AAAAA", [][32]byte{uid}, nil)
	w.Close()

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening capture file: %v", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("unmarshalling capture line: %v", err)
		}
		entries = append(entries, e)
	}

	if len(entries) != 2 {
		t.Fatalf("captured %d entries, want 2", len(entries))
	}
	if entries[0].Type != "fetch_entries" || entries[1].Type != "fetch_chains" {
		t.Errorf("entry types = %q, %q", entries[0].Type, entries[1].Type)
	}
	if len(entries[0].UIDs) != 1 || len(entries[0].Responses) != 1 {
		t.Errorf("entry 0 uids/responses = %d/%d, want 1/1", len(entries[0].UIDs), len(entries[0].Responses))
	}
}

func TestNilWriterIsSafe(t *testing.T) {
	var w *Writer
	w.LogFetch("entries", "AAAAA", nil, nil) // must not panic
}
