// Package debuglog implements the optional request-capture side channel:
// one JSON line per fetch call, appended to a single file for offline
// analysis. It serialises writers behind a channel and leaks uid
// distributions by design of the capture format, so it must stay disabled
// (nil Writer) unless explicitly configured.
package debuglog

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"
)

const bufferSize = 256

// Entry is one captured fetch call.
type Entry struct {
	Type      string   `json:"type"` // "fetch_entries" or "fetch_chains"
	TimeMs    int64    `json:"time_ms"`
	IndexID   string   `json:"index_public_id"`
	UIDs      []string `json:"uids"` // base64
	Responses []string `json:"responses,omitempty"`
}

// Writer is an async, buffered JSONL capture writer.
type Writer struct {
	path    string
	logger  *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

// NewWriter creates a Writer appending to path. Call Start before logging.
func NewWriter(path string, logger *slog.Logger) *Writer {
	return &Writer{
		path:    path,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
	}
}

// Start begins the background goroutine draining entries to the file.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for pending entries to be flushed.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// LogFetch enqueues a capture of one fetch call. Never blocks: if the buffer
// is full the entry is dropped with a warning. Safe to call on a nil Writer.
func (w *Writer) LogFetch(table string, indexPublicID string, uids [][32]byte, responses map[[32]byte][]byte) {
	if w == nil {
		return
	}

	entry := Entry{
		Type:    "fetch_" + table,
		TimeMs:  time.Now().UnixMilli(),
		IndexID: indexPublicID,
		UIDs:    make([]string, 0, len(uids)),
	}
	for _, uid := range uids {
		entry.UIDs = append(entry.UIDs, base64.StdEncoding.EncodeToString(uid[:]))
	}
	for _, value := range responses {
		entry.Responses = append(entry.Responses, base64.StdEncoding.EncodeToString(value))
	}

	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("debuglog buffer full, dropping capture", "index", indexPublicID)
	}
}

func (w *Writer) run(ctx context.Context) {
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		w.logger.Error("opening debuglog file", "path", w.path, "error", err)
		for range w.entries {
			// drain so LogFetch callers never block on Close
		}
		return
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				return
			}
			if err := enc.Encode(entry); err != nil {
				w.logger.Error("writing debuglog entry", "error", err)
			}
		case <-ctx.Done():
			// Drain what is already buffered, then stop.
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						return
					}
					if err := enc.Encode(entry); err != nil {
						w.logger.Error("writing debuglog entry", "error", err)
					}
				default:
					return
				}
			}
		}
	}
}
