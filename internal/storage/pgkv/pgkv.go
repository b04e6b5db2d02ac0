// Package pgkv implements the transactional ordered-kv storage backend
// over Postgres: per-row SELECT ... FOR UPDATE locking under a 10s
// lock_timeout, with a bounded read-retry fallback when a row stays locked
// by a concurrent writer.
package pgkv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cosmian/findex-cloud/internal/catalog"
)

// lockNotAvailable is the Postgres error code raised when a row lock cannot
// be acquired within lock_timeout.
const lockNotAvailable = "55P03"

const (
	lockTimeout = "10s"
	lockRetries = 3
)

// Engine is the transactional-kv storage backend.
type Engine struct {
	pool    *pgxpool.Pool
	catalog catalog.Store
	logger  *slog.Logger
}

// New creates a pgkv Engine. catalogStore is used to persist the size
// counter once recomputed by SetSize.
func New(pool *pgxpool.Pool, catalogStore catalog.Store, logger *slog.Logger) *Engine {
	return &Engine{pool: pool, catalog: catalogStore, logger: logger}
}

func (e *Engine) Ping(ctx context.Context) error {
	return e.pool.Ping(ctx)
}

// Fetch returns the stored values for uids in table.
func (e *Engine) Fetch(ctx context.Context, idx *catalog.Index, table catalog.Table, uids [][32]byte) (map[[32]byte][]byte, error) {
	if len(uids) == 0 {
		return map[[32]byte][]byte{}, nil
	}

	raw := make([][]byte, len(uids))
	for i, u := range uids {
		raw[i] = u[:]
	}

	rows, err := e.pool.Query(ctx,
		`SELECT uid, value FROM kv_rows WHERE index_public_id = $1 AND table_disc = $2 AND uid = ANY($3)`,
		idx.PublicID, int(table), raw,
	)
	if err != nil {
		return nil, fmt.Errorf("fetching rows: %w", err)
	}
	defer rows.Close()

	out := make(map[[32]byte][]byte)
	for rows.Next() {
		var uidBytes, value []byte
		if err := rows.Scan(&uidBytes, &value); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		var uid [32]byte
		copy(uid[:], uidBytes)
		out[uid] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return out, nil
}

// UpsertEntries applies compare-and-swap rows one at a time, each in its own
// short transaction, so a slow row never holds locks for the whole batch.
func (e *Engine) UpsertEntries(ctx context.Context, idx *catalog.Index, rows []catalog.UpsertRow) (map[[32]byte][]byte, error) {
	rejected := make(map[[32]byte][]byte)

	for _, row := range rows {
		existing, matched, err := e.upsertOne(ctx, idx, row)
		if err != nil {
			return nil, err
		}
		if !matched {
			rejected[row.UID] = existing
		}
	}

	return rejected, nil
}

// upsertOne runs the per-row CAS transaction. matched is true when the row
// was written (existing value matched OldValue).
func (e *Engine) upsertOne(ctx context.Context, idx *catalog.Index, row catalog.UpsertRow) (existing []byte, matched bool, err error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SET LOCAL lock_timeout = '`+lockTimeout+`'`); err != nil {
		return nil, false, fmt.Errorf("setting lock timeout: %w", err)
	}

	var storedValue []byte
	var found bool

	queryErr := tx.QueryRow(ctx,
		`SELECT value FROM kv_rows WHERE index_public_id = $1 AND table_disc = $2 AND uid = $3 FOR UPDATE`,
		idx.PublicID, int(catalog.TableEntries), row.UID[:],
	).Scan(&storedValue)

	switch {
	case queryErr == nil:
		found = true
	case errors.Is(queryErr, pgx.ErrNoRows):
		found = false
	case isLockNotAvailable(queryErr):
		_ = tx.Rollback(ctx)
		return e.retryReadOutsideTx(ctx, idx, row)
	default:
		return nil, false, fmt.Errorf("locking row: %w", queryErr)
	}

	valuesMatch := (found && row.OldValue != nil && string(storedValue) == string(row.OldValue)) ||
		(!found && row.OldValue == nil)

	if !valuesMatch {
		if !found {
			// Anomaly: caller expected an existing value (OldValue != nil) but
			// none is stored. Reject with an empty sentinel and surface it.
			e.logger.Error("upsert_entries: old value expected but row absent",
				"index", idx.PublicID, "uid", fmt.Sprintf("%x", row.UID))
			return []byte{}, false, nil
		}
		return storedValue, false, nil
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO kv_rows (index_public_id, table_disc, uid, value) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (index_public_id, table_disc, uid) DO UPDATE SET value = EXCLUDED.value`,
		idx.PublicID, int(catalog.TableEntries), row.UID[:], row.NewValue,
	); err != nil {
		return nil, false, fmt.Errorf("writing row: %w", err)
	}

	if !found {
		if _, err := tx.Exec(ctx,
			`INSERT INTO kv_sizes (index_public_id, bytes) VALUES ($1, $2)
			 ON CONFLICT (index_public_id) DO UPDATE SET bytes = kv_sizes.bytes + $2`,
			idx.PublicID, len(row.NewValue),
		); err != nil {
			return nil, false, fmt.Errorf("updating size: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("committing: %w", err)
	}

	return nil, true, nil
}

// retryReadOutsideTx implements the bounded retry read after a lock-timeout:
// a row held locked past the timeout means a concurrent writer, so the row
// is rejected with whatever value is currently stored.
func (e *Engine) retryReadOutsideTx(ctx context.Context, idx *catalog.Index, row catalog.UpsertRow) ([]byte, bool, error) {
	var lastErr error
	for attempt := 0; attempt < lockRetries; attempt++ {
		var value []byte
		err := e.pool.QueryRow(ctx,
			`SELECT value FROM kv_rows WHERE index_public_id = $1 AND table_disc = $2 AND uid = $3`,
			idx.PublicID, int(catalog.TableEntries), row.UID[:],
		).Scan(&value)
		if err == nil {
			return value, false, nil
		}
		lastErr = err
	}
	return nil, false, fmt.Errorf("row still locked after %d retries: %w", lockRetries, lastErr)
}

func isLockNotAvailable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == lockNotAvailable
}

// InsertChains appends rows to the chains table unconditionally.
func (e *Engine) InsertChains(ctx context.Context, idx *catalog.Index, values map[[32]byte][]byte) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	size := 0
	for uid, value := range values {
		if _, err := tx.Exec(ctx,
			`INSERT INTO kv_rows (index_public_id, table_disc, uid, value) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (index_public_id, table_disc, uid) DO UPDATE SET value = EXCLUDED.value`,
			idx.PublicID, int(catalog.TableChains), uid[:], value,
		); err != nil {
			return fmt.Errorf("writing chain row: %w", err)
		}
		size += len(value)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO kv_sizes (index_public_id, bytes) VALUES ($1, $2)
		 ON CONFLICT (index_public_id) DO UPDATE SET bytes = kv_sizes.bytes + $2`,
		idx.PublicID, size,
	); err != nil {
		return fmt.Errorf("updating size: %w", err)
	}

	return tx.Commit(ctx)
}

// SetSize recomputes idx's size from kv_sizes and persists it via the catalog.
func (e *Engine) SetSize(ctx context.Context, idx *catalog.Index) error {
	var bytes int64
	err := e.pool.QueryRow(ctx, `SELECT bytes FROM kv_sizes WHERE index_public_id = $1`, idx.PublicID).Scan(&bytes)
	if errors.Is(err, pgx.ErrNoRows) {
		bytes = 0
	} else if err != nil {
		return fmt.Errorf("reading size: %w", err)
	}

	idx.Size = &bytes
	return e.catalog.UpdateSize(ctx, idx.PublicID, bytes)
}
