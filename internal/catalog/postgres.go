package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const indexColumns = `id, public_id, name, authz_id, project_uuid, fetch_entries_key, fetch_chains_key, upsert_entries_key, insert_chains_key, size, created_at, deleted_at`

// PostgresStore is the embedded-sql catalog backend, selected by
// METADATA_DATABASE_TYPE=embedded-sql.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a catalog Store backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func scanIndexRow(row pgx.Row) (*Index, error) {
	var idx Index
	var fetchEntries, fetchChains, upsertEntries, insertChains []byte
	if err := row.Scan(
		&idx.ID, &idx.PublicID, &idx.Name, &idx.AuthzID, &idx.ProjectUUID,
		&fetchEntries, &fetchChains, &upsertEntries, &insertChains,
		&idx.Size, &idx.CreatedAt, &idx.DeletedAt,
	); err != nil {
		return nil, err
	}
	copy(idx.FetchEntriesKey[:], fetchEntries)
	copy(idx.FetchChainsKey[:], fetchChains)
	copy(idx.UpsertEntriesKey[:], upsertEntries)
	copy(idx.InsertChainsKey[:], insertChains)
	return &idx, nil
}

// Create inserts a new index row.
func (s *PostgresStore) Create(ctx context.Context, idx *Index) error {
	query := `INSERT INTO indexes (public_id, name, authz_id, project_uuid, fetch_entries_key, fetch_chains_key, upsert_entries_key, insert_chains_key, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	RETURNING id, created_at`

	row := s.pool.QueryRow(ctx, query,
		idx.PublicID, idx.Name, idx.AuthzID, idx.ProjectUUID,
		idx.FetchEntriesKey[:], idx.FetchChainsKey[:], idx.UpsertEntriesKey[:], idx.InsertChainsKey[:],
		time.Now().UTC(),
	)
	if err := row.Scan(&idx.ID, &idx.CreatedAt); err != nil {
		return fmt.Errorf("creating index: %w", err)
	}
	return nil
}

// Get fetches a non-deleted index by public id.
func (s *PostgresStore) Get(ctx context.Context, publicID string) (*Index, error) {
	query := `SELECT ` + indexColumns + ` FROM indexes WHERE public_id = $1 AND deleted_at IS NULL`
	idx, err := scanIndexRow(s.pool.QueryRow(ctx, query, publicID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("index %q: %w", publicID, ErrNotFound)
		}
		return nil, fmt.Errorf("getting index: %w", err)
	}
	return idx, nil
}

// ListByAuthz returns all non-deleted indexes owned by authzID.
func (s *PostgresStore) ListByAuthz(ctx context.Context, authzID string) ([]*Index, error) {
	query := `SELECT ` + indexColumns + ` FROM indexes WHERE authz_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, query, authzID)
	if err != nil {
		return nil, fmt.Errorf("listing indexes: %w", err)
	}
	defer rows.Close()

	var out []*Index
	for rows.Next() {
		idx, err := scanIndexRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning index row: %w", err)
		}
		out = append(out, idx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating index rows: %w", err)
	}
	return out, nil
}

// Delete soft-deletes the index by public id.
func (s *PostgresStore) Delete(ctx context.Context, publicID string) error {
	query := `UPDATE indexes SET deleted_at = $1 WHERE public_id = $2 AND deleted_at IS NULL`
	tag, err := s.pool.Exec(ctx, query, time.Now().UTC(), publicID)
	if err != nil {
		return fmt.Errorf("deleting index: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("index %q: %w", publicID, ErrNotFound)
	}
	return nil
}

// UpdateSize sets the cached size counter for an index.
func (s *PostgresStore) UpdateSize(ctx context.Context, publicID string, size int64) error {
	query := `UPDATE indexes SET size = $1 WHERE public_id = $2 AND deleted_at IS NULL`
	tag, err := s.pool.Exec(ctx, query, size, publicID)
	if err != nil {
		return fmt.Errorf("updating index size: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("index %q: %w", publicID, ErrNotFound)
	}
	return nil
}

// Ping verifies the connection pool is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
