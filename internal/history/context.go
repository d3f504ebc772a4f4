// context.go defines the Context row model and ContextStore, the read/query
// side of the pgtrail_context table. Context rows are written only by the
// database-side upsert routine; this store never inserts or deletes them.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Context is one correlation record: the id assigned by a tracking scope and
// the metadata accumulated over that scope's lifetime.
type Context struct {
	ID        uuid.UUID
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ContextStore reads context rows.
type ContextStore struct {
	db *sql.DB
}

// NewContextStore creates a new ContextStore.
func NewContextStore(db *sql.DB) *ContextStore {
	return &ContextStore{db: db}
}

// ContextFilters narrows List results.
type ContextFilters struct {
	Since *time.Time
	Until *time.Time
}

// Get retrieves a single context row by id. A missing row is reported as an
// ErrNotFound-wrapped error, not passed through as sql.ErrNoRows.
func (s *ContextStore) Get(ctx context.Context, id uuid.UUID) (*Context, error) {
	query := `
		SELECT id, metadata, created_at, updated_at
		FROM pgtrail_context
		WHERE id = $1
	`

	row := &Context{}
	var metadataJSON []byte
	err := s.db.QueryRowContext(ctx, query, id).Scan(&row.ID, &metadataJSON, &row.CreatedAt, &row.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, notFoundErrorf("no context with id %s", id)
	}
	if err != nil {
		return nil, err
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &row.Metadata); err != nil {
			return nil, fmt.Errorf("decode context metadata: %w", err)
		}
	}
	return row, nil
}

// List retrieves context rows with optional time filters and pagination,
// newest first.
func (s *ContextStore) List(ctx context.Context, filters ContextFilters, limit, offset int) ([]*Context, int, error) {
	countQuery := `SELECT COUNT(*) FROM pgtrail_context WHERE 1=1`
	query := `
		SELECT id, metadata, created_at, updated_at
		FROM pgtrail_context
		WHERE 1=1
	`

	args := make([]any, 0)
	paramIndex := 1

	if filters.Since != nil {
		countQuery += fmt.Sprintf(` AND created_at >= $%d`, paramIndex)
		query += fmt.Sprintf(` AND created_at >= $%d`, paramIndex)
		args = append(args, *filters.Since)
		paramIndex++
	}

	if filters.Until != nil {
		countQuery += fmt.Sprintf(` AND created_at <= $%d`, paramIndex)
		query += fmt.Sprintf(` AND created_at <= $%d`, paramIndex)
		args = append(args, *filters.Until)
		paramIndex++
	}

	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, paramIndex, paramIndex+1)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	contexts := make([]*Context, 0)
	for rows.Next() {
		row := &Context{}
		var metadataJSON []byte
		if err := rows.Scan(&row.ID, &metadataJSON, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, 0, err
		}
		if metadataJSON != nil {
			if err := json.Unmarshal(metadataJSON, &row.Metadata); err != nil {
				return nil, 0, fmt.Errorf("decode context metadata: %w", err)
			}
		}
		contexts = append(contexts, row)
	}

	return contexts, total, rows.Err()
}
