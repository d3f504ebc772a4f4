package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextStoreGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewContextStore(db)
	id := uuid.New()
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id", "metadata", "created_at", "updated_at"}).
		AddRow(id.String(), []byte(`{"user":"alice","request_id":"r-1"}`), now, now)

	mock.ExpectQuery(`SELECT id, metadata, created_at, updated_at\s+FROM pgtrail_context\s+WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(rows)

	got, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "alice", got.Metadata["user"])
	assert.Equal(t, "r-1", got.Metadata["request_id"])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestContextStoreGetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewContextStore(db)
	id := uuid.New()

	mock.ExpectQuery(`SELECT id, metadata, created_at, updated_at`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id", "metadata", "created_at", "updated_at"}))

	_, err = store.Get(context.Background(), id)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestContextStoreList(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewContextStore(db)
	now := time.Now()
	since := now.Add(-time.Hour)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM pgtrail_context WHERE 1=1 AND created_at >= \$1`).
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	rows := sqlmock.NewRows([]string{"id", "metadata", "created_at", "updated_at"}).
		AddRow(uuid.NewString(), []byte(`{"user":"alice"}`), now, now).
		AddRow(uuid.NewString(), nil, now.Add(-time.Minute), now.Add(-time.Minute))

	mock.ExpectQuery(`SELECT id, metadata, created_at, updated_at\s+FROM pgtrail_context\s+WHERE 1=1 AND created_at >= \$1 ORDER BY created_at DESC LIMIT \$2 OFFSET \$3`).
		WithArgs(since, 10, 0).
		WillReturnRows(rows)

	contexts, total, err := store.List(context.Background(), ContextFilters{Since: &since}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, contexts, 2)
	assert.Equal(t, "alice", contexts[0].Metadata["user"])
	assert.Nil(t, contexts[1].Metadata)

	assert.NoError(t, mock.ExpectationsWereMet())
}
