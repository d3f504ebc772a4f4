package aggregate

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgtrail/pgtrail/internal/history"
	"github.com/pgtrail/pgtrail/internal/schema"
)

func usersTable() *schema.Table {
	return &schema.Table{
		Name: "users",
		Columns: []schema.Column{
			{Name: "id", Type: "bigserial", PrimaryKey: true},
			{Name: "email", Type: "text"},
		},
	}
}

func ordersTable() *schema.Table {
	return &schema.Table{
		Name: "orders",
		Columns: []schema.Column{
			{Name: "id", Type: "bigserial", PrimaryKey: true},
			{Name: "user_id", Type: "bigint", References: "users"},
			{Name: "total", Type: "numeric"},
		},
	}
}

func testRegistry(t *testing.T) *history.Registry {
	t.Helper()
	r := history.NewRegistry()
	require.NoError(t, r.Register(history.Track(usersTable(), nil)))
	require.NoError(t, r.Register(history.Track(ordersTable(), nil)))
	return r
}

func TestQuerySQLTracks(t *testing.T) {
	r := testRegistry(t)
	sql, args, err := NewQuery(r).Tracks("users", int64(7)).SQL()
	require.NoError(t, err)

	want := `WITH _events AS (
SELECT
    _event.trail_id,
    'user_events' AS trail_table,
    _event.trail_created_at,
    _event.trail_label,
    _event.trail_obj_id::TEXT AS trail_obj_id,
    _event.trail_context_id AS trail_context_id,
    _context.metadata AS trail_context,
    _event._curr_data AS trail_data,
    (SELECT jsonb_object_agg(curr.key, jsonb_build_array(prev.value, curr.value))
        FROM jsonb_each(_event._curr_data) curr
        LEFT OUTER JOIN jsonb_each(_event._prev_data) prev ON curr.key = prev.key
        WHERE prev.key IS NOT NULL AND prev.value IS DISTINCT FROM curr.value) AS trail_diff
FROM (
    SELECT _snapshot.*, LAG(_snapshot._curr_data) OVER (PARTITION BY _snapshot.trail_obj_id, _snapshot.trail_label ORDER BY _snapshot.trail_id) AS _prev_data
    FROM (
        SELECT "user_events".*, (
            SELECT jsonb_object_agg(key, value)
            FROM jsonb_each(to_jsonb("user_events"))
            WHERE key NOT LIKE 'trail\_%'
        ) AS _curr_data
        FROM "user_events"
        WHERE "trail_obj_id" IN ($1)
    ) _snapshot
) _event
LEFT JOIN "pgtrail_context" _context ON _event.trail_context_id = _context.id
)
SELECT * FROM _events
ORDER BY trail_created_at, trail_id`

	assert.Equal(t, want, sql)
	assert.Equal(t, []any{int64(7)}, args)
}

func TestQuerySQLAllTablesUnion(t *testing.T) {
	r := testRegistry(t)
	sql, args, err := NewQuery(r).SQL()
	require.NoError(t, err)

	assert.Empty(t, args)
	assert.Contains(t, sql, `'user_events' AS trail_table`)
	assert.Contains(t, sql, `'order_events' AS trail_table`)
	assert.Contains(t, sql, "UNION ALL")
}

func TestQuerySQLReferencesMatchesForeignKeys(t *testing.T) {
	r := testRegistry(t)
	sql, args, err := NewQuery(r).References("users", int64(7)).SQL()
	require.NoError(t, err)

	// user_events tracks users directly; order_events captures user_id,
	// a foreign key into users. Both match, each binding the id once per
	// matching column.
	assert.Contains(t, sql, `'user_events' AS trail_table`)
	assert.Contains(t, sql, `'order_events' AS trail_table`)
	assert.Contains(t, sql, `WHERE "trail_obj_id" IN ($1)`)
	assert.Contains(t, sql, `WHERE "user_id" IN ($2)`)
	assert.Equal(t, []any{int64(7), int64(7)}, args)
}

func TestQuerySQLReferencesIgnoresBookkeepingColumns(t *testing.T) {
	r := testRegistry(t)
	sql, args, err := NewQuery(r).References(history.ContextTable, "0b8a2c1e-1111-4222-8333-444455556666").SQL()
	require.NoError(t, err)

	// trail_context_id points at the context table on every default event
	// table, but only captured data counts as a reference; matching here
	// would return every row with the id filter silently dropped.
	assert.Empty(t, args)
	assert.Contains(t, sql, "WHERE FALSE")
	assert.NotContains(t, sql, `'user_events' AS trail_table`)
	assert.NotContains(t, sql, `'order_events' AS trail_table`)
}

func TestQuerySQLAcross(t *testing.T) {
	r := testRegistry(t)
	sql, _, err := NewQuery(r).Across("order_events").SQL()
	require.NoError(t, err)

	assert.Contains(t, sql, `'order_events' AS trail_table`)
	assert.NotContains(t, sql, `'user_events' AS trail_table`)
}

func TestQuerySQLAcrossUnknownTable(t *testing.T) {
	r := testRegistry(t)
	_, _, err := NewQuery(r).Across("missing_events").SQL()
	require.Error(t, err)
	assert.True(t, errors.Is(err, history.ErrNotFound))
}

func TestQueryModesAreExclusive(t *testing.T) {
	r := testRegistry(t)
	_, _, err := NewQuery(r).Tracks("users").References("users").SQL()
	require.Error(t, err)
	assert.True(t, errors.Is(err, history.ErrUsage))

	_, _, err = NewQuery(r).Across("user_events").Tracks("users").SQL()
	require.Error(t, err)
	assert.True(t, errors.Is(err, history.ErrUsage))
}

func TestQuerySQLEmptySelection(t *testing.T) {
	sql, args, err := NewQuery(history.NewRegistry()).SQL()
	require.NoError(t, err)

	assert.Empty(t, args)
	assert.Contains(t, sql, "NULL::BIGINT AS trail_id")
	assert.Contains(t, sql, "WHERE FALSE")
	assert.Contains(t, sql, "ORDER BY trail_created_at, trail_id")
}

func TestQuerySQLOuterFilters(t *testing.T) {
	r := testRegistry(t)
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	until := since.Add(24 * time.Hour)

	sql, args, err := NewQuery(r).
		Tracks("users", int64(7)).
		Labels("insert", "update").
		Since(since).
		Until(until).
		SQL()
	require.NoError(t, err)

	assert.Contains(t, sql, "WHERE trail_label IN ($2, $3) AND trail_created_at >= $4 AND trail_created_at <= $5")
	assert.Equal(t, []any{int64(7), "insert", "update", since, until}, args)
}

func TestQuerySQLInlineContext(t *testing.T) {
	r := history.NewRegistry()
	ev := history.Track(usersTable(), nil)
	ev.ContextMode = history.ContextInline
	require.NoError(t, r.Register(ev))

	sql, _, err := NewQuery(r).SQL()
	require.NoError(t, err)

	assert.Contains(t, sql, "NULL::UUID AS trail_context_id")
	assert.Contains(t, sql, "_event.trail_context AS trail_context")
	assert.NotContains(t, sql, "LEFT JOIN \"pgtrail_context\"")
}

func TestQuerySQLNoObjRefPartitionsByLabel(t *testing.T) {
	r := history.NewRegistry()
	src := &schema.Table{
		Name:    "settings",
		Columns: []schema.Column{{Name: "value", Type: "text"}},
	}
	ev := history.Track(src, nil, history.InsertTracker("insert"))
	ev.ObjRef = false
	require.NoError(t, r.Register(ev))

	sql, _, err := NewQuery(r).SQL()
	require.NoError(t, err)

	assert.Contains(t, sql, "NULL::TEXT AS trail_obj_id")
	assert.Contains(t, sql, "PARTITION BY _snapshot.trail_label ORDER BY _snapshot.trail_id")
}
