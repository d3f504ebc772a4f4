package history

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgtrail/pgtrail/internal/schema"
)

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

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	ev := Track(usersTable(), nil)
	require.NoError(t, r.Register(ev))

	got, err := r.Lookup("users", "insert")
	require.NoError(t, err)
	assert.Same(t, ev, got)

	got, err = r.Lookup("users", "update")
	require.NoError(t, err)
	assert.Same(t, ev, got)

	_, err = r.Lookup("users", "delete")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = r.Lookup("orders", "insert")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRegistryIdempotentReRegistration(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Track(usersTable(), nil)))
	require.NoError(t, r.Register(Track(usersTable(), nil)))

	assert.Len(t, r.Tables(), 1)
}

func TestRegistryMergesTrackersAcrossRegistrations(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Track(usersTable(), nil, InsertTracker("insert"))))
	require.NoError(t, r.Register(Track(usersTable(), nil, DeleteTracker("delete"))))

	// Both registrations describe the same table, so there is still one,
	// but it must carry both trackers or the delete trigger never compiles.
	tables := r.Tables()
	require.Len(t, tables, 1)
	require.Len(t, tables[0].Trackers, 2)
	labels := []string{tables[0].Trackers[0].Label, tables[0].Trackers[1].Label}
	assert.ElementsMatch(t, []string{"insert", "delete"}, labels)

	ev, err := r.Lookup("users", "delete")
	require.NoError(t, err)
	assert.Same(t, tables[0], ev)
}

func TestRegistryRejectsConflictingTrackerPolicy(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Track(usersTable(), nil, UpdateTracker("update"))))

	conflicting := Track(usersTable(), nil, Tracker{
		Label:     "update",
		Operation: OpUpdate,
		Row:       RowNew,
		Condition: AnyChange("email"),
	})
	err := r.Register(conflicting)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestRegistryRejectsAmbiguousLabel(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Track(usersTable(), nil)))

	err := r.Register(Track(usersTable(), []string{"email"}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfig))
	assert.Contains(t, err.Error(), "user_events")
}

func TestRegistryDistinctLabelsCoexist(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Track(usersTable(), nil)))
	require.NoError(t, r.Register(Track(usersTable(), []string{"email"},
		UpdateTracker("email_changed"))))

	assert.Len(t, r.Tables(), 2)
}

func TestRegistryRejectsInvalidShape(t *testing.T) {
	r := NewRegistry()
	ev := Track(usersTable(), nil)
	ev.Name = "users"
	require.Error(t, r.Register(ev))
	assert.Empty(t, r.Tables())
}

func TestRegistryTrackingVsReferencing(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Track(usersTable(), nil)))
	require.NoError(t, r.Register(Track(ordersTable(), nil)))

	tracking := r.Tracking("users")
	require.Len(t, tracking, 1)
	assert.Equal(t, "user_events", tracking[0].Name)

	// order_events captures user_id, which is a foreign key into users,
	// so the wider predicate picks it up too.
	referencing := r.Referencing("users")
	require.Len(t, referencing, 2)

	names := []string{referencing[0].Name, referencing[1].Name}
	assert.Contains(t, names, "user_events")
	assert.Contains(t, names, "order_events")
}

func TestRegistryReferencingIgnoresBookkeepingColumns(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Track(usersTable(), nil)))
	require.NoError(t, r.Register(Track(ordersTable(), nil)))

	// Every default event table holds a trail_context_id reference, but that
	// is bookkeeping, not captured data, so it must not match.
	assert.Empty(t, r.Referencing(ContextTable))
}

func TestRegistryTableByName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Track(usersTable(), nil)))

	ev, ok := r.Table("user_events")
	require.True(t, ok)
	assert.Equal(t, "users", ev.Source.Name)

	_, ok = r.Table("missing")
	assert.False(t, ok)
}
