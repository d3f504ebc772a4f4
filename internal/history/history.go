// Package history is the core of pgtrail: declarative trackers that bind an
// event label to a capture policy, event-table shapes generated from tracked
// tables, a registry of both, and the manual event writer. The trigger
// compiler (history/compile) and the aggregation engine (history/aggregate)
// consume the declarations defined here.
package history

import (
	"strings"

	"github.com/pgtrail/pgtrail/internal/schema"
	"github.com/pgtrail/pgtrail/internal/validation"
)

// Operation selects which row-level write fires a tracker.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// RowVersion selects which row image a trigger snapshots: the pre-write (OLD)
// or post-write (NEW) values.
type RowVersion string

const (
	RowOld RowVersion = "OLD"
	RowNew RowVersion = "NEW"
)

// Names of the bookkeeping columns every event table carries, and of the
// database-side objects installed by the migrations.
const (
	ColID              = "trail_id"
	ColCreatedAt       = "trail_created_at"
	ColLabel           = "trail_label"
	ColObj             = "trail_obj_id"
	ColContextID       = "trail_context_id"
	ColContext         = "trail_context"
	ContextTable       = "pgtrail_context"
	AttachContextFunc  = "pgtrail_attach_context"
	internalColsPrefix = "trail_"
)

// IsInternalColumn reports whether a column name belongs to pgtrail's own
// bookkeeping rather than to captured source data.
func IsInternalColumn(name string) bool {
	return strings.HasPrefix(name, internalColsPrefix)
}

// Condition restricts when a row-level tracker fires.
//
// A nil *Condition means unconditional. Changed compares the named columns
// between the OLD and NEW images with a null-safe inequality, so a transition
// to or from NULL counts as a change; with no names it defaults to the event
// table's captured columns at compile time. Raw is an arbitrary boolean
// expression over OLD/NEW, used verbatim.
type Condition struct {
	Changed []string
	Raw     string
}

// AnyChange fires only when one of the named columns (default: all captured
// columns) differs between the old and new row images.
func AnyChange(fields ...string) *Condition {
	return &Condition{Changed: fields}
}

// RawCondition fires when the given boolean SQL expression over OLD/NEW holds.
func RawCondition(expr string) *Condition {
	return &Condition{Raw: expr}
}

func (c *Condition) equal(other *Condition) bool {
	if c == nil || other == nil {
		return c == other
	}
	if c.Raw != other.Raw || len(c.Changed) != len(other.Changed) {
		return false
	}
	for i := range c.Changed {
		if c.Changed[i] != other.Changed[i] {
			return false
		}
	}
	return true
}

// Tracker binds a label to a capture policy. Trackers are immutable once
// registered.
type Tracker struct {
	Label     string
	Operation Operation
	Row       RowVersion
	Condition *Condition
}

// InsertTracker captures the new row on every insert.
func InsertTracker(label string) Tracker {
	return Tracker{Label: label, Operation: OpInsert, Row: RowNew}
}

// UpdateTracker captures the new row on updates that change a captured column.
func UpdateTracker(label string) Tracker {
	return Tracker{Label: label, Operation: OpUpdate, Row: RowNew, Condition: AnyChange()}
}

// DeleteTracker captures the old row on every delete.
func DeleteTracker(label string) Tracker {
	return Tracker{Label: label, Operation: OpDelete, Row: RowOld}
}

// SnapshotTrackers materializes a snapshot-style capture: one unconditional
// insert tracker plus one change-gated update tracker sharing a single label.
// Two registrations are required because a before/after comparison is not
// expressible on an insert-timing trigger; the compiler keeps the generated
// object names distinct while aggregation treats both as one stream.
func SnapshotTrackers(label string) []Tracker {
	return []Tracker{
		{Label: label, Operation: OpInsert, Row: RowNew},
		{Label: label, Operation: OpUpdate, Row: RowNew, Condition: AnyChange()},
	}
}

// equal reports whether two trackers describe the same capture policy.
func (t Tracker) equal(other Tracker) bool {
	return t.Label == other.Label &&
		t.Operation == other.Operation &&
		t.Row == other.Row &&
		t.Condition.equal(other.Condition)
}

// Validate rejects capture policies that can never execute.
func (t Tracker) Validate() error {
	if err := validation.Identifier(t.Label); err != nil {
		return configErrorf("tracker label %q: %v", t.Label, err)
	}
	switch t.Operation {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return configErrorf("tracker %q: unknown operation %q", t.Label, t.Operation)
	}
	switch t.Row {
	case RowOld, RowNew:
	default:
		return configErrorf("tracker %q: row version must be OLD or NEW", t.Label)
	}
	if t.Operation == OpInsert && t.Row == RowOld {
		return configErrorf("tracker %q: there is no OLD row on insert events", t.Label)
	}
	if t.Operation == OpDelete && t.Row == RowNew {
		return configErrorf("tracker %q: there is no NEW row on delete events", t.Label)
	}
	if t.Condition != nil {
		if t.Condition.Changed != nil && t.Condition.Raw != "" {
			return configErrorf("tracker %q: condition may be change-gated or raw, not both", t.Label)
		}
		if t.Condition.Raw == "" && t.Operation != OpUpdate {
			return configErrorf("tracker %q: change-gated conditions require the update operation", t.Label)
		}
	}
	return nil
}

// ContextMode selects how an event table records tracking context.
type ContextMode int

const (
	// ContextNone omits context entirely.
	ContextNone ContextMode = iota
	// ContextRef stores a nullable reference into the context table,
	// resolved by the stored upsert routine at capture time.
	ContextRef
	// ContextInline denormalizes the context metadata into the event row.
	ContextInline
)

// EventTable is the compile-time shape of one event table: which source table
// it captures, which columns, how it references the source row, and how it
// records context. One EventTable may carry several trackers (distinct
// labels, or a snapshot pair sharing one).
type EventTable struct {
	Name        string
	Source      *schema.Table
	Fields      []string // captured source columns; empty means all
	ObjRef      bool     // include a reference column to the source row
	ContextMode ContextMode
	ContextID   bool // with ContextInline, also record the correlation id
	Trackers    []Tracker
}

// Track declares tracking for a source table with pgtrail's defaults: derived
// event-table name, a source-row reference, a context reference, and, when
// no trackers are given, insert plus change-gated update capture.
func Track(source *schema.Table, fields []string, trackers ...Tracker) *EventTable {
	if len(trackers) == 0 {
		trackers = []Tracker{InsertTracker("insert"), UpdateTracker("update")}
	}
	return &EventTable{
		Name:        schema.EventTableName(source.Name, fields),
		Source:      source,
		Fields:      fields,
		ObjRef:      true,
		ContextMode: ContextRef,
		Trackers:    trackers,
	}
}

// CapturedFields returns the source columns this event table snapshots:
// the configured fields restricted to columns present on the source, or all
// source columns when no subset was configured.
func (e *EventTable) CapturedFields() []string {
	if len(e.Fields) == 0 {
		return e.Source.ColumnNames()
	}
	out := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		if e.Source.HasColumn(f) {
			out = append(out, f)
		}
	}
	return out
}

// Columns returns the full event-table column list: bookkeeping columns,
// captured source columns stripped of their constraints, the source-row
// reference, and the configured context columns.
func (e *EventTable) Columns() []schema.Column {
	cols := []schema.Column{
		{Name: ColID, Type: "bigserial", PrimaryKey: true},
		{Name: ColCreatedAt, Type: "timestamptz"},
		{Name: ColLabel, Type: "text"},
	}
	for _, name := range e.CapturedFields() {
		src, _ := e.Source.Column(name)
		cols = append(cols, schema.Column{
			Name:       src.Name,
			Type:       storedType(src.Type),
			Nullable:   src.Nullable,
			References: src.References,
		})
	}
	if e.ObjRef {
		if pk, ok := e.Source.PrimaryKey(); ok {
			cols = append(cols, schema.Column{
				Name:       ColObj,
				Type:       storedType(pk.Type),
				Nullable:   true,
				References: e.Source.Name,
			})
		}
	}
	switch e.ContextMode {
	case ContextRef:
		cols = append(cols, schema.Column{
			Name:       ColContextID,
			Type:       "uuid",
			Nullable:   true,
			References: ContextTable,
		})
	case ContextInline:
		if e.ContextID {
			cols = append(cols, schema.Column{Name: ColContextID, Type: "uuid", Nullable: true})
		}
		cols = append(cols, schema.Column{Name: ColContext, Type: "jsonb", Nullable: true})
	}
	return cols
}

// References reports whether this event table captures a reference into the
// named table: through the source-row reference or any captured foreign-key
// column. This is deliberately wider than Tracks, but bookkeeping columns do
// not count; a context reference must not make every table answer queries
// about the context table, because no id filter exists for it.
func (e *EventTable) References(table string) bool {
	if e.Tracks(table) {
		return true
	}
	for _, f := range e.CapturedFields() {
		if c, ok := e.Source.Column(f); ok && c.References == table {
			return true
		}
	}
	return false
}

// Tracks reports whether this event table directly tracks the named table
// through its source-row reference column.
func (e *EventTable) Tracks(table string) bool {
	return e.ObjRef && e.Source != nil && e.Source.Name == table
}

// Validate rejects shapes that cannot be compiled.
func (e *EventTable) Validate() error {
	if e.Source == nil {
		return configErrorf("event table %q: no source table", e.Name)
	}
	if err := validation.Identifier(e.Name); err != nil {
		return configErrorf("event table name %q: %v", e.Name, err)
	}
	if e.Name == e.Source.Name {
		return configErrorf("event table %q: may not be placed on the tracked table itself", e.Name)
	}
	if e.Name == ContextTable {
		return configErrorf("event table %q: name is reserved for the context table", e.Name)
	}
	if len(e.Trackers) == 0 {
		return configErrorf("event table %q: no trackers", e.Name)
	}
	if e.ObjRef {
		if _, ok := e.Source.PrimaryKey(); !ok {
			return configErrorf("event table %q: source %q has no primary key for the object reference", e.Name, e.Source.Name)
		}
	}
	if e.ContextID && e.ContextMode != ContextInline {
		return configErrorf("event table %q: ContextID requires the inline context mode", e.Name)
	}
	for _, t := range e.Trackers {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// sameShape reports whether two declarations would generate the same event
// table. Used for idempotent re-registration.
func (e *EventTable) sameShape(other *EventTable) bool {
	if e.Name != other.Name || e.Source.Name != other.Source.Name {
		return false
	}
	if e.ObjRef != other.ObjRef || e.ContextMode != other.ContextMode || e.ContextID != other.ContextID {
		return false
	}
	a, b := e.CapturedFields(), other.CapturedFields()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// storedType maps auto-incrementing declaration types to the plain types the
// snapshot columns use; an event table never allocates from the source's
// sequences.
func storedType(t string) string {
	switch strings.ToLower(t) {
	case "bigserial", "serial8":
		return "bigint"
	case "serial", "serial4":
		return "integer"
	case "smallserial", "serial2":
		return "smallint"
	}
	return t
}
