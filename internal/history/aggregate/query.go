// Package aggregate builds and runs the cross-table event queries: every
// selected event table is projected onto one common shape, the per-table
// streams are combined with UNION ALL, and each event carries a diff against
// its predecessor computed with a window function inside Postgres.
package aggregate

import (
	"fmt"
	"strings"
	"time"

	"github.com/pgtrail/pgtrail/internal/history"
	"github.com/pgtrail/pgtrail/internal/schema"
)

type queryMode int

const (
	modeAll queryMode = iota
	modeTracks
	modeReferences
	modeAcross
)

func (m queryMode) String() string {
	switch m {
	case modeTracks:
		return "tracks"
	case modeReferences:
		return "references"
	case modeAcross:
		return "across"
	default:
		return "all"
	}
}

// Query selects and filters events across event tables. Zero or one of
// Tracks, References, and Across may be used per query; the zero query spans
// every registered event table.
type Query struct {
	registry *history.Registry

	mode   queryMode
	target string
	across []string
	ids    []any

	labels []string
	since  *time.Time
	until  *time.Time

	err error
}

// NewQuery starts a query over the given registry.
func NewQuery(registry *history.Registry) *Query {
	return &Query{registry: registry}
}

func (q *Query) setMode(m queryMode) {
	if q.err != nil {
		return
	}
	if q.mode != modeAll {
		q.err = fmt.Errorf("%w: %s and %s may not be combined on one query", history.ErrUsage, q.mode, m)
		return
	}
	q.mode = m
}

// Tracks restricts the query to event tables that directly track the named
// table, optionally narrowed to the given source-row ids.
func (q *Query) Tracks(table string, ids ...any) *Query {
	q.setMode(modeTracks)
	q.target = table
	q.ids = ids
	return q
}

// References restricts the query to event tables holding any reference into
// the named table, matching captured foreign keys as well as source-row
// references, optionally narrowed to the given referenced ids.
func (q *Query) References(table string, ids ...any) *Query {
	q.setMode(modeReferences)
	q.target = table
	q.ids = ids
	return q
}

// Across restricts the query to the named event tables.
func (q *Query) Across(tables ...string) *Query {
	q.setMode(modeAcross)
	q.across = tables
	return q
}

// Labels keeps only events carrying one of the given labels.
func (q *Query) Labels(labels ...string) *Query {
	q.labels = append(q.labels, labels...)
	return q
}

// Since keeps only events created at or after t.
func (q *Query) Since(t time.Time) *Query {
	q.since = &t
	return q
}

// Until keeps only events created at or before t.
func (q *Query) Until(t time.Time) *Query {
	q.until = &t
	return q
}

// Mode names the table-selection predicate in effect, for metric labels.
func (q *Query) Mode() string {
	return q.mode.String()
}

func (q *Query) tables() ([]*history.EventTable, error) {
	switch q.mode {
	case modeTracks:
		return q.registry.Tracking(q.target), nil
	case modeReferences:
		return q.registry.Referencing(q.target), nil
	case modeAcross:
		out := make([]*history.EventTable, 0, len(q.across))
		for _, name := range q.across {
			ev, ok := q.registry.Table(name)
			if !ok {
				return nil, fmt.Errorf("%w: no event table named %q", history.ErrNotFound, name)
			}
			out = append(out, ev)
		}
		return out, nil
	default:
		return q.registry.Tables(), nil
	}
}

// SQL renders the query and its bound arguments. An empty table selection
// still yields a valid statement with a typed zero-row body, so callers do
// not special-case it.
func (q *Query) SQL() (string, []any, error) {
	if q.err != nil {
		return "", nil, q.err
	}
	tables, err := q.tables()
	if err != nil {
		return "", nil, err
	}

	var args []any
	subqueries := make([]string, 0, len(tables))
	for _, ev := range tables {
		sub, subArgs := q.tableQuery(ev, len(args))
		subqueries = append(subqueries, sub)
		args = append(args, subArgs...)
	}
	if len(subqueries) == 0 {
		subqueries = append(subqueries, emptyQuery)
	}

	var b strings.Builder
	b.WriteString("WITH _events AS (\n")
	b.WriteString(strings.Join(subqueries, "\nUNION ALL\n"))
	b.WriteString("\n)\nSELECT * FROM _events")

	conds := make([]string, 0, 3)
	if len(q.labels) > 0 {
		ph := make([]string, len(q.labels))
		for i, l := range q.labels {
			ph[i] = fmt.Sprintf("$%d", len(args)+1)
			args = append(args, l)
		}
		conds = append(conds, fmt.Sprintf("trail_label IN (%s)", strings.Join(ph, ", ")))
	}
	if q.since != nil {
		conds = append(conds, fmt.Sprintf("trail_created_at >= $%d", len(args)+1))
		args = append(args, *q.since)
	}
	if q.until != nil {
		conds = append(conds, fmt.Sprintf("trail_created_at <= $%d", len(args)+1))
		args = append(args, *q.until)
	}
	if len(conds) > 0 {
		b.WriteString("\nWHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	b.WriteString("\nORDER BY trail_created_at, trail_id")

	return b.String(), args, nil
}

// emptyQuery is the typed zero-row body used when no event table matches the
// selection predicate.
const emptyQuery = `SELECT NULL::BIGINT AS trail_id, NULL::TEXT AS trail_table, NULL::TIMESTAMPTZ AS trail_created_at, NULL::TEXT AS trail_label, NULL::TEXT AS trail_obj_id, NULL::UUID AS trail_context_id, NULL::JSONB AS trail_context, NULL::JSONB AS trail_data, NULL::JSONB AS trail_diff WHERE FALSE`

// tableQuery projects one event table onto the common aggregate shape.
// argOffset is the number of arguments already bound by earlier subqueries;
// placeholders are numbered across the whole statement.
func (q *Query) tableQuery(ev *history.EventTable, argOffset int) (string, []any) {
	quoted := schema.QuoteIdentifier(ev.Name)

	objExpr := "NULL::TEXT"
	partition := "_snapshot.trail_label"
	if ev.ObjRef {
		objExpr = "_event.trail_obj_id::TEXT"
		partition = "_snapshot.trail_obj_id, _snapshot.trail_label"
	}

	ctxIDExpr := "NULL::UUID"
	ctxExpr := "NULL::JSONB"
	contextJoin := ""
	switch ev.ContextMode {
	case history.ContextRef:
		ctxIDExpr = "_event.trail_context_id"
		ctxExpr = "_context.metadata"
		contextJoin = fmt.Sprintf("\nLEFT JOIN %s _context ON _event.trail_context_id = _context.id",
			schema.QuoteIdentifier(history.ContextTable))
	case history.ContextInline:
		if ev.ContextID {
			ctxIDExpr = "_event.trail_context_id"
		}
		ctxExpr = "_event.trail_context"
	}

	innerWhere, args := q.idsPredicate(ev, argOffset)

	var b strings.Builder
	b.WriteString("SELECT\n")
	b.WriteString("    _event.trail_id,\n")
	fmt.Fprintf(&b, "    '%s' AS trail_table,\n", ev.Name)
	b.WriteString("    _event.trail_created_at,\n")
	b.WriteString("    _event.trail_label,\n")
	fmt.Fprintf(&b, "    %s AS trail_obj_id,\n", objExpr)
	fmt.Fprintf(&b, "    %s AS trail_context_id,\n", ctxIDExpr)
	fmt.Fprintf(&b, "    %s AS trail_context,\n", ctxExpr)
	b.WriteString("    _event._curr_data AS trail_data,\n")
	b.WriteString("    (SELECT jsonb_object_agg(curr.key, jsonb_build_array(prev.value, curr.value))\n")
	b.WriteString("        FROM jsonb_each(_event._curr_data) curr\n")
	b.WriteString("        LEFT OUTER JOIN jsonb_each(_event._prev_data) prev ON curr.key = prev.key\n")
	b.WriteString("        WHERE prev.key IS NOT NULL AND prev.value IS DISTINCT FROM curr.value) AS trail_diff\n")
	b.WriteString("FROM (\n")
	fmt.Fprintf(&b, "    SELECT _snapshot.*, LAG(_snapshot._curr_data) OVER (PARTITION BY %s ORDER BY _snapshot.trail_id) AS _prev_data\n", partition)
	b.WriteString("    FROM (\n")
	fmt.Fprintf(&b, "        SELECT %s.*, (\n", quoted)
	b.WriteString("            SELECT jsonb_object_agg(key, value)\n")
	fmt.Fprintf(&b, "            FROM jsonb_each(to_jsonb(%s))\n", quoted)
	b.WriteString("            WHERE key NOT LIKE 'trail\\_%'\n")
	b.WriteString("        ) AS _curr_data\n")
	fmt.Fprintf(&b, "        FROM %s", quoted)
	if innerWhere != "" {
		fmt.Fprintf(&b, "\n        WHERE %s", innerWhere)
	}
	b.WriteString("\n    ) _snapshot\n")
	b.WriteString(") _event")
	b.WriteString(contextJoin)

	return b.String(), args
}

// idsPredicate renders the id filter applied inside the per-table scan,
// before the window function. Filtering on the partition key there keeps
// diffs intact while skipping unrelated rows.
func (q *Query) idsPredicate(ev *history.EventTable, argOffset int) (string, []any) {
	if len(q.ids) == 0 {
		return "", nil
	}

	var cols []string
	switch q.mode {
	case modeTracks:
		cols = []string{history.ColObj}
	case modeReferences:
		if ev.Tracks(q.target) {
			cols = append(cols, history.ColObj)
		}
		for _, f := range ev.CapturedFields() {
			if c, ok := ev.Source.Column(f); ok && c.References == q.target {
				cols = append(cols, c.Name)
			}
		}
	default:
		return "", nil
	}

	var args []any
	parts := make([]string, 0, len(cols))
	for _, col := range cols {
		ph := make([]string, len(q.ids))
		for i, id := range q.ids {
			ph[i] = fmt.Sprintf("$%d", argOffset+len(args)+1)
			args = append(args, id)
		}
		parts = append(parts, fmt.Sprintf("%s IN (%s)", schema.QuoteIdentifier(col), strings.Join(ph, ", ")))
	}
	return strings.Join(parts, " OR "), args
}
