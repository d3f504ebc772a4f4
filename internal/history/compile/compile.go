// Package compile turns registered event-table shapes into the DDL that
// implements them: event tables, trigger functions, and the row-level
// triggers that call them. All capture happens inside Postgres, so an event
// is recorded no matter which client or code path touched the row.
package compile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pgtrail/pgtrail/internal/history"
	"github.com/pgtrail/pgtrail/internal/schema"
	"github.com/pgtrail/pgtrail/internal/validation"
)

// Trigger is one compiled capture trigger: the plpgsql function that writes
// the event row and the trigger statement that binds it to the source table.
type Trigger struct {
	Name         string
	FunctionName string
	Function     string // CREATE OR REPLACE FUNCTION ...
	Create       string // DROP TRIGGER IF EXISTS ...; CREATE TRIGGER ...
}

// EventTableDDL returns the statements that create the event table and its
// indexes. The source-row and context columns deliberately carry no foreign
// key constraints: a delete tracker inserts its event after the source row
// is gone, and events must outlive the rows they describe.
func EventTableDDL(ev *history.EventTable) []string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", schema.QuoteIdentifier(ev.Name))

	cols := ev.Columns()
	for i, c := range cols {
		fmt.Fprintf(&b, "    %s %s", schema.QuoteIdentifier(c.Name), strings.ToUpper(c.Type))
		if c.PrimaryKey {
			b.WriteString(" PRIMARY KEY")
		} else if !c.Nullable {
			b.WriteString(" NOT NULL")
		}
		if i < len(cols)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString(")")

	stmts := []string{b.String()}
	for _, c := range cols {
		if c.Name != history.ColObj && c.Name != history.ColContextID {
			continue
		}
		idx := validation.TruncateIdentifier(fmt.Sprintf("%s_%s_idx", ev.Name, c.Name))
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			schema.QuoteIdentifier(idx),
			schema.QuoteIdentifier(ev.Name),
			schema.QuoteIdentifier(c.Name)))
	}
	return stmts
}

// Triggers compiles one Trigger per tracker on the event table. Generated
// object names include the operation so a snapshot pair sharing a label
// still gets distinct trigger and function names.
func Triggers(ev *history.EventTable) []Trigger {
	out := make([]Trigger, 0, len(ev.Trackers))
	for _, tr := range ev.Trackers {
		base := validation.TruncateIdentifier(fmt.Sprintf(
			"trail_%s_%s_%s", ev.Source.Name, tr.Label, strings.ToLower(string(tr.Operation))))
		fnName := validation.TruncateIdentifier(base + "_fn")

		out = append(out, Trigger{
			Name:         base,
			FunctionName: fnName,
			Function:     triggerFunction(ev, tr, fnName),
			Create:       triggerCreate(ev, tr, base, fnName),
		})
	}
	return out
}

// triggerFunction renders the plpgsql body. The insert column list mirrors
// the manual event writer so trigger-created and hand-written events are
// indistinguishable on disk.
func triggerFunction(ev *history.EventTable, tr history.Tracker, fnName string) string {
	row := string(tr.Row)

	columns := []string{history.ColCreatedAt, history.ColLabel}
	values := []string{"NOW()", quoteLiteral(tr.Label)}

	captured := append([]string(nil), ev.CapturedFields()...)
	sort.Strings(captured)
	for _, f := range captured {
		columns = append(columns, f)
		values = append(values, fmt.Sprintf("%s.%s", row, schema.QuoteIdentifier(f)))
	}

	if ev.ObjRef {
		if pk, ok := ev.Source.PrimaryKey(); ok {
			columns = append(columns, history.ColObj)
			values = append(values, fmt.Sprintf("%s.%s", row, schema.QuoteIdentifier(pk.Name)))
		}
	}

	switch ev.ContextMode {
	case history.ContextRef:
		columns = append(columns, history.ColContextID)
		values = append(values, history.AttachContextFunc+"()")
	case history.ContextInline:
		if ev.ContextID {
			columns = append(columns, history.ColContextID)
			values = append(values, fmt.Sprintf(
				"NULLIF(CURRENT_SETTING('%s', TRUE), '')::UUID", "pgtrail.context_id"))
		}
		columns = append(columns, history.ColContext)
		values = append(values, fmt.Sprintf(
			"NULLIF(CURRENT_SETTING('%s', TRUE), '')::JSONB", "pgtrail.context_metadata"))
	}

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = schema.QuoteIdentifier(c)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE OR REPLACE FUNCTION %s()\n", schema.QuoteIdentifier(fnName))
	b.WriteString("RETURNS TRIGGER LANGUAGE plpgsql AS $$\n")
	b.WriteString("BEGIN\n")
	fmt.Fprintf(&b, "    INSERT INTO %s (%s)\n", schema.QuoteIdentifier(ev.Name), strings.Join(quoted, ", "))
	fmt.Fprintf(&b, "    VALUES (%s);\n", strings.Join(values, ", "))
	b.WriteString("    RETURN NULL;\n")
	b.WriteString("END;\n")
	b.WriteString("$$")
	return b.String()
}

func triggerCreate(ev *history.EventTable, tr history.Tracker, name, fnName string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "DROP TRIGGER IF EXISTS %s ON %s;\n",
		schema.QuoteIdentifier(name), schema.QuoteIdentifier(ev.Source.Name))
	fmt.Fprintf(&b, "CREATE TRIGGER %s\n", schema.QuoteIdentifier(name))
	fmt.Fprintf(&b, "AFTER %s ON %s\n", strings.ToUpper(string(tr.Operation)), schema.QuoteIdentifier(ev.Source.Name))
	b.WriteString("FOR EACH ROW")
	if cond := CompileCondition(ev, tr); cond != "" {
		fmt.Fprintf(&b, "\nWHEN (%s)", cond)
	}
	fmt.Fprintf(&b, "\nEXECUTE FUNCTION %s()", schema.QuoteIdentifier(fnName))
	return b.String()
}

// CompileCondition renders a tracker's firing condition as a trigger WHEN
// expression, or "" for unconditional trackers. A change gate over exactly
// the full source row collapses to the whole-row comparison; otherwise each
// gated column is compared with a null-safe inequality.
func CompileCondition(ev *history.EventTable, tr history.Tracker) string {
	cond := tr.Condition
	if cond == nil {
		return ""
	}
	if cond.Raw != "" {
		return cond.Raw
	}

	fields := cond.Changed
	if len(fields) == 0 {
		fields = ev.CapturedFields()
	}
	fields = append([]string(nil), fields...)
	sort.Strings(fields)

	if coversAllColumns(ev.Source, fields) {
		return "OLD.* IS DISTINCT FROM NEW.*"
	}

	parts := make([]string, len(fields))
	for i, f := range fields {
		q := schema.QuoteIdentifier(f)
		parts[i] = fmt.Sprintf("OLD.%s IS DISTINCT FROM NEW.%s", q, q)
	}
	return strings.Join(parts, " OR ")
}

func coversAllColumns(src *schema.Table, fields []string) bool {
	if len(fields) != len(src.Columns) {
		return false
	}
	for _, c := range src.Columns {
		found := false
		for _, f := range fields {
			if f == c.Name {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
