// Package schema describes the tables whose rows are tracked. It is the
// declaration layer consumed by the trigger compiler and the registry: a Table
// lists its columns, primary key, and any foreign-key references, and the
// package derives default names for generated history artifacts.
//
// The package is intentionally a plain data model. It never talks to the
// database; applications (or migration tooling) construct Table values that
// mirror their live schema and hand them to the history packages.
package schema

import (
	"strings"

	"github.com/jinzhu/inflection"
)

// Column describes a single column of a declared table.
type Column struct {
	Name       string
	Type       string // SQL type as written in DDL, e.g. "text", "bigint", "jsonb"
	Nullable   bool
	PrimaryKey bool
	// References holds the name of the table this column is a foreign key
	// into, or "" when the column carries no reference. The registry uses it
	// to answer "which event tables hold a column pointing at table X".
	References string
}

// Table describes a tracked entity table.
type Table struct {
	Name    string
	Columns []Column
}

// PrimaryKey returns the table's primary-key column. The second return value
// is false when no column is marked as the primary key.
func (t *Table) PrimaryKey() (Column, bool) {
	for _, c := range t.Columns {
		if c.PrimaryKey {
			return c, true
		}
	}
	return Column{}, false
}

// Column returns the named column, if declared.
func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// HasColumn reports whether the table declares the named column.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.Column(name)
	return ok
}

// ColumnNames returns the declared column names in declaration order.
func (t *Table) ColumnNames() []string {
	names := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		names = append(names, c.Name)
	}
	return names
}

// EventTableName derives the default name of the event table generated for a
// source table. Tracking all of "users" yields "user_events"; tracking only
// the "email" field yields "user_email_events". Callers may always override
// the derived name; this exists so most declarations need no explicit naming.
func EventTableName(source string, fields []string) string {
	base := inflection.Singular(source)
	if len(fields) > 0 {
		base += "_" + strings.Join(fields, "_")
	}
	return inflection.Plural(base + "_event")
}

// QuoteIdentifier returns the identifier wrapped in double quotes with any
// embedded quotes doubled, suitable for interpolation into generated DDL.
func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
