package history

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pgtrail/pgtrail/internal/schema"
	"github.com/pgtrail/pgtrail/internal/telemetry"
)

// Writer inserts events into event tables directly, without going through a
// trigger. Manual events carry the same bookkeeping columns as trigger-created
// ones: the context expressions are identical to the ones compiled into the
// trigger body, and each insert runs in its own transaction so the connection
// layer can deliver the active scope's session settings ahead of it. A manual
// event therefore attaches to the active tracking scope in exactly the same
// way a trigger-created one does.
type Writer struct {
	db       *sql.DB
	registry *Registry
}

// NewWriter creates a new Writer backed by db and the given registry.
func NewWriter(db *sql.DB, registry *Registry) *Writer {
	return &Writer{db: db, registry: registry}
}

// Event is the bookkeeping half of an inserted event row.
type Event struct {
	ID        int64
	Label     string
	CreatedAt time.Time
	ContextID *string
}

// Write inserts one event for the tracker registered under (source, label).
// values supplies the captured field values keyed by source column name;
// objID is the tracked row's primary key value and may be nil.
func (w *Writer) Write(ctx context.Context, source, label string, objID any, values map[string]any) (*Event, error) {
	ev, err := w.registry.Lookup(source, label)
	if err != nil {
		return nil, err
	}

	captured := ev.CapturedFields()
	for name := range values {
		found := false
		for _, f := range captured {
			if f == name {
				found = true
				break
			}
		}
		if !found {
			return nil, usageErrorf("column %q is not captured by event table %q", name, ev.Name)
		}
	}

	columns := []string{ColCreatedAt, ColLabel}
	exprs := []string{"NOW()", "$1"}
	args := []any{label}
	param := 2

	// Captured fields in sorted order, matching the trigger body layout.
	sorted := append([]string(nil), captured...)
	sort.Strings(sorted)
	for _, f := range sorted {
		columns = append(columns, f)
		exprs = append(exprs, fmt.Sprintf("$%d", param))
		args = append(args, values[f])
		param++
	}

	if ev.ObjRef {
		columns = append(columns, ColObj)
		exprs = append(exprs, fmt.Sprintf("$%d", param))
		args = append(args, objID)
		param++
	}

	switch ev.ContextMode {
	case ContextRef:
		columns = append(columns, ColContextID)
		exprs = append(exprs, fmt.Sprintf("%s()", AttachContextFunc))
	case ContextInline:
		if ev.ContextID {
			columns = append(columns, ColContextID)
			exprs = append(exprs, inlineContextIDExpr)
		}
		columns = append(columns, ColContext)
		exprs = append(exprs, inlineContextMetadataExpr)
	}

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = schema.QuoteIdentifier(c)
	}

	returning := []string{ColID, ColCreatedAt}
	wantContextID := ev.ContextMode == ContextRef || (ev.ContextMode == ContextInline && ev.ContextID)
	if wantContextID {
		returning = append(returning, ColContextID)
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
		schema.QuoteIdentifier(ev.Name),
		strings.Join(quoted, ", "),
		strings.Join(exprs, ", "),
		strings.Join(returning, ", "),
	)

	// A parameterized statement only receives the session settings inside an
	// explicit transaction, so the insert must not run on the bare pool.
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin event insert: %w", err)
	}
	defer tx.Rollback()

	out := &Event{Label: label}
	row := tx.QueryRowContext(ctx, query, args...)
	var scanErr error
	if wantContextID {
		scanErr = row.Scan(&out.ID, &out.CreatedAt, &out.ContextID)
	} else {
		scanErr = row.Scan(&out.ID, &out.CreatedAt)
	}
	if scanErr != nil {
		return nil, fmt.Errorf("insert event into %s: %w", ev.Name, scanErr)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit event insert: %w", err)
	}

	telemetry.ManualEventsTotal.WithLabelValues(ev.Name, label).Inc()
	return out, nil
}

// Inline-mode context expressions. Trigger bodies embed these same fragments
// so that manual and trigger events read the session settings identically.
const (
	inlineContextIDExpr       = "NULLIF(CURRENT_SETTING('pgtrail.context_id', TRUE), '')::UUID"
	inlineContextMetadataExpr = "NULLIF(CURRENT_SETTING('pgtrail.context_metadata', TRUE), '')::JSONB"
)
