package aggregate

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"

	"github.com/pgtrail/pgtrail/internal/telemetry"
)

// Event is one aggregated row: the event's bookkeeping fields plus the
// captured data, the diff against the previous event in its stream, and the
// context active when it was recorded. Diff and Context are null for first
// events and context-free events respectively.
type Event struct {
	ID        int64          `db:"trail_id"`
	Table     string         `db:"trail_table"`
	CreatedAt time.Time      `db:"trail_created_at"`
	Label     string         `db:"trail_label"`
	ObjID     sql.NullString `db:"trail_obj_id"`
	ContextID *uuid.UUID     `db:"trail_context_id"`
	Context   types.JSONText `db:"trail_context"`
	Data      types.JSONText `db:"trail_data"`
	Diff      types.JSONText `db:"trail_diff"`

	// Slug identifies the event's target row across tables, as
	// "event_table:obj_id". Empty when the event carries no reference.
	Slug string `db:"-"`
}

// DataMap decodes the captured column values.
func (e *Event) DataMap() (map[string]any, error) {
	return decodeJSON(e.Data)
}

// DiffMap decodes the diff as column name to [old, new] pairs.
func (e *Event) DiffMap() (map[string]any, error) {
	return decodeJSON(e.Diff)
}

// ContextMap decodes the attached context metadata.
func (e *Event) ContextMap() (map[string]any, error) {
	return decodeJSON(e.Context)
}

func decodeJSON(raw types.JSONText) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var out map[string]any
	if err := raw.Unmarshal(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// Engine runs aggregate queries.
type Engine struct {
	db *sqlx.DB
}

// NewEngine creates a new Engine on top of an open database handle.
func NewEngine(db *sql.DB) *Engine {
	return &Engine{db: sqlx.NewDb(db, "postgres")}
}

// Events runs the query and returns the matching events ordered by creation
// time, oldest first.
func (e *Engine) Events(ctx context.Context, q *Query) ([]*Event, error) {
	query, args, err := q.SQL()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	rows, err := e.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate query: %w", err)
	}
	defer rows.Close()

	events := make([]*Event, 0)
	for rows.Next() {
		ev := &Event{}
		if err := rows.StructScan(ev); err != nil {
			return nil, fmt.Errorf("scan aggregate row: %w", err)
		}
		if ev.ObjID.Valid {
			ev.Slug = fmt.Sprintf("%s:%s", ev.Table, ev.ObjID.String)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	telemetry.AggregateQueryDuration.WithLabelValues(q.Mode()).Observe(time.Since(start).Seconds())
	return events, nil
}
