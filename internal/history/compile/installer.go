package compile

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/pgtrail/pgtrail/internal/history"
	"github.com/pgtrail/pgtrail/internal/telemetry"
)

// Installer applies compiled DDL to a database. Sync is idempotent: tables
// are created if missing, functions replaced, and triggers dropped and
// recreated, so it can run unconditionally at startup.
type Installer struct {
	db *sql.DB
}

// NewInstaller creates a new Installer.
func NewInstaller(db *sql.DB) *Installer {
	return &Installer{db: db}
}

// Sync installs the event tables and triggers for every registered shape,
// all within one transaction so a half-applied registry never leaks into
// the schema.
func (i *Installer) Sync(ctx context.Context, registry *history.Registry) error {
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin trigger sync: %w", err)
	}
	defer tx.Rollback()

	for _, ev := range registry.Tables() {
		for _, stmt := range EventTableDDL(ev) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("create event table %s: %w", ev.Name, err)
			}
		}
		for _, trg := range Triggers(ev) {
			if _, err := tx.ExecContext(ctx, trg.Function); err != nil {
				return fmt.Errorf("install trigger function %s: %w", trg.FunctionName, err)
			}
			if _, err := tx.ExecContext(ctx, trg.Create); err != nil {
				return fmt.Errorf("install trigger %s: %w", trg.Name, err)
			}
		}
		slog.Debug("Synced event table", "table", ev.Name, "source", ev.Source.Name, "trackers", len(ev.Trackers))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit trigger sync: %w", err)
	}

	telemetry.TriggerSyncsTotal.Inc()
	slog.Info("Trigger sync complete", "tables", len(registry.Tables()))
	return nil
}

// Drop removes the triggers and trigger functions for every registered
// shape. Event tables and their data are left in place.
func (i *Installer) Drop(ctx context.Context, registry *history.Registry) error {
	for _, ev := range registry.Tables() {
		for _, trg := range Triggers(ev) {
			stmt := fmt.Sprintf(`DROP TRIGGER IF EXISTS "%s" ON "%s"`, trg.Name, ev.Source.Name)
			if _, err := i.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("drop trigger %s: %w", trg.Name, err)
			}
			stmt = fmt.Sprintf(`DROP FUNCTION IF EXISTS "%s"()`, trg.FunctionName)
			if _, err := i.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("drop trigger function %s: %w", trg.FunctionName, err)
			}
		}
	}
	slog.Info("Triggers dropped", "tables", len(registry.Tables()))
	return nil
}
