package export

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pgtrail/pgtrail/internal/history/aggregate"
	"github.com/pgtrail/pgtrail/internal/safego"
)

// Exporter runs an aggregate query and ships the results.
type Exporter struct {
	engine  *aggregate.Engine
	shipper Shipper
}

// NewExporter creates a new Exporter.
func NewExporter(engine *aggregate.Engine, shipper Shipper) *Exporter {
	return &Exporter{engine: engine, shipper: shipper}
}

// Export runs the query and ships every matching event, in order. It returns
// the number of events shipped; on a shipping failure it stops and reports
// how far it got, so a caller re-running with a Since filter does not skip
// events.
func (e *Exporter) Export(ctx context.Context, q *aggregate.Query) (int, error) {
	events, err := e.engine.Events(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("export query: %w", err)
	}

	for i, ev := range events {
		if err := e.shipper.Ship(ctx, NewRecord(ev)); err != nil {
			return i, fmt.Errorf("ship event %s id %d: %w", ev.Table, ev.ID, err)
		}
	}
	return len(events), nil
}

// ExportAsync runs Export on a background goroutine, logging the outcome
// instead of returning it. Useful behind request handlers that should not
// wait on webhook latency.
func (e *Exporter) ExportAsync(ctx context.Context, q *aggregate.Query) {
	safego.Go(func() {
		shipped, err := e.Export(ctx, q)
		if err != nil {
			slog.Error("Async export failed", "shipped", shipped, "error", err)
			return
		}
		slog.Info("Async export complete", "shipped", shipped)
	})
}
