// Package export ships aggregated events to external destinations. Export is
// intentionally separate from the capture path: triggers write events inside
// the source transaction and must never block on the network, so shipping
// always reads from the event tables after the fact, typically on a schedule
// or behind an application endpoint. The package supports multiple
// simultaneous destinations (file, webhook) via the Shipper interface so
// events can be routed to a SIEM or log aggregator independently of the
// application's own logging pipeline.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pgtrail/pgtrail/internal/config"
	"github.com/pgtrail/pgtrail/internal/history/aggregate"
	"github.com/pgtrail/pgtrail/internal/telemetry"
)

// Record is the wire form of one exported event.
type Record struct {
	Slug      string          `json:"slug,omitempty"`
	Table     string          `json:"table"`
	ID        int64           `json:"id"`
	Label     string          `json:"label"`
	CreatedAt time.Time       `json:"created_at"`
	ObjID     string          `json:"obj_id,omitempty"`
	ContextID *uuid.UUID      `json:"context_id,omitempty"`
	Context   json.RawMessage `json:"context,omitempty"`
	Data      json.RawMessage `json:"data"`
	Diff      json.RawMessage `json:"diff,omitempty"`
}

// NewRecord converts an aggregated event to its wire form.
func NewRecord(ev *aggregate.Event) *Record {
	r := &Record{
		Slug:      ev.Slug,
		Table:     ev.Table,
		ID:        ev.ID,
		Label:     ev.Label,
		CreatedAt: ev.CreatedAt,
		ContextID: ev.ContextID,
		Context:   json.RawMessage(ev.Context),
		Data:      json.RawMessage(ev.Data),
		Diff:      json.RawMessage(ev.Diff),
	}
	if ev.ObjID.Valid {
		r.ObjID = ev.ObjID.String
	}
	return r
}

// Shipper sends event records to one destination.
type Shipper interface {
	// Ship sends one event record to the destination
	Ship(ctx context.Context, record *Record) error
	// Close cleans up any resources
	Close() error
}

// MultiShipper ships to multiple destinations
type MultiShipper struct {
	shippers []Shipper
	mu       sync.RWMutex
}

// NewMultiShipper creates a multi-shipper from the export configuration,
// with one shipper per configured destination.
func NewMultiShipper(cfg *config.ExportConfig) (*MultiShipper, error) {
	ms := &MultiShipper{
		shippers: make([]Shipper, 0),
	}

	for _, destination := range cfg.Destinations {
		var shipper Shipper
		var err error

		switch destination {
		case "file":
			shipper, err = NewFileShipper(&cfg.File)
		case "webhook":
			shipper, err = NewWebhookShipper(&cfg.Webhook)
		default:
			return nil, fmt.Errorf("unknown export destination: %s", destination)
		}

		if err != nil {
			return nil, fmt.Errorf("failed to create %s shipper: %w", destination, err)
		}

		ms.shippers = append(ms.shippers, shipper)
	}

	return ms, nil
}

// Ship sends a record to every configured destination. A failing destination
// does not stop the others; the last error is returned.
func (ms *MultiShipper) Ship(ctx context.Context, record *Record) error {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var lastErr error
	for _, shipper := range ms.shippers {
		if err := shipper.Ship(ctx, record); err != nil {
			lastErr = err
			slog.Error("Export shipper error", "error", err)
		}
	}
	return lastErr
}

// Close closes all shippers
func (ms *MultiShipper) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var lastErr error
	for _, shipper := range ms.shippers {
		if err := shipper.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// WebhookShipper posts event records to an HTTP endpoint as JSON.
type WebhookShipper struct {
	cfg    *config.ExportWebhookConfig
	client *http.Client
}

// NewWebhookShipper creates a new webhook shipper
func NewWebhookShipper(cfg *config.ExportWebhookConfig) (*WebhookShipper, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}

	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &WebhookShipper{
		cfg: cfg,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Ship posts the record to the webhook endpoint.
func (ws *WebhookShipper) Ship(ctx context.Context, record *Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal event record: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ws.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range ws.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := ws.client.Do(req)
	if err != nil {
		telemetry.ExportErrorsTotal.WithLabelValues("webhook").Inc()
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		telemetry.ExportErrorsTotal.WithLabelValues("webhook").Inc()
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	telemetry.ExportShippedTotal.WithLabelValues("webhook").Inc()
	return nil
}

// Close closes the webhook shipper
func (ws *WebhookShipper) Close() error {
	ws.client.CloseIdleConnections()
	return nil
}

// FileShipper appends event records to a file, one JSON document per line.
type FileShipper struct {
	file *os.File
	mu   sync.Mutex
}

// NewFileShipper creates a new file shipper
func NewFileShipper(cfg *config.ExportFileConfig) (*FileShipper, error) {
	file, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open export file: %w", err)
	}

	return &FileShipper{file: file}, nil
}

// Ship writes the record to the file.
func (fs *FileShipper) Ship(ctx context.Context, record *Record) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal event record: %w", err)
	}

	if _, err := fs.file.Write(append(data, '\n')); err != nil {
		telemetry.ExportErrorsTotal.WithLabelValues("file").Inc()
		return fmt.Errorf("failed to write event record: %w", err)
	}

	telemetry.ExportShippedTotal.WithLabelValues("file").Inc()
	return nil
}

// Close closes the file
func (fs *FileShipper) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.Close()
}
