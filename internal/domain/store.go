package domain

import (
	"context"
	"encoding/json"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// AnalysisKind tags a persisted analysis document.
type AnalysisKind string

const (
	KindShortfall   AnalysisKind = "shortfall"
	KindBenchmark   AnalysisKind = "benchmark"
	KindAttribution AnalysisKind = "attribution"
	KindSchedule    AnalysisKind = "schedule"
	KindSummary     AnalysisKind = "summary"
)

// AnalysisRecord is one persisted analysis result.
type AnalysisRecord struct {
	ID        string          `json:"id"`
	Kind      AnalysisKind    `json:"kind"`
	OrderID   string          `json:"order_id,omitempty"`
	Symbol    string          `json:"symbol,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// AnalysisStore persists analysis results as JSON documents.
type AnalysisStore interface {
	Save(ctx context.Context, rec AnalysisRecord) error
	GetByID(ctx context.Context, id string) (AnalysisRecord, error)
	ListByOrder(ctx context.Context, orderID string) ([]AnalysisRecord, error)
	List(ctx context.Context, kind AnalysisKind, opts ListOpts) ([]AnalysisRecord, error)
	ListBefore(ctx context.Context, before time.Time) ([]AnalysisRecord, error)
}

// SnapshotStore persists live-order metric snapshots.
type SnapshotStore interface {
	Save(ctx context.Context, m MonitoringMetrics) error
	SaveBatch(ctx context.Context, ms []MonitoringMetrics) error
	ListByOrder(ctx context.Context, orderID string, limit int) ([]MonitoringMetrics, error)
}

// AlertStore persists monitor alerts.
type AlertStore interface {
	Save(ctx context.Context, a TCAAlert) error
	ListRecent(ctx context.Context, limit int) ([]TCAAlert, error)
	ListBefore(ctx context.Context, before time.Time) ([]TCAAlert, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
