package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tcaengine/internal/domain"
)

// SnapshotStore implements domain.SnapshotStore using PostgreSQL.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore creates a new SnapshotStore backed by the given pool.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// Save appends one metrics snapshot.
func (s *SnapshotStore) Save(ctx context.Context, m domain.MonitoringMetrics) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("postgres: marshal snapshot %s: %w", m.OrderID, err)
	}
	const query = `
		INSERT INTO tca_metric_snapshots (
			order_id, symbol, state, realized_impact_bps, slippage_bps,
			total_cost_bps, efficiency_score, payload, observed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = s.pool.Exec(ctx, query,
		m.OrderID, m.Symbol, string(m.State), m.RealizedImpactBps, m.SlippageBps,
		m.TotalCostBps, m.EfficiencyScore, payload, m.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: save snapshot %s: %w", m.OrderID, err)
	}
	return nil
}

// SaveBatch appends several snapshots in one round trip.
func (s *SnapshotStore) SaveBatch(ctx context.Context, ms []domain.MonitoringMetrics) error {
	if len(ms) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, m := range ms {
		payload, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("postgres: marshal snapshot %s: %w", m.OrderID, err)
		}
		batch.Queue(`
			INSERT INTO tca_metric_snapshots (
				order_id, symbol, state, realized_impact_bps, slippage_bps,
				total_cost_bps, efficiency_score, payload, observed_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			m.OrderID, m.Symbol, string(m.State), m.RealizedImpactBps, m.SlippageBps,
			m.TotalCostBps, m.EfficiencyScore, payload, m.Timestamp,
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: save snapshot batch: %w", err)
	}
	return nil
}

// ListByOrder returns the newest snapshots for an order, newest first.
func (s *SnapshotStore) ListByOrder(ctx context.Context, orderID string, limit int) ([]domain.MonitoringMetrics, error) {
	var f filter
	f.add("order_id = $%d", orderID)
	query := `SELECT payload FROM tca_metric_snapshots` + f.where() +
		` ORDER BY observed_at DESC, id DESC` + f.page(limit, 0)

	rows, err := s.pool.Query(ctx, query, f.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list snapshots %s: %w", orderID, err)
	}
	out, err := pgx.CollectRows(rows, scanJSON[domain.MonitoringMetrics])
	if err != nil {
		return nil, fmt.Errorf("postgres: scan snapshots %s: %w", orderID, err)
	}
	return out, nil
}

// scanJSON decodes a single JSONB payload column into T.
func scanJSON[T any](row pgx.CollectableRow) (T, error) {
	var v T
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		return v, err
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("unmarshal payload: %w", err)
	}
	return v, nil
}
