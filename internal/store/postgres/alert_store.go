package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tcaengine/internal/domain"
)

// AlertStore implements domain.AlertStore using PostgreSQL.
type AlertStore struct {
	pool *pgxpool.Pool
}

// NewAlertStore creates a new AlertStore backed by the given pool.
func NewAlertStore(pool *pgxpool.Pool) *AlertStore {
	return &AlertStore{pool: pool}
}

// Save inserts an alert. A duplicate id returns domain.ErrAlreadyExists.
func (s *AlertStore) Save(ctx context.Context, a domain.TCAAlert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("postgres: marshal alert %s: %w", a.ID, err)
	}
	const query = `
		INSERT INTO tca_alerts (
			id, order_id, symbol, alert_type, severity,
			current_value, threshold, payload, raised_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = s.pool.Exec(ctx, query,
		a.ID, a.OrderID, a.Symbol, string(a.Type), string(a.Severity),
		a.CurrentValue, a.Threshold, payload, a.Timestamp,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("postgres: save alert %s: %w", a.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: save alert %s: %w", a.ID, err)
	}
	return nil
}

// ListRecent returns the newest alerts, newest first.
func (s *AlertStore) ListRecent(ctx context.Context, limit int) ([]domain.TCAAlert, error) {
	var f filter
	query := `SELECT payload FROM tca_alerts ORDER BY raised_at DESC, id` + f.page(limit, 0)
	return s.query(ctx, "list recent alerts", query, f.args...)
}

// ListBefore returns alerts raised strictly before the cutoff, oldest first.
func (s *AlertStore) ListBefore(ctx context.Context, before time.Time) ([]domain.TCAAlert, error) {
	return s.query(ctx, "list alerts before",
		`SELECT payload FROM tca_alerts WHERE raised_at < $1 ORDER BY raised_at`, before)
}

// DeleteBefore removes alerts raised strictly before the cutoff.
func (s *AlertStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tca_alerts WHERE raised_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete alerts before %s: %w", before.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}

func (s *AlertStore) query(ctx context.Context, op, query string, args ...any) ([]domain.TCAAlert, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	out, err := pgx.CollectRows(rows, scanJSON[domain.TCAAlert])
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	return out, nil
}
