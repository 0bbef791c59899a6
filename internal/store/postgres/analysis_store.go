package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tcaengine/internal/domain"
)

// AnalysisStore implements domain.AnalysisStore using PostgreSQL.
type AnalysisStore struct {
	pool *pgxpool.Pool
}

// NewAnalysisStore creates a new AnalysisStore backed by the given pool.
func NewAnalysisStore(pool *pgxpool.Pool) *AnalysisStore {
	return &AnalysisStore{pool: pool}
}

const analysisColumns = `id, kind, order_id, symbol, payload, created_at`

// Save inserts an analysis document. Saving an id twice returns
// domain.ErrAlreadyExists.
func (s *AnalysisStore) Save(ctx context.Context, rec domain.AnalysisRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO tca_analyses (` + analysisColumns + `) VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.pool.Exec(ctx, query,
		rec.ID, string(rec.Kind), rec.OrderID, rec.Symbol, []byte(rec.Payload), rec.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("postgres: save analysis %s: %w", rec.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: save analysis %s: %w", rec.ID, err)
	}
	return nil
}

// GetByID returns one analysis or domain.ErrNotFound.
func (s *AnalysisStore) GetByID(ctx context.Context, id string) (domain.AnalysisRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+analysisColumns+` FROM tca_analyses WHERE id = $1`, id)
	if err != nil {
		return domain.AnalysisRecord{}, fmt.Errorf("postgres: get analysis %s: %w", id, err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanAnalysis)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AnalysisRecord{}, domain.ErrNotFound
		}
		return domain.AnalysisRecord{}, fmt.Errorf("postgres: get analysis %s: %w", id, err)
	}
	return rec, nil
}

// ListByOrder returns every analysis recorded for an order, newest first.
func (s *AnalysisStore) ListByOrder(ctx context.Context, orderID string) ([]domain.AnalysisRecord, error) {
	return s.query(ctx, "list analyses by order",
		`SELECT `+analysisColumns+` FROM tca_analyses WHERE order_id = $1 ORDER BY created_at DESC`, orderID)
}

// List returns analyses of one kind (all kinds when kind is empty), newest
// first.
func (s *AnalysisStore) List(ctx context.Context, kind domain.AnalysisKind, opts domain.ListOpts) ([]domain.AnalysisRecord, error) {
	var f filter
	if kind != "" {
		f.add("kind = $%d", string(kind))
	}
	if opts.Since != nil {
		f.add("created_at >= $%d", *opts.Since)
	}
	if opts.Until != nil {
		f.add("created_at <= $%d", *opts.Until)
	}
	query := `SELECT ` + analysisColumns + ` FROM tca_analyses` + f.where() +
		` ORDER BY created_at DESC` + f.page(opts.Limit, opts.Offset)
	return s.query(ctx, "list analyses", query, f.args...)
}

// ListBefore returns analyses created strictly before the cutoff, oldest
// first.
func (s *AnalysisStore) ListBefore(ctx context.Context, before time.Time) ([]domain.AnalysisRecord, error) {
	return s.query(ctx, "list analyses before",
		`SELECT `+analysisColumns+` FROM tca_analyses WHERE created_at < $1 ORDER BY created_at`, before)
}

// DeleteBefore removes analyses created strictly before the cutoff.
func (s *AnalysisStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tca_analyses WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete analyses before %s: %w", before.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}

func (s *AnalysisStore) query(ctx context.Context, op, query string, args ...any) ([]domain.AnalysisRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	recs, err := pgx.CollectRows(rows, scanAnalysis)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	return recs, nil
}

func scanAnalysis(row pgx.CollectableRow) (domain.AnalysisRecord, error) {
	var rec domain.AnalysisRecord
	var kind string
	var payload []byte
	if err := row.Scan(&rec.ID, &kind, &rec.OrderID, &rec.Symbol, &payload, &rec.CreatedAt); err != nil {
		return rec, err
	}
	rec.Kind = domain.AnalysisKind(kind)
	rec.Payload = payload
	return rec, nil
}
