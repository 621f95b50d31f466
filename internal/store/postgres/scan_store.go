package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marcusholm/polyscan/internal/domain"
)

// ScanStore implements domain.ScanStore using PostgreSQL. Each row is a
// self-contained scan pass including its matches, so a report reads
// back whole.
type ScanStore struct {
	pool *pgxpool.Pool
}

// NewScanStore creates a ScanStore backed by the given pool.
func NewScanStore(pool *pgxpool.Pool) *ScanStore {
	return &ScanStore{pool: pool}
}

// Insert stores one scan pass summary.
func (s *ScanStore) Insert(ctx context.Context, report domain.ScanReport) error {
	matchesJSON, err := json.Marshal(report.Matches)
	if err != nil {
		return fmt.Errorf("postgres: insert scan pass: marshal matches: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO scan_passes (
			id, started_at, finished_at, markets_listed, markets_evaluated,
			quotes_fetched, quote_failures, matches, partial, error
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10
		) ON CONFLICT (id) DO NOTHING`,
		report.ID, report.StartedAt, report.FinishedAt, report.MarketsListed, report.MarketsEvaluated,
		report.QuotesFetched, report.QuoteFailures, matchesJSON, report.Partial, report.Error,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert scan pass %s: %w", report.ID, err)
	}
	return nil
}

// ListRecent returns the newest scan passes first.
func (s *ScanStore) ListRecent(ctx context.Context, limit int) ([]domain.ScanReport, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, started_at, finished_at, markets_listed, markets_evaluated,
			quotes_fetched, quote_failures, matches, partial, error
		FROM scan_passes ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent scan passes: %w", err)
	}
	defer rows.Close()

	var reports []domain.ScanReport
	for rows.Next() {
		var (
			r           domain.ScanReport
			matchesJSON []byte
		)
		if err := rows.Scan(
			&r.ID, &r.StartedAt, &r.FinishedAt, &r.MarketsListed, &r.MarketsEvaluated,
			&r.QuotesFetched, &r.QuoteFailures, &matchesJSON, &r.Partial, &r.Error,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan pass row: %w", err)
		}
		if len(matchesJSON) > 0 {
			if err := json.Unmarshal(matchesJSON, &r.Matches); err != nil {
				return nil, fmt.Errorf("postgres: scan pass %s: unmarshal matches: %w", r.ID, err)
			}
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list recent scan passes: %w", err)
	}
	return reports, nil
}
