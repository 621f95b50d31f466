package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marcusholm/polyscan/internal/domain"
)

// MatchStore implements domain.MatchStore using PostgreSQL.
type MatchStore struct {
	pool *pgxpool.Pool
}

// NewMatchStore creates a MatchStore backed by the given pool.
func NewMatchStore(pool *pgxpool.Pool) *MatchStore {
	return &MatchStore{pool: pool}
}

const matchSelectCols = `id, strategy, confidence, condition_id, question, legs,
	price_sum, estimated_profit, reason, source, executed, created_at`

const matchInsertQuery = `
	INSERT INTO matches (
		id, strategy, confidence, condition_id, question, legs,
		price_sum, estimated_profit, reason, source, executed, created_at
	) VALUES (
		$1, $2, $3, $4, $5, $6,
		$7, $8, $9, $10, $11, $12
	) ON CONFLICT (id) DO NOTHING`

func matchInsertArgs(m domain.StrategyMatch) ([]any, error) {
	legsJSON, err := json.Marshal(m.Legs)
	if err != nil {
		return nil, fmt.Errorf("marshal legs: %w", err)
	}
	return []any{
		m.ID, string(m.Strategy), string(m.Confidence), m.ConditionID, m.Question, legsJSON,
		m.PriceSum, m.EstimatedProfit, m.Reason, m.Source, m.Executed, m.CreatedAt,
	}, nil
}

func scanMatchRow(row pgx.Row) (domain.StrategyMatch, error) {
	var (
		m        domain.StrategyMatch
		legsJSON []byte
	)
	err := row.Scan(
		&m.ID, &m.Strategy, &m.Confidence, &m.ConditionID, &m.Question, &legsJSON,
		&m.PriceSum, &m.EstimatedProfit, &m.Reason, &m.Source, &m.Executed, &m.CreatedAt,
	)
	if err != nil {
		return domain.StrategyMatch{}, err
	}
	if len(legsJSON) > 0 {
		if err := json.Unmarshal(legsJSON, &m.Legs); err != nil {
			return domain.StrategyMatch{}, fmt.Errorf("unmarshal legs: %w", err)
		}
	}
	return m, nil
}

func scanMatchRows(rows pgx.Rows) ([]domain.StrategyMatch, error) {
	var matches []domain.StrategyMatch
	for rows.Next() {
		m, err := scanMatchRow(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// Insert stores one match. Re-inserting an existing ID is a no-op.
func (s *MatchStore) Insert(ctx context.Context, match domain.StrategyMatch) error {
	args, err := matchInsertArgs(match)
	if err != nil {
		return fmt.Errorf("postgres: insert match: %w", err)
	}
	if _, err := s.pool.Exec(ctx, matchInsertQuery, args...); err != nil {
		return fmt.Errorf("postgres: insert match %s: %w", match.ID, err)
	}
	return nil
}

// InsertBatch stores multiple matches in one round trip.
func (s *MatchStore) InsertBatch(ctx context.Context, matches []domain.StrategyMatch) error {
	if len(matches) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, m := range matches {
		args, err := matchInsertArgs(m)
		if err != nil {
			return fmt.Errorf("postgres: insert match batch: %w", err)
		}
		batch.Queue(matchInsertQuery, args...)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := range matches {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert match batch item %d: %w", i, err)
		}
	}
	return nil
}

// GetByID returns one match, or domain.ErrNotFound.
func (s *MatchStore) GetByID(ctx context.Context, id string) (domain.StrategyMatch, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+matchSelectCols+` FROM matches WHERE id = $1`, id)
	m, err := scanMatchRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.StrategyMatch{}, domain.ErrNotFound
		}
		return domain.StrategyMatch{}, fmt.Errorf("postgres: get match %s: %w", id, err)
	}
	return m, nil
}

// MarkExecuted flags a match as executed.
func (s *MatchStore) MarkExecuted(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE matches SET executed = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: mark match %s executed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListRecent returns the newest matches first.
func (s *MatchStore) ListRecent(ctx context.Context, limit int) ([]domain.StrategyMatch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+matchSelectCols+` FROM matches ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent matches: %w", err)
	}
	defer rows.Close()
	matches, err := scanMatchRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent matches: %w", err)
	}
	return matches, nil
}

// ListBefore returns matches created before the cutoff, newest first.
func (s *MatchStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.StrategyMatch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+matchSelectCols+` FROM matches WHERE created_at < $1 ORDER BY created_at DESC LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list matches before %s: %w", cutoff, err)
	}
	defer rows.Close()
	matches, err := scanMatchRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list matches before %s: %w", cutoff, err)
	}
	return matches, nil
}

// DeleteBefore prunes matches older than the cutoff and reports how
// many were removed.
func (s *MatchStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM matches WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete matches before %s: %w", cutoff, err)
	}
	return tag.RowsAffected(), nil
}
