package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// MatchStore persists detected opportunities.
type MatchStore interface {
	Insert(ctx context.Context, match StrategyMatch) error
	InsertBatch(ctx context.Context, matches []StrategyMatch) error
	GetByID(ctx context.Context, id string) (StrategyMatch, error)
	MarkExecuted(ctx context.Context, id string) error
	ListRecent(ctx context.Context, limit int) ([]StrategyMatch, error)
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]StrategyMatch, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ExecutionStore persists execution attempts for PnL tracking.
type ExecutionStore interface {
	Insert(ctx context.Context, exec Execution) error
	ListRecent(ctx context.Context, limit int) ([]Execution, error)
	SumProfit(ctx context.Context, since time.Time) (float64, error)
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]Execution, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ScanStore persists per-pass scan summaries.
type ScanStore interface {
	Insert(ctx context.Context, report ScanReport) error
	ListRecent(ctx context.Context, limit int) ([]ScanReport, error)
}
