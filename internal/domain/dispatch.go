package domain

import (
	"context"
	"time"
)

// TaskStatus tracks a dispatch task through its lifecycle.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
)

// DispatchTask wraps a match queued for execution.
type DispatchTask struct {
	ID         string
	Match      StrategyMatch
	Status     TaskStatus
	EnqueuedAt time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	Profit     float64
	Error      string
}

// QueueStats is a point-in-time snapshot of the dispatch queue.
type QueueStats struct {
	Queued      int     `json:"queued"`
	Draining    bool    `json:"draining"`
	Processed   int64   `json:"processed"`
	Succeeded   int64   `json:"succeeded"`
	Failed      int64   `json:"failed"`
	TotalProfit float64 `json:"total_profit"`
}

// ExecutionResult is what the execution collaborator reports back for
// one attempted match.
type ExecutionResult struct {
	Success   bool
	Simulated bool
	Profit    float64 // realized or simulated, in USD
	OrderIDs  []string
	Message   string
}

// TradeExecutor places the orders a match calls for. Implementations
// may submit real signed orders or simulate fills.
type TradeExecutor interface {
	Execute(ctx context.Context, match StrategyMatch) (ExecutionResult, error)
	Name() string
}

// Execution is the persisted record of one execution attempt.
type Execution struct {
	ID         string
	MatchID    string
	Strategy   StrategyKind
	Success    bool
	Simulated  bool
	Profit     float64
	OrderIDs   []string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}
