// Package dispatch serializes match execution. Matches queue up FIFO
// and one drain at a time works through them, so leg placement for one
// opportunity never interleaves with another.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marcusholm/polyscan/internal/domain"
)

// Config holds the queue settings.
type Config struct {
	TaskDelay time.Duration // pause between consecutive tasks
}

// ExecutionNotifier receives the outcome of every execution attempt.
// The concrete implementation is *notify.Notifier.
type ExecutionNotifier interface {
	ExecutionDone(ctx context.Context, exec domain.Execution)
}

// Queue runs matches through the executor one at a time. Enqueueing
// kicks off a background drain when none is active; Drain can also be
// called directly. A failed task is recorded and the drain moves on.
type Queue struct {
	executor domain.TradeExecutor
	execs    domain.ExecutionStore // optional
	matches  domain.MatchStore     // optional, marks matches executed
	bus      domain.SignalBus      // optional
	notifier ExecutionNotifier     // optional
	cfg      Config
	logger   *slog.Logger

	mu          sync.Mutex
	tasks       []*domain.DispatchTask
	draining    bool
	stopped     bool
	processed   int64
	succeeded   int64
	failed      int64
	totalProfit float64
}

func NewQueue(
	executor domain.TradeExecutor,
	execs domain.ExecutionStore,
	matches domain.MatchStore,
	bus domain.SignalBus,
	notifier ExecutionNotifier,
	cfg Config,
	logger *slog.Logger,
) *Queue {
	return &Queue{
		executor: executor,
		execs:    execs,
		matches:  matches,
		bus:      bus,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "dispatch")),
	}
}

// Enqueue appends a match to the queue and starts a background drain
// if none is running. It reports false once the queue has been
// stopped.
func (q *Queue) Enqueue(match domain.StrategyMatch) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	task := &domain.DispatchTask{
		ID:         uuid.New().String(),
		Match:      match,
		Status:     domain.TaskStatusPending,
		EnqueuedAt: time.Now().UTC(),
	}
	q.tasks = append(q.tasks, task)
	depth := len(q.tasks)
	q.mu.Unlock()

	q.logger.Info("match queued",
		slog.String("task_id", task.ID),
		slog.String("match_id", match.ID),
		slog.String("strategy", string(match.Strategy)),
		slog.Int("depth", depth),
	)

	go q.drainAsync()
	return true
}

// TriggerExecution queues a match regardless of confidence, for the
// operator-initiated path. The returned id identifies the task.
func (q *Queue) TriggerExecution(match domain.StrategyMatch) (string, error) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return "", domain.ErrQueueStopped
	}
	task := &domain.DispatchTask{
		ID:         uuid.New().String(),
		Match:      match,
		Status:     domain.TaskStatusPending,
		EnqueuedAt: time.Now().UTC(),
	}
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()

	q.logger.Info("manual execution triggered",
		slog.String("task_id", task.ID),
		slog.String("match_id", match.ID),
	)

	go q.drainAsync()
	return task.ID, nil
}

func (q *Queue) drainAsync() {
	if _, err := q.Drain(context.Background()); err != nil && !errors.Is(err, domain.ErrQueueDraining) {
		q.logger.Error("background drain failed", slog.String("error", err.Error()))
	}
}

// Drain works the queue until it empties, one task at a time with the
// configured delay in between. Only one drain runs at once; a call
// while another is active returns ErrQueueDraining and does nothing.
// Cancellation and Stop are honored between tasks, never mid-task.
func (q *Queue) Drain(ctx context.Context) (int, error) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return 0, domain.ErrQueueDraining
	}
	q.draining = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	ran := 0
	for {
		q.mu.Lock()
		if q.stopped || len(q.tasks) == 0 {
			q.mu.Unlock()
			return ran, nil
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.runTask(ctx, task)
		ran++

		if ctx.Err() != nil {
			return ran, nil
		}
		if q.cfg.TaskDelay > 0 {
			t := time.NewTimer(q.cfg.TaskDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ran, nil
			case <-t.C:
			}
		}
	}
}

func (q *Queue) runTask(ctx context.Context, task *domain.DispatchTask) {
	started := time.Now().UTC()
	task.Status = domain.TaskStatusRunning
	task.StartedAt = &started

	q.logger.InfoContext(ctx, "executing match",
		slog.String("task_id", task.ID),
		slog.String("match_id", task.Match.ID),
		slog.String("strategy", string(task.Match.Strategy)),
		slog.Float64("estimated_profit", task.Match.EstimatedProfit),
		slog.String("executor", q.executor.Name()),
	)

	res, err := q.executor.Execute(ctx, task.Match)
	finished := time.Now().UTC()
	task.FinishedAt = &finished

	switch {
	case err != nil:
		task.Status = domain.TaskStatusFailed
		task.Error = err.Error()
		q.logger.ErrorContext(ctx, "match execution failed",
			slog.String("task_id", task.ID),
			slog.String("match_id", task.Match.ID),
			slog.String("error", err.Error()),
		)
	case !res.Success:
		task.Status = domain.TaskStatusFailed
		task.Error = res.Message
		q.logger.WarnContext(ctx, "match execution rejected",
			slog.String("task_id", task.ID),
			slog.String("match_id", task.Match.ID),
			slog.String("message", res.Message),
		)
	default:
		task.Status = domain.TaskStatusSucceeded
		task.Profit = res.Profit
		q.logger.InfoContext(ctx, "match executed",
			slog.String("task_id", task.ID),
			slog.String("match_id", task.Match.ID),
			slog.Float64("profit", res.Profit),
			slog.Bool("simulated", res.Simulated),
		)
	}

	q.mu.Lock()
	q.processed++
	if task.Status == domain.TaskStatusSucceeded {
		q.succeeded++
		q.totalProfit += task.Profit
	} else {
		q.failed++
	}
	q.mu.Unlock()

	q.record(ctx, task, res)
}

// record persists the attempt and announces it. Failures here are
// logged and never fail the task.
func (q *Queue) record(ctx context.Context, task *domain.DispatchTask, res domain.ExecutionResult) {
	exec := domain.Execution{
		ID:         task.ID,
		MatchID:    task.Match.ID,
		Strategy:   task.Match.Strategy,
		Success:    task.Status == domain.TaskStatusSucceeded,
		Simulated:  res.Simulated,
		Profit:     task.Profit,
		OrderIDs:   res.OrderIDs,
		Error:      task.Error,
		StartedAt:  *task.StartedAt,
		FinishedAt: *task.FinishedAt,
	}

	if q.execs != nil {
		if err := q.execs.Insert(ctx, exec); err != nil {
			q.logger.WarnContext(ctx, "persist execution failed",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if q.matches != nil && task.Status == domain.TaskStatusSucceeded {
		if err := q.matches.MarkExecuted(ctx, task.Match.ID); err != nil {
			q.logger.WarnContext(ctx, "mark match executed failed",
				slog.String("match_id", task.Match.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if q.bus != nil {
		evt, _ := json.Marshal(map[string]any{
			"event":     "match_executed",
			"task_id":   task.ID,
			"match_id":  task.Match.ID,
			"strategy":  task.Match.Strategy,
			"status":    task.Status,
			"profit":    task.Profit,
			"simulated": res.Simulated,
			"error":     task.Error,
		})
		if err := q.bus.Publish(ctx, "executions", evt); err != nil {
			q.logger.WarnContext(ctx, "publish execution failed",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if q.notifier != nil {
		q.notifier.ExecutionDone(ctx, exec)
	}
}

// Stop rejects further enqueues and makes an active drain finish its
// current task and park the rest.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	pending := len(q.tasks)
	q.mu.Unlock()

	q.logger.Info("queue stopped", slog.Int("pending", pending))
}

// Stats returns a point-in-time snapshot.
func (q *Queue) Stats() domain.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return domain.QueueStats{
		Queued:      len(q.tasks),
		Draining:    q.draining,
		Processed:   q.processed,
		Succeeded:   q.succeeded,
		Failed:      q.failed,
		TotalProfit: q.totalProfit,
	}
}
