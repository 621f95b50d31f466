package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/marcusholm/polyscan/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeExecutor struct {
	mu      sync.Mutex
	results map[string]domain.ExecutionResult // keyed by match ID
	errs    map[string]error
	order   []string
	times   []time.Time
	gate    chan struct{} // when set, Execute blocks here
	entered chan struct{} // closed on first Execute
	once    sync.Once
	onExec  func(matchID string)
}

func (f *fakeExecutor) Execute(ctx context.Context, match domain.StrategyMatch) (domain.ExecutionResult, error) {
	f.mu.Lock()
	f.order = append(f.order, match.ID)
	f.times = append(f.times, time.Now())
	gate := f.gate
	onExec := f.onExec
	f.mu.Unlock()

	if f.entered != nil {
		f.once.Do(func() { close(f.entered) })
	}
	if onExec != nil {
		onExec(match.ID)
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[match.ID]; ok {
		return domain.ExecutionResult{}, err
	}
	if res, ok := f.results[match.ID]; ok {
		return res, nil
	}
	return domain.ExecutionResult{Success: true, Simulated: true, Profit: 1.0}, nil
}

func (f *fakeExecutor) Name() string { return "paper" }

func (f *fakeExecutor) executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

type fakeExecStore struct {
	mu    sync.Mutex
	execs []domain.Execution
}

func (s *fakeExecStore) Insert(ctx context.Context, e domain.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs = append(s.execs, e)
	return nil
}

func (s *fakeExecStore) ListRecent(ctx context.Context, limit int) ([]domain.Execution, error) {
	return nil, nil
}

func (s *fakeExecStore) SumProfit(ctx context.Context, since time.Time) (float64, error) {
	return 0, nil
}

func (s *fakeExecStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Execution, error) {
	return nil, nil
}

func (s *fakeExecStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

type fakeMatchStore struct {
	mu       sync.Mutex
	executed []string
}

func (s *fakeMatchStore) Insert(ctx context.Context, m domain.StrategyMatch) error        { return nil }
func (s *fakeMatchStore) InsertBatch(ctx context.Context, m []domain.StrategyMatch) error { return nil }

func (s *fakeMatchStore) GetByID(ctx context.Context, id string) (domain.StrategyMatch, error) {
	return domain.StrategyMatch{}, domain.ErrNotFound
}

func (s *fakeMatchStore) MarkExecuted(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed = append(s.executed, id)
	return nil
}

func (s *fakeMatchStore) ListRecent(ctx context.Context, limit int) ([]domain.StrategyMatch, error) {
	return nil, nil
}

func (s *fakeMatchStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.StrategyMatch, error) {
	return nil, nil
}

func (s *fakeMatchStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

type fakeBus struct {
	mu     sync.Mutex
	events map[string][][]byte
}

func (b *fakeBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.events == nil {
		b.events = make(map[string][][]byte)
	}
	b.events[channel] = append(b.events[channel], payload)
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	return nil, nil
}

func (b *fakeBus) StreamAppend(ctx context.Context, stream string, payload []byte) error { return nil }

func (b *fakeBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type fakeExecNotifier struct {
	mu    sync.Mutex
	execs []domain.Execution
}

func (n *fakeExecNotifier) ExecutionDone(ctx context.Context, exec domain.Execution) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.execs = append(n.execs, exec)
}

func (n *fakeExecNotifier) notified() []domain.Execution {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.Execution(nil), n.execs...)
}

func queuedMatch(id string, conf domain.Confidence) domain.StrategyMatch {
	return domain.StrategyMatch{
		ID:              id,
		Strategy:        domain.StrategyArbitrageShort,
		Confidence:      conf,
		ConditionID:     "0xcond",
		EstimatedProfit: 1.48,
		CreatedAt:       time.Now(),
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

type queueFixture struct {
	queue    *Queue
	executor *fakeExecutor
	execs    *fakeExecStore
	matches  *fakeMatchStore
	bus      *fakeBus
	notifier *fakeExecNotifier
}

func newQueueFixture(cfg Config, executor *fakeExecutor) *queueFixture {
	fx := &queueFixture{
		executor: executor,
		execs:    &fakeExecStore{},
		matches:  &fakeMatchStore{},
		bus:      &fakeBus{},
		notifier: &fakeExecNotifier{},
	}
	fx.queue = NewQueue(executor, fx.execs, fx.matches, fx.bus, fx.notifier, cfg, discardLogger())
	return fx
}

func TestEnqueueDrainsInOrder(t *testing.T) {
	fx := newQueueFixture(Config{}, &fakeExecutor{})

	for _, id := range []string{"m1", "m2", "m3"} {
		if !fx.queue.Enqueue(queuedMatch(id, domain.ConfidenceHigh)) {
			t.Fatalf("Enqueue(%s) rejected", id)
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		return fx.queue.Stats().Processed == 3
	})

	got := fx.executor.executed()
	if len(got) != 3 || got[0] != "m1" || got[1] != "m2" || got[2] != "m3" {
		t.Errorf("execution order = %v, want [m1 m2 m3]", got)
	}

	stats := fx.queue.Stats()
	if stats.Succeeded != 3 || stats.Failed != 0 || stats.Queued != 0 {
		t.Errorf("stats = %+v, want 3 succeeded and an empty queue", stats)
	}
	if stats.TotalProfit != 3.0 {
		t.Errorf("total profit = %v, want 3.0", stats.TotalProfit)
	}
}

func TestDrainSingleFlight(t *testing.T) {
	executor := &fakeExecutor{
		gate:    make(chan struct{}),
		entered: make(chan struct{}),
	}
	fx := newQueueFixture(Config{}, executor)

	fx.queue.Enqueue(queuedMatch("m1", domain.ConfidenceHigh))
	<-executor.entered

	if !fx.queue.Stats().Draining {
		t.Error("stats should report an active drain")
	}
	if _, err := fx.queue.Drain(context.Background()); !errors.Is(err, domain.ErrQueueDraining) {
		t.Errorf("second drain err = %v, want ErrQueueDraining", err)
	}

	close(executor.gate)
	waitFor(t, 2*time.Second, func() bool {
		st := fx.queue.Stats()
		return st.Processed == 1 && !st.Draining
	})
}

func TestFailedTaskDoesNotAbortDrain(t *testing.T) {
	executor := &fakeExecutor{
		errs: map[string]error{
			"bad": &domain.ExecutionError{TaskID: "bad", Err: errors.New("order rejected")},
		},
		results: map[string]domain.ExecutionResult{
			"m1": {Success: true, Simulated: true, Profit: 2.0},
			"m3": {Success: true, Simulated: true, Profit: 1.5},
		},
	}
	fx := newQueueFixture(Config{}, executor)

	fx.queue.Enqueue(queuedMatch("m1", domain.ConfidenceHigh))
	fx.queue.Enqueue(queuedMatch("bad", domain.ConfidenceHigh))
	fx.queue.Enqueue(queuedMatch("m3", domain.ConfidenceHigh))

	waitFor(t, 2*time.Second, func() bool {
		return fx.queue.Stats().Processed == 3
	})

	stats := fx.queue.Stats()
	if stats.Succeeded != 2 || stats.Failed != 1 {
		t.Errorf("stats = %+v, want 2 succeeded and 1 failed", stats)
	}
	if stats.TotalProfit != 3.5 {
		t.Errorf("total profit = %v, want 3.5 from only the successes", stats.TotalProfit)
	}

	fx.execs.mu.Lock()
	recorded := len(fx.execs.execs)
	var failedRec *domain.Execution
	for i := range fx.execs.execs {
		if fx.execs.execs[i].MatchID == "bad" {
			failedRec = &fx.execs.execs[i]
		}
	}
	fx.execs.mu.Unlock()
	if recorded != 3 {
		t.Errorf("executions recorded = %d, want 3 including the failure", recorded)
	}
	if failedRec == nil || failedRec.Success || failedRec.Error == "" {
		t.Errorf("failed execution record = %+v, want success=false with the error text", failedRec)
	}

	fx.matches.mu.Lock()
	marked := len(fx.matches.executed)
	fx.matches.mu.Unlock()
	if marked != 2 {
		t.Errorf("matches marked executed = %d, want only the 2 successes", marked)
	}

	fx.bus.mu.Lock()
	published := len(fx.bus.events["executions"])
	fx.bus.mu.Unlock()
	if published != 3 {
		t.Errorf("execution events = %d, want 3", published)
	}
}

func TestRejectedResultCountsAsFailure(t *testing.T) {
	executor := &fakeExecutor{
		results: map[string]domain.ExecutionResult{
			"m1": {Success: false, Message: "insufficient depth at placement"},
		},
	}
	fx := newQueueFixture(Config{}, executor)

	fx.queue.Enqueue(queuedMatch("m1", domain.ConfidenceHigh))
	waitFor(t, 2*time.Second, func() bool {
		return fx.queue.Stats().Processed == 1
	})

	if st := fx.queue.Stats(); st.Failed != 1 {
		t.Errorf("stats = %+v, want the rejection counted as a failure", st)
	}
}

func TestExecutionAlertsFireOnSuccessAndFailure(t *testing.T) {
	executor := &fakeExecutor{
		errs: map[string]error{
			"bad": &domain.ExecutionError{TaskID: "bad", Err: errors.New("order rejected")},
		},
		results: map[string]domain.ExecutionResult{
			"m1": {Success: true, Simulated: true, Profit: 2.0},
		},
	}
	fx := newQueueFixture(Config{}, executor)

	fx.queue.Enqueue(queuedMatch("m1", domain.ConfidenceHigh))
	fx.queue.Enqueue(queuedMatch("bad", domain.ConfidenceHigh))

	waitFor(t, 2*time.Second, func() bool {
		return len(fx.notifier.notified()) == 2
	})

	byMatch := make(map[string]domain.Execution)
	for _, e := range fx.notifier.notified() {
		byMatch[e.MatchID] = e
	}
	if e, ok := byMatch["m1"]; !ok || !e.Success || e.Profit != 2.0 {
		t.Errorf("success alert = %+v, want success with profit 2.0", e)
	}
	if e, ok := byMatch["bad"]; !ok || e.Success || e.Error == "" {
		t.Errorf("failure alert = %+v, want failure with the error text", e)
	}
}

func TestTaskDelaySpacesExecutions(t *testing.T) {
	const delay = 20 * time.Millisecond
	executor := &fakeExecutor{}
	fx := newQueueFixture(Config{TaskDelay: delay}, executor)

	fx.queue.Enqueue(queuedMatch("m1", domain.ConfidenceHigh))
	fx.queue.Enqueue(queuedMatch("m2", domain.ConfidenceHigh))

	waitFor(t, 2*time.Second, func() bool {
		return fx.queue.Stats().Processed == 2
	})

	executor.mu.Lock()
	gap := executor.times[1].Sub(executor.times[0])
	executor.mu.Unlock()
	if gap < delay {
		t.Errorf("gap between tasks = %v, want at least %v", gap, delay)
	}
}

func TestStopFinishesCurrentTaskOnly(t *testing.T) {
	executor := &fakeExecutor{
		gate:    make(chan struct{}),
		entered: make(chan struct{}),
	}
	fx := newQueueFixture(Config{}, executor)

	fx.queue.Enqueue(queuedMatch("m1", domain.ConfidenceHigh))
	<-executor.entered
	fx.queue.Enqueue(queuedMatch("m2", domain.ConfidenceHigh))

	fx.queue.Stop()
	close(executor.gate)

	waitFor(t, 2*time.Second, func() bool {
		st := fx.queue.Stats()
		return st.Processed == 1 && !st.Draining
	})

	stats := fx.queue.Stats()
	if stats.Queued != 1 {
		t.Errorf("queued = %d, want the second task parked", stats.Queued)
	}
	if fx.queue.Enqueue(queuedMatch("m3", domain.ConfidenceHigh)) {
		t.Error("Enqueue after Stop should be rejected")
	}
	if _, err := fx.queue.TriggerExecution(queuedMatch("m4", domain.ConfidenceLow)); !errors.Is(err, domain.ErrQueueStopped) {
		t.Errorf("TriggerExecution after Stop err = %v, want ErrQueueStopped", err)
	}
}

func TestTriggerExecutionRunsAnyConfidence(t *testing.T) {
	fx := newQueueFixture(Config{}, &fakeExecutor{})

	taskID, err := fx.queue.TriggerExecution(queuedMatch("manual", domain.ConfidenceLow))
	if err != nil {
		t.Fatalf("TriggerExecution: %v", err)
	}
	if taskID == "" {
		t.Error("task id should not be empty")
	}

	waitFor(t, 2*time.Second, func() bool {
		return fx.queue.Stats().Processed == 1
	})
	if got := fx.executor.executed(); len(got) != 1 || got[0] != "manual" {
		t.Errorf("executed = %v, want [manual]", got)
	}
}

func TestDrainHonorsCancelBetweenTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	executor := &fakeExecutor{}
	executor.onExec = func(matchID string) {
		if matchID == "m1" {
			cancel()
		}
	}
	fx := newQueueFixture(Config{}, executor)

	// Seed tasks directly so the drain runs under the test's context
	// instead of the background one Enqueue kicks off.
	fx.queue.mu.Lock()
	for _, id := range []string{"m1", "m2"} {
		fx.queue.tasks = append(fx.queue.tasks, &domain.DispatchTask{
			ID:         id,
			Match:      queuedMatch(id, domain.ConfidenceHigh),
			Status:     domain.TaskStatusPending,
			EnqueuedAt: time.Now(),
		})
	}
	fx.queue.mu.Unlock()

	ran, err := fx.queue.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if ran != 1 {
		t.Errorf("ran = %d, want 1 before the cancellation point", ran)
	}
	if st := fx.queue.Stats(); st.Queued != 1 {
		t.Errorf("queued = %d, want the second task left in place", st.Queued)
	}
}
