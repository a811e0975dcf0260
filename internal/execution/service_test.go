package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"vms-subscription-engine/internal/executor"
	"vms-subscription-engine/internal/models"
	"vms-subscription-engine/shared/logx"
)

func testLogger() logx.Logger {
	return logx.New("execution-test", "test", "", "error")
}

// memStore implements Store and Tx over maps. Transactions are not rolled
// back; tests assert on the error paths instead.
type memStore struct {
	executions    map[int64]*models.SubscriptionExecution
	triggered     map[int64]*models.TriggeredSubscription
	subscriptions map[int64]*models.Subscription
	nextID        int64
}

func newMemStore() *memStore {
	return &memStore{
		executions:    make(map[int64]*models.SubscriptionExecution),
		triggered:     make(map[int64]*models.TriggeredSubscription),
		subscriptions: make(map[int64]*models.Subscription),
		nextID:        1,
	}
}

func (m *memStore) FindPendingIDs(_ context.Context, activationDate time.Time, limit int) ([]int64, error) {
	var ids []int64
	for id, exec := range m.executions {
		if exec.Status == models.ExecutionPending && !exec.RequestedTime.After(activationDate) {
			ids = append(ids, id)
		}
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *memStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return fn(ctx, m)
}

func (m *memStore) GetForUpdate(_ context.Context, executionID int64) (*models.SubscriptionExecution, error) {
	exec, ok := m.executions[executionID]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	cp := *exec
	return &cp, nil
}

func (m *memStore) SetQueued(_ context.Context, executionID int64, queuedTime time.Time) error {
	exec := m.executions[executionID]
	exec.Status = models.ExecutionQueued
	exec.QueuedTime = &queuedTime
	return nil
}

func (m *memStore) SetExecuted(_ context.Context, executionID int64, executionTime time.Time, messageIDs []string) error {
	exec := m.executions[executionID]
	exec.Status = models.ExecutionExecuted
	exec.ExecutionTime = &executionTime
	exec.MessageIDs = messageIDs
	return nil
}

func (m *memStore) InsertExecution(_ context.Context, exec *models.SubscriptionExecution) error {
	exec.ID = m.nextID
	m.nextID++
	m.executions[exec.ID] = exec
	return nil
}

func (m *memStore) GetTriggered(_ context.Context, triggeredID int64) (*models.TriggeredSubscription, error) {
	ts, ok := m.triggered[triggeredID]
	if !ok {
		return nil, errors.New("triggered not found")
	}
	return ts, nil
}

func (m *memStore) GetSubscription(_ context.Context, id int64) (*models.Subscription, error) {
	sub, ok := m.subscriptions[id]
	if !ok {
		return nil, errors.New("subscription not found")
	}
	return sub, nil
}

func (m *memStore) seed(sub *models.Subscription, ts *models.TriggeredSubscription, exec *models.SubscriptionExecution) {
	m.subscriptions[sub.ID] = sub
	ts.SubscriptionID = sub.ID
	m.triggered[ts.ID] = ts
	exec.TriggeredSubscriptionID = ts.ID
	m.executions[exec.ID] = exec
	if exec.ID >= m.nextID {
		m.nextID = exec.ID + 1
	}
}

type fakeDispatcher struct {
	dispatched []int64
	err        error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, executionID int64) error {
	if f.err != nil {
		return f.err
	}
	f.dispatched = append(f.dispatched, executionID)
	return nil
}

// recordingExecutor applies to every job and returns fixed message ids.
type recordingExecutor struct {
	name string
	ids  []string
	err  error
	runs int
}

func (r *recordingExecutor) Name() string { return r.name }

func (r *recordingExecutor) Execute(_ context.Context, _ *executor.Job) ([]string, error) {
	r.runs++
	return r.ids, r.err
}

func seedStore(status models.ExecutionStatus, subActive bool, tsStatus models.TriggeredStatus) *memStore {
	store := newMemStore()
	store.seed(
		&models.Subscription{
			ID:     11,
			Name:   "area watch",
			Active: subActive,
			Execution: models.Execution{
				TriggerType:   models.TriggerIncPosition,
				Immediate:     true,
				Frequency:     1,
				FrequencyUnit: models.UnitHours,
			},
		},
		&models.TriggeredSubscription{ID: 3, Source: string(models.TriggerIncPosition), Status: tsStatus},
		&models.SubscriptionExecution{
			ID:            7,
			Status:        status,
			RequestedTime: time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC),
		},
	)
	return store
}

func TestEnqueueForExecution(t *testing.T) {
	store := seedStore(models.ExecutionPending, true, models.TriggeredActive)
	dispatcher := &fakeDispatcher{}
	svc := NewService(store, dispatcher, nil, 200, testLogger())

	if err := svc.EnqueueForExecution(context.Background(), 7); err != nil {
		t.Fatalf("EnqueueForExecution: %v", err)
	}
	exec := store.executions[7]
	if exec.Status != models.ExecutionQueued || exec.QueuedTime == nil {
		t.Fatalf("expected QUEUED with queued time, got %+v", exec)
	}
	if len(dispatcher.dispatched) != 1 || dispatcher.dispatched[0] != 7 {
		t.Fatalf("expected dispatch of 7, got %v", dispatcher.dispatched)
	}
}

func TestEnqueueSkipsNonPending(t *testing.T) {
	store := seedStore(models.ExecutionQueued, true, models.TriggeredActive)
	dispatcher := &fakeDispatcher{}
	svc := NewService(store, dispatcher, nil, 200, testLogger())

	if err := svc.EnqueueForExecution(context.Background(), 7); err != nil {
		t.Fatalf("EnqueueForExecution: %v", err)
	}
	if len(dispatcher.dispatched) != 0 {
		t.Fatalf("already-queued execution must not be re-dispatched, got %v", dispatcher.dispatched)
	}
}

func TestEnqueueMissingExecution(t *testing.T) {
	svc := NewService(newMemStore(), &fakeDispatcher{}, nil, 200, testLogger())
	err := svc.EnqueueForExecution(context.Background(), 999)
	if !errors.Is(err, ErrExecutionNotFound) {
		t.Fatalf("expected ErrExecutionNotFound, got %v", err)
	}
}

func TestEnqueueDispatchFailurePropagates(t *testing.T) {
	store := seedStore(models.ExecutionPending, true, models.TriggeredActive)
	dispatcher := &fakeDispatcher{err: errors.New("queue down")}
	svc := NewService(store, dispatcher, nil, 200, testLogger())

	if err := svc.EnqueueForExecution(context.Background(), 7); err == nil {
		t.Fatal("expected dispatch failure to propagate so the tx rolls back")
	}
}

func TestExecuteRunsExecutorsAndReschedules(t *testing.T) {
	store := seedStore(models.ExecutionQueued, true, models.TriggeredActive)
	alert := &recordingExecutor{name: "alert", ids: []string{"t-1", "t-2"}}
	mail := &recordingExecutor{name: "email", ids: []string{"m-1"}}
	svc := NewService(store, &fakeDispatcher{}, []executor.Executor{alert, mail}, 200, testLogger())

	if err := svc.Execute(context.Background(), 7); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	exec := store.executions[7]
	if exec.Status != models.ExecutionExecuted || exec.ExecutionTime == nil {
		t.Fatalf("expected EXECUTED, got %+v", exec)
	}
	if len(exec.MessageIDs) != 3 {
		t.Fatalf("expected collected message ids from every executor, got %v", exec.MessageIDs)
	}
	if alert.runs != 1 || mail.runs != 1 {
		t.Fatalf("every executor must be offered the job: alert=%d mail=%d", alert.runs, mail.runs)
	}

	// Hourly recurrence: one new PENDING execution an hour after the slot.
	var next *models.SubscriptionExecution
	for id, e := range store.executions {
		if id != 7 {
			next = e
		}
	}
	if next == nil || next.Status != models.ExecutionPending {
		t.Fatalf("expected a planned next execution, got %+v", next)
	}
	want := time.Date(2026, 8, 29, 13, 0, 0, 0, time.UTC)
	if !next.RequestedTime.Equal(want) {
		t.Fatalf("next requested time = %v, want %v", next.RequestedTime, want)
	}
}

func TestExecuteOneShotDoesNotReschedule(t *testing.T) {
	store := seedStore(models.ExecutionQueued, true, models.TriggeredActive)
	store.subscriptions[11].Execution.Frequency = 0
	svc := NewService(store, &fakeDispatcher{}, nil, 200, testLogger())

	if err := svc.Execute(context.Background(), 7); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(store.executions) != 1 {
		t.Fatalf("one-shot subscription must not plan another execution, have %d", len(store.executions))
	}
}

func TestExecuteSkipsStaleStatus(t *testing.T) {
	store := seedStore(models.ExecutionExecuted, true, models.TriggeredActive)
	alert := &recordingExecutor{name: "alert"}
	svc := NewService(store, &fakeDispatcher{}, []executor.Executor{alert}, 200, testLogger())

	if err := svc.Execute(context.Background(), 7); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if alert.runs != 0 {
		t.Fatal("non-QUEUED execution must not run executors")
	}
}

func TestExecuteSkipsInactiveTriggering(t *testing.T) {
	store := seedStore(models.ExecutionQueued, true, models.TriggeredStopped)
	alert := &recordingExecutor{name: "alert"}
	svc := NewService(store, &fakeDispatcher{}, []executor.Executor{alert}, 200, testLogger())

	if err := svc.Execute(context.Background(), 7); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if alert.runs != 0 {
		t.Fatal("stopped triggering must not produce output")
	}
	if store.executions[7].Status != models.ExecutionQueued {
		t.Fatalf("skipped execution left in %s", store.executions[7].Status)
	}
}

func TestExecuteSkipsInactiveSubscription(t *testing.T) {
	store := seedStore(models.ExecutionQueued, false, models.TriggeredActive)
	alert := &recordingExecutor{name: "alert"}
	svc := NewService(store, &fakeDispatcher{}, []executor.Executor{alert}, 200, testLogger())

	if err := svc.Execute(context.Background(), 7); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if alert.runs != 0 {
		t.Fatal("deactivated subscription must not produce output")
	}
}

func TestExecuteExecutorFailurePropagates(t *testing.T) {
	store := seedStore(models.ExecutionQueued, true, models.TriggeredActive)
	alert := &recordingExecutor{name: "alert", err: errors.New("rules unavailable")}
	svc := NewService(store, &fakeDispatcher{}, []executor.Executor{alert}, 200, testLogger())

	if err := svc.Execute(context.Background(), 7); err == nil {
		t.Fatal("executor failure must fail the task so the queue retries it")
	}
}

func TestExecuteMissingExecutionIsSilent(t *testing.T) {
	svc := NewService(newMemStore(), &fakeDispatcher{}, nil, 200, testLogger())
	if err := svc.Execute(context.Background(), 999); err != nil {
		t.Fatalf("missing execution should be dropped silently, got %v", err)
	}
}

func TestFindPendingExecutionIDs(t *testing.T) {
	store := seedStore(models.ExecutionPending, true, models.TriggeredActive)
	svc := NewService(store, &fakeDispatcher{}, nil, 200, testLogger())

	due, err := svc.FindPendingExecutionIDs(context.Background(), time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("FindPendingExecutionIDs: %v", err)
	}
	if len(due) != 1 || due[0] != 7 {
		t.Fatalf("expected [7], got %v", due)
	}

	early, err := svc.FindPendingExecutionIDs(context.Background(), time.Date(2026, 8, 29, 11, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("FindPendingExecutionIDs: %v", err)
	}
	if len(early) != 0 {
		t.Fatalf("future execution must not be due yet, got %v", early)
	}
}
