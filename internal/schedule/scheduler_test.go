package schedule

import (
	"testing"
	"time"

	"vms-subscription-engine/internal/models"
)

func triggered(subActive bool, tsStatus models.TriggeredStatus, exec models.Execution) *models.TriggeredSubscription {
	return &models.TriggeredSubscription{
		ID:     42,
		Status: tsStatus,
		Subscription: &models.Subscription{
			ID:        7,
			Active:    subActive,
			Execution: exec,
		},
	}
}

func mustNext(t *testing.T, ts *models.TriggeredSubscription, last *models.SubscriptionExecution, now time.Time) *models.SubscriptionExecution {
	t.Helper()
	exec, err := NextExecution(ts, last, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return exec
}

func TestFirstImmediate(t *testing.T) {
	now := time.Date(2020, 5, 5, 12, 0, 0, 0, time.UTC)
	ts := triggered(true, models.TriggeredActive, models.Execution{Immediate: true})

	exec := mustNext(t, ts, nil, now)
	if exec == nil {
		t.Fatalf("expected an execution")
	}
	if !exec.RequestedTime.Equal(now) {
		t.Fatalf("expected requested time %v, got %v", now, exec.RequestedTime)
	}
	if exec.Status != models.ExecutionPending {
		t.Fatalf("expected PENDING, got %s", exec.Status)
	}
	if exec.TriggeredSubscriptionID != 42 {
		t.Fatalf("expected triggered id 42, got %d", exec.TriggeredSubscriptionID)
	}
}

func TestFirstNotImmediateTimeLaterToday(t *testing.T) {
	now := time.Date(2020, 5, 5, 12, 0, 0, 0, time.UTC)
	ts := triggered(true, models.TriggeredActive, models.Execution{Immediate: false, TimeExpression: "13:00"})

	exec := mustNext(t, ts, nil, now)
	want := time.Date(2020, 5, 5, 13, 0, 0, 0, time.UTC)
	if !exec.RequestedTime.Equal(want) {
		t.Fatalf("expected %v, got %v", want, exec.RequestedTime)
	}
}

func TestFirstNotImmediateTimeEarlierToday(t *testing.T) {
	now := time.Date(2020, 5, 5, 12, 0, 0, 0, time.UTC)
	ts := triggered(true, models.TriggeredActive, models.Execution{Immediate: false, TimeExpression: "11:00"})

	exec := mustNext(t, ts, nil, now)
	want := time.Date(2020, 5, 6, 11, 0, 0, 0, time.UTC)
	if !exec.RequestedTime.Equal(want) {
		t.Fatalf("expected %v, got %v", want, exec.RequestedTime)
	}
}

func TestRecurrence(t *testing.T) {
	now := time.Date(2020, 5, 8, 12, 0, 0, 0, time.UTC)
	for _, immediate := range []bool{true, false} {
		ts := triggered(true, models.TriggeredActive, models.Execution{
			Immediate:     immediate,
			Frequency:     3,
			FrequencyUnit: models.UnitDays,
		})
		last := &models.SubscriptionExecution{
			RequestedTime: time.Date(2020, 5, 5, 11, 0, 0, 0, time.UTC),
		}

		exec := mustNext(t, ts, last, now)
		want := time.Date(2020, 5, 8, 11, 0, 0, 0, time.UTC)
		if !exec.RequestedTime.Equal(want) {
			t.Fatalf("immediate=%v: expected %v, got %v", immediate, want, exec.RequestedTime)
		}
	}
}

func TestZeroFrequencyTerminates(t *testing.T) {
	ts := triggered(true, models.TriggeredActive, models.Execution{
		Immediate:     true,
		Frequency:     0,
		FrequencyUnit: models.UnitDays,
	})
	last := &models.SubscriptionExecution{RequestedTime: time.Now().UTC()}

	exec := mustNext(t, ts, last, time.Now().UTC())
	if exec != nil {
		t.Fatalf("expected no execution for frequency 0, got %+v", exec)
	}
}

func TestInactiveShortCircuits(t *testing.T) {
	now := time.Now().UTC()
	cfg := models.Execution{Immediate: true, Frequency: 1, FrequencyUnit: models.UnitHours}

	if exec := mustNext(t, triggered(true, models.TriggeredInactive, cfg), nil, now); exec != nil {
		t.Fatalf("expected none for inactive triggered subscription")
	}
	if exec := mustNext(t, triggered(true, models.TriggeredStopped, cfg), nil, now); exec != nil {
		t.Fatalf("expected none for stopped triggered subscription")
	}
	if exec := mustNext(t, triggered(false, models.TriggeredActive, cfg), nil, now); exec != nil {
		t.Fatalf("expected none for inactive subscription")
	}
}

func TestMissingFrequencyUnitIsAnError(t *testing.T) {
	ts := triggered(true, models.TriggeredActive, models.Execution{Immediate: true, Frequency: 2})
	last := &models.SubscriptionExecution{RequestedTime: time.Now().UTC()}

	if _, err := NextExecution(ts, last, time.Now().UTC()); err == nil {
		t.Fatalf("expected an error for missing frequency unit")
	}
}

func TestTimeExpressionMustBe24HourHHMM(t *testing.T) {
	for _, expr := range []string{"1pm", "25:00", "11:65", ""} {
		ts := triggered(true, models.TriggeredActive, models.Execution{Immediate: false, TimeExpression: expr})
		if _, err := NextExecution(ts, nil, time.Now().UTC()); err == nil {
			t.Fatalf("expected an error for time expression %q", expr)
		}
	}
}

func TestDeterminism(t *testing.T) {
	now := time.Date(2021, 1, 2, 3, 4, 5, 0, time.UTC)
	ts := triggered(true, models.TriggeredActive, models.Execution{Immediate: false, TimeExpression: "09:30"})

	a := mustNext(t, ts, nil, now)
	b := mustNext(t, ts, nil, now)
	if !a.RequestedTime.Equal(b.RequestedTime) || a.Status != b.Status {
		t.Fatalf("expected identical results, got %+v and %+v", a, b)
	}
}
