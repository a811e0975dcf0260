// Package schedule computes when a triggered subscription's next execution
// should run. It is purely functional: the only clock it sees is the now
// argument, and it never touches the store.
package schedule

import (
	"errors"
	"fmt"
	"time"

	"vms-subscription-engine/internal/models"
)

var ErrMissingFrequency = errors.New("recurring subscription requires frequency and frequency unit")

// NextExecution returns the next execution for ts, or nil when no further
// execution should be scheduled.
//
// The triggered subscription must carry its owning subscription. last is the
// previously scheduled execution, nil on first scheduling. The returned
// execution is not persisted; it has status PENDING and no id.
func NextExecution(ts *models.TriggeredSubscription, last *models.SubscriptionExecution, now time.Time) (*models.SubscriptionExecution, error) {
	if ts == nil || ts.Subscription == nil {
		return nil, errors.New("triggered subscription without its subscription")
	}
	if !ts.Active() || !ts.Subscription.Active {
		return nil, nil
	}

	cfg := ts.Subscription.Execution
	var requestedTime time.Time
	if last == nil {
		if cfg.Immediate {
			requestedTime = now
		} else {
			t, err := parseTimeExpression(cfg.TimeExpression)
			if err != nil {
				return nil, err
			}
			requestedTime = at(now, t)
			if !requestedTime.After(now) {
				requestedTime = requestedTime.AddDate(0, 0, 1)
			}
		}
	} else {
		if cfg.FrequencyUnit == "" {
			return nil, ErrMissingFrequency
		}
		if cfg.Frequency == 0 {
			// One-shot subscription, already fired.
			return nil, nil
		}
		step := cfg.FrequencyUnit.Duration(cfg.Frequency)
		if step <= 0 {
			return nil, ErrMissingFrequency
		}
		requestedTime = last.RequestedTime.Add(step)
	}

	return &models.SubscriptionExecution{
		TriggeredSubscriptionID: ts.ID,
		Status:                  models.ExecutionPending,
		CreationDate:            now,
		RequestedTime:           requestedTime,
	}, nil
}

type timeOfDay struct {
	hour   int
	minute int
}

// parseTimeExpression accepts 24-hour "HH:mm" only.
func parseTimeExpression(expr string) (timeOfDay, error) {
	t, err := time.Parse("15:04", expr)
	if err != nil {
		return timeOfDay{}, fmt.Errorf("invalid time expression %q: %w", expr, err)
	}
	return timeOfDay{hour: t.Hour(), minute: t.Minute()}, nil
}

// at returns the instant on day's UTC date at the given time of day.
func at(day time.Time, t timeOfDay) time.Time {
	y, m, d := day.UTC().Date()
	return time.Date(y, m, d, t.hour, t.minute, 0, 0, time.UTC)
}
