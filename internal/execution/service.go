// Package execution drives a subscription execution through its lifecycle:
// PENDING executions found by the sweep are queued and dispatched, dispatched
// ones are run through the registered executors, and a recurring
// subscription's next occurrence is planned from the completed one.
package execution

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"vms-subscription-engine/internal/executor"
	"vms-subscription-engine/internal/models"
	"vms-subscription-engine/internal/schedule"
	"vms-subscription-engine/shared/logx"
	"vms-subscription-engine/shared/metricsx"
)

// Dispatcher hands a queued execution to the worker queue. The worker binary
// backs this with an asynq client.
type Dispatcher interface {
	Dispatch(ctx context.Context, executionID int64) error
}

type Service struct {
	store      Store
	dispatcher Dispatcher
	executors  []executor.Executor
	log        logx.Logger
	now        func() time.Time
	batchSize  int
}

func NewService(store Store, dispatcher Dispatcher, executors []executor.Executor, batchSize int, log logx.Logger) *Service {
	return &Service{
		store:      store,
		dispatcher: dispatcher,
		executors:  executors,
		log:        log.WithComponent("execution"),
		now:        func() time.Time { return time.Now().UTC() },
		batchSize:  batchSize,
	}
}

// FindPendingExecutionIDs returns the ids of PENDING executions due at or
// before the activation date, oldest first, capped at the sweep batch size.
func (s *Service) FindPendingExecutionIDs(ctx context.Context, activationDate time.Time) ([]int64, error) {
	return s.store.FindPendingIDs(ctx, activationDate, s.batchSize)
}

// EnqueueForExecution moves one PENDING execution to QUEUED and dispatches it
// to the worker queue. The dispatch happens inside the same transaction as
// the status flip, so a failed publish rolls the row back to PENDING and the
// next sweep retries it. An execution some other sweep already advanced is
// skipped without error.
func (s *Service) EnqueueForExecution(ctx context.Context, executionID int64) error {
	return s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		exec, err := tx.GetForUpdate(ctx, executionID)
		if err != nil {
			return err
		}
		if exec.Status != models.ExecutionPending {
			s.log.Debug(ctx, "execution_enqueue_skipped", "execution no longer pending",
				slog.Int64("execution_id", executionID),
				slog.String("status", string(exec.Status)))
			return nil
		}
		if err := tx.SetQueued(ctx, executionID, s.now()); err != nil {
			return err
		}
		return s.dispatcher.Dispatch(ctx, executionID)
	})
}

// Execute runs one QUEUED execution through every registered executor,
// records the produced message ids and plans the next occurrence. Stale work
// is dropped silently: an execution that is no longer QUEUED, or whose
// triggering or subscription has since gone inactive, completes without
// producing output.
func (s *Service) Execute(ctx context.Context, executionID int64) error {
	now := s.now()
	return s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		exec, err := tx.GetForUpdate(ctx, executionID)
		if err != nil {
			if errors.Is(err, ErrExecutionNotFound) {
				metricsx.IncExecution("missing")
				s.log.Warn(ctx, "execution_missing", "dispatched execution no longer exists",
					slog.Int64("execution_id", executionID))
				return nil
			}
			return err
		}
		if exec.Status != models.ExecutionQueued {
			metricsx.IncExecution("skipped_status")
			return nil
		}

		ts, err := tx.GetTriggered(ctx, exec.TriggeredSubscriptionID)
		if err != nil {
			return err
		}
		sub, err := tx.GetSubscription(ctx, ts.SubscriptionID)
		if err != nil {
			return err
		}
		ts.Subscription = sub
		if !ts.Active() || !sub.Active {
			metricsx.IncExecution("skipped_inactive")
			s.log.Info(ctx, "execution_skipped", "triggering or subscription no longer active",
				slog.Int64("execution_id", executionID),
				slog.Int64("triggered_id", ts.ID))
			return nil
		}

		job := &executor.Job{Execution: exec, Triggered: ts, Subscription: sub}
		var messageIDs []string
		for _, ex := range s.executors {
			ids, err := ex.Execute(ctx, job)
			if err != nil {
				metricsx.IncExecution("failed")
				s.log.Error(ctx, "executor_failed", "executor returned an error",
					slog.Int64("execution_id", executionID),
					slog.String("executor", ex.Name()),
					slog.String("error_code", "INTERNAL_ERROR"),
					logx.Err(err))
				return err
			}
			messageIDs = append(messageIDs, ids...)
		}

		if err := tx.SetExecuted(ctx, executionID, now, messageIDs); err != nil {
			return err
		}
		metricsx.IncExecution("executed")
		metricsx.ObserveExecutionLatency(now.Sub(exec.RequestedTime))

		next, err := schedule.NextExecution(ts, exec, now)
		if err != nil {
			if errors.Is(err, schedule.ErrMissingFrequency) {
				s.log.Warn(ctx, "execution_reschedule_skipped", "recurrence misconfigured, no further executions",
					slog.Int64("triggered_id", ts.ID),
					slog.String("error_code", "FAILED_PRECONDITION"))
				return nil
			}
			return err
		}
		if next == nil {
			return nil
		}
		return tx.InsertExecution(ctx, next)
	})
}
