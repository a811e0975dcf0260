// Package triggered owns the TriggeredSubscription lifecycle: creation,
// deduplication against already-active occurrences, supersession, and the
// ACTIVE/INACTIVE/STOPPED transitions.
package triggered

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"vms-subscription-engine/internal/models"
	"vms-subscription-engine/internal/schedule"
	"vms-subscription-engine/shared/logx"
	"vms-subscription-engine/shared/metricsx"
)

// MergeFunc transfers accumulated correlation data from a superseded entity
// onto its replacement. Registered per extractor source; the merge invoked
// during supersession is the one registered for the superseded entity's
// source.
type MergeFunc func(old, candidate *models.TriggeredSubscription)

type Service struct {
	store  Store
	log    logx.Logger
	now    func() time.Time
	merges map[string]MergeFunc
}

func NewService(store Store, log logx.Logger) *Service {
	return &Service{
		store:  store,
		log:    log.WithComponent("triggered"),
		now:    func() time.Time { return time.Now().UTC() },
		merges: make(map[string]MergeFunc),
	}
}

// RegisterMerge installs the merge callback for entities created by source.
func (s *Service) RegisterMerge(source string, merge MergeFunc) {
	s.merges[source] = merge
}

// Save persists a new entity.
func (s *Service) Save(ctx context.Context, ts *models.TriggeredSubscription) error {
	return s.store.Insert(ctx, ts)
}

// IsDuplicate reports whether an ACTIVE entity already exists for the
// candidate's subscription with intersecting dedup data.
func (s *Service) IsDuplicate(ctx context.Context, candidate *models.TriggeredSubscription, dedup []models.TriggeredSubscriptionData) (bool, error) {
	existing, err := s.store.FindActiveMatching(ctx, candidate.SubscriptionID, dedup)
	if err != nil {
		return false, err
	}
	return len(existing) > 0, nil
}

// FindAlreadyActivated returns the existing ACTIVE matches, if any.
func (s *Service) FindAlreadyActivated(ctx context.Context, candidate *models.TriggeredSubscription, dedup []models.TriggeredSubscriptionData) ([]*models.TriggeredSubscription, error) {
	return s.store.FindActiveMatching(ctx, candidate.SubscriptionID, dedup)
}

// Activate persists a newly built candidate and schedules its first
// execution. When an ACTIVE entity with the same dedup data already exists
// it is superseded: marked INACTIVE, its pending executions stopped, and its
// accumulated data merged onto the candidate. The whole step runs in one
// transaction holding an advisory lock on (subscription, dedup key), so two
// batches racing on the same key serialize instead of both committing an
// ACTIVE entity.
func (s *Service) Activate(ctx context.Context, candidate *models.TriggeredSubscription, dedup []models.TriggeredSubscriptionData) error {
	if candidate.Subscription == nil {
		sub, err := s.store.GetSubscription(ctx, candidate.SubscriptionID)
		if err != nil {
			return err
		}
		candidate.Subscription = sub
	}
	now := s.now()

	return s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.AdvisoryLock(ctx, dedupLockKey(candidate.SubscriptionID, dedup)); err != nil {
			return err
		}

		existing, err := tx.FindActiveMatching(ctx, candidate.SubscriptionID, dedup)
		if err != nil {
			return err
		}
		for _, old := range existing {
			if err := tx.UpdateStatus(ctx, old.ID, models.TriggeredInactive); err != nil {
				return err
			}
			if err := tx.StopPendingExecutions(ctx, old.ID); err != nil {
				return err
			}
			if merge, ok := s.merges[old.Source]; ok {
				merge(old, candidate)
			}
			metricsx.IncSupersession()
			s.log.Info(ctx, "triggered_superseded", "superseded active triggered subscription",
				slog.Int64("old_triggered_id", old.ID),
				slog.Int64("subscription_id", candidate.SubscriptionID),
				slog.String("source", old.Source),
			)
		}

		if err := tx.Insert(ctx, candidate); err != nil {
			return err
		}
		metricsx.IncTriggeredCreated(candidate.Source)

		exec, err := schedule.NextExecution(candidate, nil, now)
		if err != nil {
			return err
		}
		if exec == nil {
			return nil
		}
		exec.TriggeredSubscriptionID = candidate.ID
		return tx.InsertExecution(ctx, exec)
	})
}

// StopByCriteria transitions to STOPPED every ACTIVE entity for the
// criteria's connect id whose subscription either matches one of the
// reported stop activities or watches areas the asset has now left
// entirely, and stops their pending executions.
func (s *Service) StopByCriteria(ctx context.Context, criteria models.StopConditionCriteria) ([]*models.TriggeredSubscription, error) {
	if criteria.ConnectID == "" {
		return nil, nil
	}
	active, err := s.store.FindActiveByConnectID(ctx, criteria.ConnectID)
	if err != nil {
		return nil, err
	}

	var stopped []*models.TriggeredSubscription
	for _, ts := range active {
		sub, err := s.store.GetSubscription(ctx, ts.SubscriptionID)
		if err != nil {
			return stopped, err
		}
		if !stopConditionMet(sub, criteria) {
			continue
		}
		if err := s.stop(ctx, ts); err != nil {
			return stopped, err
		}
		stopped = append(stopped, ts)
	}
	return stopped, nil
}

// StopPendingExecutions marks every PENDING execution of ts as STOPPED.
func (s *Service) StopPendingExecutions(ctx context.Context, ts *models.TriggeredSubscription) error {
	return s.store.StopPendingExecutions(ctx, ts.ID)
}

// EnforceDeadlines stops ACTIVE entities whose subscription deadline has
// elapsed since the recorded occurrence. Called from the periodic sweep.
func (s *Service) EnforceDeadlines(ctx context.Context, now time.Time) (int, error) {
	active, err := s.store.FindActiveWithDeadline(ctx)
	if err != nil {
		return 0, err
	}
	stopped := 0
	for _, ts := range active {
		sub, err := s.store.GetSubscription(ctx, ts.SubscriptionID)
		if err != nil {
			return stopped, err
		}
		deadline := sub.Execution.DeadlineUnit.Duration(sub.Execution.DeadlineValue)
		if deadline <= 0 || now.Before(deadlineAnchor(ts).Add(deadline)) {
			continue
		}
		if err := s.stop(ctx, ts); err != nil {
			return stopped, err
		}
		stopped++
	}
	return stopped, nil
}

// deadlineAnchor is the occurrence recorded at activation time. Entities
// persisted before the occurrence key existed fall back to effectiveFrom.
func deadlineAnchor(ts *models.TriggeredSubscription) time.Time {
	if raw := models.DataValue(ts.Data, models.DataKeyOccurrence); raw != "" {
		if occurrence, err := models.ParseOccurrence(raw); err == nil {
			return occurrence
		}
	}
	return ts.EffectiveFrom
}

func (s *Service) stop(ctx context.Context, ts *models.TriggeredSubscription) error {
	if err := s.store.UpdateStatus(ctx, ts.ID, models.TriggeredStopped); err != nil {
		return err
	}
	if err := s.store.StopPendingExecutions(ctx, ts.ID); err != nil {
		return err
	}
	ts.Status = models.TriggeredStopped
	s.log.Info(ctx, "triggered_stopped", "stop condition met",
		slog.Int64("triggered_id", ts.ID),
		slog.Int64("subscription_id", ts.SubscriptionID),
	)
	return nil
}

// stopConditionMet decides whether the observed asset state stops the
// subscription: a reported activity matches one of its stop activities, or
// it watches specific areas and the asset is in none of them any more.
func stopConditionMet(sub *models.Subscription, criteria models.StopConditionCriteria) bool {
	for _, stop := range sub.StopActivities {
		for _, reported := range criteria.Activities {
			if stop.Key() == reported.Key() {
				return true
			}
		}
	}
	if len(sub.Areas) == 0 {
		return false
	}
	for _, watched := range sub.Areas {
		for _, current := range criteria.Areas {
			if watched.Key() == current.Key() {
				return false
			}
		}
	}
	return true
}

// dedupLockKey builds a stable key from the dedup data so concurrent
// activations on the same occurrence contend on the same advisory lock.
func dedupLockKey(subscriptionID int64, dedup []models.TriggeredSubscriptionData) string {
	parts := make([]string, 0, len(dedup)+1)
	for _, d := range dedup {
		parts = append(parts, d.Key+"="+d.Value)
	}
	sort.Strings(parts)
	return strconv.FormatInt(subscriptionID, 10) + "|" + strings.Join(parts, "|")
}
