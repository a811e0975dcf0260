package trigger

import (
	"context"
	"time"

	"vms-subscription-engine/internal/models"
	"vms-subscription-engine/shared/logx"
)

// scheduledLister returns the subscriptions with triggerType=SCHEDULER whose
// validity window contains now.
type scheduledLister interface {
	ListScheduled(ctx context.Context, now time.Time) ([]*models.Subscription, error)
}

// ScheduledExtractor triggers time-driven subscriptions. It is driven by the
// periodic sweep rather than an inbound topic, so the raw payload is unused.
type ScheduledExtractor struct {
	lister scheduledLister
	log    logx.Logger
}

func NewScheduledExtractor(lister scheduledLister, log logx.Logger) *ScheduledExtractor {
	return &ScheduledExtractor{lister: lister, log: log.WithComponent("trigger.scheduled")}
}

func (e *ScheduledExtractor) Source() string { return string(models.TriggerScheduler) }

// DedupData is empty: a scheduled subscription has one occurrence at a time,
// so any ACTIVE entity of the subscription is the same occurrence.
func (e *ScheduledExtractor) DedupData(_ *models.TriggeredSubscription) []models.TriggeredSubscriptionData {
	return nil
}

func (e *ScheduledExtractor) Merge(_, _ *models.TriggeredSubscription) {}

func (e *ScheduledExtractor) ExtractCommands(ctx context.Context, _ []byte, _ models.SenderCriterion, receivedAt time.Time) ([]Command, error) {
	subs, err := e.lister.ListScheduled(ctx, receivedAt)
	if err != nil {
		return nil, err
	}

	commands := make([]Command, 0, len(subs))
	for _, sub := range subs {
		candidate := &models.TriggeredSubscription{
			SubscriptionID: sub.ID,
			Subscription:   sub,
			Source:         e.Source(),
			Status:         models.TriggeredActive,
			CreationDate:   receivedAt,
			EffectiveFrom:  receivedAt,
			Data: []models.TriggeredSubscriptionData{
				{Key: models.DataKeyOccurrence, Value: models.FormatOccurrence(receivedAt)},
			},
		}
		commands = append(commands, &ScheduledTriggerCommand{Candidate: candidate, Dedup: e.DedupData(candidate)})
	}
	return commands, nil
}
