package executor

import (
	"context"
	"log/slog"
	"time"

	"vms-subscription-engine/internal/clients"
	"vms-subscription-engine/internal/models"
	"vms-subscription-engine/shared/logx"
)

type ticketCreator interface {
	CreateTicket(ctx context.Context, ticket clients.Ticket) (string, error)
}

type movementResolver interface {
	MovementGUIDs(ctx context.Context, reportIDs []string) ([]string, error)
}

// AlertExecutor raises one rules ticket per movement correlated with the
// triggering. Activity-sourced triggerings carry report ids instead of
// movement guids, so those are resolved through the movement module first.
type AlertExecutor struct {
	rules     ticketCreator
	movements movementResolver
	log       logx.Logger
	now       func() time.Time
}

func NewAlertExecutor(rules ticketCreator, movements movementResolver, log logx.Logger) *AlertExecutor {
	return &AlertExecutor{
		rules:     rules,
		movements: movements,
		log:       log.WithComponent("executor.alert"),
		now:       time.Now,
	}
}

func (e *AlertExecutor) Name() string { return "alert" }

func (e *AlertExecutor) Execute(ctx context.Context, job *Job) ([]string, error) {
	if !job.Subscription.Output.Alert {
		return nil, nil
	}

	guids := models.IndexedValues(job.Triggered.Data, models.DataPrefixMovement)
	if job.Triggered.Source == string(models.TriggerIncFAReport) {
		reportIDs := models.IndexedValues(job.Triggered.Data, models.DataPrefixReport)
		resolved, err := e.movements.MovementGUIDs(ctx, reportIDs)
		if err != nil {
			return nil, err
		}
		guids = append(guids, resolved...)
	}
	if len(guids) == 0 {
		e.log.Warn(ctx, "alert.no_movements", "triggering has no correlated movements, nothing to alert on",
			slog.Int64("triggered_id", job.Triggered.ID))
		return nil, nil
	}

	connectID := job.ConnectID()
	openDate := e.now()
	var messageIDs []string
	for _, guid := range guids {
		ticketGUID, err := e.rules.CreateTicket(ctx, clients.Ticket{
			SubscriptionName: job.Subscription.Name,
			ConnectID:        connectID,
			MovementGUID:     guid,
			OpenDate:         openDate,
		})
		if err != nil {
			return messageIDs, err
		}
		messageIDs = append(messageIDs, ticketGUID)
	}
	return messageIDs, nil
}
