package executor

import (
	"context"

	"vms-subscription-engine/internal/clients"
	"vms-subscription-engine/internal/models"
)

type faQuerySender interface {
	SendFAQuery(ctx context.Context, query clients.FAQuery) (string, error)
}

// FAQueryExecutor issues a time-windowed fishing-activity query for the
// triggering's vessel, answered directly to the subscriber.
type FAQueryExecutor struct {
	activity faQuerySender
}

func NewFAQueryExecutor(activity faQuerySender) *FAQueryExecutor {
	return &FAQueryExecutor{activity: activity}
}

func (e *FAQueryExecutor) Name() string { return "fa_query" }

func (e *FAQueryExecutor) Execute(ctx context.Context, job *Job) ([]string, error) {
	out := job.Subscription.Output
	if out.MessageType != models.MessageFAQuery {
		return nil, nil
	}

	to := job.Execution.RequestedTime
	from := to.Add(-out.HistoryUnit.Duration(out.HistoryValue))

	messageID, err := e.activity.SendFAQuery(ctx, clients.FAQuery{
		ConnectID:              job.ConnectID(),
		From:                   from,
		To:                     to,
		ReceiverOrganisationID: out.SubscriberOrganisationID,
		ReceiverEndpointID:     out.SubscriberEndpointID,
		ReceiverChannelID:      out.SubscriberChannelID,
	})
	if err != nil {
		return nil, err
	}
	return []string{messageID}, nil
}
