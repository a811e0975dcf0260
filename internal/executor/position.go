package executor

import (
	"context"

	"vms-subscription-engine/internal/clients"
	"vms-subscription-engine/internal/models"
)

type positionForwarder interface {
	ForwardPositions(ctx context.Context, req clients.ForwardRequest) (string, error)
}

// PositionExecutor forwards the vessel's positions over the configured
// history window to the subscriber's endpoint.
type PositionExecutor struct {
	movements positionForwarder
}

func NewPositionExecutor(movements positionForwarder) *PositionExecutor {
	return &PositionExecutor{movements: movements}
}

func (e *PositionExecutor) Name() string { return "position" }

func (e *PositionExecutor) Execute(ctx context.Context, job *Job) ([]string, error) {
	out := job.Subscription.Output
	if out.MessageType != models.MessagePosition {
		return nil, nil
	}

	// The window ends at the slot the execution was scheduled for, not at
	// wall-clock time, so a sweep that runs late still forwards the window
	// the subscriber asked for.
	to := job.Execution.RequestedTime
	from := to.Add(-out.HistoryUnit.Duration(out.HistoryValue))

	messageID, err := e.movements.ForwardPositions(ctx, clients.ForwardRequest{
		ConnectID:              job.ConnectID(),
		VesselIDs:              out.VesselIDs,
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
