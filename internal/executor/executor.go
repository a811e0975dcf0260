// Package executor holds the pluggable output producers run when a
// subscription execution comes due. Every registered executor is offered
// every job; an executor that does not apply to the job's output
// configuration returns no message ids and no error.
package executor

import (
	"context"

	"vms-subscription-engine/internal/models"
)

// Job is the full view an executor works from: the due execution, the
// triggering occurrence it belongs to and the owning subscription.
type Job struct {
	Execution    *models.SubscriptionExecution
	Triggered    *models.TriggeredSubscription
	Subscription *models.Subscription
}

// ConnectID returns the asset history id the triggering recorded, if any.
func (j *Job) ConnectID() string {
	return models.DataValue(j.Triggered.Data, models.DataKeyConnectID)
}

// Executor produces one kind of output for a due job and returns the ids of
// the messages it sent out.
type Executor interface {
	Name() string
	Execute(ctx context.Context, job *Job) ([]string, error)
}
