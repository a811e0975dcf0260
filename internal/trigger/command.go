// Package trigger turns inbound source events into commands against the
// triggered-subscription service. One extractor per source unmarshals a
// payload into report contexts, matches them against the subscription
// finder, and emits trigger and stop commands.
package trigger

import (
	"context"
	"log/slog"

	"vms-subscription-engine/internal/models"
	"vms-subscription-engine/internal/triggered"
	"vms-subscription-engine/shared/logx"
)

// Command is one unit of work produced by an extractor. Each command runs in
// its own transaction boundary; a failing command does not affect siblings
// from the same batch.
type Command interface {
	Run(ctx context.Context, svc *triggered.Service) error
}

// TriggerCommand activates a candidate, superseding any ACTIVE entity with
// the same dedup data.
type TriggerCommand struct {
	Candidate *models.TriggeredSubscription
	Dedup     []models.TriggeredSubscriptionData
}

func (c *TriggerCommand) Run(ctx context.Context, svc *triggered.Service) error {
	return svc.Activate(ctx, c.Candidate, c.Dedup)
}

// ScheduledTriggerCommand activates a candidate only when no ACTIVE entity
// exists yet for its subscription. The periodic sweep re-emits candidates
// every cycle; superseding on each pass would discard accumulated data and
// reset the execution chain, so duplicates are skipped instead.
type ScheduledTriggerCommand struct {
	Candidate *models.TriggeredSubscription
	Dedup     []models.TriggeredSubscriptionData
}

func (c *ScheduledTriggerCommand) Run(ctx context.Context, svc *triggered.Service) error {
	dup, err := svc.IsDuplicate(ctx, c.Candidate, c.Dedup)
	if err != nil {
		return err
	}
	if dup {
		return nil
	}
	return svc.Activate(ctx, c.Candidate, c.Dedup)
}

// StopCommand evaluates stop conditions for one observed asset state.
type StopCommand struct {
	Criteria models.StopConditionCriteria
}

func (c *StopCommand) Run(ctx context.Context, svc *triggered.Service) error {
	_, err := svc.StopByCriteria(ctx, c.Criteria)
	return err
}

// Runner executes a batch of commands, isolating failures per command.
type Runner struct {
	svc *triggered.Service
	log logx.Logger
}

func NewRunner(svc *triggered.Service, log logx.Logger) *Runner {
	return &Runner{svc: svc, log: log.WithComponent("trigger")}
}

// RunAll runs every command and returns the number that failed. Sibling
// commands proceed past a failure; each one owns its transaction.
func (r *Runner) RunAll(ctx context.Context, commands []Command) int {
	failed := 0
	for _, cmd := range commands {
		if err := cmd.Run(ctx, r.svc); err != nil {
			failed++
			r.log.Error(ctx, "command_failed", "trigger command failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				logx.Err(err))
		}
	}
	return failed
}
