package executor

import (
	"context"
	"log/slog"

	"vms-subscription-engine/shared/logx"
)

type emailLookup interface {
	EndpointEmails(ctx context.Context, organisationID int64, endpointID int64, channelID int64) ([]string, error)
}

// Mailer sends one email to a set of recipients and returns a message id.
type Mailer interface {
	Send(ctx context.Context, recipients []string, subject string, body string) (string, error)
}

// EmailExecutor mails the configured body to the recipients behind the
// subscriber's endpoint. Attachment rendering lives in the reporting module;
// when the config asks for one we send the body and note the omission.
type EmailExecutor struct {
	orgs   emailLookup
	mailer Mailer
	log    logx.Logger
}

func NewEmailExecutor(orgs emailLookup, mailer Mailer, log logx.Logger) *EmailExecutor {
	return &EmailExecutor{orgs: orgs, mailer: mailer, log: log.WithComponent("executor.email")}
}

func (e *EmailExecutor) Name() string { return "email" }

func (e *EmailExecutor) Execute(ctx context.Context, job *Job) ([]string, error) {
	out := job.Subscription.Output
	cfg := out.Email
	if cfg == nil {
		return nil, nil
	}

	recipients, err := e.orgs.EndpointEmails(ctx, out.SubscriberOrganisationID, out.SubscriberEndpointID, out.SubscriberChannelID)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		e.log.Warn(ctx, "email.no_recipients", "subscriber endpoint resolves to no email recipients",
			slog.Int64("subscription_id", job.Subscription.ID))
		return nil, nil
	}

	if cfg.HasAttachment {
		e.log.Warn(ctx, "email.attachment_skipped", "attachment configured but rendered by the reporting module, sending body only",
			slog.Int64("subscription_id", job.Subscription.ID),
			slog.Bool("pdf", cfg.IsPDF),
			slog.Bool("xml", cfg.IsXML))
	}

	messageID, err := e.mailer.Send(ctx, recipients, job.Subscription.Name, cfg.Body)
	if err != nil {
		return nil, err
	}
	return []string{messageID}, nil
}
