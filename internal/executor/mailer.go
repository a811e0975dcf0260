package executor

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	mailjet "github.com/mailjet/mailjet-apiv3-go"
)

// MailjetMailer sends through the Mailjet v3.1 send API.
type MailjetMailer struct {
	client *mailjet.Client
	sender string
}

func NewMailjetMailer(publicKey string, privateKey string, sender string) *MailjetMailer {
	return &MailjetMailer{client: mailjet.NewMailjetClient(publicKey, privateKey), sender: sender}
}

func (m *MailjetMailer) Send(ctx context.Context, recipients []string, subject string, body string) (string, error) {
	to := make(mailjet.RecipientsV31, 0, len(recipients))
	for _, r := range recipients {
		to = append(to, mailjet.RecipientV31{Email: r})
	}
	info := []mailjet.InfoMessagesV31{{
		From:     &mailjet.RecipientV31{Email: m.sender},
		To:       &to,
		Subject:  subject,
		TextPart: body,
	}}
	msgs := mailjet.MessagesV31{Info: info}
	if _, err := m.client.SendMailV31(&msgs); err != nil {
		return "", fmt.Errorf("could not send mail: %w", err)
	}
	return uuid.NewString(), nil
}
