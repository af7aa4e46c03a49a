package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coleymr/doit-easily-marketplace/pkg/logger"
)

// FooterMessage closes every account notification email.
const FooterMessage = "If you did not subscribe to this, you may ignore this message."

// SlackEntitlementTitle heads Slack entitlement notifications.
const SlackEntitlementTitle = "New Entitlement Creation Request"

// Notifier fans marketplace notifications out to the configured channels.
// Email and Slack are each optional; calls against an unconfigured channel
// log a warning and report an error without side effects.
type Notifier struct {
	email *EmailSender
	slack *SlackSender
	log   *logger.Logger
}

// New assembles a Notifier. Either sender may be nil.
func New(email *EmailSender, slack *SlackSender, log *logger.Logger) *Notifier {
	if log == nil {
		log = logger.NewDefault("notify")
	}
	return &Notifier{email: email, slack: slack, log: log}
}

// SendEntitlementEmail mails the entitlement document as indented JSON under
// the given subject and headline.
func (n *Notifier) SendEntitlementEmail(ctx context.Context, recipients []string, subject, headline string, entitlement interface{}) error {
	if n.email == nil {
		n.log.WithContext(ctx).Warn("email not configured, dropping entitlement notification")
		return fmt.Errorf("notify: email not configured")
	}
	body, err := json.MarshalIndent(entitlement, "", "    ")
	if err != nil {
		return fmt.Errorf("notify: encode entitlement: %w", err)
	}
	err = n.email.Send(ctx, subject, recipients, TemplateEntitlement, map[string]string{
		"title":    subject,
		"headline": headline,
		"body":     string(body),
	})
	if err != nil {
		n.log.WithContext(ctx).WithError(err).Error("error sending entitlement email")
	}
	return err
}

// SendAccountEmail mails the account document rendered as an HTML table.
func (n *Notifier) SendAccountEmail(ctx context.Context, recipients []string, subject, title, headline string, accountRaw []byte) error {
	if n.email == nil {
		n.log.WithContext(ctx).Warn("email not configured, dropping account notification")
		return fmt.Errorf("notify: email not configured")
	}
	err := n.email.Send(ctx, subject, recipients, TemplateAccount, map[string]string{
		"title":    title,
		"headline": headline,
		"body":     HTMLTable(accountRaw),
		"footer":   FooterMessage,
	})
	if err != nil {
		n.log.WithContext(ctx).WithError(err).Error("error sending account email")
	}
	return err
}

// SendSlackEntitlement posts the entitlement document to the webhook.
func (n *Notifier) SendSlackEntitlement(ctx context.Context, webhookURL string, entitlement interface{}) error {
	if n.slack == nil {
		n.log.WithContext(ctx).Warn("slack not configured, dropping entitlement notification")
		return fmt.Errorf("notify: slack not configured")
	}
	err := n.slack.Post(ctx, webhookURL, SlackEntitlementTitle, entitlement)
	if err != nil {
		n.log.WithContext(ctx).WithError(err).Error("error sending slack message")
	}
	return err
}
