// Package notify delivers operator notifications over SendGrid email and
// Slack incoming webhooks. Delivery failures are reported as errors and
// never interrupt event processing.
package notify

import (
	"context"
	"fmt"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/coleymr/doit-easily-marketplace/pkg/logger"
)

const mailSendEndpoint = "/v3/mail/send"

// EmailConfig configures the SendGrid sender.
type EmailConfig struct {
	// APIKey is the SendGrid API key. Required.
	APIKey string
	// From is the sender address. Required.
	From string
	// Host overrides the SendGrid API base URL. Used by tests.
	Host string
	// Logger defaults to a new component logger when nil.
	Logger *logger.Logger
}

// EmailSender sends templated HTML email through SendGrid.
type EmailSender struct {
	apiKey string
	from   string
	host   string
	log    *logger.Logger
}

// NewEmailSender validates the configuration and returns a sender.
func NewEmailSender(cfg EmailConfig) (*EmailSender, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("notify: sendgrid API key is required")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("notify: sender email is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("notify")
	}
	return &EmailSender{
		apiKey: cfg.APIKey,
		from:   cfg.From,
		host:   cfg.Host,
		log:    log,
	}, nil
}

// Send renders the named template with params and mails it to every
// recipient.
func (s *EmailSender) Send(ctx context.Context, subject string, recipients []string, template string, params map[string]string) error {
	if len(recipients) == 0 {
		return fmt.Errorf("notify: no recipients provided")
	}

	tpl, err := loadTemplate(template)
	if err != nil {
		return fmt.Errorf("notify: load template %q: %w", template, err)
	}
	html := Render(tpl, params)

	message := mail.NewV3Mail()
	message.SetFrom(mail.NewEmail("", s.from))
	message.Subject = subject
	personalization := mail.NewPersonalization()
	for _, recipient := range recipients {
		personalization.AddTos(mail.NewEmail("", recipient))
	}
	message.AddPersonalizations(personalization)
	message.AddContent(mail.NewContent("text/html", html))

	request := sendgrid.GetRequest(s.apiKey, mailSendEndpoint, s.host)
	request.Method = "POST"
	client := &sendgrid.Client{Request: request}

	response, err := client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("notify: send email: %w", err)
	}
	if response.StatusCode >= 300 {
		return fmt.Errorf("notify: sendgrid returned %d: %s", response.StatusCode, summarize(response.Body))
	}

	s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"subject":    subject,
		"recipients": len(recipients),
		"template":   template,
	}).Debug("email sent")
	return nil
}

// summarize caps a response body for inclusion in an error message.
func summarize(body string) string {
	const max = 256
	if len(body) > max {
		return body[:max] + "..."
	}
	return body
}
