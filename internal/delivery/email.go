package delivery

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/experiment-callouts/internal/pkg/logger"
)

// SESAPI is the subset of the SES v2 client used here.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// EmailNotifier sends the markdown callout through SES.
type EmailNotifier struct {
	client        SESAPI
	from          string
	to            []string
	subjectPrefix string
	log           *logger.Logger
}

// NewEmailNotifier wraps an SES client.
func NewEmailNotifier(client SESAPI, from string, to []string, subjectPrefix string) *EmailNotifier {
	if subjectPrefix == "" {
		subjectPrefix = "Experiment Callout"
	}
	return &EmailNotifier{
		client:        client,
		from:          from,
		to:            to,
		subjectPrefix: subjectPrefix,
		log:           logger.Default().With("component", "delivery", "channel", "email"),
	}
}

// Name implements Notifier.
func (e *EmailNotifier) Name() string { return "email" }

// Notify sends one message to all recipients, with the markdown as the text
// part and a preformatted HTML part.
func (e *EmailNotifier) Notify(ctx context.Context, msg Message) error {
	subject := fmt.Sprintf("%s - %s", e.subjectPrefix, msg.Date)
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(e.from),
		Destination:      &types.Destination{ToAddresses: e.to},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(msg.Markdown), Charset: aws.String("UTF-8")},
					Html: &types.Content{Data: aws.String(htmlBody(msg.Markdown)), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("callout_date"), Value: aws.String(strings.ReplaceAll(msg.Date, "-", ""))},
		},
	}

	out, err := e.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}
	id := ""
	if out.MessageId != nil {
		id = *out.MessageId
	}
	e.log.Info("callout e-mailed", "recipients", len(e.to), "message_id", id)
	return nil
}

func htmlBody(markdown string) string {
	return `<html><body><pre style="font-family: ui-monospace, Menlo, monospace; white-space: pre-wrap">` +
		html.EscapeString(markdown) + `</pre></body></html>`
}
