package mailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"outreach-scheduler/internal/models"
	"outreach-scheduler/internal/telemetry"
)

// EmailAPI is the subset of the SES v2 client used for delivery.
type EmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Options are the sender identity and delivery settings.
type Options struct {
	FromEmail        string
	FromName         string
	ConfigurationSet string
}

// SESSender delivers outreach email through AWS SES v2.
type SESSender struct {
	client EmailAPI
	opts   Options
	logger *slog.Logger
}

func NewSESSender(client EmailAPI, opts Options, logger *slog.Logger) *SESSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &SESSender{client: client, opts: opts, logger: logger}
}

// Send delivers one plain-text message. The tracking id and owner are attached as
// SES message tags so delivery events can be joined back to the send ledger.
func (s *SESSender) Send(ctx context.Context, msg models.OutboundEmail) error {
	if s.opts.FromEmail == "" {
		return errors.New("ses sender has no from address configured")
	}
	from := s.opts.FromEmail
	if s.opts.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.opts.FromName, s.opts.FromEmail)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(msg.Body), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("tracking_id"), Value: aws.String(msg.TrackingID)},
			{Name: aws.String("owner_id"), Value: aws.String(msg.OwnerID)},
		},
	}
	if s.opts.ConfigurationSet != "" {
		input.ConfigurationSetName = aws.String(s.opts.ConfigurationSet)
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send to %s: %w", telemetry.RedactEmail(msg.To), err)
	}
	s.logger.Debug("email sent", "to", telemetry.RedactEmail(msg.To), "ses_message_id", aws.ToString(out.MessageId), "tracking_id", msg.TrackingID)
	return nil
}
