// Package delivery sends outbound copies of notifications by email and SMS.
// Delivery is best-effort: failures are recorded and retried by the sweeper,
// never surfaced to the mutation that produced the notification.
package delivery

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"partner-portal/internal/models"
)

// Define interfaces for mocking
type SESService interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SNSService interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Sender is the outbound transport.
type Sender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
	SendSMS(ctx context.Context, to, message string) error
}

// AWSSender sends email through SES and SMS through SNS.
type AWSSender struct {
	ses       SESService
	sns       SNSService
	fromEmail string
	senderID  string
}

func NewAWSSender(sesClient SESService, snsClient SNSService, fromEmail, senderID string) *AWSSender {
	return &AWSSender{ses: sesClient, sns: snsClient, fromEmail: fromEmail, senderID: senderID}
}

func (s *AWSSender) SendEmail(ctx context.Context, to, subject, body string) error {
	_, err := s.ses.SendEmail(ctx, &ses.SendEmailInput{
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject)},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(body)},
				Html: &types.Content{Data: aws.String(body)},
			},
		},
		Source: aws.String(s.fromEmail),
	})
	return err
}

func (s *AWSSender) SendSMS(ctx context.Context, to, message string) error {
	input := &sns.PublishInput{
		PhoneNumber: aws.String(to),
		Message:     aws.String(message),
	}
	if s.senderID != "" {
		input.MessageAttributes = map[string]snstypes.MessageAttributeValue{
			"AWS.SNS.SMS.SenderID": {DataType: aws.String("String"), StringValue: aws.String(s.senderID)},
		}
	}
	_, err := s.sns.Publish(ctx, input)
	return err
}

// Template is the subject and body for one notification type.
type Template struct {
	Subject string
	Body    string
}

// DefaultTemplates covers every notification type fan-out produces.
func DefaultTemplates() map[string]Template {
	return map[string]Template{
		models.NotificationNewSubmission: {
			Subject: "New submission: {{deliverableName}}",
			Body:    "{{message}} Open the portal to review it.",
		},
		models.NotificationStatusChanged: {
			Subject: "{{title}}",
			Body:    "{{message}} {{reason}}",
		},
		models.NotificationNewMessage: {
			Subject: "New message",
			Body:    "{{message}}",
		},
	}
}

// renderTemplate substitutes {{key}} placeholders and drops unknown ones.
func renderTemplate(tmpl string, data map[string]interface{}) string {
	result := tmpl

	for k, v := range data {
		placeholder := "{{" + k + "}}"
		value := ""
		if s, ok := v.(string); ok {
			value = s
		} else if v != nil {
			value = fmt.Sprintf("%v", v)
		}
		result = strings.ReplaceAll(result, placeholder, value)
	}

	for {
		start := strings.Index(result, "{{")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}}")
		if end == -1 {
			break
		}
		end += start + 2
		result = result[:start] + result[end:]
	}

	return strings.TrimSpace(result)
}
