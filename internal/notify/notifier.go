// Package notify delivers email/SMS to both parties when a hold settles or
// is disputed. Delivery is best effort; money movement never waits on it.
package notify

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"marketplace-escrow/internal/common/config"
	"marketplace-escrow/internal/common/logger"
	"marketplace-escrow/internal/escrow"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// Define interfaces for mocking
type SESService interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SNSService interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Notifier implements the escrow outcome hook over SES and SNS.
type Notifier struct {
	cfg       config.NotificationConfig
	db        *sql.DB
	logger    logger.Logger
	sesClient SESService
	snsClient SNSService
	templates map[string]map[string]string
}

func NewNotifier(cfg config.NotificationConfig, db *sql.DB, log logger.Logger) (*Notifier, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return &Notifier{
		cfg:       cfg,
		db:        db,
		logger:    log.WithFields(map[string]interface{}{"component": "notify"}),
		sesClient: ses.NewFromConfig(awsCfg),
		snsClient: sns.NewFromConfig(awsCfg),
		templates: outcomeTemplates(),
	}, nil
}

// NewNotifierWithClients injects prebuilt clients. Used by tests.
func NewNotifierWithClients(cfg config.NotificationConfig, db *sql.DB, sesClient SESService, snsClient SNSService, log logger.Logger) *Notifier {
	return &Notifier{
		cfg:       cfg,
		db:        db,
		logger:    log.WithFields(map[string]interface{}{"component": "notify"}),
		sesClient: sesClient,
		snsClient: snsClient,
		templates: outcomeTemplates(),
	}
}

// NotifyOutcome tells both parties what happened to their hold. Failures are
// logged and swallowed; the hold already settled.
func (n *Notifier) NotifyOutcome(ctx context.Context, hold *escrow.EscrowHold, outcome string) {
	template, exists := n.templates[outcome]
	if !exists {
		n.logger.Warn("no template for outcome", map[string]interface{}{
			"outcome": outcome, "hold_id": hold.ID,
		})
		return
	}

	data := map[string]interface{}{
		"holdId": hold.ID,
		"jobId":  hold.JobID,
		"gross":  formatCents(hold.GrossCents),
		"payout": formatCents(hold.PayoutCents),
	}

	for _, recipientID := range []string{hold.HomeownerID, hold.ContractorID} {
		n.notifyOne(ctx, recipientID, template, data)
	}
}

func (n *Notifier) notifyOne(ctx context.Context, recipientID string, template map[string]string, data map[string]interface{}) {
	email, phone, err := n.getRecipientContact(ctx, recipientID)
	if err != nil {
		n.logger.Warn("recipient not found", map[string]interface{}{
			"recipientId": recipientID,
		})
		return
	}

	subject := renderTemplate(template["subject"], data)
	body := renderTemplate(template["body"], data)

	if n.cfg.Email.Enabled && email != "" {
		if err := n.sendEmail(ctx, email, subject, body); err != nil {
			n.logger.Error("email send failed", map[string]interface{}{
				"error": err.Error(),
				"email": email,
			})
		}
	}

	if n.cfg.SMS.Enabled && phone != "" {
		if err := n.sendSMS(ctx, phone, body); err != nil {
			n.logger.Error("SMS send failed", map[string]interface{}{
				"error": err.Error(),
				"phone": phone,
			})
		}
	}
}

func (n *Notifier) getRecipientContact(ctx context.Context, recipientID string) (string, string, error) {
	var email, phone string
	err := n.db.QueryRowContext(ctx,
		`SELECT email, phone FROM users WHERE id = $1`, recipientID).Scan(&email, &phone)
	return email, phone, err
}

func (n *Notifier) sendEmail(ctx context.Context, to, subject, body string) error {
	_, err := n.sesClient.SendEmail(ctx, &ses.SendEmailInput{
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
		Source: aws.String(n.cfg.Email.FromEmail),
	})
	return err
}

func (n *Notifier) sendSMS(ctx context.Context, to, message string) error {
	_, err := n.snsClient.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(to),
		Message:     aws.String(message),
	})
	return err
}

// Simplified template rendering with placeholder removal for missing values
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

	// Remove any remaining placeholders (missing values)
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

	return result
}

func formatCents(cents int64) string {
	return fmt.Sprintf("$%d.%02d", cents/100, cents%100)
}

func outcomeTemplates() map[string]map[string]string {
	return map[string]map[string]string{
		escrow.OutcomeReleased: {
			"subject": "Payment Released",
			"body":    "Escrow for job {{jobId}} has been released. Payout: {{payout}}.",
		},
		escrow.OutcomeRefunded: {
			"subject": "Payment Refunded",
			"body":    "Escrow for job {{jobId}} has been refunded. Amount: {{gross}}.",
		},
	}
}
