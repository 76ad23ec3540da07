package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/imrishuroy/go-idempotent-paymentflow/internal/mailer"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/notify"
)

// Processor handles notification messages published by the API.
type Processor struct {
	mailer  EmailSender
	grants  GrantMarker
	logger  *slog.Logger
	nowFunc func() time.Time
}

func NewProcessor(sender EmailSender, grants GrantMarker, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		mailer:  sender,
		grants:  grants,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Handle processes a batch and reports only the records that should be
// retried, so one bad delivery does not redeliver the whole batch.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			p.logger.ErrorContext(ctx, "notification delivery failed", "message_id", rec.MessageId, "error", err)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	return resp, nil
}

// processMessage returns an error only for failures worth retrying;
// malformed messages are logged and dropped.
func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	var msg notify.Message
	if err := json.Unmarshal([]byte(rec.Body), &msg); err != nil {
		p.logger.WarnContext(ctx, "dropping undecodable message", "message_id", rec.MessageId, "error", err)
		return nil
	}
	logger := p.logger.With("message_id", rec.MessageId, "template", msg.Template, "correlation_id", msg.CorrelationID)

	switch msg.Template {
	case notify.TemplateDigitalProductEmail:
		var email notify.DigitalProductEmail
		if err := json.Unmarshal(msg.Payload, &email); err != nil {
			logger.WarnContext(ctx, "dropping undecodable payload", "error", err)
			return nil
		}
		return p.sendDigitalProduct(ctx, logger, email)
	default:
		logger.WarnContext(ctx, "dropping message with unknown template")
		return nil
	}
}

func (p *Processor) sendDigitalProduct(ctx context.Context, logger *slog.Logger, email notify.DigitalProductEmail) error {
	id, err := p.mailer.SendDigitalProduct(ctx, email)
	if errors.Is(err, mailer.ErrMissingFields) {
		logger.WarnContext(ctx, "dropping incomplete digital product email")
		return nil
	}
	if err != nil {
		return fmt.Errorf("send digital product email: %w", err)
	}
	logger.InfoContext(ctx, "digital product email sent", "email_id", id)

	if p.grants != nil {
		if err := p.grants.MarkEmailSent(ctx, email.DownloadToken, p.nowFunc()); err != nil {
			logger.WarnContext(ctx, "record email delivery on grant", "error", err)
		}
	}
	return nil
}
