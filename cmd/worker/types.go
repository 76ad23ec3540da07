package main

import (
	"context"
	"time"

	"github.com/imrishuroy/go-idempotent-paymentflow/internal/notify"
)

// EmailSender delivers the digital product email; implemented by mailer.Client.
type EmailSender interface {
	SendDigitalProduct(ctx context.Context, e notify.DigitalProductEmail) (string, error)
}

// GrantMarker records email delivery on the grant; implemented by the
// DynamoDB and Postgres grant stores.
type GrantMarker interface {
	MarkEmailSent(ctx context.Context, token string, at time.Time) error
}
