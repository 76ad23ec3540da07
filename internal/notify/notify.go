// Package notify enqueues notification jobs for the worker.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TemplateDigitalProductEmail delivers a download link for a purchased digital product.
const TemplateDigitalProductEmail = "send-digital-product-email"

// Message is the queue envelope consumed by cmd/worker.
type Message struct {
	Template      string          `json:"template"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// DigitalProductEmail is the payload of TemplateDigitalProductEmail.
type DigitalProductEmail struct {
	Email         string `json:"email"`
	Name          string `json:"name"`
	ProductName   string `json:"productName"`
	DownloadToken string `json:"downloadToken"`
}

// Dispatcher hands one notification to its transport.
type Dispatcher interface {
	Dispatch(ctx context.Context, template string, payload interface{}) error
}

type sender interface {
	Send(ctx context.Context, messageBody string, attributes map[string]string) (string, error)
}

// QueueDispatcher publishes notifications as Message documents on SQS.
type QueueDispatcher struct {
	queue   sender
	nowFunc func() time.Time
}

func NewQueueDispatcher(queue sender) *QueueDispatcher {
	return &QueueDispatcher{queue: queue, nowFunc: time.Now}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, template string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", template, err)
	}
	msg := Message{
		Template:      template,
		Payload:       raw,
		CorrelationID: uuid.NewString(),
		CreatedAt:     d.nowFunc().UTC(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if _, err := d.queue.Send(ctx, string(body), map[string]string{
		"template":       template,
		"correlation_id": msg.CorrelationID,
	}); err != nil {
		return fmt.Errorf("enqueue %s: %w", template, err)
	}
	return nil
}
