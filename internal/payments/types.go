package payments

import (
	"context"

	"github.com/imrishuroy/go-idempotent-paymentflow/internal/downloads"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/gateway"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/idempotency"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/orders"
)

// StatusConfirmed is the only status a Success ever reports.
const StatusConfirmed = "confirmed"

// Success is the body of a confirmed payment. downloadToken and productId
// are always present and null when absent.
type Success struct {
	Success       bool                   `json:"success"`
	OrderID       string                 `json:"orderId"`
	PaymentKey    string                 `json:"paymentKey"`
	Status        string                 `json:"status"`
	PaymentMethod *string                `json:"paymentMethod"`
	ApprovedAt    *string                `json:"approvedAt"`
	DownloadToken *string                `json:"downloadToken"`
	ProductID     *string                `json:"productId"`
	Raw           map[string]interface{} `json:"raw"`
}

// Failure is the body of every unsuccessful outcome.
type Failure struct {
	Success    bool                   `json:"success"`
	OrderID    string                 `json:"orderId,omitempty"`
	PaymentKey string                 `json:"paymentKey,omitempty"`
	Code       *string                `json:"code,omitempty"`
	Message    string                 `json:"message"`
	Raw        map[string]interface{} `json:"raw,omitempty"`
}

// Outcome is what the HTTP layer writes: a status, the exact body bytes and a
// label for metrics and logs.
type Outcome struct {
	Status int
	Body   []byte
	Label  string
}

// OrderStore reads and writes orders.
type OrderStore interface {
	FindByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*orders.Order, error)
	Update(ctx context.Context, id string, u orders.Update) error
}

// Ledger maps idempotency keys to previously returned bodies.
type Ledger interface {
	Get(ctx context.Context, key string) (*idempotency.Record, error)
	Upsert(ctx context.Context, key, orderID string, payload []byte) error
}

// Gateway confirms one charge.
type Gateway interface {
	Confirm(ctx context.Context, req gateway.ConfirmRequest) (*gateway.Response, error)
}

// GrantStore persists download grants.
type GrantStore interface {
	Insert(ctx context.Context, g downloads.Grant) error
}

// Notifier is fire-and-forget: it has no result for the caller to observe.
type Notifier interface {
	Send(ctx context.Context, template string, payload interface{})
}

// MetricsRecorder counts outcomes.
type MetricsRecorder interface {
	RecordOutcome(ctx context.Context, outcome string)
}
