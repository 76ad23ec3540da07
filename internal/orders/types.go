package orders

import (
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Order statuses. Orders are created pending by the checkout flow; confirmed
// and failed are written by payment confirmation, completed by fulfillment
// and expired by the stale-order sweeper.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
	StatusCompleted = "completed"
	StatusExpired   = "expired"
)

// TimeLayout is how order timestamps are stored. Every field has a fixed
// width, so string order equals time order and created_at works as a range
// key. Values still parse as RFC 3339.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t in UTC with TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// TypeDigitalProduct tags orders whose confirmation issues a download grant.
const TypeDigitalProduct = "digital_product"

// Order represents the item stored in the orders table.
type Order struct {
	ID             string     `dynamodbav:"id"`            // PK
	GatewayOrderID string     `dynamodbav:"toss_order_id"` // GSI toss_order_id-index
	Amount         int64      `dynamodbav:"amount"`        // minor currency unit, immutable
	Status         string     `dynamodbav:"status"`
	UserID         *string    `dynamodbav:"user_id,omitempty"` // nil for guest orders
	GuestEmail     *string    `dynamodbav:"guest_email,omitempty"`
	GuestName      *string    `dynamodbav:"guest_name,omitempty"`
	OrderType      string     `dynamodbav:"order_type,omitempty"`
	OrderName      string     `dynamodbav:"order_name,omitempty"`
	RelatedID      *string    `dynamodbav:"related_id,omitempty"` // product reference
	PaymentKey     *string    `dynamodbav:"payment_key,omitempty"`
	PaymentMethod  *string    `dynamodbav:"payment_method,omitempty"`
	ConfirmedAt    *string    `dynamodbav:"confirmed_at,omitempty"` // gateway approvedAt, verbatim
	FailedAt       *time.Time `dynamodbav:"failed_at,omitempty"`
	FailureCode    *string    `dynamodbav:"failure_code,omitempty"`
	FailureMessage *string    `dynamodbav:"failure_message,omitempty"`
	CreatedAt      time.Time  `dynamodbav:"created_at"`
	UpdatedAt      time.Time  `dynamodbav:"updated_at"`
}

// MarshalDynamoDBAttributeValue stores every timestamp with TimeLayout.
func (o Order) MarshalDynamoDBAttributeValue() (types.AttributeValue, error) {
	type item Order
	m, err := attributevalue.MarshalMapWithOptions(item(o), func(eo *attributevalue.EncoderOptions) {
		eo.EncodeTime = func(t time.Time) (types.AttributeValue, error) {
			return &types.AttributeValueMemberS{Value: FormatTime(t)}, nil
		}
	})
	if err != nil {
		return nil, err
	}
	return &types.AttributeValueMemberM{Value: m}, nil
}

// Settled reports whether payment for the order is already done.
func (o *Order) Settled() bool {
	return o.Status == StatusConfirmed || o.Status == StatusCompleted
}

// IsDigital reports whether confirming the order should issue a download grant.
func (o *Order) IsDigital() bool {
	return o.OrderType == TypeDigitalProduct && o.RelatedID != nil && *o.RelatedID != ""
}

// Recipient is who receives digital deliveries: the guest email, else the owner id.
func (o *Order) Recipient() string {
	if o.GuestEmail != nil && *o.GuestEmail != "" {
		return *o.GuestEmail
	}
	if o.UserID != nil {
		return *o.UserID
	}
	return ""
}

func (o *Order) RecipientName() string {
	if o.GuestName != nil && *o.GuestName != "" {
		return *o.GuestName
	}
	return "User"
}

// Update is a partial write; nil fields are left untouched.
type Update struct {
	Status         string
	PaymentKey     *string
	PaymentMethod  *string
	ConfirmedAt    *string
	FailedAt       *time.Time
	FailureCode    *string
	FailureMessage *string
}
