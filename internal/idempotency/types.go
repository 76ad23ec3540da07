package idempotency

import "time"

// Record is the shape persisted in the idempotency table. ResponseBody holds
// the exact JSON document returned for the key's terminal outcome.
type Record struct {
	IdempotencyKey string    `dynamodbav:"idempotency_key"` // PK
	OrderID        string    `dynamodbav:"order_id,omitempty"`
	ResponseBody   string    `dynamodbav:"response_body"`
	CreatedAt      time.Time `dynamodbav:"created_at"`
	UpdatedAt      time.Time `dynamodbav:"updated_at"`
	ExpiresAt      int64     `dynamodbav:"expires_at,omitempty"` // TTL epoch seconds, 0 = never
}

// Payload returns the stored response bytes.
func (r *Record) Payload() []byte {
	return []byte(r.ResponseBody)
}
