package validation

// ConfirmPaymentRequest is the payload for POST /payments/confirm.
// Amount is the client's claim in minor units; zero counts as missing.
type ConfirmPaymentRequest struct {
	OrderID        string  `json:"orderId" validate:"required"`        // gateway order id
	PaymentKey     string  `json:"paymentKey" validate:"required"`     // issued by the gateway checkout widget
	Amount         float64 `json:"amount" validate:"required"`         // must equal the stored order amount
	IdempotencyKey string  `json:"idempotencyKey" validate:"required"` // client generated, one per logical attempt
}
