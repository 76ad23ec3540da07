// Package gateway is the Toss Payments confirmation client.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-resty/resty/v2"
)

const confirmPath = "/v1/payments/confirm"

// ErrMissingSecret is returned before any network call when no secret key is configured.
var ErrMissingSecret = errors.New("missing TOSS_SECRET_KEY")

// ConfirmRequest identifies one charge to confirm. IdempotencyKey is sent as
// the Idempotency-Key header so the gateway deduplicates our own retries.
type ConfirmRequest struct {
	PaymentKey     string
	OrderID        string
	Amount         int64
	IdempotencyKey string
}

type confirmBody struct {
	PaymentKey string `json:"paymentKey"`
	OrderID    string `json:"orderId"`
	Amount     int64  `json:"amount"`
}

// Response is the gateway's answer. Body is always non-nil.
type Response struct {
	StatusCode int
	Body       map[string]interface{}
}

// OK reports a 2xx answer.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Field returns a string field of the body, or nil when absent or not a string.
func (r *Response) Field(name string) *string {
	v, ok := r.Body[name].(string)
	if !ok {
		return nil
	}
	return &v
}

// Client performs exactly one call per Confirm; it never retries.
type Client struct {
	http      *resty.Client
	secretKey string
}

func NewClient(baseURL, secretKey string) *Client {
	return &Client{
		http:      resty.New().SetBaseURL(baseURL),
		secretKey: secretKey,
	}
}

// Confirm posts the confirmation. A non-2xx answer is not an error; err is
// only set when no HTTP response was obtained.
func (c *Client) Confirm(ctx context.Context, req ConfirmRequest) (*Response, error) {
	if c.secretKey == "" {
		return nil, ErrMissingSecret
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBasicAuth(c.secretKey, "").
		SetHeader("Content-Type", "application/json").
		SetHeader("Idempotency-Key", req.IdempotencyKey).
		SetBody(confirmBody{
			PaymentKey: req.PaymentKey,
			OrderID:    req.OrderID,
			Amount:     req.Amount,
		}).
		Post(confirmPath)
	if err != nil {
		return nil, fmt.Errorf("toss confirm: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode(),
		Body:       DecodeBody(resp.Body()),
	}, nil
}

// DecodeBody parses a gateway body as a JSON object. An empty body yields an
// empty object; anything else that is not an object is kept under "raw".
func DecodeBody(raw []byte) map[string]interface{} {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return map[string]interface{}{}
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var body map[string]interface{}
	if err := dec.Decode(&body); err != nil || body == nil {
		return map[string]interface{}{"raw": string(raw)}
	}
	return body
}
