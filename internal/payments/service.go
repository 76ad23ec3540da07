// Package payments confirms client-submitted payments against the gateway
// exactly once per order, replaying earlier outcomes for repeated requests.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/auth"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/downloads"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/gateway"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/notify"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/orders"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/validation"
)

// Deps groups the collaborators of Service. Identity, Notifier, Metrics and
// Logger are optional.
type Deps struct {
	Orders   OrderStore
	Ledger   Ledger
	Gateway  Gateway
	Grants   GrantStore
	Notifier Notifier
	Identity auth.Resolver
	Metrics  MetricsRecorder
	Logger   *slog.Logger
}

// Service is stateless across calls; all coordination happens in the stores
// and at the gateway.
type Service struct {
	orders   OrderStore
	ledger   Ledger
	gateway  Gateway
	grants   GrantStore
	notifier Notifier
	identity auth.Resolver
	metrics  MetricsRecorder
	logger   *slog.Logger
	validate *validatorv10.Validate
	nowFunc  func() time.Time
}

func NewService(d Deps) *Service {
	s := &Service{
		orders:   d.Orders,
		ledger:   d.Ledger,
		gateway:  d.Gateway,
		grants:   d.Grants,
		notifier: d.Notifier,
		identity: d.Identity,
		metrics:  d.Metrics,
		logger:   d.Logger,
		validate: validation.New(),
		nowFunc:  time.Now,
	}
	if s.identity == nil {
		s.identity = auth.Guest{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Confirm runs the whole confirmation for one request. authorization is the
// raw Authorization header and may be empty. Confirm never panics; every
// path produces a JSON body.
func (s *Service) Confirm(ctx context.Context, req validation.ConfirmPaymentRequest, authorization string) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "confirm payment panicked", "order_id", req.OrderID, "panic", fmt.Sprint(r))
			out = s.Reject(KindInternalError)
		}
		s.record(context.WithoutCancel(ctx), out.Label)
	}()

	callerID, authenticated := s.identity.ResolveUser(ctx, authorization)

	if fields, err := validation.Validate(s.validate, req); err != nil {
		s.logger.InfoContext(ctx, "invalid confirm payload", "fields", fields)
		return s.Reject(KindRequestMalformed)
	}

	order, err := s.orders.FindByGatewayOrderID(ctx, req.OrderID)
	if err != nil {
		s.logger.ErrorContext(ctx, "order lookup failed", "order_id", req.OrderID, "error", err)
		return s.Reject(KindInternalError)
	}
	if order == nil {
		return s.Reject(KindNotFound)
	}

	// Guest orders, including ones stored with an empty user id, are
	// authorized by knowing the gateway order id.
	if order.UserID != nil && *order.UserID != "" && (!authenticated || *order.UserID != callerID) {
		s.logger.WarnContext(ctx, "order owner mismatch", "order_id", req.OrderID, "authenticated", authenticated)
		return s.Reject(KindForbidden)
	}

	if float64(order.Amount) != req.Amount {
		return s.Reject(KindAmountMismatch)
	}

	if order.Settled() {
		return s.alreadyConfirmed(ctx, order, req)
	}

	rec, err := s.ledger.Get(ctx, req.IdempotencyKey)
	if err != nil {
		s.logger.ErrorContext(ctx, "idempotency lookup failed", "order_id", req.OrderID, "error", err)
		return s.Reject(KindInternalError)
	}
	if rec != nil {
		s.logger.InfoContext(ctx, "replaying stored outcome", "order_id", req.OrderID, "idempotency_key", req.IdempotencyKey)
		return Outcome{Status: http.StatusOK, Body: rec.Payload(), Label: LabelReplayed}
	}

	resp, err := s.gateway.Confirm(ctx, gateway.ConfirmRequest{
		PaymentKey:     req.PaymentKey,
		OrderID:        req.OrderID,
		Amount:         order.Amount,
		IdempotencyKey: req.IdempotencyKey,
	})
	if errors.Is(err, gateway.ErrMissingSecret) {
		s.logger.ErrorContext(ctx, "gateway secret not configured")
		return s.Reject(KindConfigurationError)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "gateway call failed", "order_id", req.OrderID, "error", err)
		return s.Reject(KindInternalError)
	}

	if !resp.OK() {
		return s.rejected(ctx, order, req, resp)
	}
	return s.confirmed(ctx, order, req, resp)
}

// Reject builds the plain failure body for kind.
func (s *Service) Reject(kind ErrorKind) Outcome {
	return s.failure(kind, Failure{Message: kind.defaultMessage()})
}

func (s *Service) failure(kind ErrorKind, f Failure) Outcome {
	f.Success = false
	body, err := json.Marshal(f)
	if err != nil {
		body = []byte(`{"success":false,"message":"` + msgInternal + `"}`)
		kind = KindInternalError
	}
	return Outcome{Status: kind.HTTPStatus(), Body: body, Label: string(kind)}
}

func (s *Service) alreadyConfirmed(ctx context.Context, order *orders.Order, req validation.ConfirmPaymentRequest) Outcome {
	paymentKey := req.PaymentKey
	if order.PaymentKey != nil && *order.PaymentKey != "" {
		paymentKey = *order.PaymentKey
	}
	body, err := json.Marshal(Success{
		Success:       true,
		OrderID:       req.OrderID,
		PaymentKey:    paymentKey,
		Status:        StatusConfirmed,
		PaymentMethod: order.PaymentMethod,
		ApprovedAt:    order.ConfirmedAt,
		Raw:           map[string]interface{}{"status": order.Status},
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "marshal success", "error", err)
		return s.Reject(KindInternalError)
	}
	return Outcome{Status: http.StatusOK, Body: body, Label: LabelAlreadyConfirmed}
}

// rejected persists a terminal gateway refusal so that retries with the same
// key replay it without reaching the gateway again.
func (s *Service) rejected(ctx context.Context, order *orders.Order, req validation.ConfirmPaymentRequest, resp *gateway.Response) Outcome {
	now := s.nowFunc().UTC()
	message := msgGatewayRejected
	if m := resp.Field("message"); m != nil {
		message = *m
	}
	code := resp.Field("code")

	err := s.orders.Update(ctx, order.ID, orders.Update{
		Status:         orders.StatusFailed,
		FailedAt:       &now,
		FailureCode:    code,
		FailureMessage: &message,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "mark order failed", "order_id", req.OrderID, "error", err)
	}

	out := s.failure(KindGatewayRejected, Failure{
		OrderID:    req.OrderID,
		PaymentKey: req.PaymentKey,
		Code:       code,
		Message:    message,
		Raw:        resp.Body,
	})
	if err := s.ledger.Upsert(ctx, req.IdempotencyKey, order.ID, out.Body); err != nil {
		s.logger.ErrorContext(ctx, "store rejection in ledger", "order_id", req.OrderID, "error", err)
	}
	s.logger.InfoContext(ctx, "payment rejected by gateway", "order_id", req.OrderID, "code", code, "status", resp.StatusCode)
	return out
}

func (s *Service) confirmed(ctx context.Context, order *orders.Order, req validation.ConfirmPaymentRequest, resp *gateway.Response) Outcome {
	now := s.nowFunc().UTC()
	method := resp.Field("method")
	approvedAt := resp.Field("approvedAt")
	confirmedAt := now.Format(time.RFC3339)
	if approvedAt != nil {
		confirmedAt = *approvedAt
	}
	paymentKey := req.PaymentKey

	// The gateway has charged; a failed write is surfaced so the client
	// retries, and the gateway's idempotency key turns the retry into a replay.
	if err := s.orders.Update(ctx, order.ID, orders.Update{
		Status:        orders.StatusConfirmed,
		PaymentKey:    &paymentKey,
		PaymentMethod: method,
		ConfirmedAt:   &confirmedAt,
	}); err != nil {
		s.logger.ErrorContext(ctx, "mark order confirmed", "order_id", req.OrderID, "error", err)
		return s.Reject(KindInternalError)
	}

	var downloadToken *string
	if order.IsDigital() {
		downloadToken = s.issueGrant(ctx, order, now)
	}

	body, err := json.Marshal(Success{
		Success:       true,
		OrderID:       req.OrderID,
		PaymentKey:    req.PaymentKey,
		Status:        StatusConfirmed,
		PaymentMethod: method,
		ApprovedAt:    approvedAt,
		DownloadToken: downloadToken,
		ProductID:     order.RelatedID,
		Raw:           resp.Body,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "marshal success", "error", err)
		return s.Reject(KindInternalError)
	}

	if err := s.ledger.Upsert(ctx, req.IdempotencyKey, order.ID, body); err != nil {
		s.logger.ErrorContext(ctx, "store confirmation in ledger", "order_id", req.OrderID, "error", err)
	}
	s.logger.InfoContext(ctx, "payment confirmed", "order_id", req.OrderID, "method", method)
	return Outcome{Status: http.StatusOK, Body: body, Label: LabelConfirmed}
}

// issueGrant never fails the confirmation: a grant that cannot be stored is
// logged and reported as no token.
func (s *Service) issueGrant(ctx context.Context, order *orders.Order, now time.Time) *string {
	grant := downloads.NewGrant(order.ID, *order.RelatedID, order.Recipient(), order.RecipientName(), now)
	if err := s.grants.Insert(ctx, grant); err != nil {
		s.logger.ErrorContext(ctx, "create download grant", "order_id", order.ID, "error", err)
		return nil
	}
	s.logger.InfoContext(ctx, "download grant created", "order_id", order.ID, "product_id", grant.ProductID)

	if s.notifier != nil {
		s.notifier.Send(ctx, notify.TemplateDigitalProductEmail, notify.DigitalProductEmail{
			Email:         order.Recipient(),
			Name:          order.RecipientName(),
			ProductName:   order.OrderName,
			DownloadToken: grant.Token,
		})
	}
	return &grant.Token
}

func (s *Service) record(ctx context.Context, label string) {
	if s.metrics != nil {
		s.metrics.RecordOutcome(ctx, label)
	}
}
