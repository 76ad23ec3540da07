package payments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-idempotent-paymentflow/internal/downloads"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/gateway"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/idempotency"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/notify"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/orders"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/testutil"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/validation"
)

const (
	ordersTable    = "orders"
	ledgerTable    = "payment_idempotency_keys"
	downloadsTable = "digital_product_downloads"
)

type fakeGateway struct {
	mu    sync.Mutex
	calls []gateway.ConfirmRequest
	resp  *gateway.Response
	err   error
	panic bool
}

func (g *fakeGateway) Confirm(ctx context.Context, req gateway.ConfirmRequest) (*gateway.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	if g.panic {
		panic("gateway client bug")
	}
	return g.resp, g.err
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.DigitalProductEmail
}

func (n *recordingNotifier) Send(ctx context.Context, template string, payload interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if template == notify.TemplateDigitalProductEmail {
		n.sent = append(n.sent, payload.(notify.DigitalProductEmail))
	}
}

type recordingMetrics struct {
	mu      sync.Mutex
	labels  []string
	ctxErrs []error
}

func (m *recordingMetrics) RecordOutcome(ctx context.Context, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.labels = append(m.labels, outcome)
	m.ctxErrs = append(m.ctxErrs, ctx.Err())
}

// staticIdentity maps full Authorization header values to user ids.
type staticIdentity map[string]string

func (s staticIdentity) ResolveUser(ctx context.Context, authorization string) (string, bool) {
	id, ok := s[authorization]
	return id, ok
}

type harness struct {
	svc     *Service
	db      *testutil.FakeDynamo
	gw      *fakeGateway
	notes   *recordingNotifier
	metrics *recordingMetrics
}

func newHarness(t *testing.T, seed ...orders.Order) *harness {
	t.Helper()
	db := testutil.NewFakeDynamo()
	db.DefineTable(ordersTable, "id")
	db.DefineTable(ledgerTable, "idempotency_key")
	db.DefineTable(downloadsTable, "download_token")
	for _, o := range seed {
		require.NoError(t, db.Seed(ordersTable, o))
	}

	h := &harness{
		db:      db,
		gw:      &fakeGateway{resp: okResponse()},
		notes:   &recordingNotifier{},
		metrics: &recordingMetrics{},
	}
	h.svc = NewService(Deps{
		Orders:   orders.NewStore(db, ordersTable),
		Ledger:   idempotency.NewStore(db, ledgerTable, 0),
		Gateway:  h.gw,
		Grants:   downloads.NewStore(db, downloadsTable),
		Notifier: h.notes,
		Identity: staticIdentity{"Bearer token-u1": "u1", "Bearer token-u2": "u2"},
		Metrics:  h.metrics,
	})
	return h
}

func (h *harness) order(t *testing.T, id string) orders.Order {
	t.Helper()
	var o orders.Order
	ok, err := h.db.Load(ordersTable, id, &o)
	require.NoError(t, err)
	require.True(t, ok)
	return o
}

func okResponse() *gateway.Response {
	return &gateway.Response{
		StatusCode: http.StatusOK,
		Body: map[string]interface{}{
			"method":     "card",
			"approvedAt": "2024-01-01T00:00:00Z",
			"status":     "DONE",
		},
	}
}

func rejectResponse() *gateway.Response {
	return &gateway.Response{
		StatusCode: http.StatusBadRequest,
		Body: map[string]interface{}{
			"code":    "REJECT_CARD_COMPANY",
			"message": "한도 초과",
		},
	}
}

func strPtr(s string) *string { return &s }

func digitalOrder() orders.Order {
	now := time.Now().UTC()
	return orders.Order{
		ID:             "internal-1",
		GatewayOrderID: "o1",
		Amount:         10000,
		Status:         orders.StatusPending,
		OrderType:      orders.TypeDigitalProduct,
		OrderName:      "Lightroom preset pack",
		RelatedID:      strPtr("p1"),
		GuestEmail:     strPtr("guest@example.com"),
		GuestName:      strPtr("Kim"),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func confirmReq() validation.ConfirmPaymentRequest {
	return validation.ConfirmPaymentRequest{OrderID: "o1", PaymentKey: "pk1", Amount: 10000, IdempotencyKey: "k1"}
}

func decode(t *testing.T, out Outcome) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Body, &m))
	return m
}

func TestConfirm_DigitalProductSuccess(t *testing.T) {
	h := newHarness(t, digitalOrder())

	out := h.svc.Confirm(context.Background(), confirmReq(), "")

	require.Equal(t, http.StatusOK, out.Status)
	body := decode(t, out)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "confirmed", body["status"])
	assert.Equal(t, "card", body["paymentMethod"])
	assert.Equal(t, "2024-01-01T00:00:00Z", body["approvedAt"])
	assert.Equal(t, "p1", body["productId"])
	token, _ := body["downloadToken"].(string)
	require.NotEmpty(t, token)

	o := h.order(t, "internal-1")
	assert.Equal(t, orders.StatusConfirmed, o.Status)
	assert.Equal(t, "card", *o.PaymentMethod)
	assert.Equal(t, "pk1", *o.PaymentKey)
	assert.Equal(t, "2024-01-01T00:00:00Z", *o.ConfirmedAt)

	require.Len(t, h.gw.calls, 1)
	assert.Equal(t, gateway.ConfirmRequest{PaymentKey: "pk1", OrderID: "o1", Amount: 10000, IdempotencyKey: "k1"}, h.gw.calls[0])

	var grant downloads.Grant
	ok, err := h.db.Load(downloadsTable, token, &grant)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "internal-1", grant.OrderID)
	assert.Equal(t, "p1", grant.ProductID)
	assert.Equal(t, "guest@example.com", grant.Recipient)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), grant.ExpiresAt, time.Minute)

	require.Len(t, h.notes.sent, 1)
	assert.Equal(t, notify.DigitalProductEmail{Email: "guest@example.com", Name: "Kim", ProductName: "Lightroom preset pack", DownloadToken: token}, h.notes.sent[0])

	var rec idempotency.Record
	ok, err = h.db.Load(ledgerTable, "k1", &rec)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, string(out.Body), rec.ResponseBody)
	assert.Equal(t, []string{LabelConfirmed}, h.metrics.labels)
}

func TestConfirm_RepeatAfterSuccessIsExactlyOnce(t *testing.T) {
	h := newHarness(t, digitalOrder())
	ctx := context.Background()

	first := h.svc.Confirm(ctx, confirmReq(), "")
	second := h.svc.Confirm(ctx, confirmReq(), "")

	require.Equal(t, http.StatusOK, first.Status)
	require.Equal(t, http.StatusOK, second.Status)
	assert.Equal(t, 1, h.gw.callCount())
	assert.Equal(t, 1, h.db.Count(downloadsTable), "replay must not create a second grant")
	assert.Len(t, h.notes.sent, 1)

	body := decode(t, second)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "pk1", body["paymentKey"])
	assert.Equal(t, "card", body["paymentMethod"])
	assert.Equal(t, "2024-01-01T00:00:00Z", body["approvedAt"])
	assert.Equal(t, map[string]interface{}{"status": "confirmed"}, body["raw"])
	assert.Equal(t, []string{LabelConfirmed, LabelAlreadyConfirmed}, h.metrics.labels)
}

func TestConfirm_GatewayRejectionIsPersistedAndReplayed(t *testing.T) {
	h := newHarness(t, digitalOrder())
	h.gw.resp = rejectResponse()
	ctx := context.Background()

	first := h.svc.Confirm(ctx, confirmReq(), "")

	require.Equal(t, http.StatusBadRequest, first.Status)
	body := decode(t, first)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "REJECT_CARD_COMPANY", body["code"])
	assert.Equal(t, "한도 초과", body["message"])
	assert.Equal(t, "o1", body["orderId"])
	assert.Equal(t, "pk1", body["paymentKey"])

	o := h.order(t, "internal-1")
	assert.Equal(t, orders.StatusFailed, o.Status)
	assert.Equal(t, "REJECT_CARD_COMPANY", *o.FailureCode)
	assert.Equal(t, "한도 초과", *o.FailureMessage)
	assert.NotNil(t, o.FailedAt)

	var rec idempotency.Record
	ok, err := h.db.Load(ledgerTable, "k1", &rec)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, string(first.Body), rec.ResponseBody)

	second := h.svc.Confirm(ctx, confirmReq(), "")
	assert.Equal(t, http.StatusOK, second.Status)
	assert.Equal(t, first.Body, second.Body, "replay must be byte-identical")
	assert.Equal(t, 1, h.gw.callCount())
	assert.Zero(t, h.db.Count(downloadsTable))
	assert.Empty(t, h.notes.sent)
	assert.Equal(t, []string{string(KindGatewayRejected), LabelReplayed}, h.metrics.labels)
}

func TestConfirm_FailedOrderCanBeRetriedWithNewKey(t *testing.T) {
	h := newHarness(t, digitalOrder())
	h.gw.resp = rejectResponse()
	ctx := context.Background()

	require.Equal(t, http.StatusBadRequest, h.svc.Confirm(ctx, confirmReq(), "").Status)

	h.gw.resp = okResponse()
	retry := confirmReq()
	retry.IdempotencyKey = "k2"
	out := h.svc.Confirm(ctx, retry, "")

	assert.Equal(t, http.StatusOK, out.Status)
	assert.Equal(t, 2, h.gw.callCount())
	assert.Equal(t, orders.StatusConfirmed, h.order(t, "internal-1").Status)
}

func TestConfirm_RejectionWithoutMessageUsesDefault(t *testing.T) {
	h := newHarness(t, digitalOrder())
	h.gw.resp = &gateway.Response{StatusCode: http.StatusBadGateway, Body: map[string]interface{}{"raw": "<html>"}}

	out := h.svc.Confirm(context.Background(), confirmReq(), "")

	require.Equal(t, http.StatusBadRequest, out.Status)
	body := decode(t, out)
	assert.Equal(t, "Payment confirmation failed", body["message"])
	assert.NotContains(t, body, "code")
	assert.Equal(t, map[string]interface{}{"raw": "<html>"}, body["raw"])
}

func TestConfirm_AmountMismatchRegardlessOfStatus(t *testing.T) {
	for _, status := range []string{orders.StatusPending, orders.StatusFailed, orders.StatusConfirmed, orders.StatusCompleted} {
		t.Run(status, func(t *testing.T) {
			o := digitalOrder()
			o.Status = status
			h := newHarness(t, o)
			req := confirmReq()
			req.Amount = 9999

			out := h.svc.Confirm(context.Background(), req, "")

			assert.Equal(t, http.StatusBadRequest, out.Status)
			assert.JSONEq(t, `{"success":false,"message":"Amount mismatch"}`, string(out.Body))
			assert.Zero(t, h.gw.callCount())
		})
	}
}

func TestConfirm_Ownership(t *testing.T) {
	owned := digitalOrder()
	owned.UserID = strPtr("u1")
	owned.GuestEmail = nil
	owned.GuestName = nil
	emptyOwner := digitalOrder()
	emptyOwner.UserID = strPtr("")

	tests := []struct {
		name          string
		order         orders.Order
		authorization string
		wantStatus    int
	}{
		{name: "guest on owned order", order: owned, authorization: "", wantStatus: http.StatusForbidden},
		{name: "other user on owned order", order: owned, authorization: "Bearer token-u2", wantStatus: http.StatusForbidden},
		{name: "unresolvable token on owned order", order: owned, authorization: "Bearer expired", wantStatus: http.StatusForbidden},
		{name: "owner", order: owned, authorization: "Bearer token-u1", wantStatus: http.StatusOK},
		{name: "guest on guest order", order: digitalOrder(), authorization: "", wantStatus: http.StatusOK},
		{name: "unresolvable token on guest order", order: digitalOrder(), authorization: "Bearer expired", wantStatus: http.StatusOK},
		{name: "signed-in user on guest order", order: digitalOrder(), authorization: "Bearer token-u2", wantStatus: http.StatusOK},
		{name: "guest on order with empty user id", order: emptyOwner, authorization: "", wantStatus: http.StatusOK},
		{name: "signed-in user on order with empty user id", order: emptyOwner, authorization: "Bearer token-u2", wantStatus: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.order)
			out := h.svc.Confirm(context.Background(), confirmReq(), tt.authorization)
			assert.Equal(t, tt.wantStatus, out.Status)
			if tt.wantStatus == http.StatusForbidden {
				assert.JSONEq(t, `{"success":false,"message":"Forbidden"}`, string(out.Body))
				assert.Zero(t, h.gw.callCount())
			}
		})
	}
}

func TestConfirm_OwnedDigitalOrderGrantGoesToUser(t *testing.T) {
	o := digitalOrder()
	o.UserID = strPtr("u1")
	o.GuestEmail = nil
	o.GuestName = nil
	h := newHarness(t, o)

	out := h.svc.Confirm(context.Background(), confirmReq(), "Bearer token-u1")

	require.Equal(t, http.StatusOK, out.Status)
	require.Len(t, h.notes.sent, 1)
	assert.Equal(t, "u1", h.notes.sent[0].Email)
	assert.Equal(t, "User", h.notes.sent[0].Name)
}

func TestConfirm_InvalidPayload(t *testing.T) {
	h := newHarness(t, digitalOrder())
	for name, req := range map[string]validation.ConfirmPaymentRequest{
		"no order id":        {PaymentKey: "pk1", Amount: 10000, IdempotencyKey: "k1"},
		"no payment key":     {OrderID: "o1", Amount: 10000, IdempotencyKey: "k1"},
		"zero amount":        {OrderID: "o1", PaymentKey: "pk1", IdempotencyKey: "k1"},
		"no idempotency key": {OrderID: "o1", PaymentKey: "pk1", Amount: 10000},
	} {
		t.Run(name, func(t *testing.T) {
			out := h.svc.Confirm(context.Background(), req, "")
			assert.Equal(t, http.StatusBadRequest, out.Status)
			assert.JSONEq(t, `{"success":false,"message":"Invalid request payload"}`, string(out.Body))
		})
	}
	assert.Zero(t, h.gw.callCount())
}

func TestConfirm_OrderNotFound(t *testing.T) {
	h := newHarness(t)
	out := h.svc.Confirm(context.Background(), confirmReq(), "")
	assert.Equal(t, http.StatusNotFound, out.Status)
	assert.JSONEq(t, `{"success":false,"message":"Order not found"}`, string(out.Body))
}

func TestConfirm_OrderLookupError(t *testing.T) {
	h := newHarness(t, digitalOrder())
	h.db.FailNext("Query", errors.New("throttled"))

	out := h.svc.Confirm(context.Background(), confirmReq(), "")
	assert.Equal(t, http.StatusInternalServerError, out.Status)
	assert.JSONEq(t, `{"success":false,"message":"Internal server error"}`, string(out.Body))
}

func TestConfirm_CompletedOrderShortCircuitsWithoutLedger(t *testing.T) {
	o := digitalOrder()
	o.Status = orders.StatusCompleted
	o.PaymentKey = strPtr("pk-original")
	o.PaymentMethod = strPtr("transfer")
	o.ConfirmedAt = strPtr("2023-12-31T10:00:00+09:00")
	h := newHarness(t, o)
	require.NoError(t, h.db.Seed(ledgerTable, idempotency.Record{IdempotencyKey: "k1", ResponseBody: `{"success":false,"message":"stale"}`}))

	out := h.svc.Confirm(context.Background(), confirmReq(), "")

	require.Equal(t, http.StatusOK, out.Status)
	assert.JSONEq(t, `{
		"success": true,
		"orderId": "o1",
		"paymentKey": "pk-original",
		"status": "confirmed",
		"paymentMethod": "transfer",
		"approvedAt": "2023-12-31T10:00:00+09:00",
		"downloadToken": null,
		"productId": null,
		"raw": {"status": "completed"}
	}`, string(out.Body))
	assert.Zero(t, h.gw.callCount())
	assert.Zero(t, h.db.Count(downloadsTable))
}

func TestConfirm_MissingSecret(t *testing.T) {
	h := newHarness(t, digitalOrder())
	h.gw.resp, h.gw.err = nil, gateway.ErrMissingSecret

	out := h.svc.Confirm(context.Background(), confirmReq(), "")

	assert.Equal(t, http.StatusInternalServerError, out.Status)
	assert.JSONEq(t, `{"success":false,"message":"Missing TOSS_SECRET_KEY"}`, string(out.Body))
	assert.Equal(t, orders.StatusPending, h.order(t, "internal-1").Status)
	assert.Zero(t, h.db.Count(ledgerTable))
	assert.Equal(t, []string{string(KindConfigurationError)}, h.metrics.labels)
}

func TestConfirm_TransportErrorPersistsNothing(t *testing.T) {
	h := newHarness(t, digitalOrder())
	h.gw.resp, h.gw.err = nil, errors.New("connection reset")

	out := h.svc.Confirm(context.Background(), confirmReq(), "")

	assert.Equal(t, http.StatusInternalServerError, out.Status)
	assert.Equal(t, orders.StatusPending, h.order(t, "internal-1").Status)
	assert.Zero(t, h.db.Count(ledgerTable))

	// retry with the same key reaches the gateway again
	h.gw.resp, h.gw.err = okResponse(), nil
	assert.Equal(t, http.StatusOK, h.svc.Confirm(context.Background(), confirmReq(), "").Status)
	assert.Equal(t, 2, h.gw.callCount())
}

func TestConfirm_GrantFailureDoesNotFailPayment(t *testing.T) {
	h := newHarness(t, digitalOrder())
	// the grant insert is the first PutItem of the flow
	h.db.FailNext("PutItem", errors.New("downloads table unavailable"))

	out := h.svc.Confirm(context.Background(), confirmReq(), "")

	require.Equal(t, http.StatusOK, out.Status)
	body := decode(t, out)
	require.Contains(t, body, "downloadToken")
	assert.Nil(t, body["downloadToken"])
	assert.Equal(t, "p1", body["productId"])
	assert.Empty(t, h.notes.sent)
	assert.Equal(t, orders.StatusConfirmed, h.order(t, "internal-1").Status)
	assert.Equal(t, 1, h.db.Count(ledgerTable))
}

func TestConfirm_OrderWriteFailureAfterChargeIsRetryable(t *testing.T) {
	h := newHarness(t, digitalOrder())
	h.db.FailNext("UpdateItem", errors.New("throttled"))

	out := h.svc.Confirm(context.Background(), confirmReq(), "")

	assert.Equal(t, http.StatusInternalServerError, out.Status)
	assert.Zero(t, h.db.Count(ledgerTable))
	assert.Zero(t, h.db.Count(downloadsTable))

	out = h.svc.Confirm(context.Background(), confirmReq(), "")
	assert.Equal(t, http.StatusOK, out.Status)
	assert.Equal(t, 2, h.gw.callCount())
	assert.Equal(t, "k1", h.gw.calls[1].IdempotencyKey, "retry must reuse the gateway idempotency key")
}

func TestConfirm_NonDigitalOrder(t *testing.T) {
	o := digitalOrder()
	o.OrderType = "project_settlement"
	o.RelatedID = nil
	h := newHarness(t, o)
	h.gw.resp = &gateway.Response{StatusCode: http.StatusOK, Body: map[string]interface{}{}}

	out := h.svc.Confirm(context.Background(), confirmReq(), "")

	require.Equal(t, http.StatusOK, out.Status)
	body := decode(t, out)
	require.Contains(t, body, "downloadToken")
	require.Contains(t, body, "productId")
	assert.Nil(t, body["downloadToken"])
	assert.Nil(t, body["productId"])
	assert.Nil(t, body["paymentMethod"])
	assert.Nil(t, body["approvedAt"])
	assert.Zero(t, h.db.Count(downloadsTable))

	// without a gateway approval time the order records the confirmation time
	o2 := h.order(t, "internal-1")
	require.NotNil(t, o2.ConfirmedAt)
	_, err := time.Parse(time.RFC3339, *o2.ConfirmedAt)
	assert.NoError(t, err)
}

func TestConfirm_MetricsOutliveCancelledRequest(t *testing.T) {
	h := newHarness(t, digitalOrder())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h.svc.Confirm(ctx, confirmReq(), "")

	require.Len(t, h.metrics.ctxErrs, 1)
	assert.NoError(t, h.metrics.ctxErrs[0], "the outcome must be recorded on a context that is not cancelled")
}

type failingLedger struct{ Ledger }

func (failingLedger) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	return nil, errors.New("ledger unavailable")
}

func TestConfirm_LedgerLookupError(t *testing.T) {
	h := newHarness(t, digitalOrder())
	h.svc.ledger = failingLedger{h.svc.ledger}

	out := h.svc.Confirm(context.Background(), confirmReq(), "")

	assert.Equal(t, http.StatusInternalServerError, out.Status)
	assert.Zero(t, h.gw.callCount())
}

func TestConfirm_PanicBecomesInternalError(t *testing.T) {
	h := newHarness(t, digitalOrder())
	h.gw.panic = true

	out := h.svc.Confirm(context.Background(), confirmReq(), "")

	assert.Equal(t, http.StatusInternalServerError, out.Status)
	assert.JSONEq(t, `{"success":false,"message":"Internal server error"}`, string(out.Body))
	assert.Equal(t, []string{string(KindInternalError)}, h.metrics.labels)
}

func TestErrorKindHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, KindRequestMalformed.HTTPStatus())
	assert.Equal(t, http.StatusNotFound, KindNotFound.HTTPStatus())
	assert.Equal(t, http.StatusForbidden, KindForbidden.HTTPStatus())
	assert.Equal(t, http.StatusBadRequest, KindAmountMismatch.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, KindConfigurationError.HTTPStatus())
	assert.Equal(t, http.StatusBadRequest, KindGatewayRejected.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, KindInternalError.HTTPStatus())
	assert.Equal(t, http.StatusMethodNotAllowed, KindMethodNotAllowed.HTTPStatus())
}
