package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/payments"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/validation"
)

// ConfirmPaths are the routes serving payment confirmation.
var ConfirmPaths = []string{"/payments/confirm", "/confirm-payment"}

// Confirmer is the payment service as seen by the HTTP layer.
type Confirmer interface {
	Confirm(ctx context.Context, req validation.ConfirmPaymentRequest, authorization string) payments.Outcome
	Reject(kind payments.ErrorKind) payments.Outcome
}

// RegisterPaymentRoutes registers the confirmation routes. Every other
// method on those paths answers 405 with the confirmation failure body.
func RegisterPaymentRoutes(r gin.IRoutes, svc Confirmer, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	cors := CORS(http.MethodPost)

	confirm := func(c *gin.Context) {
		ctx := c.Request.Context()

		var req validation.ConfirmPaymentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			logger.InfoContext(ctx, "unreadable confirm body", "error", err)
			writeOutcome(c, svc.Reject(payments.KindRequestMalformed))
			return
		}

		out := svc.Confirm(ctx, req, c.GetHeader("Authorization"))
		logger.InfoContext(ctx, "confirm payment handled",
			"order_id", req.OrderID, "status", out.Status, "outcome", out.Label)
		writeOutcome(c, out)
	}

	notAllowed := func(c *gin.Context) {
		writeOutcome(c, svc.Reject(payments.KindMethodNotAllowed))
	}

	for _, path := range ConfirmPaths {
		r.POST(path, cors, confirm)
		r.OPTIONS(path, cors, preflight)
		rejectOtherMethods(r, path, http.MethodPost, cors, notAllowed)
	}
}

// CORS sets the browser headers the checkout pages need. method is the one
// the route serves besides OPTIONS.
func CORS(method string) gin.HandlerFunc {
	allowed := method + ", " + http.MethodOptions
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "authorization, x-client-info, apikey, content-type")
		h.Set("Access-Control-Allow-Methods", allowed)
		c.Next()
	}
}

func preflight(c *gin.Context) {
	c.Status(http.StatusOK)
}

// rejectOtherMethods routes every method except allowed and OPTIONS on path
// to handlers.
func rejectOtherMethods(r gin.IRoutes, path, allowed string, handlers ...gin.HandlerFunc) {
	for _, m := range []string{
		http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodConnect, http.MethodTrace,
	} {
		if m != allowed {
			r.Handle(m, path, handlers...)
		}
	}
}

// writeOutcome sends the body bytes exactly as the service produced them.
func writeOutcome(c *gin.Context, out payments.Outcome) {
	c.Data(out.Status, "application/json", out.Body)
}
