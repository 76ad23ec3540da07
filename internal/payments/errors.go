package payments

import "net/http"

// ErrorKind classifies failures; each maps to one HTTP status.
type ErrorKind string

const (
	KindRequestMalformed   ErrorKind = "request_malformed"
	KindNotFound           ErrorKind = "not_found"
	KindForbidden          ErrorKind = "forbidden"
	KindAmountMismatch     ErrorKind = "amount_mismatch"
	KindConfigurationError ErrorKind = "configuration_error"
	KindGatewayRejected    ErrorKind = "gateway_rejected"
	KindInternalError      ErrorKind = "internal_error"
	KindMethodNotAllowed   ErrorKind = "method_not_allowed"
)

// Labels for successful outcomes.
const (
	LabelConfirmed        = "confirmed"
	LabelAlreadyConfirmed = "already_confirmed"
	LabelReplayed         = "replayed"
)

const (
	msgInvalidPayload   = "Invalid request payload"
	msgOrderNotFound    = "Order not found"
	msgForbidden        = "Forbidden"
	msgAmountMismatch   = "Amount mismatch"
	msgMissingSecret    = "Missing TOSS_SECRET_KEY"
	msgGatewayRejected  = "Payment confirmation failed"
	msgInternal         = "Internal server error"
	msgMethodNotAllowed = "Method not allowed"
)

func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindRequestMalformed, KindAmountMismatch, KindGatewayRejected:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}

func (k ErrorKind) defaultMessage() string {
	switch k {
	case KindRequestMalformed:
		return msgInvalidPayload
	case KindNotFound:
		return msgOrderNotFound
	case KindForbidden:
		return msgForbidden
	case KindAmountMismatch:
		return msgAmountMismatch
	case KindConfigurationError:
		return msgMissingSecret
	case KindGatewayRejected:
		return msgGatewayRejected
	case KindMethodNotAllowed:
		return msgMethodNotAllowed
	default:
		return msgInternal
	}
}
