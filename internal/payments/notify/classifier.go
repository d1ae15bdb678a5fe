package notify

import (
	"net/http"

	pkgerrors "github.com/bookyardhq/bookyard-backend/pkg/errors"
)

// Severity hints how a processing outcome should be logged.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

const (
	ackCodeSuccess = "SUCCESS"
	ackCodeFail    = "FAIL"
)

// Ack is the response contract back to the gateway. Retry reports whether the
// gateway should redeliver; the HTTP status and body code carry that decision
// on the wire.
type Ack struct {
	HTTPStatus int
	Code       string
	Message    string
	Retry      bool
	Severity   Severity
}

// Classify turns a processing error into the gateway acknowledgement.
//
// Only transient conditions ask for redelivery. Permanent failures are acked
// as success in tolerant mode because a redelivery would fail identically and
// gateways escalate repeated failures to merchant alerts; strict mode surfaces
// them with their real status instead. Unknown errors fail closed into a
// non-retried success ack so one buggy path cannot wedge the delivery queue.
func Classify(err error, strict bool) Ack {
	if err == nil {
		return Ack{
			HTTPStatus: http.StatusOK,
			Code:       ackCodeSuccess,
			Message:    "ok",
			Retry:      false,
			Severity:   SeverityInfo,
		}
	}

	typed := pkgerrors.As(err)
	if typed == nil {
		return Ack{
			HTTPStatus: http.StatusOK,
			Code:       ackCodeSuccess,
			Message:    "accepted",
			Retry:      false,
			Severity:   SeverityError,
		}
	}

	meta := pkgerrors.MetadataFor(typed.Code())
	if meta.Retryable {
		return Ack{
			HTTPStatus: http.StatusServiceUnavailable,
			Code:       ackCodeFail,
			Message:    "retry later",
			Retry:      true,
			Severity:   SeverityWarn,
		}
	}

	if strict {
		return Ack{
			HTTPStatus: meta.HTTPStatus,
			Code:       ackCodeFail,
			Message:    meta.PublicMessage,
			Retry:      false,
			Severity:   SeverityWarn,
		}
	}
	return Ack{
		HTTPStatus: http.StatusOK,
		Code:       ackCodeSuccess,
		Message:    "accepted",
		Retry:      false,
		Severity:   SeverityWarn,
	}
}
