package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation   Code = "VALIDATION_ERROR"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeForbidden    Code = "FORBIDDEN"
	CodeNotFound     Code = "NOT_FOUND"
	CodeConflict     Code = "CONFLICT"
	CodeInternal     Code = "INTERNAL_ERROR"
	CodeDependency   Code = "DEPENDENCY_ERROR"

	// Reservation pipeline.
	CodeOrderSizeExceeded     Code = "ORDER_SIZE_EXCEEDED"
	CodeMaxReservedExceeded   Code = "MAX_RESERVED_ITEMS_EXCEEDED"
	CodeInsufficientInventory Code = "INSUFFICIENT_INVENTORY_PRECHECK"
	CodeInventoryRace         Code = "INVENTORY_RACE_CONDITION"
	CodeConcurrentPending     Code = "CONCURRENT_PENDING_ORDER"
	CodePickupCodeGenFailed   Code = "PICKUP_CODE_GEN_FAILED"

	// Payment pipeline.
	CodeOrderStateInvalid Code = "ORDER_STATE_INVALID"
	CodeAmountMismatch    Code = "AMOUNT_MISMATCH_FATAL"
	CodeInvalidAmount     Code = "INVALID_AMOUNT"
	CodeTimestampInvalid  Code = "TIMESTAMP_INVALID"
	CodeTimestampExpired  Code = "TIMESTAMP_EXPIRED"
	CodeSignatureInvalid  Code = "SIGNATURE_INVALID"
	CodeGatewayTransient  Code = "GATEWAY_TRANSIENT"

	// Staff transitions.
	CodeInvalidTransition   Code = "INVALID_STATUS_TRANSITION"
	CodeOrderStatusConflict Code = "ORDER_STATUS_CONFLICT"

	// Retry wrapper fallback when no underlying error survived.
	CodeSystemBusy Code = "SYSTEM_BUSY"
)

type Metadata struct {
	HTTPStatus     int
	Retryable      bool
	PublicMessage  string
	DetailsAllowed bool
}

var metadataByCode = map[Code]Metadata{
	CodeValidation: {
		HTTPStatus:     http.StatusBadRequest,
		Retryable:      false,
		PublicMessage:  "validation failed",
		DetailsAllowed: true,
	},
	CodeUnauthorized: {
		HTTPStatus:    http.StatusUnauthorized,
		Retryable:     false,
		PublicMessage: "authentication required",
	},
	CodeForbidden: {
		HTTPStatus:    http.StatusForbidden,
		Retryable:     false,
		PublicMessage: "access denied",
	},
	CodeNotFound: {
		HTTPStatus:    http.StatusNotFound,
		Retryable:     false,
		PublicMessage: "resource not found",
	},
	CodeConflict: {
		HTTPStatus:    http.StatusConflict,
		Retryable:     false,
		PublicMessage: "conflict detected",
	},
	CodeInternal: {
		HTTPStatus:    http.StatusInternalServerError,
		Retryable:     true,
		PublicMessage: "internal server error",
	},
	CodeDependency: {
		HTTPStatus:     http.StatusServiceUnavailable,
		Retryable:      true,
		PublicMessage:  "dependency unavailable",
		DetailsAllowed: true,
	},
	CodeOrderSizeExceeded: {
		HTTPStatus:     http.StatusBadRequest,
		Retryable:      false,
		PublicMessage:  "too many items in one order",
		DetailsAllowed: true,
	},
	CodeMaxReservedExceeded: {
		HTTPStatus:     http.StatusForbidden,
		Retryable:      false,
		PublicMessage:  "reservation quota exceeded",
		DetailsAllowed: true,
	},
	CodeInsufficientInventory: {
		HTTPStatus:    http.StatusConflict,
		Retryable:     false,
		PublicMessage: "one or more copies are no longer available",
	},
	CodeInventoryRace: {
		HTTPStatus:    http.StatusConflict,
		Retryable:     false,
		PublicMessage: "inventory changed while reserving, please retry",
	},
	CodeConcurrentPending: {
		HTTPStatus:    http.StatusConflict,
		Retryable:     false,
		PublicMessage: "an unpaid order already exists",
	},
	CodePickupCodeGenFailed: {
		HTTPStatus:    http.StatusInternalServerError,
		Retryable:     true,
		PublicMessage: "internal server error",
	},
	CodeOrderStateInvalid: {
		HTTPStatus:    http.StatusConflict,
		Retryable:     false,
		PublicMessage: "order is not payable in its current state",
	},
	CodeAmountMismatch: {
		// Fail closed and stay generic: the mismatch details are for the
		// on-call page, never the caller.
		HTTPStatus:    http.StatusInternalServerError,
		Retryable:     false,
		PublicMessage: "internal server error",
	},
	CodeInvalidAmount: {
		HTTPStatus:    http.StatusBadRequest,
		Retryable:     false,
		PublicMessage: "order amount is not chargeable",
	},
	CodeTimestampInvalid: {
		HTTPStatus:    http.StatusBadRequest,
		Retryable:     false,
		PublicMessage: "notification timestamp invalid",
	},
	CodeTimestampExpired: {
		HTTPStatus:    http.StatusBadRequest,
		Retryable:     false,
		PublicMessage: "notification timestamp expired",
	},
	CodeSignatureInvalid: {
		HTTPStatus:    http.StatusUnauthorized,
		Retryable:     false,
		PublicMessage: "notification signature invalid",
	},
	CodeGatewayTransient: {
		HTTPStatus:    http.StatusServiceUnavailable,
		Retryable:     true,
		PublicMessage: "payment status not yet determinable",
	},
	CodeInvalidTransition: {
		HTTPStatus:     http.StatusBadRequest,
		Retryable:      false,
		PublicMessage:  "status transition not allowed",
		DetailsAllowed: true,
	},
	CodeOrderStatusConflict: {
		HTTPStatus:    http.StatusConflict,
		Retryable:     false,
		PublicMessage: "order status changed concurrently",
	},
	CodeSystemBusy: {
		HTTPStatus:    http.StatusServiceUnavailable,
		Retryable:     true,
		PublicMessage: "system busy, please retry",
	},
}

func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	typed := As(err)
	return typed != nil && typed.Code() == code
}
