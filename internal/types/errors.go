package types

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to decide what to do with it
// without knowing which component raised it.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindInsufficientStock
	KindConflict
	KindTransient
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindInsufficientStock:
		return "insufficient_stock"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// Error is a domain error. Two errors are equal under errors.Is when they
// share a Code, so detailed copies created by Errorf still match their
// sentinel.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Errorf returns a copy of base with a formatted message.
func Errorf(base *Error, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    base.Kind,
		Code:    base.Code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap returns a copy of base that carries cause.
func Wrap(base *Error, cause error) *Error {
	return &Error{
		Kind:    base.Kind,
		Code:    base.Code,
		Message: base.Message,
		Err:     cause,
	}
}

var (
	ErrInvalidQuantity = &Error{Kind: KindValidation, Code: "INVALID_QUANTITY", Message: "quantity must be greater than zero"}
	ErrInvalidStatus   = &Error{Kind: KindValidation, Code: "INVALID_STATUS", Message: "payment status must be success or failure"}
	ErrInvalidWebhook  = &Error{Kind: KindValidation, Code: "INVALID_WEBHOOK", Message: "idempotency key and order id are required"}

	ErrProductNotFound = &Error{Kind: KindNotFound, Code: "PRODUCT_NOT_FOUND", Message: "product not found"}
	ErrHoldNotFound    = &Error{Kind: KindNotFound, Code: "HOLD_NOT_FOUND", Message: "hold not found"}
	ErrOrderNotFound   = &Error{Kind: KindNotFound, Code: "ORDER_NOT_FOUND", Message: "order not found"}
	ErrOrderNotVisible = &Error{Kind: KindNotFound, Code: "ORDER_NOT_VISIBLE", Message: "order not found after retries"}

	ErrInsufficientStock = &Error{Kind: KindInsufficientStock, Code: "INSUFFICIENT_STOCK", Message: "insufficient stock available"}

	ErrHoldNotActive         = &Error{Kind: KindConflict, Code: "HOLD_NOT_ACTIVE", Message: "hold is not active"}
	ErrHoldExpired           = &Error{Kind: KindConflict, Code: "HOLD_EXPIRED", Message: "hold has expired"}
	ErrHoldAlreadyUsed       = &Error{Kind: KindConflict, Code: "HOLD_ALREADY_USED", Message: "hold already used"}
	ErrOrderAlreadyProcessed = &Error{Kind: KindConflict, Code: "ORDER_ALREADY_PROCESSED", Message: "order already processed"}
	ErrTransient             = &Error{Kind: KindTransient, Code: "TRANSIENT", Message: "transaction aborted by a concurrent update, retry later"}
	ErrUnavailable           = &Error{Kind: KindUnavailable, Code: "UNAVAILABLE", Message: "operation interrupted before it could complete"}
)

// NewInsufficientStock reports how many units were available for a request.
func NewInsufficientStock(available, requested int64) *Error {
	return Errorf(ErrInsufficientStock, "insufficient stock available. Available: %d, Requested: %d", available, requested)
}

// KindOf returns the Kind of the first domain error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether a caller may retry the same request later and
// expect a different outcome.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindUnavailable:
		return true
	}
	return errors.Is(err, ErrOrderNotVisible)
}
