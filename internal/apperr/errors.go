package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is the stable, client-visible identifier of an error kind.
type Code string

const (
	CodeTenantContextMissing       Code = "TENANT_CONTEXT_MISSING"
	CodeTenantMismatch             Code = "TENANT_MISMATCH"
	CodeIdempotencyKeyRequired     Code = "IDEMPOTENCY_KEY_REQUIRED"
	CodeIdempotencyKeyInvalid      Code = "IDEMPOTENCY_KEY_INVALID"
	CodeIdempotencyKeyInUse        Code = "IDEMPOTENCY_KEY_IN_USE"
	CodeInsufficientPendingBalance Code = "INSUFFICIENT_PENDING_BALANCE"
	CodeWalletNotFound             Code = "WALLET_NOT_FOUND"
	CodeInvalidAmount              Code = "INVALID_AMOUNT"
	CodeInvalidRequest             Code = "INVALID_REQUEST"
	CodeTenantExists               Code = "TENANT_EXISTS"
	CodeTenantUnknown              Code = "TENANT_UNKNOWN"
	CodeInternal                   Code = "INTERNAL"
)

// Error carries a stable code and the HTTP status it maps to.
type Error struct {
	Code    Code
	Message string
	Status  int
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code, so callers can compare against
// the package-level sentinels regardless of message or cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New creates an error of the given kind.
func New(code Code, status int, message string) *Error {
	return &Error{Code: code, Message: message, Status: status}
}

// Wrap returns a copy of base with a new message and cause attached.
func Wrap(base *Error, message string, cause error) *Error {
	return &Error{Code: base.Code, Message: message, Status: base.Status, Cause: cause}
}

var (
	ErrTenantContextMissing       = New(CodeTenantContextMissing, http.StatusUnauthorized, "tenant context missing")
	ErrTenantMismatch             = New(CodeTenantMismatch, http.StatusForbidden, "tenant mismatch between credential and request")
	ErrIdempotencyKeyRequired     = New(CodeIdempotencyKeyRequired, http.StatusBadRequest, "idempotency key required")
	ErrIdempotencyKeyInvalid      = New(CodeIdempotencyKeyInvalid, http.StatusBadRequest, "idempotency key invalid")
	ErrIdempotencyKeyInUse        = New(CodeIdempotencyKeyInUse, http.StatusConflict, "request with this idempotency key is in progress")
	ErrInsufficientPendingBalance = New(CodeInsufficientPendingBalance, http.StatusUnprocessableEntity, "insufficient pending balance")
	ErrWalletNotFound             = New(CodeWalletNotFound, http.StatusInternalServerError, "wallet not found")
	ErrInvalidAmount              = New(CodeInvalidAmount, http.StatusUnprocessableEntity, "amount must be positive")
	ErrInvalidRequest             = New(CodeInvalidRequest, http.StatusBadRequest, "malformed request")
	ErrTenantExists               = New(CodeTenantExists, http.StatusConflict, "tenant already exists")
	ErrTenantUnknown              = New(CodeTenantUnknown, http.StatusForbidden, "tenant is not registered or inactive")
)

// From extracts the *Error in err's chain, or classifies err as internal.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeInternal, Message: "internal server error", Status: http.StatusInternalServerError, Cause: err}
}
