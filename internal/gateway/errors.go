package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Failure classes. Every error returned by a Gateway wraps exactly one of them.
var (
	// ErrTransient covers timeouts, 5xx, throttling, and connectivity loss. Always retryable.
	ErrTransient = errors.New("gateway.transient")
	// ErrCredentialRejected is an explicit 401/403 confirming the credential is void.
	ErrCredentialRejected = errors.New("gateway.credential_rejected")
	// ErrValidation is a malformed or refused request, such as an unknown coupon.
	ErrValidation = errors.New("gateway.validation")
	// ErrNotFound reports that the target entity no longer exists.
	ErrNotFound = errors.New("gateway.not_found")
)

// Error carries the failing operation, the upstream status, and the provider message.
type Error struct {
	Op      string
	Status  int
	Kind    error
	Message string
	Cause   error
}

func (gatewayError *Error) Error() string {
	text := fmt.Sprintf("%s: %s", gatewayError.Op, gatewayError.Kind.Error())
	if gatewayError.Status != 0 {
		text = fmt.Sprintf("%s (status %d)", text, gatewayError.Status)
	}
	if gatewayError.Message != "" {
		text = fmt.Sprintf("%s: %s", text, gatewayError.Message)
	}
	if gatewayError.Cause != nil {
		text = fmt.Sprintf("%s: %v", text, gatewayError.Cause)
	}
	return text
}

// Unwrap exposes the failure class and the underlying cause to errors.Is.
func (gatewayError *Error) Unwrap() []error {
	if gatewayError.Cause == nil {
		return []error{gatewayError.Kind}
	}
	return []error{gatewayError.Kind, gatewayError.Cause}
}

// Classify maps an HTTP status to a failure class. Successful statuses return nil.
func Classify(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrCredentialRejected
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return ErrTransient
	case status >= 500:
		return ErrTransient
	case status >= 400:
		return ErrValidation
	default:
		return ErrTransient
	}
}

// StatusError builds the classified error for a non-success response.
func StatusError(op string, status int, message string) error {
	kind := Classify(status)
	if kind == nil {
		kind = ErrValidation
	}
	return &Error{Op: op, Status: status, Kind: kind, Message: message}
}

// TransportError wraps a failure that produced no usable response.
func TransportError(op string, cause error) error {
	return &Error{Op: op, Kind: ErrTransient, Cause: cause}
}

// IsTransient reports whether err should be retried rather than acted upon.
// Deadline and network errors count as transient even when unwrapped.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// ProviderMessage returns the upstream message attached to err, if any.
func ProviderMessage(err error) string {
	var gatewayError *Error
	if errors.As(err, &gatewayError) {
		return gatewayError.Message
	}
	return ""
}
