package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Error kinds. Every error returned by a broker adapter or engine component
// unwraps to at most one of these.
var (
	ErrAuth              = errors.New("authentication failed")
	ErrTransient         = errors.New("transient network error")
	ErrBrokerRejection   = errors.New("rejected by broker")
	ErrResourceExhausted = errors.New("resource exhausted")

	ErrNotFound        = errors.New("not found")
	ErrAlreadyTerminal = errors.New("order already terminal")
	ErrUnknownProfile  = errors.New("unknown profile")
	ErrEngineStopped   = errors.New("engine stopped")
	ErrRiskRejected    = errors.New("rejected by risk check")
	ErrInvalidOrder    = errors.New("invalid order")
)

// BrokerError carries the broker-side detail of a failed call.
type BrokerError struct {
	Kind    error  // one of the kind sentinels above
	Op      string // e.g. "login", "quotes", "place_order"
	Code    string // broker status or error code, if any
	Message string
	Err     error
}

func (e *BrokerError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %v [%s]: %s", e.Op, e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, msg)
}

// Unwrap exposes both the kind and the underlying cause to errors.Is.
func (e *BrokerError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewBrokerError builds a BrokerError of the given kind.
func NewBrokerError(kind error, op, code, message string, cause error) *BrokerError {
	return &BrokerError{Kind: kind, Op: op, Code: code, Message: message, Err: cause}
}

// Classify maps err onto one of the kind sentinels. Errors that carry no kind
// are treated as transient when they look like network failures and as broker
// rejections otherwise. Classify returns nil for a nil error.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAuth):
		return ErrAuth
	case errors.Is(err, ErrTransient):
		return ErrTransient
	case errors.Is(err, ErrBrokerRejection):
		return ErrBrokerRejection
	case errors.Is(err, ErrResourceExhausted):
		return ErrResourceExhausted
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrTransient
	}
	return ErrBrokerRejection
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return Classify(err) == ErrTransient
}

// IsAuth reports whether err indicates a rejected or expired session.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuth)
}
