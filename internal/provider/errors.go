package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/domain"
)

// SendError is a classified channel failure. Reason is one of the
// domain.Reason* values recorded on the outcome.
type SendError struct {
	Reason     string
	StatusCode int
	Message    string
	Transient  bool
	Cause      error
}

func (e *SendError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	reason := e.Reason
	if reason == "" {
		reason = domain.ReasonProviderError
	}
	parts = append(parts, reason)

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *SendError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func MissingContact(channel domain.Channel) *SendError {
	return &SendError{
		Reason:  domain.ReasonMissingContactInfo,
		Message: fmt.Sprintf("no %s contact on file", channel),
	}
}

func InvalidRecipient(statusCode int, message string) *SendError {
	return &SendError{
		Reason:     domain.ReasonInvalidRecipient,
		StatusCode: statusCode,
		Message:    message,
	}
}

// ReasonOf extracts the outcome reason; unclassified errors are provider errors.
func ReasonOf(err error) string {
	var sendErr *SendError
	if errors.As(err, &sendErr) && sendErr.Reason != "" {
		return sendErr.Reason
	}
	return domain.ReasonProviderError
}

// IsTransient reports whether an error should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}
