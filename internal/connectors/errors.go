package connectors

import (
	"context"
	"errors"
	"fmt"

	"go-crmsync/internal/common/models"
)

// ErrorKind is the retry classification of a provider failure
type ErrorKind string

const (
	KindConfiguration  ErrorKind = "configuration"
	KindAuthentication ErrorKind = "authentication"
	KindTransient      ErrorKind = "transient"
	KindTerminal       ErrorKind = "terminal"
)

var (
	ErrProviderNotConfigured = errors.New("provider not configured")
	ErrAdapterConstruction   = errors.New("adapter construction failed")
	ErrUnsupported           = errors.New("operation not supported by provider")
	ErrLineNotBound          = errors.New("no communication line bound")
	ErrInvalidSignature      = errors.New("webhook signature mismatch")
	ErrNoWebhookSecret       = errors.New("no webhook secret configured")
)

// Error is a classified provider failure
type Error struct {
	Kind     ErrorKind
	Provider models.ProviderType
	Op       string
	Status   int
	Code     string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Provider, e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, provider models.ProviderType, op string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Op: op, Err: err}
}

// ConfigError builds a configuration error
func ConfigError(provider models.ProviderType, op string, err error) error {
	return newError(KindConfiguration, provider, op, err)
}

// TransientError marks a failure outside the provider call, such as a store
// outage, as safe to retry
func TransientError(provider models.ProviderType, op string, err error) error {
	return newError(KindTransient, provider, op, err)
}

// KindOf classifies err. Unclassified errors are terminal, except context
// deadlines which are transient.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindTerminal
}

// IsRetryable reports whether the job layer may retry after err
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}
