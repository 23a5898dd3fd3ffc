package services

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds raised by the pricing core. Match them with errors.Is.
var (
	ErrInsufficientData      = errors.New("insufficient data")
	ErrInsufficientVariation = errors.New("insufficient variation")
	ErrInsufficientHistory   = errors.New("insufficient history")
	ErrInvalidConfiguration  = errors.New("invalid configuration")
	ErrDegenerateElasticity  = errors.New("degenerate elasticity")
	ErrInvalidObservation    = errors.New("invalid observation")
)

// PricingError はどの処理で何が不足していたかを保持するエラー
type PricingError struct {
	Kind   error
	Op     string
	Detail string
	Err    error
}

func (e *PricingError) Error() string {
	msg := e.Op + ": " + e.Kind.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *PricingError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newPricingError(kind error, op, format string, args ...interface{}) *PricingError {
	return &PricingError{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

func insufficientData(op, format string, args ...interface{}) error {
	return newPricingError(ErrInsufficientData, op, format, args...)
}

func insufficientVariation(op, format string, args ...interface{}) error {
	return newPricingError(ErrInsufficientVariation, op, format, args...)
}

func insufficientHistory(op, format string, args ...interface{}) error {
	return newPricingError(ErrInsufficientHistory, op, format, args...)
}

func invalidConfiguration(op, format string, args ...interface{}) error {
	return newPricingError(ErrInvalidConfiguration, op, format, args...)
}

func degenerateElasticity(op, format string, args ...interface{}) error {
	return newPricingError(ErrDegenerateElasticity, op, format, args...)
}

func invalidObservation(op, format string, args ...interface{}) error {
	return newPricingError(ErrInvalidObservation, op, format, args...)
}

// ErrorKind returns a stable label for err, used in metrics and API responses.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientData):
		return "insufficient_data"
	case errors.Is(err, ErrInsufficientVariation):
		return "insufficient_variation"
	case errors.Is(err, ErrInsufficientHistory):
		return "insufficient_history"
	case errors.Is(err, ErrInvalidConfiguration):
		return "invalid_configuration"
	case errors.Is(err, ErrDegenerateElasticity):
		return "degenerate_elasticity"
	case errors.Is(err, ErrInvalidObservation):
		return "invalid_observation"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "internal"
}

// IsRecoverable reports whether a documented fallback exists for err.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrInsufficientHistory) ||
		errors.Is(err, ErrInsufficientVariation) ||
		errors.Is(err, ErrInsufficientData)
}
