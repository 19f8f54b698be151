package ml

import (
	"errors"
	"fmt"
)

// Error kinds as reported to API callers.
const (
	KindConfiguration = "configuration"
	KindInvalidInput  = "invalid_input"
	KindUnknownLabel  = "unknown_label"
	KindUnknownID     = "unknown_id"
	KindInternal      = "internal"
)

// ConfigurationError reports a setup problem that makes the pipeline unusable:
// dimensionality mismatch, missing or corrupt artifacts, mixed training runs.
type ConfigurationError struct {
	Op  string
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %v", e.Op, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func configErr(op string, format string, args ...any) error {
	return &ConfigurationError{Op: op, Err: fmt.Errorf(format, args...)}
}

// InvalidInputError rejects a single inference request.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input: %s: %s", e.Field, e.Reason)
}

// UnknownLabelError is returned when encoding a label absent at fit time.
type UnknownLabelError struct {
	Label string
}

func (e *UnknownLabelError) Error() string {
	return fmt.Sprintf("unknown label %q", e.Label)
}

// UnknownIDError is returned when decoding a class id the codec never assigned.
type UnknownIDError struct {
	ID      int
	Classes int
}

func (e *UnknownIDError) Error() string {
	return fmt.Sprintf("unknown class id %d (codec has %d classes)", e.ID, e.Classes)
}

// Kind maps err to its error kind. Unrecognized errors are internal.
func Kind(err error) string {
	var (
		cfgErr   *ConfigurationError
		inputErr *InvalidInputError
		labelErr *UnknownLabelError
		idErr    *UnknownIDError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &inputErr):
		return KindInvalidInput
	case errors.As(err, &labelErr):
		return KindUnknownLabel
	case errors.As(err, &idErr):
		return KindUnknownID
	case errors.As(err, &cfgErr):
		return KindConfiguration
	default:
		return KindInternal
	}
}

// IsFatal reports whether err means the loaded artifacts cannot serve any
// request. Codec lookups failing at inference time mean the model and codec
// come from different training runs.
func IsFatal(err error) bool {
	switch Kind(err) {
	case KindConfiguration, KindUnknownLabel, KindUnknownID:
		return true
	}
	return false
}
