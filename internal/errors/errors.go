package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies pipeline failures for propagation and exit-code
// mapping.
type ErrorType string

const (
	ErrTypeSourceUnavailable ErrorType = "SOURCE_UNAVAILABLE"
	ErrTypeUnmappableSchema  ErrorType = "UNMAPPABLE_SCHEMA"
	ErrTypeMalformedRow      ErrorType = "MALFORMED_ROW"
	ErrTypeQualityGate       ErrorType = "QUALITY_GATE_FAILED"
	ErrTypeStorage           ErrorType = "STORAGE"
	ErrTypeConfig            ErrorType = "CONFIG"
	ErrTypeNotFound          ErrorType = "NOT_FOUND"
	ErrTypeCancelled         ErrorType = "CANCELLED"
	ErrTypeRunActive         ErrorType = "RUN_ACTIVE"
)

// AppError is the application error carried across pipeline stages. Context
// holds structured detail (year, stage, attempt) so a failed run can be
// resumed with full diagnostics.
type AppError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap allows errors.Is and errors.As to reach the cause.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext attaches a structured detail to the error and returns it.
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error.
func NewAppError(errType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// TypeOf returns the ErrorType of err, unwrapping as needed. Errors that are
// not AppErrors classify as internal (empty type).
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ""
}

// IsType reports whether err carries the given error type.
func IsType(err error, errType ErrorType) bool {
	return TypeOf(err) == errType
}

// NewSourceUnavailableError marks a source fetch failure after retries are
// exhausted.
func NewSourceUnavailableError(year int, cause error) *AppError {
	return NewAppError(ErrTypeSourceUnavailable,
		fmt.Sprintf("source extract for %d unavailable", year), cause).
		WithContext("year", year)
}

// NewUnmappableSchemaError marks a year whose raw layout cannot satisfy a
// required canonical field. Never auto-resolved; requires a mapping update.
func NewUnmappableSchemaError(year int, field string) *AppError {
	return NewAppError(ErrTypeUnmappableSchema,
		fmt.Sprintf("no raw column or derivation rule for required field %q in %d", field, year), nil).
		WithContext("year", year).
		WithContext("field", field)
}

// NewMalformedRowError marks a row whose identity could not be established.
// Fatal for the row, not for the run.
func NewMalformedRowError(year, rowIndex int, cause error) *AppError {
	return NewAppError(ErrTypeMalformedRow,
		fmt.Sprintf("row %d of %d extract is malformed", rowIndex, year), cause).
		WithContext("year", year).
		WithContext("row", rowIndex)
}

// NewQualityGateError marks a run whose rejected-row fraction exceeded the
// configured threshold.
func NewQualityGateError(year int, rejected, total int, threshold float64) *AppError {
	return NewAppError(ErrTypeQualityGate,
		fmt.Sprintf("rejected %d of %d rows for %d exceeds threshold %.2f", rejected, total, year, threshold), nil).
		WithContext("year", year).
		WithContext("rejected_rows", rejected).
		WithContext("total_rows", total)
}

// NewStorageError creates a repository error.
func NewStorageError(message string, cause error) *AppError {
	return NewAppError(ErrTypeStorage, message, cause)
}

// NewConfigError creates a configuration error.
func NewConfigError(message string, cause error) *AppError {
	return NewAppError(ErrTypeConfig, message, cause)
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrTypeNotFound, fmt.Sprintf("%s not found", resource), nil)
}

// NewRunActiveError rejects a second concurrent run for the same year.
func NewRunActiveError(year int) *AppError {
	return NewAppError(ErrTypeRunActive,
		fmt.Sprintf("a pipeline run for %d is already active", year), nil).
		WithContext("year", year)
}

// NewCancellationError marks a run cancelled between or inside a stage.
func NewCancellationError(stage string) *AppError {
	return NewAppError(ErrTypeCancelled,
		fmt.Sprintf("run cancelled during %s", stage), nil).
		WithContext("stage", stage)
}
