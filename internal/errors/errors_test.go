package errors

import (
	goerrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrTypeStorage, "write failed", goerrors.New("disk full"))
	assert.Equal(t, "[STORAGE] write failed: disk full", err.Error())

	err = NewAppError(ErrTypeNotFound, "snapshot missing", nil)
	assert.Equal(t, "[NOT_FOUND] snapshot missing", err.Error())
}

func TestAppError_Unwrap(t *testing.T) {
	cause := goerrors.New("connection refused")
	err := NewSourceUnavailableError(2021, cause)

	assert.True(t, goerrors.Is(err, cause))

	var appErr *AppError
	require.True(t, goerrors.As(err, &appErr))
	assert.Equal(t, ErrTypeSourceUnavailable, appErr.Type)
	assert.Equal(t, 2021, appErr.Context["year"])
}

func TestTypeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"app error", NewQualityGateError(2021, 30, 100, 0.2), ErrTypeQualityGate},
		{"wrapped app error", fmt.Errorf("run 2021: %w", NewUnmappableSchemaError(2021, "geo_code")), ErrTypeUnmappableSchema},
		{"plain error", goerrors.New("boom"), ErrorType("")},
		{"nil", nil, ErrorType("")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TypeOf(tt.err))
		})
	}
}

func TestIsType(t *testing.T) {
	err := NewMalformedRowError(2021, 17, nil)
	assert.True(t, IsType(err, ErrTypeMalformedRow))
	assert.False(t, IsType(err, ErrTypeStorage))
}

func TestQualityGateError_Context(t *testing.T) {
	err := NewQualityGateError(2021, 30, 100, 0.2)
	assert.Equal(t, 30, err.Context["rejected_rows"])
	assert.Equal(t, 100, err.Context["total_rows"])
	assert.Contains(t, err.Error(), "0.20")
}

func TestWithContext(t *testing.T) {
	err := NewStorageError("query failed", nil).
		WithContext("year", 2021).
		WithContext("table", "records")

	assert.Equal(t, 2021, err.Context["year"])
	assert.Equal(t, "records", err.Context["table"])
}
