package model_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rezonia/fiscal-processor/internal/model"
)

func TestParseError_Is(t *testing.T) {
	err := model.NewMissingFieldError(model.DocumentTypeNFe, "valor_total")

	assert.True(t, errors.Is(err, model.ErrMissingRequiredField))
	assert.False(t, errors.Is(err, model.ErrMalformedField))
	assert.Contains(t, err.Error(), "valor_total")
	assert.Contains(t, err.Error(), "NFe/MISSING_REQUIRED_FIELD")

	wrapped := fmt.Errorf("parse: %w", err)
	var pe *model.ParseError
	assert.True(t, errors.As(wrapped, &pe))
	assert.Equal(t, "valor_total", pe.Field)
	assert.Equal(t, model.KindMissingRequiredField, model.KindOf(wrapped))
}

func TestMalformedFieldError(t *testing.T) {
	cause := errors.New("bad digit")
	err := model.NewMalformedFieldError(model.DocumentTypeCTe, "valor_total", "12,x", cause)

	assert.True(t, errors.Is(err, model.ErrMalformedField))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), `"12,x"`)
}

func TestUnrecognizedError(t *testing.T) {
	err := model.NewUnrecognizedError("root <foo> desconhecida", nil)
	assert.True(t, errors.Is(err, model.ErrUnrecognizedDocumentType))
	assert.Equal(t, model.KindUnrecognizedDocumentType, model.KindOf(err))
}

func TestKeyError(t *testing.T) {
	formatErr := model.NewKeyFormatError("123", "deve ter 44 dígitos")
	assert.True(t, errors.Is(formatErr, model.ErrInvalidKeyFormat))
	assert.False(t, errors.Is(formatErr, model.ErrInvalidCheckDigit))

	digitErr := model.NewCheckDigitError("x", 5, 3)
	assert.True(t, errors.Is(digitErr, model.ErrInvalidCheckDigit))
	assert.Contains(t, digitErr.Error(), "esperado 5")
	assert.Equal(t, model.KindInvalidCheckDigit, model.KindOf(digitErr))
}

func TestStorageError(t *testing.T) {
	timeout := model.NewStorageTimeoutError("insert", context.DeadlineExceeded)
	assert.True(t, errors.Is(timeout, model.ErrStorageTimeout))
	assert.True(t, errors.Is(timeout, context.DeadlineExceeded))
	assert.True(t, timeout.Transient())

	unavailable := model.NewStorageUnavailableError("insert", errors.New("connection refused"))
	assert.True(t, errors.Is(unavailable, model.ErrStorageUnavailable))
	assert.False(t, unavailable.Transient())
	assert.Equal(t, model.KindStorageUnavailable, model.KindOf(unavailable))
}

func TestKindOf_Unknown(t *testing.T) {
	assert.Equal(t, model.ErrorKind(""), model.KindOf(errors.New("plain")))
	assert.Equal(t, model.ErrorKind(""), model.KindOf(nil))
}
