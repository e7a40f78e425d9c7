package model

import (
	"errors"
	"fmt"
)

// ErrorKind names a class of pipeline failure
type ErrorKind string

const (
	KindUnrecognizedDocumentType ErrorKind = "UNRECOGNIZED_DOCUMENT_TYPE"
	KindMissingRequiredField     ErrorKind = "MISSING_REQUIRED_FIELD"
	KindMalformedField           ErrorKind = "MALFORMED_FIELD"
	KindInvalidKeyFormat         ErrorKind = "INVALID_KEY_FORMAT"
	KindInvalidCheckDigit        ErrorKind = "INVALID_CHECK_DIGIT"
	KindStorageTimeout           ErrorKind = "STORAGE_TIMEOUT"
	KindStorageUnavailable       ErrorKind = "STORAGE_UNAVAILABLE"
)

// Sentinels for errors.Is
var (
	ErrUnrecognizedDocumentType = errors.New("unrecognized document type")
	ErrMissingRequiredField     = errors.New("missing required field")
	ErrMalformedField           = errors.New("malformed field")
	ErrInvalidKeyFormat         = errors.New("invalid access key format")
	ErrInvalidCheckDigit        = errors.New("invalid access key check digit")
	ErrStorageTimeout           = errors.New("storage timeout")
	ErrStorageUnavailable       = errors.New("storage unavailable")
	ErrNotFound                 = errors.New("not found")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindUnrecognizedDocumentType:
		return ErrUnrecognizedDocumentType
	case KindMissingRequiredField:
		return ErrMissingRequiredField
	case KindMalformedField:
		return ErrMalformedField
	case KindInvalidKeyFormat:
		return ErrInvalidKeyFormat
	case KindInvalidCheckDigit:
		return ErrInvalidCheckDigit
	case KindStorageTimeout:
		return ErrStorageTimeout
	case KindStorageUnavailable:
		return ErrStorageUnavailable
	default:
		return nil
	}
}

// ParseError represents classification and parsing errors with document context
type ParseError struct {
	DocumentType DocumentType
	Kind         ErrorKind
	Field        string
	Raw          string
	Message      string
	Cause        error
}

func (e *ParseError) Error() string {
	prefix := string(e.Kind)
	if e.DocumentType != DocumentTypeUnknown {
		prefix = fmt.Sprintf("%s/%s", e.DocumentType, e.Kind)
	}

	msg := fmt.Sprintf("[%s] %s", prefix, e.Message)
	if e.Field != "" {
		msg = fmt.Sprintf("[%s] %s: %s", prefix, e.Field, e.Message)
	}
	if e.Raw != "" {
		msg = fmt.Sprintf("%s (valor=%q)", msg, e.Raw)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	return msg
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

func (e *ParseError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// NewUnrecognizedError creates an error for content that is neither NF-e nor CT-e
func NewUnrecognizedError(message string, cause error) *ParseError {
	return &ParseError{
		Kind:    KindUnrecognizedDocumentType,
		Message: message,
		Cause:   cause,
	}
}

// NewMissingFieldError creates an error for an absent mandatory element
func NewMissingFieldError(docType DocumentType, field string) *ParseError {
	return &ParseError{
		DocumentType: docType,
		Kind:         KindMissingRequiredField,
		Field:        field,
		Message:      "campo obrigatório ausente",
	}
}

// NewMalformedFieldError creates an error for an unparseable value
func NewMalformedFieldError(docType DocumentType, field, raw string, cause error) *ParseError {
	return &ParseError{
		DocumentType: docType,
		Kind:         KindMalformedField,
		Field:        field,
		Raw:          raw,
		Message:      "valor malformado",
		Cause:        cause,
	}
}

// KeyError represents access key integrity failures
type KeyError struct {
	Kind    ErrorKind
	Key     string
	Message string
}

func (e *KeyError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("[%s] chave %q: %s", e.Kind, e.Key, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *KeyError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// NewKeyFormatError creates an InvalidKeyFormat error
func NewKeyFormatError(key, message string) *KeyError {
	return &KeyError{Kind: KindInvalidKeyFormat, Key: key, Message: message}
}

// NewCheckDigitError creates an InvalidCheckDigit error
func NewCheckDigitError(key string, expected, got int) *KeyError {
	return &KeyError{
		Kind:    KindInvalidCheckDigit,
		Key:     key,
		Message: fmt.Sprintf("dígito verificador %d não confere, esperado %d", got, expected),
	}
}

// StorageError represents failures of the ledger backend
type StorageError struct {
	Kind  ErrorKind
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Op, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Op)
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

func (e *StorageError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// Transient reports whether the caller may retry
func (e *StorageError) Transient() bool {
	return e.Kind == KindStorageTimeout
}

// NewStorageTimeoutError creates a StorageTimeout error
func NewStorageTimeoutError(op string, cause error) *StorageError {
	return &StorageError{Kind: KindStorageTimeout, Op: op, Cause: cause}
}

// NewStorageUnavailableError creates a StorageUnavailable error
func NewStorageUnavailableError(op string, cause error) *StorageError {
	return &StorageError{Kind: KindStorageUnavailable, Op: op, Cause: cause}
}

// KindOf extracts the taxonomy kind from any error in the chain
func KindOf(err error) ErrorKind {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	var ke *KeyError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	var se *StorageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
