// Package fiscallib provides a public API for ingesting and validating
// Brazilian NF-e and CT-e documents.
//
// Example usage:
//
//	proc := fiscallib.NewDefaultProcessor()
//	result := proc.Process(ctx, "nfe.xml", data)
//	if !result.Success {
//	    log.Fatal(result.Message)
//	}
//	fmt.Println(result.AccessKey, result.Validation.IsValid)
package fiscallib

import (
	"github.com/rezonia/fiscal-processor/internal/accesskey"
	"github.com/rezonia/fiscal-processor/internal/model"
)

// Re-export core types for public API
type (
	DocumentType     = model.DocumentType
	FiscalDocument   = model.FiscalDocument
	Party            = model.Party
	Item             = model.Item
	TaxLine          = model.TaxLine
	Totals           = model.Totals
	SignatureInfo    = model.SignatureInfo
	ValidationResult = model.ValidationResult
	RuleError        = model.RuleError
	RuleWarning      = model.RuleWarning
	Severity         = model.Severity
	ProcessResult    = model.ProcessResult
	PipelineState    = model.PipelineState
	LedgerEntry      = model.LedgerEntry
	Stats            = model.Stats
	AccessKey        = accesskey.AccessKey
)

// Re-export document types
const (
	DocumentTypeNFe = model.DocumentTypeNFe
	DocumentTypeCTe = model.DocumentTypeCTe
)

// Re-export pipeline states
const (
	StatePersisted = model.StatePersisted
	StateRejected  = model.StateRejected
)

// Re-export error kinds
const (
	KindUnrecognizedDocumentType = model.KindUnrecognizedDocumentType
	KindMissingRequiredField     = model.KindMissingRequiredField
	KindMalformedField           = model.KindMalformedField
	KindInvalidKeyFormat         = model.KindInvalidKeyFormat
	KindInvalidCheckDigit        = model.KindInvalidCheckDigit
	KindStorageTimeout           = model.KindStorageTimeout
	KindStorageUnavailable       = model.KindStorageUnavailable
)

// Re-export error types
type (
	ErrorKind    = model.ErrorKind
	ParseError   = model.ParseError
	KeyError     = model.KeyError
	StorageError = model.StorageError
)

// KindOf returns the error kind carried by err, or "" for other errors
func KindOf(err error) ErrorKind {
	return model.KindOf(err)
}

// DecodeKey parses and checks a 44-digit access key. An "NFe" or "CTe"
// prefix is accepted.
func DecodeKey(key string) (AccessKey, error) {
	return accesskey.Decode(accesskey.Normalize(key))
}

// ValidKey reports whether key is a well-formed access key with a correct
// check digit
func ValidKey(key string) bool {
	return accesskey.Valid(accesskey.Normalize(key))
}
