package signature

import (
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Codes reported by the enveloped-signature checks. They end up in
// VerificationResult.Errors and in the ledger's signature warnings.
const (
	ErrCodeNoSignature       = "NO_SIGNATURE"
	ErrCodeInvalidSignature  = "INVALID_SIGNATURE"
	ErrCodeNoSignedElement   = "NO_SIGNED_ELEMENT"
	ErrCodeReferenceMismatch = "REFERENCE_MISMATCH"
	ErrCodeNoCertificate     = "NO_CERTIFICATE"
	ErrCodeCertExpired       = "CERT_EXPIRED"
	ErrCodeCertNotYetValid   = "CERT_NOT_YET_VALID"
	ErrCodeMalformedXML      = "MALFORMED_XML"
)

// emissionLayout is how dhEmi-derived instants appear in messages.
const emissionLayout = "2006-01-02T15:04:05Z07:00"

// SignatureError is a coded signature finding. Field names the part of the
// Signature element at fault (reference, certificate, signature value).
type SignatureError struct {
	Code    string
	Field   string
	Message string
	Cause   error
}

func (e *SignatureError) Error() string {
	var b strings.Builder
	b.WriteString("[" + e.Code + "] ")
	if e.Field != "" {
		b.WriteString(e.Field + ": ")
	}
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(" (" + e.Cause.Error() + ")")
	}
	return b.String()
}

func (e *SignatureError) Unwrap() error {
	return e.Cause
}

// Is matches another SignatureError carrying the same code, so callers can
// write errors.Is(err, signature.ErrNoSignature()).
func (e *SignatureError) Is(target error) bool {
	var other *SignatureError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// NewSignatureError builds a coded finding
func NewSignatureError(code, field, message string, cause error) *SignatureError {
	return &SignatureError{Code: code, Field: field, Message: message, Cause: cause}
}

// CodeOf returns the code of the first SignatureError in err's chain, or ""
func CodeOf(err error) string {
	var sigErr *SignatureError
	if errors.As(err, &sigErr) {
		return sigErr.Code
	}
	return ""
}

func ErrNoSignature() *SignatureError {
	return NewSignatureError(ErrCodeNoSignature, "", "document carries no ds:Signature", nil)
}

func ErrNoSignedElement() *SignatureError {
	return NewSignatureError(ErrCodeNoSignedElement, "", "neither infNFe nor infCte is present", nil)
}

// ErrInvalidSignature wraps the digest or SignatureValue failure from dsig
func ErrInvalidSignature(cause error) *SignatureError {
	return NewSignatureError(ErrCodeInvalidSignature, "signature value", "does not match the signed content", cause)
}

func ErrReferenceMismatch(uri, id string) *SignatureError {
	return NewSignatureError(ErrCodeReferenceMismatch, "reference",
		fmt.Sprintf("URI %q does not name Id %q", uri, id), nil)
}

func ErrNoCertificate(cause error) *SignatureError {
	return NewSignatureError(ErrCodeNoCertificate, "certificate", "KeyInfo has no usable X509Certificate", cause)
}

// ErrCertExpired reports an e-CNPJ certificate whose NotAfter precedes the
// emission instant.
func ErrCertExpired(cert *x509.Certificate, emittedAt time.Time) *SignatureError {
	return NewSignatureError(ErrCodeCertExpired, "certificate",
		fmt.Sprintf("%s expired at %s, document emitted at %s",
			subjectName(cert), cert.NotAfter.Format(emissionLayout), emittedAt.Format(emissionLayout)), nil)
}

// ErrCertNotYetValid reports a certificate issued after the emission instant
func ErrCertNotYetValid(cert *x509.Certificate, emittedAt time.Time) *SignatureError {
	return NewSignatureError(ErrCodeCertNotYetValid, "certificate",
		fmt.Sprintf("%s valid from %s, document emitted at %s",
			subjectName(cert), cert.NotBefore.Format(emissionLayout), emittedAt.Format(emissionLayout)), nil)
}

func ErrMalformedXML(cause error) *SignatureError {
	return NewSignatureError(ErrCodeMalformedXML, "", "input is not well-formed XML", cause)
}

func subjectName(cert *x509.Certificate) string {
	if cert.Subject.CommonName != "" {
		return fmt.Sprintf("%q", cert.Subject.CommonName)
	}
	return "certificate " + cert.SerialNumber.String()
}
