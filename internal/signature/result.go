package signature

import (
	"crypto/x509"
	"strings"
	"time"

	"github.com/rezonia/fiscal-processor/internal/accesskey"
	"github.com/rezonia/fiscal-processor/internal/model"
)

// VerificationResult contains the complete signature verification outcome
type VerificationResult struct {
	// Overall validity - true only if all checks pass
	Valid bool `json:"valid"`

	// Individual check results
	SignatureFound     bool `json:"signature_found"`
	SignatureValid     bool `json:"signature_valid"`
	ReferenceValid     bool `json:"reference_valid"`
	CertValidAtSigning bool `json:"cert_valid_at_signing"`

	// ReferenceURI is SignedInfo/Reference@URI, SignedID the Id of infNFe/infCte
	ReferenceURI string `json:"reference_uri,omitempty"`
	SignedID     string `json:"signed_id,omitempty"`

	// SignatureError is the cryptographic failure, if any
	SignatureError string `json:"signature_error,omitempty"`

	Signer *SignerInfo `json:"signer,omitempty"`

	// Certificate (not serialized to JSON)
	Certificate *x509.Certificate `json:"-"`

	Warnings []string `json:"warnings,omitempty"`
	Errors   []string `json:"errors,omitempty"`

	Format string `json:"format,omitempty"`
}

// SignerInfo contains certificate subject information
type SignerInfo struct {
	Name         string    `json:"name"`
	CNPJ         string    `json:"cnpj,omitempty"`
	Organization string    `json:"organization,omitempty"`
	SerialNumber string    `json:"serial_number"`
	Issuer       string    `json:"issuer"`
	ValidFrom    time.Time `json:"valid_from"`
	ValidTo      time.Time `json:"valid_to"`
}

// NewVerificationResult creates a new empty result
func NewVerificationResult() *VerificationResult {
	return &VerificationResult{
		Warnings: make([]string, 0),
		Errors:   make([]string, 0),
	}
}

// AddWarning adds a warning message to the result
func (r *VerificationResult) AddWarning(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// AddError adds an error message and sets Valid to false
func (r *VerificationResult) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Valid = false
}

// SetSigner populates SignerInfo from an x509 certificate
func (r *VerificationResult) SetSigner(cert *x509.Certificate) {
	if cert == nil {
		return
	}
	r.Certificate = cert

	signer := &SignerInfo{
		Name:         cert.Subject.CommonName,
		CNPJ:         CNPJFromCertificate(cert),
		SerialNumber: cert.SerialNumber.String(),
		ValidFrom:    cert.NotBefore,
		ValidTo:      cert.NotAfter,
	}
	if len(cert.Subject.Organization) > 0 {
		signer.Organization = cert.Subject.Organization[0]
	}
	if cert.Issuer.CommonName != "" {
		signer.Issuer = cert.Issuer.CommonName
	} else if len(cert.Issuer.Organization) > 0 {
		signer.Issuer = cert.Issuer.Organization[0]
	}

	r.Signer = signer
}

// ComputeValidity sets the Valid field based on individual check results
func (r *VerificationResult) ComputeValidity() {
	r.Valid = r.SignatureFound &&
		r.SignatureValid &&
		r.ReferenceValid &&
		r.CertValidAtSigning &&
		len(r.Errors) == 0
}

// Info projects the result onto the document model. The reference only
// matches when it names the element carrying the document's access key.
func (r *VerificationResult) Info(key string) *model.SignatureInfo {
	info := &model.SignatureInfo{
		Present:      r.SignatureFound,
		ReferenceURI: r.ReferenceURI,
		Verified:     r.SignatureValid,
	}
	if !r.SignatureFound {
		return info
	}

	info.ReferenceMatches = r.ReferenceValid && accesskey.Normalize(r.SignedID) == key
	if !r.SignatureValid {
		info.VerifyError = r.SignatureError
		if info.VerifyError == "" && len(r.Errors) > 0 {
			info.VerifyError = r.Errors[0]
		}
	}

	if r.Signer != nil {
		info.SignerName = r.Signer.Name
		info.SignerCNPJ = r.Signer.CNPJ
		info.CertSerial = r.Signer.SerialNumber
		notBefore, notAfter := r.Signer.ValidFrom, r.Signer.ValidTo
		info.CertNotBefore = &notBefore
		info.CertNotAfter = &notAfter
	}
	return info
}

// CNPJFromCertificate extracts the holder CNPJ from an e-CNPJ certificate.
// ICP-Brasil subjects carry it after a colon in the CN ("RAZAO SOCIAL:CNPJ");
// some issuers put it in the subject serialNumber instead.
func CNPJFromCertificate(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	cn := cert.Subject.CommonName
	if i := strings.LastIndexByte(cn, ':'); i >= 0 {
		if candidate := strings.TrimSpace(cn[i+1:]); isCNPJ(candidate) {
			return candidate
		}
	}
	if serial := strings.TrimSpace(cert.Subject.SerialNumber); isCNPJ(serial) {
		return serial
	}
	return ""
}

func isCNPJ(s string) bool {
	if len(s) != 14 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
