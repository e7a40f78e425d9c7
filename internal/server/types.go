package server

import (
	"time"

	"github.com/rezonia/fiscal-processor/internal/model"
	"github.com/rezonia/fiscal-processor/internal/ratetable"
)

// ListResponse is the response for the document listing
type ListResponse struct {
	Documents []model.DocumentSummary `json:"documents"`
	Total     int                     `json:"total"`
	Limit     int                     `json:"limit"`
	Offset    int                     `json:"offset"`
}

// InfoResponse is the response for info endpoint
type InfoResponse struct {
	Format       string             `json:"format"`
	MimeType     string             `json:"mime_type"`
	Size         int                `json:"size"`
	DocumentType model.DocumentType `json:"document_type,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// KeyResponse is a decoded access key
type KeyResponse struct {
	ChaveAcesso  string             `json:"chave_acesso"`
	Valid        bool               `json:"valid"`
	DocumentType model.DocumentType `json:"document_type,omitempty"`
	UF           string             `json:"uf"`
	UFCode       string             `json:"uf_code"`
	YearMonth    string             `json:"aamm"`
	CNPJ         string             `json:"cnpj"`
	Model        string             `json:"modelo"`
	Series       string             `json:"serie"`
	Number       string             `json:"numero"`
	EmissionForm string             `json:"forma_emissao"`
	NumericCode  string             `json:"codigo_numerico"`
	CheckDigit   int                `json:"digito_verificador"`
}

// RatesResponse describes the active rate snapshot
type RatesResponse struct {
	Version  string           `json:"version"`
	Source   string           `json:"source"`
	LoadedAt time.Time        `json:"loaded_at"`
	Counts   ratetable.Counts `json:"counts"`
}

// ErrorResponse is the standard error response
type ErrorResponse struct {
	Error   string          `json:"error"`
	Code    model.ErrorKind `json:"code,omitempty"`
	Details string          `json:"details,omitempty"`
}

// VerifyResponse is the response for signature verification endpoint
type VerifyResponse struct {
	Valid              bool              `json:"valid"`
	SignatureFound     bool              `json:"signature_found"`
	SignatureValid     bool              `json:"signature_valid"`
	ReferenceValid     bool              `json:"reference_valid"`
	CertValidAtSigning bool              `json:"cert_valid_at_signing"`
	ReferenceURI       string            `json:"reference_uri,omitempty"`
	Format             string            `json:"format,omitempty"`
	Signer             *SignerInfoOutput `json:"signer,omitempty"`
	Warnings           []string          `json:"warnings,omitempty"`
	Errors             []string          `json:"errors,omitempty"`
}

// SignerInfoOutput holds signer info for API response
type SignerInfoOutput struct {
	Name         string     `json:"name,omitempty"`
	CNPJ         string     `json:"cnpj,omitempty"`
	Organization string     `json:"organization,omitempty"`
	SerialNumber string     `json:"serial_number,omitempty"`
	Issuer       string     `json:"issuer,omitempty"`
	ValidFrom    *time.Time `json:"valid_from,omitempty"`
	ValidTo      *time.Time `json:"valid_to,omitempty"`
}
