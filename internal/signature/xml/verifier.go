package xml

import (
	"context"
	"crypto/x509"
	"time"

	dsig "github.com/russellhaering/goxmldsig"

	"github.com/rezonia/fiscal-processor/internal/signature"
)

// idAttribute names the attribute the Reference URI points at
const idAttribute = "Id"

// XMLVerifier verifies the XMLDSig of an NF-e or CT-e. It checks integrity
// against the certificate embedded in KeyInfo; trust in the ICP-Brasil chain
// is left to the SEFAZ authorization protocol.
type XMLVerifier struct {
	extractor *SignatureExtractor
	now       func() time.Time
}

// NewXMLVerifier creates a new XML signature verifier
func NewXMLVerifier() *XMLVerifier {
	return &XMLVerifier{
		extractor: NewSignatureExtractor(),
		now:       time.Now,
	}
}

var _ signature.Verifier = (*XMLVerifier)(nil)

// Verify verifies the XMLDSig signature in the given XML data
func (v *XMLVerifier) Verify(ctx context.Context, data []byte, at time.Time) (*signature.VerificationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := signature.NewVerificationResult()
	result.Format = signature.FormatXML

	extraction, err := v.extractor.Extract(data)
	if err != nil {
		if signature.CodeOf(err) == signature.ErrCodeNoSignature {
			result.AddError(err.Error())
			return result, nil
		}
		return nil, err
	}

	result.SignatureFound = true
	result.SignedID = extraction.SignedID
	result.ReferenceURI = extraction.ReferenceURI
	result.ReferenceValid = extraction.SignedID != "" && extraction.ReferenceURI == "#"+extraction.SignedID
	if !result.ReferenceValid {
		result.AddError(signature.ErrReferenceMismatch(extraction.ReferenceURI, extraction.SignedID).Error())
	}

	cert, err := extraction.Certificate()
	if err != nil {
		result.SignatureError = err.Error()
		result.AddError(err.Error())
		result.ComputeValidity()
		return result, nil
	}
	result.SetSigner(cert)

	if at.IsZero() {
		at = v.now()
	}
	switch {
	case at.Before(cert.NotBefore):
		result.AddError(signature.ErrCertNotYetValid(cert, at).Error())
	case at.After(cert.NotAfter):
		result.AddError(signature.ErrCertExpired(cert, at).Error())
	default:
		result.CertValidAtSigning = true
	}

	if err := validate(extraction, cert, at); err != nil {
		result.SignatureError = err.Error()
		result.AddError(signature.ErrInvalidSignature(err).Error())
	} else {
		result.SignatureValid = true
	}

	result.ComputeValidity()
	return result, nil
}

// validate checks digest and signature value. The clock is pinned inside the
// certificate window so an expired certificate is reported separately from
// a broken signature.
func validate(extraction *ExtractionResult, cert *x509.Certificate, at time.Time) error {
	if at.Before(cert.NotBefore) {
		at = cert.NotBefore
	}
	if at.After(cert.NotAfter) {
		at = cert.NotAfter
	}

	vctx := dsig.NewDefaultValidationContext(&dsig.MemoryX509CertificateStore{
		Roots: []*x509.Certificate{cert},
	})
	vctx.IdAttribute = idAttribute
	vctx.Clock = dsig.NewFakeClockAt(at)

	_, err := vctx.Validate(extraction.Detached())
	return err
}

// Format returns the format this verifier handles
func (v *XMLVerifier) Format() string {
	return signature.FormatXML
}
