package signature

import (
	"context"
	"time"
)

// FormatXML is the only signed format the pipeline accepts
const FormatXML = "xml"

// Verifier defines the interface for signature verification
type Verifier interface {
	// Verify checks the enveloped signature of data. Certificate validity
	// is evaluated at the given instant (the emission date); zero means now.
	// A missing signature is reported in the result, not as an error.
	Verify(ctx context.Context, data []byte, at time.Time) (*VerificationResult, error)

	// Format returns the format this verifier handles
	Format() string
}
