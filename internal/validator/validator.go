// Package validator runs the fiscal rule set over a parsed document.
package validator

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rezonia/fiscal-processor/internal/model"
	"github.com/rezonia/fiscal-processor/internal/ratetable"
)

// BRT is the fiscal time zone used for date rules
var BRT = model.BRT

const (
	DefaultRetroactiveDays = 5
	DefaultFutureTolerance = 10 * time.Minute
)

// Rule codes
const (
	CodeKeyInvalidFormat   = "KEY_INVALID_FORMAT"
	CodeKeyInvalidDigit    = "KEY_INVALID_DIGIT"
	CodeKeyCNPJMismatch    = "KEY_CNPJ_MISMATCH"
	CodeKeyModelMismatch   = "KEY_MODEL_MISMATCH"
	CodeKeyUFMismatch      = "KEY_UF_MISMATCH"
	CodeKeyNumberMismatch  = "KEY_NUMBER_MISMATCH"
	CodeKeyDateMismatch    = "KEY_DATE_MISMATCH"
	CodeCNPJInvalid        = "CNPJ_INVALID"
	CodeCPFInvalid         = "CPF_INVALID"
	CodeCFOPInvalid        = "CFOP_INVALID"
	CodeCFOPUnknown        = "CFOP_UNKNOWN"
	CodeCFOPUFMismatch     = "CFOP_UF_MISMATCH"
	CodeICMSRateMismatch   = "ICMS_RATE_MISMATCH"
	CodeICMSCalcError      = "ICMS_CALC_ERROR"
	CodeNCMInvalidFormat   = "NCM_INVALID_FORMAT"
	CodeNCMRateUnknown     = "NCM_RATE_UNKNOWN"
	CodeNCMRequiresIPI     = "NCM_REQUIRES_IPI"
	CodePISRateMismatch    = "PIS_RATE_MISMATCH"
	CodeCOFINSRateMismatch = "COFINS_RATE_MISMATCH"
	CodeTotalMismatch      = "TOTAL_MISMATCH"
	CodeDateFuture         = "DATE_FUTURE"
	CodeDateRetroactive    = "DATE_RETROACTIVE"
	CodeSignatureMissing   = "SIGNATURE_MISSING"
	CodeSignatureReference = "SIGNATURE_REFERENCE_MISMATCH"
	CodeSignatureInvalid   = "SIGNATURE_INVALID"
	CodeSignatureCNPJ      = "SIGNATURE_CNPJ_MISMATCH"
)

// Validator checks documents against a rate snapshot. It holds no mutable
// state and is safe for concurrent use.
type Validator struct {
	now             func() time.Time
	retroactiveDays int
	futureTolerance time.Duration
}

// Option configures a Validator
type Option func(*Validator)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(v *Validator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithRetroactiveDays sets how old an emission date may be before a warning
func WithRetroactiveDays(days int) Option {
	return func(v *Validator) {
		if days > 0 {
			v.retroactiveDays = days
		}
	}
}

// WithFutureTolerance sets the allowed clock skew for emission dates
func WithFutureTolerance(d time.Duration) Option {
	return func(v *Validator) {
		if d >= 0 {
			v.futureTolerance = d
		}
	}
}

// New creates a validator
func New(opts ...Option) *Validator {
	v := &Validator{
		now:             time.Now,
		retroactiveDays: DefaultRetroactiveDays,
		futureTolerance: DefaultFutureTolerance,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

var defaultRates = sync.OnceValue(ratetable.Default)

// Validate runs every rule in fixed order. A nil snapshot uses the embedded table.
func (v *Validator) Validate(doc *model.FiscalDocument, rates *ratetable.Snapshot) *model.ValidationResult {
	if rates == nil {
		rates = defaultRates()
	}

	c := &check{
		v:      v,
		doc:    doc,
		rates:  rates,
		result: model.NewValidationResult(doc),
	}
	c.result.RatesVersion = rates.Version
	c.result.ValidatedAt = v.now().UTC()

	c.accessKey()
	c.parties()
	c.cfop()
	c.cfopUF()
	c.icms()
	c.ncm()
	c.total()
	c.dates()
	c.signature()

	c.suggest()
	return c.result
}

// check carries the state of one validation run
type check struct {
	v      *Validator
	doc    *model.FiscalDocument
	rates  *ratetable.Snapshot
	result *model.ValidationResult

	// finding codes in the order they were raised
	order []string

	icmsCredit     decimal.Decimal
	icmsShortfall  decimal.Decimal
	unknownNCMs    []string
	pisCofinsBelow []int
}

func (c *check) addError(code, field, message string, severity model.Severity) {
	c.result.AddError(code, field, message, severity)
	c.order = append(c.order, code)
}

func (c *check) addWarning(code, field, message, impact string) {
	c.result.AddWarning(code, field, message, impact)
	c.order = append(c.order, code)
}
