// Package accesskey decodes and builds the 44-digit chave de acesso carried by
// every NF-e and CT-e.
package accesskey

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rezonia/fiscal-processor/internal/model"
)

// Length is the number of digits of an access key
const Length = 44

// Field layout: cUF(2) AAMM(4) CNPJ(14) mod(2) serie(3) nNF(9) tpEmis(1) cNF(8) cDV(1)
const (
	offUF      = 0
	offAAMM    = 2
	offCNPJ    = 6
	offModel   = 20
	offSeries  = 22
	offNumber  = 25
	offForm    = 34
	offNumeric = 35
	offDigit   = 43
)

// AccessKey holds the decoded fields of a chave de acesso
type AccessKey struct {
	UFCode       string `json:"uf_code"`
	YearMonth    string `json:"aamm"`
	CNPJ         string `json:"cnpj"`
	Model        string `json:"modelo"`
	Series       string `json:"serie"`
	Number       string `json:"numero"`
	EmissionForm string `json:"forma_emissao"`
	NumericCode  string `json:"codigo_numerico"`
	CheckDigit   int    `json:"digito_verificador"`
}

// Decode parses and checks a 44-digit access key
func Decode(key string) (AccessKey, error) {
	if len(key) != Length {
		return AccessKey{}, model.NewKeyFormatError(key, fmt.Sprintf("esperados %d dígitos, recebidos %d", Length, len(key)))
	}
	if !isDigits(key) {
		return AccessKey{}, model.NewKeyFormatError(key, "a chave deve conter apenas dígitos")
	}

	expected, _ := CheckDigit(key[:offDigit])
	got := int(key[offDigit] - '0')
	if expected != got {
		return AccessKey{}, model.NewCheckDigitError(key, expected, got)
	}

	return AccessKey{
		UFCode:       key[offUF:offAAMM],
		YearMonth:    key[offAAMM:offCNPJ],
		CNPJ:         key[offCNPJ:offModel],
		Model:        key[offModel:offSeries],
		Series:       key[offSeries:offNumber],
		Number:       key[offNumber:offForm],
		EmissionForm: key[offForm:offNumeric],
		NumericCode:  key[offNumeric:offDigit],
		CheckDigit:   got,
	}, nil
}

// Valid reports whether key decodes cleanly
func Valid(key string) bool {
	_, err := Decode(key)
	return err == nil
}

// CheckDigit computes the modulo-11 digit of the first 43 digits.
// Weights cycle 2..9 starting at the rightmost digit; remainders 0 and 1 give 0.
func CheckDigit(first43 string) (int, error) {
	if len(first43) != Length-1 {
		return 0, model.NewKeyFormatError(first43, fmt.Sprintf("esperados %d dígitos, recebidos %d", Length-1, len(first43)))
	}
	if !isDigits(first43) {
		return 0, model.NewKeyFormatError(first43, "a chave deve conter apenas dígitos")
	}
	return mod11(first43), nil
}

func mod11(digits string) int {
	sum, weight := 0, 2
	for i := len(digits) - 1; i >= 0; i-- {
		sum += int(digits[i]-'0') * weight
		weight++
		if weight > 9 {
			weight = 2
		}
	}
	r := sum % 11
	if r < 2 {
		return 0
	}
	return 11 - r
}

// Build composes a key from fields, zero-padding the numeric ones, and
// appends the computed check digit. The CheckDigit field is ignored.
func Build(k AccessKey) (string, error) {
	parts := []struct {
		name  string
		value string
		width int
	}{
		{"uf_code", k.UFCode, 2},
		{"aamm", k.YearMonth, 4},
		{"cnpj", k.CNPJ, 14},
		{"modelo", k.Model, 2},
		{"serie", k.Series, 3},
		{"numero", k.Number, 9},
		{"forma_emissao", k.EmissionForm, 1},
		{"codigo_numerico", k.NumericCode, 8},
	}

	var b strings.Builder
	b.Grow(Length)
	for _, p := range parts {
		if p.value == "" || len(p.value) > p.width || !isDigits(p.value) {
			return "", model.NewKeyFormatError("", fmt.Sprintf("campo %s inválido: %q", p.name, p.value))
		}
		b.WriteString(strings.Repeat("0", p.width-len(p.value)))
		b.WriteString(p.value)
	}

	body := b.String()
	return body + strconv.Itoa(mod11(body)), nil
}

// String re-serializes the key
func (k AccessKey) String() string {
	return k.UFCode + k.YearMonth + k.CNPJ + k.Model + k.Series + k.Number +
		k.EmissionForm + k.NumericCode + strconv.Itoa(k.CheckDigit)
}

// UF returns the state abbreviation, empty when the IBGE code is unknown
func (k AccessKey) UF() string {
	uf, _ := UFFromCode(k.UFCode)
	return uf
}

// Year returns the four-digit emission year
func (k AccessKey) Year() int {
	yy, _ := strconv.Atoi(k.YearMonth[:2])
	return 2000 + yy
}

// Month returns the emission month (1-12 on well-formed keys)
func (k AccessKey) Month() int {
	mm, _ := strconv.Atoi(k.YearMonth[2:])
	return mm
}

// SeriesNumber returns series and number without zero padding
func (k AccessKey) SeriesNumber() (int, int) {
	s, _ := strconv.Atoi(k.Series)
	n, _ := strconv.Atoi(k.Number)
	return s, n
}

// Normalize strips whitespace and the NFe/CTe prefix used by infNFe@Id and infCte@Id
func Normalize(s string) string {
	s = strings.Join(strings.Fields(s), "")
	for _, prefix := range []string{"NFe", "CTe", "nfe", "cte"} {
		if strings.HasPrefix(s, prefix) {
			return s[len(prefix):]
		}
	}
	return s
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
