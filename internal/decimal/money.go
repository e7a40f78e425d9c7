package decimal

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Zero is decimal zero
var Zero = decimal.Zero

// Cent is the smallest BRL unit
var Cent = decimal.New(1, -2)

var hundred = decimal.NewFromInt(100)

// ParseFiscal parses a schema decimal (TDec): optional minus, digits, optional
// dot and fraction. Exponents, commas and thousands separators are rejected.
func ParseFiscal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, fmt.Errorf("empty decimal")
	}

	body := strings.TrimPrefix(s, "-")
	if body == "" || body[0] == '.' || body[len(body)-1] == '.' {
		return Zero, fmt.Errorf("invalid decimal: %s", s)
	}

	dots := 0
	for _, c := range body {
		switch {
		case c >= '0' && c <= '9':
		case c == '.':
			dots++
		default:
			return Zero, fmt.Errorf("invalid decimal: %s", s)
		}
	}
	if dots > 1 {
		return Zero, fmt.Errorf("invalid decimal: %s", s)
	}

	return decimal.NewFromString(s)
}

// Percent computes amount * (rate/100) rounded to centavos
func Percent(amount, rate decimal.Decimal) decimal.Decimal {
	if rate.IsZero() {
		return Zero
	}
	return amount.Mul(rate).Div(hundred).Round(2)
}

// Sum adds amounts exactly; rounding is left to the caller
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	if len(amounts) == 0 {
		return Zero
	}
	return decimal.Sum(amounts[0], amounts[1:]...)
}

// Tolerance is the accepted rounding drift for n items: one centavo per item
func Tolerance(n int) decimal.Decimal {
	if n < 1 {
		n = 1
	}
	return Cent.Mul(decimal.NewFromInt(int64(n)))
}

// WithinTolerance reports |a - b| <= tol
func WithinTolerance(a, b, tol decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tol)
}

// FormatBRL renders d as "R$ 1.234,56"
func FormatBRL(d decimal.Decimal) string {
	s := d.Abs().StringFixed(2)
	intPart, frac := s[:len(s)-3], s[len(s)-2:]

	var b strings.Builder
	for i, c := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(c)
	}

	sign := ""
	if d.IsNegative() {
		sign = "-"
	}
	return fmt.Sprintf("%sR$ %s,%s", sign, b.String(), frac)
}
