package model

import "time"

// Severity ranks rule errors
type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityHigh     Severity = "High"
	SeverityMedium   Severity = "Medium"
	SeverityLow      Severity = "Low"
)

// RuleError is a fiscal rule violation
type RuleError struct {
	Code     string   `json:"code"`
	Field    string   `json:"field"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// RuleWarning is an advisory finding
type RuleWarning struct {
	Code    string `json:"code"`
	Field   string `json:"field"`
	Message string `json:"message"`
	Impact  string `json:"impact"`
}

// ValidationResult is produced once per validation run and not mutated after return
type ValidationResult struct {
	AccessKey    string        `json:"chave_acesso"`
	DocumentType DocumentType  `json:"document_type"`
	IsValid      bool          `json:"is_valid"`
	Errors       []RuleError   `json:"errors"`
	Warnings     []RuleWarning `json:"warnings"`
	Suggestions  []string      `json:"suggestions"`
	RatesVersion string        `json:"rates_version,omitempty"`
	ValidatedAt  time.Time     `json:"validated_at"`
}

// NewValidationResult creates an empty result for doc
func NewValidationResult(doc *FiscalDocument) *ValidationResult {
	r := &ValidationResult{
		IsValid:     true,
		Errors:      make([]RuleError, 0),
		Warnings:    make([]RuleWarning, 0),
		Suggestions: make([]string, 0),
	}
	if doc != nil {
		r.AccessKey = doc.AccessKey
		r.DocumentType = doc.Type
	}
	return r
}

// AddError appends an error and marks the result invalid
func (r *ValidationResult) AddError(code, field, message string, severity Severity) {
	r.Errors = append(r.Errors, RuleError{
		Code:     code,
		Field:    field,
		Message:  message,
		Severity: severity,
	})
	r.IsValid = false
}

// AddWarning appends a warning
func (r *ValidationResult) AddWarning(code, field, message, impact string) {
	r.Warnings = append(r.Warnings, RuleWarning{
		Code:    code,
		Field:   field,
		Message: message,
		Impact:  impact,
	})
}

// AddSuggestion appends s unless already present
func (r *ValidationResult) AddSuggestion(s string) {
	for _, existing := range r.Suggestions {
		if existing == s {
			return
		}
	}
	r.Suggestions = append(r.Suggestions, s)
}

// HasError reports whether an error with code was recorded
func (r *ValidationResult) HasError(code string) bool {
	for _, e := range r.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

// HasWarning reports whether a warning with code was recorded
func (r *ValidationResult) HasWarning(code string) bool {
	for _, w := range r.Warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}

// ErrorCodes lists error codes in order
func (r *ValidationResult) ErrorCodes() []string {
	codes := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		codes = append(codes, e.Code)
	}
	return codes
}

// WarningCodes lists warning codes in order
func (r *ValidationResult) WarningCodes() []string {
	codes := make([]string, 0, len(r.Warnings))
	for _, w := range r.Warnings {
		codes = append(codes, w.Code)
	}
	return codes
}

// CountBySeverity counts errors of the given severity
func (r *ValidationResult) CountBySeverity(s Severity) int {
	n := 0
	for _, e := range r.Errors {
		if e.Severity == s {
			n++
		}
	}
	return n
}
