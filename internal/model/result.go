package model

import (
	"time"

	"github.com/google/uuid"
)

// PipelineState is a step of the ingestion state machine
type PipelineState string

const (
	StateReceived      PipelineState = "Received"
	StateClassified    PipelineState = "Classified"
	StateParsed        PipelineState = "Parsed"
	StateKeyValidated  PipelineState = "KeyValidated"
	StateRuleValidated PipelineState = "RuleValidated"
	StateDedupChecked  PipelineState = "DedupChecked"
	StatePersisted     PipelineState = "Persisted"
	StateRejected      PipelineState = "Rejected"
)

// Terminal reports whether no transition leaves s
func (s PipelineState) Terminal() bool {
	return s == StatePersisted || s == StateRejected
}

// ProcessResult is returned exactly once per upload attempt
type ProcessResult struct {
	FileName     string            `json:"file_name,omitempty"`
	DocumentType DocumentType      `json:"document_type"`
	AccessKey    string            `json:"chave_acesso"`
	Success      bool              `json:"success"`
	Message      string            `json:"message"`
	Validation   *ValidationResult `json:"validation,omitempty"`
	Duplicate    bool              `json:"duplicate"`
	State        PipelineState     `json:"state"`
	ErrorCode    ErrorKind         `json:"error_code,omitempty"`

	Document *FiscalDocument `json:"-"`
	Err      error           `json:"-"`
}

// LedgerEntry is the persisted record of an ingested document
type LedgerEntry struct {
	ID         uuid.UUID         `json:"id"`
	Document   *FiscalDocument   `json:"documento"`
	Validation *ValidationResult `json:"validacao,omitempty"`
	IngestedAt time.Time         `json:"ingested_at"`
}

// NewLedgerEntry creates an entry with a fresh ID
func NewLedgerEntry(doc *FiscalDocument, validation *ValidationResult, ingestedAt time.Time) *LedgerEntry {
	return &LedgerEntry{
		ID:         uuid.New(),
		Document:   doc,
		Validation: validation,
		IngestedAt: ingestedAt,
	}
}

// Key returns the access key of the stored document
func (e *LedgerEntry) Key() string {
	if e.Document == nil {
		return ""
	}
	return e.Document.AccessKey
}

// Summary projects the entry to a listing row
func (e *LedgerEntry) Summary() DocumentSummary {
	s := e.Document.Summary()
	if e.Validation != nil {
		valid := e.Validation.IsValid
		s.IsValid = &valid
	}
	return s
}

// Stats is the aggregate counters contract
type Stats struct {
	TotalDocuments int `json:"total_documents"`
	ProcessedToday int `json:"processed_today"`
	NotasFiscais   int `json:"notas_fiscais"`
	CTes           int `json:"ctes"`
}
