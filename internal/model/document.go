package model

import (
	"time"

	"github.com/shopspring/decimal"

	fiscaldec "github.com/rezonia/fiscal-processor/internal/decimal"
)

// DocumentType is the closed set of fiscal document types the pipeline accepts
type DocumentType string

const (
	DocumentTypeUnknown DocumentType = ""
	DocumentTypeNFe     DocumentType = "NFe"
	DocumentTypeCTe     DocumentType = "CTe"
)

// DocumentTypes lists every supported type in a stable order
var DocumentTypes = []DocumentType{DocumentTypeNFe, DocumentTypeCTe}

// ParseDocumentType accepts "NFe", "NF-e", "nfe", "CTe", "CT-e", "cte"
func ParseDocumentType(s string) (DocumentType, bool) {
	switch s {
	case "NFe", "NF-e", "nfe", "NFE", "nf-e":
		return DocumentTypeNFe, true
	case "CTe", "CT-e", "cte", "CTE", "ct-e":
		return DocumentTypeCTe, true
	default:
		return DocumentTypeUnknown, false
	}
}

// Label returns the human label used in messages
func (t DocumentType) Label() string {
	switch t {
	case DocumentTypeNFe:
		return "NF-e"
	case DocumentTypeCTe:
		return "CT-e"
	default:
		return "desconhecido"
	}
}

// Models returns the fiscal model codes a key of this type may carry
func (t DocumentType) Models() []string {
	switch t {
	case DocumentTypeNFe:
		return []string{ModelNFe, ModelNFCe}
	case DocumentTypeCTe:
		return []string{ModelCTe, ModelCTeOS}
	default:
		return nil
	}
}

// Fiscal model codes (mod)
const (
	ModelNFe   = "55"
	ModelNFCe  = "65"
	ModelCTe   = "57"
	ModelCTeOS = "67"
)

// ForeignUF marks a foreign party address
const ForeignUF = "EX"

// BRT is the fiscal time zone (Brasília, no daylight saving since 2019)
var BRT = time.FixedZone("BRT", -3*3600)

// FiscalDocument is the normalized form of an NF-e or CT-e
type FiscalDocument struct {
	Type          DocumentType    `json:"document_type"`
	AccessKey     string          `json:"chave_acesso"`
	Number        string          `json:"numero"`
	Series        string          `json:"serie"`
	Model         string          `json:"modelo"`
	IssuedAt      time.Time       `json:"data_emissao"`
	OperationType string          `json:"tipo_operacao,omitempty"`
	Issuer        Party           `json:"emitente"`
	Recipient     Party           `json:"destinatario"`
	Sender        *Party          `json:"remetente,omitempty"`
	OriginUF      string          `json:"uf_origem,omitempty"`
	DestinationUF string          `json:"uf_destino,omitempty"`
	Total         decimal.Decimal `json:"valor_total"`
	Totals        Totals          `json:"totais"`
	Items         []Item          `json:"itens"`
	ServiceICMS   *TaxLine        `json:"icms_servico,omitempty"`
	CargoValue    decimal.Decimal `json:"valor_carga"`
	Protocol      string          `json:"protocolo,omitempty"`
	Signature     *SignatureInfo  `json:"assinatura,omitempty"`
}

// Party is an issuer, recipient or sender
type Party struct {
	Name         string `json:"nome"`
	CNPJ         string `json:"cnpj,omitempty"`
	CPF          string `json:"cpf,omitempty"`
	IE           string `json:"ie,omitempty"`
	UF           string `json:"uf,omitempty"`
	Municipality string `json:"municipio,omitempty"`
}

// TaxID returns the CNPJ, falling back to the CPF
func (p Party) TaxID() string {
	if p.CNPJ != "" {
		return p.CNPJ
	}
	return p.CPF
}

// Item is one line of an NF-e or one service component of a CT-e
type Item struct {
	Number       int             `json:"numero"`
	Code         string          `json:"codigo,omitempty"`
	Description  string          `json:"descricao"`
	CFOP         string          `json:"cfop"`
	NCM          string          `json:"ncm,omitempty"`
	Origin       string          `json:"origem,omitempty"`
	Quantity     decimal.Decimal `json:"quantidade"`
	ProductValue decimal.Decimal `json:"valor_produto"`
	Value        decimal.Decimal `json:"valor"`
	ICMS         *TaxLine        `json:"icms,omitempty"`
	IPI          *TaxLine        `json:"ipi,omitempty"`
	PIS          *TaxLine        `json:"pis,omitempty"`
	COFINS       *TaxLine        `json:"cofins,omitempty"`
}

// IsImported reports whether the ICMS origin code marks foreign goods
// (origins 1, 2, 3 and 8 take the 4% interstate rate)
func (i Item) IsImported() bool {
	switch i.Origin {
	case "1", "2", "3", "8":
		return true
	default:
		return false
	}
}

// TaxLine holds base, rate (percent) and amount of one tax
type TaxLine struct {
	CST    string          `json:"cst,omitempty"`
	Base   decimal.Decimal `json:"base"`
	Rate   decimal.Decimal `json:"aliquota"`
	Amount decimal.Decimal `json:"valor"`
}

// Totals mirrors the document total group
type Totals struct {
	Products   decimal.Decimal `json:"valor_produtos"`
	ICMSBase   decimal.Decimal `json:"base_icms"`
	ICMS       decimal.Decimal `json:"valor_icms"`
	ICMSST     decimal.Decimal `json:"valor_icms_st"`
	FCPST      decimal.Decimal `json:"valor_fcp_st"`
	ICMSRelief decimal.Decimal `json:"valor_icms_desonerado"`
	IPIDevol   decimal.Decimal `json:"valor_ipi_devolvido"`
	IPI        decimal.Decimal `json:"valor_ipi"`
	PIS        decimal.Decimal `json:"valor_pis"`
	COFINS     decimal.Decimal `json:"valor_cofins"`
	Freight    decimal.Decimal `json:"valor_frete"`
	Insurance  decimal.Decimal `json:"valor_seguro"`
	Discount   decimal.Decimal `json:"valor_desconto"`
	Other      decimal.Decimal `json:"outras_despesas"`
	Receivable decimal.Decimal `json:"valor_receber"`
}

// ItemsTotal sums item values; each already carries its vNF contribution
func (d *FiscalDocument) ItemsTotal() decimal.Decimal {
	values := make([]decimal.Decimal, len(d.Items))
	for i, item := range d.Items {
		values[i] = item.Value
	}
	return fiscaldec.Sum(values...)
}

// IsInterstate reports whether origin and destination UF are both known and differ
func (d *FiscalDocument) IsInterstate() bool {
	return d.OriginUF != "" && d.DestinationUF != "" && d.OriginUF != d.DestinationUF
}

// Summary projects the document to the listing contract
func (d *FiscalDocument) Summary() DocumentSummary {
	return DocumentSummary{
		Type:      d.Type,
		AccessKey: d.AccessKey,
		Number:    d.Number,
		Series:    d.Series,
		Issuer:    d.Issuer,
		Recipient: d.Recipient,
		IssuedAt:  d.IssuedAt,
		Total:     d.Total,
	}
}

// DocumentSummary is one row of a listing
type DocumentSummary struct {
	Type      DocumentType    `json:"document_type"`
	AccessKey string          `json:"chave_acesso"`
	Number    string          `json:"numero"`
	Series    string          `json:"serie"`
	Issuer    Party           `json:"emitente"`
	Recipient Party           `json:"destinatario"`
	IssuedAt  time.Time       `json:"data_emissao"`
	Total     decimal.Decimal `json:"valor_total"`
	IsValid   *bool           `json:"is_valid,omitempty"`
}

// SignatureInfo is the outcome of inspecting the enveloped XMLDSig
type SignatureInfo struct {
	Present          bool       `json:"presente"`
	ReferenceURI     string     `json:"referencia,omitempty"`
	ReferenceMatches bool       `json:"referencia_confere"`
	Verified         bool       `json:"verificada"`
	VerifyError      string     `json:"erro_verificacao,omitempty"`
	SignerName       string     `json:"titular,omitempty"`
	SignerCNPJ       string     `json:"titular_cnpj,omitempty"`
	CertSerial       string     `json:"certificado_serie,omitempty"`
	CertNotBefore    *time.Time `json:"certificado_inicio,omitempty"`
	CertNotAfter     *time.Time `json:"certificado_fim,omitempty"`
}

// NaiveTime keeps the wall clock of t and drops its zone
func NaiveTime(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// FiscalInstant reads the wall clock of a naive fiscal time as Brasília time
func FiscalInstant(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), BRT)
}
