package xml

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	fiscaldec "github.com/rezonia/fiscal-processor/internal/decimal"
	"github.com/rezonia/fiscal-processor/internal/model"
)

// Shared XML fragments of NF-e and CT-e

type xmlAddress struct {
	Municipality string `xml:"xMun"`
	UF           string `xml:"UF"`
}

type xmlParty struct {
	CNPJ    string     `xml:"CNPJ"`
	CPF     string     `xml:"CPF"`
	Name    string     `xml:"xNome"`
	IE      string     `xml:"IE"`
	Emit    xmlAddress `xml:"enderEmit"`
	Dest    xmlAddress `xml:"enderDest"`
	Reme    xmlAddress `xml:"enderReme"`
	Exped   xmlAddress `xml:"enderExped"`
	Receb   xmlAddress `xml:"enderReceb"`
	Tomador xmlAddress `xml:"enderToma"`
}

// address returns whichever ender* group is populated
func (p *xmlParty) address() xmlAddress {
	for _, a := range []xmlAddress{p.Emit, p.Dest, p.Reme, p.Exped, p.Receb, p.Tomador} {
		if strings.TrimSpace(a.UF) != "" {
			return a
		}
	}
	return xmlAddress{}
}

// xmlTaxGroup captures any ICMSxx/ICMSSNxxx/PISxxx/COFINSxxx group
type xmlTaxGroup struct {
	Origin  string `xml:"orig"`
	CST     string `xml:"CST"`
	CSOSN   string `xml:"CSOSN"`
	Base    string `xml:"vBC"`
	ICMS    string `xml:"pICMS"`
	ICMSAmt string `xml:"vICMS"`
	STAmt   string `xml:"vICMSST"`
	FCPST   string `xml:"vFCPST"`
	Deson   string `xml:"vICMSDeson"`
	Deduct  string `xml:"indDeduzDeson"`
	PIS     string `xml:"pPIS"`
	PISAmt  string `xml:"vPIS"`
	COF     string `xml:"pCOFINS"`
	COFAmt  string `xml:"vCOFINS"`
}

type xmlTaxChoice struct {
	Groups []xmlTaxGroup `xml:",any"`
}

func (c *xmlTaxChoice) first() *xmlTaxGroup {
	if c == nil || len(c.Groups) == 0 {
		return nil
	}
	return &c.Groups[0]
}

type xmlProtocol struct {
	Info struct {
		NFeKey   string `xml:"chNFe"`
		CTeKey   string `xml:"chCTe"`
		Protocol string `xml:"nProt"`
		Status   string `xml:"cStat"`
	} `xml:"infProt"`
}

// fieldParser accumulates the first error hit while converting one document
type fieldParser struct {
	docType model.DocumentType
	err     error
}

func text(s string) string {
	return strings.TrimSpace(s)
}

func (p *fieldParser) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}

// required returns the trimmed value or records a MissingRequiredField
func (p *fieldParser) required(field, raw string) string {
	v := text(raw)
	if v == "" {
		p.fail(model.NewMissingFieldError(p.docType, field))
	}
	return v
}

// digits returns a trimmed mandatory numeric identifier (numero, serie)
func (p *fieldParser) digits(field, raw string) string {
	v := p.required(field, raw)
	if v == "" {
		return v
	}
	if _, err := strconv.ParseUint(v, 10, 64); err != nil {
		p.fail(model.NewMalformedFieldError(p.docType, field, raw, nil))
	}
	return v
}

// amount parses an optional decimal; empty means zero
func (p *fieldParser) amount(field, raw string) decimal.Decimal {
	v := text(raw)
	if v == "" {
		return decimal.Zero
	}
	d, err := fiscaldec.ParseFiscal(v)
	if err != nil {
		p.fail(model.NewMalformedFieldError(p.docType, field, raw, err))
		return decimal.Zero
	}
	return d
}

// requiredAmount parses a mandatory non-negative decimal
func (p *fieldParser) requiredAmount(field, raw string) decimal.Decimal {
	if p.required(field, raw) == "" {
		return decimal.Zero
	}
	d := p.amount(field, raw)
	if d.IsNegative() {
		p.fail(model.NewMalformedFieldError(p.docType, field, raw, fmt.Errorf("valor negativo")))
	}
	return d
}

// emission parses dhEmi (date-time with offset) or the legacy dEmi (date only)
func (p *fieldParser) emission(dhEmi, dEmi string) time.Time {
	if v := text(dhEmi); v != "" {
		t, err := parseDateTime(v)
		if err != nil {
			p.fail(model.NewMalformedFieldError(p.docType, "data_emissao", dhEmi, err))
		}
		return t
	}
	if v := text(dEmi); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			p.fail(model.NewMalformedFieldError(p.docType, "data_emissao", dEmi, err))
		}
		return model.NaiveTime(t)
	}
	p.fail(model.NewMissingFieldError(p.docType, "data_emissao"))
	return time.Time{}
}

func parseDateTime(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return model.NaiveTime(t), nil
		}
	}

	return time.Time{}, fmt.Errorf("cannot parse date: %s", s)
}

// party converts an emit/dest/rem group
func (p *fieldParser) party(x *xmlParty) model.Party {
	if x == nil {
		return model.Party{}
	}
	addr := x.address()
	return model.Party{
		Name:         text(x.Name),
		CNPJ:         text(x.CNPJ),
		CPF:          text(x.CPF),
		IE:           text(x.IE),
		UF:           strings.ToUpper(text(addr.UF)),
		Municipality: text(addr.Municipality),
	}
}

// taxLine converts a tax group using the given rate/amount raw values
func (p *fieldParser) taxLine(field string, cst, base, rate, amt string) *model.TaxLine {
	return &model.TaxLine{
		CST:    text(cst),
		Base:   p.amount(field+".base", base),
		Rate:   p.amount(field+".aliquota", rate),
		Amount: p.amount(field+".valor", amt),
	}
}

// icms converts the chosen ICMS group
func (p *fieldParser) icms(field string, g *xmlTaxGroup) *model.TaxLine {
	if g == nil {
		return nil
	}
	cst := g.CST
	if text(cst) == "" {
		cst = g.CSOSN
	}
	return p.taxLine(field, cst, g.Base, g.ICMS, g.ICMSAmt)
}

func itemField(i int, name string) string {
	return fmt.Sprintf("itens[%d].%s", i, name)
}
