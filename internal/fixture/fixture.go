// Package fixture builds well-formed NF-e and CT-e XML for tests.
package fixture

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rezonia/fiscal-processor/internal/accesskey"
	fiscaldec "github.com/rezonia/fiscal-processor/internal/decimal"
	"github.com/rezonia/fiscal-processor/internal/model"
)

// Valid tax identifiers
const (
	IssuerCNPJ    = "11222333000181"
	RecipientCNPJ = "11444777000161"
	RecipientCPF  = "52998224725"
)

// BRT is the fiscal time zone used by the fixtures
var BRT = model.BRT

// Item describes one NF-e det
type Item struct {
	CFOP       string
	NCM        string
	Value      string
	Origin     string
	ICMSRate   string
	ICMSAmount string // computed from Value x ICMSRate when empty
	IPIRate    string // no IPI group when empty
	PISRate    string
	COFINSRate string
	Discount   string
	ICMSRelief string // ICMS40 with vICMSDeson, subtracted from the line
	FCPST      string // ICMS10 with vFCPST, added to the line
	IPIDevol   string // impostoDevol, added to the line
}

// NFe describes an NF-e document
type NFe struct {
	Key           string // built from the fields when empty
	IssuerUF      string
	RecipientUF   string
	IssuerCNPJ    string
	RecipientCNPJ string
	RecipientCPF  string
	Number        int
	Series        int
	IssuedAt      time.Time
	Items         []Item
	Total         string // sum of item values when empty
	OmitTotal     bool
	Bare          bool // NFe root without the nfeProc envelope
	Protocol      string
	Encoding      string
}

// DefaultItem is an intrastate SP sale of a notebook at internal rates
func DefaultItem() Item {
	return Item{
		CFOP:       "5102",
		NCM:        "84713012",
		Value:      "1000.00",
		Origin:     "0",
		ICMSRate:   "18.00",
		PISRate:    "1.65",
		COFINSRate: "7.60",
	}
}

// DefaultNFe returns an NF-e that passes every rule against the embedded rates
func DefaultNFe() NFe {
	return NFe{
		IssuerUF:      "SP",
		RecipientUF:   "SP",
		IssuerCNPJ:    IssuerCNPJ,
		RecipientCNPJ: RecipientCNPJ,
		Number:        12345,
		Series:        1,
		IssuedAt:      time.Now().In(BRT).Add(-time.Hour).Truncate(time.Second),
		Items:         []Item{DefaultItem()},
		Protocol:      "135240000123456",
	}
}

// NFeKey builds the access key implied by n
func NFeKey(n NFe) string {
	return buildKey(n.IssuerUF, n.IssuedAt, n.IssuerCNPJ, "55", n.Series, n.Number)
}

func buildKey(uf string, issuedAt time.Time, cnpj, mod string, series, number int) string {
	code, ok := accesskey.UFCode(uf)
	if !ok {
		code = "35"
	}
	key, err := accesskey.Build(accesskey.AccessKey{
		UFCode:       code,
		YearMonth:    issuedAt.Format("0601"),
		CNPJ:         cnpj,
		Model:        mod,
		Series:       strconv.Itoa(series),
		Number:       strconv.Itoa(number),
		EmissionForm: "1",
		NumericCode:  fmt.Sprintf("%08d", number%100000000),
	})
	if err != nil {
		panic(err)
	}
	return key
}

// Build renders n as XML
func (n NFe) Build() []byte {
	key := n.Key
	if key == "" {
		key = NFeKey(n)
	}

	var b strings.Builder
	if n.Encoding != "" {
		fmt.Fprintf(&b, `<?xml version="1.0" encoding="%s"?>`, n.Encoding)
	} else {
		b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	}
	if !n.Bare {
		b.WriteString(`<nfeProc xmlns="http://www.portalfiscal.inf.br/nfe" versao="4.00">`)
	}
	b.WriteString(`<NFe xmlns="http://www.portalfiscal.inf.br/nfe">`)
	b.WriteString(NFeInfo(n, key))
	b.WriteString(`</NFe>`)
	if !n.Bare {
		fmt.Fprintf(&b, `<protNFe versao="4.00"><infProt><tpAmb>1</tpAmb><chNFe>%s</chNFe><nProt>%s</nProt><cStat>100</cStat><xMotivo>Autorizado o uso da NF-e</xMotivo></infProt></protNFe>`, key, n.Protocol)
		b.WriteString(`</nfeProc>`)
	}
	return []byte(b.String())
}

// NFeInfo renders the infNFe element alone
func NFeInfo(n NFe, key string) string {
	var b strings.Builder
	ufCode, _ := accesskey.UFCode(n.IssuerUF)

	fmt.Fprintf(&b, `<infNFe Id="NFe%s" versao="4.00">`, key)
	fmt.Fprintf(&b, `<ide><cUF>%s</cUF><cNF>%08d</cNF><natOp>Venda de mercadoria</natOp><mod>55</mod><serie>%d</serie><nNF>%d</nNF><dhEmi>%s</dhEmi><tpNF>1</tpNF><idDest>1</idDest><tpAmb>1</tpAmb></ide>`,
		ufCode, n.Number%100000000, n.Series, n.Number, n.IssuedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, `<emit><CNPJ>%s</CNPJ><xNome>Comércio de Informática Ltda</xNome><enderEmit><xMun>São Paulo</xMun><UF>%s</UF></enderEmit><IE>111222333444</IE></emit>`,
		n.IssuerCNPJ, n.IssuerUF)

	b.WriteString(`<dest>`)
	if n.RecipientCPF != "" {
		fmt.Fprintf(&b, `<CPF>%s</CPF>`, n.RecipientCPF)
	} else {
		fmt.Fprintf(&b, `<CNPJ>%s</CNPJ>`, n.RecipientCNPJ)
	}
	fmt.Fprintf(&b, `<xNome>Distribuidora Ação &amp; Cia</xNome><enderDest><xMun>Destino</xMun><UF>%s</UF></enderDest></dest>`, n.RecipientUF)

	sum := decimal.Zero
	products := decimal.Zero
	icmsTotal := decimal.Zero
	reliefTotal, fcpTotal, devolTotal := decimal.Zero, decimal.Zero, decimal.Zero
	for i, it := range n.Items {
		v := decimal.RequireFromString(it.Value)
		discount := decimal.Zero
		if it.Discount != "" {
			discount = decimal.RequireFromString(it.Discount)
		}
		products = products.Add(v)
		line := v.Sub(discount)

		fmt.Fprintf(&b, `<det nItem="%d"><prod><cProd>P%03d</cProd><xProd>Produto %d</xProd><NCM>%s</NCM><CFOP>%s</CFOP><uCom>UN</uCom><qCom>1.0000</qCom><vUnCom>%s</vUnCom><vProd>%s</vProd>`,
			i+1, i+1, i+1, it.NCM, it.CFOP, it.Value, it.Value)
		if it.Discount != "" {
			fmt.Fprintf(&b, `<vDesc>%s</vDesc>`, it.Discount)
		}
		b.WriteString(`</prod><imposto>`)

		rate := orZero(it.ICMSRate)
		amount := fiscaldec.Percent(line, rate)
		if it.ICMSAmount != "" {
			amount = decimal.RequireFromString(it.ICMSAmount)
		}
		origin := orDefault(it.Origin, "0")
		switch {
		case it.ICMSRelief != "":
			relief := decimal.RequireFromString(it.ICMSRelief)
			reliefTotal = reliefTotal.Add(relief)
			fmt.Fprintf(&b, `<ICMS><ICMS40><orig>%s</orig><CST>40</CST><vICMSDeson>%s</vICMSDeson><motDesICMS>9</motDesICMS></ICMS40></ICMS>`,
				origin, relief.StringFixed(2))
			line = line.Sub(relief)
		case it.FCPST != "":
			fcp := decimal.RequireFromString(it.FCPST)
			fcpTotal = fcpTotal.Add(fcp)
			icmsTotal = icmsTotal.Add(amount)
			fmt.Fprintf(&b, `<ICMS><ICMS10><orig>%s</orig><CST>10</CST><modBC>3</modBC><vBC>%s</vBC><pICMS>%s</pICMS><vICMS>%s</vICMS><modBCST>4</modBCST><vBCST>0.00</vBCST><pICMSST>0.00</pICMSST><vICMSST>0.00</vICMSST><vBCFCPST>%s</vBCFCPST><pFCPST>2.00</pFCPST><vFCPST>%s</vFCPST></ICMS10></ICMS>`,
				origin, line.StringFixed(2), rate.StringFixed(2), amount.StringFixed(2), line.StringFixed(2), fcp.StringFixed(2))
			line = line.Add(fcp)
		default:
			icmsTotal = icmsTotal.Add(amount)
			fmt.Fprintf(&b, `<ICMS><ICMS00><orig>%s</orig><CST>00</CST><modBC>3</modBC><vBC>%s</vBC><pICMS>%s</pICMS><vICMS>%s</vICMS></ICMS00></ICMS>`,
				origin, line.StringFixed(2), rate.StringFixed(2), amount.StringFixed(2))
		}

		if it.IPIRate != "" {
			ipiRate := decimal.RequireFromString(it.IPIRate)
			ipi := fiscaldec.Percent(v.Sub(discount), ipiRate)
			line = line.Add(ipi)
			fmt.Fprintf(&b, `<IPI><cEnq>999</cEnq><IPITrib><CST>50</CST><vBC>%s</vBC><pIPI>%s</pIPI><vIPI>%s</vIPI></IPITrib></IPI>`,
				v.Sub(discount).StringFixed(2), ipiRate.StringFixed(2), ipi.StringFixed(2))
		}

		pis := orZero(it.PISRate)
		cofins := orZero(it.COFINSRate)
		base := v.Sub(discount)
		fmt.Fprintf(&b, `<PIS><PISAliq><CST>01</CST><vBC>%s</vBC><pPIS>%s</pPIS><vPIS>%s</vPIS></PISAliq></PIS>`,
			base.StringFixed(2), pis.StringFixed(2), fiscaldec.Percent(base, pis).StringFixed(2))
		fmt.Fprintf(&b, `<COFINS><COFINSAliq><CST>01</CST><vBC>%s</vBC><pCOFINS>%s</pCOFINS><vCOFINS>%s</vCOFINS></COFINSAliq></COFINS>`,
			base.StringFixed(2), cofins.StringFixed(2), fiscaldec.Percent(base, cofins).StringFixed(2))
		b.WriteString(`</imposto>`)
		if it.IPIDevol != "" {
			devol := decimal.RequireFromString(it.IPIDevol)
			devolTotal = devolTotal.Add(devol)
			line = line.Add(devol)
			fmt.Fprintf(&b, `<impostoDevol><pDevol>100.00</pDevol><IPI><vIPIDevol>%s</vIPIDevol></IPI></impostoDevol>`, devol.StringFixed(2))
		}
		b.WriteString(`</det>`)

		sum = sum.Add(line)
	}

	total := sum.StringFixed(2)
	if n.Total != "" {
		total = n.Total
	}
	b.WriteString(`<total><ICMSTot>`)
	fmt.Fprintf(&b, `<vBC>%s</vBC><vICMS>%s</vICMS><vICMSDeson>%s</vICMSDeson><vST>0.00</vST><vFCPST>%s</vFCPST><vProd>%s</vProd><vFrete>0.00</vFrete><vSeg>0.00</vSeg><vIPIDevol>%s</vIPIDevol>`,
		products.StringFixed(2), icmsTotal.StringFixed(2), reliefTotal.StringFixed(2), fcpTotal.StringFixed(2),
		products.StringFixed(2), devolTotal.StringFixed(2))
	if !n.OmitTotal {
		fmt.Fprintf(&b, `<vNF>%s</vNF>`, total)
	}
	b.WriteString(`</ICMSTot></total>`)
	b.WriteString(`</infNFe>`)
	return b.String()
}

// Component is one CT-e vPrest/Comp
type Component struct {
	Name  string
	Value string
}

// CTe describes a CT-e document
type CTe struct {
	Key        string
	IssuerUF   string
	StartUF    string
	EndUF      string
	IssuerCNPJ string
	CFOP       string
	Number     int
	Series     int
	IssuedAt   time.Time
	Total      string
	Components []Component
	ICMSRate   string
	CargoValue string
	Bare       bool
}

// DefaultCTe returns an interstate PR to SP freight CT-e
func DefaultCTe() CTe {
	return CTe{
		IssuerUF:   "PR",
		StartUF:    "PR",
		EndUF:      "SP",
		IssuerCNPJ: RecipientCNPJ,
		CFOP:       "6353",
		Number:     42,
		Series:     1,
		IssuedAt:   time.Now().In(BRT).Add(-time.Hour).Truncate(time.Second),
		Total:      "1500.00",
		Components: []Component{
			{Name: "FRETE PESO", Value: "1200.00"},
			{Name: "PEDAGIO", Value: "300.00"},
		},
		ICMSRate:   "12.00",
		CargoValue: "50000.00",
	}
}

// CTeKey builds the access key implied by c
func CTeKey(c CTe) string {
	return buildKey(c.IssuerUF, c.IssuedAt, c.IssuerCNPJ, "57", c.Series, c.Number)
}

// Build renders c as XML
func (c CTe) Build() []byte {
	key := c.Key
	if key == "" {
		key = CTeKey(c)
	}
	ufCode, _ := accesskey.UFCode(c.IssuerUF)

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	if !c.Bare {
		b.WriteString(`<cteProc xmlns="http://www.portalfiscal.inf.br/cte" versao="4.00">`)
	}
	b.WriteString(`<CTe xmlns="http://www.portalfiscal.inf.br/cte">`)
	fmt.Fprintf(&b, `<infCte Id="CTe%s" versao="4.00">`, key)
	fmt.Fprintf(&b, `<ide><cUF>%s</cUF><cCT>%08d</cCT><CFOP>%s</CFOP><natOp>Prestação de serviço de transporte</natOp><mod>57</mod><serie>%d</serie><nCT>%d</nCT><dhEmi>%s</dhEmi><tpCTe>0</tpCTe><UFIni>%s</UFIni><UFFim>%s</UFFim></ide>`,
		ufCode, c.Number, c.CFOP, c.Series, c.Number, c.IssuedAt.Format(time.RFC3339), c.StartUF, c.EndUF)
	fmt.Fprintf(&b, `<emit><CNPJ>%s</CNPJ><IE>9012345678</IE><xNome>Transportes Rápidos S.A.</xNome><enderEmit><xMun>Curitiba</xMun><UF>%s</UF></enderEmit></emit>`,
		c.IssuerCNPJ, c.IssuerUF)
	fmt.Fprintf(&b, `<rem><CNPJ>%s</CNPJ><xNome>Indústria Remetente Ltda</xNome><enderReme><xMun>Curitiba</xMun><UF>%s</UF></enderReme></rem>`,
		IssuerCNPJ, c.StartUF)
	fmt.Fprintf(&b, `<dest><CNPJ>%s</CNPJ><xNome>Destinatário Final Ltda</xNome><enderDest><xMun>São Paulo</xMun><UF>%s</UF></enderDest></dest>`,
		IssuerCNPJ, c.EndUF)

	fmt.Fprintf(&b, `<vPrest><vTPrest>%s</vTPrest><vRec>%s</vRec>`, c.Total, c.Total)
	for _, comp := range c.Components {
		fmt.Fprintf(&b, `<Comp><xNome>%s</xNome><vComp>%s</vComp></Comp>`, comp.Name, comp.Value)
	}
	b.WriteString(`</vPrest>`)

	if c.ICMSRate != "" {
		total := decimal.RequireFromString(c.Total)
		rate := decimal.RequireFromString(c.ICMSRate)
		fmt.Fprintf(&b, `<imp><ICMS><ICMS00><CST>00</CST><vBC>%s</vBC><pICMS>%s</pICMS><vICMS>%s</vICMS></ICMS00></ICMS></imp>`,
			total.StringFixed(2), rate.StringFixed(2), fiscaldec.Percent(total, rate).StringFixed(2))
	}
	if c.CargoValue != "" {
		fmt.Fprintf(&b, `<infCTeNorm><infCarga><vCarga>%s</vCarga><proPred>Peças automotivas</proPred></infCarga></infCTeNorm>`, c.CargoValue)
	}
	b.WriteString(`</infCte></CTe>`)
	if !c.Bare {
		fmt.Fprintf(&b, `<protCTe versao="4.00"><infProt><chCTe>%s</chCTe><nProt>141240000098765</nProt><cStat>100</cStat></infProt></protCTe>`, key)
		b.WriteString(`</cteProc>`)
	}
	return []byte(b.String())
}

func orZero(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	return decimal.RequireFromString(s)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
