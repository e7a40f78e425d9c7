package validator

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rezonia/fiscal-processor/internal/accesskey"
	fiscaldec "github.com/rezonia/fiscal-processor/internal/decimal"
	"github.com/rezonia/fiscal-processor/internal/model"
)

// accessKey checks the key and, when it decodes, its consistency with the document
func (c *check) accessKey() {
	doc := c.doc
	k, err := accesskey.Decode(doc.AccessKey)
	if err != nil {
		if model.KindOf(err) == model.KindInvalidCheckDigit {
			c.addError(CodeKeyInvalidDigit, "chave_acesso",
				"Dígito verificador da chave de acesso inválido", model.SeverityCritical)
		} else {
			c.addError(CodeKeyInvalidFormat, "chave_acesso",
				"Chave de acesso deve ter 44 dígitos numéricos", model.SeverityCritical)
		}
		return
	}

	if issuer := keyTaxID(doc.Issuer); issuer != "" && issuer != k.CNPJ {
		c.addError(CodeKeyCNPJMismatch, "emitente.cnpj",
			fmt.Sprintf("CNPJ da chave (%s) difere do emitente (%s)", k.CNPJ, doc.Issuer.TaxID()), model.SeverityHigh)
	}

	if !contains(doc.Type.Models(), k.Model) || (doc.Model != "" && doc.Model != k.Model) {
		c.addError(CodeKeyModelMismatch, "modelo",
			fmt.Sprintf("Modelo da chave (%s) incompatível com o documento %s modelo %s", k.Model, doc.Type.Label(), doc.Model), model.SeverityMedium)
	}

	if doc.Issuer.UF != "" && k.UF() != doc.Issuer.UF {
		c.addError(CodeKeyUFMismatch, "emitente.uf",
			fmt.Sprintf("UF da chave (código %s) difere da UF do emitente (%s)", k.UFCode, doc.Issuer.UF), model.SeverityMedium)
	}

	series, number := k.SeriesNumber()
	docSeries, errS := strconv.Atoi(doc.Series)
	docNumber, errN := strconv.Atoi(doc.Number)
	if errS != nil || errN != nil || series != docSeries || number != docNumber {
		c.addError(CodeKeyNumberMismatch, "numero",
			fmt.Sprintf("Série/número da chave (%d/%d) diferem do documento (%s/%s)", series, number, doc.Series, doc.Number), model.SeverityMedium)
	}

	if !doc.IssuedAt.IsZero() && (k.Year() != doc.IssuedAt.Year() || k.Month() != int(doc.IssuedAt.Month())) {
		c.addError(CodeKeyDateMismatch, "data_emissao",
			fmt.Sprintf("Ano/mês da chave (%s) difere da data de emissão (%s)", k.YearMonth, doc.IssuedAt.Format("0601")), model.SeverityLow)
	}
}

// keyTaxID is the issuer identifier as embedded in a key (CPF left-padded to 14)
func keyTaxID(p model.Party) string {
	if p.CNPJ != "" {
		return p.CNPJ
	}
	if p.CPF != "" {
		return "000" + p.CPF
	}
	return ""
}

// parties checks CNPJ/CPF check digits
func (c *check) parties() {
	c.taxID("emitente", c.doc.Issuer)
	c.taxID("destinatario", c.doc.Recipient)
	if c.doc.Sender != nil {
		c.taxID("remetente", *c.doc.Sender)
	}
}

func (c *check) taxID(role string, p model.Party) {
	if p.CNPJ != "" && !accesskey.ValidCNPJ(p.CNPJ) {
		c.addError(CodeCNPJInvalid, role+".cnpj",
			fmt.Sprintf("CNPJ %s inválido", p.CNPJ), model.SeverityMedium)
	}
	if p.CPF != "" && !accesskey.ValidCPF(p.CPF) {
		c.addError(CodeCPFInvalid, role+".cpf",
			fmt.Sprintf("CPF %s inválido", p.CPF), model.SeverityMedium)
	}
}

type cfopTarget struct {
	field string
	code  string
}

// cfopTargets lists CFOPs to check: one per NF-e item, one per CT-e
func (c *check) cfopTargets() []cfopTarget {
	if c.doc.Type == model.DocumentTypeCTe {
		if len(c.doc.Items) == 0 {
			return nil
		}
		return []cfopTarget{{field: "cfop", code: c.doc.Items[0].CFOP}}
	}
	targets := make([]cfopTarget, 0, len(c.doc.Items))
	for i, item := range c.doc.Items {
		targets = append(targets, cfopTarget{field: itemField(i, "cfop"), code: item.CFOP})
	}
	return targets
}

// validCFOP: four digits, first digit an entry (1-3) or exit (5-7) group
func validCFOP(code string) bool {
	if len(code) != 4 {
		return false
	}
	for i := 0; i < 4; i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	switch code[0] {
	case '1', '2', '3', '5', '6', '7':
		return true
	default:
		return false
	}
}

func (c *check) cfop() {
	for _, t := range c.cfopTargets() {
		if !validCFOP(t.code) {
			c.addError(CodeCFOPInvalid, t.field,
				fmt.Sprintf("CFOP %q não existe na tabela oficial", t.code), model.SeverityHigh)
			continue
		}
		if c.rates.HasCFOPTable() {
			if _, ok := c.rates.CFOPDescription(t.code); !ok {
				c.addWarning(CodeCFOPUnknown, t.field,
					fmt.Sprintf("CFOP %s não consta na tabela configurada", t.code),
					"Natureza da operação não pôde ser conferida")
			}
		}
	}
}

// cfopScope classifies the CFOP locality: 1/5 internal, 2/6 interstate, 3/7 foreign
func cfopScope(code string) string {
	switch code[0] {
	case '1', '5':
		return "internal"
	case '2', '6':
		return "interstate"
	default:
		return "foreign"
	}
}

func (c *check) cfopUF() {
	origin, dest := c.doc.OriginUF, c.doc.DestinationUF
	if origin == "" || dest == "" {
		return
	}

	for _, t := range c.cfopTargets() {
		if !validCFOP(t.code) {
			continue
		}
		scope := cfopScope(t.code)

		var message string
		switch {
		case origin == model.ForeignUF || dest == model.ForeignUF:
			if scope != "foreign" {
				message = fmt.Sprintf("CFOP %s não é de comércio exterior, mas a operação envolve o exterior (%s → %s)", t.code, origin, dest)
			}
		case origin == dest:
			if scope != "internal" {
				message = fmt.Sprintf("CFOP %s indica operação interestadual, mas origem e destino estão em %s", t.code, origin)
			}
		default:
			if scope == "internal" {
				message = fmt.Sprintf("CFOP %s é para operações internas, mas a operação é interestadual (%s → %s)", t.code, origin, dest)
			}
		}
		if message != "" {
			c.addError(CodeCFOPUFMismatch, t.field, message, model.SeverityHigh)
		}
	}
}

func (c *check) icms() {
	if c.doc.Type == model.DocumentTypeCTe {
		c.icmsLine("icms_servico", c.doc.ServiceICMS, false)
		return
	}
	for i, item := range c.doc.Items {
		c.icmsLine(itemField(i, "icms"), item.ICMS, item.IsImported())
	}
}

func (c *check) icmsLine(field string, line *model.TaxLine, imported bool) {
	if line == nil {
		return
	}

	if !line.Rate.IsZero() {
		expected, basis, ok := c.rates.ExpectedICMS(c.doc.OriginUF, c.doc.DestinationUF, imported)
		if ok && !c.rates.Within(line.Rate, expected) {
			diff := fiscaldec.Percent(line.Base, line.Rate.Sub(expected).Abs())
			var impact string
			if line.Rate.GreaterThan(expected) {
				c.icmsCredit = c.icmsCredit.Add(diff)
				impact = fmt.Sprintf("ICMS destacado a maior em %s: possível crédito a recuperar", fiscaldec.FormatBRL(diff))
			} else {
				c.icmsShortfall = c.icmsShortfall.Add(diff)
				impact = fmt.Sprintf("ICMS destacado a menor em %s: risco de autuação", fiscaldec.FormatBRL(diff))
			}
			c.addWarning(CodeICMSRateMismatch, field+".aliquota",
				fmt.Sprintf("Alíquota de ICMS %s%% difere da esperada %s%% (%s → %s, %s)",
					line.Rate.StringFixed(2), expected.StringFixed(2), c.doc.OriginUF, c.doc.DestinationUF, basis),
				impact)
		}
	}

	if line.Rate.IsZero() && line.Amount.IsZero() {
		return
	}
	calculated := fiscaldec.Percent(line.Base, line.Rate)
	if !fiscaldec.WithinTolerance(line.Amount, calculated, fiscaldec.Cent) {
		c.addError(CodeICMSCalcError, field+".valor",
			fmt.Sprintf("ICMS declarado (%s) difere do calculado (%s × %s%% = %s)",
				fiscaldec.FormatBRL(line.Amount), fiscaldec.FormatBRL(line.Base), line.Rate.String(), fiscaldec.FormatBRL(calculated)),
			model.SeverityMedium)
	}
}

func validNCM(ncm string) bool {
	if len(ncm) != 8 {
		return false
	}
	for i := 0; i < 8; i++ {
		if ncm[i] < '0' || ncm[i] > '9' {
			return false
		}
	}
	return true
}

func (c *check) ncm() {
	for i, item := range c.doc.Items {
		if c.doc.Type == model.DocumentTypeCTe && item.NCM == "" {
			continue
		}
		field := itemField(i, "ncm")
		if !validNCM(item.NCM) {
			c.addError(CodeNCMInvalidFormat, field,
				fmt.Sprintf("NCM %q deve ter 8 dígitos numéricos", item.NCM), model.SeverityHigh)
			continue
		}

		entry, ok := c.rates.LookupNCM(item.NCM)
		if !ok {
			c.unknownNCMs = appendUnique(c.unknownNCMs, item.NCM)
			c.addWarning(CodeNCMRateUnknown, field,
				fmt.Sprintf("NCM %s não consta na tabela de alíquotas", item.NCM),
				"Alíquotas de IPI, PIS e COFINS não puderam ser conferidas")
			continue
		}

		if entry.IPI.IsPositive() && (item.IPI == nil || item.IPI.Rate.IsZero()) {
			c.addWarning(CodeNCMRequiresIPI, itemField(i, "ipi"),
				fmt.Sprintf("NCM %s exige IPI de %s%% e o item não destaca IPI", item.NCM, entry.IPI.String()),
				"Falta de IPI pode gerar autuação")
		}

		below := c.federalRate(CodePISRateMismatch, itemField(i, "pis"), "PIS", item.PIS, entry.PIS)
		if c.federalRate(CodeCOFINSRateMismatch, itemField(i, "cofins"), "COFINS", item.COFINS, entry.COFINS) {
			below = true
		}
		if below {
			c.pisCofinsBelow = append(c.pisCofinsBelow, item.Number)
		}
	}
}

// federalRate compares a PIS/COFINS line with the table; returns true when below it
func (c *check) federalRate(code, field, tax string, line *model.TaxLine, expected decimal.Decimal) bool {
	if line == nil || line.Rate.IsZero() {
		return false
	}
	if c.rates.Within(line.Rate, expected) {
		return false
	}

	below := line.Rate.LessThan(expected)
	impact := fmt.Sprintf("Alíquota de %s acima da tabela: possível recolhimento a maior", tax)
	if below {
		impact = fmt.Sprintf("Alíquota de %s abaixo da tabela: verifique crédito não aproveitado", tax)
	}
	c.addWarning(code, field+".aliquota",
		fmt.Sprintf("Alíquota de %s %s%% difere da tabela %s%%", tax, line.Rate.StringFixed(2), expected.StringFixed(2)),
		impact)
	return below
}

func (c *check) total() {
	sum := c.doc.ItemsTotal()
	tol := fiscaldec.Tolerance(len(c.doc.Items))
	if fiscaldec.WithinTolerance(c.doc.Total, sum, tol) {
		return
	}
	c.addError(CodeTotalMismatch, "valor_total",
		fmt.Sprintf("Valor total %s difere da soma dos itens %s (tolerância %s)",
			fiscaldec.FormatBRL(c.doc.Total), fiscaldec.FormatBRL(sum), fiscaldec.FormatBRL(tol)),
		model.SeverityCritical)
}

func (c *check) dates() {
	issued := c.doc.IssuedAt
	if issued.IsZero() {
		return
	}
	now := model.NaiveTime(c.v.now().In(BRT))

	if issued.After(now.Add(c.v.futureTolerance)) {
		c.addWarning(CodeDateFuture, "data_emissao",
			fmt.Sprintf("Data de emissão %s está no futuro", issued.Format("02/01/2006 15:04")),
			"Documento com data futura pode ser rejeitado pela SEFAZ")
		return
	}

	window := time.Duration(c.v.retroactiveDays) * 24 * time.Hour
	if now.Sub(issued) > window {
		c.addWarning(CodeDateRetroactive, "data_emissao",
			fmt.Sprintf("Data de emissão está retroativa (mais de %d dias)", c.v.retroactiveDays),
			"Pode indicar manipulação fiscal")
	}
}

func (c *check) signature() {
	sig := c.doc.Signature
	if sig == nil {
		return
	}
	if !sig.Present {
		c.addWarning(CodeSignatureMissing, "assinatura",
			"Documento sem assinatura digital",
			"XML sem assinatura não tem validade jurídica")
		return
	}
	if !sig.ReferenceMatches {
		c.addWarning(CodeSignatureReference, "assinatura.referencia",
			fmt.Sprintf("Referência da assinatura %q não aponta para a chave do documento", sig.ReferenceURI),
			"A assinatura pode pertencer a outro documento")
	}
	if sig.VerifyError != "" {
		c.addWarning(CodeSignatureInvalid, "assinatura",
			"Assinatura digital inválida: "+sig.VerifyError,
			"Conteúdo pode ter sido alterado após a assinatura")
	}
	issuer := c.doc.Issuer.CNPJ
	if sig.SignerCNPJ != "" && len(issuer) == 14 && len(sig.SignerCNPJ) == 14 && sig.SignerCNPJ[:8] != issuer[:8] {
		c.addWarning(CodeSignatureCNPJ, "assinatura.titular_cnpj",
			fmt.Sprintf("Certificado emitido para o CNPJ %s, emitente %s", sig.SignerCNPJ, issuer),
			"Assinatura de terceiro sem procuração pode invalidar o documento")
	}
}

func itemField(i int, name string) string {
	return fmt.Sprintf("itens[%d].%s", i, name)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func appendUnique(list []string, s string) []string {
	if contains(list, s) {
		return list
	}
	return append(list, s)
}
