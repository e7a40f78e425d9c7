package validator

import (
	"fmt"
	"strconv"
	"strings"

	fiscaldec "github.com/rezonia/fiscal-processor/internal/decimal"
)

// suggest derives suggestions from the findings in the order they were raised
func (c *check) suggest() {
	for _, code := range c.order {
		if s := c.suggestion(code); s != "" {
			c.result.AddSuggestion(s)
		}
	}
}

func (c *check) suggestion(code string) string {
	switch code {
	case CodeKeyInvalidFormat, CodeKeyInvalidDigit:
		return "Confira a chave de acesso no portal da SEFAZ antes de escriturar o documento"
	case CodeKeyCNPJMismatch, CodeKeyUFMismatch, CodeKeyModelMismatch, CodeKeyNumberMismatch:
		return "Os campos da chave de acesso devem coincidir com emitente, modelo, série e número do XML"
	case CodeCNPJInvalid, CodeCPFInvalid:
		return "Confira os dígitos verificadores dos CNPJ/CPF informados"
	case CodeCFOPInvalid, CodeCFOPUnknown:
		return "Verifique a tabela de CFOPs da Receita Federal"
	case CodeCFOPUFMismatch:
		return "Use CFOP iniciado em 5 (ou 1) para operações internas, 6 (ou 2) para interestaduais e 7 (ou 3) para o exterior"
	case CodeICMSRateMismatch:
		if c.icmsCredit.IsPositive() {
			return fmt.Sprintf("Possível crédito de ICMS a recuperar: %s destacados acima da alíquota esperada", fiscaldec.FormatBRL(c.icmsCredit))
		}
		return fmt.Sprintf("ICMS destacado abaixo do esperado em %s: avalie emissão de nota complementar", fiscaldec.FormatBRL(c.icmsShortfall))
	case CodeICMSCalcError:
		return "Recalcule o ICMS: base de cálculo × alíquota"
	case CodeNCMInvalidFormat:
		return "Informe o NCM com 8 dígitos conforme a TIPI"
	case CodeNCMRateUnknown:
		return fmt.Sprintf("Inclua os NCMs %s na tabela de alíquotas", strings.Join(c.unknownNCMs, ", "))
	case CodeNCMRequiresIPI:
		return "Verifique a alíquota de IPI na TIPI para os NCMs sinalizados"
	case CodePISRateMismatch, CodeCOFINSRateMismatch:
		if len(c.pisCofinsBelow) > 0 {
			return fmt.Sprintf("Crédito de PIS/COFINS possivelmente não aproveitado nos itens %s", joinInts(c.pisCofinsBelow))
		}
		return "Revise o regime de PIS/COFINS aplicado aos itens sinalizados"
	case CodeTotalMismatch:
		return fmt.Sprintf("Soma dos itens: %s; ajuste o valor total ou os itens", fiscaldec.FormatBRL(c.doc.ItemsTotal()))
	case CodeDateRetroactive, CodeDateFuture, CodeKeyDateMismatch:
		return "Confirme a data de emissão e o período de escrituração"
	case CodeSignatureMissing, CodeSignatureReference, CodeSignatureInvalid, CodeSignatureCNPJ:
		return "Solicite ao emitente o XML autorizado com assinatura válida"
	default:
		return ""
	}
}

func joinInts(values []int) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		parts = append(parts, strconv.Itoa(v))
	}
	return strings.Join(parts, ", ")
}
