package xml

import (
	"context"
	"encoding/xml"
	"io"
	"strings"

	"github.com/rezonia/fiscal-processor/internal/accesskey"
	"github.com/rezonia/fiscal-processor/internal/model"
)

// CT-e layouts 3.00 and 4.00. Accepts cteProc and a bare CTe root.
type cteRoot struct {
	XMLName xml.Name
	CTe     *cteSigned   `xml:"CTe"`
	InfCte  *cteInfo     `xml:"infCte"`
	Prot    *xmlProtocol `xml:"protCTe"`
}

type cteSigned struct {
	InfCte *cteInfo `xml:"infCte"`
}

type cteInfo struct {
	ID   string    `xml:"Id,attr"`
	Ide  cteIde    `xml:"ide"`
	Emit *xmlParty `xml:"emit"`
	Rem  *xmlParty `xml:"rem"`
	Dest *xmlParty `xml:"dest"`
	Prest *struct {
		Total      string `xml:"vTPrest"`
		Receivable string `xml:"vRec"`
		Components []struct {
			Name  string `xml:"xNome"`
			Value string `xml:"vComp"`
		} `xml:"Comp"`
	} `xml:"vPrest"`
	Imp struct {
		ICMS *xmlTaxChoice `xml:"ICMS"`
	} `xml:"imp"`
	Norm *struct {
		Cargo struct {
			Value   string `xml:"vCarga"`
			Product string `xml:"proPred"`
		} `xml:"infCarga"`
	} `xml:"infCTeNorm"`
}

type cteIde struct {
	UF       string `xml:"cUF"`
	CFOP     string `xml:"CFOP"`
	Nature   string `xml:"natOp"`
	Model    string `xml:"mod"`
	Series   string `xml:"serie"`
	Number   string `xml:"nCT"`
	IssuedAt string `xml:"dhEmi"`
	IssuedOn string `xml:"dEmi"`
	Type     string `xml:"tpCTe"`
	UFStart  string `xml:"UFIni"`
	UFEnd    string `xml:"UFFim"`
}

// serviceDescription labels the synthetic item of a CT-e without components
const serviceDescription = "Valor total da prestação"

// CTeParser parses CT-e (model 57) documents
type CTeParser struct{}

// NewCTeParser creates a new CT-e parser
func NewCTeParser() *CTeParser {
	return &CTeParser{}
}

// DocumentType returns the type handled by the parser
func (p *CTeParser) DocumentType() model.DocumentType {
	return model.DocumentTypeCTe
}

// Parse parses CT-e XML into a FiscalDocument
func (p *CTeParser) Parse(ctx context.Context, r io.Reader) (*model.FiscalDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var root cteRoot
	if err := newDecoder(r).Decode(&root); err != nil {
		return nil, model.NewMalformedFieldError(model.DocumentTypeCTe, "xml", "", err)
	}

	switch root.XMLName.Local {
	case "cteProc", "CTe":
	default:
		return nil, model.NewUnrecognizedError("elemento raiz não é CT-e: "+root.XMLName.Local, nil)
	}

	inf := root.InfCte
	if root.CTe != nil {
		inf = root.CTe.InfCte
	}
	if inf == nil {
		return nil, model.NewMissingFieldError(model.DocumentTypeCTe, "infCte")
	}

	return convertCTe(inf, root.Prot)
}

func convertCTe(inf *cteInfo, prot *xmlProtocol) (*model.FiscalDocument, error) {
	fp := &fieldParser{docType: model.DocumentTypeCTe}

	doc := &model.FiscalDocument{
		Type:          model.DocumentTypeCTe,
		Model:         text(inf.Ide.Model),
		OperationType: text(inf.Ide.Type),
	}

	key := ""
	if prot != nil {
		key = text(prot.Info.CTeKey)
		doc.Protocol = text(prot.Info.Protocol)
	}
	if key == "" {
		key = accesskey.Normalize(inf.ID)
	}
	doc.AccessKey = fp.required("chave_acesso", key)

	doc.Number = fp.digits("numero", inf.Ide.Number)
	doc.Series = fp.digits("serie", inf.Ide.Series)
	doc.IssuedAt = fp.emission(inf.Ide.IssuedAt, inf.Ide.IssuedOn)

	if inf.Emit == nil {
		fp.fail(model.NewMissingFieldError(model.DocumentTypeCTe, "emitente"))
	} else {
		doc.Issuer = fp.party(inf.Emit)
		if doc.Issuer.TaxID() == "" {
			fp.fail(model.NewMissingFieldError(model.DocumentTypeCTe, "emitente.cnpj"))
		}
		fp.required("emitente.nome", doc.Issuer.Name)
	}
	doc.Recipient = fp.party(inf.Dest)
	if inf.Rem != nil {
		sender := fp.party(inf.Rem)
		doc.Sender = &sender
	}

	// The service runs from UFIni to UFFim; fall back to the parties
	doc.OriginUF = strings.ToUpper(text(inf.Ide.UFStart))
	if doc.OriginUF == "" {
		doc.OriginUF = doc.Issuer.UF
	}
	doc.DestinationUF = strings.ToUpper(text(inf.Ide.UFEnd))
	if doc.DestinationUF == "" {
		doc.DestinationUF = doc.Recipient.UF
	}

	cfop := text(inf.Ide.CFOP)
	if inf.Prest == nil {
		fp.fail(model.NewMissingFieldError(model.DocumentTypeCTe, "valor_total"))
	} else {
		doc.Total = fp.requiredAmount("valor_total", inf.Prest.Total)
		doc.Totals.Receivable = fp.amount("totais.valor_receber", inf.Prest.Receivable)

		for i, c := range inf.Prest.Components {
			doc.Items = append(doc.Items, model.Item{
				Number:      i + 1,
				Description: text(c.Name),
				CFOP:        cfop,
				Value:       fp.requiredAmount(itemField(i, "valor"), c.Value),
			})
		}
		if len(doc.Items) == 0 {
			doc.Items = []model.Item{{
				Number:      1,
				Description: serviceDescription,
				CFOP:        cfop,
				Value:       doc.Total,
			}}
		}
	}

	if g := inf.Imp.ICMS.first(); g != nil {
		doc.ServiceICMS = fp.icms("icms_servico", g)
		doc.Totals.ICMSBase = doc.ServiceICMS.Base
		doc.Totals.ICMS = doc.ServiceICMS.Amount
	}
	if inf.Norm != nil {
		doc.CargoValue = fp.amount("valor_carga", inf.Norm.Cargo.Value)
	}

	if fp.err != nil {
		return nil, fp.err
	}
	return doc, nil
}

var _ Parser = (*CTeParser)(nil)
