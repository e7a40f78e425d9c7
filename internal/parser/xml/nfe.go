package xml

import (
	"context"
	"encoding/xml"
	"io"
	"strconv"

	"github.com/rezonia/fiscal-processor/internal/accesskey"
	"github.com/rezonia/fiscal-processor/internal/model"
)

// NF-e layout 4.00. The same struct accepts nfeProc and a bare NFe root.
type nfeRoot struct {
	XMLName xml.Name
	NFe     *nfeSigned   `xml:"NFe"`
	InfNFe  *nfeInfo     `xml:"infNFe"`
	Prot    *xmlProtocol `xml:"protNFe"`
}

type nfeSigned struct {
	InfNFe *nfeInfo `xml:"infNFe"`
}

type nfeInfo struct {
	ID    string    `xml:"Id,attr"`
	Ide   nfeIde    `xml:"ide"`
	Emit  *xmlParty `xml:"emit"`
	Dest  *xmlParty `xml:"dest"`
	Det   []nfeDet  `xml:"det"`
	Total struct {
		ICMSTot *nfeICMSTot `xml:"ICMSTot"`
	} `xml:"total"`
}

type nfeIde struct {
	UF        string `xml:"cUF"`
	Code      string `xml:"cNF"`
	Nature    string `xml:"natOp"`
	Model     string `xml:"mod"`
	Series    string `xml:"serie"`
	Number    string `xml:"nNF"`
	IssuedAt  string `xml:"dhEmi"`
	IssuedOn  string `xml:"dEmi"`
	Operation string `xml:"tpNF"`
}

type nfeDet struct {
	Item string `xml:"nItem,attr"`
	Prod struct {
		Code        string `xml:"cProd"`
		Description string `xml:"xProd"`
		NCM         string `xml:"NCM"`
		CFOP        string `xml:"CFOP"`
		Quantity    string `xml:"qCom"`
		Value       string `xml:"vProd"`
		Freight     string `xml:"vFrete"`
		Insurance   string `xml:"vSeg"`
		Discount    string `xml:"vDesc"`
		Other       string `xml:"vOutro"`
	} `xml:"prod"`
	Tax struct {
		ICMS *xmlTaxChoice `xml:"ICMS"`
		IPI  *struct {
			Trib *struct {
				CST    string `xml:"CST"`
				Base   string `xml:"vBC"`
				Rate   string `xml:"pIPI"`
				Amount string `xml:"vIPI"`
			} `xml:"IPITrib"`
			NT *struct {
				CST string `xml:"CST"`
			} `xml:"IPINT"`
		} `xml:"IPI"`
		II *struct {
			Amount string `xml:"vII"`
		} `xml:"II"`
		PIS    *xmlTaxChoice `xml:"PIS"`
		COFINS *xmlTaxChoice `xml:"COFINS"`
	} `xml:"imposto"`
	Devol *struct {
		IPIAmount string `xml:"IPI>vIPIDevol"`
	} `xml:"impostoDevol"`
}

type nfeICMSTot struct {
	ICMSBase  string `xml:"vBC"`
	ICMS      string `xml:"vICMS"`
	ICMSST    string `xml:"vST"`
	FCPST     string `xml:"vFCPST"`
	Deson     string `xml:"vICMSDeson"`
	IPIDevol  string `xml:"vIPIDevol"`
	Products  string `xml:"vProd"`
	Freight   string `xml:"vFrete"`
	Insurance string `xml:"vSeg"`
	Discount  string `xml:"vDesc"`
	II        string `xml:"vII"`
	IPI       string `xml:"vIPI"`
	PIS       string `xml:"vPIS"`
	COFINS    string `xml:"vCOFINS"`
	Other     string `xml:"vOutro"`
	Total     string `xml:"vNF"`
}

// NFeParser parses NF-e (model 55) and NFC-e (model 65) documents
type NFeParser struct{}

// NewNFeParser creates a new NF-e parser
func NewNFeParser() *NFeParser {
	return &NFeParser{}
}

// DocumentType returns the type handled by the parser
func (p *NFeParser) DocumentType() model.DocumentType {
	return model.DocumentTypeNFe
}

// Parse parses NF-e XML into a FiscalDocument
func (p *NFeParser) Parse(ctx context.Context, r io.Reader) (*model.FiscalDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var root nfeRoot
	if err := newDecoder(r).Decode(&root); err != nil {
		return nil, model.NewMalformedFieldError(model.DocumentTypeNFe, "xml", "", err)
	}

	switch root.XMLName.Local {
	case "nfeProc", "NFe":
	default:
		return nil, model.NewUnrecognizedError("elemento raiz não é NF-e: "+root.XMLName.Local, nil)
	}

	inf := root.InfNFe
	if root.NFe != nil {
		inf = root.NFe.InfNFe
	}
	if inf == nil {
		return nil, model.NewMissingFieldError(model.DocumentTypeNFe, "infNFe")
	}

	return convertNFe(inf, root.Prot)
}

func convertNFe(inf *nfeInfo, prot *xmlProtocol) (*model.FiscalDocument, error) {
	fp := &fieldParser{docType: model.DocumentTypeNFe}

	doc := &model.FiscalDocument{
		Type:          model.DocumentTypeNFe,
		Model:         text(inf.Ide.Model),
		OperationType: text(inf.Ide.Operation),
	}

	key := ""
	if prot != nil {
		key = text(prot.Info.NFeKey)
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
		fp.fail(model.NewMissingFieldError(model.DocumentTypeNFe, "emitente"))
	} else {
		doc.Issuer = fp.party(inf.Emit)
		if doc.Issuer.TaxID() == "" {
			fp.fail(model.NewMissingFieldError(model.DocumentTypeNFe, "emitente.cnpj"))
		}
		fp.required("emitente.nome", doc.Issuer.Name)
	}
	doc.Recipient = fp.party(inf.Dest)
	doc.OriginUF = doc.Issuer.UF
	doc.DestinationUF = doc.Recipient.UF

	if len(inf.Det) == 0 {
		fp.fail(model.NewMissingFieldError(model.DocumentTypeNFe, "itens"))
	}
	doc.Items = make([]model.Item, 0, len(inf.Det))
	for i := range inf.Det {
		doc.Items = append(doc.Items, fp.nfeItem(i, &inf.Det[i]))
	}

	tot := inf.Total.ICMSTot
	if tot == nil {
		fp.fail(model.NewMissingFieldError(model.DocumentTypeNFe, "valor_total"))
	} else {
		doc.Total = fp.requiredAmount("valor_total", tot.Total)
		doc.Totals = model.Totals{
			Products:   fp.amount("totais.valor_produtos", tot.Products),
			ICMSBase:   fp.amount("totais.base_icms", tot.ICMSBase),
			ICMS:       fp.amount("totais.valor_icms", tot.ICMS),
			ICMSST:     fp.amount("totais.valor_icms_st", tot.ICMSST),
			FCPST:      fp.amount("totais.valor_fcp_st", tot.FCPST),
			ICMSRelief: fp.amount("totais.valor_icms_desonerado", tot.Deson),
			IPIDevol:   fp.amount("totais.valor_ipi_devolvido", tot.IPIDevol),
			IPI:        fp.amount("totais.valor_ipi", tot.IPI),
			PIS:        fp.amount("totais.valor_pis", tot.PIS),
			COFINS:     fp.amount("totais.valor_cofins", tot.COFINS),
			Freight:    fp.amount("totais.valor_frete", tot.Freight),
			Insurance:  fp.amount("totais.valor_seguro", tot.Insurance),
			Discount:   fp.amount("totais.valor_desconto", tot.Discount),
			Other:      fp.amount("totais.outras_despesas", tot.Other),
			Receivable: doc.Total,
		}
	}

	if fp.err != nil {
		return nil, fp.err
	}
	return doc, nil
}

// nfeItem converts one det; its value is what the line adds to vNF
func (fp *fieldParser) nfeItem(i int, det *nfeDet) model.Item {
	item := model.Item{
		Number:      i + 1,
		Code:        text(det.Prod.Code),
		Description: text(det.Prod.Description),
		CFOP:        text(det.Prod.CFOP),
		NCM:         text(det.Prod.NCM),
		Quantity:    fp.amount(itemField(i, "quantidade"), det.Prod.Quantity),
	}
	if n, err := strconv.Atoi(text(det.Item)); err == nil && n > 0 {
		item.Number = n
	}

	if fp.required(itemField(i, "valor"), det.Prod.Value) != "" {
		item.ProductValue = fp.amount(itemField(i, "valor"), det.Prod.Value)
	}

	value := item.ProductValue.
		Sub(fp.amount(itemField(i, "desconto"), det.Prod.Discount)).
		Add(fp.amount(itemField(i, "frete"), det.Prod.Freight)).
		Add(fp.amount(itemField(i, "seguro"), det.Prod.Insurance)).
		Add(fp.amount(itemField(i, "outras_despesas"), det.Prod.Other))

	if g := det.Tax.ICMS.first(); g != nil {
		item.Origin = text(g.Origin)
		item.ICMS = fp.icms(itemField(i, "icms"), g)
		value = value.Add(fp.amount(itemField(i, "icms_st"), g.STAmt)).
			Add(fp.amount(itemField(i, "fcp_st"), g.FCPST))
		// with indDeduzDeson=0 the relief was not deducted from vNF
		if text(g.Deduct) != "0" {
			value = value.Sub(fp.amount(itemField(i, "icms_desonerado"), g.Deson))
		}
	}
	if ipi := det.Tax.IPI; ipi != nil {
		switch {
		case ipi.Trib != nil:
			item.IPI = fp.taxLine(itemField(i, "ipi"), ipi.Trib.CST, ipi.Trib.Base, ipi.Trib.Rate, ipi.Trib.Amount)
			value = value.Add(item.IPI.Amount)
		case ipi.NT != nil:
			item.IPI = &model.TaxLine{CST: text(ipi.NT.CST)}
		}
	}
	if det.Tax.II != nil {
		value = value.Add(fp.amount(itemField(i, "ii"), det.Tax.II.Amount))
	}
	if g := det.Tax.PIS.first(); g != nil {
		item.PIS = fp.taxLine(itemField(i, "pis"), g.CST, g.Base, g.PIS, g.PISAmt)
	}
	if g := det.Tax.COFINS.first(); g != nil {
		item.COFINS = fp.taxLine(itemField(i, "cofins"), g.CST, g.Base, g.COF, g.COFAmt)
	}

	if det.Devol != nil {
		value = value.Add(fp.amount(itemField(i, "ipi_devolvido"), det.Devol.IPIAmount))
	}

	item.Value = value
	return item
}

var _ Parser = (*NFeParser)(nil)
