package xml_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"

	"github.com/rezonia/fiscal-processor/internal/fixture"
	"github.com/rezonia/fiscal-processor/internal/model"
	xmlparser "github.com/rezonia/fiscal-processor/internal/parser/xml"
)

func TestRegistry_NewRegistry(t *testing.T) {
	registry := xmlparser.NewRegistry(0)
	require.NotNil(t, registry)

	for _, dt := range model.DocumentTypes {
		p := registry.Get(dt)
		require.NotNil(t, p, "parser for %s should exist", dt)
		assert.Equal(t, dt, p.DocumentType())
	}
	assert.Nil(t, registry.Get(model.DocumentTypeUnknown))
}

func TestRegistry_Detect(t *testing.T) {
	registry := xmlparser.NewRegistry(0)

	p, err := registry.Detect(fixture.DefaultNFe().Build())
	require.NoError(t, err)
	assert.Equal(t, model.DocumentTypeNFe, p.DocumentType())

	p, err = registry.Detect(fixture.DefaultCTe().Build())
	require.NoError(t, err)
	assert.Equal(t, model.DocumentTypeCTe, p.DocumentType())

	_, err = registry.Detect([]byte(`<Invoice><TaxID>123</TaxID></Invoice>`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrUnrecognizedDocumentType))
}

func TestClassifier_Classify(t *testing.T) {
	c := xmlparser.NewClassifier(xmlparser.DefaultLookahead)

	tests := []struct {
		name     string
		content  string
		expected model.DocumentType
		wantErr  bool
	}{
		{
			name:     "nfeProc envelope",
			content:  `<?xml version="1.0"?><nfeProc xmlns="http://www.portalfiscal.inf.br/nfe"><NFe/></nfeProc>`,
			expected: model.DocumentTypeNFe,
		},
		{
			name:     "bare NFe",
			content:  `<NFe xmlns="http://www.portalfiscal.inf.br/nfe"><infNFe/></NFe>`,
			expected: model.DocumentTypeNFe,
		},
		{
			name:     "prefixed NFe",
			content:  `<nfe:NFe xmlns:nfe="http://www.portalfiscal.inf.br/nfe"/>`,
			expected: model.DocumentTypeNFe,
		},
		{
			name:     "cteProc envelope",
			content:  `<cteProc xmlns="http://www.portalfiscal.inf.br/cte"><CTe/></cteProc>`,
			expected: model.DocumentTypeCTe,
		},
		{
			name:     "bare CTe without namespace",
			content:  `<!-- exported --><CTe><infCte/></CTe>`,
			expected: model.DocumentTypeCTe,
		},
		{
			name:    "NFe root with CT-e namespace",
			content: `<NFe xmlns="http://www.portalfiscal.inf.br/cte"/>`,
			wantErr: true,
		},
		{
			name:    "unknown root",
			content: `<Invoice><TaxID>123</TaxID></Invoice>`,
			wantErr: true,
		},
		{
			name:    "not xml",
			content: `{"chave": "123"}`,
			wantErr: true,
		},
		{
			name:    "empty",
			content: ``,
			wantErr: true,
		},
		{
			name:    "prolog only",
			content: `<?xml version="1.0"?>`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.ClassifyBytes([]byte(tt.content))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, model.ErrUnrecognizedDocumentType))
				assert.Equal(t, model.DocumentTypeUnknown, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestClassifier_BoundedLookahead(t *testing.T) {
	content := `<!--` + strings.Repeat("x", 4096) + `--><NFe/>`

	_, err := xmlparser.NewClassifier(1024).ClassifyBytes([]byte(content))
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrUnrecognizedDocumentType))

	got, err := xmlparser.NewClassifier(8192).ClassifyBytes([]byte(content))
	require.NoError(t, err)
	assert.Equal(t, model.DocumentTypeNFe, got)
}

func TestClassifier_BOM(t *testing.T) {
	content := append([]byte{0xEF, 0xBB, 0xBF}, fixture.DefaultNFe().Build()...)
	got, err := xmlparser.NewClassifier(0).ClassifyBytes(content)
	require.NoError(t, err)
	assert.Equal(t, model.DocumentTypeNFe, got)
}

func TestNFeParser_Parse(t *testing.T) {
	n := fixture.DefaultNFe()
	n.Items = append(n.Items, fixture.Item{
		CFOP: "5102", NCM: "84433299", Value: "250.50", Discount: "10.50",
		ICMSRate: "18.00", IPIRate: "15.00", PISRate: "1.65", COFINSRate: "7.60",
	})
	content := n.Build()

	doc, err := parse(t, xmlparser.NewNFeParser(), content)
	require.NoError(t, err)

	assert.Equal(t, model.DocumentTypeNFe, doc.Type)
	assert.Equal(t, fixture.NFeKey(n), doc.AccessKey)
	assert.Equal(t, "12345", doc.Number)
	assert.Equal(t, "1", doc.Series)
	assert.Equal(t, model.ModelNFe, doc.Model)
	assert.Equal(t, "1", doc.OperationType)
	assert.Equal(t, n.Protocol, doc.Protocol)
	assert.Equal(t, model.NaiveTime(n.IssuedAt), doc.IssuedAt)

	// Issuer
	assert.Equal(t, "Comércio de Informática Ltda", doc.Issuer.Name)
	assert.Equal(t, fixture.IssuerCNPJ, doc.Issuer.CNPJ)
	assert.Equal(t, "SP", doc.Issuer.UF)
	assert.Equal(t, "São Paulo", doc.Issuer.Municipality)

	// Recipient, entity decoded
	assert.Equal(t, "Distribuidora Ação & Cia", doc.Recipient.Name)
	assert.Equal(t, fixture.RecipientCNPJ, doc.Recipient.CNPJ)
	assert.Equal(t, "SP", doc.OriginUF)
	assert.Equal(t, "SP", doc.DestinationUF)

	// Items
	require.Len(t, doc.Items, 2)
	first := doc.Items[0]
	assert.Equal(t, 1, first.Number)
	assert.Equal(t, "5102", first.CFOP)
	assert.Equal(t, "84713012", first.NCM)
	assert.Equal(t, "0", first.Origin)
	assert.True(t, first.Value.Equal(decimal.RequireFromString("1000.00")))
	require.NotNil(t, first.ICMS)
	assert.True(t, first.ICMS.Rate.Equal(decimal.NewFromInt(18)))
	assert.True(t, first.ICMS.Amount.Equal(decimal.NewFromInt(180)))
	require.NotNil(t, first.PIS)
	assert.True(t, first.PIS.Rate.Equal(decimal.RequireFromString("1.65")))
	require.NotNil(t, first.COFINS)
	assert.True(t, first.COFINS.Amount.Equal(decimal.NewFromInt(76)))
	assert.Nil(t, first.IPI)

	// 250.50 - 10.50 + 15% IPI over 240.00
	second := doc.Items[1]
	assert.True(t, second.ProductValue.Equal(decimal.RequireFromString("250.50")))
	require.NotNil(t, second.IPI)
	assert.True(t, second.IPI.Amount.Equal(decimal.NewFromInt(36)))
	assert.True(t, second.Value.Equal(decimal.NewFromInt(276)))

	assert.True(t, doc.Total.Equal(decimal.NewFromInt(1276)))
	assert.True(t, doc.Total.Equal(doc.ItemsTotal()))
	assert.True(t, doc.Totals.Products.Equal(decimal.RequireFromString("1250.50")))
}

func TestNFeParser_ItemValueFollowsVNF(t *testing.T) {
	keepRelief := func(b []byte) []byte {
		return bytes.Replace(b, []byte(`<motDesICMS>9</motDesICMS>`),
			[]byte(`<motDesICMS>9</motDesICMS><indDeduzDeson>0</indDeduzDeson>`), 1)
	}

	tests := []struct {
		name   string
		item   func(*fixture.Item)
		total  string
		mutate func([]byte) []byte
		value  string
		check  func(t *testing.T, doc *model.FiscalDocument)
	}{
		{
			name:  "desonerated ICMS is deducted",
			item:  func(it *fixture.Item) { it.ICMSRelief = "180.00" },
			value: "820.00",
			check: func(t *testing.T, doc *model.FiscalDocument) {
				assert.True(t, doc.Totals.ICMSRelief.Equal(decimal.NewFromInt(180)))
				require.NotNil(t, doc.Items[0].ICMS)
				assert.Equal(t, "40", doc.Items[0].ICMS.CST)
				assert.True(t, doc.Items[0].ICMS.Amount.IsZero())
			},
		},
		{
			name:   "indDeduzDeson=0 keeps the relief in vNF",
			item:   func(it *fixture.Item) { it.ICMSRelief = "180.00" },
			total:  "1000.00",
			mutate: keepRelief,
			value:  "1000.00",
		},
		{
			name:  "FCP-ST is added",
			item:  func(it *fixture.Item) { it.FCPST = "26.00" },
			value: "1026.00",
			check: func(t *testing.T, doc *model.FiscalDocument) {
				assert.True(t, doc.Totals.FCPST.Equal(decimal.NewFromInt(26)))
				assert.Equal(t, "10", doc.Items[0].ICMS.CST)
				assert.True(t, doc.Items[0].ICMS.Amount.Equal(decimal.NewFromInt(180)))
			},
		},
		{
			name:  "returned IPI is added",
			item:  func(it *fixture.Item) { it.IPIDevol = "50.00" },
			value: "1050.00",
			check: func(t *testing.T, doc *model.FiscalDocument) {
				assert.True(t, doc.Totals.IPIDevol.Equal(decimal.NewFromInt(50)))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := fixture.DefaultNFe()
			tt.item(&n.Items[0])
			n.Total = tt.total
			content := n.Build()
			if tt.mutate != nil {
				content = tt.mutate(content)
			}

			doc, err := parse(t, xmlparser.NewNFeParser(), content)
			require.NoError(t, err)
			require.Len(t, doc.Items, 1)

			want := decimal.RequireFromString(tt.value)
			assert.True(t, doc.Items[0].Value.Equal(want), "item value %s", doc.Items[0].Value)
			assert.True(t, doc.Total.Equal(doc.ItemsTotal()), "vNF %s, items %s", doc.Total, doc.ItemsTotal())
			if tt.check != nil {
				tt.check(t, doc)
			}
		})
	}
}

func TestNFeParser_BareDocumentUsesID(t *testing.T) {
	n := fixture.DefaultNFe()
	n.Bare = true

	doc, err := parse(t, xmlparser.NewNFeParser(), n.Build())
	require.NoError(t, err)
	assert.Equal(t, fixture.NFeKey(n), doc.AccessKey)
	assert.Empty(t, doc.Protocol)
}

func TestNFeParser_RecipientCPF(t *testing.T) {
	n := fixture.DefaultNFe()
	n.RecipientCPF = fixture.RecipientCPF

	doc, err := parse(t, xmlparser.NewNFeParser(), n.Build())
	require.NoError(t, err)
	assert.Empty(t, doc.Recipient.CNPJ)
	assert.Equal(t, fixture.RecipientCPF, doc.Recipient.TaxID())
}

func TestNFeParser_Latin1(t *testing.T) {
	n := fixture.DefaultNFe()
	n.Encoding = "ISO-8859-1"

	latin1, err := charmap.ISO8859_1.NewEncoder().Bytes(n.Build())
	require.NoError(t, err)
	require.False(t, bytes.Contains(latin1, []byte("é")), "content must not be UTF-8")

	doc, err := parse(t, xmlparser.NewNFeParser(), latin1)
	require.NoError(t, err)
	assert.Equal(t, "Comércio de Informática Ltda", doc.Issuer.Name)
	assert.Equal(t, "Distribuidora Ação & Cia", doc.Recipient.Name)
}

func TestNFeParser_UnknownElementsIgnored(t *testing.T) {
	content := bytes.Replace(fixture.DefaultNFe().Build(),
		[]byte(`<total>`),
		[]byte(`<infAdic><infCpl>Pedido 778</infCpl><obsCont xCampo="x"><xTexto>y</xTexto></obsCont></infAdic><total>`), 1)
	content = bytes.Replace(content, []byte(`<tpAmb>1</tpAmb></ide>`), []byte(`<tpAmb>1</tpAmb><futureTag>9</futureTag></ide>`), 1)

	doc, err := parse(t, xmlparser.NewNFeParser(), content)
	require.NoError(t, err)
	assert.Equal(t, "12345", doc.Number)
}

func TestNFeParser_Errors(t *testing.T) {
	build := func(mutate func(string) string) []byte {
		return []byte(mutate(string(fixture.DefaultNFe().Build())))
	}

	tests := []struct {
		name  string
		input []byte
		kind  model.ErrorKind
		field string
		raw   string
	}{
		{
			name: "missing valor_total",
			input: func() []byte {
				n := fixture.DefaultNFe()
				n.OmitTotal = true
				return n.Build()
			}(),
			kind:  model.KindMissingRequiredField,
			field: "valor_total",
		},
		{
			name: "comma decimal total",
			input: func() []byte {
				n := fixture.DefaultNFe()
				n.Total = "1000,00"
				return n.Build()
			}(),
			kind:  model.KindMalformedField,
			field: "valor_total",
			raw:   "1000,00",
		},
		{
			name: "negative total",
			input: func() []byte {
				n := fixture.DefaultNFe()
				n.Total = "-1.00"
				return n.Build()
			}(),
			kind:  model.KindMalformedField,
			field: "valor_total",
			raw:   "-1.00",
		},
		{
			name: "malformed emission date",
			input: build(func(s string) string {
				start := strings.Index(s, "<dhEmi>")
				end := strings.Index(s, "</dhEmi>")
				return s[:start] + "<dhEmi>31/12/2024" + s[end:]
			}),
			kind:  model.KindMalformedField,
			field: "data_emissao",
			raw:   "31/12/2024",
		},
		{
			name: "missing number",
			input: build(func(s string) string {
				return strings.Replace(s, "<nNF>12345</nNF>", "", 1)
			}),
			kind:  model.KindMissingRequiredField,
			field: "numero",
		},
		{
			name: "non-numeric series",
			input: build(func(s string) string {
				return strings.Replace(s, "<serie>1</serie>", "<serie>A1</serie>", 1)
			}),
			kind:  model.KindMalformedField,
			field: "serie",
			raw:   "A1",
		},
		{
			name: "missing issuer CNPJ",
			input: build(func(s string) string {
				return strings.Replace(s, "<CNPJ>"+fixture.IssuerCNPJ+"</CNPJ>", "", 1)
			}),
			kind:  model.KindMissingRequiredField,
			field: "emitente.cnpj",
		},
		{
			name: "malformed item value",
			input: build(func(s string) string {
				return strings.Replace(s, "<vProd>1000.00</vProd>", "<vProd>mil</vProd>", 1)
			}),
			kind:  model.KindMalformedField,
			field: "itens[0].valor",
			raw:   "mil",
		},
		{
			name: "missing access key",
			input: build(func(s string) string {
				s = s[:strings.Index(s, "<protNFe")] + "</nfeProc>"
				start := strings.Index(s, `Id="`)
				return s[:start] + `Id=""` + s[start+len(`Id="NFe`)+44+1:]
			}),
			kind:  model.KindMissingRequiredField,
			field: "chave_acesso",
		},
		{
			name:  "truncated xml",
			input: fixture.DefaultNFe().Build()[:300],
			kind:  model.KindMalformedField,
			field: "xml",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(t, xmlparser.NewNFeParser(), tt.input)
			require.Error(t, err)

			var parseErr *model.ParseError
			require.ErrorAs(t, err, &parseErr)
			assert.Equal(t, tt.kind, parseErr.Kind)
			assert.Equal(t, tt.field, parseErr.Field)
			assert.Equal(t, model.DocumentTypeNFe, parseErr.DocumentType)
			if tt.raw != "" {
				assert.Equal(t, tt.raw, parseErr.Raw)
			}
		})
	}
}

func TestNFeParser_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := xmlparser.NewNFeParser().Parse(ctx, bytes.NewReader(fixture.DefaultNFe().Build()))
	require.ErrorIs(t, err, context.Canceled)
}

// Parsing a built document and serializing the normalized form keeps identity fields.
func TestNFeParser_RoundTrip(t *testing.T) {
	n := fixture.DefaultNFe()
	n.Number = 987654
	n.Items = []fixture.Item{fixture.DefaultItem(), fixture.DefaultItem(), fixture.DefaultItem()}
	n.Items[1].Value = "0.01"
	n.Items[2].Value = "99999.99"

	doc, err := parse(t, xmlparser.NewNFeParser(), n.Build())
	require.NoError(t, err)

	data, err := json.Marshal(doc)
	require.NoError(t, err)

	var decoded model.FiscalDocument
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, fixture.NFeKey(n), decoded.AccessKey)
	assert.Equal(t, "987654", decoded.Number)
	assert.True(t, decoded.Total.Equal(decimal.RequireFromString("101000.00")))
}

func TestCTeParser_Parse(t *testing.T) {
	n := fixture.DefaultCTe()

	doc, err := parse(t, xmlparser.NewCTeParser(), n.Build())
	require.NoError(t, err)

	assert.Equal(t, model.DocumentTypeCTe, doc.Type)
	assert.Equal(t, fixture.CTeKey(n), doc.AccessKey)
	assert.Equal(t, "42", doc.Number)
	assert.Equal(t, model.ModelCTe, doc.Model)
	assert.Equal(t, "141240000098765", doc.Protocol)
	assert.Equal(t, "Transportes Rápidos S.A.", doc.Issuer.Name)
	assert.Equal(t, "PR", doc.OriginUF)
	assert.Equal(t, "SP", doc.DestinationUF)

	require.NotNil(t, doc.Sender)
	assert.Equal(t, "Indústria Remetente Ltda", doc.Sender.Name)
	assert.Equal(t, "Destinatário Final Ltda", doc.Recipient.Name)

	require.Len(t, doc.Items, 2)
	assert.Equal(t, "FRETE PESO", doc.Items[0].Description)
	assert.Equal(t, "6353", doc.Items[0].CFOP)
	assert.Empty(t, doc.Items[0].NCM)
	assert.True(t, doc.Items[1].Value.Equal(decimal.NewFromInt(300)))

	assert.True(t, doc.Total.Equal(decimal.NewFromInt(1500)))
	assert.True(t, doc.Totals.Receivable.Equal(decimal.NewFromInt(1500)))
	assert.True(t, doc.CargoValue.Equal(decimal.NewFromInt(50000)))

	require.NotNil(t, doc.ServiceICMS)
	assert.True(t, doc.ServiceICMS.Rate.Equal(decimal.NewFromInt(12)))
	assert.True(t, doc.ServiceICMS.Amount.Equal(decimal.NewFromInt(180)))
	assert.True(t, doc.Totals.ICMS.Equal(decimal.NewFromInt(180)))
}

func TestCTeParser_NoComponents(t *testing.T) {
	n := fixture.DefaultCTe()
	n.Components = nil
	n.Bare = true

	doc, err := parse(t, xmlparser.NewCTeParser(), n.Build())
	require.NoError(t, err)

	assert.Equal(t, fixture.CTeKey(n), doc.AccessKey)
	require.Len(t, doc.Items, 1)
	assert.True(t, doc.Items[0].Value.Equal(doc.Total))
	assert.Equal(t, "6353", doc.Items[0].CFOP)
}

func TestCTeParser_MissingTotal(t *testing.T) {
	content := strings.Replace(string(fixture.DefaultCTe().Build()), "<vTPrest>1500.00</vTPrest>", "", 1)

	_, err := parse(t, xmlparser.NewCTeParser(), []byte(content))
	require.Error(t, err)

	var parseErr *model.ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, model.KindMissingRequiredField, parseErr.Kind)
	assert.Equal(t, "valor_total", parseErr.Field)
	assert.Equal(t, model.DocumentTypeCTe, parseErr.DocumentType)
}

func TestCTeParser_LegacyDate(t *testing.T) {
	n := fixture.DefaultCTe()
	s := string(n.Build())
	start := strings.Index(s, "<dhEmi>")
	end := strings.Index(s, "</dhEmi>") + len("</dhEmi>")
	s = s[:start] + "<dEmi>2024-11-05</dEmi>" + s[end:]

	doc, err := parse(t, xmlparser.NewCTeParser(), []byte(s))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 11, 5, 0, 0, 0, 0, time.UTC), doc.IssuedAt)
}

func TestParser_RejectsOtherType(t *testing.T) {
	_, err := parse(t, xmlparser.NewCTeParser(), fixture.DefaultNFe().Build())
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrUnrecognizedDocumentType))
}

func TestRegistry_Parse(t *testing.T) {
	registry := xmlparser.NewRegistry(0)

	doc, err := registry.Parse(context.Background(), fixture.DefaultCTe().Build())
	require.NoError(t, err)
	assert.Equal(t, model.DocumentTypeCTe, doc.Type)
}

// Helper functions

func parse(t *testing.T, p xmlparser.Parser, content []byte) (*model.FiscalDocument, error) {
	t.Helper()
	return p.Parse(context.Background(), bytes.NewReader(content))
}

func BenchmarkNFeParser_Parse(b *testing.B) {
	n := fixture.DefaultNFe()
	for i := 0; i < 50; i++ {
		n.Items = append(n.Items, fixture.DefaultItem())
	}
	content := n.Build()
	p := xmlparser.NewNFeParser()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = p.Parse(ctx, bytes.NewReader(content))
	}
}

func BenchmarkClassifier_Classify(b *testing.B) {
	content := fixture.DefaultNFe().Build()
	c := xmlparser.NewClassifier(0)
	for i := 0; i < b.N; i++ {
		_, _ = c.ClassifyBytes(content)
	}
}
