package xml

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"

	"github.com/rezonia/fiscal-processor/internal/model"
)

// Portal fiscal namespaces
const (
	NamespaceNFe = "http://www.portalfiscal.inf.br/nfe"
	NamespaceCTe = "http://www.portalfiscal.inf.br/cte"
)

// DefaultLookahead bounds how much input the classifier reads
const DefaultLookahead int64 = 64 * 1024

var roots = map[string]struct {
	docType   model.DocumentType
	namespace string
}{
	"nfeProc": {model.DocumentTypeNFe, NamespaceNFe},
	"NFe":     {model.DocumentTypeNFe, NamespaceNFe},
	"cteProc": {model.DocumentTypeCTe, NamespaceCTe},
	"CTe":     {model.DocumentTypeCTe, NamespaceCTe},
}

// Classifier decides the document type from the root element without a full parse
type Classifier struct {
	lookahead int64
}

// NewClassifier creates a classifier reading at most lookahead bytes
func NewClassifier(lookahead int64) *Classifier {
	if lookahead <= 0 {
		lookahead = DefaultLookahead
	}
	return &Classifier{lookahead: lookahead}
}

// ClassifyBytes classifies in-memory content
func (c *Classifier) ClassifyBytes(content []byte) (model.DocumentType, error) {
	return c.Classify(bytes.NewReader(content))
}

// Classify scans tokens up to the first start element
func (c *Classifier) Classify(r io.Reader) (model.DocumentType, error) {
	dec := newDecoder(io.LimitReader(r, c.lookahead))

	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return model.DocumentTypeUnknown, model.NewUnrecognizedError("nenhum elemento raiz encontrado", nil)
			}
			return model.DocumentTypeUnknown, model.NewUnrecognizedError("conteúdo não é XML válido", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		root, known := roots[start.Name.Local]
		if !known {
			return model.DocumentTypeUnknown, model.NewUnrecognizedError("elemento raiz desconhecido: "+start.Name.Local, nil)
		}
		if start.Name.Space != "" && start.Name.Space != root.namespace {
			return model.DocumentTypeUnknown, model.NewUnrecognizedError("namespace inesperado: "+start.Name.Space, nil)
		}
		return root.docType, nil
	}
}
