package xml

import (
	"bytes"
	"context"
	"io"

	"github.com/rezonia/fiscal-processor/internal/model"
)

// Parser turns one fiscal document type into a FiscalDocument
type Parser interface {
	// Parse reads XML content into a FiscalDocument
	Parse(ctx context.Context, r io.Reader) (*model.FiscalDocument, error)

	// DocumentType returns the type handled by the parser
	DocumentType() model.DocumentType
}

// Registry maps each supported document type to its parser.
// The set is closed: NF-e and CT-e only.
type Registry struct {
	classifier *Classifier
	parsers    map[model.DocumentType]Parser
}

// NewRegistry creates a registry whose classifier scans at most lookahead bytes
func NewRegistry(lookahead int64) *Registry {
	return &Registry{
		classifier: NewClassifier(lookahead),
		parsers: map[model.DocumentType]Parser{
			model.DocumentTypeNFe: NewNFeParser(),
			model.DocumentTypeCTe: NewCTeParser(),
		},
	}
}

// Classifier returns the registry's classifier
func (r *Registry) Classifier() *Classifier {
	return r.classifier
}

// Get returns the parser for t, or nil
func (r *Registry) Get(t model.DocumentType) Parser {
	return r.parsers[t]
}

// Detect classifies content and returns the matching parser
func (r *Registry) Detect(content []byte) (Parser, error) {
	docType, err := r.classifier.ClassifyBytes(content)
	if err != nil {
		return nil, err
	}
	p := r.Get(docType)
	if p == nil {
		return nil, model.NewUnrecognizedError("nenhum parser para "+string(docType), nil)
	}
	return p, nil
}

// Parse classifies and parses content
func (r *Registry) Parse(ctx context.Context, content []byte) (*model.FiscalDocument, error) {
	p, err := r.Detect(content)
	if err != nil {
		return nil, err
	}
	return p.Parse(ctx, bytes.NewReader(content))
}
