package xml

import (
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/beevik/etree"

	xmlparser "github.com/rezonia/fiscal-processor/internal/parser/xml"
	"github.com/rezonia/fiscal-processor/internal/signature"
)

// XML namespaces
const (
	XMLDSigNamespace = "http://www.w3.org/2000/09/xmldsig#"
)

// signedTags are the elements an NF-e or CT-e signature references
var signedTags = []string{"infNFe", "infCte"}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// SignatureExtractor locates the enveloped signature of an NF-e or CT-e
type SignatureExtractor struct{}

// NewSignatureExtractor creates a new signature extractor
func NewSignatureExtractor() *SignatureExtractor {
	return &SignatureExtractor{}
}

// ExtractionResult contains the extracted signature and related elements
type ExtractionResult struct {
	// SignatureElement is the <Signature> element
	SignatureElement *etree.Element
	// SignedElement is infNFe or infCte
	SignedElement *etree.Element
	// Document is the parsed XML document
	Document *etree.Document
	// SignedID is the Id attribute of the signed element
	SignedID string
	// ReferenceURI is SignedInfo/Reference@URI
	ReferenceURI string
}

// Extract parses data and finds the signed element and its signature. The
// signed element is looked up first so a document without a signature can
// still be told apart from one that is not a fiscal document at all.
func (e *SignatureExtractor) Extract(data []byte) (*ExtractionResult, error) {
	doc := etree.NewDocument()
	doc.ReadSettings.CharsetReader = xmlparser.CharsetReader
	if err := doc.ReadFromBytes(bytes.TrimPrefix(data, utf8BOM)); err != nil {
		return nil, signature.ErrMalformedXML(err)
	}

	root := doc.Root()
	if root == nil {
		return nil, signature.ErrMalformedXML(fmt.Errorf("empty XML document"))
	}

	var signed *etree.Element
	for _, tag := range signedTags {
		if signed = findElementRecursive(root, tag, ""); signed != nil {
			break
		}
	}
	if signed == nil {
		return nil, signature.ErrNoSignedElement()
	}

	sig := findSignatureElement(root, signed)
	if sig == nil {
		return nil, signature.ErrNoSignature()
	}

	result := &ExtractionResult{
		SignatureElement: sig,
		SignedElement:    signed,
		Document:         doc,
		SignedID:         signed.SelectAttrValue("Id", ""),
	}
	if ref := findPath(sig, "SignedInfo", "Reference"); ref != nil {
		result.ReferenceURI = ref.SelectAttrValue("URI", "")
	}
	return result, nil
}

// findSignatureElement prefers the sibling of the signed element (NFe/Signature),
// then a signature enveloped inside it, then any signature in the document
func findSignatureElement(root, signed *etree.Element) *etree.Element {
	if parent := signed.Parent(); parent != nil {
		for _, child := range parent.ChildElements() {
			if isSignature(child) {
				return child
			}
		}
	}
	for _, child := range signed.ChildElements() {
		if isSignature(child) {
			return child
		}
	}
	return findElementRecursive(root, "Signature", XMLDSigNamespace)
}

func isSignature(elem *etree.Element) bool {
	return elem.Tag == "Signature" && elem.NamespaceURI() == XMLDSigNamespace
}

// findElementRecursive searches depth-first by local name, optionally
// restricted to a namespace
func findElementRecursive(elem *etree.Element, localName, namespace string) *etree.Element {
	if elem.Tag == localName && (namespace == "" || elem.NamespaceURI() == namespace) {
		return elem
	}
	for _, child := range elem.ChildElements() {
		if found := findElementRecursive(child, localName, namespace); found != nil {
			return found
		}
	}
	return nil
}

// findPath walks direct children by local name, ignoring prefixes
func findPath(elem *etree.Element, path ...string) *etree.Element {
	current := elem
	for _, name := range path {
		var next *etree.Element
		for _, child := range current.ChildElements() {
			if child.Tag == name {
				next = child
				break
			}
		}
		if next == nil {
			return nil
		}
		current = next
	}
	return current
}

// Certificate decodes the first KeyInfo/X509Data/X509Certificate
func (r *ExtractionResult) Certificate() (*x509.Certificate, error) {
	certElem := findPath(r.SignatureElement, "KeyInfo", "X509Data", "X509Certificate")
	if certElem == nil || strings.TrimSpace(certElem.Text()) == "" {
		return nil, signature.ErrNoCertificate(nil)
	}

	der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(certElem.Text()), ""))
	if err != nil {
		return nil, signature.ErrNoCertificate(fmt.Errorf("decode certificate: %w", err))
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, signature.ErrNoCertificate(fmt.Errorf("parse certificate: %w", err))
	}
	return cert, nil
}

// Detached returns a standalone copy of the signed element with the
// signature enveloped inside it. NF-e places Signature next to infNFe, while
// enveloped validation expects it under the referenced element; the
// enveloped-signature transform drops it again before digesting. Namespace
// declarations inherited from ancestors are made explicit on the copy.
func (r *ExtractionResult) Detached() *etree.Element {
	signed := r.SignedElement.Copy()
	declareNamespace(signed, r.SignedElement)

	if r.SignatureElement.Parent() != r.SignedElement {
		sig := r.SignatureElement.Copy()
		declareNamespace(sig, r.SignatureElement)
		signed.AddChild(sig)
	}
	return signed
}

func declareNamespace(copied, original *etree.Element) {
	ns := original.NamespaceURI()
	if ns == "" {
		return
	}
	attr := "xmlns"
	if original.Space != "" {
		attr = "xmlns:" + original.Space
	}
	if copied.SelectAttr(attr) == nil {
		copied.CreateAttr(attr, ns)
	}
}

// CanExtract returns true if the data appears to be XML with a signature
func (e *SignatureExtractor) CanExtract(data []byte) bool {
	if len(data) < 5 {
		return false
	}

	trimmed := bytes.TrimSpace(bytes.TrimPrefix(data, utf8BOM))
	if !bytes.HasPrefix(trimmed, []byte("<")) {
		return false
	}

	return bytes.Contains(data, []byte("<Signature")) ||
		bytes.Contains(data, []byte(":Signature"))
}
