package fixture

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
)

// Signer signs fixtures the way an ERP does with an e-CNPJ A1 certificate
type Signer struct {
	key     *rsa.PrivateKey
	certDER []byte
	Cert    *x509.Certificate
}

// NewSigner creates a self-signed certificate whose CN carries cnpj
func NewSigner(cnpj string, notBefore, notAfter time.Time) (*Signer, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(notBefore.Unix()),
		Subject: pkix.Name{
			CommonName:   "COMERCIO DE INFORMATICA LTDA:" + cnpj,
			Organization: []string{"ICP-Brasil"},
			Country:      []string{"BR"},
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &Signer{key: key, certDER: der, Cert: cert}, nil
}

// GetKeyPair implements dsig.X509KeyStore
func (s *Signer) GetKeyPair() (*rsa.PrivateKey, []byte, error) {
	return s.key, s.certDER, nil
}

// SignNFe renders n with a Signature next to infNFe
func (s *Signer) SignNFe(n NFe) ([]byte, error) {
	return s.Sign(n.Build(), "infNFe")
}

// SignCTe renders c with a Signature next to infCte
func (s *Signer) SignCTe(c CTe) ([]byte, error) {
	return s.Sign(c.Build(), "infCte")
}

// Sign signs the element named signedTag and places the Signature right
// after it, as SEFAZ layouts require
func (s *Signer) Sign(data []byte, signedTag string) ([]byte, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, err
	}
	info := doc.FindElement("//" + signedTag)
	if info == nil {
		return nil, fmt.Errorf("no %s element", signedTag)
	}

	detached := info.Copy()
	if ns := info.NamespaceURI(); ns != "" {
		detached.CreateAttr("xmlns", ns)
	}

	ctx := dsig.NewDefaultSigningContext(s)
	ctx.IdAttribute = "Id"
	ctx.Prefix = ""
	ctx.Canonicalizer = dsig.MakeC14N10RecCanonicalizer()

	signed, err := ctx.SignEnveloped(detached)
	if err != nil {
		return nil, err
	}

	var sig *etree.Element
	for _, child := range signed.ChildElements() {
		if child.Tag == "Signature" {
			sig = child
		}
	}
	if sig == nil {
		return nil, fmt.Errorf("signature not produced")
	}
	signed.RemoveChild(sig)

	info.Parent().InsertChildAt(info.Index()+1, sig)
	return doc.WriteToBytes()
}
