package xml_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/fiscal-processor/internal/fixture"
	"github.com/rezonia/fiscal-processor/internal/signature"
	sigxml "github.com/rezonia/fiscal-processor/internal/signature/xml"
)

func TestXMLVerifier_Valid(t *testing.T) {
	n := fixture.DefaultNFe()
	data, err := signer(t).SignNFe(n)
	require.NoError(t, err)

	result, err := sigxml.NewXMLVerifier().Verify(context.Background(), data, n.IssuedAt)
	require.NoError(t, err)

	assert.True(t, result.Valid, result.Errors)
	assert.True(t, result.SignatureFound)
	assert.True(t, result.SignatureValid)
	assert.True(t, result.ReferenceValid)
	assert.True(t, result.CertValidAtSigning)
	assert.Empty(t, result.Errors)
	require.NotNil(t, result.Signer)
	assert.Equal(t, fixture.IssuerCNPJ, result.Signer.CNPJ)
	assert.Equal(t, signature.FormatXML, result.Format)

	info := result.Info(fixture.NFeKey(n))
	assert.True(t, info.Present)
	assert.True(t, info.ReferenceMatches)
	assert.True(t, info.Verified)
}

func TestXMLVerifier_CTe(t *testing.T) {
	c := fixture.DefaultCTe()
	data, err := signer(t).SignCTe(c)
	require.NoError(t, err)

	result, err := sigxml.NewXMLVerifier().Verify(context.Background(), data, time.Time{})
	require.NoError(t, err)
	assert.True(t, result.Valid, result.Errors)
	assert.True(t, result.Info(fixture.CTeKey(c)).ReferenceMatches)
}

func TestXMLVerifier_TamperedContent(t *testing.T) {
	n := fixture.DefaultNFe()
	data, err := signer(t).SignNFe(n)
	require.NoError(t, err)

	tampered := bytes.Replace(data, []byte("<vNF>1000.00</vNF>"), []byte("<vNF>100.00</vNF>"), 1)
	require.NotEqual(t, data, tampered)

	result, err := sigxml.NewXMLVerifier().Verify(context.Background(), tampered, n.IssuedAt)
	require.NoError(t, err)

	assert.False(t, result.Valid)
	assert.True(t, result.SignatureFound)
	assert.False(t, result.SignatureValid)
	assert.True(t, result.ReferenceValid)
	assert.NotEmpty(t, result.SignatureError)

	info := result.Info(fixture.NFeKey(n))
	assert.False(t, info.Verified)
	assert.NotEmpty(t, info.VerifyError)
}

func TestXMLVerifier_Unsigned(t *testing.T) {
	result, err := sigxml.NewXMLVerifier().Verify(context.Background(), fixture.DefaultNFe().Build(), time.Time{})
	require.NoError(t, err)

	assert.False(t, result.Valid)
	assert.False(t, result.SignatureFound)
	assert.False(t, result.Info("").Present)
}

func TestXMLVerifier_ExpiredCertificate(t *testing.T) {
	n := fixture.DefaultNFe()
	old, err := fixture.NewSigner(fixture.IssuerCNPJ, n.IssuedAt.AddDate(-2, 0, 0), n.IssuedAt.AddDate(-1, 0, 0))
	require.NoError(t, err)
	data, err := old.SignNFe(n)
	require.NoError(t, err)

	result, err := sigxml.NewXMLVerifier().Verify(context.Background(), data, n.IssuedAt)
	require.NoError(t, err)

	assert.False(t, result.Valid)
	assert.False(t, result.CertValidAtSigning)
	assert.True(t, result.SignatureValid, "content is intact: %s", result.SignatureError)
	assert.Contains(t, result.Errors[0], signature.ErrCodeCertExpired)
}

func TestXMLVerifier_ReferenceToAnotherDocument(t *testing.T) {
	n := fixture.DefaultNFe()
	data, err := signer(t).SignNFe(n)
	require.NoError(t, err)

	// Rewrite the signed Id so the reference no longer names it
	key := fixture.NFeKey(n)
	moved := bytes.Replace(data, []byte(`Id="NFe`+key+`"`), []byte(`Id="NFe`+key[:43]+`9"`), 1)

	result, err := sigxml.NewXMLVerifier().Verify(context.Background(), moved, n.IssuedAt)
	require.NoError(t, err)

	assert.False(t, result.ReferenceValid)
	assert.False(t, result.SignatureValid)
	assert.False(t, result.Info(key).ReferenceMatches)
}

func TestXMLVerifier_Errors(t *testing.T) {
	v := sigxml.NewXMLVerifier()

	_, err := v.Verify(context.Background(), []byte("not xml"), time.Time{})
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = v.Verify(ctx, fixture.DefaultNFe().Build(), time.Time{})
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, signature.FormatXML, v.Format())
}

func BenchmarkXMLVerifier_Verify(b *testing.B) {
	n := fixture.DefaultNFe()
	data, err := signer(b).SignNFe(n)
	require.NoError(b, err)
	v := sigxml.NewXMLVerifier()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = v.Verify(ctx, data, n.IssuedAt)
	}
}
