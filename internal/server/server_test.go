package server_test

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/fiscal-processor/internal/fixture"
	"github.com/rezonia/fiscal-processor/internal/metrics"
	"github.com/rezonia/fiscal-processor/internal/model"
	"github.com/rezonia/fiscal-processor/internal/processor"
	"github.com/rezonia/fiscal-processor/internal/ratetable"
	"github.com/rezonia/fiscal-processor/internal/server"
)

func newTestServer(opts ...processor.Option) *server.Server {
	opts = append([]processor.Option{processor.WithMetrics(metrics.New())}, opts...)
	config := &server.Config{
		Address: ":8080",
		Debug:   true,
	}
	return server.NewServer(config, processor.NewPipeline(opts...))
}

func do(srv *server.Server, method, path string, body []byte, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func multipartBody(t *testing.T, field string, files map[string][]byte) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, data := range files {
		part, err := mw.CreateFormFile(field, name)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return buf.Bytes(), mw.FormDataContentType()
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer()

	w := do(srv, http.MethodGet, "/health", nil, "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	response := decode[map[string]interface{}](t, w)
	assert.Equal(t, "ok", response["status"])
	assert.NotEmpty(t, response["time"])
	assert.Equal(t, "memory", response["storage"])
}

func TestUploadEndpoint_RawBody(t *testing.T) {
	srv := newTestServer()
	n := fixture.DefaultNFe()

	w := do(srv, http.MethodPost, "/api/v1/documents/upload?filename=nota.xml", n.Build(), "application/xml")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	response := decode[model.ProcessResult](t, w)
	assert.True(t, response.Success)
	assert.False(t, response.Duplicate)
	assert.Equal(t, fixture.NFeKey(n), response.AccessKey)
	assert.Equal(t, model.DocumentTypeNFe, response.DocumentType)
	assert.Equal(t, "nota.xml", response.FileName)
	require.NotNil(t, response.Validation)
	assert.True(t, response.Validation.IsValid)

	// Same bytes again: still 200, flagged duplicate
	w = do(srv, http.MethodPost, "/api/v1/documents/upload", n.Build(), "application/xml")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[model.ProcessResult](t, w).Duplicate)
}

func TestUploadEndpoint_Multipart(t *testing.T) {
	srv := newTestServer()
	body, contentType := multipartBody(t, "file", map[string][]byte{"cte.xml": fixture.DefaultCTe().Build()})

	w := do(srv, http.MethodPost, "/api/v1/documents/upload", body, contentType)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	response := decode[model.ProcessResult](t, w)
	assert.Equal(t, model.DocumentTypeCTe, response.DocumentType)
	assert.Equal(t, "cte.xml", response.FileName)
}

func TestUploadEndpoint_Errors(t *testing.T) {
	srv := newTestServer()

	t.Run("empty body", func(t *testing.T) {
		w := do(srv, http.MethodPost, "/api/v1/documents/upload", nil, "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("multipart without file", func(t *testing.T) {
		body, contentType := multipartBody(t, "other", map[string][]byte{"x.xml": []byte("<a/>")})
		w := do(srv, http.MethodPost, "/api/v1/documents/upload", body, contentType)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("not xml", func(t *testing.T) {
		w := do(srv, http.MethodPost, "/api/v1/documents/upload", []byte("not xml"), "")
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

		response := decode[model.ProcessResult](t, w)
		assert.False(t, response.Success)
		assert.Equal(t, model.StateRejected, response.State)
		assert.Equal(t, model.KindUnrecognizedDocumentType, response.ErrorCode)
	})

	t.Run("missing total", func(t *testing.T) {
		n := fixture.DefaultNFe()
		n.OmitTotal = true
		w := do(srv, http.MethodPost, "/api/v1/documents/upload", n.Build(), "application/xml")
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

		response := decode[model.ProcessResult](t, w)
		assert.Equal(t, model.KindMissingRequiredField, response.ErrorCode)
		assert.Contains(t, response.Message, "valor_total")
	})
}

func TestBatchEndpoint(t *testing.T) {
	srv := newTestServer()
	second := fixture.DefaultNFe()
	second.Number = 2

	body, contentType := multipartBody(t, "files", map[string][]byte{
		"a.xml":   fixture.DefaultNFe().Build(),
		"b.xml":   second.Build(),
		"c.xml":   fixture.DefaultCTe().Build(),
		"bad.txt": []byte("garbage"),
	})

	w := do(srv, http.MethodPost, "/api/v1/documents/batch", body, contentType)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	results := decode[[]model.ProcessResult](t, w)
	require.Len(t, results, 4)
	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		} else {
			assert.Equal(t, "bad.txt", r.FileName)
		}
	}
	assert.Equal(t, 3, succeeded)

	w = do(srv, http.MethodPost, "/api/v1/documents/batch", []byte("x"), "application/xml")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestValidateEndpoint(t *testing.T) {
	srv := newTestServer()
	n := fixture.DefaultNFe()
	n.Items[0].CFOP = "6102"

	w := do(srv, http.MethodPost, "/api/v1/validate", n.Build(), "application/xml")
	require.Equal(t, http.StatusOK, w.Code)

	response := decode[model.ValidationResult](t, w)
	assert.False(t, response.IsValid)
	require.Len(t, response.Errors, 1)
	assert.Equal(t, "CFOP_UF_MISMATCH", response.Errors[0].Code)

	// Validate-only leaves the ledger empty
	w = do(srv, http.MethodGet, "/api/v1/stats", nil, "")
	assert.Equal(t, 0, decode[model.Stats](t, w).TotalDocuments)

	w = do(srv, http.MethodPost, "/api/v1/validate", []byte("<Invoice/>"), "application/xml")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, model.KindUnrecognizedDocumentType, decode[server.ErrorResponse](t, w).Code)
}

func TestListEndpoint(t *testing.T) {
	srv := newTestServer()
	base := time.Now().In(fixture.BRT).Add(-48 * time.Hour).Truncate(time.Second)
	for i := 1; i <= 3; i++ {
		n := fixture.DefaultNFe()
		n.Number = i
		n.IssuedAt = base.Add(time.Duration(i) * time.Hour)
		w := do(srv, http.MethodPost, "/api/v1/documents/upload", n.Build(), "application/xml")
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := do(srv, http.MethodPost, "/api/v1/documents/upload", fixture.DefaultCTe().Build(), "application/xml")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(srv, http.MethodGet, "/api/v1/documents?doc_type=NFe&limit=2", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	response := decode[server.ListResponse](t, w)
	assert.Equal(t, 3, response.Total)
	assert.Equal(t, 2, response.Limit)
	require.Len(t, response.Documents, 2)
	assert.Equal(t, "3", response.Documents[0].Number, "newest emission first")
	assert.Equal(t, "2", response.Documents[1].Number)

	w = do(srv, http.MethodGet, "/api/v1/documents?limit=9999&offset=-4", nil, "")
	response = decode[server.ListResponse](t, w)
	assert.Equal(t, server.MaxListLimit, response.Limit)
	assert.Equal(t, 0, response.Offset)
	assert.Equal(t, 4, response.Total)

	w = do(srv, http.MethodGet, "/api/v1/documents?limit=0", nil, "")
	assert.Equal(t, 1, decode[server.ListResponse](t, w).Limit)

	w = do(srv, http.MethodGet, "/api/v1/documents?doc_type=MDFe", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetEndpoint(t *testing.T) {
	srv := newTestServer()
	n := fixture.DefaultNFe()
	key := fixture.NFeKey(n)
	do(srv, http.MethodPost, "/api/v1/documents/upload", n.Build(), "application/xml")

	w := do(srv, http.MethodGet, "/api/v1/documents/"+key, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	entry := decode[model.LedgerEntry](t, w)
	assert.Equal(t, key, entry.Key())
	require.NotNil(t, entry.Validation)
	assert.True(t, entry.Validation.IsValid)

	w = do(srv, http.MethodGet, "/api/v1/documents/NFe"+key, nil, "")
	assert.Equal(t, http.StatusOK, w.Code, "Id prefix is accepted")

	other := fixture.DefaultNFe()
	other.Number = 999
	w = do(srv, http.MethodGet, "/api/v1/documents/"+fixture.NFeKey(other), nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(srv, http.MethodGet, "/api/v1/documents/123", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, model.KindInvalidKeyFormat, decode[server.ErrorResponse](t, w).Code)
}

func TestStatsEndpoint(t *testing.T) {
	srv := newTestServer()
	do(srv, http.MethodPost, "/api/v1/documents/upload", fixture.DefaultNFe().Build(), "application/xml")
	do(srv, http.MethodPost, "/api/v1/documents/upload", fixture.DefaultCTe().Build(), "application/xml")

	w := do(srv, http.MethodGet, "/api/v1/stats", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.Stats{TotalDocuments: 2, ProcessedToday: 2, NotasFiscais: 1, CTes: 1}, decode[model.Stats](t, w))
}

func TestKeyEndpoint(t *testing.T) {
	srv := newTestServer()

	w := do(srv, http.MethodGet, "/api/v1/keys/35240911222333000181550010000123451123456780", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	response := decode[server.KeyResponse](t, w)
	assert.True(t, response.Valid)
	assert.Equal(t, "SP", response.UF)
	assert.Equal(t, "2409", response.YearMonth)
	assert.Equal(t, fixture.IssuerCNPJ, response.CNPJ)
	assert.Equal(t, model.DocumentTypeNFe, response.DocumentType)
	assert.Equal(t, 0, response.CheckDigit)

	w = do(srv, http.MethodGet, "/api/v1/keys/41241111444777000161570010000000421123456788", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.DocumentTypeCTe, decode[server.KeyResponse](t, w).DocumentType)

	w = do(srv, http.MethodGet, "/api/v1/keys/35240911222333000181550010000123451123456781", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, model.KindInvalidCheckDigit, decode[server.ErrorResponse](t, w).Code)
}

func TestRatesEndpoints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: "reloaded-1"
tolerance: "0.5"
icms:
  default_interstate: "12"
  reduced_interstate: "7"
  imported: "4"
  internal:
    SP: "18"
`), 0o600))
	srv := newTestServer(processor.WithRateSource(ratetable.FileSource{Path: path}))

	w := do(srv, http.MethodGet, "/api/v1/rates", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ratetable.Default().Version, decode[server.RatesResponse](t, w).Version)

	w = do(srv, http.MethodPost, "/api/v1/rates/reload", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	response := decode[server.RatesResponse](t, w)
	assert.Equal(t, "reloaded-1", response.Version)
	assert.Equal(t, 1, response.Counts.InternalRates)

	require.NoError(t, os.Remove(path))
	w = do(srv, http.MethodPost, "/api/v1/rates/reload", nil, "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = do(srv, http.MethodGet, "/api/v1/rates", nil, "")
	assert.Equal(t, "reloaded-1", decode[server.RatesResponse](t, w).Version)
}

func TestInfoEndpoint(t *testing.T) {
	srv := newTestServer()

	w := do(srv, http.MethodPost, "/api/v1/info", fixture.DefaultCTe().Build(), "")
	require.Equal(t, http.StatusOK, w.Code)
	response := decode[server.InfoResponse](t, w)
	assert.Equal(t, "xml", response.Format)
	assert.Equal(t, "application/xml", response.MimeType)
	assert.Equal(t, model.DocumentTypeCTe, response.DocumentType)
	assert.Greater(t, response.Size, 0)

	w = do(srv, http.MethodPost, "/api/v1/info", []byte("%PDF-1.7 danfe"), "")
	response = decode[server.InfoResponse](t, w)
	assert.Equal(t, "pdf", response.Format)
	assert.Equal(t, "application/pdf", response.MimeType)
	assert.Empty(t, response.DocumentType)

	w = do(srv, http.MethodPost, "/api/v1/info", []byte(`<?xml version="1.0"?><Invoice/>`), "")
	response = decode[server.InfoResponse](t, w)
	assert.NotEmpty(t, response.Error)
}

var testSigner = sync.OnceValues(func() (*fixture.Signer, error) {
	now := time.Now()
	return fixture.NewSigner(fixture.IssuerCNPJ, now.AddDate(-1, 0, 0), now.AddDate(1, 0, 0))
})

func TestVerifyEndpoint(t *testing.T) {
	srv := newTestServer()
	signer, err := testSigner()
	require.NoError(t, err)

	signed, err := signer.SignNFe(fixture.DefaultNFe())
	require.NoError(t, err)

	w := do(srv, http.MethodPost, "/api/v1/verify", signed, "application/xml")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	response := decode[server.VerifyResponse](t, w)
	assert.True(t, response.Valid)
	assert.True(t, response.ReferenceValid)
	require.NotNil(t, response.Signer)
	assert.Equal(t, fixture.IssuerCNPJ, response.Signer.CNPJ)

	w = do(srv, http.MethodPost, "/api/v1/verify", fixture.DefaultNFe().Build(), "application/xml")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	response = decode[server.VerifyResponse](t, w)
	assert.False(t, response.SignatureFound)

	w = do(srv, http.MethodPost, "/api/v1/verify", []byte("%PDF-1.4"), "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer()
	do(srv, http.MethodPost, "/api/v1/documents/upload", fixture.DefaultNFe().Build(), "application/xml")

	w := do(srv, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `documents_processed_total{document_type="NFe"} 1`), w.Body.String())
}

func TestMetricsEndpoint_Disabled(t *testing.T) {
	srv := server.NewServer(&server.Config{Debug: true}, processor.NewPipeline())
	w := do(srv, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// Benchmark tests

func BenchmarkUpload(b *testing.B) {
	srv := newTestServer()
	docs := make([][]byte, 256)
	for i := range docs {
		n := fixture.DefaultNFe()
		n.Number = i + 1
		docs[i] = n.Build()
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/documents/upload", bytes.NewReader(docs[i%len(docs)]))
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
	}
}

func BenchmarkHealth(b *testing.B) {
	srv := newTestServer()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
	}
}
