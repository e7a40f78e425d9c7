package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rezonia/fiscal-processor/internal/accesskey"
	"github.com/rezonia/fiscal-processor/internal/model"
	"github.com/rezonia/fiscal-processor/internal/processor"
	"github.com/rezonia/fiscal-processor/internal/store"
)

// Listing bounds
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// DefaultMaxUploadBytes caps a single request body
const DefaultMaxUploadBytes = 10 << 20

// Config holds server configuration
type Config struct {
	Address        string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	MaxUploadBytes int64
	Debug          bool
	Logger         *zap.Logger
}

// Server represents the HTTP API server
type Server struct {
	config   *Config
	router   *gin.Engine
	pipeline *processor.Pipeline
	logger   *zap.Logger
}

// NewServer creates a new API server around an existing pipeline
func NewServer(config *Config, pipeline *processor.Pipeline) *Server {
	if !config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = DefaultMaxUploadBytes
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	s := &Server{
		config:   config,
		router:   router,
		pipeline: pipeline,
		logger:   logger,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", s.handleHealth)

	if m := s.pipeline.Metrics(); m != nil {
		s.router.GET("/metrics", gin.WrapH(m.Handler()))
	}

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/documents/upload", s.handleUpload)
		v1.POST("/documents/batch", s.handleBatch)
		v1.GET("/documents", s.handleList)
		v1.GET("/documents/:chave", s.handleGet)
		v1.GET("/stats", s.handleStats)

		v1.POST("/validate", s.handleValidate)
		v1.POST("/verify", s.handleVerify)
		v1.POST("/info", s.handleInfo)

		v1.GET("/keys/:chave", s.handleKey)

		v1.GET("/rates", s.handleRates)
		v1.POST("/rates/reload", s.handleRatesReload)
	}
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.config.Address,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server starting", zap.String("address", s.config.Address))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// Handler returns the http.Handler for use with custom servers
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"storage": s.pipeline.Store().Backend(),
		"rates":   s.pipeline.Rates().Version,
	})
}

func (s *Server) handleUpload(c *gin.Context) {
	up, ok := s.readUpload(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.config.RequestTimeout)
	defer cancel()

	result := s.pipeline.Process(ctx, up)
	c.JSON(statusFor(result), result)
}

func (s *Server) handleBatch(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.config.MaxUploadBytes*10)

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "multipart form expected", Details: err.Error()})
		return
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "no files uploaded"})
		return
	}

	uploads := make([]processor.Upload, 0, len(headers))
	for _, header := range headers {
		up, err := readFormFile(header)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "failed to read " + header.Filename, Details: err.Error()})
			return
		}
		uploads = append(uploads, up)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.config.RequestTimeout*time.Duration(len(uploads)))
	defer cancel()

	c.JSON(http.StatusOK, s.pipeline.ProcessBatch(ctx, uploads))
}

func (s *Server) handleValidate(c *gin.Context) {
	up, ok := s.readUpload(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.config.RequestTimeout)
	defer cancel()

	_, result, err := s.pipeline.Validate(ctx, up.Data)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Code: model.KindOf(err)})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleList(c *gin.Context) {
	var filter store.Filter
	if raw := c.Query("doc_type"); raw != "" {
		t, ok := model.ParseDocumentType(raw)
		if !ok {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "doc_type must be NFe or CTe"})
			return
		}
		filter.Type = t
	}

	limit := clamp(queryInt(c, "limit", DefaultListLimit), 1, MaxListLimit)
	offset := max(queryInt(c, "offset", 0), 0)

	ctx := c.Request.Context()
	entries, err := s.pipeline.Store().List(ctx, filter, limit, offset)
	if err != nil {
		s.storageError(c, err)
		return
	}
	total, err := s.pipeline.Store().Count(ctx, filter)
	if err != nil {
		s.storageError(c, err)
		return
	}

	docs := make([]model.DocumentSummary, 0, len(entries))
	for _, e := range entries {
		docs = append(docs, e.Summary())
	}
	c.JSON(http.StatusOK, ListResponse{Documents: docs, Total: total, Limit: limit, Offset: offset})
}

func (s *Server) handleGet(c *gin.Context) {
	key := accesskey.Normalize(c.Param("chave"))
	if _, err := accesskey.Decode(key); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: model.KindOf(err)})
		return
	}

	entry, err := s.pipeline.Store().Get(c.Request.Context(), key)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "document not found"})
			return
		}
		s.storageError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.pipeline.Store().Stats(c.Request.Context())
	if err != nil {
		s.storageError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleKey(c *gin.Context) {
	key := accesskey.Normalize(c.Param("chave"))
	decoded, err := accesskey.Decode(key)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: model.KindOf(err)})
		return
	}
	c.JSON(http.StatusOK, keyResponse(key, decoded))
}

func (s *Server) handleRates(c *gin.Context) {
	c.JSON(http.StatusOK, s.ratesResponse())
}

func (s *Server) handleRatesReload(c *gin.Context) {
	if _, err := s.pipeline.ReloadRates(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "rate table reload failed, previous table kept",
			Details: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, s.ratesResponse())
}

func (s *Server) ratesResponse() RatesResponse {
	rates := s.pipeline.Rates()
	return RatesResponse{
		Version:  rates.Version,
		Source:   rates.Source,
		LoadedAt: rates.LoadedAt,
		Counts:   rates.Counts(),
	}
}

func (s *Server) handleInfo(c *gin.Context) {
	up, ok := s.readUpload(c)
	if !ok {
		return
	}

	format := processor.DetectFormat(up.Data)
	response := InfoResponse{
		Format:   format.String(),
		MimeType: detectMimeType(up.Data),
		Size:     len(up.Data),
	}
	if format == processor.FormatXML {
		docType, err := s.pipeline.DocumentType(up.Data)
		if err != nil {
			response.Error = err.Error()
		}
		response.DocumentType = docType
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleVerify(c *gin.Context) {
	up, ok := s.readUpload(c)
	if !ok {
		return
	}
	if processor.DetectFormat(up.Data) != processor.FormatXML {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unsupported file format for signature verification"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.config.RequestTimeout)
	defer cancel()

	result, err := s.pipeline.Inspect(ctx, up.Data)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error:   "signature verification failed",
			Details: err.Error(),
		})
		return
	}

	response := VerifyResponse{
		Valid:              result.Valid,
		SignatureFound:     result.SignatureFound,
		SignatureValid:     result.SignatureValid,
		ReferenceValid:     result.ReferenceValid,
		CertValidAtSigning: result.CertValidAtSigning,
		ReferenceURI:       result.ReferenceURI,
		Format:             result.Format,
		Warnings:           result.Warnings,
		Errors:             result.Errors,
	}

	if result.Signer != nil {
		response.Signer = &SignerInfoOutput{
			Name:         result.Signer.Name,
			CNPJ:         result.Signer.CNPJ,
			Organization: result.Signer.Organization,
			SerialNumber: result.Signer.SerialNumber,
			Issuer:       result.Signer.Issuer,
			ValidFrom:    &result.Signer.ValidFrom,
			ValidTo:      &result.Signer.ValidTo,
		}
	}

	if result.Valid {
		c.JSON(http.StatusOK, response)
	} else {
		c.JSON(http.StatusUnprocessableEntity, response)
	}
}

// readUpload takes the "file" part of a multipart form, or the raw body.
// It writes the error response itself and reports false on failure.
func (s *Server) readUpload(c *gin.Context) (processor.Upload, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.config.MaxUploadBytes)

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		header, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "form field \"file\" is required"})
			return processor.Upload{}, false
		}
		up, err := readFormFile(header)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "failed to read uploaded file", Details: err.Error()})
			return processor.Upload{}, false
		}
		if len(up.Data) == 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "empty file"})
			return processor.Upload{}, false
		}
		return up, true
	}

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "failed to read request body", Details: err.Error()})
		return processor.Upload{}, false
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "empty request body"})
		return processor.Upload{}, false
	}
	return processor.Upload{
		FileName:    c.Query("filename"),
		ContentType: c.ContentType(),
		Data:        body,
	}, true
}

func readFormFile(header *multipart.FileHeader) (processor.Upload, error) {
	f, err := header.Open()
	if err != nil {
		return processor.Upload{}, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return processor.Upload{}, err
	}
	return processor.Upload{
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

func (s *Server) storageError(c *gin.Context, err error) {
	s.logger.Error("Storage request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: model.KindOf(err)})
}

// statusFor maps a pipeline result to an HTTP status. Duplicates are 200.
func statusFor(res *model.ProcessResult) int {
	switch {
	case res.Success:
		return http.StatusOK
	case res.ErrorCode == model.KindStorageTimeout, res.ErrorCode == model.KindStorageUnavailable:
		return http.StatusServiceUnavailable
	case errors.Is(res.Err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusUnprocessableEntity
	}
}

func keyResponse(key string, k accesskey.AccessKey) KeyResponse {
	var docType model.DocumentType
	for _, t := range model.DocumentTypes {
		for _, m := range t.Models() {
			if m == k.Model {
				docType = t
			}
		}
	}
	return KeyResponse{
		ChaveAcesso:  key,
		Valid:        true,
		DocumentType: docType,
		UF:           k.UF(),
		UFCode:       k.UFCode,
		YearMonth:    k.YearMonth,
		CNPJ:         k.CNPJ,
		Model:        k.Model,
		Series:       k.Series,
		Number:       k.Number,
		EmissionForm: k.EmissionForm,
		NumericCode:  k.NumericCode,
		CheckDigit:   k.CheckDigit,
	}
}

func queryInt(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func clamp(n, lo, hi int) int {
	return min(max(n, lo), hi)
}

// Helper functions

func detectMimeType(data []byte) string {
	if len(data) < 8 {
		return "application/octet-stream"
	}

	switch processor.DetectFormat(data) {
	case processor.FormatPDF:
		return "application/pdf"
	case processor.FormatXML:
		return "application/xml"
	case processor.FormatImage:
		// PNG
		if data[0] == 0x89 && data[1] == 0x50 {
			return "image/png"
		}
		// JPEG
		if data[0] == 0xFF && data[1] == 0xD8 {
			return "image/jpeg"
		}
		return "image/tiff"
	}
	return "application/octet-stream"
}

// requestLogger logs one line per request and tags it with a request ID
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)

		c.Next()

		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Error("Request failed", fields...)
			return
		}
		logger.Info("Request handled", fields...)
	}
}
