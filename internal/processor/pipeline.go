// Package processor runs uploads through classification, parsing, key and
// rule validation, deduplication and persistence.
package processor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/rezonia/fiscal-processor/internal/accesskey"
	"github.com/rezonia/fiscal-processor/internal/metrics"
	"github.com/rezonia/fiscal-processor/internal/model"
	xmlparser "github.com/rezonia/fiscal-processor/internal/parser/xml"
	"github.com/rezonia/fiscal-processor/internal/ratetable"
	"github.com/rezonia/fiscal-processor/internal/signature"
	sigxml "github.com/rezonia/fiscal-processor/internal/signature/xml"
	"github.com/rezonia/fiscal-processor/internal/store"
	"github.com/rezonia/fiscal-processor/internal/validator"
)

// Upload is one file submitted for ingestion
type Upload struct {
	FileName    string
	ContentType string
	Data        []byte
}

// Pipeline processes fiscal documents end to end. It is safe for
// concurrent use; the only shared mutable state is the store and the
// rate snapshot.
type Pipeline struct {
	registry    *xmlparser.Registry
	validator   *validator.Validator
	rates       *ratetable.Holder
	store       *store.DedupStore
	inspector   signature.Verifier
	logger      *zap.Logger
	metrics     *metrics.Metrics
	concurrency int
	lookahead   int64

	rateSource   ratetable.Source
	initialRates *ratetable.Snapshot
}

// Option configures the Pipeline
type Option func(*Pipeline)

// WithStore sets the ledger. Defaults to an in-memory store.
func WithStore(s *store.DedupStore) Option {
	return func(p *Pipeline) {
		p.store = s
	}
}

// WithRates sets the initial rate snapshot
func WithRates(s *ratetable.Snapshot) Option {
	return func(p *Pipeline) {
		p.initialRates = s
	}
}

// WithRateSource sets where ReloadRates reads from
func WithRateSource(src ratetable.Source) Option {
	return func(p *Pipeline) {
		p.rateSource = src
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithMetrics records outcomes on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithConcurrency bounds the batch worker pool
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithLookahead bounds how many bytes the classifier scans
func WithLookahead(n int64) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.lookahead = n
		}
	}
}

// WithSignatureInspector verifies the XMLDSig of every document before
// validation. Nil disables inspection.
func WithSignatureInspector(v signature.Verifier) Option {
	return func(p *Pipeline) {
		p.inspector = v
	}
}

// WithValidator replaces the default validator
func WithValidator(v *validator.Validator) Option {
	return func(p *Pipeline) {
		p.validator = v
	}
}

// NewPipeline creates a new processing pipeline
func NewPipeline(opts ...Option) *Pipeline {
	p := &Pipeline{
		concurrency: runtime.NumCPU(),
		lookahead:   xmlparser.DefaultLookahead,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.store == nil {
		p.store = store.New(store.NewMemoryBackend(), store.WithLogger(p.logger))
	}
	if p.validator == nil {
		p.validator = validator.New()
	}
	p.rates = ratetable.NewHolder(p.rateSource, p.initialRates)
	p.registry = xmlparser.NewRegistry(p.lookahead)
	return p
}

// Store returns the ledger the pipeline writes to
func (p *Pipeline) Store() *store.DedupStore {
	return p.store
}

// Metrics returns the configured metrics, possibly nil
func (p *Pipeline) Metrics() *metrics.Metrics {
	return p.metrics
}

// Rates returns the active rate snapshot
func (p *Pipeline) Rates() *ratetable.Snapshot {
	return p.rates.Current()
}

// SetRates swaps the snapshot used by subsequent validations
func (p *Pipeline) SetRates(s *ratetable.Snapshot) {
	if s == nil {
		return
	}
	p.rates.Set(s)
	p.logger.Info("Rate table replaced", zap.String("version", s.Version))
}

// ReloadRates loads a new snapshot from the rate source. On failure the
// previous snapshot stays active.
func (p *Pipeline) ReloadRates(ctx context.Context) (*ratetable.Snapshot, error) {
	s, err := p.rates.Reload(ctx)
	if err != nil {
		p.logger.Error("Rate table reload failed",
			zap.String("source", p.rates.Source().Name()),
			zap.Error(err),
		)
		return s, fmt.Errorf("reload rates: %w", err)
	}
	p.logger.Info("Rate table reloaded",
		zap.String("source", p.rates.Source().Name()),
		zap.String("version", s.Version),
	)
	return s, nil
}

// ProcessBytes processes raw content with no file name
func (p *Pipeline) ProcessBytes(ctx context.Context, data []byte) *model.ProcessResult {
	return p.Process(ctx, Upload{Data: data})
}

// ProcessReader reads r fully and processes it
func (p *Pipeline) ProcessReader(ctx context.Context, r io.Reader) *model.ProcessResult {
	data, err := io.ReadAll(r)
	if err != nil {
		res := &model.ProcessResult{State: model.StateReceived}
		p.reject(res, fmt.Errorf("read upload: %w", err))
		return res
	}
	return p.ProcessBytes(ctx, data)
}

// Process runs one upload through the state machine and always returns a
// result in a terminal state
func (p *Pipeline) Process(ctx context.Context, up Upload) *model.ProcessResult {
	start := time.Now()
	res := &model.ProcessResult{FileName: up.FileName, State: model.StateReceived}

	p.run(ctx, up, res)

	elapsed := time.Since(start)
	p.metrics.Observe(res, elapsed)
	p.logResult(res, elapsed)
	return res
}

func (p *Pipeline) run(ctx context.Context, up Upload, res *model.ProcessResult) {
	if err := ctx.Err(); err != nil {
		p.reject(res, err)
		return
	}

	parser, err := p.classify(up.Data)
	if err != nil {
		p.reject(res, err)
		return
	}
	res.State = model.StateClassified
	res.DocumentType = parser.DocumentType()

	doc, err := parser.Parse(ctx, bytes.NewReader(up.Data))
	if err != nil {
		p.reject(res, err)
		return
	}
	res.State = model.StateParsed
	res.AccessKey = doc.AccessKey
	res.Document = doc

	if _, err := accesskey.Decode(doc.AccessKey); err != nil {
		p.reject(res, err)
		return
	}
	res.State = model.StateKeyValidated

	p.inspect(ctx, up.Data, doc)
	res.Validation = p.validator.Validate(doc, p.Rates())
	res.State = model.StateRuleValidated

	// Nothing is persisted once the caller gave up
	if err := ctx.Err(); err != nil {
		p.reject(res, err)
		return
	}

	inserted, err := p.store.TryInsert(ctx, doc, res.Validation)
	if err != nil {
		p.reject(res, err)
		return
	}
	res.State = model.StateDedupChecked

	res.Duplicate = !inserted.Inserted
	res.Success = true
	res.Message = successMessage(doc.Type, res.Duplicate)
	res.State = model.StatePersisted
}

// classify sniffs the container and picks the parser
func (p *Pipeline) classify(data []byte) (xmlparser.Parser, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, model.NewUnrecognizedError("arquivo vazio", nil)
	}
	if f := DetectFormat(data); f != FormatXML {
		return nil, model.NewUnrecognizedError(rejectionHint(f), nil)
	}
	return p.registry.Detect(data)
}

// inspect attaches the signature report to doc. Inspection problems never
// reject the document; the validator turns them into warnings.
func (p *Pipeline) inspect(ctx context.Context, data []byte, doc *model.FiscalDocument) {
	if p.inspector == nil {
		return
	}
	result, err := p.inspector.Verify(ctx, data, model.FiscalInstant(doc.IssuedAt))
	if err != nil {
		p.logger.Warn("Signature inspection failed",
			zap.String("chave_acesso", doc.AccessKey),
			zap.Error(err),
		)
		return
	}
	doc.Signature = result.Info(doc.AccessKey)
}

func (p *Pipeline) reject(res *model.ProcessResult, err error) {
	res.State = model.StateRejected
	res.Success = false
	res.Err = err
	res.ErrorCode = model.KindOf(err)
	res.Message = err.Error()
}

func (p *Pipeline) logResult(res *model.ProcessResult, elapsed time.Duration) {
	fields := []zap.Field{
		zap.String("file", res.FileName),
		zap.String("chave_acesso", res.AccessKey),
		zap.String("document_type", string(res.DocumentType)),
		zap.String("state", string(res.State)),
		zap.Duration("duration", elapsed),
	}

	if res.State == model.StateRejected {
		fields = append(fields, zap.String("error_code", string(res.ErrorCode)), zap.Error(res.Err))
		p.logger.Warn("Document rejected", fields...)
		return
	}

	fields = append(fields, zap.Bool("duplicate", res.Duplicate))
	if res.Validation != nil {
		fields = append(fields,
			zap.Bool("is_valid", res.Validation.IsValid),
			zap.Int("errors", len(res.Validation.Errors)),
			zap.Int("warnings", len(res.Validation.Warnings)),
		)
	}
	p.logger.Info("Document processed", fields...)
}

func successMessage(t model.DocumentType, duplicate bool) string {
	switch {
	case t == model.DocumentTypeCTe && duplicate:
		return "CT-e já existente"
	case t == model.DocumentTypeCTe:
		return "CT-e processado com sucesso"
	case duplicate:
		return "NF-e já existente"
	default:
		return "NF-e processada com sucesso"
	}
}

// Validate parses and validates data without touching the store. Key
// problems are reported as rule errors rather than rejections.
func (p *Pipeline) Validate(ctx context.Context, data []byte) (*model.FiscalDocument, *model.ValidationResult, error) {
	parser, err := p.classify(data)
	if err != nil {
		return nil, nil, err
	}
	doc, err := parser.Parse(ctx, bytes.NewReader(data))
	if err != nil {
		return nil, nil, err
	}
	p.inspect(ctx, data, doc)
	return doc, p.validator.Validate(doc, p.Rates()), nil
}

// Inspect verifies the signature of data as of its emission date. It uses
// the configured inspector, or a plain XMLDSig verifier when none is set.
func (p *Pipeline) Inspect(ctx context.Context, data []byte) (*signature.VerificationResult, error) {
	verifier := p.inspector
	if verifier == nil {
		verifier = sigxml.NewXMLVerifier()
	}

	var at time.Time
	if parser, err := p.classify(data); err == nil {
		if doc, err := parser.Parse(ctx, bytes.NewReader(data)); err == nil {
			at = model.FiscalInstant(doc.IssuedAt)
		}
	}
	return verifier.Verify(ctx, data, at)
}

// DocumentType classifies data without parsing it
func (p *Pipeline) DocumentType(data []byte) (model.DocumentType, error) {
	parser, err := p.classify(data)
	if err != nil {
		return model.DocumentTypeUnknown, err
	}
	return parser.DocumentType(), nil
}
