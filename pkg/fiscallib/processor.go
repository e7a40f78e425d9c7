package fiscallib

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/rezonia/fiscal-processor/internal/processor"
	"github.com/rezonia/fiscal-processor/internal/ratetable"
	sigxml "github.com/rezonia/fiscal-processor/internal/signature/xml"
	"github.com/rezonia/fiscal-processor/internal/validator"
)

// Ingestor runs documents through the full pipeline
type Ingestor interface {
	// Process ingests one document and always returns a terminal result
	Process(ctx context.Context, name string, data []byte) *ProcessResult

	// ProcessBatch ingests several documents; results keep input order
	ProcessBatch(ctx context.Context, inputs []Input) []*ProcessResult
}

// Checker validates documents without storing them
type Checker interface {
	Validate(ctx context.Context, r io.Reader) (*FiscalDocument, *ValidationResult, error)
}

// Input is one named document for ProcessBatch
type Input struct {
	Name string
	Data []byte
}

// Options configures a Processor
type Options struct {
	// RateTablePath is a YAML rate table; empty uses the embedded one
	RateTablePath string

	// RetroactiveDays is the age after which an emission date draws a
	// warning (default: 5)
	RetroactiveDays int

	// Concurrency bounds ProcessBatch workers (default: number of CPUs)
	Concurrency int

	// VerifySignature inspects the XMLDSig of every document
	VerifySignature bool

	Logger *zap.Logger
}

// DefaultOptions returns default processor options
func DefaultOptions() Options {
	return Options{
		RetroactiveDays: 5,
		VerifySignature: true,
	}
}

// Processor implements Ingestor and Checker over an in-memory ledger
type Processor struct {
	pipeline *processor.Pipeline
}

var (
	_ Ingestor = (*Processor)(nil)
	_ Checker  = (*Processor)(nil)
)

// NewProcessor creates a processor. The rate table is loaded eagerly so a
// bad RateTablePath fails here rather than on the first document.
func NewProcessor(ctx context.Context, opts Options) (*Processor, error) {
	source := ratetable.NewSource(opts.RateTablePath)
	rates, err := source.Load(ctx)
	if err != nil {
		return nil, err
	}

	pipelineOpts := []processor.Option{
		processor.WithRates(rates),
		processor.WithRateSource(source),
		processor.WithConcurrency(opts.Concurrency),
		processor.WithValidator(validator.New(validator.WithRetroactiveDays(opts.RetroactiveDays))),
	}
	if opts.Logger != nil {
		pipelineOpts = append(pipelineOpts, processor.WithLogger(opts.Logger))
	}
	if opts.VerifySignature {
		pipelineOpts = append(pipelineOpts, processor.WithSignatureInspector(sigxml.NewXMLVerifier()))
	}

	return &Processor{pipeline: processor.NewPipeline(pipelineOpts...)}, nil
}

// NewDefaultProcessor creates a processor with the embedded rate table
func NewDefaultProcessor() *Processor {
	p, err := NewProcessor(context.Background(), DefaultOptions())
	if err != nil {
		// only reachable if the embedded table is broken
		panic(err)
	}
	return p
}

// Process ingests one document
func (p *Processor) Process(ctx context.Context, name string, data []byte) *ProcessResult {
	return p.pipeline.Process(ctx, processor.Upload{FileName: name, Data: data})
}

// ProcessReader reads r fully and ingests it
func (p *Processor) ProcessReader(ctx context.Context, r io.Reader) *ProcessResult {
	return p.pipeline.ProcessReader(ctx, r)
}

// ProcessBatch ingests inputs concurrently
func (p *Processor) ProcessBatch(ctx context.Context, inputs []Input) []*ProcessResult {
	uploads := make([]processor.Upload, len(inputs))
	for i, in := range inputs {
		uploads[i] = processor.Upload{FileName: in.Name, Data: in.Data}
	}
	return p.pipeline.ProcessBatch(ctx, uploads)
}

// Validate parses and validates without storing
func (p *Processor) Validate(ctx context.Context, r io.Reader) (*FiscalDocument, *ValidationResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, err
	}
	return p.pipeline.Validate(ctx, data)
}

// Get returns the ledger entry for an access key
func (p *Processor) Get(ctx context.Context, key string) (*LedgerEntry, error) {
	k, err := DecodeKey(key)
	if err != nil {
		return nil, err
	}
	return p.pipeline.Store().Get(ctx, k.String())
}

// Stats summarizes the ledger
func (p *Processor) Stats(ctx context.Context) (Stats, error) {
	return p.pipeline.Store().Stats(ctx)
}

// RatesVersion is the version of the active rate table
func (p *Processor) RatesVersion() string {
	return p.pipeline.Rates().Version
}
