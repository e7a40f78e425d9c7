package processor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rezonia/fiscal-processor/internal/model"
)

// ProcessBatch processes uploads on a bounded worker pool. Results are in
// input order; a failing upload never stops the others.
func (p *Pipeline) ProcessBatch(ctx context.Context, uploads []Upload) []*model.ProcessResult {
	return p.ProcessEach(ctx, uploads, nil)
}

// ProcessEach is ProcessBatch with a callback invoked as each upload
// finishes. Callbacks are serialized.
func (p *Pipeline) ProcessEach(ctx context.Context, uploads []Upload, done func(i int, res *model.ProcessResult)) []*model.ProcessResult {
	results := make([]*model.ProcessResult, len(uploads))

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(p.concurrency)

	for i := range uploads {
		g.Go(func() error {
			res := p.Process(ctx, uploads[i])
			results[i] = res
			if done != nil {
				mu.Lock()
				done(i, res)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// ReadUpload loads a file from disk
func ReadUpload(path string) (Upload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Upload{}, fmt.Errorf("failed to read file: %w", err)
	}
	return Upload{
		FileName:    filepath.Base(path),
		ContentType: "application/xml",
		Data:        data,
	}, nil
}
