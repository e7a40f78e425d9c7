// Package store keeps the ledger of ingested documents, at most one entry
// per access key.
package store

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/rezonia/fiscal-processor/internal/model"
)

// DefaultTimeout bounds every backend call
const DefaultTimeout = 5 * time.Second

// Filter narrows List and Count
type Filter struct {
	Type          model.DocumentType
	IngestedSince time.Time
}

// Match reports whether e passes the filter
func (f Filter) Match(e *model.LedgerEntry) bool {
	if f.Type != model.DocumentTypeUnknown && (e.Document == nil || e.Document.Type != f.Type) {
		return false
	}
	if !f.IngestedSince.IsZero() && e.IngestedAt.Before(f.IngestedSince) {
		return false
	}
	return true
}

// Backend is a storage engine with an atomic insert-if-absent primitive.
// List orders by emission date descending, then access key ascending.
type Backend interface {
	// InsertIfAbsent stores entry unless its key exists; on conflict it
	// returns the stored entry and false
	InsertIfAbsent(ctx context.Context, entry *model.LedgerEntry) (*model.LedgerEntry, bool, error)
	// Get returns model.ErrNotFound when the key is absent
	Get(ctx context.Context, key string) (*model.LedgerEntry, error)
	List(ctx context.Context, filter Filter, limit, offset int) ([]*model.LedgerEntry, error)
	Count(ctx context.Context, filter Filter) (int, error)
	Name() string
	Close() error
}

// InsertResult reports the outcome of TryInsert. Entry is the new record
// when Inserted, otherwise the one stored first.
type InsertResult struct {
	Inserted bool
	Entry    *model.LedgerEntry
}

// DedupStore serializes inserts per key in-process on top of the backend's
// own atomic insert, and maps backend failures to the storage error kinds
type DedupStore struct {
	backend Backend
	timeout time.Duration
	now     func() time.Time
	locks   *keyedMutex
	logger  *zap.Logger
}

// Option configures a DedupStore
type Option func(*DedupStore)

// WithTimeout sets the per-call storage timeout
func WithTimeout(d time.Duration) Option {
	return func(s *DedupStore) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *DedupStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the ingestion timestamp source
func WithClock(now func() time.Time) Option {
	return func(s *DedupStore) {
		if now != nil {
			s.now = now
		}
	}
}

// New wraps a backend
func New(backend Backend, opts ...Option) *DedupStore {
	s := &DedupStore{
		backend: backend,
		timeout: DefaultTimeout,
		now:     time.Now,
		locks:   newKeyedMutex(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend returns the wrapped backend name
func (s *DedupStore) Backend() string {
	return s.backend.Name()
}

// TryInsert persists doc unless an entry with its key already exists
func (s *DedupStore) TryInsert(ctx context.Context, doc *model.FiscalDocument, validation *model.ValidationResult) (*InsertResult, error) {
	if doc == nil || doc.AccessKey == "" {
		return nil, errors.New("store: document has no access key")
	}
	key := doc.AccessKey

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	unlock, err := s.locks.lock(ctx, key)
	if err != nil {
		return nil, s.classify(ctx, "lock", err)
	}
	defer unlock()

	entry := model.NewLedgerEntry(doc, validation, s.now().UTC())
	existing, inserted, err := s.backend.InsertIfAbsent(ctx, entry)
	if err != nil {
		return nil, s.classify(ctx, "insert", err)
	}

	if !inserted {
		s.logger.Debug("duplicate document",
			zap.String("chave_acesso", key),
			zap.String("stored_id", existing.ID.String()),
		)
		return &InsertResult{Inserted: false, Entry: existing}, nil
	}
	return &InsertResult{Inserted: true, Entry: entry}, nil
}

// Get returns the entry for key or model.ErrNotFound
func (s *DedupStore) Get(ctx context.Context, key string) (*model.LedgerEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	entry, err := s.backend.Get(ctx, key)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, err
		}
		return nil, s.classify(ctx, "get", err)
	}
	return entry, nil
}

// List returns one page of entries
func (s *DedupStore) List(ctx context.Context, filter Filter, limit, offset int) ([]*model.LedgerEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if limit <= 0 {
		return []*model.LedgerEntry{}, nil
	}
	if offset < 0 {
		offset = 0
	}
	entries, err := s.backend.List(ctx, filter, limit, offset)
	if err != nil {
		return nil, s.classify(ctx, "list", err)
	}
	return entries, nil
}

// Count returns the number of entries passing filter
func (s *DedupStore) Count(ctx context.Context, filter Filter) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.backend.Count(ctx, filter)
	if err != nil {
		return 0, s.classify(ctx, "count", err)
	}
	return n, nil
}

// Stats computes the aggregate counters. "Today" starts at midnight fiscal time.
func (s *DedupStore) Stats(ctx context.Context) (model.Stats, error) {
	var stats model.Stats
	now := s.now().In(model.BRT)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, model.BRT)

	counts := []struct {
		filter Filter
		dst    *int
	}{
		{Filter{}, &stats.TotalDocuments},
		{Filter{IngestedSince: midnight.UTC()}, &stats.ProcessedToday},
		{Filter{Type: model.DocumentTypeNFe}, &stats.NotasFiscais},
		{Filter{Type: model.DocumentTypeCTe}, &stats.CTes},
	}
	for _, c := range counts {
		n, err := s.Count(ctx, c.filter)
		if err != nil {
			return model.Stats{}, err
		}
		*c.dst = n
	}
	return stats, nil
}

// Close releases the backend
func (s *DedupStore) Close() error {
	return s.backend.Close()
}

// classify maps a backend failure to StorageTimeout or StorageUnavailable.
// Cancellation by the caller is not a storage failure and is returned as is.
func (s *DedupStore) classify(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return context.Canceled
	}

	var storageErr *model.StorageError
	if errors.As(err, &storageErr) {
		s.log(op, storageErr)
		return storageErr
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		storageErr = model.NewStorageTimeoutError(op, err)
	} else {
		storageErr = model.NewStorageUnavailableError(op, err)
	}
	s.log(op, storageErr)
	return storageErr
}

func (s *DedupStore) log(op string, err *model.StorageError) {
	s.logger.Warn("storage operation failed",
		zap.String("backend", s.backend.Name()),
		zap.String("op", op),
		zap.String("error_code", string(err.Kind)),
		zap.Error(err.Cause),
	)
}
