package store_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/fiscal-processor/internal/accesskey"
	"github.com/rezonia/fiscal-processor/internal/fixture"
	"github.com/rezonia/fiscal-processor/internal/model"
	"github.com/rezonia/fiscal-processor/internal/store"
)

func document(t testing.TB, number int, docType model.DocumentType, issuedAt time.Time) *model.FiscalDocument {
	t.Helper()
	mod := model.ModelNFe
	if docType == model.DocumentTypeCTe {
		mod = model.ModelCTe
	}
	key, err := accesskey.Build(accesskey.AccessKey{
		UFCode: "35", YearMonth: issuedAt.Format("0601"), CNPJ: fixture.IssuerCNPJ, Model: mod,
		Series: "1", Number: fmt.Sprint(number), EmissionForm: "1", NumericCode: "12345678",
	})
	require.NoError(t, err)

	return &model.FiscalDocument{
		Type:      docType,
		AccessKey: key,
		Number:    fmt.Sprint(number),
		Series:    "1",
		Model:     mod,
		IssuedAt:  issuedAt,
		Issuer:    model.Party{Name: "Emitente", CNPJ: fixture.IssuerCNPJ},
		Total:     decimal.RequireFromString("100.00"),
	}
}

func TestDedupStore_TryInsert(t *testing.T) {
	s := store.New(store.NewMemoryBackend())
	ctx := context.Background()
	doc := document(t, 1, model.DocumentTypeNFe, time.Date(2024, 9, 1, 10, 0, 0, 0, time.UTC))
	validation := &model.ValidationResult{IsValid: true}

	first, err := s.TryInsert(ctx, doc, validation)
	require.NoError(t, err)
	assert.True(t, first.Inserted)
	assert.Equal(t, doc.AccessKey, first.Entry.Key())
	assert.Same(t, validation, first.Entry.Validation)

	changed := *doc
	changed.Total = decimal.RequireFromString("999.00")
	second, err := s.TryInsert(ctx, &changed, nil)
	require.NoError(t, err)
	assert.False(t, second.Inserted)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)
	assert.True(t, second.Entry.Document.Total.Equal(decimal.RequireFromString("100.00")), "no overwrite")

	stored, err := s.Get(ctx, doc.AccessKey)
	require.NoError(t, err)
	assert.Equal(t, first.Entry.ID, stored.ID)
}

func TestDedupStore_TryInsertRequiresKey(t *testing.T) {
	s := store.New(store.NewMemoryBackend())
	_, err := s.TryInsert(context.Background(), &model.FiscalDocument{}, nil)
	require.Error(t, err)
	_, err = s.TryInsert(context.Background(), nil, nil)
	require.Error(t, err)
}

// N concurrent inserts of one key: exactly one wins and it is the stored record
func TestDedupStore_ConcurrentTryInsert(t *testing.T) {
	const n = 32
	s := store.New(store.NewMemoryBackend())
	doc := document(t, 7, model.DocumentTypeNFe, time.Date(2024, 9, 1, 10, 0, 0, 0, time.UTC))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted []*store.InsertResult
		dups     int
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			copyDoc := *doc
			res, err := s.TryInsert(context.Background(), &copyDoc, nil)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Inserted {
				inserted = append(inserted, res)
			} else {
				dups++
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, inserted, 1)
	assert.Equal(t, n-1, dups)

	stored, err := s.Get(context.Background(), doc.AccessKey)
	require.NoError(t, err)
	assert.Equal(t, inserted[0].Entry.ID, stored.ID)
}

func TestDedupStore_GetNotFound(t *testing.T) {
	s := store.New(store.NewMemoryBackend())
	_, err := s.Get(context.Background(), "35240911222333000181550010000123451123456780")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestDedupStore_ListAndCount(t *testing.T) {
	s := store.New(store.NewMemoryBackend())
	ctx := context.Background()
	base := time.Date(2024, 9, 1, 10, 0, 0, 0, time.UTC)

	for i := 1; i <= 5; i++ {
		_, err := s.TryInsert(ctx, document(t, i, model.DocumentTypeNFe, base.Add(time.Duration(i)*time.Hour)), nil)
		require.NoError(t, err)
	}
	for i := 6; i <= 7; i++ {
		_, err := s.TryInsert(ctx, document(t, i, model.DocumentTypeCTe, base), nil)
		require.NoError(t, err)
	}

	all, err := s.List(ctx, store.Filter{}, 50, 0)
	require.NoError(t, err)
	require.Len(t, all, 7)
	assert.Equal(t, "5", all[0].Document.Number, "newest emission first")
	// Equal emission dates fall back to key order
	assert.Less(t, all[5].Key(), all[6].Key())

	page, err := s.List(ctx, store.Filter{Type: model.DocumentTypeNFe}, 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "4", page[0].Document.Number)
	assert.Equal(t, "3", page[1].Document.Number)

	empty, err := s.List(ctx, store.Filter{}, 10, 100)
	require.NoError(t, err)
	assert.Empty(t, empty)

	none, err := s.List(ctx, store.Filter{}, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	n, err := s.Count(ctx, store.Filter{Type: model.DocumentTypeCTe})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDedupStore_Stats(t *testing.T) {
	backend := store.NewMemoryBackend()
	ctx := context.Background()
	issued := time.Date(2024, 9, 1, 10, 0, 0, 0, time.UTC)

	yesterday := store.New(backend, store.WithClock(func() time.Time {
		return time.Date(2024, 9, 11, 23, 0, 0, 0, model.BRT)
	}))
	_, err := yesterday.TryInsert(ctx, document(t, 1, model.DocumentTypeNFe, issued), nil)
	require.NoError(t, err)

	today := store.New(backend, store.WithClock(func() time.Time {
		return time.Date(2024, 9, 12, 0, 30, 0, 0, model.BRT)
	}))
	_, err = today.TryInsert(ctx, document(t, 2, model.DocumentTypeNFe, issued), nil)
	require.NoError(t, err)
	_, err = today.TryInsert(ctx, document(t, 3, model.DocumentTypeCTe, issued), nil)
	require.NoError(t, err)

	stats, err := today.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.Stats{TotalDocuments: 3, ProcessedToday: 2, NotasFiscais: 2, CTes: 1}, stats)
}

// slowBackend blocks every call until the context ends
type slowBackend struct {
	*store.MemoryBackend
}

func (b slowBackend) InsertIfAbsent(ctx context.Context, _ *model.LedgerEntry) (*model.LedgerEntry, bool, error) {
	<-ctx.Done()
	return nil, false, ctx.Err()
}

func (b slowBackend) Count(ctx context.Context, _ store.Filter) (int, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

// brokenBackend fails immediately
type brokenBackend struct {
	*store.MemoryBackend
}

func (b brokenBackend) InsertIfAbsent(context.Context, *model.LedgerEntry) (*model.LedgerEntry, bool, error) {
	return nil, false, errors.New("connection refused")
}

func (b brokenBackend) Get(context.Context, string) (*model.LedgerEntry, error) {
	return nil, errors.New("connection refused")
}

func TestDedupStore_Timeout(t *testing.T) {
	s := store.New(slowBackend{store.NewMemoryBackend()}, store.WithTimeout(20*time.Millisecond))
	doc := document(t, 1, model.DocumentTypeNFe, time.Date(2024, 9, 1, 10, 0, 0, 0, time.UTC))

	_, err := s.TryInsert(context.Background(), doc, nil)
	require.ErrorIs(t, err, model.ErrStorageTimeout)
	assert.Equal(t, model.KindStorageTimeout, model.KindOf(err))

	var storageErr *model.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.True(t, storageErr.Transient())

	_, err = s.Stats(context.Background())
	require.ErrorIs(t, err, model.ErrStorageTimeout)
}

func TestDedupStore_Unavailable(t *testing.T) {
	s := store.New(brokenBackend{store.NewMemoryBackend()})
	doc := document(t, 1, model.DocumentTypeNFe, time.Date(2024, 9, 1, 10, 0, 0, 0, time.UTC))

	_, err := s.TryInsert(context.Background(), doc, nil)
	require.ErrorIs(t, err, model.ErrStorageUnavailable)

	_, err = s.Get(context.Background(), doc.AccessKey)
	require.ErrorIs(t, err, model.ErrStorageUnavailable)
	assert.NotErrorIs(t, err, model.ErrNotFound)
}

func TestDedupStore_LockWaitHonorsTimeout(t *testing.T) {
	backend := &gateBackend{
		MemoryBackend: store.NewMemoryBackend(),
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	s := store.New(backend, store.WithTimeout(50*time.Millisecond))
	doc := document(t, 1, model.DocumentTypeNFe, time.Date(2024, 9, 1, 10, 0, 0, 0, time.UTC))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.TryInsert(context.Background(), doc, nil)
	}()
	<-backend.entered

	// The second caller waits on the key lock held by the first
	_, err := s.TryInsert(context.Background(), doc, nil)
	require.ErrorIs(t, err, model.ErrStorageTimeout)

	close(backend.release)
	<-done
}

func TestDedupStore_CallerCancellation(t *testing.T) {
	doc := document(t, 1, model.DocumentTypeNFe, time.Date(2024, 9, 1, 10, 0, 0, 0, time.UTC))

	t.Run("during insert", func(t *testing.T) {
		s := store.New(slowBackend{store.NewMemoryBackend()})
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(20*time.Millisecond, cancel)

		_, err := s.TryInsert(ctx, doc, nil)
		require.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, model.ErrStorageUnavailable)
		assert.Empty(t, model.KindOf(err))
	})

	t.Run("waiting on the key lock", func(t *testing.T) {
		backend := &gateBackend{
			MemoryBackend: store.NewMemoryBackend(),
			entered:       make(chan struct{}),
			release:       make(chan struct{}),
		}
		s := store.New(backend)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = s.TryInsert(context.Background(), doc, nil)
		}()
		<-backend.entered

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(20*time.Millisecond, cancel)

		_, err := s.TryInsert(ctx, doc, nil)
		require.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, model.KindOf(err))

		close(backend.release)
		<-done
	})
}

// gateBackend holds the first insert until released, ignoring its context
type gateBackend struct {
	*store.MemoryBackend
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *gateBackend) InsertIfAbsent(ctx context.Context, e *model.LedgerEntry) (*model.LedgerEntry, bool, error) {
	b.once.Do(func() {
		close(b.entered)
		<-b.release
	})
	return b.MemoryBackend.InsertIfAbsent(ctx, e)
}

func BenchmarkDedupStore_TryInsert(b *testing.B) {
	s := store.New(store.NewMemoryBackend())
	ctx := context.Background()
	docs := make([]*model.FiscalDocument, 1000)
	for i := range docs {
		docs[i] = document(b, i+1, model.DocumentTypeNFe, time.Date(2024, 9, 1, 10, 0, 0, 0, time.UTC))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = s.TryInsert(ctx, docs[i%len(docs)], nil)
	}
}
