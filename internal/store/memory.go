package store

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/rezonia/fiscal-processor/internal/model"
)

// MemoryBackend keeps entries in a map. Used by tests, the CLI and
// single-instance deployments.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]*model.LedgerEntry
}

// NewMemoryBackend creates an empty backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]*model.LedgerEntry)}
}

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) InsertIfAbsent(ctx context.Context, entry *model.LedgerEntry) (*model.LedgerEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := entry.Key()
	if existing, ok := b.entries[key]; ok {
		return existing, false, nil
	}
	b.entries[key] = entry
	return entry, true, nil
}

func (b *MemoryBackend) Get(ctx context.Context, key string) (*model.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	entry, ok := b.entries[key]
	if !ok {
		return nil, model.ErrNotFound
	}
	return entry, nil
}

func (b *MemoryBackend) List(ctx context.Context, filter Filter, limit, offset int) ([]*model.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	matched := make([]*model.LedgerEntry, 0, len(b.entries))
	for _, e := range b.entries {
		if filter.Match(e) {
			matched = append(matched, e)
		}
	}
	b.mu.RUnlock()

	slices.SortFunc(matched, compareListing)

	if offset >= len(matched) {
		return []*model.LedgerEntry{}, nil
	}
	end := min(offset+limit, len(matched))
	return matched[offset:end], nil
}

func (b *MemoryBackend) Count(ctx context.Context, filter Filter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, e := range b.entries {
		if filter.Match(e) {
			n++
		}
	}
	return n, nil
}

func (b *MemoryBackend) Close() error { return nil }

// compareListing orders by emission date descending, then key ascending
func compareListing(a, b *model.LedgerEntry) int {
	if c := b.Document.IssuedAt.Compare(a.Document.IssuedAt); c != 0 {
		return c
	}
	return strings.Compare(a.Key(), b.Key())
}
