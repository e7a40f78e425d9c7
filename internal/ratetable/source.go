package ratetable

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
)

// Source produces fresh snapshots on demand
type Source interface {
	Load(ctx context.Context) (*Snapshot, error)
	Name() string
}

// NewSource returns a file source for path, or the embedded table when path is empty
func NewSource(path string) Source {
	if path == "" {
		return EmbeddedSource{}
	}
	return FileSource{Path: path}
}

// EmbeddedSource serves the table compiled into the binary
type EmbeddedSource struct{}

// Load parses the embedded table
func (EmbeddedSource) Load(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Parse(defaultRates, "embedded")
}

// Name identifies the source
func (EmbeddedSource) Name() string {
	return "embedded"
}

// FileSource reads a YAML table from disk
type FileSource struct {
	Path string
}

// Load reads and parses the file
func (f FileSource) Load(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read rate table: %w", err)
	}
	return Parse(data, f.Path)
}

// Name identifies the source
func (f FileSource) Name() string {
	return f.Path
}

// Holder publishes the current snapshot to concurrent readers.
// A failed reload keeps the previous snapshot.
type Holder struct {
	source  Source
	current atomic.Pointer[Snapshot]
}

// NewHolder creates a holder serving initial until the first reload
func NewHolder(source Source, initial *Snapshot) *Holder {
	if source == nil {
		source = EmbeddedSource{}
	}
	if initial == nil {
		initial = Default()
	}
	h := &Holder{source: source}
	h.current.Store(initial)
	return h
}

// Load creates a holder and performs the initial load from source
func Load(ctx context.Context, source Source) (*Holder, error) {
	s, err := source.Load(ctx)
	if err != nil {
		return nil, err
	}
	return NewHolder(source, s), nil
}

// Current returns the active snapshot
func (h *Holder) Current() *Snapshot {
	return h.current.Load()
}

// Set replaces the active snapshot
func (h *Holder) Set(s *Snapshot) {
	if s != nil {
		h.current.Store(s)
	}
}

// Reload loads a new snapshot from the source and swaps it in
func (h *Holder) Reload(ctx context.Context) (*Snapshot, error) {
	s, err := h.source.Load(ctx)
	if err != nil {
		return h.Current(), err
	}
	h.current.Store(s)
	return s, nil
}

// Source returns the configured source
func (h *Holder) Source() Source {
	return h.source
}
