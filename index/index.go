// Package index owns the lifecycle of the semantic-search backend. The
// store itself (embedding model, vector database, corpus) is built by
// external tooling; this package consumes it through the KnowledgeIndex
// interface and guarantees the load-once singleton property.
package index

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrIndexUnavailable is returned when the backing files are absent or the
// load failed. The process keeps serving health, OAuth and non-search tools.
var ErrIndexUnavailable = errors.New("knowledge index unavailable")

// MaxResults bounds k on every search.
const MaxResults = 50

// SearchFilters narrows a search to particular sources or a date window.
// Dates are ISO-8601 strings (YYYY-MM-DD) and compare lexically.
type SearchFilters struct {
	Sources  []string
	DateFrom string
	DateTo   string
}

// Metadata describes where a chunk of text came from.
type Metadata struct {
	Source string `json:"source"`
	Title  string `json:"title"`
	Date   string `json:"date,omitempty"`
	URL    string `json:"url,omitempty"`
}

// Result is one scored chunk from the corpus.
type Result struct {
	Text     string   `json:"text"`
	Score    float64  `json:"score"`
	Metadata Metadata `json:"metadata"`
}

// Status reports warmup state; it never blocks on a load in progress.
type Status struct {
	Ready         bool      `json:"ready"`
	DocumentCount int       `json:"document_count"`
	Dimensions    int       `json:"dimensions"`
	LoadedAt      time.Time `json:"loaded_at,omitzero"`
}

// KnowledgeIndex is the semantic-search backend. Implementations must be
// safe for concurrent callers.
type KnowledgeIndex interface {
	Search(ctx context.Context, query string, k int, filters SearchFilters) ([]Result, error)
	Status() Status
}

// Loader performs the actual load (open the on-disk index, bind the
// embedding model). It runs at most once per process.
type Loader func(ctx context.Context) (KnowledgeIndex, error)

// Singleton guards first-use construction of the one KnowledgeIndex the
// process owns. The first caller performs the load; concurrent callers
// block on the same one-shot completion and share the result. There is no
// eviction, reload or hot-swap: redeploys replace the process.
type Singleton struct {
	loader Loader

	once   sync.Once
	idx    KnowledgeIndex
	err    error
	loaded atomic.Bool
}

func NewSingleton(loader Loader) *Singleton {
	return &Singleton{loader: loader}
}

// Get returns the index, loading it on first use.
func (s *Singleton) Get(ctx context.Context) (KnowledgeIndex, error) {
	s.once.Do(func() {
		start := time.Now()
		s.idx, s.err = s.loader(ctx)
		if s.err != nil {
			slog.Warn("knowledge index load failed", "error", s.err)
		} else {
			slog.Info("knowledge index loaded", "elapsed", time.Since(start))
		}
		s.loaded.Store(true)
	})
	if s.err != nil {
		return nil, s.err
	}
	return s.idx, nil
}

// Preload warms the index so the first real query is fast. Idempotent;
// failures log and degrade, they never abort startup.
func (s *Singleton) Preload(ctx context.Context) {
	if _, err := s.Get(ctx); err != nil {
		slog.Warn("index preload failed, search tools will degrade", "error", err)
	}
}

// Status reports without triggering or blocking on a load.
func (s *Singleton) Status() Status {
	if !s.loaded.Load() || s.err != nil || s.idx == nil {
		return Status{Ready: false}
	}
	return s.idx.Status()
}
