package index

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/philippgille/chromem-go"
)

// CollectionName is the chromem collection the index builder writes into.
const CollectionName = "corpus"

// ChromemStore serves searches from an embedded chromem-go database built
// offline by the corpus pipeline. Pure Go, file persisted, cosine
// similarity; read-only once opened.
type ChromemStore struct {
	col      *chromem.Collection
	dims     int
	loadedAt time.Time
}

// OpenChromem opens a persisted database at path. The embedding function is
// supplied by the caller (the model is external to this process); it is
// only invoked to embed queries, never documents.
func OpenChromem(ctx context.Context, path string, embed chromem.EmbeddingFunc) (*ChromemStore, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrIndexUnavailable, path)
	}

	db, err := chromem.NewPersistentDB(path, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}

	col, err := db.GetOrCreateCollection(CollectionName, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("open collection: %w", err)
	}
	if col.Count() == 0 {
		return nil, fmt.Errorf("%w: collection %q is empty", ErrIndexUnavailable, CollectionName)
	}

	store := &ChromemStore{
		col:      col,
		loadedAt: time.Now(),
	}
	// Probe the embedder once so Status can report dimensions. Failures are
	// deferred to the first search rather than failing the load.
	if vec, err := embed(ctx, "dimension probe"); err == nil {
		store.dims = len(vec)
	}
	return store, nil
}

// NewChromemStore wraps an already-populated collection; used by tests and
// by embedders that build in memory.
func NewChromemStore(col *chromem.Collection) *ChromemStore {
	return &ChromemStore{col: col, loadedAt: time.Now()}
}

func (s *ChromemStore) Search(ctx context.Context, query string, k int, filters SearchFilters) ([]Result, error) {
	if k < 1 {
		return nil, fmt.Errorf("k must be at least 1")
	}
	if k > MaxResults {
		k = MaxResults
	}

	// chromem's where clause is exact-match only, so a single source pins
	// the query and anything richer is filtered after scoring.
	var where map[string]string
	if len(filters.Sources) == 1 {
		where = map[string]string{"source": filters.Sources[0]}
	}

	// Over-fetch when post-filtering so the caller still gets up to k hits.
	fetch := k
	if len(filters.Sources) > 1 || filters.DateFrom != "" || filters.DateTo != "" {
		fetch = k * 4
		if fetch > MaxResults*4 {
			fetch = MaxResults * 4
		}
	}
	if count := s.col.Count(); fetch > count {
		fetch = count
	}
	if fetch == 0 {
		return nil, nil
	}

	hits, err := s.col.Query(ctx, query, fetch, where, nil)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}

	results := make([]Result, 0, k)
	for _, hit := range hits {
		meta := Metadata{
			Source: hit.Metadata["source"],
			Title:  hit.Metadata["title"],
			Date:   hit.Metadata["date"],
			URL:    hit.Metadata["url"],
		}
		if !matchesFilters(meta, filters) {
			continue
		}
		results = append(results, Result{
			Text:     hit.Content,
			Score:    float64(hit.Similarity),
			Metadata: meta,
		})
		if len(results) == k {
			break
		}
	}
	return results, nil
}

func matchesFilters(meta Metadata, filters SearchFilters) bool {
	if len(filters.Sources) > 1 {
		found := false
		for _, src := range filters.Sources {
			if meta.Source == src {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filters.DateFrom != "" && (meta.Date == "" || meta.Date < filters.DateFrom) {
		return false
	}
	if filters.DateTo != "" && (meta.Date == "" || meta.Date > filters.DateTo) {
		return false
	}
	return true
}

func (s *ChromemStore) Status() Status {
	return Status{
		Ready:         true,
		DocumentCount: s.col.Count(),
		Dimensions:    s.dims,
		LoadedAt:      s.loadedAt,
	}
}
