package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CatalogFile is the sidecar the ingestion pipeline writes next to the
// vector database. It is small and loads eagerly, independent of the lazy
// vector load.
const CatalogFile = "catalog.json"

// SourceInfo summarizes one corpus source for the list_sources tool.
type SourceInfo struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	Documents int    `json:"documents"`
	URL       string `json:"url,omitempty"`
}

// BookChapter names one retrievable chunk of a book. File is relative to
// the catalog directory.
type BookChapter struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	File  string `json:"file"`
}

// Book is one full-text book in the corpus.
type Book struct {
	ID       string        `json:"id"`
	Title    string        `json:"title"`
	Chapters []BookChapter `json:"chapters"`
}

// Catalog lists the corpus sources and the books whose full text is served
// verbatim. Read-only after load.
type Catalog struct {
	Sources []SourceInfo `json:"sources"`
	Books   []Book       `json:"books"`

	dir string
}

// LoadCatalog reads catalog.json from the index directory. A missing file
// yields ErrIndexUnavailable; the caller degrades the affected tools.
func LoadCatalog(dir string) (*Catalog, error) {
	data, err := os.ReadFile(filepath.Join(dir, CatalogFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrIndexUnavailable
		}
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var cat Catalog
	if err := json.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	cat.dir = dir
	return &cat, nil
}

// Book finds a book by id.
func (c *Catalog) Book(id string) (*Book, bool) {
	for i := range c.Books {
		if c.Books[i].ID == id {
			return &c.Books[i], true
		}
	}
	return nil, false
}

// ChapterText returns the stored text of one chapter. Chapter files must
// resolve inside the catalog directory.
func (c *Catalog) ChapterText(bookID, chapterID string) (string, error) {
	book, ok := c.Book(bookID)
	if !ok {
		return "", fmt.Errorf("unknown book %q", bookID)
	}

	for _, ch := range book.Chapters {
		if ch.ID != chapterID {
			continue
		}
		path := filepath.Join(c.dir, filepath.FromSlash(ch.File))
		if rel, err := filepath.Rel(c.dir, path); err != nil || strings.HasPrefix(rel, "..") {
			return "", fmt.Errorf("chapter file %q escapes the catalog directory", ch.File)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read chapter: %w", err)
		}
		return string(data), nil
	}
	return "", fmt.Errorf("unknown chapter %q in book %q", chapterID, bookID)
}
