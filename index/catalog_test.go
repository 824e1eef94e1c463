package index

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeTestCatalog(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	catalog := `{
  "sources": [
    {"name": "books", "kind": "book", "title": "Published Books", "documents": 240},
    {"name": "newsletters", "kind": "newsletter", "title": "Weekly Newsletter", "documents": 612}
  ],
  "books": [
    {
      "id": "deep-habits",
      "title": "Deep Habits",
      "chapters": [
        {"id": "ch1", "title": "The Case for Depth", "file": "books/deep-habits/ch1.md"}
      ]
    }
  ]
}`
	if err := os.WriteFile(filepath.Join(dir, CatalogFile), []byte(catalog), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "books", "deep-habits"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "books", "deep-habits", "ch1.md"),
		[]byte("# The Case for Depth\n\nChapter text."), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLoadCatalog(t *testing.T) {
	dir := writeTestCatalog(t)

	cat, err := LoadCatalog(dir)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if len(cat.Sources) != 2 || cat.Sources[0].Name != "books" {
		t.Errorf("sources: %+v", cat.Sources)
	}

	book, ok := cat.Book("deep-habits")
	if !ok {
		t.Fatal("book not found")
	}
	if book.Title != "Deep Habits" || len(book.Chapters) != 1 {
		t.Errorf("book: %+v", book)
	}

	text, err := cat.ChapterText("deep-habits", "ch1")
	if err != nil {
		t.Fatalf("ChapterText: %v", err)
	}
	if text == "" || text[0] != '#' {
		t.Errorf("unexpected chapter text: %q", text)
	}
}

func TestLoadCatalogMissing(t *testing.T) {
	_, err := LoadCatalog(t.TempDir())
	if !errors.Is(err, ErrIndexUnavailable) {
		t.Fatalf("expected ErrIndexUnavailable, got %v", err)
	}
}

func TestChapterTextUnknownIDs(t *testing.T) {
	cat, err := LoadCatalog(writeTestCatalog(t))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cat.ChapterText("nope", "ch1"); err == nil {
		t.Error("unknown book must error")
	}
	if _, err := cat.ChapterText("deep-habits", "nope"); err == nil {
		t.Error("unknown chapter must error")
	}
}

func TestChapterFileCannotEscapeCatalogDir(t *testing.T) {
	dir := t.TempDir()
	catalog := `{
  "books": [
    {"id": "b", "title": "B", "chapters": [{"id": "c", "title": "C", "file": "../outside.md"}]}
  ]
}`
	if err := os.WriteFile(filepath.Join(dir, CatalogFile), []byte(catalog), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(filepath.Dir(dir), "outside.md"), []byte("secret"), 0o644); err != nil {
		t.Fatal(err)
	}

	cat, err := LoadCatalog(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cat.ChapterText("b", "c"); err == nil {
		t.Fatal("path traversal must be rejected")
	}
}
