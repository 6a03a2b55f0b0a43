package memory

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestIndexer(t *testing.T) (*Indexer, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "memory.sqlite")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewIndexer(db, dir, nil), dir
}

// TestIndexFileNoOp: calling IndexFile twice in succession without
// changing the file returns a positive chunk count the first time and 0
// the second.
func TestIndexFileNoOp(t *testing.T) {
	idx, dir := newTestIndexer(t)

	path := filepath.Join(dir, "notes.md")
	content := ""
	for i := 0; i < 120; i++ {
		content += "line of content here\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	n1, err := idx.IndexFile(path, "memory")
	if err != nil {
		t.Fatalf("IndexFile (1st): %v", err)
	}
	if n1 <= 0 {
		t.Fatalf("expected positive chunk count on first index, got %d", n1)
	}

	n2, err := idx.IndexFile(path, "memory")
	if err != nil {
		t.Fatalf("IndexFile (2nd): %v", err)
	}
	if n2 != 0 {
		t.Fatalf("expected no-op on unchanged file, got %d chunks", n2)
	}
}

// TestIndexFileReindexesOnChange follows up S6: modifying the file after an
// unchanged no-op causes a fresh positive chunk count.
func TestIndexFileReindexesOnChange(t *testing.T) {
	idx, dir := newTestIndexer(t)
	path := filepath.Join(dir, "notes.md")

	if err := os.WriteFile(path, []byte("hello world\nsecond line\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := idx.IndexFile(path, "memory"); err != nil {
		t.Fatalf("IndexFile (1st): %v", err)
	}
	if n, err := idx.IndexFile(path, "memory"); err != nil || n != 0 {
		t.Fatalf("expected no-op, got n=%d err=%v", n, err)
	}

	if err := os.WriteFile(path, []byte("hello world\nsecond line\nthird new line\n"), 0o644); err != nil {
		t.Fatalf("WriteFile (modify): %v", err)
	}
	n, err := idx.IndexFile(path, "memory")
	if err != nil {
		t.Fatalf("IndexFile (after change): %v", err)
	}
	if n <= 0 {
		t.Fatalf("expected positive chunk count after modification, got %d", n)
	}
}

// TestIndexFileFreshness: after IndexFile returns, a full-text search for
// a term present in the file's content returns at least one chunk from
// it.
func TestIndexFileFreshness(t *testing.T) {
	idx, dir := newTestIndexer(t)
	path := filepath.Join(dir, "unique-topic.md")

	if err := os.WriteFile(path, []byte("the quokka migration plan is documented here\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := idx.IndexFile(path, "memory"); err != nil {
		t.Fatalf("IndexFile: %v", err)
	}

	results, err := SearchFTS(idx.db, "quokka", 10, "")
	if err != nil {
		t.Fatalf("SearchFTS: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one search hit for a term present in the indexed file")
	}
	found := false
	for _, r := range results {
		if filepath.Base(r.Path) == "unique-topic.md" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a hit from unique-topic.md, got: %+v", results)
	}
}

func TestIndexFileChunkIDFormat(t *testing.T) {
	idx, dir := newTestIndexer(t)
	path := filepath.Join(dir, "fmt.md")
	if err := os.WriteFile(path, []byte("one line only\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := idx.IndexFile(path, "memory"); err != nil {
		t.Fatalf("IndexFile: %v", err)
	}

	rows, err := idx.db.Query("SELECT id FROM chunks WHERE path LIKE '%fmt.md'")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			t.Fatalf("scan: %v", err)
		}
		ids = append(ids, id)
	}
	if len(ids) != 1 {
		t.Fatalf("expected exactly 1 chunk, got %d", len(ids))
	}
	if ids[0] != "fmt.md:1-1" {
		t.Fatalf("chunk id = %q, want %q (basename:start-end)", ids[0], "fmt.md:1-1")
	}
}

func TestSearchFTSRespectsSourceFilter(t *testing.T) {
	idx, dir := newTestIndexer(t)

	memPath := filepath.Join(dir, "a.md")
	os.WriteFile(memPath, []byte("xenonite appears here\n"), 0o644)
	if _, err := idx.IndexFile(memPath, "memory"); err != nil {
		t.Fatalf("IndexFile memory: %v", err)
	}

	sessPath := filepath.Join(dir, "b.md")
	os.WriteFile(sessPath, []byte("xenonite appears here too\n"), 0o644)
	if _, err := idx.IndexFile(sessPath, "session"); err != nil {
		t.Fatalf("IndexFile session: %v", err)
	}

	results, err := SearchFTS(idx.db, "xenonite", 10, "session")
	if err != nil {
		t.Fatalf("SearchFTS: %v", err)
	}
	for _, r := range results {
		if r.Source != "session" {
			t.Fatalf("expected only session-source results, got source=%q", r.Source)
		}
	}
	if len(results) != 1 {
		t.Fatalf("expected exactly 1 session result, got %d", len(results))
	}
}
