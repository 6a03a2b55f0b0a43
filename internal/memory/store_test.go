package memory

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestExtractHashtags(t *testing.T) {
	clean, tags := extractHashtags("user prefers dark mode #ui #preference")
	if clean != "user prefers dark mode" {
		t.Fatalf("clean = %q", clean)
	}
	if len(tags) != 2 || tags[0] != "ui" || tags[1] != "preference" {
		t.Fatalf("tags = %v", tags)
	}
}

func TestExtractHashtagsNone(t *testing.T) {
	clean, tags := extractHashtags("plain fact with no tags")
	if clean != "plain fact with no tags" {
		t.Fatalf("clean = %q", clean)
	}
	if len(tags) != 0 {
		t.Fatalf("tags = %v, want none", tags)
	}
}

func TestDetectCategory(t *testing.T) {
	cases := map[string]string{
		"user always prefers vim keybindings":   "preferences",
		"currently working on the memory index": "context",
		"the repo lives at github.com/x/y":      "facts",
	}
	for fact, want := range cases {
		if got := detectCategory(fact); got != want {
			t.Errorf("detectCategory(%q) = %q, want %q", fact, got, want)
		}
	}
}

// TestMemoryEntryRoundTrip: a formatted entry is recoverable — parsing
// the line back out yields exactly the text, tags, and date it was built
// from.
func TestMemoryEntryRoundTrip(t *testing.T) {
	text := "user likes dark mode"
	tags := []string{"preference", "ui"}

	line := formatEntry(text, tags)

	m := entryRe.FindStringSubmatch(line)
	if m == nil {
		t.Fatalf("entryRe did not match formatted line: %q", line)
	}
	gotText := m[1]
	gotDate := m[2]
	_, gotTags := extractHashtags(m[3])

	if gotText != text {
		t.Fatalf("recovered text = %q, want %q", gotText, text)
	}
	wantDate := time.Now().Format("2006-01-02")
	if gotDate != wantDate {
		t.Fatalf("recovered date = %q, want %q", gotDate, wantDate)
	}
	if len(gotTags) != len(tags) {
		t.Fatalf("recovered tags = %v, want %v", gotTags, tags)
	}
	for i := range tags {
		if gotTags[i] != tags[i] {
			t.Fatalf("recovered tags = %v, want %v", gotTags, tags)
		}
	}
}

func TestMemoryEntryRoundTripNoTags(t *testing.T) {
	line := formatEntry("a bare fact", nil)
	m := entryRe.FindStringSubmatch(line)
	if m == nil {
		t.Fatalf("entryRe did not match: %q", line)
	}
	if m[1] != "a bare fact" {
		t.Fatalf("text = %q", m[1])
	}
	if strings.TrimSpace(m[3]) != "" {
		t.Fatalf("expected no trailing tags, got %q", m[3])
	}
}

func TestInsertIntoSectionCreatesHeading(t *testing.T) {
	out := insertIntoSection("# Memory\n", "facts", "- a fact (2026-01-01)")
	if !strings.Contains(out, "## Facts") {
		t.Fatalf("expected section heading created, got:\n%s", out)
	}
	if !strings.Contains(out, "- a fact (2026-01-01)") {
		t.Fatalf("expected entry appended, got:\n%s", out)
	}
}

func TestInsertIntoSectionAppendsToExisting(t *testing.T) {
	doc := "# Memory\n\n## Facts\n- first (2026-01-01)\n\n## Context\n- other (2026-01-01)\n"
	out := insertIntoSection(doc, "facts", "- second (2026-01-02)")

	factsIdx := strings.Index(out, "## Facts")
	contextIdx := strings.Index(out, "## Context")
	secondIdx := strings.Index(out, "- second (2026-01-02)")

	if factsIdx == -1 || contextIdx == -1 || secondIdx == -1 {
		t.Fatalf("missing expected sections in:\n%s", out)
	}
	if !(factsIdx < secondIdx && secondIdx < contextIdx) {
		t.Fatalf("new entry not inserted at facts section tail:\n%s", out)
	}
}

func TestStoreAppendsToProjectMemory(t *testing.T) {
	dir := t.TempDir()

	if err := Store("user likes tabs over spaces #editor", nil, "", "project", dir); err != nil {
		t.Fatalf("Store: %v", err)
	}

	path := filepath.Join(dir, ".llamar", "MEMORY.md")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "user likes tabs over spaces") {
		t.Fatalf("fact not stored:\n%s", content)
	}
	if !strings.Contains(content, "#editor") {
		t.Fatalf("tag not preserved:\n%s", content)
	}
	if !strings.Contains(content, "## Preferences") {
		t.Fatalf("expected auto-detected preferences category:\n%s", content)
	}
	if !strings.HasPrefix(content, "# Memory") {
		t.Fatalf("expected top-level # Memory heading on a freshly created file:\n%s", content)
	}
}

func TestEnsureTopHeadingSeedsOnEmptyDoc(t *testing.T) {
	out := ensureTopHeading("")
	if !strings.HasPrefix(out, "# Memory") {
		t.Fatalf("expected seeded heading, got:\n%q", out)
	}
}

func TestEnsureTopHeadingLeavesExistingHeading(t *testing.T) {
	doc := "# Memory\n\n## Facts\n- a fact (2026-01-01)\n"
	if out := ensureTopHeading(doc); out != doc {
		t.Fatalf("expected doc unchanged, got:\n%s", out)
	}
}

func TestStoreRejectsInvalidScope(t *testing.T) {
	if err := Store("fact", nil, "", "bogus", t.TempDir()); err == nil {
		t.Fatal("expected invalid scope to error")
	}
}

func TestSearchFindsStoredFact(t *testing.T) {
	dir := t.TempDir()
	if err := Store("the deploy key lives in vault", nil, "", "project", dir); err != nil {
		t.Fatalf("Store: %v", err)
	}

	hits, err := Search("deploy key", "project", dir)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	if hits[0].Section != "Facts" {
		t.Fatalf("section = %q, want Facts", hits[0].Section)
	}
}

func TestSearchOnMissingFile(t *testing.T) {
	hits, err := Search("anything", "project", t.TempDir())
	if err != nil {
		t.Fatalf("Search on missing file should not error: %v", err)
	}
	if hits != nil {
		t.Fatalf("expected no hits, got %v", hits)
	}
}
