package memory

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/llamar/toolserver/internal/logging"
)

// writeMu serializes Markdown-face writes across goroutines in this
// process; ordering against other processes is out of scope, the store
// assumes a single dedicated owner.
var writeMu sync.Mutex

// Open opens (creating if needed) the SQLite chunk index at path and
// ensures its schema is current.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// SearchResult is one hit from SearchFTS.
type SearchResult struct {
	ID        string
	Path      string
	Source    string
	StartLine int
	EndLine   int
	Text      string
}

// SearchFTS implements search_fts(query, limit, source?): a full-text query
// against the chunk virtual table ordered by relevance rank, optionally
// restricted to one source.
func SearchFTS(db *sql.DB, query string, limit int, source string) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	args := []any{query}
	sqlQuery := `
		SELECT c.id, c.path, c.source, c.start_line, c.end_line, c.text
		FROM chunks_fts f
		JOIN chunks c ON c.rowid = f.rowid
		WHERE chunks_fts MATCH ?
	`
	if source != "" {
		sqlQuery += " AND c.source = ?"
		args = append(args, source)
	}
	sqlQuery += " ORDER BY bm25(chunks_fts) LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("search_fts: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.ID, &r.Path, &r.Source, &r.StartLine, &r.EndLine, &r.Text); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

var hashtagRe = regexp.MustCompile(`#([a-zA-Z0-9_-]+)`)

var categoryKeywords = map[string][]string{
	"preferences": {"prefer", "like", "always", "never", "don't", "want", "favorite"},
	"context":     {"currently", "working on", "remember", "context", "in progress", "ongoing"},
}

// detectCategory auto-detects a fact's category by keyword when none is
// supplied explicitly, defaulting to "facts".
func detectCategory(fact string) string {
	lower := strings.ToLower(fact)
	for _, kw := range categoryKeywords["preferences"] {
		if strings.Contains(lower, kw) {
			return "preferences"
		}
	}
	for _, kw := range categoryKeywords["context"] {
		if strings.Contains(lower, kw) {
			return "context"
		}
	}
	return "facts"
}

// Store implements the Markdown face of memory_store(fact, tags, category?,
// scope, cwd): it extracts any #hashtags embedded in fact, strips them, and
// appends "- <clean_fact> (YYYY-MM-DD) #tag..." to the tail of the named
// category section in the scope's MEMORY.md, creating the section if
// absent.
func Store(fact string, tags []string, category, scope, cwd string) error {
	clean, embedded := extractHashtags(fact)
	allTags := dedupTags(append(tags, embedded...))

	if category == "" {
		category = detectCategory(clean)
	}

	path, err := memoryFilePath(scope, cwd)
	if err != nil {
		return err
	}

	writeMu.Lock()
	defer writeMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read memory file: %w", err)
	}

	entry := formatEntry(clean, allTags)
	updated := insertIntoSection(ensureTopHeading(string(existing)), category, entry)

	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		return fmt.Errorf("write memory file: %w", err)
	}

	// Global facts also land in the workspace's daily append log; a daily
	// log failure never fails the store itself.
	if scope == "global" {
		if err := appendDaily(filepath.Dir(path), entry); err != nil {
			L_warn("memory: failed to append daily log", "error", err)
		}
	}

	L_debug("memory: stored fact", "scope", scope, "category", category, "tags", allTags)
	return nil
}

func memoryFilePath(scope, cwd string) (string, error) {
	switch scope {
	case "global":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return filepath.Join(home, ".llamar", "workspace", "MEMORY.md"), nil
	case "project":
		return filepath.Join(cwd, ".llamar", "MEMORY.md"), nil
	default:
		return "", fmt.Errorf("invalid scope %q: must be project or global", scope)
	}
}

func extractHashtags(fact string) (clean string, tags []string) {
	matches := hashtagRe.FindAllStringSubmatch(fact, -1)
	for _, m := range matches {
		tags = append(tags, m[1])
	}
	clean = strings.TrimSpace(hashtagRe.ReplaceAllString(fact, ""))
	clean = strings.Join(strings.Fields(clean), " ")
	return clean, tags
}

func dedupTags(tags []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range tags {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func formatEntry(clean string, tags []string) string {
	date := time.Now().Format("2006-01-02")
	entry := fmt.Sprintf("- %s (%s)", clean, date)
	for _, t := range tags {
		entry += " #" + t
	}
	return entry
}

func sectionHeading(category string) string {
	titled := strings.ToUpper(category[:1]) + category[1:]
	return "## " + titled
}

var topHeadingRe = regexp.MustCompile(`(?i)^#\s+memory\s*$`)

// ensureTopHeading seeds the top-level "# Memory" heading when doc has
// none yet — either because the file is being created for the first time
// or because an older file predates this heading.
func ensureTopHeading(doc string) string {
	for _, line := range strings.Split(doc, "\n") {
		if topHeadingRe.MatchString(line) {
			return doc
		}
	}
	if strings.TrimSpace(doc) == "" {
		return "# Memory\n"
	}
	return "# Memory\n\n" + doc
}

// insertIntoSection appends entry to the tail of the named category
// section, creating the section at the end of the document if it does not
// already exist.
func insertIntoSection(doc, category, entry string) string {
	heading := sectionHeading(category)
	lines := strings.Split(doc, "\n")

	headingIdx := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == heading {
			headingIdx = i
			break
		}
	}

	if headingIdx == -1 {
		if strings.TrimSpace(doc) != "" && !strings.HasSuffix(doc, "\n\n") {
			if !strings.HasSuffix(doc, "\n") {
				doc += "\n"
			}
			doc += "\n"
		}
		doc += heading + "\n" + entry + "\n"
		return doc
	}

	insertAt := len(lines)
	for i := headingIdx + 1; i < len(lines); i++ {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), "## ") {
			insertAt = i
			break
		}
	}

	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:insertAt]...)
	out = append(out, entry)
	out = append(out, lines[insertAt:]...)
	return strings.Join(out, "\n")
}
