package memory

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseTranscriptLinesFlattensRoles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	data := strings.Join([]string{
		`{"role":"user","text":"hello there"}`,
		`{"role":"assistant","text":"hi, how can I help?"}`,
		`{"role":"system","text":"ignored"}`,
		``,
		`not json, should be skipped`,
	}, "\n")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	lines, err := parseTranscriptLines(path)
	if err != nil {
		t.Fatalf("parseTranscriptLines: %v", err)
	}
	want := []string{"User: hello there", "Assistant: hi, how can I help?"}
	if len(lines) != len(want) {
		t.Fatalf("lines = %v, want %v", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("lines[%d] = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestParseTranscriptLinesContentBlocks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	data := `{"role":"assistant","content":[{"type":"text","text":"part one"},{"type":"text","text":"part two"}]}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	lines, err := parseTranscriptLines(path)
	if err != nil {
		t.Fatalf("parseTranscriptLines: %v", err)
	}
	if len(lines) != 1 || lines[0] != "Assistant: part one part two" {
		t.Fatalf("lines = %v", lines)
	}
}

func TestParseTranscriptLinesEmptyTextSkipped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	data := `{"role":"user","text":""}` + "\n" + `{"role":"model","text":"model reply"}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	lines, err := parseTranscriptLines(path)
	if err != nil {
		t.Fatalf("parseTranscriptLines: %v", err)
	}
	if len(lines) != 1 || lines[0] != "Assistant: model reply" {
		t.Fatalf("lines = %v, want just the model turn labeled Assistant", lines)
	}
}

func TestIndexClaudeSessionChunksTranscript(t *testing.T) {
	idx, dir := newTestIndexer(t)
	path := filepath.Join(dir, "transcript.jsonl")
	data := strings.Join([]string{
		`{"role":"user","text":"what is the capital of narnia"}`,
		`{"role":"assistant","text":"narnia has no capital, it is a fictional land"}`,
	}, "\n")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	n, err := idx.IndexClaudeSession(path)
	if err != nil {
		t.Fatalf("IndexClaudeSession: %v", err)
	}
	if n <= 0 {
		t.Fatalf("expected positive chunk count, got %d", n)
	}

	results, err := SearchFTS(idx.db, "narnia", 10, "session")
	if err != nil {
		t.Fatalf("SearchFTS: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected the transcript content to be searchable")
	}
}

func TestIndexClaudeSessionNoOpOnUnchanged(t *testing.T) {
	idx, dir := newTestIndexer(t)
	path := filepath.Join(dir, "transcript.jsonl")
	if err := os.WriteFile(path, []byte(`{"role":"user","text":"hello"}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := idx.IndexClaudeSession(path); err != nil {
		t.Fatalf("IndexClaudeSession (1st): %v", err)
	}
	n, err := idx.IndexClaudeSession(path)
	if err != nil {
		t.Fatalf("IndexClaudeSession (2nd): %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no-op on unchanged transcript, got %d", n)
	}
}
