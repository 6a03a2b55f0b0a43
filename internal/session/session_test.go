package session

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	return NewStore(root, "agent-1")
}

// TestSessionRoundTrip is end-to-end scenario S5: create a session, append a
// user and an assistant message, reload, and expect 2 messages with the
// correct roles and text.
func TestSessionRoundTrip(t *testing.T) {
	store := newTestStore(t)

	sess, err := store.New("conv-1", "anthropic", "claude", "/workspace")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	entry, err := store.reader.GetSessionEntry("conv-1")
	if err != nil {
		t.Fatalf("GetSessionEntry: %v", err)
	}

	userMsg := &MessageData{Role: "user", Content: []MessageContent{{Type: "text", Text: "hello"}}}
	if _, err := store.TranscriptAppend(entry.SessionFile, userMsg); err != nil {
		t.Fatalf("TranscriptAppend (user): %v", err)
	}
	assistantMsg := &MessageData{Role: "assistant", Content: []MessageContent{{Type: "text", Text: "hi there"}}}
	if _, err := store.TranscriptAppend(entry.SessionFile, assistantMsg); err != nil {
		t.Fatalf("TranscriptAppend (assistant): %v", err)
	}

	loaded, err := store.Load("conv-1", false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ID != sess.ID {
		t.Fatalf("loaded id = %q, want %q", loaded.ID, sess.ID)
	}
	if len(loaded.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(loaded.Messages))
	}
	if loaded.Messages[0].Message.Role != "user" || loaded.Messages[0].Message.Content[0].Text != "hello" {
		t.Fatalf("first message = %+v", loaded.Messages[0].Message)
	}
	if loaded.Messages[1].Message.Role != "assistant" || loaded.Messages[1].Message.Content[0].Text != "hi there" {
		t.Fatalf("second message = %+v", loaded.Messages[1].Message)
	}
}

func TestNewIsIdempotentPerKey(t *testing.T) {
	store := newTestStore(t)

	first, err := store.New("conv-1", "anthropic", "claude", "/workspace")
	if err != nil {
		t.Fatalf("New (1st): %v", err)
	}
	second, err := store.New("conv-1", "anthropic", "claude", "/workspace")
	if err != nil {
		t.Fatalf("New (2nd): %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected New to be idempotent for the same key, got %q and %q", first.ID, second.ID)
	}
}

func TestSaveUpdatesCountersAndRejectsUnknownKey(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.New("conv-1", "anthropic", "claude", "/workspace")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess.TotalTokens = 500
	sess.CompactionCount = 2
	if err := store.Save("conv-1", sess); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load("conv-1", false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.TotalTokens != 500 || loaded.CompactionCount != 2 {
		t.Fatalf("loaded = %+v, want TotalTokens=500 CompactionCount=2", loaded)
	}

	if err := store.Save("never-created", &Session{}); err == nil {
		t.Fatal("expected Save against an unknown key to fail")
	}
}

// TestTranscriptCompactionFilter covers from_compaction: messages before the
// most recent compaction marker are dropped only when requested.
func TestTranscriptCompactionFilter(t *testing.T) {
	store := newTestStore(t)
	_, err := store.New("conv-1", "anthropic", "claude", "/workspace")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	entry, err := store.reader.GetSessionEntry("conv-1")
	if err != nil {
		t.Fatalf("GetSessionEntry: %v", err)
	}

	old := &MessageData{Role: "user", Content: []MessageContent{{Type: "text", Text: "old message"}}}
	if _, err := store.TranscriptAppend(entry.SessionFile, old); err != nil {
		t.Fatalf("TranscriptAppend: %v", err)
	}
	if err := store.TranscriptCompact(entry.SessionFile, "summary of the above", 100); err != nil {
		t.Fatalf("TranscriptCompact: %v", err)
	}
	fresh := &MessageData{Role: "user", Content: []MessageContent{{Type: "text", Text: "new message"}}}
	if _, err := store.TranscriptAppend(entry.SessionFile, fresh); err != nil {
		t.Fatalf("TranscriptAppend: %v", err)
	}

	full, err := store.Load("conv-1", false)
	if err != nil {
		t.Fatalf("Load(false): %v", err)
	}
	if len(full.Messages) != 3 {
		t.Fatalf("expected 3 messages without filtering, got %d", len(full.Messages))
	}

	filtered, err := store.Load("conv-1", true)
	if err != nil {
		t.Fatalf("Load(true): %v", err)
	}
	if len(filtered.Messages) != 1 {
		t.Fatalf("expected 1 message after the compaction marker, got %d", len(filtered.Messages))
	}
	if filtered.Messages[0].Message.Content[0].Text != "new message" {
		t.Fatalf("unexpected surviving message: %+v", filtered.Messages[0].Message)
	}
}

func TestLoadUnknownKeyFails(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Load("does-not-exist", false); err == nil {
		t.Fatal("expected Load on an unknown key to fail")
	}
}

func TestListSortsByUpdatedAtDescending(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.New("first", "anthropic", "claude", "/workspace"); err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := store.New("second", "anthropic", "claude", "/workspace"); err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, _, err := store.withIndexLock(func(index SessionIndex) (*SessionIndexEntry, string, error) {
		e := index["second"]
		e.UpdatedAt += 1000
		index["second"] = e
		return e, e.SessionFile, nil
	}); err != nil {
		t.Fatalf("withIndexLock: %v", err)
	}

	summaries, err := store.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(summaries))
	}
	if summaries[0].Key != "second" {
		t.Fatalf("expected most recently updated session first, got %q", summaries[0].Key)
	}
}

// TestTranscriptAppendFiresHook covers the index-keeping hook: every
// successful transcript write reports the transcript path once.
func TestTranscriptAppendFiresHook(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.New("conv-1", "anthropic", "claude", "/workspace"); err != nil {
		t.Fatalf("New: %v", err)
	}
	entry, err := store.reader.GetSessionEntry("conv-1")
	if err != nil {
		t.Fatalf("GetSessionEntry: %v", err)
	}

	var got []string
	store.OnTranscriptAppend(func(sessionFile string) { got = append(got, sessionFile) })

	msg := &MessageData{Role: "user", Content: []MessageContent{{Type: "text", Text: "hello"}}}
	if _, err := store.TranscriptAppend(entry.SessionFile, msg); err != nil {
		t.Fatalf("TranscriptAppend: %v", err)
	}
	if len(got) != 1 || got[0] != entry.SessionFile {
		t.Fatalf("hook calls = %v, want one call with %q", got, entry.SessionFile)
	}

	if err := store.TranscriptCompact(entry.SessionFile, "summary", 10); err != nil {
		t.Fatalf("TranscriptCompact: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected the compaction write to fire the hook too, got %d calls", len(got))
	}
}

func TestKeyHelpers(t *testing.T) {
	if got := MainKey("abc"); got != "llamar:abc" {
		t.Fatalf("MainKey = %q", got)
	}
	if got := SubagentKey("abc"); got != "agent:main:subagent:abc" {
		t.Fatalf("SubagentKey = %q", got)
	}
}

func TestUpsertSubagentCreatesAndUpdatesEntry(t *testing.T) {
	store := newTestStore(t)

	meta := &SubagentMeta{ID: "sub-1", Port: 9101, Task: "summarize", Status: "starting"}
	if err := store.UpsertSubagent(SubagentKey("sub-1"), meta); err != nil {
		t.Fatalf("UpsertSubagent (create): %v", err)
	}

	meta.Status = "running"
	if err := store.UpsertSubagent(SubagentKey("sub-1"), meta); err != nil {
		t.Fatalf("UpsertSubagent (update): %v", err)
	}

	index, err := store.reader.ReadIndex()
	if err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}
	entry, ok := index[SubagentKey("sub-1")]
	if !ok {
		t.Fatal("expected a sessions.json entry for the subagent key")
	}
	if entry.Subagent == nil || entry.Subagent.Status != "running" {
		t.Fatalf("entry.Subagent = %+v, want status running", entry.Subagent)
	}
	if entry.Subagent.Port != 9101 {
		t.Fatalf("port = %d", entry.Subagent.Port)
	}
}

func TestDirReturnsSessionsDirectory(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root, "agent-1")
	want := filepath.Join(root, "agent-1", "sessions")
	if store.Dir() != want {
		t.Fatalf("Dir() = %q, want %q", store.Dir(), want)
	}
}
