package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	. "github.com/llamar/toolserver/internal/logging"
)

const compactionMarker = "[Compaction Summary]\n\n"

// Session is the in-memory view of one conversation, built from its
// transcript records plus its sessions.json index entry.
type Session struct {
	ID              string
	Key             string
	CWD             string
	Provider        string
	Model           string
	Messages        []*MessageRecord
	CompactionCount int
	TotalTokens     int
}

// Store ties together the JSONL reader/writer and the agent's sessions
// directory.
type Store struct {
	dir    string
	reader *JSONLReader
	writer *JSONLWriter

	// onTranscriptAppend, if set, runs after every successful transcript
	// write with the transcript's file path.
	onTranscriptAppend func(sessionFile string)
}

// OnTranscriptAppend registers fn to run after every successful transcript
// append, e.g. to keep a search index in step with the conversation. Must
// be called before the store starts serving requests.
func (s *Store) OnTranscriptAppend(fn func(sessionFile string)) {
	s.onTranscriptAppend = fn
}

func (s *Store) notifyAppend(sessionFile string) {
	if s.onTranscriptAppend != nil {
		s.onTranscriptAppend(sessionFile)
	}
}

// NewStore opens (without creating) the session store rooted at
// ~/.llamar/agents/{agentID}/sessions.
func NewStore(agentsRoot, agentID string) *Store {
	dir := filepath.Join(agentsRoot, agentID, "sessions")
	return &Store{
		dir:    dir,
		reader: NewJSONLReader(dir),
		writer: NewJSONLWriter(dir),
	}
}

// Dir returns the sessions directory this store is rooted at, for
// wiring into components that write alongside it (e.g. trace files).
func (s *Store) Dir() string { return s.dir }

// GenerateMessageID creates a unique record id with a timestamp prefix.
func GenerateMessageID() string {
	return GenerateRecordID()
}

// New implements new(provider, model, cwd, agent_id): mints an id, writes
// the transcript header (only if the file doesn't already exist), and
// upserts the sessions.json entry.
func (s *Store) New(key, provider, model, cwd string) (*Session, error) {
	if err := s.writer.EnsureSessionsDir(); err != nil {
		return nil, err
	}

	entry, _, err := s.withIndexLock(func(index SessionIndex) (*SessionIndexEntry, string, error) {
		if existing, ok := index[key]; ok {
			return existing, existing.SessionFile, nil
		}
		sessionID := uuid.New().String()
		filename := fmt.Sprintf("%s.jsonl", sessionID)
		sessionFile := filepath.Join(s.dir, filename)

		if _, err := os.Stat(sessionFile); os.IsNotExist(err) {
			if _, err := s.writer.CreateSessionFile(sessionID, cwd); err != nil {
				return nil, "", err
			}
		}

		entry := &SessionIndexEntry{
			SessionID:   sessionID,
			SessionFile: sessionFile,
			UpdatedAt:   time.Now().UnixMilli(),
		}
		index[key] = entry
		return entry, sessionFile, nil
	})
	if err != nil {
		return nil, err
	}

	L_info("session: created", "key", key, "sessionId", entry.SessionID, "provider", provider, "model", model)

	return &Session{
		ID:       entry.SessionID,
		Key:      key,
		CWD:      cwd,
		Provider: provider,
		Model:    model,
	}, nil
}

// Save implements save(session, agent_id): upserts token counters,
// compaction counts, model identity, and updatedAt.
func (s *Store) Save(key string, sess *Session) error {
	_, _, err := s.withIndexLock(func(index SessionIndex) (*SessionIndexEntry, string, error) {
		entry, ok := index[key]
		if !ok {
			return nil, "", fmt.Errorf("%w: %s", ErrSessionNotFound, key)
		}
		entry.CompactionCount = sess.CompactionCount
		entry.TotalTokens = sess.TotalTokens
		entry.Provider = sess.Provider
		entry.Model = sess.Model
		entry.UpdatedAt = time.Now().UnixMilli()
		index[key] = entry
		return entry, entry.SessionFile, nil
	})
	return err
}

// Load implements load(sessionKey, agent_id, from_compaction): reads the
// store entry, then reads the transcript. When fromCompaction is true,
// messages before the most recent compaction marker are dropped.
func (s *Store) Load(key string, fromCompaction bool) (*Session, error) {
	entry, err := s.reader.GetSessionEntry(key)
	if err != nil {
		return nil, err
	}

	records, err := s.reader.ParseJSONLFile(entry.SessionFile)
	if err != nil {
		return nil, err
	}

	sess, lastMarker := buildSession(entry, records)
	sess.Key = key

	if fromCompaction && lastMarker >= 0 {
		sess.Messages = sess.Messages[lastMarker+1:]
	} else if !fromCompaction && lastMarker >= 0 {
		L_debug("session: compaction marker present but from_compaction not requested", "key", key)
	}

	return sess, nil
}

func buildSession(entry *SessionIndexEntry, records []Record) (*Session, int) {
	sess := &Session{
		ID:              entry.SessionID,
		CompactionCount: entry.CompactionCount,
		TotalTokens:     entry.TotalTokens,
	}

	lastMarker := -1
	for _, r := range records {
		switch rec := r.(type) {
		case *SessionRecord:
			sess.CWD = rec.CWD
		case *MessageRecord:
			sess.Messages = append(sess.Messages, rec)
			if rec.Message.Role == "assistant" && len(rec.Message.Content) > 0 {
				for _, c := range rec.Message.Content {
					if c.Type == "text" && len(c.Text) >= len(compactionMarker) && c.Text[:len(compactionMarker)] == compactionMarker {
						lastMarker = len(sess.Messages) - 1
					}
				}
			}
			if rec.Message.Provider != "" {
				sess.Provider = rec.Message.Provider
			}
			if rec.Message.Model != "" {
				sess.Model = rec.Message.Model
			}
		}
	}

	return sess, lastMarker
}

// SessionSummary is one row returned by List.
type SessionSummary struct {
	Key             string
	SessionID       string
	UpdatedAt       int64
	MessageCount    int
	CompactionCount int
}

// List implements list(agent_id, n): up to n entries sorted by updatedAt
// descending, each augmented with its current on-disk message count.
func (s *Store) List(n int) ([]SessionSummary, error) {
	index, err := s.reader.ReadIndex()
	if err != nil {
		return nil, err
	}

	var summaries []SessionSummary
	for key, entry := range index {
		count := 0
		if records, err := s.reader.ParseJSONLFile(entry.SessionFile); err == nil {
			for _, r := range records {
				if r.GetType() == RecordTypeMessage {
					count++
				}
			}
		}
		summaries = append(summaries, SessionSummary{
			Key:             key,
			SessionID:       entry.SessionID,
			UpdatedAt:       entry.UpdatedAt,
			MessageCount:    count,
			CompactionCount: entry.CompactionCount,
		})
	}

	sortSummariesByUpdatedAtDesc(summaries)
	if n > 0 && len(summaries) > n {
		summaries = summaries[:n]
	}
	return summaries, nil
}

func sortSummariesByUpdatedAtDesc(s []SessionSummary) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1].UpdatedAt < s[j].UpdatedAt; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// AddMessage implements add_message(session, role, content): in-memory
// only, the caller is responsible for persisting via TranscriptAppend.
func (sess *Session) AddMessage(role string, content []MessageContent) *MessageRecord {
	record := &MessageRecord{
		BaseRecord: BaseRecord{
			Type:      RecordTypeMessage,
			ID:        GenerateMessageID(),
			Timestamp: time.Now(),
		},
		Message: MessageData{
			Role:      role,
			Content:   content,
			Timestamp: time.Now().UnixMilli(),
		},
	}
	sess.Messages = append(sess.Messages, record)
	return record
}

// TranscriptAppend implements transcript_append(session, role, content, …):
// persists one JSON object to the transcript file.
func (s *Store) TranscriptAppend(sessionFile string, msg *MessageData) (*MessageRecord, error) {
	record, err := s.writer.WriteMessageRecord(sessionFile, nil, msg)
	if err != nil {
		return nil, err
	}
	s.notifyAppend(sessionFile)
	return record, nil
}

// TranscriptCompact implements transcript_compact(session, summary):
// appends an assistant message beginning with the compaction marker.
func (s *Store) TranscriptCompact(sessionFile, summary string, tokensBefore int) error {
	text := compactionMarker + summary
	msg := &MessageData{
		Role:      "assistant",
		Content:   []MessageContent{{Type: "text", Text: text}},
		Timestamp: time.Now().UnixMilli(),
	}
	if _, err := s.writer.WriteMessageRecord(sessionFile, nil, msg); err != nil {
		return err
	}

	compaction := &CompactionRecord{
		Summary:      summary,
		TokensBefore: tokensBefore,
	}
	if err := s.writer.WriteCompactionRecord(sessionFile, nil, compaction); err != nil {
		return err
	}
	s.notifyAppend(sessionFile)
	return nil
}

// MainKey returns the session key for a top-level conversation.
func MainKey(id string) string { return "llamar:" + id }

// SubagentKey returns the session key a spawned subagent's record is
// stored under.
func SubagentKey(id string) string { return "agent:main:subagent:" + id }

// UpsertSubagent records (or updates) a subagent's lifecycle metadata under
// key, creating a bare index entry when none exists yet — a subagent's
// record can precede its first transcript line.
func (s *Store) UpsertSubagent(key string, meta *SubagentMeta) error {
	if err := s.writer.EnsureSessionsDir(); err != nil {
		return err
	}
	_, _, err := s.withIndexLock(func(index SessionIndex) (*SessionIndexEntry, string, error) {
		entry, ok := index[key]
		if !ok {
			entry = &SessionIndexEntry{SessionID: meta.ID}
			index[key] = entry
		}
		entry.Subagent = meta
		entry.UpdatedAt = time.Now().UnixMilli()
		return entry, entry.SessionFile, nil
	})
	return err
}

// withIndexLock performs a read-modify-write against sessions.json under an
// exclusive cross-process lock (see lock.go), mutating the in-memory index
// via fn and persisting the result atomically.
func (s *Store) withIndexLock(fn func(index SessionIndex) (*SessionIndexEntry, string, error)) (*SessionIndexEntry, string, error) {
	unlock, err := acquireLock(filepath.Join(s.dir, "sessions.json.lock"))
	if err != nil {
		return nil, "", fmt.Errorf("acquire session index lock: %w", err)
	}
	defer unlock()

	index, err := s.writer.ReadIndex()
	if err != nil {
		return nil, "", err
	}

	entry, file, err := fn(index)
	if err != nil {
		return nil, "", err
	}

	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("marshal session index: %w", err)
	}

	indexPath := filepath.Join(s.dir, "sessions.json")
	if err := atomicWriteFile(indexPath, data, 0o600); err != nil {
		return nil, "", fmt.Errorf("write session index: %w", err)
	}

	return entry, file, nil
}

func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".sessions-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
