package memory

import (
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	. "github.com/llamar/toolserver/internal/logging"
)

const debounceDelay = 1500 * time.Millisecond

// Indexer keeps the SQLite chunk index (see schema.go) in sync with
// MEMORY.md, the memory/ directory, and any configured extra paths. It
// watches for filesystem changes via fsnotify and debounces bursts of
// writes before re-indexing via IndexFile.
type Indexer struct {
	db           *sql.DB
	workspaceDir string
	extraPaths   []string

	watcher      *fsnotify.Watcher
	dirty        atomic.Bool
	syncing      atomic.Bool
	forceReindex atomic.Bool
	stopChan     chan struct{}
	syncChan     chan struct{}
	wg           sync.WaitGroup
	mu           sync.RWMutex

	lastSync     time.Time
	filesIndexed int
	chunksTotal  int
}

// NewIndexer creates an indexer bound to db for the given workspace.
func NewIndexer(db *sql.DB, workspaceDir string, extraPaths []string) *Indexer {
	return &Indexer{
		db:           db,
		workspaceDir: workspaceDir,
		extraPaths:   extraPaths,
		stopChan:     make(chan struct{}),
		syncChan:     make(chan struct{}, 1),
	}
}

// Start begins the background indexer goroutine and file watcher.
func (idx *Indexer) Start() error {
	L_info("memory: starting indexer", "workspace", idx.workspaceDir)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	idx.watcher = watcher

	memoryDir := filepath.Join(idx.workspaceDir, "memory")
	if err := idx.watchDir(memoryDir); err != nil {
		L_debug("memory: memory dir not found, will create on first write", "path", memoryDir)
	}

	memoryFile := filepath.Join(idx.workspaceDir, "MEMORY.md")
	if _, err := os.Stat(memoryFile); err == nil {
		if err := watcher.Add(memoryFile); err != nil {
			L_warn("memory: failed to watch MEMORY.md", "error", err)
		} else {
			L_debug("memory: watching MEMORY.md", "path", memoryFile)
		}
	}

	for _, path := range idx.extraPaths {
		absPath := path
		if !filepath.IsAbs(path) {
			absPath = filepath.Join(idx.workspaceDir, path)
		}
		if err := idx.watchDir(absPath); err != nil {
			L_warn("memory: failed to watch extra path", "path", absPath, "error", err)
		}
	}

	idx.dirty.Store(true)

	idx.wg.Add(1)
	go idx.loop()

	return nil
}

func (idx *Indexer) watchDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("not a directory: %s", dir)
	}
	if err := idx.watcher.Add(dir); err != nil {
		return err
	}
	L_debug("memory: watching directory", "path", dir)
	return nil
}

// Stop stops the indexer goroutine and releases the watcher.
func (idx *Indexer) Stop() {
	L_info("memory: stopping indexer")
	close(idx.stopChan)
	if idx.watcher != nil {
		idx.watcher.Close()
	}
	idx.wg.Wait()
	L_debug("memory: indexer stopped")
}

// TriggerSync requests a sync without blocking the caller.
func (idx *Indexer) TriggerSync() {
	select {
	case idx.syncChan <- struct{}{}:
		L_trace("memory: sync triggered")
	default:
	}
}

// MarkDirty forces every file to be re-examined on the next sync.
func (idx *Indexer) MarkDirty() {
	idx.dirty.Store(true)
	idx.forceReindex.Store(true)
}

func (idx *Indexer) IsDirty() bool   { return idx.dirty.Load() }
func (idx *Indexer) IsSyncing() bool { return idx.syncing.Load() }

func (idx *Indexer) loop() {
	defer idx.wg.Done()

	debounceTimer := time.NewTimer(0)
	if !debounceTimer.Stop() {
		<-debounceTimer.C
	}
	debounceTimer.Reset(500 * time.Millisecond)

	for {
		select {
		case <-idx.stopChan:
			L_debug("memory: indexer received stop signal")
			return

		case event, ok := <-idx.watcher.Events:
			if !ok {
				return
			}
			if idx.isMemoryFile(event.Name) {
				L_trace("memory: file changed", "path", event.Name, "op", event.Op.String())
				idx.dirty.Store(true)
				debounceTimer.Reset(debounceDelay)
			}

		case err, ok := <-idx.watcher.Errors:
			if !ok {
				return
			}
			L_warn("memory: watcher error", "error", err)

		case <-debounceTimer.C:
			if idx.dirty.Load() {
				idx.runSync()
			}

		case <-idx.syncChan:
			if idx.dirty.Load() || idx.filesIndexed == 0 {
				idx.runSync()
			}
		}
	}
}

func (idx *Indexer) isMemoryFile(path string) bool {
	if !strings.HasSuffix(strings.ToLower(path), ".md") {
		return false
	}
	memoryDir := filepath.Join(idx.workspaceDir, "memory")
	if strings.HasPrefix(path, memoryDir) {
		return true
	}
	memoryFile := filepath.Join(idx.workspaceDir, "MEMORY.md")
	if path == memoryFile {
		return true
	}
	for _, extra := range idx.extraPaths {
		absExtra := extra
		if !filepath.IsAbs(extra) {
			absExtra = filepath.Join(idx.workspaceDir, extra)
		}
		if strings.HasPrefix(path, absExtra) {
			return true
		}
	}
	return false
}

// runSync re-indexes every changed file under the watched workspace and
// drops stale entries. Unchanged paths are a no-op: IndexFile compares the
// stored hash before touching chunks.
func (idx *Indexer) runSync() {
	if idx.syncing.Load() {
		L_trace("memory: sync already in progress")
		return
	}
	idx.syncing.Store(true)
	defer idx.syncing.Store(false)

	start := time.Now()
	L_debug("memory: starting sync")

	files, err := idx.listMemoryFiles()
	if err != nil {
		L_error("memory: failed to list memory files", "error", err)
		return
	}

	filesProcessed := 0
	for _, file := range files {
		n, err := idx.IndexFile(file, "memory")
		if err != nil {
			L_warn("memory: failed to index file", "path", file, "error", err)
			continue
		}
		if n > 0 {
			filesProcessed++
		}
	}

	idx.removeStaleFiles(files)

	idx.dirty.Store(false)
	idx.forceReindex.Store(false)
	idx.lastSync = time.Now()

	idx.mu.Lock()
	idx.filesIndexed = len(files)
	idx.db.QueryRow("SELECT COUNT(*) FROM chunks").Scan(&idx.chunksTotal)
	idx.mu.Unlock()

	L_info("memory: sync completed",
		"filesProcessed", filesProcessed,
		"totalFiles", len(files),
		"totalChunks", idx.chunksTotal,
		"elapsed", time.Since(start).String(),
	)
}

func (idx *Indexer) listMemoryFiles() ([]string, error) {
	var files []string

	memoryFile := filepath.Join(idx.workspaceDir, "MEMORY.md")
	if _, err := os.Stat(memoryFile); err == nil {
		files = append(files, memoryFile)
	}

	memoryDir := filepath.Join(idx.workspaceDir, "memory")
	walkMarkdown(memoryDir, &files)

	for _, extra := range idx.extraPaths {
		absExtra := extra
		if !filepath.IsAbs(extra) {
			absExtra = filepath.Join(idx.workspaceDir, extra)
		}
		info, err := os.Stat(absExtra)
		if err != nil {
			continue
		}
		if info.IsDir() {
			walkMarkdown(absExtra, &files)
		} else if strings.HasSuffix(strings.ToLower(absExtra), ".md") {
			files = append(files, absExtra)
		}
	}

	return files, nil
}

func walkMarkdown(dir string, out *[]string) {
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.HasSuffix(strings.ToLower(path), ".md") {
			*out = append(*out, path)
		}
		return nil
	})
}

// IndexFile implements index_file(path, source): if path is unchanged
// relative to the stored (mtime, size, hash), it is a no-op returning 0.
// Otherwise every existing chunk for path is deleted, the file is
// re-chunked with ChunkLines(50, 10), the chunks are inserted under
// deterministic ids, and the files row is upserted — an atomic
// set-replacement per path. Returns the number of chunks written.
func (idx *Indexer) IndexFile(path, source string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read file: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat file: %w", err)
	}

	hash := Hash(string(content))
	relPath := idx.relativize(path)

	var existingHash string
	var existingMtime int64
	var existingSize int64
	err = idx.db.QueryRow("SELECT hash, mtime, size FROM files WHERE path = ?", relPath).
		Scan(&existingHash, &existingMtime, &existingSize)
	unchanged := err == nil &&
		existingHash == hash &&
		existingMtime == info.ModTime().UnixMilli() &&
		existingSize == info.Size() &&
		!idx.forceReindex.Load()
	if unchanged {
		L_trace("memory: file unchanged", "path", relPath)
		return 0, nil
	}

	lines := strings.Split(string(content), "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	chunks := ChunkLines(lines, 50, 10)

	n, err := idx.replaceChunks(relPath, source, chunks, hash, info.ModTime().UnixMilli(), info.Size())
	if err != nil {
		return 0, err
	}
	L_debug("memory: file indexed", "path", relPath, "chunks", n)
	return n, nil
}

// IndexClaudeSession implements index_claude_session(path): it parses a
// JSONL agent transcript into alternating "User: …" / "Assistant: …" lines
// before chunking with a smaller window (size 30, overlap 5). Source is
// recorded as "session".
func (idx *Indexer) IndexClaudeSession(path string) (int, error) {
	lines, err := parseTranscriptLines(path)
	if err != nil {
		return 0, err
	}
	content := strings.Join(lines, "\n")
	hash := Hash(content)
	relPath := idx.relativize(path)

	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat file: %w", err)
	}

	var existingHash string
	err = idx.db.QueryRow("SELECT hash FROM files WHERE path = ?", relPath).Scan(&existingHash)
	if err == nil && existingHash == hash && !idx.forceReindex.Load() {
		return 0, nil
	}

	chunks := ChunkLines(lines, 30, 5)
	return idx.replaceChunks(relPath, "session", chunks, hash, info.ModTime().UnixMilli(), info.Size())
}

// replaceChunks deletes every existing chunk for path and inserts the new
// set plus the files row, all within one transaction.
func (idx *Indexer) replaceChunks(relPath, source string, chunks []Chunk, hash string, mtime, size int64) (int, error) {
	tx, err := idx.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM chunks WHERE path = ?", relPath); err != nil {
		return 0, fmt.Errorf("delete existing chunks: %w", err)
	}

	now := time.Now().UnixMilli()
	base := filepath.Base(relPath)
	for _, chunk := range chunks {
		chunkID := fmt.Sprintf("%s:%d-%d", base, chunk.StartLine, chunk.EndLine)
		chunkHash := Hash(chunk.Text)
		if _, err := tx.Exec(`
			INSERT INTO chunks (id, path, source, start_line, end_line, hash, text, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				hash=excluded.hash, text=excluded.text, updated_at=excluded.updated_at
		`, chunkID, relPath, source, chunk.StartLine, chunk.EndLine, chunkHash, chunk.Text, now); err != nil {
			return 0, fmt.Errorf("insert chunk: %w", err)
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO files (path, source, hash, mtime, size, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			hash=excluded.hash, mtime=excluded.mtime, size=excluded.size, indexed_at=excluded.indexed_at
	`, relPath, source, hash, mtime, size, now); err != nil {
		return 0, fmt.Errorf("update file record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(chunks), nil
}

func (idx *Indexer) relativize(path string) string {
	if strings.HasPrefix(path, idx.workspaceDir) {
		if rel, err := filepath.Rel(idx.workspaceDir, path); err == nil {
			return rel
		}
	}
	return path
}

func (idx *Indexer) removeStaleFiles(currentFiles []string) {
	currentSet := make(map[string]bool)
	for _, f := range currentFiles {
		currentSet[idx.relativize(f)] = true
	}

	rows, err := idx.db.Query("SELECT path FROM files WHERE source = 'memory'")
	if err != nil {
		L_warn("memory: failed to query files for cleanup", "error", err)
		return
	}
	defer rows.Close()

	var stale []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			continue
		}
		if !currentSet[path] {
			stale = append(stale, path)
		}
	}
	if err := rows.Err(); err != nil {
		L_warn("memory: row iteration error during cleanup", "error", err)
		return
	}

	for _, path := range stale {
		L_debug("memory: removing stale file from index", "path", path)
		idx.db.Exec("DELETE FROM chunks WHERE path = ?", path)
		idx.db.Exec("DELETE FROM files WHERE path = ?", path)
	}
}

// Rebuild drops every indexed row and forces a full re-index on the next
// sync, for recovering from a chunk DB whose schema or contents have
// drifted from the source files.
func (idx *Indexer) Rebuild() error {
	if err := clearAllData(idx.db); err != nil {
		return err
	}
	idx.MarkDirty()
	idx.TriggerSync()
	return nil
}

// Stats returns current indexer statistics.
func (idx *Indexer) Stats() (files int, chunks int, lastSync time.Time) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.filesIndexed, idx.chunksTotal, idx.lastSync
}
