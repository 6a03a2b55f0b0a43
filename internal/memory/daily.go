package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	. "github.com/llamar/toolserver/internal/logging"
)

// AppendDailyLog appends one entry line to the workspace's daily append log
// at <workspaceDir>/memory/YYYY-MM-DD.md, seeding a date heading when the
// file is created. Daily logs are append-only; the background indexer picks
// them up for the chunk index like any other Markdown file under memory/.
func AppendDailyLog(workspaceDir, entry string) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	return appendDaily(workspaceDir, entry)
}

// appendDaily is AppendDailyLog without the lock, for callers already
// holding writeMu.
func appendDaily(workspaceDir, entry string) error {
	date := time.Now().Format("2006-01-02")
	dir := filepath.Join(workspaceDir, "memory")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create daily log dir: %w", err)
	}

	path := filepath.Join(dir, date+".md")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open daily log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat daily log: %w", err)
	}
	if info.Size() == 0 {
		if _, err := f.WriteString("# " + date + "\n\n"); err != nil {
			return fmt.Errorf("write daily log heading: %w", err)
		}
	}

	if _, err := f.WriteString(entry + "\n"); err != nil {
		return fmt.Errorf("write daily log entry: %w", err)
	}
	L_trace("memory: appended daily log entry", "path", path)
	return nil
}
