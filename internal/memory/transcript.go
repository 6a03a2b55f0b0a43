package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// transcriptEntry is the minimal shape read out of a JSONL agent
// transcript line; unrecognized fields are ignored.
type transcriptEntry struct {
	Role    string `json:"role"`
	Type    string `json:"type"`
	Content any    `json:"content"`
	Text    string `json:"text"`
}

// parseTranscriptLines reads a JSONL agent transcript and flattens it into
// "User: …" / "Assistant: …" lines, one per turn, ready for chunking.
func parseTranscriptLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var entry transcriptEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		text := extractText(entry)
		if text == "" {
			continue
		}
		speaker := speakerLabel(entry.Role)
		if speaker == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", speaker, text))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	return lines, nil
}

func speakerLabel(role string) string {
	switch strings.ToLower(role) {
	case "user":
		return "User"
	case "assistant", "model":
		return "Assistant"
	default:
		return ""
	}
}

// extractText pulls a flat string out of an entry's Content, which may be
// a plain string or a list of content blocks with a "text" field.
func extractText(entry transcriptEntry) string {
	if entry.Text != "" {
		return strings.TrimSpace(entry.Text)
	}
	switch v := entry.Content.(type) {
	case string:
		return strings.TrimSpace(v)
	case []any:
		var parts []string
		for _, block := range v {
			m, ok := block.(map[string]any)
			if !ok {
				continue
			}
			if t, ok := m["text"].(string); ok && t != "" {
				parts = append(parts, t)
			}
		}
		return strings.TrimSpace(strings.Join(parts, " "))
	default:
		return ""
	}
}
