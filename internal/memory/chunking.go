package memory

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
)

// Chunk is one piece produced by a chunking function, with the line range
// (1-indexed, inclusive) it covers in the source text when known.
type Chunk struct {
	Text      string
	StartLine int
	EndLine   int
}

// Hash returns the MD5 hex digest of text, used for cheap change detection
// across the memory index — not a security primitive.
func Hash(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

// ChunkText splits text into pieces each at most limit characters, scanning
// right-to-left within the window for a break point: newline first, then any
// whitespace, then a hard cut at limit. Each returned chunk has its
// leading/trailing whitespace trimmed. Empty input yields an empty slice;
// input no longer than limit yields exactly one chunk.
func ChunkText(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 {
		limit = 1
	}
	if len(text) <= limit {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil
		}
		return []string{trimmed}
	}

	var chunks []string
	remaining := text
	for len(remaining) > limit {
		window := remaining[:limit]
		cut := breakPoint(window)
		piece := strings.TrimSpace(remaining[:cut])
		if piece != "" {
			chunks = append(chunks, piece)
		}
		remaining = remaining[cut:]
	}
	if tail := strings.TrimSpace(remaining); tail != "" {
		chunks = append(chunks, tail)
	}
	return chunks
}

// breakPoint scans window right-to-left for the best split offset: a
// newline, then any whitespace, then a hard cut at len(window).
func breakPoint(window string) int {
	if idx := strings.LastIndexByte(window, '\n'); idx > 0 {
		return idx + 1
	}
	for i := len(window) - 1; i > 0; i-- {
		if window[i] == ' ' || window[i] == '\t' {
			return i + 1
		}
	}
	return len(window)
}

// ChunkByParagraph normalizes line endings, splits text on blank lines, and
// greedily packs consecutive paragraphs (joined by "\n\n") until adding the
// next one would exceed limit. Paragraphs longer than limit on their own are
// delegated to ChunkText.
func ChunkByParagraph(text string, limit int) []string {
	normalized := strings.ReplaceAll(text, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")

	paragraphs := splitParagraphs(normalized)
	if len(paragraphs) == 0 {
		return nil
	}

	var chunks []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}

	for _, p := range paragraphs {
		if len(p) > limit {
			flush()
			chunks = append(chunks, ChunkText(p, limit)...)
			continue
		}
		candidateLen := len(p)
		if current.Len() > 0 {
			candidateLen += current.Len() + len("\n\n")
		}
		if current.Len() > 0 && candidateLen > limit {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(p)
	}
	flush()

	return chunks
}

func splitParagraphs(text string) []string {
	raw := strings.Split(text, "\n\n")
	var paragraphs []string
	for _, p := range raw {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			paragraphs = append(paragraphs, trimmed)
		}
	}
	return paragraphs
}

// ChunkLines produces overlapping windows over lines: chunk i covers
// [start, start+size), and chunk i+1 starts overlap lines before chunk i's
// end, i.e. chunks[i].end - chunks[i+1].start + 1 == overlap.
func ChunkLines(lines []string, size, overlap int) []Chunk {
	if len(lines) == 0 {
		return nil
	}
	if size <= 0 {
		size = 50
	}
	if overlap < 0 || overlap >= size {
		overlap = 10
	}

	var chunks []Chunk
	start := 0
	for start < len(lines) {
		end := start + size
		if end > len(lines) {
			end = len(lines)
		}
		chunks = append(chunks, Chunk{
			Text:      strings.Join(lines[start:end], "\n"),
			StartLine: start + 1,
			EndLine:   end,
		})
		if end == len(lines) {
			break
		}
		start = end - overlap
	}
	return chunks
}
