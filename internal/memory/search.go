package memory

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// MarkdownHit is one match from Search, the regex-based Markdown-face
// counterpart to SearchFTS.
type MarkdownHit struct {
	Text    string
	Tags    []string
	Date    string
	Section string
	Scope   string
	Line    int
	Raw     string
}

var entryRe = regexp.MustCompile(`^- (.+?) \((\d{4}-\d{2}-\d{2})\)(.*)$`)

// Search implements search(query, scope): scans the scope's MEMORY.md line
// by line, matching a case-insensitive regex against each entry line.
func Search(query, scope, cwd string) ([]MarkdownHit, error) {
	path, err := memoryFilePath(scope, cwd)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read memory file: %w", err)
	}

	re, err := regexp.Compile("(?i)" + query)
	if err != nil {
		return nil, fmt.Errorf("invalid query regex: %w", err)
	}

	var hits []MarkdownHit
	section := ""
	for i, line := range strings.Split(string(content), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "## ") {
			section = strings.TrimSpace(strings.TrimPrefix(trimmed, "## "))
			continue
		}
		if !re.MatchString(line) {
			continue
		}

		hit := MarkdownHit{
			Raw:     line,
			Section: section,
			Scope:   scope,
			Line:    i + 1,
		}
		if m := entryRe.FindStringSubmatch(line); m != nil {
			textAndTags := m[1]
			hit.Date = m[2]
			_, tags := extractHashtags(m[3])
			hit.Tags = tags
			hit.Text = strings.TrimSpace(textAndTags)
		} else {
			hit.Text = trimmed
		}
		hits = append(hits, hit)
	}

	return hits, nil
}
