package skills

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ParseSkillFile parses a SKILL.md file and returns a Skill. The format is
// optional YAML-ish front matter between "---" delimiters, followed by a
// Markdown body. {baseDir} tokens in the body are substituted with the
// skill's containing directory before the content is stored.
func ParseSkillFile(path string, source Source) (*Skill, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read skill file: %w", err)
	}

	baseDir := filepath.Dir(path)
	content := bytes.ReplaceAll(raw, []byte("{baseDir}"), []byte(baseDir))

	hash := sha256.Sum256(content)
	contentSHA := hex.EncodeToString(hash[:])

	frontmatter, _, err := extractFrontmatter(content)
	if err != nil {
		return parseSkillWithoutFrontmatter(path, source, content, contentSHA), nil
	}

	var fm Frontmatter
	if yamlErr := yaml.Unmarshal(frontmatter, &fm); yamlErr != nil {
		fm, err = parseSimpleFrontmatter(frontmatter)
		if err != nil {
			return nil, fmt.Errorf("failed to parse frontmatter: %w (yaml error: %v)", err, yamlErr)
		}
	}

	var metadata map[string]any
	if fm.Metadata != nil {
		metadata, err = parseMetadata(fm.Metadata)
		if err != nil {
			metadata = nil
		}
	}

	name := fm.Name
	if name == "" {
		name = filepath.Base(filepath.Dir(path))
	}

	return &Skill{
		Name:        name,
		Description: fm.Description,
		Location:    path,
		Source:      source,
		Content:     string(content),
		ContentSHA:  contentSHA,
		Metadata:    metadata,
		Enabled:     true, // enabled by default until audit
		LoadedAt:    time.Now(),
	}, nil
}

// extractFrontmatter splits leading "---"-delimited front matter off content.
func extractFrontmatter(content []byte) ([]byte, []byte, error) {
	if !bytes.HasPrefix(content, []byte("---")) {
		return nil, nil, fmt.Errorf("file does not start with frontmatter delimiter (---)")
	}

	rest := content[3:]
	idx := bytes.Index(rest, []byte("\n---"))
	if idx < 0 {
		return nil, nil, fmt.Errorf("no closing frontmatter delimiter found")
	}

	frontmatter := rest[:idx]
	remaining := rest[idx+4:]
	return frontmatter, remaining, nil
}

// parseMetadata parses the "metadata" frontmatter field, which may arrive as
// a JSON string or as a YAML map, into a plain map.
func parseMetadata(metadata interface{}) (map[string]any, error) {
	switch v := metadata.(type) {
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil, fmt.Errorf("metadata is not valid JSON: %w", err)
		}
		return m, nil
	case map[string]interface{}:
		return v, nil
	default:
		return nil, fmt.Errorf("unexpected metadata type: %T", metadata)
	}
}

func parseSkillWithoutFrontmatter(path string, source Source, content []byte, contentSHA string) *Skill {
	name := extractNameFromHeading(content)
	if name == "" {
		name = filepath.Base(filepath.Dir(path))
	}

	return &Skill{
		Name:       name,
		Location:   path,
		Source:     source,
		Content:    string(content),
		ContentSHA: contentSHA,
		Enabled:    true,
		LoadedAt:   time.Now(),
	}
}

func extractNameFromHeading(content []byte) string {
	re := regexp.MustCompile(`(?m)^#{1,2}\s+(.+)$`)
	matches := re.FindSubmatch(content)
	if len(matches) >= 2 {
		return strings.TrimSpace(string(matches[1]))
	}
	return ""
}

// parseSimpleFrontmatter manually parses simple "key: value" frontmatter for
// files whose YAML fails to parse (commonly unquoted colons in values).
func parseSimpleFrontmatter(content []byte) (Frontmatter, error) {
	var fm Frontmatter

	lines := bytes.Split(content, []byte("\n"))
	var currentKey string
	var metadataLines []string
	inMetadata := false

	for _, line := range lines {
		lineStr := string(line)
		trimmed := strings.TrimSpace(lineStr)

		if trimmed == "" {
			continue
		}

		if !strings.HasPrefix(lineStr, " ") && !strings.HasPrefix(lineStr, "\t") {
			if idx := strings.Index(lineStr, ":"); idx > 0 {
				key := strings.TrimSpace(lineStr[:idx])
				value := strings.TrimSpace(lineStr[idx+1:])

				if key == "metadata" {
					inMetadata = true
					currentKey = key
					if value != "" && value != "|" && value != ">" {
						fm.Metadata = value
						inMetadata = false
					}
				} else {
					inMetadata = false
					switch key {
					case "name":
						fm.Name = value
					case "description":
						fm.Description = value
					}
				}
				currentKey = key
			}
		} else if inMetadata && currentKey == "metadata" {
			metadataLines = append(metadataLines, lineStr)
		}
	}

	if len(metadataLines) > 0 {
		metadataStr := strings.Join(metadataLines, "\n")
		var metaMap map[string]interface{}
		if err := yaml.Unmarshal([]byte(metadataStr), &metaMap); err == nil {
			fm.Metadata = metaMap
		} else {
			fm.Metadata = metadataStr
		}
	}

	return fm, nil
}
