// Package builtin implements the built-in file/shell/git/script tool
// bodies, wired onto the sandbox validator and the skills runner.
package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	. "github.com/llamar/toolserver/internal/logging"
	"github.com/llamar/toolserver/internal/mcpresult"
	"github.com/llamar/toolserver/internal/sandbox"
	"github.com/llamar/toolserver/internal/security"
	"github.com/llamar/toolserver/internal/skills"
)

func stringArg(args map[string]any, name string) string {
	if v, ok := args[name].(string); ok {
		return v
	}
	return ""
}

func intArg(args map[string]any, name string, def int) int {
	switch v := args[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func boolArg(args map[string]any, name string) bool {
	if v, ok := args[name].(bool); ok {
		return v
	}
	return false
}

// ReadFile implements read_file(path, lines?).
func ReadFile() *skills.Tool {
	return &skills.Tool{
		Name:        "read_file",
		Description: "Read the contents of a file, optionally limited to its first N lines.",
		Params: map[string]skills.Param{
			"path":  {Type: "string", Required: true, Description: "path to the file, ~ expanded"},
			"lines": {Type: "integer", Description: "if set, return only the first N lines"},
		},
		Handler: func(ctx context.Context, rc *skills.RunContext, args map[string]any) (mcpresult.Result, error) {
			path := stringArg(args, "path")
			content, err := sandbox.ReadFile(path, rc.Cwd, rc.Cfg)
			if err != nil {
				return mcpresult.Error(err.Error()), nil
			}
			text := string(content)
			if n := intArg(args, "lines", 0); n > 0 {
				all := strings.Split(text, "\n")
				if n < len(all) {
					text = strings.Join(all[:n], "\n")
				}
			}
			wrapped, _ := security.WrapExternalContent(text, path, "read_file")
			return mcpresult.Ok(wrapped), nil
		},
	}
}

// WriteFile implements write_file(path, content).
func WriteFile() *skills.Tool {
	return &skills.Tool{
		Name:        "write_file",
		Description: "Create or overwrite a file with the given content. Returns the number of bytes written.",
		Params: map[string]skills.Param{
			"path":    {Type: "string", Required: true},
			"content": {Type: "string", Required: true},
		},
		Handler: func(ctx context.Context, rc *skills.RunContext, args map[string]any) (mcpresult.Result, error) {
			path := stringArg(args, "path")
			content := stringArg(args, "content")
			n, err := sandbox.WriteFileValidated(path, rc.Cwd, rc.Cfg, []byte(content), 0o644)
			if err != nil {
				return mcpresult.Error(err.Error()), nil
			}
			return mcpresult.Ok(fmt.Sprintf("Wrote %d bytes to %s", n, path)), nil
		},
	}
}

// ListFiles implements list_files(path, pattern?, recursive?).
func ListFiles() *skills.Tool {
	return &skills.Tool{
		Name:        "list_files",
		Description: "List file names in a directory, optionally filtered by a glob pattern and recursively.",
		Params: map[string]skills.Param{
			"path":      {Type: "string", Required: true},
			"pattern":   {Type: "string", Description: "glob pattern, e.g. *.go"},
			"recursive": {Type: "boolean"},
		},
		Handler: func(ctx context.Context, rc *skills.RunContext, args map[string]any) (mcpresult.Result, error) {
			path := stringArg(args, "path")
			pattern := stringArg(args, "pattern")
			recursive := boolArg(args, "recursive")

			resolved, res := sandbox.ValidatePathRaw(path, rc.Cwd, rc.Cfg, "list")
			if !res.OK {
				return mcpresult.Error(res.Message), nil
			}

			var names []string
			walk := func(p string, isDir bool) {
				base := filepath.Base(p)
				if pattern != "" {
					if ok, _ := filepath.Match(pattern, base); !ok {
						return
					}
				}
				rel, err := filepath.Rel(resolved, p)
				if err != nil || rel == "." {
					return
				}
				names = append(names, rel)
			}

			if recursive {
				err := filepath.Walk(resolved, func(p string, info os.FileInfo, err error) error {
					if err != nil {
						return nil
					}
					walk(p, info.IsDir())
					return nil
				})
				if err != nil {
					return mcpresult.Error(err.Error()), nil
				}
			} else {
				entries, err := os.ReadDir(resolved)
				if err != nil {
					return mcpresult.Error(fmt.Sprintf("list files: %v", err)), nil
				}
				for _, e := range entries {
					walk(filepath.Join(resolved, e.Name()), e.IsDir())
				}
			}

			if len(names) == 0 {
				return mcpresult.Ok("No files found"), nil
			}
			return mcpresult.Ok(strings.Join(names, "\n")), nil
		},
	}
}

// GrepFiles implements grep_files(pattern, path?, file_pattern="*.R").
func GrepFiles() *skills.Tool {
	return &skills.Tool{
		Name:        "grep_files",
		Description: "Search for a regex pattern across files under path, returning path:line: text entries.",
		Params: map[string]skills.Param{
			"pattern":      {Type: "string", Required: true},
			"path":         {Type: "string", Description: "directory to search, defaults to the working directory"},
			"file_pattern": {Type: "string", Description: "glob to restrict which files are scanned"},
		},
		Handler: func(ctx context.Context, rc *skills.RunContext, args map[string]any) (mcpresult.Result, error) {
			pattern := stringArg(args, "pattern")
			path := stringArg(args, "path")
			if path == "" {
				path = rc.Cwd
			}
			filePattern := stringArg(args, "file_pattern")
			if filePattern == "" {
				filePattern = "*.R"
			}

			resolved, res := sandbox.ValidatePathRaw(path, rc.Cwd, rc.Cfg, "grep")
			if !res.OK {
				return mcpresult.Error(res.Message), nil
			}

			re, err := regexp.Compile(pattern)
			if err != nil {
				return mcpresult.Error(fmt.Sprintf("invalid pattern: %v", err)), nil
			}

			var hits []string
			err = filepath.Walk(resolved, func(p string, info os.FileInfo, err error) error {
				if err != nil || info.IsDir() {
					return nil
				}
				if ok, _ := filepath.Match(filePattern, filepath.Base(p)); !ok {
					return nil
				}
				data, err := os.ReadFile(p)
				if err != nil {
					return nil
				}
				for i, line := range strings.Split(string(data), "\n") {
					if re.MatchString(line) {
						rel, _ := filepath.Rel(resolved, p)
						hits = append(hits, fmt.Sprintf("%s:%d: %s", rel, i+1, line))
					}
				}
				return nil
			})
			if err != nil {
				return mcpresult.Error(err.Error()), nil
			}

			if len(hits) == 0 {
				return mcpresult.Ok("No matches found"), nil
			}
			wrapped, _ := security.WrapExternalContent(strings.Join(hits, "\n"), path, "grep_files")
			return mcpresult.Ok(wrapped), nil
		},
	}
}

// MemoryStore implements memory_store(fact, scope).
func MemoryStore(storeFn func(fact string, tags []string, category, scope, cwd string) error) *skills.Tool {
	return &skills.Tool{
		Name:        "memory_store",
		Description: "Store a durable fact in the project or global memory log.",
		Params: map[string]skills.Param{
			"fact":     {Type: "string", Required: true},
			"scope":    {Type: "string", Enum: []string{"project", "global"}, Description: "defaults to project"},
			"category": {Type: "string"},
		},
		Handler: func(ctx context.Context, rc *skills.RunContext, args map[string]any) (mcpresult.Result, error) {
			fact := stringArg(args, "fact")
			scope := stringArg(args, "scope")
			if scope == "" {
				scope = "project"
			}
			category := stringArg(args, "category")

			if err := storeFn(fact, nil, category, scope, rc.Cwd); err != nil {
				return mcpresult.Error(err.Error()), nil
			}
			L_debug("builtin: memory_store", "scope", scope)
			return mcpresult.Ok("Stored."), nil
		},
	}
}
