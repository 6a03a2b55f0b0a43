package builtin

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/llamar/toolserver/internal/mcpresult"
	"github.com/llamar/toolserver/internal/memory"
	"github.com/llamar/toolserver/internal/sandbox"
	"github.com/llamar/toolserver/internal/security"
	"github.com/llamar/toolserver/internal/skills"
)

// RegisterMemoryIndex installs the chunk-index tools onto reg. Split from
// Register because these need an open chunk DB: a server that fails to
// open one keeps the rest of its tool surface and only loses these.
func RegisterMemoryIndex(reg *skills.Registry, db *sql.DB, idx *memory.Indexer) {
	reg.Register(SearchFTS(db))
	reg.Register(IndexFile(idx))
	reg.Register(IndexClaudeSession(idx))
}

// SearchFTS implements search_fts(query, limit?, source?).
func SearchFTS(db *sql.DB) *skills.Tool {
	return &skills.Tool{
		Name:        "search_fts",
		Description: "Full-text search over the indexed memory and session chunks, ordered by relevance.",
		Params: map[string]skills.Param{
			"query":  {Type: "string", Required: true},
			"limit":  {Type: "integer", Description: "maximum hits to return, defaults to 20"},
			"source": {Type: "string", Enum: []string{"memory", "session"}, Description: "restrict hits to one source"},
		},
		Handler: func(ctx context.Context, rc *skills.RunContext, args map[string]any) (mcpresult.Result, error) {
			query := stringArg(args, "query")
			limit := intArg(args, "limit", 20)
			source := stringArg(args, "source")

			results, err := memory.SearchFTS(db, query, limit, source)
			if err != nil {
				return mcpresult.Error(err.Error()), nil
			}
			if len(results) == 0 {
				return mcpresult.Ok("No results found"), nil
			}

			var b strings.Builder
			for i, r := range results {
				if i > 0 {
					b.WriteString("\n\n")
				}
				fmt.Fprintf(&b, "%s (%s, lines %d-%d):\n%s", r.ID, r.Path, r.StartLine, r.EndLine, r.Text)
			}
			wrapped, _ := security.WrapExternalContent(b.String(), "memory index", "search_fts")
			return mcpresult.Ok(wrapped), nil
		},
	}
}

// IndexFile implements index_file(path, source?): a no-op when the file is
// unchanged since its last indexing.
func IndexFile(idx *memory.Indexer) *skills.Tool {
	return &skills.Tool{
		Name:        "index_file",
		Description: "Index (or re-index) a file into the memory chunk index.",
		Params: map[string]skills.Param{
			"path":   {Type: "string", Required: true},
			"source": {Type: "string", Description: "source label stored with the chunks, defaults to memory"},
		},
		Handler: func(ctx context.Context, rc *skills.RunContext, args map[string]any) (mcpresult.Result, error) {
			path := stringArg(args, "path")
			source := stringArg(args, "source")
			if source == "" {
				source = "memory"
			}

			resolved, res := sandbox.ValidatePathRaw(path, rc.Cwd, rc.Cfg, "index")
			if !res.OK {
				return mcpresult.Error(res.Message), nil
			}

			n, err := idx.IndexFile(resolved, source)
			if err != nil {
				return mcpresult.Error(err.Error()), nil
			}
			if n == 0 {
				return mcpresult.Ok(fmt.Sprintf("%s is unchanged, nothing to re-index", path)), nil
			}
			return mcpresult.Ok(fmt.Sprintf("Indexed %d chunks from %s", n, path)), nil
		},
	}
}

// IndexClaudeSession implements index_claude_session(path): flattens a
// JSONL conversation transcript into speaker-labeled lines and indexes
// them under the session source.
func IndexClaudeSession(idx *memory.Indexer) *skills.Tool {
	return &skills.Tool{
		Name:        "index_claude_session",
		Description: "Index a JSONL conversation transcript into the memory chunk index.",
		Params: map[string]skills.Param{
			"path": {Type: "string", Required: true},
		},
		Handler: func(ctx context.Context, rc *skills.RunContext, args map[string]any) (mcpresult.Result, error) {
			path := stringArg(args, "path")

			resolved, res := sandbox.ValidatePathRaw(path, rc.Cwd, rc.Cfg, "index")
			if !res.OK {
				return mcpresult.Error(res.Message), nil
			}

			n, err := idx.IndexClaudeSession(resolved)
			if err != nil {
				return mcpresult.Error(err.Error()), nil
			}
			if n == 0 {
				return mcpresult.Ok(fmt.Sprintf("%s is unchanged, nothing to re-index", path)), nil
			}
			return mcpresult.Ok(fmt.Sprintf("Indexed %d chunks from %s", n, path)), nil
		},
	}
}
