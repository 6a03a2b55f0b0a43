package builtin

import (
	"context"

	"github.com/llamar/toolserver/internal/memory"
	"github.com/llamar/toolserver/internal/skills"
	"github.com/llamar/toolserver/internal/subagent"
)

// Register installs the fixed set of file/shell/git/R/memory/jq tool
// bodies into reg. This is the full default tool set a freshly started
// server exposes before any user SKILL.md files are loaded. respond wires
// the chat tool to this process's own agent loop; pass nil when the
// server has none (e.g. a tool-server-only build). sup, if non-nil, wires
// spawn/query/kill_subagent onto that server's subagent supervisor.
func Register(reg *skills.Registry, respond func(ctx context.Context, prompt string) (string, error), sup *subagent.Supervisor) {
	reg.Register(ReadFile())
	reg.Register(WriteFile())
	reg.Register(ListFiles())
	reg.Register(GrepFiles())
	reg.Register(Bash())
	reg.Register(RunR())
	reg.Register(RunScript())
	reg.Register(GitStatus())
	reg.Register(GitDiff())
	reg.Register(GitLog())
	reg.Register(MemoryStore(memory.Store))
	reg.Register(JQ())
	reg.Register(Chat(respond))
	if sup != nil {
		reg.Register(SpawnSubagent(sup))
		reg.Register(QuerySubagent(sup))
		reg.Register(KillSubagent(sup))
	}
}
