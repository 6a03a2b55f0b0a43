package builtin

import (
	"context"

	"github.com/llamar/toolserver/internal/mcpresult"
	"github.com/llamar/toolserver/internal/skills"
)

// Chat implements the chat tool a subagent's parent invokes via Query.
// The Tool Server owns spawn/query/kill mechanics only; the actual LLM
// call belongs to the agent loop embedding it. respond lets the process
// embedding this tool register its own agent loop; a nil respond answers
// with a fixed placeholder so the wire contract is exercisable standalone.
func Chat(respond func(ctx context.Context, prompt string) (string, error)) *skills.Tool {
	return &skills.Tool{
		Name:        "chat",
		Description: "Send a prompt to this server's agent loop and return its reply.",
		Params: map[string]skills.Param{
			"prompt": {Type: "string", Required: true},
		},
		Handler: func(ctx context.Context, rc *skills.RunContext, args map[string]any) (mcpresult.Result, error) {
			prompt := stringArg(args, "prompt")
			if respond == nil {
				return mcpresult.Ok("no agent loop is wired into this server; chat is a stub for " + prompt), nil
			}
			text, err := respond(ctx, prompt)
			if err != nil {
				return mcpresult.Error(err.Error()), nil
			}
			return mcpresult.Ok(text), nil
		},
	}
}
