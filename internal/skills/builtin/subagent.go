package builtin

import (
	"context"
	"time"

	"github.com/llamar/toolserver/internal/mcpresult"
	"github.com/llamar/toolserver/internal/skills"
	"github.com/llamar/toolserver/internal/subagent"
)

// SpawnSubagent implements spawn_subagent(task, timeout_minutes?): starts
// a child Tool Server and returns its record id.
func SpawnSubagent(sup *subagent.Supervisor) *skills.Tool {
	return &skills.Tool{
		Name:        "spawn_subagent",
		Description: "Spawn a child agent bound to its own Tool Server to work on a delegated task.",
		Params: map[string]skills.Param{
			"task":            {Type: "string", Required: true},
			"timeout_minutes": {Type: "integer", Description: "defaults to the configured subagent timeout"},
		},
		Handler: func(ctx context.Context, rc *skills.RunContext, args map[string]any) (mcpresult.Result, error) {
			task := stringArg(args, "task")
			timeoutMin := intArg(args, "timeout_minutes", rc.Cfg.Subagents.TimeoutMinutes)
			timeout := time.Duration(timeoutMin) * time.Minute

			if ok, msg := rc.CheckRate("spawn_subagent"); !ok {
				return mcpresult.Error(msg), nil
			}

			record, err := sup.Spawn(ctx, rc.SessionID, task, timeout)
			if err != nil {
				return mcpresult.Error(err.Error()), nil
			}
			return mcpresult.Ok(record.ID), nil
		},
	}
}

// QuerySubagent implements query_subagent(id, prompt).
func QuerySubagent(sup *subagent.Supervisor) *skills.Tool {
	return &skills.Tool{
		Name:        "query_subagent",
		Description: "Send a prompt to a running subagent and return its reply.",
		Params: map[string]skills.Param{
			"id":     {Type: "string", Required: true},
			"prompt": {Type: "string", Required: true},
		},
		Handler: func(ctx context.Context, rc *skills.RunContext, args map[string]any) (mcpresult.Result, error) {
			id := stringArg(args, "id")
			prompt := stringArg(args, "prompt")

			text, err := sup.Query(ctx, id, prompt)
			if err != nil {
				return mcpresult.Error(err.Error()), nil
			}
			return mcpresult.Ok(text), nil
		},
	}
}

// KillSubagent implements kill_subagent(id).
func KillSubagent(sup *subagent.Supervisor) *skills.Tool {
	return &skills.Tool{
		Name:        "kill_subagent",
		Description: "Terminate a subagent and discard its record.",
		Params: map[string]skills.Param{
			"id": {Type: "string", Required: true},
		},
		Handler: func(ctx context.Context, rc *skills.RunContext, args map[string]any) (mcpresult.Result, error) {
			id := stringArg(args, "id")
			if err := sup.Kill(id); err != nil {
				return mcpresult.Error(err.Error()), nil
			}
			return mcpresult.Ok("killed " + id), nil
		},
	}
}
