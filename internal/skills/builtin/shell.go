package builtin

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	. "github.com/llamar/toolserver/internal/logging"
	"github.com/llamar/toolserver/internal/mcpresult"
	"github.com/llamar/toolserver/internal/sandbox"
	"github.com/llamar/toolserver/internal/security"
	"github.com/llamar/toolserver/internal/skills"
)

// wrapOutput marks command/interpreter output as untrusted external
// content before it reaches the model, per internal/security's boundary
// markers. Spoofing attempts are blocked rather than forwarded.
func wrapOutput(out, source, tool string) string {
	wrapped, _ := security.WrapExternalContent(out, source, tool)
	return wrapped
}

// runCaptured runs name with args under cwd and a timeout, returning
// combined stdout/stderr. A non-zero exit or a timeout is returned as a Go
// error alongside whatever output was captured; the tool bodies fold that
// error text into an Ok result, so shell failures stay visible to the model
// instead of failing the call.
func runCaptured(ctx context.Context, name, cwd string, timeout time.Duration, args ...string) (string, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = cwd
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return out.String(), fmt.Errorf("command timed out after %v", timeout)
	}
	if err != nil {
		return out.String(), fmt.Errorf("%s", err.Error())
	}
	return out.String(), nil
}

// Bash implements bash(command, timeout=30).
func Bash() *skills.Tool {
	return &skills.Tool{
		Name:        "bash",
		Description: "Run a shell command and return its combined stdout/stderr.",
		Params: map[string]skills.Param{
			"command": {Type: "string", Required: true},
			"timeout": {Type: "integer", Description: "seconds, defaults to 30"},
		},
		Handler: func(ctx context.Context, rc *skills.RunContext, args map[string]any) (mcpresult.Result, error) {
			command := stringArg(args, "command")

			if ok, msg := rc.CheckRate("bash"); !ok {
				return mcpresult.Error(msg), nil
			}
			if res := sandbox.ValidateCommand(command); !res.OK {
				return mcpresult.Error(res.Message), nil
			}

			timeout := time.Duration(intArg(args, "timeout", 30)) * time.Second
			out, err := runCaptured(ctx, "bash", rc.Cwd, timeout, "-c", command)
			if err != nil {
				L_warn("builtin: bash failed", "error", err)
				return mcpresult.Ok(fmt.Sprintf("Error: %s\n%s", err.Error(), out)), nil
			}
			return mcpresult.Ok(wrapOutput(out, command, "bash")), nil
		},
	}
}

// RunR implements run_r(code, timeout=30): execute R source via Rscript.
func RunR() *skills.Tool {
	return &skills.Tool{
		Name:        "run_r",
		Description: "Execute an R code snippet with Rscript and return its captured output.",
		Params: map[string]skills.Param{
			"code":    {Type: "string", Required: true},
			"timeout": {Type: "integer", Description: "seconds, defaults to 30"},
		},
		Handler: func(ctx context.Context, rc *skills.RunContext, args map[string]any) (mcpresult.Result, error) {
			code := stringArg(args, "code")
			timeout := time.Duration(intArg(args, "timeout", 30)) * time.Second

			out, err := runCaptured(ctx, "Rscript", rc.Cwd, timeout, "-e", code)
			if err != nil {
				return mcpresult.Ok(fmt.Sprintf("Error: %s\n%s", err.Error(), out)), nil
			}
			return mcpresult.Ok(wrapOutput(out, "run_r", "run_r")), nil
		},
	}
}

// RunScript implements a generic subprocess-script tool: run a code string
// through an arbitrary language interpreter binary.
func RunScript() *skills.Tool {
	return &skills.Tool{
		Name:        "run_script",
		Description: "Execute a code snippet with a given interpreter (e.g. python3, node) and return its captured output.",
		Params: map[string]skills.Param{
			"interpreter": {Type: "string", Required: true, Description: "interpreter binary, e.g. python3"},
			"code":        {Type: "string", Required: true},
			"timeout":     {Type: "integer", Description: "seconds, defaults to 30"},
		},
		Handler: func(ctx context.Context, rc *skills.RunContext, args map[string]any) (mcpresult.Result, error) {
			interpreter := stringArg(args, "interpreter")
			code := stringArg(args, "code")
			timeout := time.Duration(intArg(args, "timeout", 30)) * time.Second

			out, err := runCaptured(ctx, interpreter, rc.Cwd, timeout, "-c", code)
			if err != nil {
				return mcpresult.Ok(fmt.Sprintf("Error: %s\n%s", err.Error(), out)), nil
			}
			return mcpresult.Ok(wrapOutput(out, interpreter, "run_script")), nil
		},
	}
}

func gitTool(name, description string, gitArgs func(args map[string]any) []string) *skills.Tool {
	return &skills.Tool{
		Name:        name,
		Description: description,
		Params: map[string]skills.Param{
			"path": {Type: "string", Description: "repository path, defaults to the working directory"},
		},
		Handler: func(ctx context.Context, rc *skills.RunContext, args map[string]any) (mcpresult.Result, error) {
			cwd := rc.Cwd
			if p := stringArg(args, "path"); p != "" {
				cwd = p
			}
			out, err := runCaptured(ctx, "git", cwd, 30*time.Second, gitArgs(args)...)
			if err != nil {
				return mcpresult.Ok(fmt.Sprintf("Error: %s\n%s", err.Error(), out)), nil
			}
			return mcpresult.Ok(wrapOutput(out, name, "git")), nil
		},
	}
}

// GitStatus implements git_status.
func GitStatus() *skills.Tool {
	return gitTool("git_status", "Show the working tree status of a git repository.",
		func(args map[string]any) []string { return []string{"status"} })
}

// GitDiff implements git_diff.
func GitDiff() *skills.Tool {
	return gitTool("git_diff", "Show unstaged changes in a git repository.",
		func(args map[string]any) []string { return []string{"diff"} })
}

// GitLog implements git_log.
func GitLog() *skills.Tool {
	t := gitTool("git_log", "Show recent commits in a git repository.",
		func(args map[string]any) []string {
			n := intArg(args, "limit", 10)
			return []string{"log", fmt.Sprintf("-%d", n), "--oneline"}
		})
	t.Params["limit"] = skills.Param{Type: "integer", Description: "number of commits to show, defaults to 10"}
	return t
}
