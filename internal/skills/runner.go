package skills

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/llamar/toolserver/internal/config"
	. "github.com/llamar/toolserver/internal/logging"
	"github.com/llamar/toolserver/internal/mcpresult"
	"github.com/llamar/toolserver/internal/ratelimit"
	"github.com/llamar/toolserver/internal/session"
)

// RunContext carries the ambient state a tool handler needs: the resolved
// config, the working directory, and (if this call belongs to a session)
// enough to append a trace entry. Limiter, when set, lets expensive tool
// bodies consult the process-wide rate limiter before running.
type RunContext struct {
	Cfg         *config.Config
	Cwd         string
	SessionID   string
	SessionsDir string
	ApprovedBy  string
	Turn        *int
	Limiter     *ratelimit.Limiter
}

// CheckRate consults the rate limiter under key, counting one request
// against its windows when allowed. With no limiter attached or no cap
// configured for key, the call is always allowed.
func (rc *RunContext) CheckRate(key string) (ok bool, message string) {
	if rc.Limiter == nil {
		return true, ""
	}
	res := rc.Limiter.Check(key, 0)
	if !res.OK {
		return false, res.Message
	}
	rc.Limiter.Track(key, 0, 1)
	return true, ""
}

// traceWriter returns a TraceWriter for rc's session, or nil if this call
// is not attached to one.
func (rc *RunContext) traceWriter() *session.TraceWriter {
	if rc.SessionID == "" || rc.SessionsDir == "" {
		return nil
	}
	return session.NewTraceWriter(rc.SessionsDir, rc.SessionID)
}

// Run executes the CALLED → VALIDATE_REQUIRED → VALIDATE_TYPES →
// (dry_run?) → EXECUTE → TRACE → RETURN state machine for one tool call.
func (t *Tool) Run(ctx context.Context, rc *RunContext, args map[string]any, timeout time.Duration, dryRun bool) mcpresult.Result {
	start := time.Now()

	if err := validateRequired(t, args); err != nil {
		return t.finish(rc, args, mcpresult.Error(err.Error()), start, false)
	}
	if err := validateTypes(t, args); err != nil {
		return t.finish(rc, args, mcpresult.Error(err.Error()), start, false)
	}

	if dryRun {
		return t.finish(rc, args, mcpresult.Ok(previewText(t, args)), start, true)
	}

	result, timedOut := t.execute(ctx, rc, args, timeout)
	success := !result.IsError && !timedOut
	return t.finish(rc, args, result, start, success)
}

func validateRequired(t *Tool, args map[string]any) error {
	var missing []string
	for name, p := range t.Params {
		if !p.Required {
			continue
		}
		if _, ok := args[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("Missing required parameters: %s", strings.Join(missing, ", "))
}

func validateTypes(t *Tool, args map[string]any) error {
	for name, p := range t.Params {
		v, ok := args[name]
		if !ok {
			continue
		}
		if !typeMatches(p.Type, v) {
			return fmt.Errorf("Parameter %q must be of type %s", name, p.Type)
		}
		if len(p.Enum) > 0 {
			if !enumContains(p.Enum, v) {
				return fmt.Errorf("Parameter %q must be one of: %s", name, strings.Join(p.Enum, ", "))
			}
		}
	}
	return nil
}

func typeMatches(declared string, v any) bool {
	switch declared {
	case "", "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "integer":
		switch n := v.(type) {
		case float64:
			return n == float64(int64(n))
		case int, int64:
			return true
		}
		return false
	case "number":
		switch v.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	default:
		return true
	}
}

func enumContains(enum []string, v any) bool {
	s, ok := v.(string)
	if !ok {
		return true // enum constraints only meaningfully apply to strings
	}
	for _, e := range enum {
		if e == s {
			return true
		}
	}
	return false
}

// previewText renders the "[DRY RUN] ..." Ok text for a call that will not
// actually execute.
func previewText(t *Tool, args map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[DRY RUN] Would execute: %s\n", t.Name)
	if len(args) == 0 {
		return b.String()
	}
	b.WriteString("Arguments:\n")
	names := make([]string, 0, len(args))
	for k := range args {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Fprintf(&b, "  %s: %v\n", k, args[k])
	}
	if content, ok := args["content"].(string); ok {
		fmt.Fprintf(&b, "  (%d bytes)\n", len(content))
	}
	if cmd, ok := args["command"].(string); ok {
		fmt.Fprintf(&b, "  would run: %s\n", cmd)
	}
	return b.String()
}

// execute calls t's handler under a wall-clock timeout, recovering any
// panic as an Error result instead of letting it escape.
func (t *Tool) execute(ctx context.Context, rc *RunContext, args map[string]any, timeout time.Duration) (result mcpresult.Result, timedOut bool) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan mcpresult.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- mcpresult.Error(fmt.Sprintf("%v", r))
			}
		}()
		res, err := t.Handler(execCtx, rc, args)
		if err != nil {
			done <- mcpresult.Error(err.Error())
			return
		}
		done <- res
	}()

	select {
	case res := <-done:
		return res, false
	case <-execCtx.Done():
		secs := int(timeout.Seconds())
		return mcpresult.Error(fmt.Sprintf("Skill timed out after %d seconds", secs)), true
	}
}

// finish appends the best-effort trace entry and returns result unchanged.
func (t *Tool) finish(rc *RunContext, args map[string]any, result mcpresult.Result, start time.Time, success bool) mcpresult.Result {
	if rc == nil {
		return result
	}
	if tw := rc.traceWriter(); tw != nil {
		tw.TraceAdd(session.TraceEntry{
			Turn:       rc.Turn,
			Tool:       t.Name,
			Args:       formatArgs(args),
			Result:     result.Text(),
			Success:    success,
			ElapsedMs:  time.Since(start).Milliseconds(),
			ApprovedBy: rc.ApprovedBy,
		})
	} else {
		L_trace("skills: call completed without a session, trace skipped", "tool", t.Name)
	}
	return result
}

func formatArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	names := make([]string, 0, len(args))
	for k := range args {
		names = append(names, k)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("{")
	for i, k := range names {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %v", k, args[k])
	}
	b.WriteString("}")
	return b.String()
}
