package skills

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/llamar/toolserver/internal/mcpresult"
)

func echoTool() *Tool {
	return &Tool{
		Name:        "echo",
		Description: "echoes back its message",
		Params: map[string]Param{
			"message": {Type: "string", Required: true},
			"count":   {Type: "integer"},
			"mode":    {Type: "string", Enum: []string{"fast", "slow"}},
		},
		Handler: func(ctx context.Context, rc *RunContext, args map[string]any) (mcpresult.Result, error) {
			return mcpresult.Ok(args["message"].(string)), nil
		},
	}
}

func TestRunMissingRequiredParam(t *testing.T) {
	tool := echoTool()
	result := tool.Run(context.Background(), nil, map[string]any{}, time.Second, false)
	if !result.IsError {
		t.Fatal("expected missing required param to error")
	}
	if !strings.Contains(result.Text(), "message") {
		t.Fatalf("expected error to name the missing param, got %q", result.Text())
	}
}

func TestRunTypeMismatch(t *testing.T) {
	tool := echoTool()
	args := map[string]any{"message": "hi", "count": "not-a-number"}
	result := tool.Run(context.Background(), nil, args, time.Second, false)
	if !result.IsError {
		t.Fatal("expected type mismatch to error")
	}
}

// TestRunIntegerAcceptsWholeFloat64 covers the JSON-decoding reality that
// integers arrive as float64; a whole-valued float64 must satisfy an
// "integer" param.
func TestRunIntegerAcceptsWholeFloat64(t *testing.T) {
	tool := echoTool()
	args := map[string]any{"message": "hi", "count": float64(3)}
	result := tool.Run(context.Background(), nil, args, time.Second, false)
	if result.IsError {
		t.Fatalf("expected whole float64 to satisfy integer param, got error: %s", result.Text())
	}
}

func TestRunIntegerRejectsFractionalFloat64(t *testing.T) {
	tool := echoTool()
	args := map[string]any{"message": "hi", "count": float64(3.5)}
	result := tool.Run(context.Background(), nil, args, time.Second, false)
	if !result.IsError {
		t.Fatal("expected fractional float64 to fail the integer param check")
	}
}

func TestRunEnumViolation(t *testing.T) {
	tool := echoTool()
	args := map[string]any{"message": "hi", "mode": "medium"}
	result := tool.Run(context.Background(), nil, args, time.Second, false)
	if !result.IsError {
		t.Fatal("expected an out-of-enum value to error")
	}
}

func TestRunDryRunPreview(t *testing.T) {
	tool := echoTool()
	args := map[string]any{"message": "hi"}
	result := tool.Run(context.Background(), nil, args, time.Second, true)
	if result.IsError {
		t.Fatalf("dry run should never error on valid args: %s", result.Text())
	}
	if !strings.Contains(result.Text(), "[DRY RUN]") {
		t.Fatalf("expected dry-run preview text, got %q", result.Text())
	}
	if !strings.Contains(result.Text(), "echo") {
		t.Fatalf("expected preview to name the tool, got %q", result.Text())
	}
}

func TestRunHandlerPanicRecovered(t *testing.T) {
	tool := &Tool{
		Name: "boom",
		Handler: func(ctx context.Context, rc *RunContext, args map[string]any) (mcpresult.Result, error) {
			panic("kaboom")
		},
	}
	result := tool.Run(context.Background(), nil, map[string]any{}, time.Second, false)
	if !result.IsError {
		t.Fatal("expected a panicking handler to surface as an Error result")
	}
	if !strings.Contains(result.Text(), "kaboom") {
		t.Fatalf("expected panic message preserved, got %q", result.Text())
	}
}

// TestRunTimeoutGuarantee checks that a handler that runs longer
// than its timeout returns an Error result within a bounded margin of the
// timeout, never blocking forever.
func TestRunTimeoutGuarantee(t *testing.T) {
	tool := &Tool{
		Name: "slow",
		Handler: func(ctx context.Context, rc *RunContext, args map[string]any) (mcpresult.Result, error) {
			time.Sleep(5 * time.Second)
			return mcpresult.Ok("too slow"), nil
		},
	}

	timeout := 50 * time.Millisecond
	start := time.Now()
	result := tool.Run(context.Background(), nil, map[string]any{}, timeout, false)
	elapsed := time.Since(start)

	if !result.IsError {
		t.Fatal("expected timeout to produce an Error result")
	}
	if !strings.Contains(result.Text(), "timed out") {
		t.Fatalf("expected a timeout message, got %q", result.Text())
	}
	if elapsed > timeout+500*time.Millisecond {
		t.Fatalf("Run took %s, expected to return within a bounded margin of the %s timeout", elapsed, timeout)
	}
}

func TestRunAppendsTraceEntryWhenSessionAttached(t *testing.T) {
	dir := t.TempDir()
	rc := &RunContext{SessionID: "sess-1", SessionsDir: dir}
	tool := echoTool()

	result := tool.Run(context.Background(), rc, map[string]any{"message": "hi"}, time.Second, false)
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.Text())
	}

	tw := rc.traceWriter()
	entries, err := tw.TraceLoad(0)
	if err != nil {
		t.Fatalf("TraceLoad: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 trace entry, got %d", len(entries))
	}
	if entries[0].Tool != "echo" || !entries[0].Success {
		t.Fatalf("unexpected trace entry: %+v", entries[0])
	}
}

func TestRunWithoutSessionSkipsTraceSilently(t *testing.T) {
	tool := echoTool()
	result := tool.Run(context.Background(), nil, map[string]any{"message": "hi"}, time.Second, false)
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.Text())
	}
}
