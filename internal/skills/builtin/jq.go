package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/llamar/toolserver/internal/mcpresult"
	"github.com/llamar/toolserver/internal/sandbox"
	"github.com/llamar/toolserver/internal/skills"
)

// JQ implements jq(query, file|input, raw=false, compact=false): run a jq
// filter against JSON read from a sandboxed file path or given inline.
func JQ() *skills.Tool {
	return &skills.Tool{
		Name:        "jq",
		Description: "Query and transform JSON using jq syntax, reading from a file or inline JSON.",
		Params: map[string]skills.Param{
			"query":   {Type: "string", Required: true, Description: "jq filter expression, e.g. '.items[] | .name'"},
			"file":    {Type: "string", Description: "path to a JSON file; mutually exclusive with input"},
			"input":   {Type: "string", Description: "inline JSON text; mutually exclusive with file"},
			"raw":     {Type: "boolean", Description: "emit raw strings instead of JSON-encoded ones"},
			"compact": {Type: "boolean", Description: "compact rather than pretty-printed output"},
		},
		Handler: func(ctx context.Context, rc *skills.RunContext, args map[string]any) (mcpresult.Result, error) {
			query := stringArg(args, "query")
			file := stringArg(args, "file")
			input := stringArg(args, "input")
			raw := boolArg(args, "raw")
			compact := boolArg(args, "compact")

			if file != "" && input != "" {
				return mcpresult.Error("cannot specify both file and input"), nil
			}
			if file == "" && input == "" {
				return mcpresult.Error("must specify one of file or input"), nil
			}

			var data []byte
			if file != "" {
				b, err := sandbox.ReadFile(file, rc.Cwd, rc.Cfg)
				if err != nil {
					return mcpresult.Error(err.Error()), nil
				}
				data = b
			} else {
				data = []byte(input)
			}

			out, err := runJQ(query, data, raw, compact)
			if err != nil {
				return mcpresult.Error(err.Error()), nil
			}
			return mcpresult.Ok(out), nil
		},
	}
}

func runJQ(query string, data []byte, raw, compact bool) (string, error) {
	var parsedInput any
	if err := json.Unmarshal(data, &parsedInput); err != nil {
		return "", fmt.Errorf("invalid JSON: %w", err)
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return "", fmt.Errorf("invalid jq query: %w", err)
	}

	var lines []string
	iter := parsed.Run(parsedInput)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if e, isErr := v.(error); isErr {
			return "", fmt.Errorf("jq error: %w", e)
		}

		if raw {
			if s, ok := v.(string); ok {
				lines = append(lines, s)
				continue
			}
		}
		var b []byte
		if compact {
			b, err = json.Marshal(v)
		} else {
			b, err = json.MarshalIndent(v, "", "  ")
		}
		if err != nil {
			return "", fmt.Errorf("encode result: %w", err)
		}
		lines = append(lines, string(b))
	}
	return strings.Join(lines, "\n"), nil
}
