package skills

import (
	"context"

	"github.com/llamar/toolserver/internal/mcpresult"
)

// AsTool wraps a parsed SKILL.md document into a runnable Tool: calling it
// returns the document body (with {baseDir} already substituted by the
// parser) verbatim, the way a recipe-style skill is meant to be read by
// the model rather than executed as code.
func (s *Skill) AsTool() *Tool {
	content := s.Content
	return &Tool{
		Name:        s.Name,
		Description: s.Description,
		Handler: func(ctx context.Context, rc *RunContext, args map[string]any) (mcpresult.Result, error) {
			return mcpresult.Ok(content), nil
		},
	}
}
