// Package permission implements the tool server's permission engine: a
// pure decision function plus an optional callback for interactive
// approval.
package permission

import (
	"fmt"

	"github.com/llamar/toolserver/internal/config"
)

const (
	Allow = "allow"
	Ask   = "ask"
	Deny  = "deny"
)

// Callback is an external approval hook (typically the CLI). It receives the
// tool name and a human-readable description of the call and returns whether
// the user approved it.
type Callback func(tool, description string) bool

// Resolve returns the decision for tool given cfg, in precedence order:
// an explicit per-tool permission wins outright; otherwise a
// dangerous_tools membership defers to approval_mode; otherwise allow.
func Resolve(tool string, cfg *config.Config) string {
	if cfg.Permissions != nil {
		if p, ok := cfg.Permissions[tool]; ok && p != "" {
			return p
		}
	}
	for _, d := range cfg.DangerousTools {
		if d == tool {
			mode := cfg.ApprovalMode
			if mode == "" {
				mode = Allow
			}
			return mode
		}
	}
	return Allow
}

// Check resolves tool's permission and, for "ask", consults cb. It returns
// ok=true when the call may proceed, along with the resolved decision and
// the identity to record as approved_by in the trace (empty for allow/deny).
func Check(tool, description string, cfg *config.Config, cb Callback) (ok bool, decision string, approvedBy string) {
	decision = Resolve(tool, cfg)
	switch decision {
	case Allow:
		return true, decision, ""
	case Deny:
		return false, decision, ""
	case Ask:
		if cb == nil {
			// No approval callback registered: ask degenerates to deny.
			return false, decision, ""
		}
		if cb(tool, description) {
			return true, decision, "user"
		}
		return false, decision, ""
	default:
		return false, decision, ""
	}
}

// DeniedMessage formats the Error text for a rejected call.
func DeniedMessage(tool, decision string) string {
	if decision == Ask {
		return fmt.Sprintf("Permission denied: %s was not approved", tool)
	}
	return fmt.Sprintf("Permission denied: %s is set to %s", tool, decision)
}
