// Package rpc implements the JSON-RPC 2.0 / MCP dispatch loop:
// initialize, notifications/initialized, tools/list and tools/call,
// everything else falling through to -32601.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/llamar/toolserver/internal/config"
	. "github.com/llamar/toolserver/internal/logging"
	"github.com/llamar/toolserver/internal/permission"
	"github.com/llamar/toolserver/internal/ratelimit"
	"github.com/llamar/toolserver/internal/session"
	"github.com/llamar/toolserver/internal/skills"
)

const protocolVersion = "2024-11-05"

// ServerName/ServerVersion are reported in initialize's serverInfo.
var (
	ServerName    = "toolserver"
	ServerVersion = "0.1.0"
)

// Request is a JSON-RPC 2.0 request or notification (ID is nil for the
// latter, matching the wire shape exactly — not the string "null").
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func isNotification(id json.RawMessage) bool {
	return len(id) == 0
}

// Handler dispatches decoded requests against a fixed config, tool
// registry, session store, and optional approval callback. One Handler is
// shared by every connection; all state it touches beyond the registry
// (sessions, config) is itself safe for concurrent use.
type Handler struct {
	Cfg         *config.Config
	Cwd         string
	SessionsDir string
	SessionID   string
	Registry    *skills.Registry
	Sessions    *session.Store
	Approve     permission.Callback
	Limiter     *ratelimit.Limiter
	// AllowTools, if non-empty, restricts tools/list and tools/call to
	// this set (used by subagents with a restricted default_tools list).
	AllowTools map[string]bool
}

// ForConnection returns a copy of h bound to one connection's session, so
// trace entries for that connection's calls land in the right transcript.
func (h *Handler) ForConnection(sessionID string) *Handler {
	clone := *h
	clone.SessionID = sessionID
	return &clone
}

type toolsListResult struct {
	Tools []skills.Definition `json:"tools"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Dispatch handles one decoded request, returning nil for notifications.
func (h *Handler) Dispatch(ctx context.Context, req *Request) *Response {
	resp := &Response{JSONRPC: "2.0", ID: req.ID}

	switch req.Method {
	case "initialize":
		resp.Result = map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": ServerName, "version": ServerVersion},
		}

	case "notifications/initialized":
		return nil

	case "tools/list":
		resp.Result = toolsListResult{Tools: h.Registry.Definitions(h.AllowTools)}

	case "tools/call":
		var params callToolParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			resp.Result = map[string]any{
				"isError": true,
				"content": []map[string]any{{"type": "text", "text": "invalid tools/call params: " + err.Error()}},
			}
			break
		}
		resp.Result = h.callTool(ctx, params)

	default:
		resp.Error = &Error{Code: -32601, Message: fmt.Sprintf("Method not found: %s", req.Method)}
	}

	if isNotification(req.ID) {
		return nil
	}
	return resp
}

func (h *Handler) callTool(ctx context.Context, params callToolParams) any {
	if len(h.AllowTools) > 0 && !h.AllowTools[params.Name] {
		return errEnvelope(fmt.Sprintf("unknown tool: %s", params.Name))
	}

	tool, ok := h.Registry.Get(params.Name)
	if !ok {
		return errEnvelope(fmt.Sprintf("unknown tool: %s", params.Name))
	}

	allowed, decision, approvedBy := permission.Check(params.Name, params.Name, h.Cfg, h.Approve)
	if !allowed {
		L_warn("rpc: tool call denied", "tool", params.Name, "decision", decision)
		return errEnvelope(permission.DeniedMessage(params.Name, decision))
	}

	var args map[string]any
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return errEnvelope("invalid arguments: " + err.Error())
		}
	}
	if args == nil {
		args = map[string]any{}
	}

	timeout := time.Duration(h.Cfg.SkillTimeout) * time.Second
	rc := &skills.RunContext{
		Cfg:         h.Cfg,
		Cwd:         h.Cwd,
		SessionID:   h.SessionID,
		SessionsDir: h.SessionsDir,
		ApprovedBy:  approvedBy,
		Limiter:     h.Limiter,
	}
	result := tool.Run(ctx, rc, args, timeout, h.Cfg.DryRun)
	return result
}

func errEnvelope(msg string) map[string]any {
	return map[string]any{
		"isError": true,
		"content": []map[string]any{{"type": "text", "text": msg}},
	}
}

// Decode parses one line of input into a Request. Malformed JSON is
// reported to the caller, which must log and discard it without emitting
// a response.
func Decode(line []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, err
	}
	return &req, nil
}
