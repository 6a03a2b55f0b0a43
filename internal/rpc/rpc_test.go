package rpc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/llamar/toolserver/internal/config"
	"github.com/llamar/toolserver/internal/mcpresult"
	"github.com/llamar/toolserver/internal/skills"
)

func echoTool() *skills.Tool {
	return &skills.Tool{
		Name:        "echo",
		Description: "echoes back its message",
		Params: map[string]skills.Param{
			"message": {Type: "string", Required: true},
		},
		Handler: func(ctx context.Context, rc *skills.RunContext, args map[string]any) (mcpresult.Result, error) {
			return mcpresult.Ok(args["message"].(string)), nil
		},
	}
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	reg := skills.NewRegistry()
	reg.Register(echoTool())
	return &Handler{
		Cfg:      config.Defaults(),
		Cwd:      t.TempDir(),
		Registry: reg,
	}
}

func requestWithID(id int, method string, params any) *Request {
	var raw json.RawMessage
	if params != nil {
		data, _ := json.Marshal(params)
		raw = data
	}
	idData, _ := json.Marshal(id)
	return &Request{JSONRPC: "2.0", ID: idData, Method: method, Params: raw}
}

func notification(method string, params any) *Request {
	req := requestWithID(0, method, params)
	req.ID = nil
	return req
}

func TestDispatchInitializeReportsServerInfo(t *testing.T) {
	h := newTestHandler(t)
	resp := h.Dispatch(context.Background(), requestWithID(1, "initialize", nil))
	if resp == nil {
		t.Fatal("expected a response for a request with an id")
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("Result type = %T", resp.Result)
	}
	if result["protocolVersion"] != protocolVersion {
		t.Fatalf("protocolVersion = %v", result["protocolVersion"])
	}
	info, ok := result["serverInfo"].(map[string]any)
	if !ok || info["name"] != ServerName {
		t.Fatalf("serverInfo = %v", result["serverInfo"])
	}
}

// TestDispatchNotificationReturnsNilResponse: a request with no id is a
// notification and gets no response.
func TestDispatchNotificationReturnsNilResponse(t *testing.T) {
	h := newTestHandler(t)
	resp := h.Dispatch(context.Background(), notification("notifications/initialized", nil))
	if resp != nil {
		t.Fatalf("expected nil response for a notification, got %+v", resp)
	}
}

func TestDispatchUnknownMethodNotificationAlsoReturnsNil(t *testing.T) {
	h := newTestHandler(t)
	resp := h.Dispatch(context.Background(), notification("totally/unknown", nil))
	if resp != nil {
		t.Fatalf("expected nil response for an unknown-method notification, got %+v", resp)
	}
}

func TestDispatchUnknownMethodErrors(t *testing.T) {
	h := newTestHandler(t)
	resp := h.Dispatch(context.Background(), requestWithID(2, "bogus/method", nil))
	if resp == nil {
		t.Fatal("expected a response")
	}
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Fatalf("Error = %+v, want code -32601", resp.Error)
	}
}

func TestDispatchToolsListReturnsRegisteredTools(t *testing.T) {
	h := newTestHandler(t)
	resp := h.Dispatch(context.Background(), requestWithID(3, "tools/list", nil))
	result, ok := resp.Result.(toolsListResult)
	if !ok {
		t.Fatalf("Result type = %T", resp.Result)
	}
	if len(result.Tools) != 1 || result.Tools[0].Name != "echo" {
		t.Fatalf("Tools = %+v", result.Tools)
	}
}

func TestDispatchToolsListFiltersByAllowTools(t *testing.T) {
	h := newTestHandler(t)
	h.AllowTools = map[string]bool{"other": true}
	resp := h.Dispatch(context.Background(), requestWithID(4, "tools/list", nil))
	result := resp.Result.(toolsListResult)
	if len(result.Tools) != 0 {
		t.Fatalf("expected the echo tool filtered out, got %+v", result.Tools)
	}
}

func TestDispatchToolsCallInvokesHandler(t *testing.T) {
	h := newTestHandler(t)
	resp := h.Dispatch(context.Background(), requestWithID(5, "tools/call", map[string]any{
		"name":      "echo",
		"arguments": map[string]any{"message": "hi there"},
	}))
	result, ok := resp.Result.(mcpresult.Result)
	if !ok {
		t.Fatalf("Result type = %T", resp.Result)
	}
	if result.IsError || result.Text() != "hi there" {
		t.Fatalf("result = %+v", result)
	}
}

func TestDispatchToolsCallUnknownToolErrors(t *testing.T) {
	h := newTestHandler(t)
	resp := h.Dispatch(context.Background(), requestWithID(6, "tools/call", map[string]any{
		"name": "does-not-exist",
	}))
	result := resp.Result.(map[string]any)
	if result["isError"] != true {
		t.Fatalf("result = %v, want isError true", result)
	}
}

// TestDispatchToolsCallDeniedByPermission is the S3 scenario: a denied
// permission stops the call before the handler ever runs.
func TestDispatchToolsCallDeniedByPermission(t *testing.T) {
	h := newTestHandler(t)
	h.Cfg.Permissions = map[string]string{"echo": "deny"}

	resp := h.Dispatch(context.Background(), requestWithID(7, "tools/call", map[string]any{
		"name":      "echo",
		"arguments": map[string]any{"message": "should never run"},
	}))
	result := resp.Result.(map[string]any)
	if result["isError"] != true {
		t.Fatalf("result = %v, want isError true", result)
	}
}

func TestDispatchToolsCallMalformedParamsErrors(t *testing.T) {
	h := newTestHandler(t)
	req := requestWithID(8, "tools/call", nil)
	req.Params = json.RawMessage(`{not valid json`)
	resp := h.Dispatch(context.Background(), req)
	result := resp.Result.(map[string]any)
	if result["isError"] != true {
		t.Fatalf("result = %v, want isError true", result)
	}
}

func TestForConnectionClonesWithDistinctSessionID(t *testing.T) {
	h := newTestHandler(t)
	clone := h.ForConnection("session-123")
	if clone.SessionID != "session-123" {
		t.Fatalf("SessionID = %q", clone.SessionID)
	}
	if h.SessionID != "" {
		t.Fatal("expected the original handler's SessionID to be untouched")
	}
}

func TestDecodeParsesRequest(t *testing.T) {
	req, err := Decode([]byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if req.Method != "initialize" {
		t.Fatalf("Method = %q", req.Method)
	}
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	if _, err := Decode([]byte(`not json at all`)); err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
}
