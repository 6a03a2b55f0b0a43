// Package mcpresult defines the Ok/Error envelope every tool call returns,
// the same shape that surfaces as the JSON-RPC result of tools/call.
package mcpresult

// Content is one block of a tool result. Only the "text" type is produced
// by this server.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Result is the envelope returned by every skill invocation.
type Result struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Ok wraps text in a success envelope.
func Ok(text string) Result {
	return Result{Content: []Content{{Type: "text", Text: text}}}
}

// Error wraps a reason in a failure envelope. Error results still flow
// through tools/call as a normal JSON-RPC result; they are never
// transport-level errors.
func Error(reason string) Result {
	return Result{Content: []Content{{Type: "text", Text: reason}}, IsError: true}
}

// Text returns the concatenated text of all content blocks.
func (r Result) Text() string {
	if len(r.Content) == 0 {
		return ""
	}
	out := r.Content[0].Text
	for _, c := range r.Content[1:] {
		out += c.Text
	}
	return out
}
