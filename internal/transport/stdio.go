// Package transport implements the stdio and TCP line pumps: read one
// line, dispatch through rpc.Handler, write one line back, repeat.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"

	. "github.com/llamar/toolserver/internal/logging"
	"github.com/llamar/toolserver/internal/rpc"
)

// maxLineSize bounds a single JSON-RPC line; tool results can be large.
const maxLineSize = 10 * 1024 * 1024

// RunStdio pumps newline-delimited JSON-RPC requests from r to responses
// on w until r reaches EOF, which ends the loop cleanly.
func RunStdio(ctx context.Context, h *rpc.Handler, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	out := bufio.NewWriter(w)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		handleLine(ctx, h, append([]byte(nil), line...), out)
	}
	return scanner.Err()
}

// handleLine decodes and dispatches one line, writing a response (if any)
// and flushing immediately so the caller sees it without delay.
func handleLine(ctx context.Context, h *rpc.Handler, line []byte, out *bufio.Writer) {
	req, err := rpc.Decode(line)
	if err != nil {
		L_warn("transport: malformed JSON request, discarding", "error", err)
		return
	}

	resp := h.Dispatch(ctx, req)
	if resp == nil {
		return
	}

	data, err := json.Marshal(resp)
	if err != nil {
		L_warn("transport: failed to marshal response", "error", err)
		return
	}
	if _, err := out.Write(append(data, '\n')); err != nil {
		L_warn("transport: failed to write response", "error", err)
		return
	}
	if err := out.Flush(); err != nil {
		L_warn("transport: failed to flush response", "error", err)
	}
}
