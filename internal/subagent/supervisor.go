package subagent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/llamar/toolserver/internal/config"
	. "github.com/llamar/toolserver/internal/logging"
	"github.com/llamar/toolserver/internal/session"
)

// MetaStore persists subagent lifecycle records into the shared sessions
// metadata; *session.Store satisfies it.
type MetaStore interface {
	UpsertSubagent(key string, meta *session.SubagentMeta) error
}

// dialTimeout bounds how long Spawn waits for the child's listener to
// come up before giving up and marking the spawn a failure.
const dialTimeout = 5 * time.Second

var (
	// ErrDisabled is returned by Spawn when subagents.enabled is false.
	ErrDisabled = fmt.Errorf("subagents are disabled")
	// ErrAtCapacity is returned by Spawn when active_count == max_concurrent.
	ErrAtCapacity = fmt.Errorf("subagent capacity exhausted")
	// ErrNoNesting is returned by Spawn when the parent is itself a
	// subagent and allow_nested is false.
	ErrNoNesting = fmt.Errorf("nested subagents are not allowed")
	// ErrNotFound is returned by Query/Kill for an unknown id.
	ErrNotFound = fmt.Errorf("subagent not found")
)

type entry struct {
	record *Record
	cmd    *exec.Cmd
}

// Supervisor spawns, queries, and reaps one-shot child Tool Server
// processes. A subagent is never restarted: it runs once, answers
// queries until killed or expired, and is discarded.
type Supervisor struct {
	cfg        config.SubagentsConfig
	binary     string
	cwd        string
	isSubagent bool // true when this process is itself a spawned subagent
	meta       MetaStore

	mu       sync.Mutex
	entries  map[string]*entry
	nextPort int
}

// New creates a supervisor bound to cfg. isSubagent marks whether the
// current process was itself spawned as a subagent, which gates
// allow_nested on the next Spawn call.
func New(cfg config.SubagentsConfig, cwd string, isSubagent bool) *Supervisor {
	binary, _ := os.Executable()
	return &Supervisor{
		cfg:        cfg,
		binary:     binary,
		cwd:        cwd,
		isSubagent: isSubagent,
		entries:    make(map[string]*entry),
		nextPort:   cfg.BasePort,
	}
}

// AttachMetadata wires a shared sessions metadata store; every status
// transition after this call is mirrored into it under the subagent's
// session key. Persisting is best-effort and never fails the transition.
func (s *Supervisor) AttachMetadata(meta MetaStore) {
	s.meta = meta
}

// persistRecord mirrors record into the sessions metadata, if attached.
func (s *Supervisor) persistRecord(record *Record) {
	if s.meta == nil {
		return
	}
	err := s.meta.UpsertSubagent(session.SubagentKey(record.ID), &session.SubagentMeta{
		ID:        record.ID,
		Port:      record.Port,
		Task:      record.Task,
		Status:    record.Status,
		StartedAt: record.StartedAt.UnixMilli(),
	})
	if err != nil {
		L_warn("subagent: failed to persist record", "id", record.ID, "error", err)
	}
}

// ActiveCount returns the number of live (non-completed) records.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.record.Status != StatusCompleted {
			n++
		}
	}
	return n
}

// Records returns a snapshot of all known records, live and completed.
func (s *Supervisor) Records() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Record, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.record)
	}
	return out
}

// probePort finds a free TCP port, probing upward from s.nextPort.
func (s *Supervisor) probePort() (int, error) {
	for port := s.nextPort; port < s.nextPort+1000; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			ln.Close()
			return port, nil
		}
	}
	return 0, fmt.Errorf("no free port found starting at %d", s.nextPort)
}

// Spawn starts a child Tool Server for task, bound to session sessionKey,
// and waits for its listener to accept connections before returning.
func (s *Supervisor) Spawn(ctx context.Context, sessionKey, task string, timeout time.Duration) (*Record, error) {
	if !s.cfg.Enabled {
		return nil, ErrDisabled
	}
	if s.isSubagent && !s.cfg.AllowNested {
		return nil, ErrNoNesting
	}

	s.mu.Lock()
	active := 0
	for _, e := range s.entries {
		if e.record.Status != StatusCompleted {
			active++
		}
	}
	if s.cfg.MaxConcurrent > 0 && active >= s.cfg.MaxConcurrent {
		s.mu.Unlock()
		return nil, ErrAtCapacity
	}
	port, err := s.probePort()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.nextPort = port + 1
	s.mu.Unlock()

	id := uuid.New().String()
	record := &Record{
		ID:         id,
		SessionKey: sessionKey,
		Port:       port,
		Task:       task,
		StartedAt:  time.Now(),
		Timeout:    timeout,
		Status:     StatusStarting,
	}

	args := []string{"serve", "--port", strconv.Itoa(port), "--cwd", s.cwd, "--subagent"}
	cmd := exec.Command(s.binary, args...) //nolint:gosec // G204: binary is from os.Executable(), self-spawning
	stdout, _ := cmd.StdoutPipe()
	stderr, _ := cmd.StderrPipe()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn subagent: %w", err)
	}
	go streamToLog(id, stdout)
	go streamToLog(id, stderr)

	s.mu.Lock()
	s.entries[id] = &entry{record: record, cmd: cmd}
	s.mu.Unlock()
	s.persistRecord(record)

	if err := waitForListener(ctx, port, dialTimeout); err != nil {
		L_warn("subagent: child did not come up", "id", id, "port", port, "error", err)
		s.Kill(id)
		return nil, fmt.Errorf("subagent did not come up: %w", err)
	}

	s.mu.Lock()
	record.Status = StatusRunning
	s.mu.Unlock()
	s.persistRecord(record)

	L_info("subagent: spawned", "id", id, "port", port, "task", task)
	return record, nil
}

func streamToLog(id string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		L_debug("subagent: child output", "id", id, "line", scanner.Text())
	}
}

func waitForListener(ctx context.Context, port int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return fmt.Errorf("timed out waiting for %s", addr)
}

// reapExpiredLocked marks any record past its timeout as completed and
// kills its process. Caller must hold s.mu.
func (s *Supervisor) reapExpiredLocked(now time.Time) {
	for id, e := range s.entries {
		if e.record.Status != StatusCompleted && e.record.expired(now) {
			L_info("subagent: reaping expired subagent", "id", id)
			s.killLocked(id)
		}
	}
}

// Sweep reaps all expired records. Intended to run on a dedicated
// cleanup worker.
func (s *Supervisor) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapExpiredLocked(time.Now())
}

// Query connects to the subagent over MCP and invokes its chat tool,
// reaping any expired subagents first.
func (s *Supervisor) Query(ctx context.Context, id, prompt string) (string, error) {
	s.mu.Lock()
	s.reapExpiredLocked(time.Now())
	e, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return "", ErrNotFound
	}
	if e.record.Status == StatusCompleted {
		return "", ErrNotFound
	}

	return callChat(ctx, e.record.Port, prompt)
}

// Kill marks id completed, terminates its process, and drops the local
// record.
func (s *Supervisor) Kill(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killLocked(id)
}

func (s *Supervisor) killLocked(id string) error {
	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.record.Status = StatusCompleted
	if e.cmd != nil && e.cmd.Process != nil {
		_ = e.cmd.Process.Kill()
	}
	delete(s.entries, id)
	s.persistRecord(e.record)
	return nil
}

// rpcMessage mirrors the wire shape of internal/rpc.Request/Response for
// the client side of a Query call.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type chatResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

// callChat dials the subagent's TCP socket, performs the MCP handshake,
// and invokes tools/call "chat" with prompt as its argument.
func callChat(ctx context.Context, port int, prompt string) (string, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return "", fmt.Errorf("dial subagent: %w", err)
	}
	defer conn.Close()

	enc := json.NewEncoder(conn)
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if err := enc.Encode(rpcMessage{JSONRPC: "2.0", ID: 1, Method: "initialize", Params: map[string]any{}}); err != nil {
		return "", fmt.Errorf("send initialize: %w", err)
	}
	if !scanner.Scan() {
		return "", fmt.Errorf("no response to initialize: %w", scanner.Err())
	}

	if err := enc.Encode(rpcMessage{
		JSONRPC: "2.0",
		ID:      2,
		Method:  "tools/call",
		Params:  map[string]any{"name": "chat", "arguments": map[string]any{"prompt": prompt}},
	}); err != nil {
		return "", fmt.Errorf("send tools/call: %w", err)
	}
	if !scanner.Scan() {
		return "", fmt.Errorf("no response to tools/call: %w", scanner.Err())
	}

	var resp rpcMessage
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("subagent error: %s", resp.Error.Message)
	}

	var result chatResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("parse chat result: %w", err)
	}
	var text string
	for _, c := range result.Content {
		text += c.Text
	}
	return text, nil
}
