// Command toolserver runs the MCP Tool Server: a JSON-RPC 2.0 endpoint,
// over stdio or a TCP socket, serving the file/shell/memory/subagent tool
// set to an LLM-driven client.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"golang.org/x/term"

	"github.com/llamar/toolserver/internal/config"
	"github.com/llamar/toolserver/internal/cron"
	. "github.com/llamar/toolserver/internal/logging"
	"github.com/llamar/toolserver/internal/memory"
	"github.com/llamar/toolserver/internal/ratelimit"
	"github.com/llamar/toolserver/internal/rpc"
	"github.com/llamar/toolserver/internal/session"
	"github.com/llamar/toolserver/internal/skills"
	"github.com/llamar/toolserver/internal/skills/builtin"
	"github.com/llamar/toolserver/internal/subagent"
	"github.com/llamar/toolserver/internal/transport"
)

var version = "dev"

// CLI defines the command-line interface. This binary only needs enough
// of one to select a transport and working directory; richer flags belong
// to the client driving it.
type CLI struct {
	Debug bool `help:"Enable debug logging" short:"d"`

	Serve   ServeCmd   `cmd:"" default:"withargs" help:"Run the tool server"`
	Version VersionCmd `cmd:"" help:"Show version"`
	Task    TaskCmd    `cmd:"" help:"Inspect and manage scheduled tasks"`
}

// TaskCmd groups the scheduled-task inspector subcommands used to manage
// the same tasks.json the cron daemon consumes.
type TaskCmd struct {
	List     TaskListCmd     `cmd:"" help:"List scheduled tasks"`
	Validate TaskValidateCmd `cmd:"" help:"Check whether a cron expression is well-formed"`
}

// TaskListCmd prints every stored task and its next run time.
type TaskListCmd struct{}

func (c *TaskListCmd) Run() error {
	store := cron.NewStore("", "")
	if err := store.Load(); err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	for _, t := range store.All() {
		next := "-"
		if t.NextRun != nil {
			next = t.NextRun.Format(time.RFC3339)
		}
		fmt.Printf("%s\t%s\t%s\tnext=%s\truns=%d\n", t.ID, t.Name, t.Status, next, t.RunCount)
	}
	return nil
}

// TaskValidateCmd reports whether an expression is acceptable to the
// scheduler, using gronx's parser as a fast human-facing check before a
// caller commits a task with it.
type TaskValidateCmd struct {
	Schedule string `arg:"" help:"cron expression or @hourly/@daily/@weekly/@monthly shortcut"`
}

func (c *TaskValidateCmd) Run() error {
	if !cron.ValidateExpr(c.Schedule) {
		return fmt.Errorf("invalid cron expression: %q", c.Schedule)
	}
	next, err := cron.ParseCronNext(c.Schedule, time.Now())
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	fmt.Printf("valid, next run: %s\n", next.Format(time.RFC3339))
	return nil
}

// ServeCmd runs the tool server in the foreground.
type ServeCmd struct {
	Port     int    `help:"TCP port to listen on; omit for stdio" short:"p"`
	Cwd      string `help:"Working directory for path validation and tool bodies" type:"path"`
	Subagent bool   `help:"Mark this process as itself a spawned subagent (gates allow_nested)"`
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (v *VersionCmd) Run() error {
	fmt.Println(version)
	return nil
}

func (s *ServeCmd) Run() error {
	cwd := s.Cwd
	if cwd == "" {
		var err error
		cwd, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("determine working directory: %w", err)
		}
	}

	cfg, err := config.Load(cwd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determine home directory: %w", err)
	}
	agentsRoot := filepath.Join(home, ".llamar", "agents")

	sessions := session.NewStore(agentsRoot, "main")

	reg := skills.NewRegistry()
	sup := subagent.New(cfg.Subagents, cwd, s.Subagent)
	sup.AttachMetadata(sessions)
	builtin.Register(reg, nil, sup)

	// The chunk index backs search_fts/index_file and the background
	// re-indexing of the workspace; losing it degrades the server to the
	// Markdown memory face rather than failing startup. The DB is
	// single-writer, so only the parent process opens it — subagents get
	// the restricted default_tools surface without the index tools.
	if !s.Subagent {
		workspace := filepath.Join(home, ".llamar", "workspace")
		if db, err := memory.Open(filepath.Join(workspace, "memory", "main.sqlite")); err != nil {
			L_warn("toolserver: failed to open memory index, index tools disabled", "error", err)
		} else {
			defer db.Close()
			indexer := memory.NewIndexer(db, workspace, nil)
			builtin.RegisterMemoryIndex(reg, db, indexer)
			sessions.OnTranscriptAppend(func(sessionFile string) {
				if _, err := indexer.IndexClaudeSession(sessionFile); err != nil {
					L_warn("toolserver: failed to index session transcript", "path", sessionFile, "error", err)
				}
			})
			if err := indexer.Start(); err != nil {
				L_warn("toolserver: failed to start memory indexer", "error", err)
			} else {
				defer indexer.Stop()
			}
		}
	}

	if err := skills.LoadWorkspaceSkills(reg, filepath.Join(home, ".llamar", "skills"), skills.NewAuditor()); err != nil {
		L_warn("toolserver: failed to load workspace skills", "error", err)
	}

	var allowTools map[string]bool
	if s.Subagent && len(cfg.Subagents.DefaultTools) > 0 {
		allowTools = make(map[string]bool, len(cfg.Subagents.DefaultTools))
		for _, t := range cfg.Subagents.DefaultTools {
			allowTools[t] = true
		}
	}

	handler := &rpc.Handler{
		Cfg:         cfg,
		Cwd:         cwd,
		SessionsDir: sessions.Dir(),
		Registry:    reg,
		Sessions:    sessions,
		Approve:     approvalCallback(),
		AllowTools:  allowTools,
		Limiter:     ratelimit.New(cfg),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if !s.Subagent {
		go runCronDaemon(ctx, cfg)
		go runSubagentSweep(ctx, sup)
	}

	if s.Port > 0 {
		srv, err := transport.Listen(s.Port)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		defer srv.Close()
		L_info("toolserver: listening", "addr", srv.Addr())
		return srv.Serve(ctx, handler)
	}

	L_info("toolserver: serving over stdio")
	return transport.RunStdio(ctx, handler, os.Stdin, os.Stdout)
}

// runCronDaemon drives the task scheduler on its own worker. With no
// agent loop wired into this binary, due tasks report a stub failure
// rather than silently vanishing.
func runCronDaemon(ctx context.Context, cfg *config.Config) {
	store := cron.NewStore("", "")
	if err := store.Load(); err != nil {
		L_warn("toolserver: failed to load tasks", "error", err)
		return
	}
	cron.RunDaemon(ctx, store, 30*time.Second, func(task *cron.Task) cron.Outcome {
		return cron.Outcome{Success: false, Error: "no agent loop is wired into this tool server build"}
	})
}

// runSubagentSweep reaps expired subagents on a dedicated worker.
func runSubagentSweep(ctx context.Context, sup *subagent.Supervisor) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sup.Sweep()
		}
	}
}

// approvalCallback wires an interactive yes/no TTY prompt for "ask"
// decisions when stdin is a terminal. Over a non-terminal (the common
// case: a client driving this process over a pipe or socket) no
// callback is installed and "ask" degenerates to deny.
func approvalCallback() func(tool, description string) bool {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}
	reader := bufio.NewReader(os.Stdin)
	return func(tool, description string) bool {
		fmt.Fprintf(os.Stderr, "Approve %s (%s)? [y/N] ", tool, description)
		line, err := reader.ReadString('\n')
		if err != nil {
			return false
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes"
	}
}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("toolserver"),
		kong.Description("MCP tool server for an interactive coding agent"),
		kong.UsageOnError(),
	)

	level := LevelInfo
	if cli.Debug {
		level = LevelDebug
	}
	Init(&Config{Level: level, ShowCaller: true})

	if err := kctx.Run(); err != nil {
		L_fatal("toolserver: command failed", "error", err)
	}
}
