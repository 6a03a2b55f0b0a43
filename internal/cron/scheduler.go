package cron

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	cronlib "github.com/robfig/cron/v3"

	. "github.com/llamar/toolserver/internal/logging"
)

// shortcuts maps the named schedules to standard 5-field cron
// expressions. These differ from unix-cron's own @daily/@weekly/@monthly
// (which fire at midnight): here they fire at 08:00 local time.
var shortcuts = map[string]string{
	"@hourly":  "0 * * * *",
	"@daily":   "0 8 * * *",
	"@weekly":  "0 8 * * 1",
	"@monthly": "0 8 1 * *",
}

var parser = cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow)

var exprValidator = gronx.New()

// ValidateExpr reports whether expr is acceptable to ParseCronNext: one of
// the named shortcuts, or a 5-field cron expression gronx's parser
// accepts. Used by the task store and the CLI's "task validate" command to
// give a human a fast yes/no before a bad expression ever reaches the
// scheduler, which cares only about ParseCronNext succeeding.
func ValidateExpr(expr string) bool {
	expr = strings.TrimSpace(expr)
	if _, ok := shortcuts[expr]; ok {
		return true
	}
	return exprValidator.IsValid(expr)
}

// ParseCronNext computes the next instant strictly after from that expr's
// schedule selects, expanding shortcuts before parsing. The
// computation runs in from's own location, so callers get DST-correct
// advancement for free from time.Time arithmetic.
func ParseCronNext(expr string, from time.Time) (time.Time, error) {
	expr = strings.TrimSpace(expr)
	if mapped, ok := shortcuts[expr]; ok {
		expr = mapped
	}
	schedule, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return schedule.Next(from), nil
}

// Notify routes a task's outcome to its configured sink. "console" logs it;
// "file:<path>" appends a line to path; anything else is logged as an
// unsupported external channel, since messaging delivery belongs to the
// channel integrations outside this server.
func Notify(task *Task, outcome Outcome) {
	sink := task.NotificationSink
	if sink == "" {
		sink = "console"
	}

	line := fmt.Sprintf("[%s] task %q: success=%v result=%q error=%q\n",
		time.Now().Format(time.RFC3339), task.Name, outcome.Success, outcome.Result, outcome.Error)

	switch {
	case sink == "console":
		L_info("cron: task completed", "task", task.Name, "success", outcome.Success)
	case strings.HasPrefix(sink, "file:"):
		path := strings.TrimPrefix(sink, "file:")
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			L_warn("cron: failed to open notification sink file", "path", path, "error", err)
			return
		}
		defer f.Close()
		if _, err := f.WriteString(line); err != nil {
			L_warn("cron: failed to write notification sink file", "path", path, "error", err)
		}
	default:
		L_warn("cron: notification sink is an external channel, not delivered by the core", "sink", sink, "task", task.Name)
	}
}

// Step advances the scheduler once: query due active tasks, run each,
// append a run row, advance next_run, and notify.
func Step(store *Store, now time.Time, run RunTaskFunc) {
	for _, task := range store.Due(now) {
		start := time.Now()
		outcome := run(task)
		finished := time.Now()

		status := RunStatusOK
		if !outcome.Success {
			status = RunStatusError
		}
		if err := store.AppendRun(&TaskRun{
			TaskID:     task.ID,
			StartedAt:  start,
			FinishedAt: &finished,
			Status:     status,
			Result:     outcome.Result,
			Error:      outcome.Error,
			TokensUsed: outcome.TokensUsed,
		}); err != nil {
			L_warn("cron: failed to append task run", "task", task.Name, "error", err)
		}

		task.LastRun = &start
		task.RunCount++
		task.LastResult = outcome.Result
		task.LastError = outcome.Error

		if next, err := ParseCronNext(task.Schedule, now); err != nil {
			L_warn("cron: failed to compute next run, pausing task", "task", task.Name, "error", err)
			task.Status = StatusPaused
			task.NextRun = nil
		} else {
			task.NextRun = &next
		}

		if err := store.Update(task); err != nil {
			L_warn("cron: failed to persist task after run", "task", task.Name, "error", err)
		}

		Notify(task, outcome)
	}
}
