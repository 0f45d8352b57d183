package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vigil/internal/action"
	"vigil/internal/paths"
)

// ExecOutcome classifies how a subprocess ended.
type ExecOutcome string

const (
	OutcomeOK       ExecOutcome = "ok"
	OutcomeNonZero  ExecOutcome = "nonzero"
	OutcomeTimedOut ExecOutcome = "timed_out"
	OutcomeFailed   ExecOutcome = "failed"
)

// ExecutionLog is the persisted record of one subprocess run. It is
// written for every execution, successful or not.
type ExecutionLog struct {
	ID         string      `json:"id"`
	Cycle      int         `json:"cycle"`
	Command    string      `json:"command"`
	WorkingDir string      `json:"working_dir"`
	Outcome    ExecOutcome `json:"outcome"`
	ExitCode   int         `json:"exit_code"`
	Stdout     string      `json:"stdout"`
	Stderr     string      `json:"stderr"`
	DurationMS int64       `json:"duration_ms"`
	Timestamp  time.Time   `json:"timestamp"`
}

// runShell executes a command through sh -c inside the sandbox. The
// timeout comes from the action, clamped to the configured maximum;
// stdout and stderr are captured and truncated separately so one
// noisy stream cannot crowd out the other.
func (e *Executor) runShell(ctx context.Context, cycle int, v action.Execute) Result {
	res := Result{Kind: action.KindExecute, Target: v.Command}

	workdir := v.WorkingDir
	if workdir == "" {
		workdir = paths.ZoneProjects
	}
	physDir, err := e.sandbox.Resolve(workdir)
	if err != nil {
		res.Error = fmt.Sprintf("working dir: %v", err)
		return res
	}
	if err := os.MkdirAll(physDir, 0o755); err != nil {
		res.Error = fmt.Sprintf("working dir: %v", err)
		return res
	}

	timeout := v.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	if timeout > e.cfg.MaxTimeout {
		timeout = e.cfg.MaxTimeout
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", v.Command)
	cmd.Dir = physDir
	cmd.Env = os.Environ()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	rec := ExecutionLog{
		ID:         uuid.NewString(),
		Cycle:      cycle,
		Command:    v.Command,
		WorkingDir: workdir,
		Stdout:     truncate(stdout.String(), e.cfg.OutputCapBytes),
		Stderr:     truncate(stderr.String(), e.cfg.OutputCapBytes),
		DurationMS: elapsed.Milliseconds(),
		Timestamp:  start.UTC(),
	}

	switch {
	case execCtx.Err() == context.DeadlineExceeded:
		rec.Outcome = OutcomeTimedOut
		rec.ExitCode = -1
		res.Error = fmt.Sprintf("command timed out after %s", timeout)
	case runErr == nil:
		rec.Outcome = OutcomeOK
		res.Success = true
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			rec.Outcome = OutcomeNonZero
			rec.ExitCode = exitErr.ExitCode()
			res.Error = fmt.Sprintf("exit status %d", rec.ExitCode)
		} else {
			rec.Outcome = OutcomeFailed
			rec.ExitCode = -1
			res.Error = runErr.Error()
		}
	}

	output := rec.Stdout
	if rec.Stderr != "" {
		if output != "" {
			output += "\n--- stderr ---\n"
		}
		output += rec.Stderr
	}
	res.Output = output

	if err := e.persistExecutionLog(rec); err != nil {
		e.log.Warn("execution log not persisted", zap.String("id", rec.ID), zap.Error(err))
	}
	e.log.Info("command executed",
		zap.String("id", rec.ID),
		zap.String("outcome", string(rec.Outcome)),
		zap.Int("exit_code", rec.ExitCode),
		zap.Duration("duration", elapsed))
	return res
}

func (e *Executor) persistExecutionLog(rec ExecutionLog) error {
	physical, err := e.sandbox.Resolve(fmt.Sprintf("/state/execution/%s.json", rec.ID))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(physical), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(physical, data, 0o644)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n...[truncated]"
}
