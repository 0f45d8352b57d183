// Package executor performs the concrete effect of approved actions.
// Every filesystem touch resolves through the path sandbox; every
// action is executed independently and failures are captured per
// result, never aborting the batch.
package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"vigil/internal/action"
	"vigil/internal/delegate"
	"vigil/internal/fetch"
	"vigil/internal/paths"
)

// Result is the outcome of one executed action, in input order.
type Result struct {
	Kind    action.Kind `json:"kind"`
	Target  string      `json:"target,omitempty"`
	Success bool        `json:"success"`
	Output  string      `json:"output,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Fetcher is the network collaborator. A nil result signals a
// disallowed domain or a transport failure.
type Fetcher interface {
	Get(ctx context.Context, url string) *fetch.Result
}

// Checkpointer triggers best-effort snapshots.
type Checkpointer interface {
	Create(ctx context.Context, label string) bool
}

// Delegator runs delegated sub-tasks under its own budget and
// concurrency governance.
type Delegator interface {
	Run(ctx context.Context, cycle int, tasks []delegate.Task) []delegate.TaskResult
}

// ScheduleSetter validates and persists a new wake schedule for the
// supervisor to re-read.
type ScheduleSetter interface {
	Set(expr string) error
}

// Config bounds the executor.
type Config struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	OutputCapBytes int
	WriteCapBytes  int64
}

// Executor executes approved actions inside the sandbox.
type Executor struct {
	sandbox     *paths.Sandbox
	fetcher     Fetcher
	checkpoints Checkpointer
	delegator   Delegator
	schedule    ScheduleSetter
	cfg         Config
	log         *zap.Logger
}

// New wires an executor to its collaborators. Any collaborator may be
// nil; the corresponding action kind then fails with a reported error
// instead of panicking.
func New(sandbox *paths.Sandbox, fetcher Fetcher, checkpoints Checkpointer, delegator Delegator, schedule ScheduleSetter, cfg Config, log *zap.Logger) *Executor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 60 * time.Second
	}
	if cfg.MaxTimeout < cfg.DefaultTimeout {
		cfg.MaxTimeout = 10 * time.Minute
	}
	if cfg.OutputCapBytes <= 0 {
		cfg.OutputCapBytes = 16 * 1024
	}
	if cfg.WriteCapBytes <= 0 {
		cfg.WriteCapBytes = 512 * 1024
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		sandbox:     sandbox,
		fetcher:     fetcher,
		checkpoints: checkpoints,
		delegator:   delegator,
		schedule:    schedule,
		cfg:         cfg,
		log:         log,
	}
}

// Execute performs each approved action and returns one result per
// input action, in input order. Delegate actions are validated here,
// handed to the orchestrator as a single batch, and their finished
// content lands through the normal write pipeline.
func (e *Executor) Execute(ctx context.Context, cycle int, actions []action.Action) []Result {
	results := make([]Result, len(actions))

	// Collect delegate actions for one orchestration call so the
	// orchestrator's batch and budget governance sees all of them.
	var tasks []delegate.Task
	taskOf := make(map[int]int)
	for i, a := range actions {
		d, ok := a.(action.Delegate)
		if !ok {
			continue
		}
		if d.Path == "" {
			results[i] = Result{Kind: action.KindDelegate, Success: false, Error: "delegate action missing target path"}
			continue
		}
		if _, err := e.sandbox.Resolve(d.Path); err != nil {
			results[i] = Result{Kind: action.KindDelegate, Target: d.Path, Success: false, Error: err.Error()}
			continue
		}
		if e.delegator == nil {
			results[i] = Result{Kind: action.KindDelegate, Target: d.Path, Success: false, Error: "delegation not available"}
			continue
		}
		taskOf[i] = len(tasks)
		tasks = append(tasks, delegate.Task{
			ID:         fmt.Sprintf("c%d-t%d", cycle, i),
			Type:       d.TaskType,
			TargetPath: d.Path,
			Brief:      d.Brief,
		})
	}

	var taskResults []delegate.TaskResult
	if len(tasks) > 0 {
		taskResults = e.delegator.Run(ctx, cycle, tasks)
	}

	for i, a := range actions {
		if _, ok := a.(action.Delegate); ok {
			if ti, scheduled := taskOf[i]; scheduled {
				results[i] = e.landDelegation(taskResults[ti])
			}
			continue
		}
		results[i] = e.run(ctx, cycle, a)
	}
	return results
}

// run executes one non-delegate action, containing panics to the
// single action.
func (e *Executor) run(ctx context.Context, cycle int, a action.Action) (res Result) {
	res.Kind = a.Kind()
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("action panicked", zap.String("kind", string(a.Kind())), zap.Any("panic", r))
			res.Success = false
			res.Error = fmt.Sprintf("internal error: %v", r)
		}
	}()

	switch v := a.(type) {
	case action.Write:
		return e.runWrite(v)
	case action.Serve:
		return e.runServe(v)
	case action.Think:
		return e.runThink(v)
	case action.Execute:
		return e.runShell(ctx, cycle, v)
	case action.Fetch:
		return e.runFetch(ctx, v)
	case action.Message:
		return e.runMessage(v)
	case action.Checkpoint:
		return e.runCheckpoint(ctx, v)
	case action.SetSchedule:
		return e.runSetSchedule(v)
	case action.Image:
		return Result{Kind: action.KindImage, Success: false,
			Error: "image generation not supported in this build"}
	}
	return Result{Kind: a.Kind(), Success: false, Error: "unhandled action kind"}
}

func (e *Executor) runWrite(v action.Write) Result {
	res := Result{Kind: action.KindWrite, Target: v.Path}
	if err := e.writeFile(v.Path, v.Content, v.Mode); err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	res.Output = fmt.Sprintf("%d bytes written", len(v.Content))
	return res
}

func (e *Executor) runThink(v action.Think) Result {
	res := Result{Kind: action.KindThink, Target: "/state/journal.md"}
	if err := e.writeFile("/state/journal.md", v.Content, action.ModeAppend); err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	return res
}

func (e *Executor) runFetch(ctx context.Context, v action.Fetch) Result {
	res := Result{Kind: action.KindFetch, Target: v.URL}
	if e.fetcher == nil {
		res.Error = "network fetch not available"
		return res
	}
	r := e.fetcher.Get(ctx, v.URL)
	if r == nil {
		// The collaborator logs whether the domain was disallowed or
		// the transport failed; callers get one generic failure.
		res.Error = "fetch failed"
		return res
	}
	res.Success = true
	res.Output = fmt.Sprintf("status %d\n%s", r.Status, r.Body)
	return res
}

func (e *Executor) runMessage(v action.Message) Result {
	logical := fmt.Sprintf("/comms/outbox/%d-%s.txt", time.Now().UnixMilli(), sanitizeName(v.Recipient))
	res := Result{Kind: action.KindMessage, Target: logical}
	body := fmt.Sprintf("To: %s\nDate: %s\n\n%s\n", v.Recipient, time.Now().UTC().Format(time.RFC3339), v.Content)
	if err := e.writeFile(logical, body, action.ModeOverwrite); err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	res.Output = "queued for " + v.Recipient
	return res
}

func (e *Executor) runCheckpoint(ctx context.Context, v action.Checkpoint) Result {
	res := Result{Kind: action.KindCheckpoint, Target: v.Label}
	if e.checkpoints == nil {
		res.Error = "checkpointing not available"
		return res
	}
	if !e.checkpoints.Create(ctx, v.Label) {
		res.Error = "checkpoint failed"
		return res
	}
	res.Success = true
	return res
}

func (e *Executor) runSetSchedule(v action.SetSchedule) Result {
	res := Result{Kind: action.KindSetSchedule, Target: v.Cron}
	if e.schedule == nil {
		res.Error = "scheduling not available"
		return res
	}
	if err := e.schedule.Set(v.Cron); err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	res.Output = "schedule updated to " + v.Cron
	return res
}

// landDelegation writes a finished sub-task's content through the
// normal write pipeline.
func (e *Executor) landDelegation(tr delegate.TaskResult) Result {
	res := Result{Kind: action.KindDelegate, Target: tr.Task.TargetPath}
	if tr.Skipped || tr.Err != nil {
		res.Error = "sub-task skipped"
		if tr.Err != nil {
			res.Error = tr.Err.Error()
		}
		return res
	}
	if err := e.writeFile(tr.Task.TargetPath, tr.Content, action.ModeOverwrite); err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	res.Output = fmt.Sprintf("sub-task finished in %d turns (%.4f USD)", tr.Turns, tr.CostUSD)
	return res
}

// writeFile is the single write path for every kind. It enforces the
// per-file ceiling before touching the file, including the resulting
// size for appends; exceeding it is a reported error, never silent
// truncation.
func (e *Executor) writeFile(logical, content string, mode action.WriteMode) error {
	physical, err := e.sandbox.Resolve(logical)
	if err != nil {
		return err
	}

	payload := []byte(content)
	if mode == action.ModeAppend {
		sep := fmt.Sprintf("\n\n--- %s ---\n", time.Now().UTC().Format(time.RFC3339))
		payload = append([]byte(sep), payload...)

		var existing int64
		if info, err := os.Stat(physical); err == nil {
			existing = info.Size()
		}
		if existing+int64(len(payload)) > e.cfg.WriteCapBytes {
			return fmt.Errorf("append to %s would exceed the %d byte file ceiling", logical, e.cfg.WriteCapBytes)
		}
	} else if int64(len(payload)) > e.cfg.WriteCapBytes {
		return fmt.Errorf("write to %s exceeds the %d byte file ceiling", logical, e.cfg.WriteCapBytes)
	}

	if err := os.MkdirAll(filepath.Dir(physical), 0o755); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", logical, err)
	}

	if mode == action.ModeAppend {
		f, err := os.OpenFile(physical, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open %s: %w", logical, err)
		}
		defer f.Close()
		if _, err := f.Write(payload); err != nil {
			return fmt.Errorf("append %s: %w", logical, err)
		}
		return nil
	}
	if err := os.WriteFile(physical, payload, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", logical, err)
	}
	return nil
}

func sanitizeName(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
