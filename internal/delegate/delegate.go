// Package delegate runs bounded-turn reasoning sub-tasks. Workers get a
// read-only tool surface over the sandbox zones and return finished
// content for the caller to write through the normal executor pipeline;
// they are never granted the write path. Concurrency and cumulative
// cost are governed here.
package delegate

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"go.uber.org/zap"

	"vigil/internal/ledger"
	"vigil/internal/paths"
	"vigil/internal/reason"
)

// Task is one delegated sub-task.
type Task struct {
	ID         string
	Type       string
	TargetPath string
	Brief      string
}

// TaskResult is the outcome of one sub-task.
type TaskResult struct {
	Task    Task
	Content string
	Turns   int
	CostUSD float64
	Skipped bool // budget ceiling reached before the task started
	Err     error
}

// Config bounds the orchestrator.
type Config struct {
	MaxTurns        int
	BatchWidth      int
	CeilingUSD      float64
	MaxTasks        int
	ToolReadCap     int
	MaxOutputTokens int
}

// Orchestrator fans sub-tasks out to the reasoning backend.
type Orchestrator struct {
	backend reason.Backend
	ledger  *ledger.Ledger
	sandbox *paths.Sandbox
	cfg     Config
	log     *zap.Logger
}

// NewOrchestrator wires the orchestrator to its collaborators.
func NewOrchestrator(backend reason.Backend, led *ledger.Ledger, sandbox *paths.Sandbox, cfg Config, log *zap.Logger) *Orchestrator {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 6
	}
	if cfg.BatchWidth <= 0 {
		cfg.BatchWidth = 3
	}
	if cfg.CeilingUSD <= 0 {
		cfg.CeilingUSD = 0.50
	}
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = 10
	}
	if cfg.ToolReadCap <= 0 {
		cfg.ToolReadCap = 32 * 1024
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = 4096
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{backend: backend, ledger: led, sandbox: sandbox, cfg: cfg, log: log}
}

// Run executes tasks in batches no wider than the configured limit.
// Before each batch, accumulated spend for this call is compared to the
// ceiling: once reached, every remaining task is marked skipped without
// touching the backend. A hard stop, not backpressure.
func (o *Orchestrator) Run(ctx context.Context, cycle int, tasks []Task) []TaskResult {
	results := make([]TaskResult, len(tasks))

	if len(tasks) > o.cfg.MaxTasks {
		for i := o.cfg.MaxTasks; i < len(tasks); i++ {
			results[i] = TaskResult{Task: tasks[i], Skipped: true,
				Err: fmt.Errorf("delegation task cap %d exceeded", o.cfg.MaxTasks)}
		}
		tasks = tasks[:o.cfg.MaxTasks]
	}

	var mu sync.Mutex
	spent := 0.0

	for start := 0; start < len(tasks); start += o.cfg.BatchWidth {
		end := start + o.cfg.BatchWidth
		if end > len(tasks) {
			end = len(tasks)
		}

		mu.Lock()
		overBudget := spent >= o.cfg.CeilingUSD
		mu.Unlock()
		if overBudget {
			for i := start; i < len(tasks); i++ {
				results[i] = TaskResult{Task: tasks[i], Skipped: true,
					Err: fmt.Errorf("delegation budget ceiling %.2f USD reached", o.cfg.CeilingUSD)}
			}
			o.log.Warn("delegation budget ceiling reached; skipping remaining tasks",
				zap.Float64("spent_usd", spent), zap.Int("skipped", len(tasks)-start))
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				res := o.runTask(gctx, cycle, tasks[i])
				mu.Lock()
				spent += res.CostUSD
				mu.Unlock()
				results[i] = res
				return nil
			})
		}
		_ = g.Wait()
	}
	return results
}

var toolCallRe = regexp.MustCompile(`<tool\s+name="(read_file|list_files)"\s+path="([^"]*)"\s*/?>`)

const workerSystemPrompt = `You are a focused sub-worker for an autonomous agent. Complete the task below and reply with the finished content only.

You may inspect the agent's files before answering by replying with exactly one tool call and nothing else:
  <tool name="read_file" path="/zone/path"/>
  <tool name="list_files" path="/zone/dir"/>

When you are done, reply with the final content and no tool call.`

// runTask drives one sub-task conversation up to the turn cap. The
// result is named so the deferred cost accounting lands on it.
func (o *Orchestrator) runTask(ctx context.Context, cycle int, task Task) (res TaskResult) {
	res.Task = task

	var transcript strings.Builder
	transcript.WriteString("Task type: " + task.Type + "\n")
	transcript.WriteString("Target path: " + task.TargetPath + "\n\n")
	transcript.WriteString(task.Brief)

	var totalIn, totalOut int
	var lastText string

	defer func() {
		if totalIn+totalOut == 0 || o.ledger == nil {
			return
		}
		cost, err := o.ledger.RecordUsage(cycle, totalIn, totalOut, ledger.ClassDelegate, "delegation")
		if err != nil {
			o.log.Error("delegation usage not recorded", zap.Error(err))
		}
		res.CostUSD = cost
	}()

	for turn := 1; turn <= o.cfg.MaxTurns; turn++ {
		res.Turns = turn

		resp, err := o.backend.Reason(ctx, workerSystemPrompt, transcript.String(), o.cfg.MaxOutputTokens)
		if err != nil {
			res.Err = fmt.Errorf("sub-task turn %d: %w", turn, err)
			return res
		}
		totalIn += resp.Usage.InputTokens
		totalOut += resp.Usage.OutputTokens
		lastText = resp.Text

		m := toolCallRe.FindStringSubmatch(resp.Text)
		if m == nil {
			res.Content = strings.TrimSpace(resp.Text)
			return res
		}

		out, err := o.runTool(m[1], m[2])
		if err != nil {
			out = "tool error: " + err.Error()
		}
		transcript.WriteString("\n\n[tool " + m[1] + " " + m[2] + "]\n")
		transcript.WriteString(out)
	}

	// Turn cap reached: salvage whatever text the last turn produced
	// rather than failing outright.
	salvaged := strings.TrimSpace(toolCallRe.ReplaceAllString(lastText, ""))
	if salvaged != "" {
		o.log.Warn("sub-task hit turn cap; salvaging last output",
			zap.String("task", task.ID), zap.Int("turns", o.cfg.MaxTurns))
		res.Content = salvaged
		return res
	}
	res.Err = fmt.Errorf("sub-task produced no final answer in %d turns", o.cfg.MaxTurns)
	return res
}

// runTool executes the read-only tool surface. Both tools resolve
// through the sandbox read pipeline; there is no write tool.
func (o *Orchestrator) runTool(name, logical string) (string, error) {
	switch name {
	case "read_file":
		physical, err := o.sandbox.ResolveRead(logical)
		if err != nil {
			return "", err
		}
		data, err := os.ReadFile(physical)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", logical, err)
		}
		if len(data) > o.cfg.ToolReadCap {
			data = data[:o.cfg.ToolReadCap]
		}
		return string(data), nil
	case "list_files":
		physical, err := o.sandbox.ResolveRead(logical)
		if err != nil {
			return "", err
		}
		entries, err := os.ReadDir(physical)
		if err != nil {
			return "", fmt.Errorf("list %s: %w", logical, err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		sort.Strings(names)
		return strings.Join(names, "\n"), nil
	}
	return "", fmt.Errorf("unknown tool %q", name)
}
