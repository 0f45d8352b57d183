// Package supervisor owns the agent lifecycle: it wakes the agent on
// schedule, runs one reasoning cycle at a time, and puts it to sleep
// or into dormancy afterwards.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"vigil/internal/action"
	"vigil/internal/config"
	"vigil/internal/executor"
	"vigil/internal/ledger"
	"vigil/internal/paths"
	"vigil/internal/policy"
	"vigil/internal/reason"
)

// State of the agent lifecycle.
type State string

const (
	// StateIdle means asleep, waiting for the next scheduled wake.
	StateIdle State = "idle"
	// StateRunning means a cycle is in flight. Wakes are rejected.
	StateRunning State = "running"
	// StateDormant means out of budget or cut off from the backend.
	// Scheduled wakes still fire but end immediately unless the
	// condition has been lifted.
	StateDormant State = "dormant"
)

// Executor performs approved actions.
type Executor interface {
	Execute(ctx context.Context, cycle int, actions []action.Action) []executor.Result
}

// Policy screens parsed actions before execution.
type Policy interface {
	Filter(actions []action.Action) []action.Action
}

// historyFile is the persisted per-cycle work record, one JSON line
// per cycle.
const historyFile = "/state/history.jsonl"

// CycleRecord summarizes one finished cycle for the history file and
// the next briefing.
type CycleRecord struct {
	Cycle      int       `json:"cycle"`
	Trigger    string    `json:"trigger"`
	Timestamp  time.Time `json:"timestamp"`
	Proposed   int       `json:"proposed_actions"`
	Approved   int       `json:"approved_actions"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	CostUSD    float64   `json:"cost_usd"`
	BalanceUSD float64   `json:"balance_usd"`
	Outcome    string    `json:"outcome"`
}

// Status is a point-in-time snapshot for operators.
type Status struct {
	State      State     `json:"state"`
	Cycle      int       `json:"cycle"`
	BalanceUSD float64   `json:"balance_usd"`
	Schedule   string    `json:"schedule"`
	NextWake   time.Time `json:"next_wake"`
}

// Supervisor drives the wake/work/sleep loop.
type Supervisor struct {
	cfg       *config.Config
	sandbox   *paths.Sandbox
	backend   reason.Backend
	policy    Policy
	exec      Executor
	ledger    *ledger.Ledger
	decisions *policy.Store
	schedule  *Schedule
	log       *zap.Logger

	mu    sync.Mutex
	state State
	cycle int
}

// New assembles a supervisor. decisions may be nil; briefings then
// omit the recent-decision section.
func New(cfg *config.Config, sandbox *paths.Sandbox, backend reason.Backend, pol Policy, exec Executor, led *ledger.Ledger, decisions *policy.Store, schedule *Schedule, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		cfg:       cfg,
		sandbox:   sandbox,
		backend:   backend,
		policy:    pol,
		exec:      exec,
		ledger:    led,
		decisions: decisions,
		schedule:  schedule,
		log:       log,
		state:     StateIdle,
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status reports the lifecycle, economic position, and next wake.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st, cycle := s.state, s.cycle
	s.mu.Unlock()
	return Status{
		State:      st,
		Cycle:      cycle,
		BalanceUSD: s.ledger.Balance(),
		Schedule:   s.schedule.Expr(),
		NextWake:   s.schedule.Next(time.Now()),
	}
}

// Wake runs one full cycle. It returns false without doing anything
// when a cycle is already in flight; there is never more than one.
func (s *Supervisor) Wake(ctx context.Context, trigger string) bool {
	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		s.log.Warn("wake rejected, cycle in flight", zap.String("trigger", trigger))
		return false
	}
	s.state = StateRunning
	s.cycle++
	cycle := s.cycle
	s.mu.Unlock()

	next := s.runCycle(ctx, cycle, trigger)

	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
	s.log.Info("cycle finished", zap.Int("cycle", cycle), zap.String("state", string(next)))
	return true
}

// runCycle is the body of one awakening. A panic anywhere inside it is
// contained to the cycle.
func (s *Supervisor) runCycle(ctx context.Context, cycle int, trigger string) (next State) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("cycle panicked", zap.Int("cycle", cycle), zap.Any("panic", r))
			next = StateIdle
		}
	}()

	// Budget gate first: a broke agent never reaches the backend.
	if !s.ledger.HasBudget() {
		s.log.Warn("budget exhausted, going dormant", zap.Int("cycle", cycle))
		s.appendHistory(CycleRecord{Cycle: cycle, Trigger: trigger, Timestamp: time.Now().UTC(), Outcome: "dormant: budget exhausted"})
		return StateDormant
	}
	if !s.backend.Available() {
		s.log.Warn("backend unavailable, going dormant", zap.Int("cycle", cycle))
		s.appendHistory(CycleRecord{Cycle: cycle, Trigger: trigger, Timestamp: time.Now().UTC(), Outcome: "dormant: backend unavailable"})
		return StateDormant
	}

	brief := s.buildBriefing(cycle, trigger)
	resp, err := s.backend.Reason(ctx, brief.System, brief.User, s.cfg.LLM.MaxOutputTokens)
	if err != nil {
		if errors.Is(err, reason.ErrUnavailable) {
			s.log.Error("backend rejected credentials, going dormant", zap.Error(err))
			s.appendHistory(CycleRecord{Cycle: cycle, Trigger: trigger, Timestamp: time.Now().UTC(), Outcome: "dormant: credentials rejected"})
			return StateDormant
		}
		s.log.Error("reasoning failed, sleeping until next wake", zap.Int("cycle", cycle), zap.Error(err))
		return StateIdle
	}

	cost, err := s.ledger.RecordUsage(cycle, resp.Usage.InputTokens, resp.Usage.OutputTokens, ledger.ClassPrimary, "cycle")
	if err != nil {
		s.log.Error("usage not recorded", zap.Error(err))
	}

	proposed := action.Parse(resp.Text, s.log)
	approved := s.policy.Filter(proposed)
	results := s.exec.Execute(ctx, cycle, approved)

	rec := CycleRecord{
		Cycle:      cycle,
		Trigger:    trigger,
		Timestamp:  time.Now().UTC(),
		Proposed:   len(proposed),
		Approved:   len(approved),
		CostUSD:    cost,
		BalanceUSD: s.ledger.Balance(),
		Outcome:    "completed",
	}
	for _, r := range results {
		if r.Success {
			rec.Succeeded++
		} else {
			rec.Failed++
			s.log.Warn("action failed", zap.String("kind", string(r.Kind)), zap.String("error", r.Error))
		}
	}
	s.appendHistory(rec)
	s.writeSummary(rec, results)

	if !s.ledger.HasBudget() {
		s.log.Warn("budget exhausted after cycle, going dormant", zap.Int("cycle", cycle))
		return StateDormant
	}
	return StateIdle
}

// appendHistory adds one line to the work history, trimming the file
// to the retention cap when it overflows.
func (s *Supervisor) appendHistory(rec CycleRecord) {
	physical, err := s.sandbox.Resolve(historyFile)
	if err != nil {
		s.log.Error("history path rejected", zap.Error(err))
		return
	}
	if err := os.MkdirAll(filepath.Dir(physical), 0o755); err != nil {
		s.log.Error("history dir", zap.Error(err))
		return
	}

	line, err := json.Marshal(rec)
	if err != nil {
		s.log.Error("history marshal", zap.Error(err))
		return
	}

	existing, _ := os.ReadFile(physical)
	lines := splitHistoryLines(string(existing))
	lines = append(lines, string(line))
	if max := s.cfg.Retention.HistoryMax; max > 0 && len(lines) > max {
		lines = lines[len(lines)-max:]
	}
	if err := os.WriteFile(physical, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		s.log.Error("history write", zap.Error(err))
	}
}

// writeSummary overwrites the human-readable report of the most
// recent cycle.
func (s *Supervisor) writeSummary(rec CycleRecord, results []executor.Result) {
	physical, err := s.sandbox.Resolve("/state/last_cycle.md")
	if err != nil {
		s.log.Error("summary path rejected", zap.Error(err))
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Cycle %d\n\n", rec.Cycle)
	fmt.Fprintf(&b, "- woken by: %s\n- finished: %s\n- actions: %d proposed, %d approved, %d succeeded, %d failed\n- cost: %.4f USD (balance %.4f USD)\n\n",
		rec.Trigger, rec.Timestamp.Format(time.RFC3339), rec.Proposed, rec.Approved, rec.Succeeded, rec.Failed, rec.CostUSD, rec.BalanceUSD)
	for _, r := range results {
		status := "ok"
		if !r.Success {
			status = "failed: " + r.Error
		}
		fmt.Fprintf(&b, "- %s %s (%s)\n", r.Kind, r.Target, status)
	}
	if err := os.WriteFile(physical, []byte(b.String()), 0o644); err != nil {
		s.log.Error("summary write", zap.Error(err))
	}
}

// historyTail renders the last n cycle records for the briefing.
func (s *Supervisor) historyTail(n int) string {
	physical, err := s.sandbox.ResolveRead(historyFile)
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(physical)
	if err != nil {
		return ""
	}
	lines := splitHistoryLines(string(data))
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}

	var b strings.Builder
	for _, line := range lines {
		var rec CycleRecord
		if json.Unmarshal([]byte(line), &rec) != nil {
			continue
		}
		fmt.Fprintf(&b, "- cycle %d (%s): %s, %d/%d actions succeeded, %.4f USD\n",
			rec.Cycle, rec.Trigger, rec.Outcome, rec.Succeeded, rec.Succeeded+rec.Failed, rec.CostUSD)
	}
	return b.String()
}

func splitHistoryLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

// Run blocks, waking the agent on schedule until ctx is cancelled. It
// also watches the persisted schedule file so outside edits take
// effect without a restart.
func (s *Supervisor) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("schedule watcher: %w", err)
	}
	defer watcher.Close()

	schedPath, err := s.schedule.watchPath()
	if err != nil {
		return err
	}
	// Watch the directory; the file itself may not exist yet and
	// editors replace files rather than writing in place.
	if err := os.MkdirAll(filepath.Dir(schedPath), 0o755); err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(schedPath)); err != nil {
		return fmt.Errorf("watch schedule dir: %w", err)
	}

	timer := time.NewTimer(time.Until(s.schedule.Next(time.Now())))
	defer timer.Stop()

	s.log.Info("supervisor running",
		zap.String("schedule", s.schedule.Expr()),
		zap.Time("next_wake", s.schedule.Next(time.Now())))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-timer.C:
			s.Wake(ctx, "schedule")
			timer.Reset(time.Until(s.schedule.Next(time.Now())))

		case ev := <-watcher.Events:
			if ev.Name != schedPath || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			before := s.schedule.Expr()
			s.schedule.Reload()
			if s.schedule.Expr() != before {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(time.Until(s.schedule.Next(time.Now())))
			}

		case werr := <-watcher.Errors:
			s.log.Warn("schedule watcher error", zap.Error(werr))
		}
	}
}
