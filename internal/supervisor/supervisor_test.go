package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"

	"vigil/internal/config"
	"vigil/internal/executor"
	"vigil/internal/ledger"
	"vigil/internal/paths"
	"vigil/internal/policy"
	"vigil/internal/reason"
)

type fakeBackend struct {
	mu        sync.Mutex
	calls     int
	resp      *reason.Response
	err       error
	offline   bool
	holdUntil chan struct{}
}

func (f *fakeBackend) Reason(_ context.Context, _, _ string, _ int) (*reason.Response, error) {
	f.mu.Lock()
	f.calls++
	hold := f.holdUntil
	f.mu.Unlock()
	if hold != nil {
		<-hold
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeBackend) Available() bool { return !f.offline }

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func textResponse(text string) *reason.Response {
	return &reason.Response{
		Text:       text,
		Usage:      reason.TokenUsage{InputTokens: 1000, OutputTokens: 500},
		StopReason: "end_turn",
	}
}

func newTestSupervisor(t *testing.T, backend *fakeBackend, initialUSD float64) (*Supervisor, string) {
	t.Helper()
	root := t.TempDir()
	sb, err := paths.NewSandbox(root)
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}

	cfg := config.Default(root)
	cfg.Retention.HistoryMax = 50

	if err := os.MkdirAll(filepath.Join(root, "income"), 0o755); err != nil {
		t.Fatalf("income dir: %v", err)
	}
	led, err := ledger.Open(filepath.Join(root, "income", "ledger.json"), initialUSD, 100)
	if err != nil {
		t.Fatalf("Open ledger: %v", err)
	}

	sched, err := NewSchedule(sb, "0 */2 * * *", zap.NewNop())
	if err != nil {
		t.Fatalf("NewSchedule: %v", err)
	}

	pol := policy.NewEngine(sb, nil, zap.NewNop())
	exec := executor.New(sb, nil, nil, nil, sched, executor.Config{
		DefaultTimeout: 5 * time.Second,
		MaxTimeout:     10 * time.Second,
		OutputCapBytes: 4096,
		WriteCapBytes:  64 * 1024,
	}, zap.NewNop())

	return New(cfg, sb, backend, pol, exec, led, nil, sched, zap.NewNop()), root
}

func TestWakeRunsFullCycle(t *testing.T) {
	backend := &fakeBackend{resp: textResponse(
		`<think>time to work</think><write path="/projects/plan.md" mode="overwrite"># Plan</write>`)}
	s, root := newTestSupervisor(t, backend, 20)

	if !s.Wake(context.Background(), "test") {
		t.Fatal("wake rejected")
	}
	if got := s.State(); got != StateIdle {
		t.Fatalf("state = %q", got)
	}
	if backend.callCount() != 1 {
		t.Fatalf("backend calls = %d", backend.callCount())
	}

	data, err := os.ReadFile(filepath.Join(root, "projects", "plan.md"))
	if err != nil || string(data) != "# Plan" {
		t.Fatalf("written file: %q err=%v", data, err)
	}

	// Reasoning tokens were charged.
	if bal := s.ledger.Balance(); bal >= 20 {
		t.Fatalf("balance = %f, usage not charged", bal)
	}

	hist, err := os.ReadFile(filepath.Join(root, "state", "history.jsonl"))
	if err != nil {
		t.Fatalf("history missing: %v", err)
	}
	if !strings.Contains(string(hist), `"outcome":"completed"`) {
		t.Fatalf("history = %s", hist)
	}

	summary, err := os.ReadFile(filepath.Join(root, "state", "last_cycle.md"))
	if err != nil {
		t.Fatalf("summary missing: %v", err)
	}
	if !strings.Contains(string(summary), "# Cycle 1") {
		t.Fatalf("summary = %s", summary)
	}
}

func TestWakeSingleFlight(t *testing.T) {
	hold := make(chan struct{})
	backend := &fakeBackend{resp: textResponse("<think>slow</think>"), holdUntil: hold}
	s, _ := newTestSupervisor(t, backend, 20)

	done := make(chan bool)
	go func() { done <- s.Wake(context.Background(), "first") }()

	// Wait until the first cycle is visibly in flight.
	deadline := time.Now().Add(2 * time.Second)
	for s.State() != StateRunning {
		if time.Now().After(deadline) {
			t.Fatal("first cycle never started")
		}
		time.Sleep(time.Millisecond)
	}

	if s.Wake(context.Background(), "second") {
		t.Fatal("overlapping wake must be rejected")
	}

	close(hold)
	if !<-done {
		t.Fatal("first wake should have run")
	}
	if backend.callCount() != 1 {
		t.Fatalf("backend calls = %d, want 1", backend.callCount())
	}
}

func TestZeroBalanceGoesDormantWithoutBackendCall(t *testing.T) {
	backend := &fakeBackend{resp: textResponse("<think>x</think>")}
	s, _ := newTestSupervisor(t, backend, 0)

	if !s.Wake(context.Background(), "test") {
		t.Fatal("wake rejected")
	}
	if got := s.State(); got != StateDormant {
		t.Fatalf("state = %q, want dormant", got)
	}
	if backend.callCount() != 0 {
		t.Fatalf("backend called %d times while broke", backend.callCount())
	}
}

func TestOfflineBackendGoesDormant(t *testing.T) {
	backend := &fakeBackend{offline: true}
	s, _ := newTestSupervisor(t, backend, 20)

	s.Wake(context.Background(), "test")
	if got := s.State(); got != StateDormant {
		t.Fatalf("state = %q, want dormant", got)
	}
	if backend.callCount() != 0 {
		t.Fatal("offline backend must not be called")
	}
}

func TestCredentialRejectionGoesDormant(t *testing.T) {
	backend := &fakeBackend{err: reason.ErrUnavailable}
	s, root := newTestSupervisor(t, backend, 20)

	s.Wake(context.Background(), "test")
	if got := s.State(); got != StateDormant {
		t.Fatalf("state = %q, want dormant", got)
	}
	// The dormancy leaves an explanation in the history, like every
	// other dormancy path.
	hist, err := os.ReadFile(filepath.Join(root, "state", "history.jsonl"))
	if err != nil {
		t.Fatalf("history missing: %v", err)
	}
	if !strings.Contains(string(hist), `"outcome":"dormant: credentials rejected"`) {
		t.Fatalf("history = %s", hist)
	}
}

func TestTransientReasonErrorSleeps(t *testing.T) {
	backend := &fakeBackend{err: context.DeadlineExceeded}
	s, _ := newTestSupervisor(t, backend, 20)

	s.Wake(context.Background(), "test")
	if got := s.State(); got != StateIdle {
		t.Fatalf("state = %q, want idle after transient failure", got)
	}
}

func TestDormantWakeRecoversWhenFunded(t *testing.T) {
	backend := &fakeBackend{resp: textResponse("<think>back</think>")}
	s, _ := newTestSupervisor(t, backend, 0)

	s.Wake(context.Background(), "broke")
	if s.State() != StateDormant {
		t.Fatal("expected dormant start")
	}

	if err := s.ledger.RecordEarning(1, 5.0); err != nil {
		t.Fatalf("RecordEarning: %v", err)
	}
	if !s.Wake(context.Background(), "funded") {
		t.Fatal("funded wake rejected")
	}
	if got := s.State(); got != StateIdle {
		t.Fatalf("state = %q after refunding", got)
	}
	if backend.callCount() != 1 {
		t.Fatalf("backend calls = %d", backend.callCount())
	}
}

func TestBriefingCarriesInboxOnce(t *testing.T) {
	backend := &fakeBackend{resp: textResponse("<think>noted</think>")}
	s, root := newTestSupervisor(t, backend, 20)

	inbox := filepath.Join(root, "comms", "inbox")
	if err := os.MkdirAll(inbox, 0o755); err != nil {
		t.Fatalf("inbox dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(inbox, "001-operator.txt"), []byte("please publish a status page"), 0o644); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	brief := s.buildBriefing(1, "test")
	if !strings.Contains(brief.User, "please publish a status page") {
		t.Fatalf("briefing missing inbox message:\n%s", brief.User)
	}

	// Consumed: a second briefing no longer carries it.
	brief = s.buildBriefing(2, "test")
	if strings.Contains(brief.User, "please publish a status page") {
		t.Fatal("inbox message delivered twice")
	}
	entries, _ := os.ReadDir(inbox)
	if len(entries) != 0 {
		t.Fatalf("inbox not drained, %d left", len(entries))
	}
}

func TestBriefingIncludesConstitution(t *testing.T) {
	backend := &fakeBackend{}
	s, root := newTestSupervisor(t, backend, 20)

	stateDir := filepath.Join(root, "state")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		t.Fatalf("state dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(stateDir, "constitution.md"), []byte("Do no harm."), 0o644); err != nil {
		t.Fatalf("seed constitution: %v", err)
	}

	brief := s.buildBriefing(1, "test")
	if !strings.Contains(brief.System, "Do no harm.") {
		t.Fatal("constitution missing from system prompt")
	}
}

func TestHistoryTrimmedToRetentionCap(t *testing.T) {
	backend := &fakeBackend{}
	s, root := newTestSupervisor(t, backend, 20)
	s.cfg.Retention.HistoryMax = 5

	for i := 1; i <= 12; i++ {
		s.appendHistory(CycleRecord{Cycle: i, Trigger: "test", Timestamp: time.Now().UTC(), Outcome: "completed"})
	}
	data, err := os.ReadFile(filepath.Join(root, "state", "history.jsonl"))
	if err != nil {
		t.Fatalf("history missing: %v", err)
	}
	lines := splitHistoryLines(string(data))
	if len(lines) != 5 {
		t.Fatalf("history lines = %d, want 5", len(lines))
	}
	if !strings.Contains(lines[0], `"cycle":8`) {
		t.Fatalf("oldest kept line = %s", lines[0])
	}
}

func TestStatusSnapshot(t *testing.T) {
	backend := &fakeBackend{}
	s, _ := newTestSupervisor(t, backend, 20)

	st := s.Status()
	if st.State != StateIdle || st.Cycle != 0 {
		t.Fatalf("status = %+v", st)
	}
	if st.BalanceUSD != 20 {
		t.Fatalf("balance = %f", st.BalanceUSD)
	}
	if st.NextWake.IsZero() || !st.NextWake.After(time.Now()) {
		t.Fatalf("next wake = %v", st.NextWake)
	}
}

func TestRunReloadsEditedSchedule(t *testing.T) {
	defer goleak.VerifyNone(t)

	backend := &fakeBackend{}
	s, root := newTestSupervisor(t, backend, 20)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	// Give the watcher a moment to arm, then edit the persisted file
	// the way an operator would.
	time.Sleep(100 * time.Millisecond)
	schedPath := filepath.Join(root, "state", "schedule.cron")
	if err := os.WriteFile(schedPath, []byte("30 6 * * *\n"), 0o644); err != nil {
		t.Fatalf("edit schedule: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.schedule.Expr() != "30 6 * * *" {
		if time.Now().After(deadline) {
			t.Fatalf("schedule not reloaded, expr = %q", s.schedule.Expr())
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-runDone; err != context.Canceled {
		t.Fatalf("Run returned %v", err)
	}
}
