package ledger

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func openTestLedger(t *testing.T, initial float64, txCap int) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "income", "ledger.json")
	l, err := Open(path, initial, txCap)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return l, path
}

func TestRecordUsageComputesLinearCost(t *testing.T) {
	l, _ := openTestLedger(t, 10, 0)

	cost, err := l.RecordUsage(1, 1_000_000, 1_000_000, ClassPrimary, "cycle")
	if err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if math.Abs(cost-18.0) > 1e-9 {
		t.Fatalf("cost = %v, want 18.0 (3 + 15 per MTok)", cost)
	}
	if math.Abs(l.Balance()-(10-18.0)) < 1e-9 {
		t.Fatal("balance went negative; should clamp at zero")
	}
	if l.Balance() != 0 {
		t.Fatalf("balance = %v, want 0 (clamped)", l.Balance())
	}
	if l.HasBudget() {
		t.Fatal("HasBudget() = true at zero balance")
	}
}

func TestBalanceInvariantHoldsAcrossSequences(t *testing.T) {
	l, _ := openTestLedger(t, 5, 0)

	for cycle := 1; cycle <= 20; cycle++ {
		if _, err := l.RecordUsage(cycle, 10_000, 2_000, ClassDelegate, "delegation"); err != nil {
			t.Fatalf("RecordUsage: %v", err)
		}
	}
	if err := l.RecordEarning(21, 1.25); err != nil {
		t.Fatalf("RecordEarning: %v", err)
	}

	s := l.Stats()
	want := s.InitialBudgetUSD + s.TotalEarnedUSD - s.TotalSpentUSD
	if want < 0 {
		want = 0
	}
	if math.Abs(s.BalanceUSD-want) > 1e-9 {
		t.Fatalf("balance = %v, want clamp(initial+earned-spent) = %v", s.BalanceUSD, want)
	}
}

func TestTransactionHistoryTrimsOldest(t *testing.T) {
	l, _ := openTestLedger(t, 100, 5)

	for cycle := 1; cycle <= 8; cycle++ {
		if _, err := l.RecordUsage(cycle, 100, 100, ClassPrimary, "cycle"); err != nil {
			t.Fatalf("RecordUsage: %v", err)
		}
	}

	s := l.Stats()
	if len(s.Transactions) != 5 {
		t.Fatalf("history length = %d, want 5", len(s.Transactions))
	}
	if s.Transactions[0].Cycle != 4 {
		t.Fatalf("oldest kept cycle = %d, want 4", s.Transactions[0].Cycle)
	}
	// Totals survive trimming: the balance reflects all 8 transactions.
	if s.TotalSpentUSD <= 0 {
		t.Fatal("TotalSpentUSD not accumulated")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	l, path := openTestLedger(t, 10, 0)
	if _, err := l.RecordUsage(1, 50_000, 10_000, ClassPrimary, "cycle"); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	wantBalance := l.Balance()

	// The file is the source of truth; a fresh open must agree.
	reopened, err := Open(path, 999, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if math.Abs(reopened.Balance()-wantBalance) > 1e-9 {
		t.Fatalf("reopened balance = %v, want %v", reopened.Balance(), wantBalance)
	}
	// The initial budget of an existing ledger is not overwritten.
	if reopened.Stats().InitialBudgetUSD != 10 {
		t.Fatalf("initial budget = %v, want 10", reopened.Stats().InitialBudgetUSD)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read ledger file: %v", err)
	}
	var onDisk map[string]any
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("ledger file is not valid JSON: %v", err)
	}
}

func TestUnknownModelClassFallsBackToPrimary(t *testing.T) {
	l, _ := openTestLedger(t, 10, 0)
	cost, err := l.RecordUsage(1, 1_000_000, 0, "mystery", "cycle")
	if err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if math.Abs(cost-3.0) > 1e-9 {
		t.Fatalf("cost = %v, want primary input rate 3.0", cost)
	}
}
