// Package ledger tracks the agent's economic budget. Every costed
// operation appends a transaction and the whole ledger is persisted
// synchronously; the file itself is the source of truth, last writer
// wins.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transaction records one costed operation.
type Transaction struct {
	ID           string    `json:"id"`
	Cycle        int       `json:"cycle"`
	Timestamp    time.Time `json:"timestamp"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	Type         string    `json:"type"` // cycle, delegation, earning
}

// Rate is a linear cost function over token counts, in USD per million
// tokens.
type Rate struct {
	InputPerMTok  float64 `json:"input_per_mtok"`
	OutputPerMTok float64 `json:"output_per_mtok"`
}

// Model classes with distinct rate tables.
const (
	ClassPrimary  = "primary"
	ClassDelegate = "delegate"
)

var defaultRates = map[string]Rate{
	ClassPrimary:  {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	ClassDelegate: {InputPerMTok: 0.80, OutputPerMTok: 4.00},
}

type state struct {
	BalanceUSD       float64       `json:"balance_usd"`
	InitialBudgetUSD float64       `json:"initial_budget_usd"`
	TotalEarnedUSD   float64       `json:"total_earned_usd"`
	TotalSpentUSD    float64       `json:"total_spent_usd"`
	Transactions     []Transaction `json:"transactions"`
}

// Snapshot is a read-only copy of the ledger state.
type Snapshot struct {
	BalanceUSD       float64
	InitialBudgetUSD float64
	TotalEarnedUSD   float64
	TotalSpentUSD    float64
	Transactions     []Transaction
}

// Ledger is the single authoritative economic state. Mutations happen
// only through RecordUsage and RecordEarning, and every mutation is
// persisted before it returns.
type Ledger struct {
	mu       sync.Mutex
	filePath string
	rates    map[string]Rate
	txCap    int
	data     state
}

// Open loads the ledger from filePath, creating it with the given
// initial budget on first run.
func Open(filePath string, initialUSD float64, txCap int) (*Ledger, error) {
	if txCap <= 0 {
		txCap = 200
	}
	l := &Ledger{
		filePath: filePath,
		rates:    defaultRates,
		txCap:    txCap,
	}

	data, err := os.ReadFile(filePath)
	switch {
	case os.IsNotExist(err):
		l.data = state{
			InitialBudgetUSD: initialUSD,
			BalanceUSD:       initialUSD,
		}
		if err := l.persistLocked(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("read ledger: %w", err)
	default:
		if err := json.Unmarshal(data, &l.data); err != nil {
			return nil, fmt.Errorf("parse ledger: %w", err)
		}
		l.recomputeLocked()
	}
	return l, nil
}

// SetRates replaces the rate tables. Unknown model classes fall back to
// the primary rate at record time.
func (l *Ledger) SetRates(rates map[string]Rate) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rates = rates
}

// RecordUsage converts token usage to cost, appends a transaction, and
// persists. It returns the cost charged.
func (l *Ledger) RecordUsage(cycle int, inputTokens, outputTokens int, modelClass, txType string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rate, ok := l.rates[modelClass]
	if !ok {
		rate = l.rates[ClassPrimary]
	}
	cost := float64(inputTokens)/1e6*rate.InputPerMTok +
		float64(outputTokens)/1e6*rate.OutputPerMTok

	l.data.TotalSpentUSD += cost
	l.appendLocked(Transaction{
		ID:           uuid.NewString(),
		Cycle:        cycle,
		Timestamp:    time.Now().UTC(),
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      cost,
		Type:         txType,
	})
	l.recomputeLocked()

	if err := l.persistLocked(); err != nil {
		return cost, err
	}
	return cost, nil
}

// RecordEarning credits the ledger, e.g. an operator top-up.
func (l *Ledger) RecordEarning(cycle int, amountUSD float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.data.TotalEarnedUSD += amountUSD
	l.appendLocked(Transaction{
		ID:        uuid.NewString(),
		Cycle:     cycle,
		Timestamp: time.Now().UTC(),
		CostUSD:   -amountUSD,
		Type:      "earning",
	})
	l.recomputeLocked()
	return l.persistLocked()
}

// Balance returns the current balance in USD, clamped at zero.
func (l *Ledger) Balance() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.data.BalanceUSD
}

// HasBudget is the single admission-control gate the supervisor
// consults before starting a cycle.
func (l *Ledger) HasBudget() bool {
	return l.Balance() > 0
}

// Stats returns a copy of the ledger state.
func (l *Ledger) Stats() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	txs := make([]Transaction, len(l.data.Transactions))
	copy(txs, l.data.Transactions)
	return Snapshot{
		BalanceUSD:       l.data.BalanceUSD,
		InitialBudgetUSD: l.data.InitialBudgetUSD,
		TotalEarnedUSD:   l.data.TotalEarnedUSD,
		TotalSpentUSD:    l.data.TotalSpentUSD,
		Transactions:     txs,
	}
}

func (l *Ledger) appendLocked(tx Transaction) {
	l.data.Transactions = append(l.data.Transactions, tx)
	if n := len(l.data.Transactions); n > l.txCap {
		// Keep the most recent txCap entries.
		l.data.Transactions = append([]Transaction(nil), l.data.Transactions[n-l.txCap:]...)
	}
}

// recomputeLocked derives the balance from the three running totals.
// Never decrement the balance directly; recomputation avoids drift.
func (l *Ledger) recomputeLocked() {
	balance := l.data.InitialBudgetUSD + l.data.TotalEarnedUSD - l.data.TotalSpentUSD
	if balance < 0 {
		balance = 0
	}
	l.data.BalanceUSD = balance
}

func (l *Ledger) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(l.filePath), 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	data, err := json.MarshalIndent(l.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	if err := os.WriteFile(l.filePath, data, 0o644); err != nil {
		return fmt.Errorf("persist ledger: %w", err)
	}
	return nil
}
