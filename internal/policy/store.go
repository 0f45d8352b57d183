package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Store persists decision records as one JSON file per decision under a
// single directory. It is append-only by id; retention drops the oldest
// files once the count exceeds the ceiling, checked periodically rather
// than on every write to bound I/O.
type Store struct {
	mu           sync.Mutex
	dir          string
	max          int
	compactEvery int
	appends      int
}

// NewStore creates a decision store in dir.
func NewStore(dir string, max, compactEvery int) (*Store, error) {
	if max <= 0 {
		max = 500
	}
	if compactEvery <= 0 {
		compactEvery = 10
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create decision dir: %w", err)
	}
	return &Store{dir: dir, max: max, compactEvery: compactEvery}, nil
}

// Append persists one record and, every Nth append, compacts the store
// down to the retention ceiling.
func (s *Store) Append(rec DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}
	name := fmt.Sprintf("%012d-%s.json", rec.Seq, rec.ID)
	if err := os.WriteFile(filepath.Join(s.dir, name), data, 0o644); err != nil {
		return fmt.Errorf("persist decision: %w", err)
	}

	s.appends++
	if s.appends%s.compactEvery == 0 {
		s.compactLocked()
	}
	return nil
}

// Compact removes the oldest records beyond the retention ceiling.
// Exposed so the trigger can be unit-tested without hundreds of writes.
func (s *Store) Compact() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compactLocked()
}

func (s *Store) compactLocked() {
	names, err := s.sortedNames()
	if err != nil || len(names) <= s.max {
		return
	}
	for _, name := range names[:len(names)-s.max] {
		_ = os.Remove(filepath.Join(s.dir, name))
	}
}

// Count returns the number of persisted records.
func (s *Store) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names, err := s.sortedNames()
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

// Recent returns up to limit of the newest records, newest first.
func (s *Store) Recent(limit int) ([]DecisionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.sortedNames()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(names) > limit {
		names = names[len(names)-limit:]
	}

	recs := make([]DecisionRecord, 0, len(names))
	for i := len(names) - 1; i >= 0; i-- {
		data, err := os.ReadFile(filepath.Join(s.dir, names[i]))
		if err != nil {
			continue
		}
		var rec DecisionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// sortedNames returns decision file names oldest first. The sequence
// prefix makes lexical order chronological.
func (s *Store) sortedNames() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
