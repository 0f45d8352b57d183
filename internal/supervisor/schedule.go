package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"vigil/internal/paths"
)

// scheduleFile is the logical location of the persisted wake
// expression. The agent rewrites it through the set_schedule action
// and the supervisor watches it for outside edits.
const scheduleFile = "/state/schedule.cron"

// Schedule holds the current wake expression. It validates every
// update with a standard five-field cron parser and persists accepted
// expressions so they survive restarts.
type Schedule struct {
	sandbox *paths.Sandbox
	parser  cron.Parser
	log     *zap.Logger

	mu    sync.RWMutex
	expr  string
	sched cron.Schedule
}

// NewSchedule loads the persisted expression if one exists, falling
// back to defaultExpr. The default must parse; a corrupt persisted
// file is logged and replaced by the default.
func NewSchedule(sandbox *paths.Sandbox, defaultExpr string, log *zap.Logger) (*Schedule, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Schedule{
		sandbox: sandbox,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		log:     log,
	}

	sched, err := s.parser.Parse(defaultExpr)
	if err != nil {
		return nil, fmt.Errorf("default schedule %q: %w", defaultExpr, err)
	}
	s.expr, s.sched = defaultExpr, sched

	if persisted, ok := s.readPersisted(); ok {
		if sched, err := s.parser.Parse(persisted); err != nil {
			log.Warn("persisted schedule invalid, keeping default",
				zap.String("expr", persisted), zap.Error(err))
		} else {
			s.expr, s.sched = persisted, sched
		}
	}
	return s, nil
}

// Set validates expr, persists it, and makes it current.
func (s *Schedule) Set(expr string) error {
	expr = strings.TrimSpace(expr)
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	physical, err := s.sandbox.Resolve(scheduleFile)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(physical), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(physical, []byte(expr+"\n"), 0o644); err != nil {
		return fmt.Errorf("persist schedule: %w", err)
	}

	s.mu.Lock()
	s.expr, s.sched = expr, sched
	s.mu.Unlock()
	s.log.Info("wake schedule updated", zap.String("expr", expr))
	return nil
}

// Reload re-reads the persisted file, used when an outside edit is
// observed. Invalid content is logged and the current expression kept.
func (s *Schedule) Reload() {
	persisted, ok := s.readPersisted()
	if !ok {
		return
	}
	sched, err := s.parser.Parse(persisted)
	if err != nil {
		s.log.Warn("edited schedule invalid, keeping current",
			zap.String("expr", persisted), zap.Error(err))
		return
	}
	s.mu.Lock()
	changed := persisted != s.expr
	s.expr, s.sched = persisted, sched
	s.mu.Unlock()
	if changed {
		s.log.Info("wake schedule reloaded", zap.String("expr", persisted))
	}
}

// Expr returns the current cron expression.
func (s *Schedule) Expr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expr
}

// Next returns the next wake time strictly after from.
func (s *Schedule) Next(from time.Time) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sched.Next(from)
}

// watchPath returns the physical file the run loop should watch.
func (s *Schedule) watchPath() (string, error) {
	return s.sandbox.Resolve(scheduleFile)
}

func (s *Schedule) readPersisted() (string, bool) {
	physical, err := s.sandbox.Resolve(scheduleFile)
	if err != nil {
		return "", false
	}
	data, err := os.ReadFile(physical)
	if err != nil {
		return "", false
	}
	expr := strings.TrimSpace(string(data))
	if expr == "" {
		return "", false
	}
	return expr, true
}
