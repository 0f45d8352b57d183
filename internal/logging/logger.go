// Package logging provides categorized file logging for vigil. Each
// category writes to its own file under <home>/system/logs so a cycle
// can be reconstructed per concern. When debug mode is off, category
// loggers fall back to the shared console logger.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names a log stream.
type Category string

const (
	CategoryBoot     Category = "boot"     // startup and wiring
	CategoryCycle    Category = "cycle"    // supervisor cycle lifecycle
	CategoryPolicy   Category = "policy"   // policy decisions
	CategoryExecutor Category = "executor" // action execution
	CategoryLedger   Category = "ledger"   // economic accounting
	CategoryDelegate Category = "delegate" // sub-task orchestration
	CategoryFetch    Category = "fetch"    // network fetches
	CategorySchedule Category = "schedule" // scheduling and watches
)

// Registry hands out per-category zap loggers.
type Registry struct {
	mu      sync.Mutex
	base    *zap.Logger
	logsDir string
	debug   bool
	level   zapcore.Level
	byCat   map[Category]*zap.Logger
	files   []*os.File
}

// NewRegistry creates a registry rooted at home. base is the console
// logger built by the CLI; category loggers tee into it.
func NewRegistry(home string, base *zap.Logger, debug bool, level string) (*Registry, error) {
	if base == nil {
		base = zap.NewNop()
	}
	lvl := zapcore.InfoLevel
	if err := lvl.Set(level); err != nil && level != "" {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}

	r := &Registry{
		base:    base,
		logsDir: filepath.Join(home, "system", "logs"),
		debug:   debug,
		level:   lvl,
		byCat:   make(map[Category]*zap.Logger),
	}
	if debug {
		if err := os.MkdirAll(r.logsDir, 0o755); err != nil {
			return nil, fmt.Errorf("create logs dir: %w", err)
		}
	}
	return r, nil
}

// Get returns the logger for a category, creating its file sink on
// first use. Outside debug mode it returns the console logger with the
// category attached as a field.
func (r *Registry) Get(cat Category) *zap.Logger {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.byCat[cat]; ok {
		return l
	}

	l := r.base.Named(string(cat))
	if r.debug {
		if fileCore, f, err := r.fileCore(cat); err == nil {
			r.files = append(r.files, f)
			l = zap.New(zapcore.NewTee(r.base.Core(), fileCore)).Named(string(cat))
		} else {
			l.Warn("category file sink unavailable", zap.Error(err))
		}
	}
	r.byCat[cat] = l
	return l
}

func (r *Registry) fileCore(cat Category) (zapcore.Core, *os.File, error) {
	path := filepath.Join(r.logsDir, string(cat)+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewJSONEncoder(encCfg)
	return zapcore.NewCore(enc, zapcore.AddSync(f), r.level), f, nil
}

// Close syncs and closes all category file sinks.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, l := range r.byCat {
		_ = l.Sync()
	}
	for _, f := range r.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.files = nil
	return firstErr
}
