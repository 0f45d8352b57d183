// Package checkpoint triggers best-effort snapshots of the agent home.
// Failures are logged and reported, never fatal.
package checkpoint

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Tool snapshots the agent home with git. The home is initialized as a
// repository on first use.
type Tool struct {
	root string
	log  *zap.Logger
}

// New creates a checkpoint tool rooted at the agent home.
func New(root string, log *zap.Logger) *Tool {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tool{root: root, log: log}
}

// Create commits the current home state under the given label. It
// returns false on any failure; the caller treats that as advisory.
func (t *Tool) Create(ctx context.Context, label string) bool {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := t.git(ctx, "rev-parse", "--git-dir"); err != nil {
		if err := t.git(ctx, "init"); err != nil {
			t.log.Warn("checkpoint: git init failed", zap.Error(err))
			return false
		}
	}
	if err := t.git(ctx, "add", "-A"); err != nil {
		t.log.Warn("checkpoint: git add failed", zap.Error(err))
		return false
	}

	msg := "checkpoint"
	if s := strings.TrimSpace(label); s != "" {
		msg = "checkpoint: " + s
	}
	if err := t.git(ctx, "-c", "user.name=vigil", "-c", "user.email=vigil@localhost",
		"commit", "-m", msg, "--allow-empty"); err != nil {
		t.log.Warn("checkpoint: git commit failed", zap.Error(err))
		return false
	}

	t.log.Info("checkpoint created", zap.String("label", label))
	return true
}

func (t *Tool) git(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = t.root
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}
