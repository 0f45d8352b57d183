// Package policy is the moral engine: every proposed action passes
// through Evaluate before the executor may touch it. The engine is a
// pure function of the action plus its static rule tables; its only
// cross-call state is a monotonically increasing decision counter and
// the periodically compacted decision store.
package policy

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vigil/internal/action"
	"vigil/internal/paths"
)

// Decision is the engine's verdict on one action.
type Decision string

const (
	Proceed Decision = "proceed"
	Defer   Decision = "defer"
	Block   Decision = "block"
)

// DecisionRecord is the audit artifact produced for externally-facing
// actions and for every block.
type DecisionRecord struct {
	ID          string    `json:"id"`
	Seq         int       `json:"seq"`
	Timestamp   time.Time `json:"timestamp"`
	ActionKind  string    `json:"action_kind"`
	Description string    `json:"description"`
	Harm        string    `json:"harm_assessment"`
	Decision    Decision  `json:"decision"`
	Reasoning   string    `json:"reasoning"`
}

// harmByKind assigns each action kind a standing harm assessment used
// when no rule escalates it.
var harmByKind = map[action.Kind]string{
	action.KindWrite:       "low: confined file write inside sandbox zones",
	action.KindServe:       "medium: publishes content to the public zone",
	action.KindThink:       "none: private journal entry",
	action.KindCheckpoint:  "none: snapshot trigger",
	action.KindMessage:     "medium: outbound communication to a human",
	action.KindFetch:       "medium: outbound network request",
	action.KindExecute:     "high: arbitrary shell command in sandbox",
	action.KindImage:       "medium: generated media for publication",
	action.KindDelegate:    "medium: spends budget on a sub-worker",
	action.KindSetSchedule: "low: changes own wake cadence",
}

// Destructive command signatures. Matching any pattern blocks the
// execute action regardless of granted shell access.
var denyPatterns = compilePatterns([]string{
	`(?i)\bmkfs(\.\w+)?\b`,                     // filesystem format
	`(?i)\bdd\b[^|;&]*\bof=/dev/`,              // raw write to block device
	`(?i)>\s*/dev/(sd|hd|nvme|vd)\w*`,          // redirect onto block device
	`(?i)\bchmod\s+(-\w+\s+)*-?R\w*\s+\S+\s+/\s*$`, // recursive chmod ending at root
	`(?i)\bchmod\s+-R\b.*\s+/(\s|$)`,           // recursive chmod on root
	`(?i):\(\)\s*\{\s*:\|:&\s*\};:`,            // fork bomb
})

// recursiveDeleteRe captures the target of a recursive rm so the target
// can be checked against the allowed zones.
var recursiveDeleteRe = regexp.MustCompile(`(?i)\brm\s+(?:--?[\w-]+\s+)*(?:-\w*[rR]\w*|--recursive)(?:\s+--?[\w-]+)*\s+([^\s;|&]+)`)

func compilePatterns(exprs []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		if re, err := regexp.Compile(e); err == nil {
			out = append(out, re)
		}
	}
	return out
}

// Engine evaluates proposed actions against the rule tables.
type Engine struct {
	sandbox *paths.Sandbox
	store   *Store
	log     *zap.Logger

	mu  sync.Mutex
	seq int
}

// NewEngine creates a policy engine backed by the given sandbox for
// path legality and the given store for audit records.
func NewEngine(sandbox *paths.Sandbox, store *Store, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{sandbox: sandbox, store: store, log: log}
}

// Filter evaluates each action and returns the approved subset in input
// order. Blocked actions are dropped from execution but their decisions
// are recorded in the audit trail.
func (e *Engine) Filter(actions []action.Action) []action.Action {
	approved := make([]action.Action, 0, len(actions))
	for _, a := range actions {
		rec := e.Evaluate(a)
		if rec.Decision == Proceed {
			approved = append(approved, a)
		} else {
			e.log.Warn("action blocked",
				zap.String("kind", string(a.Kind())),
				zap.String("reasoning", rec.Reasoning))
		}
	}
	return approved
}

// Evaluate returns the decision record for one action. It never panics
// for well-typed input; a malformed action is blocked with a
// descriptive reasoning string.
func (e *Engine) Evaluate(a action.Action) DecisionRecord {
	rec := e.newRecord(a)

	decision, reasoning := e.judge(a)
	rec.Decision = decision
	rec.Reasoning = reasoning

	// Externally-facing kinds always produce a persisted record, even
	// when approved. Internal kinds are persisted only when blocked.
	if e.store != nil && (action.External(a.Kind()) || decision == Block) {
		if err := e.store.Append(rec); err != nil {
			e.log.Error("decision record not persisted", zap.Error(err))
		}
	}
	return rec
}

func (e *Engine) judge(a action.Action) (Decision, string) {
	switch v := a.(type) {
	case action.Write:
		return e.judgeWrite(v.Path)
	case action.Serve:
		if v.Path == "" {
			return Block, "serve action missing target path"
		}
		return Proceed, "publishing to the public zone is permitted"
	case action.Execute:
		return e.judgeExecute(v)
	case action.Message:
		if v.Recipient == "" {
			return Block, "message action missing recipient"
		}
		return Proceed, "outbound message to a named recipient is permitted"
	case action.Fetch:
		if v.URL == "" {
			return Block, "fetch action missing URL"
		}
		return Proceed, "fetch is governed by the domain allow-list at execution"
	case action.Delegate:
		if v.Path == "" {
			return Block, "delegate action missing target path"
		}
		if d, reason := e.judgeWrite(v.Path); d != Proceed {
			return d, "delegation target rejected: " + reason
		}
		return Proceed, "delegated work lands through the normal write pipeline"
	case action.SetSchedule:
		if strings.TrimSpace(v.Cron) == "" {
			return Block, "set_schedule action missing cron expression"
		}
		return Proceed, "agent may adjust its own wake cadence"
	case action.Think, action.Checkpoint:
		return Proceed, "internal effect only"
	case action.Image:
		if strings.TrimSpace(v.Prompt) == "" {
			return Block, "image action missing prompt"
		}
		return Proceed, "image generation is permitted for publication"
	default:
		return Block, fmt.Sprintf("unrecognized action kind %q", a.Kind())
	}
}

// judgeWrite applies the unconditional hard blocks: the founding
// document and the agent's own source tree are never writable,
// independent of any rule table.
func (e *Engine) judgeWrite(logical string) (Decision, string) {
	if logical == "" {
		return Block, "write action missing target path"
	}
	norm, err := paths.Normalize(logical)
	if err != nil {
		return Block, "illegal path: " + err.Error()
	}
	if norm == paths.ConstitutionPath {
		return Block, "the founding document is immutable"
	}
	if norm == "/system" || strings.HasPrefix(norm, "/system/") {
		return Block, "the agent source tree is not writable"
	}
	if _, err := e.sandbox.Resolve(norm); err != nil {
		return Block, "path rejected by sandbox: " + err.Error()
	}
	return Proceed, "write confined to sandbox zones"
}

func (e *Engine) judgeExecute(v action.Execute) (Decision, string) {
	if strings.TrimSpace(v.Command) == "" {
		return Block, "execute action missing command"
	}
	for _, re := range denyPatterns {
		if re.MatchString(v.Command) {
			return Block, fmt.Sprintf("command matches destructive signature %q", re.String())
		}
	}
	if m := recursiveDeleteRe.FindStringSubmatch(v.Command); m != nil {
		target := m[1]
		if target == "/" || target == "/*" {
			return Block, "recursive delete of filesystem root"
		}
		// Absolute targets must stay inside the agent's writable zones;
		// relative targets are confined by the working directory.
		if strings.HasPrefix(target, "/") {
			inZone := false
			for _, zone := range e.sandbox.Zones() {
				if target == zone || strings.HasPrefix(target, zone+"/") {
					inZone = true
					break
				}
			}
			if !inZone {
				return Block, fmt.Sprintf("recursive delete outside agent zones: %s", target)
			}
		}
	}
	return Proceed, "command carries no destructive signature"
}

func (e *Engine) newRecord(a action.Action) DecisionRecord {
	e.mu.Lock()
	e.seq++
	seq := e.seq
	e.mu.Unlock()

	return DecisionRecord{
		ID:          uuid.NewString(),
		Seq:         seq,
		Timestamp:   time.Now().UTC(),
		ActionKind:  string(a.Kind()),
		Description: describe(a),
		Harm:        harmByKind[a.Kind()],
	}
}

func describe(a action.Action) string {
	switch v := a.(type) {
	case action.Write:
		return fmt.Sprintf("%s write to %s (%d bytes)", v.Mode, v.Path, len(v.Content))
	case action.Serve:
		return fmt.Sprintf("publish %d bytes to %s", len(v.Content), v.Path)
	case action.Think:
		return fmt.Sprintf("journal entry (%d bytes)", len(v.Content))
	case action.Checkpoint:
		return "checkpoint " + v.Label
	case action.Message:
		return fmt.Sprintf("message to %s (%d bytes)", v.Recipient, len(v.Content))
	case action.Fetch:
		return "fetch " + v.URL
	case action.Execute:
		return "execute: " + firstLine(v.Command)
	case action.Image:
		return "generate image: " + firstLine(v.Prompt)
	case action.Delegate:
		return fmt.Sprintf("delegate %s task targeting %s", v.TaskType, v.Path)
	case action.SetSchedule:
		return "set schedule " + v.Cron
	}
	return string(a.Kind())
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}
