// Package paths is the only component allowed to turn a logical agent
// path into a physical one. Every filesystem touch in vigil goes through
// a Sandbox, which confines the agent to a fixed set of top-level zones
// under a single physical root.
package paths

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Logical top-level zones the agent may touch. Everything else is denied.
const (
	ZoneState    = "/state"    // agent-private state: identity, journal, decisions, logs
	ZoneProjects = "/projects" // generated project files
	ZoneIncome   = "/income"   // economic ledger and usage counters
	ZoneComms    = "/comms"    // inbound/outbound message queues
	ZonePublic   = "/www"      // publicly served content
)

// ConstitutionPath is the agent's founding document. Writes to it are
// always rejected, before any other rule is consulted.
const ConstitutionPath = ZoneState + "/constitution.md"

// SecurityError reports a rejected path. It is fatal to the single
// action that produced it, never to the cycle.
type SecurityError struct {
	Path   string
	Reason string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("path security violation: %s (%s)", e.Path, e.Reason)
}

// Sandbox validates logical paths and resolves them under a confined
// physical root. It holds no mutable state and is safe for concurrent
// use.
type Sandbox struct {
	root              string
	resolvedRoot      string
	protectedFiles    map[string]bool
	protectedPrefixes []string
	zones             []string
}

// NewSandbox creates a sandbox confined to root. The root directory is
// created if missing so that symlink containment checks have a real
// path to resolve against.
func NewSandbox(root string) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root symlinks: %w", err)
	}

	return &Sandbox{
		root:         abs,
		resolvedRoot: resolved,
		protectedFiles: map[string]bool{
			ConstitutionPath: true,
		},
		protectedPrefixes: []string{
			"/system", // agent source and install tree
			"/etc", "/usr", "/bin", "/sbin", "/lib", "/var", "/boot", "/dev", "/proc", "/sys",
		},
		zones: []string{ZoneState, ZoneProjects, ZoneIncome, ZoneComms, ZonePublic},
	}, nil
}

// Root returns the physical root directory of the sandbox.
func (s *Sandbox) Root() string { return s.root }

// Zones returns the allowed logical top-level zones.
func (s *Sandbox) Zones() []string {
	out := make([]string, len(s.zones))
	copy(out, s.zones)
	return out
}

// Normalize converts a logical path to slash-rooted canonical form. A
// parent-directory segment that would climb above the logical root is a
// traversal attempt and is rejected rather than clamped.
func Normalize(logical string) (string, error) {
	p := strings.TrimSpace(strings.ReplaceAll(logical, "\\", "/"))
	if p == "" {
		return "", &SecurityError{Path: logical, Reason: "empty path"}
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}

	// Walk segments explicitly so an underflowing ".." is detected
	// instead of silently dropped by path.Clean.
	var stack []string
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(stack) == 0 {
				return "", &SecurityError{Path: logical, Reason: "parent traversal"}
			}
			stack = stack[:len(stack)-1]
		default:
			stack = append(stack, seg)
		}
	}
	cleaned := "/" + strings.Join(stack, "/")
	cleaned = path.Clean(cleaned)
	if strings.Contains(cleaned, "..") {
		return "", &SecurityError{Path: logical, Reason: "parent traversal"}
	}
	return cleaned, nil
}

// Resolve runs the full write pipeline: normalize, protected-file list,
// protected prefixes, zone allow-list, physical symlink containment.
// It returns the physical path the caller may write to.
func (s *Sandbox) Resolve(logical string) (string, error) {
	norm, err := Normalize(logical)
	if err != nil {
		return "", err
	}

	if s.protectedFiles[norm] {
		return "", &SecurityError{Path: norm, Reason: "protected file"}
	}
	for _, prefix := range s.protectedPrefixes {
		if norm == prefix || strings.HasPrefix(norm, prefix+"/") {
			return "", &SecurityError{Path: norm, Reason: "protected prefix " + prefix}
		}
	}
	if !s.inAllowedZone(norm) {
		return "", &SecurityError{Path: norm, Reason: "outside allowed zones"}
	}

	return s.contain(norm)
}

// ResolveRead runs the relaxed read pipeline: normalization and symlink
// containment only. Reads are lower-risk and some read targets, such as
// log tails, sit outside the write zones.
func (s *Sandbox) ResolveRead(logical string) (string, error) {
	norm, err := Normalize(logical)
	if err != nil {
		return "", err
	}
	return s.contain(norm)
}

// InZone reports whether the logical path, after normalization, lives
// under the given zone. Used by the policy engine to classify writes
// without resolving anything.
func (s *Sandbox) InZone(logical, zone string) bool {
	norm, err := Normalize(logical)
	if err != nil {
		return false
	}
	return norm == zone || strings.HasPrefix(norm, zone+"/")
}

func (s *Sandbox) inAllowedZone(norm string) bool {
	for _, zone := range s.zones {
		if norm == zone || strings.HasPrefix(norm, zone+"/") {
			return true
		}
	}
	return false
}

// contain maps the normalized logical path onto the physical root and
// rejects it if symlink resolution escapes the root.
func (s *Sandbox) contain(norm string) (string, error) {
	physical := filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(norm, "/")))

	resolved, err := resolveExisting(physical)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", norm, err)
	}
	if resolved != s.resolvedRoot && !strings.HasPrefix(resolved, s.resolvedRoot+string(os.PathSeparator)) {
		return "", &SecurityError{Path: norm, Reason: "symlink escapes sandbox root"}
	}
	return physical, nil
}

// resolveExisting resolves symlinks on the deepest existing ancestor of
// p and rejoins the non-existent remainder, so containment can be
// checked for paths that have not been created yet.
func resolveExisting(p string) (string, error) {
	remainder := ""
	cur := p
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(resolved, remainder), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		remainder = filepath.Join(filepath.Base(cur), remainder)
		cur = parent
	}
}
