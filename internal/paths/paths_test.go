package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestSandbox(t *testing.T) *Sandbox {
	t.Helper()
	s, err := NewSandbox(t.TempDir())
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	return s
}

func TestNormalizeRejectsTraversal(t *testing.T) {
	cases := []string{
		"/../etc/passwd",
		"../state/journal.md",
		"/state/../../etc/shadow",
		"/..",
		"/state/a/../../../b",
	}
	for _, in := range cases {
		if _, err := Normalize(in); err == nil {
			t.Errorf("Normalize(%q): expected rejection", in)
		} else {
			var se *SecurityError
			if !errors.As(err, &se) {
				t.Errorf("Normalize(%q): error is not SecurityError: %v", in, err)
			}
		}
	}
}

func TestNormalizeCleansWithinRoot(t *testing.T) {
	cases := map[string]string{
		"/state/journal.md":      "/state/journal.md",
		"state/journal.md":       "/state/journal.md",
		"/state//a/./b":          "/state/a/b",
		"/projects/x/../y":       "/projects/y",
		"\\www\\index.html":      "/www/index.html",
		"/state/a/b/../../c.txt": "/state/c.txt",
	}
	for in, want := range cases {
		got, err := Normalize(in)
		if err != nil {
			t.Errorf("Normalize(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolveRejectsProtectedFile(t *testing.T) {
	s := newTestSandbox(t)
	if _, err := s.Resolve(ConstitutionPath); err == nil {
		t.Fatal("Resolve(constitution): expected rejection")
	}
	// Traversal that would land on the constitution is caught too.
	if _, err := s.Resolve("/state/x/../constitution.md"); err == nil {
		t.Fatal("Resolve(traversal to constitution): expected rejection")
	}
}

func TestResolveRejectsProtectedPrefixes(t *testing.T) {
	s := newTestSandbox(t)
	for _, p := range []string{"/system/main.go", "/etc/passwd", "/usr/bin/sh", "/system"} {
		if _, err := s.Resolve(p); err == nil {
			t.Errorf("Resolve(%q): expected rejection", p)
		}
	}
}

func TestResolveRequiresAllowedZone(t *testing.T) {
	s := newTestSandbox(t)
	if _, err := s.Resolve("/random/file.txt"); err == nil {
		t.Fatal("Resolve outside zones: expected rejection")
	}
	for _, p := range []string{
		"/state/journal.md",
		"/projects/site/main.go",
		"/income/ledger.json",
		"/comms/outbox/msg.txt",
		"/www/index.html",
	} {
		physical, err := s.Resolve(p)
		if err != nil {
			t.Errorf("Resolve(%q): %v", p, err)
			continue
		}
		if !strings.HasPrefix(physical, s.Root()) {
			t.Errorf("Resolve(%q) = %q, not under root %q", p, physical, s.Root())
		}
	}
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	s := newTestSandbox(t)
	outside := t.TempDir()

	stateDir := filepath.Join(s.Root(), "state")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	link := filepath.Join(stateDir, "leak")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}

	if _, err := s.Resolve("/state/leak/stolen.txt"); err == nil {
		t.Fatal("Resolve through escaping symlink: expected rejection")
	}
	var se *SecurityError
	_, err := s.Resolve("/state/leak/stolen.txt")
	if !errors.As(err, &se) {
		t.Fatalf("expected SecurityError, got %v", err)
	}
}

func TestResolveReadIsRelaxed(t *testing.T) {
	s := newTestSandbox(t)

	// Reads skip the zone allow-list: the supervisor reads pre-trusted
	// targets like log tails outside the write zones.
	if _, err := s.ResolveRead("/logs/cycle.log"); err != nil {
		t.Fatalf("ResolveRead(/logs/cycle.log): %v", err)
	}
	// Traversal is still rejected on the read path.
	if _, err := s.ResolveRead("/../outside.txt"); err == nil {
		t.Fatal("ResolveRead traversal: expected rejection")
	}
}

func TestInZone(t *testing.T) {
	s := newTestSandbox(t)
	if !s.InZone("/www/index.html", ZonePublic) {
		t.Error("InZone(/www/index.html, public) = false")
	}
	if s.InZone("/state/journal.md", ZonePublic) {
		t.Error("InZone(/state/journal.md, public) = true")
	}
	if s.InZone("/state/../www/x", ZoneState) {
		t.Error("InZone should classify the normalized path")
	}
}
