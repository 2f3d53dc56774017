// Package testutil provides shared test helpers for building plugin layouts
// on disk.
package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/szaher/designs/envsandbox/internal/paths"
)

// EnvDir is the slash-separated plugin environments directory relative to
// the base, for use as a prefix in file maps.
const EnvDir = "integrations/target-environments/environments/"

// WriteFiles writes each slash-separated name under base, creating parent
// directories.
func WriteFiles(t *testing.T, base string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(base, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

// Layout writes files into a fresh temporary base directory and returns it.
func Layout(t *testing.T, files map[string]string) string {
	t.Helper()
	base := t.TempDir()
	WriteFiles(t, base, files)
	return base
}

// Roots writes files into a fresh base directory and returns its roots.
func Roots(t *testing.T, files map[string]string) paths.Roots {
	t.Helper()
	roots, err := paths.DefaultRoots(Layout(t, files))
	if err != nil {
		t.Fatalf("DefaultRoots: %v", err)
	}
	return roots
}

// AssertErrorContains asserts that err is non-nil and its message contains substr.
func AssertErrorContains(t *testing.T, err error, substr string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got nil", substr)
	}
	if !strings.Contains(err.Error(), substr) {
		t.Fatalf("expected error containing %q, got %q", substr, err.Error())
	}
}
