package respond

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
)

func TestResolveWithinRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "index.html"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := Resolve(root, "/index.html")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want, _ := filepath.Abs(filepath.Join(root, "index.html"))
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestResolveRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	_, err := Resolve(root, "/../../etc/passwd")
	if !errors.Is(err, ErrEscapesRoot) {
		t.Fatalf("expected ErrEscapesRoot, got %v", err)
	}
}

func TestResolveMissingFileIsNotAnEscape(t *testing.T) {
	root := t.TempDir()
	_, err := Resolve(root, "/nope.txt")
	if err != nil {
		t.Fatalf("missing file within root should resolve, not error: %v", err)
	}
}
