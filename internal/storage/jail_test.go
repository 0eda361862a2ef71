package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
)

func TestResolveUnder(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	tests := []struct {
		name string
		p    string
		want string
		ok   bool
	}{
		{"relative", "runs/a", filepath.Join(root, "runs", "a"), true},
		{"absolute inside", filepath.Join(root, "b"), filepath.Join(root, "b"), true},
		{"cleaned inside", "runs/../c", filepath.Join(root, "c"), true},
		{"root itself", ".", "", false},
		{"absolute root", root, "", false},
		{"parent traversal", "../escape", "", false},
		{"absolute outside", outside, "", false},
		{"through symlink", "link/out", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveUnder(root, tt.p)
			if !tt.ok {
				if !errors.Is(err, ErrOutsideRoot) {
					t.Errorf("ResolveUnder(%q) = %q, %v; want ErrOutsideRoot", tt.p, got, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("ResolveUnder(%q) = %q, %v; want %q", tt.p, got, err, tt.want)
			}
		})
	}
}

func TestResolveUnderWithoutRoot(t *testing.T) {
	if _, err := ResolveUnder("", "a"); !errors.Is(err, ErrOutsideRoot) {
		t.Errorf("err = %v, want ErrOutsideRoot", err)
	}
}
