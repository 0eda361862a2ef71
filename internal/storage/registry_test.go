package storage

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestOpenBarePathIsLocal(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")

	b, err := Open(context.Background(), dir, Credentials{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l, ok := b.(*Local)
	if !ok {
		t.Fatalf("Open returned %T, want *Local", b)
	}
	if l.Root() != dir {
		t.Errorf("Root = %q, want %q", l.Root(), dir)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("root not created: %v", err)
	}
}

func TestOpenFileURL(t *testing.T) {
	dir := t.TempDir()

	b, err := Open(context.Background(), "file://"+filepath.ToSlash(dir), Credentials{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if b.(*Local).Root() != dir {
		t.Errorf("Root = %q, want %q", b.(*Local).Root(), dir)
	}
}

func TestOpenUnknownScheme(t *testing.T) {
	if _, err := Open(context.Background(), "gopher://host/path", Credentials{}); err == nil {
		t.Error("expected error for unregistered scheme")
	}
}

func TestOpenEmptyLocation(t *testing.T) {
	if _, err := Open(context.Background(), "", Credentials{}); err == nil {
		t.Error("expected error for empty location")
	}
}

func TestRegistryCustomOpener(t *testing.T) {
	reg := NewRegistry()
	var gotHost string
	reg.Register("MEM", func(_ context.Context, u *url.URL, _ Credentials) (Backend, error) {
		gotHost = u.Host
		return NewLocal(t.TempDir())
	})

	if _, err := reg.Open(context.Background(), "mem://bucket/x", Credentials{}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if gotHost != "bucket" {
		t.Errorf("opener saw host %q, want bucket", gotHost)
	}
	if !slices.Equal(reg.Schemes(), []string{"mem"}) {
		t.Errorf("Schemes = %v, want [mem]", reg.Schemes())
	}
}

func TestDefaultRegistrySchemes(t *testing.T) {
	if got := DefaultRegistry().Schemes(); !slices.Equal(got, []string{"file", "s3"}) {
		t.Errorf("Schemes = %v, want [file s3]", got)
	}
}
