package storage

import (
	"context"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

// tempPrefix marks in-progress writes; List never yields them.
const tempPrefix = ".tmp-"

// Compile-time interface satisfaction checks.
var (
	_ Backend          = (*Local)(nil)
	_ ExclusiveCreator = (*Local)(nil)
	_ LocalRoot        = (*Local)(nil)
)

// Local stores objects as files below a root directory. Writes go to a
// temporary file in the destination directory and are renamed into place, so
// readers never observe a partially written object.
type Local struct {
	root string
}

// NewLocal creates the root directory if needed and returns a backend for it.
func NewLocal(root string) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, "resolve storage root")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage root")
	}
	return &Local{root: abs}, nil
}

// Root returns the absolute root directory.
func (l *Local) Root() string {
	return l.root
}

// Location returns a file URL for the root.
func (l *Local) Location() string {
	return "file://" + filepath.ToSlash(l.root)
}

// resolve maps a slash path to a filesystem path, refusing paths that escape
// the root.
func (l *Local) resolve(p string) (string, error) {
	cleaned := path.Clean("/" + p)
	full := filepath.Join(l.root, filepath.FromSlash(cleaned))
	if full != l.root && !strings.HasPrefix(full, l.root+string(filepath.Separator)) {
		return "", errors.Newf("path %q escapes storage root", p)
	}
	return full, nil
}

// ReadBytes reads the file at p.
func (l *Local) ReadBytes(_ context.Context, p string) ([]byte, error) {
	full, err := l.resolve(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrapf(ErrNotFound, "read %s", p)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", p)
	}
	return data, nil
}

// WriteBytes atomically replaces the file at p.
func (l *Local) WriteBytes(_ context.Context, p string, data []byte) error {
	full, err := l.resolve(p)
	if err != nil {
		return err
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create directory for %s", p)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return errors.Wrapf(err, "create temp file for %s", p)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrapf(err, "write %s", p)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "close %s", p)
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "rename into %s", p)
	}
	return nil
}

// CreateExclusive creates p with O_EXCL.
func (l *Local) CreateExclusive(_ context.Context, p string, data []byte) (bool, error) {
	full, err := l.resolve(p)
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return false, errors.Wrapf(err, "create directory for %s", p)
	}

	f, err := os.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "create %s", p)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return true, errors.Wrapf(err, "write %s", p)
	}
	return true, errors.Wrapf(f.Close(), "close %s", p)
}

// Exists stats the file at p.
func (l *Local) Exists(_ context.Context, p string) (bool, error) {
	full, err := l.resolve(p)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "stat %s", p)
	}
	return !info.IsDir(), nil
}

// List walks the directory that contains prefix and yields matching files in
// lexical order.
func (l *Local) List(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		// Walk from the deepest directory the prefix names.
		dir := prefix
		if !strings.HasSuffix(dir, "/") {
			dir = path.Dir(dir)
		}
		start, err := l.resolve(dir)
		if err != nil {
			yield("", err)
			return
		}

		err = filepath.WalkDir(start, func(full string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
				return nil
			}
			rel, err := filepath.Rel(l.root, full)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			if !strings.HasPrefix(rel, prefix) {
				return nil
			}
			if !yield(rel, nil) {
				return fs.SkipAll
			}
			return nil
		})
		if err != nil {
			yield("", errors.Wrapf(err, "list %s", prefix))
		}
	}
}

// Delete removes the file at p and prunes directories left empty.
func (l *Local) Delete(_ context.Context, p string) error {
	full, err := l.resolve(p)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrapf(err, "delete %s", p)
	}
	l.pruneEmptyDirs(filepath.Dir(full))
	return nil
}

// pruneEmptyDirs removes empty directories from dir up to, not including,
// the root. Errors stop the walk; a concurrent writer may have refilled it.
func (l *Local) pruneEmptyDirs(dir string) {
	for dir != l.root && strings.HasPrefix(dir, l.root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
