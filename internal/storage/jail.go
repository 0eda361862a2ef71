package storage

import (
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrOutsideRoot is returned for paths that do not lie below their root.
var ErrOutsideRoot = errors.New("path is outside the allowed root")

// ResolveUnder returns the absolute form of p, which must name something
// strictly below root. Relative paths are taken relative to root. The check
// is made both lexically and after following symlinks, so a link inside root
// cannot point elsewhere. Neither p nor root needs to exist yet.
func ResolveUnder(root, p string) (string, error) {
	if root == "" {
		return "", errors.Wrapf(ErrOutsideRoot, "%q: no root directory is configured", p)
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return "", errors.Wrap(err, "resolve root directory")
	}

	full := filepath.Clean(p)
	if !filepath.IsAbs(full) {
		full = filepath.Join(root, full)
	}
	if !below(root, full) {
		return "", errors.Wrapf(ErrOutsideRoot, "%q escapes %s", p, root)
	}

	realRoot, err := evalExisting(root)
	if err != nil {
		return "", errors.Wrap(err, "resolve root directory")
	}
	realFull, err := evalExisting(full)
	if err != nil {
		return "", errors.Wrapf(err, "resolve %q", p)
	}
	if !below(realRoot, realFull) {
		return "", errors.Wrapf(ErrOutsideRoot, "%q links outside %s", p, root)
	}
	return full, nil
}

func below(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// evalExisting follows symlinks in the longest existing prefix of p and
// appends the rest unchanged.
func evalExisting(p string) (string, error) {
	var rest []string
	for {
		real, err := filepath.EvalSymlinks(p)
		if err == nil {
			return filepath.Join(append([]string{real}, rest...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return filepath.Join(append([]string{p}, rest...)...), nil
		}
		rest = append([]string{filepath.Base(p)}, rest...)
		p = parent
	}
}
