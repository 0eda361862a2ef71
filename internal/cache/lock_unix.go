//go:build unix

package cache

import (
	"context"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// fileLocker serializes keys with flock(2) on <root>/<name>.lock. The kernel
// drops the lock when the holder exits, so a crash never leaves it stuck.
type fileLocker struct {
	dir string
}

func newFileLocker(dir string) Locker {
	return &fileLocker{dir: dir}
}

func (l *fileLocker) Lock(ctx context.Context, name string) (func(), error) {
	p := filepath.Join(l.dir, name+".lock")

	var held *os.File
	err := poll(ctx, func() (bool, error) {
		f, err := os.OpenFile(p, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return false, errors.Wrap(err, "open lock file")
		}
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			f.Close()
			if errors.Is(err, unix.EWOULDBLOCK) {
				return false, nil
			}
			return false, errors.Wrap(err, "flock")
		}

		// The previous holder unlinks the file on release. If that happened
		// after we opened it, our lock is on an orphaned inode.
		if !samePath(f, p) {
			f.Close()
			return false, nil
		}
		held = f
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	return func() {
		os.Remove(p)
		unix.Flock(int(held.Fd()), unix.LOCK_UN)
		held.Close()
	}, nil
}

func samePath(f *os.File, p string) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	pi, err := os.Stat(p)
	if err != nil {
		return false
	}
	return os.SameFile(fi, pi)
}
