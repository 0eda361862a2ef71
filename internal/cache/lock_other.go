//go:build !unix

package cache

// Without flock, local backends fall back to marker files created with
// O_EXCL.
func newFileLocker(string) Locker {
	return nil
}
