package storage

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/oklog/ulid/v2"
)

// stagingMarker separates a final directory name from its staging suffix.
const stagingMarker = ".staging-"

// NewStagingDir creates an empty sibling of final that results are written to
// before PromoteDir moves them into place.
func NewStagingDir(final string) (string, error) {
	abs, err := filepath.Abs(final)
	if err != nil {
		return "", errors.Wrap(err, "resolve output directory")
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", errors.Wrap(err, "create output parent directory")
	}
	staging := abs + stagingMarker + ulid.Make().String()
	if err := os.Mkdir(staging, 0o755); err != nil {
		return "", errors.Wrap(err, "create staging directory")
	}
	return staging, nil
}

// PromoteDir replaces final with staging. Readers see either the previous
// contents, nothing, or the complete new contents; never a partial tree.
func PromoteDir(staging, final string) error {
	abs, err := filepath.Abs(final)
	if err != nil {
		return errors.Wrap(err, "resolve output directory")
	}
	if err := os.RemoveAll(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrap(err, "remove previous output")
	}
	if err := os.Rename(staging, abs); err != nil {
		return errors.Wrap(err, "promote staging directory")
	}
	return nil
}

// DiscardDir removes a staging directory that will not be promoted.
func DiscardDir(staging string) {
	if staging != "" {
		os.RemoveAll(staging)
	}
}
