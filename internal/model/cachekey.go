package model

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// KeyAlgorithm tags digests produced by the current key computer.
const KeyAlgorithm = "sha256/v1"

// CacheKey is a content fingerprint of a job's inputs.
type CacheKey struct {
	Digest    [32]byte
	Algorithm string
}

// Hex returns the lowercase hex digest, which names the cache directory.
func (k CacheKey) Hex() string {
	return hex.EncodeToString(k.Digest[:])
}

// String returns "<algorithm>:<hex>".
func (k CacheKey) String() string {
	return k.Algorithm + ":" + k.Hex()
}

// Equal reports whether two keys have the same digest.
func (k CacheKey) Equal(o CacheKey) bool {
	return bytes.Equal(k.Digest[:], o.Digest[:])
}

// ParseCacheKey parses either "<algorithm>:<hex>" or a bare hex digest, which
// is assumed to use KeyAlgorithm.
func ParseCacheKey(s string) (CacheKey, error) {
	algo := KeyAlgorithm
	digest := s
	if i := strings.LastIndex(s, ":"); i >= 0 {
		algo, digest = s[:i], s[i+1:]
	}

	raw, err := hex.DecodeString(digest)
	if err != nil {
		return CacheKey{}, fmt.Errorf("decode cache key: %w", err)
	}
	if len(raw) != 32 {
		return CacheKey{}, fmt.Errorf("cache key has %d bytes, want 32", len(raw))
	}

	k := CacheKey{Algorithm: algo}
	copy(k.Digest[:], raw)
	return k, nil
}

// BundleFile is one file of a cached output bundle.
type BundleFile struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// CacheEntry is the metadata record stored next to a cached bundle. It is
// written once, after the bundle, and never modified.
type CacheEntry struct {
	Key       string           `json:"key"`
	Algorithm string           `json:"algorithm"`
	Bundle    string           `json:"bundle"`
	Files     []BundleFile     `json:"files"`
	Outcome   ExecutionOutcome `json:"outcome"`
	CreatedAt time.Time        `json:"created_at"`
}
