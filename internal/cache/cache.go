package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/singleflight"

	"github.com/seantiz/simforge/internal/model"
	"github.com/seantiz/simforge/internal/storage"
)

var (
	// ErrLockTimeout is returned when another producer held a key's lock for
	// longer than the configured wait budget. It is not an execution failure.
	ErrLockTimeout = errors.New("timed out waiting for cache lock")

	// ErrCacheCorruption marks an entry whose metadata or bundle cannot be
	// trusted. Lookups treat such entries as misses.
	ErrCacheCorruption = errors.New("cache entry is corrupt")
)

const (
	// DefaultLockTimeout bounds how long a caller waits for another producer
	// of the same key. Engine runs can take a long time.
	DefaultLockTimeout = 30 * time.Minute

	// DefaultLockStaleAfter is how old an unrefreshed lock marker must be
	// before it is considered abandoned.
	DefaultLockStaleAfter = 2 * time.Minute

	metaFile  = "meta.json"
	bundleDir = "bundle"
)

// Producer runs the engine for a missing key. On success the returned
// outcome's OutputDir is a local directory holding the output bundle; the
// cache copies it and leaves the directory untouched.
//
// A non-nil error means the job could not be attempted (for example input
// staging failed). Engine failures are reported through the outcome.
type Producer func(ctx context.Context) (model.ExecutionOutcome, error)

// Options configures a Cache. Zero values select defaults.
type Options struct {
	LockTimeout    time.Duration
	LockStaleAfter time.Duration

	// Locker overrides the per-key lock chosen from the backend's
	// capabilities, e.g. a RedisLocker shared by several hosts.
	Locker Locker

	Logger *slog.Logger
}

// Cache is a content-addressed store of successful engine outcomes.
type Cache struct {
	backend     storage.Backend
	locker      Locker
	lockTimeout time.Duration
	logger      *slog.Logger
	flight      singleflight.Group
}

// New creates a cache on top of backend.
func New(backend storage.Backend, opts Options) (*Cache, error) {
	if backend == nil {
		return nil, errors.New("cache requires a storage backend")
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.LockStaleAfter <= 0 {
		opts.LockStaleAfter = DefaultLockStaleAfter
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	locker := opts.Locker
	if locker == nil {
		var err error
		locker, err = defaultLocker(backend, opts.LockStaleAfter, opts.Logger)
		if err != nil {
			return nil, err
		}
	}

	return &Cache{
		backend:     backend,
		locker:      locker,
		lockTimeout: opts.LockTimeout,
		logger:      opts.Logger,
	}, nil
}

// Location describes where entries are stored.
func (c *Cache) Location() string {
	return c.backend.Location()
}

// Key computes the cache key of a job's inputs. See the package-level Key.
func (c *Cache) Key(ctx context.Context, doc model.Document, weather model.WeatherRef, opts model.Options) (model.CacheKey, error) {
	return Key(ctx, doc, weather, opts)
}

// Contains reports whether a complete, non-corrupt entry exists for key.
func (c *Cache) Contains(ctx context.Context, key model.CacheKey) bool {
	_, res, err := c.lookup(ctx, key)
	return err == nil && res == lookupHit
}

// Entry returns the stored metadata for key.
func (c *Cache) Entry(ctx context.Context, key model.CacheKey) (model.CacheEntry, error) {
	entry, res, err := c.lookup(ctx, key)
	if err != nil {
		return model.CacheEntry{}, err
	}
	switch res {
	case lookupMiss:
		return model.CacheEntry{}, errors.Wrapf(storage.ErrNotFound, "cache entry %s", key.Hex())
	case lookupCorrupt:
		return model.CacheEntry{}, errors.Wrapf(ErrCacheCorruption, "cache entry %s", key.Hex())
	}
	return entry, nil
}

// GetOrExecute returns the stored outcome for key, or runs produce and stores
// its result when it succeeds. At most one producer runs per key at a time
// across every cache sharing the same storage and locker. Concurrent callers
// for the same key in this process share one execution and one outcome,
// unless that execution was cancelled by the caller that started it; live
// callers then start another.
//
// Failed outcomes are returned but never stored. An error is returned when
// the lock wait budget runs out (ErrLockTimeout), when storage fails, or when
// produce itself returns one; in the last two cases the outcome is returned
// as well.
func (c *Cache) GetOrExecute(ctx context.Context, key model.CacheKey, produce Producer) (model.ExecutionOutcome, error) {
	for {
		entry, res, err := c.lookup(ctx, key)
		if err != nil {
			return model.ExecutionOutcome{}, err
		}
		lookupsTotal.WithLabelValues(res.String()).Inc()
		if res == lookupHit {
			return c.replay(key, entry), nil
		}

		var led atomic.Bool
		ch := c.flight.DoChan(key.Hex(), func() (any, error) {
			led.Store(true)
			return c.fill(ctx, key, produce)
		})

		var r singleflight.Result
		select {
		case r = <-ch:
		case <-ctx.Done():
			return model.ExecutionOutcome{}, ctx.Err()
		}
		out, _ := r.Val.(model.ExecutionOutcome)

		// A joined execution cancelled by its leader is retried while this
		// caller is live.
		if !led.Load() && ctx.Err() == nil && cancelledRun(out, r.Err) {
			c.logger.Debug("shared execution was cancelled, retrying", "cache_key", key.String())
			continue
		}
		return out, r.Err
	}
}

func cancelledRun(out model.ExecutionOutcome, err error) bool {
	if err != nil {
		return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
	}
	return out.Exit == model.ExitCancelled
}

func (c *Cache) fill(ctx context.Context, key model.CacheKey, produce Producer) (model.ExecutionOutcome, error) {
	unlock, err := c.lock(ctx, key)
	if err != nil {
		return model.ExecutionOutcome{}, err
	}
	defer unlock()

	// Another process may have committed the entry while we waited.
	entry, res, err := c.lookup(ctx, key)
	if err != nil {
		return model.ExecutionOutcome{}, err
	}
	switch res {
	case lookupHit:
		return c.replay(key, entry), nil
	case lookupCorrupt:
		if err := c.purge(ctx, key); err != nil {
			return model.ExecutionOutcome{}, err
		}
	}

	out, err := produce(ctx)
	if err != nil || !out.Success {
		return out, err
	}

	if err := c.commit(ctx, key, out); err != nil {
		storesTotal.WithLabelValues("error").Inc()
		return out, err
	}
	storesTotal.WithLabelValues("ok").Inc()

	out.Key = key.String()
	return out, nil
}

func (c *Cache) lock(ctx context.Context, key model.CacheKey) (func(), error) {
	start := time.Now()
	lctx, cancel := context.WithTimeoutCause(ctx, c.lockTimeout, ErrLockTimeout)
	defer cancel()

	unlock, err := c.locker.Lock(lctx, key.Hex())
	lockWaitSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() == nil && errors.Is(context.Cause(lctx), ErrLockTimeout) {
			return nil, errors.Wrapf(ErrLockTimeout, "key %s after %s", key.Hex(), c.lockTimeout)
		}
		return nil, errors.Wrap(err, "acquire cache lock")
	}
	return unlock, nil
}

// Restore materializes the bundle of key into dir. The files are written to
// a staging sibling, checked against the manifest, and only then moved into
// place. A checksum mismatch returns ErrCacheCorruption.
func (c *Cache) Restore(ctx context.Context, key model.CacheKey, dir string) error {
	entry, err := c.Entry(ctx, key)
	if err != nil {
		return err
	}

	staging, err := storage.NewStagingDir(dir)
	if err != nil {
		return err
	}
	if err := c.materialize(ctx, key, entry, staging); err != nil {
		storage.DiscardDir(staging)
		return err
	}
	return storage.PromoteDir(staging, dir)
}

func (c *Cache) materialize(ctx context.Context, key model.CacheKey, entry model.CacheEntry, dir string) error {
	for _, f := range entry.Files {
		data, err := c.backend.ReadBytes(ctx, bundlePath(key, f.Path))
		if storage.IsNotFound(err) {
			return errors.Wrapf(ErrCacheCorruption, "bundle file %s is missing", f.Path)
		}
		if err != nil {
			return errors.Wrapf(err, "read bundle file %s", f.Path)
		}

		sum := sha256.Sum256(data)
		if int64(len(data)) != f.Size || hex.EncodeToString(sum[:]) != f.SHA256 {
			return errors.Wrapf(ErrCacheCorruption, "bundle file %s does not match its checksum", f.Path)
		}

		dst := filepath.Join(dir, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return errors.Wrap(err, "create bundle directory")
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return errors.Wrapf(err, "write bundle file %s", f.Path)
		}
	}
	return nil
}

// Invalidate removes the entry for key under its lock, so the next
// GetOrExecute runs the engine again.
func (c *Cache) Invalidate(ctx context.Context, key model.CacheKey) error {
	unlock, err := c.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return c.purge(ctx, key)
}

// Clear deletes every entry and returns how many were removed. Its effect on
// jobs that are running at the same time is undefined.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	var removed int
	for p, err := range c.backend.List(ctx, "") {
		if err != nil {
			return removed, errors.Wrap(err, "list cache")
		}
		if err := c.backend.Delete(ctx, p); err != nil {
			return removed, errors.Wrapf(err, "delete %s", p)
		}
		if path.Base(p) == metaFile {
			removed++
		}
	}
	c.logger.Info("cache cleared", "location", c.backend.Location(), "entries", removed)
	return removed, nil
}

// purge deletes the commit marker first so a partially deleted entry is
// never mistaken for a complete one.
func (c *Cache) purge(ctx context.Context, key model.CacheKey) error {
	if err := c.backend.Delete(ctx, metaPath(key)); err != nil {
		return errors.Wrap(err, "delete cache metadata")
	}
	for p, err := range c.backend.List(ctx, key.Hex()+"/") {
		if err != nil {
			return errors.Wrap(err, "list cache entry")
		}
		if err := c.backend.Delete(ctx, p); err != nil {
			return errors.Wrapf(err, "delete %s", p)
		}
	}
	c.logger.Info("cache entry removed", "cache_key", key.String())
	return nil
}

func (c *Cache) commit(ctx context.Context, key model.CacheKey, out model.ExecutionOutcome) error {
	var files []model.BundleFile
	if out.OutputDir != "" {
		root := out.OutputDir
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)

			data, err := os.ReadFile(p)
			if err != nil {
				return errors.Wrapf(err, "read output file %s", rel)
			}
			if err := c.backend.WriteBytes(ctx, bundlePath(key, rel), data); err != nil {
				return errors.Wrapf(err, "upload bundle file %s", rel)
			}
			sum := sha256.Sum256(data)
			files = append(files, model.BundleFile{Path: rel, Size: int64(len(data)), SHA256: hex.EncodeToString(sum[:])})
			return nil
		})
		if err != nil {
			return errors.Wrap(err, "store output bundle")
		}
	}

	stored := out
	stored.OutputDir = ""
	stored.Label = ""
	stored.Cached = false
	stored.Error = ""
	stored.Key = key.String()

	entry := model.CacheEntry{
		Key:       key.Hex(),
		Algorithm: algorithm(key),
		Bundle:    c.BundleLocation(key),
		Files:     files,
		Outcome:   stored,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode cache metadata")
	}
	if err := c.backend.WriteBytes(ctx, metaPath(key), data); err != nil {
		return errors.Wrap(err, "write cache metadata")
	}

	c.logger.Info("cache entry stored", "cache_key", key.String(), "files", len(files))
	return nil
}

func (c *Cache) replay(key model.CacheKey, entry model.CacheEntry) model.ExecutionOutcome {
	out := entry.Outcome
	out.Cached = true
	out.Key = key.String()
	out.OutputDir = entry.Bundle
	return out
}

// BundleLocation returns where the bundle of key is stored.
func (c *Cache) BundleLocation(key model.CacheKey) string {
	return strings.TrimSuffix(c.backend.Location(), "/") + "/" + key.Hex() + "/" + bundleDir
}

type lookupResult int

const (
	lookupMiss lookupResult = iota
	lookupHit
	lookupCorrupt
)

func (r lookupResult) String() string {
	switch r {
	case lookupHit:
		return "hit"
	case lookupCorrupt:
		return "corrupt"
	default:
		return "miss"
	}
}

// lookup never deletes anything; corrupt entries are only purged while the
// key's lock is held.
func (c *Cache) lookup(ctx context.Context, key model.CacheKey) (model.CacheEntry, lookupResult, error) {
	data, err := c.backend.ReadBytes(ctx, metaPath(key))
	if storage.IsNotFound(err) {
		return model.CacheEntry{}, lookupMiss, nil
	}
	if err != nil {
		return model.CacheEntry{}, lookupMiss, errors.Wrap(err, "read cache metadata")
	}

	entry, err := decodeEntry(data, key)
	if err != nil {
		c.logger.Warn("corrupt cache entry", "cache_key", key.String(), "error", err)
		return model.CacheEntry{}, lookupCorrupt, nil
	}

	for _, f := range entry.Files {
		ok, err := c.backend.Exists(ctx, bundlePath(key, f.Path))
		if err != nil {
			return model.CacheEntry{}, lookupMiss, errors.Wrap(err, "check bundle file")
		}
		if !ok {
			c.logger.Warn("corrupt cache entry", "cache_key", key.String(), "missing", f.Path)
			return model.CacheEntry{}, lookupCorrupt, nil
		}
	}
	return entry, lookupHit, nil
}

func decodeEntry(data []byte, key model.CacheKey) (model.CacheEntry, error) {
	var entry model.CacheEntry
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&entry); err != nil {
		return model.CacheEntry{}, errors.Wrapf(ErrCacheCorruption, "decode metadata: %v", err)
	}
	if entry.Key != key.Hex() {
		return model.CacheEntry{}, errors.Wrapf(ErrCacheCorruption, "metadata names key %q", entry.Key)
	}
	if entry.Algorithm != algorithm(key) {
		return model.CacheEntry{}, errors.Wrapf(ErrCacheCorruption, "algorithm %q, want %q", entry.Algorithm, algorithm(key))
	}
	for _, f := range entry.Files {
		if f.Path == "" || path.IsAbs(f.Path) || path.Clean(f.Path) != f.Path || f.Path == ".." || strings.HasPrefix(f.Path, "../") {
			return model.CacheEntry{}, errors.Wrapf(ErrCacheCorruption, "invalid bundle path %q", f.Path)
		}
	}
	return entry, nil
}

func algorithm(key model.CacheKey) string {
	if key.Algorithm == "" {
		return model.KeyAlgorithm
	}
	return key.Algorithm
}

func metaPath(key model.CacheKey) string {
	return key.Hex() + "/" + metaFile
}

func bundlePath(key model.CacheKey, rel string) string {
	return key.Hex() + "/" + bundleDir + "/" + rel
}
