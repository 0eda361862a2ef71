package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/seantiz/simforge/internal/model"
	"github.com/seantiz/simforge/internal/storage"
)

const (
	minPoll = 10 * time.Millisecond
	maxPoll = 500 * time.Millisecond
)

// Locker provides a mutual-exclusion lock per cache key.
type Locker interface {
	// Lock blocks until the lock named name is held or ctx is done. ctx
	// bounds only the wait; the returned unlock releases the lock.
	Lock(ctx context.Context, name string) (unlock func(), err error)
}

func defaultLocker(b storage.Backend, staleAfter time.Duration, logger *slog.Logger) (Locker, error) {
	if lr, ok := b.(storage.LocalRoot); ok {
		if l := newFileLocker(lr.Root()); l != nil {
			return l, nil
		}
	}
	if _, ok := b.(storage.ExclusiveCreator); ok {
		return NewMarkerLocker(b, staleAfter, logger)
	}
	return nil, errors.Newf("backend %s cannot provide per-key locks", b.Location())
}

// poll calls try with exponential backoff until it reports success, returns
// an error, or ctx is done.
func poll(ctx context.Context, try func() (bool, error)) error {
	wait := minPoll
	for {
		ok, err := try()
		if err != nil || ok {
			return err
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		wait = min(wait*2, maxPoll)
	}
}

// MarkerLocker locks a key by atomically creating a <name>.lock object in a
// backend that supports create-if-absent. The holder refreshes the marker
// while it runs; a marker that has not been refreshed for staleAfter is
// treated as abandoned by a crashed process and removed.
//
// Breaking a stale marker is not atomic. Two waiters that observe the same
// stale marker at the same moment may both proceed.
type MarkerLocker struct {
	backend    storage.Backend
	creator    storage.ExclusiveCreator
	staleAfter time.Duration
	logger     *slog.Logger
}

type lockMarker struct {
	Owner     string    `json:"owner"`
	Acquired  time.Time `json:"acquired"`
	Refreshed time.Time `json:"refreshed"`
}

// NewMarkerLocker returns a marker-object locker for b, which must implement
// storage.ExclusiveCreator.
func NewMarkerLocker(b storage.Backend, staleAfter time.Duration, logger *slog.Logger) (*MarkerLocker, error) {
	creator, ok := b.(storage.ExclusiveCreator)
	if !ok {
		return nil, errors.Newf("backend %s does not support exclusive create", b.Location())
	}
	if staleAfter <= 0 {
		staleAfter = DefaultLockStaleAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MarkerLocker{backend: b, creator: creator, staleAfter: staleAfter, logger: logger}, nil
}

// Lock implements Locker.
func (l *MarkerLocker) Lock(ctx context.Context, name string) (func(), error) {
	p := name + ".lock"
	now := time.Now().UTC()
	marker := lockMarker{Owner: model.NewID(), Acquired: now, Refreshed: now}

	err := poll(ctx, func() (bool, error) {
		marker.Refreshed = time.Now().UTC()
		data, err := json.Marshal(marker)
		if err != nil {
			return false, errors.Wrap(err, "encode lock marker")
		}
		created, err := l.creator.CreateExclusive(ctx, p, data)
		if err != nil || created {
			return created, err
		}
		if l.isStale(ctx, p) {
			l.logger.Warn("removing stale cache lock", "lock", p)
			if err := l.backend.Delete(ctx, p); err != nil {
				return false, errors.Wrap(err, "remove stale lock")
			}
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(p, marker, stop, done)

	return func() {
		close(stop)
		<-done
		if err := l.backend.Delete(context.Background(), p); err != nil {
			l.logger.Error("failed to release cache lock", "lock", p, "error", err)
		}
	}, nil
}

func (l *MarkerLocker) isStale(ctx context.Context, p string) bool {
	data, err := l.backend.ReadBytes(ctx, p)
	if err != nil {
		// Released between our create attempt and this read.
		return false
	}
	var m lockMarker
	if err := json.Unmarshal(data, &m); err != nil {
		return true
	}
	return time.Since(m.Refreshed) > l.staleAfter
}

func (l *MarkerLocker) keepAlive(p string, m lockMarker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(l.staleAfter / 3)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			m.Refreshed = time.Now().UTC()
			data, _ := json.Marshal(m)
			if err := l.backend.WriteBytes(context.Background(), p, data); err != nil {
				l.logger.Warn("failed to refresh cache lock", "lock", p, "error", err)
			}
		}
	}
}
