// Package cache serves DB-backed routing configuration — system settings,
// the provider table, endpoint pools, and the sensitive-word blocklist — to
// the request path from in-process snapshots.
//
// Snapshots reload on a short TTL and are invalidated early by the Redis
// pub/sub channels the admin surface publishes on. A failed reload keeps
// serving the last good value, so a DB outage degrades routing freshness
// without failing requests.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ding113/claude-code-hub/internal/rdb"
)

// loadTimeout bounds one snapshot reload against the source.
const loadTimeout = 5 * time.Second

// Snapshot caches one value of type T with TTL expiry, singleflight reload,
// and stale-on-error fallback. Safe for concurrent use.
type Snapshot[T any] struct {
	name string
	ttl  time.Duration
	load func(ctx context.Context) (T, error)
	log  *slog.Logger

	mu       sync.Mutex
	val      T
	loaded   bool
	loadedAt time.Time

	sf singleflight.Group

	// now is swappable for tests.
	now func() time.Time
}

// NewSnapshot builds a snapshot around load. The value is fetched lazily on
// first Get, not here.
func NewSnapshot[T any](name string, ttl time.Duration, load func(ctx context.Context) (T, error), log *slog.Logger) *Snapshot[T] {
	if log == nil {
		log = slog.Default()
	}
	return &Snapshot[T]{
		name: name,
		ttl:  ttl,
		load: load,
		log:  log,
		now:  time.Now,
	}
}

// Get returns the cached value, reloading when the TTL has elapsed. When a
// reload fails the previous value is served and a warning logged; the error
// is returned only if no value has ever been loaded.
func (s *Snapshot[T]) Get(ctx context.Context) (T, error) {
	s.mu.Lock()
	if s.loaded && s.now().Sub(s.loadedAt) < s.ttl {
		v := s.val
		s.mu.Unlock()
		return v, nil
	}
	s.mu.Unlock()

	v, err, _ := s.sf.Do(s.name, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()

		fresh, err := s.load(loadCtx)
		if err != nil {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.loaded {
				s.log.Warn("snapshot reload failed; serving stale value",
					slog.String("snapshot", s.name),
					slog.String("error", err.Error()),
				)
				return s.val, nil
			}
			return nil, err
		}

		s.mu.Lock()
		s.val = fresh
		s.loaded = true
		s.loadedAt = s.now()
		s.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Invalidate expires the snapshot without discarding the value, so the next
// Get reloads but stale-on-error still has something to serve.
func (s *Snapshot[T]) Invalidate() {
	s.mu.Lock()
	s.loadedAt = time.Time{}
	s.mu.Unlock()
}

// Subscribe invalidates the snapshot on every message published to channel.
// Blocks until ctx is cancelled.
func (s *Snapshot[T]) Subscribe(ctx context.Context, rd *rdb.Client, channel string) {
	sub := rd.Subscribe(ctx, channel)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			s.Invalidate()
		}
	}
}
