package breaker

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ding113/claude-code-hub/internal/rdb"
)

const (
	// configTTL is how long a loaded per-target config is trusted.
	configTTL = 5 * time.Minute

	// nonClosedReloadInterval forces a config reload for targets whose
	// breaker is not closed, so admin tuning changes take effect quickly on
	// the targets that matter.
	nonClosedReloadInterval = time.Minute
)

// ConfigLoader fetches the breaker tuning for one target id, typically from
// the provider row (via Redis cache or DB).
type ConfigLoader func(ctx context.Context, id int64) (Config, error)

type cfgEntry struct {
	cfg      Config
	loadedAt time.Time
	version  uint64
}

// ConfigCache caches per-target breaker configs with a TTL, coalesces
// concurrent loads with singleflight, and invalidates via a Redis pub/sub
// channel. Each target carries a monotonic version so an in-flight load
// cannot commit stale data over a fresher invalidation.
type ConfigCache struct {
	loader   ConfigLoader
	defaults Config
	log      *slog.Logger

	mu       sync.Mutex
	cache    map[int64]cfgEntry
	versions map[int64]uint64

	sf singleflight.Group

	// state lets the cache ask whether a target is currently non-closed.
	// Optional; nil means the 60s forced reload is skipped.
	state func(id int64) State

	now func() time.Time
}

// NewConfigCache builds a cache around loader. defaults fill zero fields of
// loaded configs and serve as the fallback when loading fails.
func NewConfigCache(loader ConfigLoader, defaults Config, log *slog.Logger) *ConfigCache {
	if log == nil {
		log = slog.Default()
	}
	return &ConfigCache{
		loader:   loader,
		defaults: defaults,
		log:      log,
		cache:    make(map[int64]cfgEntry),
		versions: make(map[int64]uint64),
		now:      time.Now,
	}
}

// BindState wires the breaker-state probe used for the faster reload of
// non-closed targets. Called once during app wiring.
func (c *ConfigCache) BindState(state func(id int64) State) { c.state = state }

// Load returns the config for id, loading or reloading as needed. Load never
// fails: on loader error the defaults are returned and a warning logged.
func (c *ConfigCache) Load(ctx context.Context, id int64) Config {
	c.mu.Lock()
	e, ok := c.cache[id]
	ver := c.versions[id]
	c.mu.Unlock()

	if ok && ver == e.version && !c.stale(id, e) {
		return e.cfg
	}

	v, err, _ := c.sf.Do(strconv.FormatInt(id, 10), func() (any, error) {
		return c.loadOnce(ctx, id), nil
	})
	if err != nil {
		return c.defaults
	}
	return v.(Config)
}

// Invalidate bumps the version for id and drops the cached entry. Wired to
// the pub/sub subscription and to local admin updates.
func (c *ConfigCache) Invalidate(id int64) {
	c.mu.Lock()
	c.versions[id]++
	delete(c.cache, id)
	c.mu.Unlock()
}

// Subscribe listens on the breaker-config pub/sub channel until ctx is
// cancelled. Message payloads are decimal target ids; an empty payload
// invalidates everything.
func (c *ConfigCache) Subscribe(ctx context.Context, rd *rdb.Client) {
	sub := rd.Subscribe(ctx, rd.CBConfigChannel())
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Payload == "" {
				c.mu.Lock()
				for id := range c.cache {
					c.versions[id]++
				}
				c.cache = make(map[int64]cfgEntry)
				c.mu.Unlock()
				continue
			}
			id, err := strconv.ParseInt(msg.Payload, 10, 64)
			if err != nil {
				c.log.Warn("breaker config invalidation: bad payload",
					slog.String("payload", msg.Payload))
				continue
			}
			c.Invalidate(id)
		}
	}
}

func (c *ConfigCache) stale(id int64, e cfgEntry) bool {
	age := c.now().Sub(e.loadedAt)
	if age >= configTTL {
		return true
	}
	if c.state != nil && age >= nonClosedReloadInterval && c.state(id) != StateClosed {
		return true
	}
	return false
}

// loadOnce runs the loader and commits the result unless the version moved
// while the load was in flight; on a version mismatch it re-loads once.
func (c *ConfigCache) loadOnce(ctx context.Context, id int64) Config {
	for attempt := 0; attempt < 2; attempt++ {
		c.mu.Lock()
		startVer := c.versions[id]
		c.mu.Unlock()

		cfg, err := c.loader(ctx, id)
		if err != nil {
			c.log.Warn("breaker config load failed; using defaults",
				slog.Int64("id", id),
				slog.String("error", err.Error()),
			)
			return c.defaults
		}
		cfg = cfg.withDefaults(c.defaults)

		c.mu.Lock()
		if c.versions[id] == startVer {
			c.cache[id] = cfgEntry{cfg: cfg, loadedAt: c.now(), version: startVer}
			c.mu.Unlock()
			return cfg
		}
		// Invalidated mid-load: loop and load once more.
		c.mu.Unlock()
	}
	return c.defaults
}
