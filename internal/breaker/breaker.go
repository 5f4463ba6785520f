// Package breaker implements the per-provider and per-endpoint circuit
// breakers and the coarse vendor+type fuse.
//
// State machine:
//
//	closed    --[failures ≥ threshold]--------------> open
//	open      --[now ≥ openUntil, on read]----------> half-open
//	half-open --[successes ≥ halfOpenThreshold]-----> closed
//	half-open --[any failure]-----------------------> open
//
// Memory is updated synchronously; Redis persistence is fire-and-forget.
// Redis is the source of truth for non-closed states so admin resets
// propagate across instances: non-closed entries re-sync from Redis on read.
// Closed states may be served from memory indefinitely.
//
// Breaker operations never fail a request. On Redis errors the breaker
// degrades to its in-memory view and logs a warning.
package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ding113/claude-code-hub/internal/rdb"
)

// State is the operational state of one breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config holds per-target breaker tuning. FailureThreshold <= 0 disables the
// breaker entirely and forces the state to closed.
type Config struct {
	FailureThreshold         int
	OpenDuration             time.Duration
	HalfOpenSuccessThreshold int
}

// Disabled reports whether this config turns the breaker off.
func (c Config) Disabled() bool { return c.FailureThreshold <= 0 }

func (c Config) withDefaults(d Config) Config {
	if c.OpenDuration <= 0 {
		c.OpenDuration = d.OpenDuration
	}
	if c.HalfOpenSuccessThreshold <= 0 {
		c.HalfOpenSuccessThreshold = d.HalfOpenSuccessThreshold
	}
	return c
}

// persisted is the JSON document stored in Redis (no TTL).
type persisted struct {
	FailureCount         int        `json:"failureCount"`
	LastFailureTime      *time.Time `json:"lastFailureTime,omitempty"`
	CircuitState         State      `json:"circuitState"`
	CircuitOpenUntil     *time.Time `json:"circuitOpenUntil,omitempty"`
	HalfOpenSuccessCount int        `json:"halfOpenSuccessCount"`
}

// entry is the in-process state for one target id.
type entry struct {
	mu sync.Mutex
	persisted
	lastSync time.Time // last Redis re-sync for non-closed states
}

// AlertFunc is the fire-and-forget notification hook invoked when a breaker
// opens. Implementations must not block.
type AlertFunc func(id int64, failures int, openUntil time.Time)

// Breaker manages independent circuit breakers keyed by int64 target id.
// One instance serves the provider keyspace, another the endpoint keyspace.
// Safe for concurrent use.
type Breaker struct {
	rd    *rdb.Client // nil → memory-only (degraded / tests)
	keyFn func(id int64) string
	cfg   *ConfigCache
	alert AlertFunc
	log   *slog.Logger

	mu      sync.RWMutex
	entries map[int64]*entry

	// now is swappable for tests.
	now func() time.Time

	// syncInterval bounds how often a non-closed entry re-reads Redis.
	syncInterval time.Duration
}

// New creates a breaker over the given keyspace. rd may be nil for
// memory-only operation.
func New(rd *rdb.Client, keyFn func(id int64) string, cfg *ConfigCache, alert AlertFunc, log *slog.Logger) *Breaker {
	if log == nil {
		log = slog.Default()
	}
	return &Breaker{
		rd:           rd,
		keyFn:        keyFn,
		cfg:          cfg,
		alert:        alert,
		log:          log,
		entries:      make(map[int64]*entry),
		now:          time.Now,
		syncInterval: time.Second,
	}
}

func (b *Breaker) get(id int64) *entry {
	b.mu.RLock()
	e := b.entries[id]
	b.mu.RUnlock()
	if e != nil {
		return e
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if e = b.entries[id]; e == nil {
		e = &entry{persisted: persisted{CircuitState: StateClosed}}
		b.entries[id] = e
	}
	return e
}

// IsOpen reports whether requests to id must be short-circuited. It lazily
// performs the open → half-open transition when the open period has elapsed
// (persisting the transition) and returns false in that case.
func (b *Breaker) IsOpen(ctx context.Context, id int64) bool {
	cfg := b.cfg.Load(ctx, id)
	e := b.get(id)

	e.mu.Lock()
	defer e.mu.Unlock()

	if cfg.Disabled() {
		b.forceClosedLocked(id, e)
		return false
	}

	b.maybeSyncLocked(ctx, id, e)

	switch e.CircuitState {
	case StateClosed:
		return false

	case StateOpen:
		now := b.now()
		if e.CircuitOpenUntil != nil && !now.Before(*e.CircuitOpenUntil) {
			e.CircuitState = StateHalfOpen
			e.HalfOpenSuccessCount = 0
			b.persist(id, e.persisted)
			return false
		}
		return true

	case StateHalfOpen:
		return false
	}
	return false
}

// RecordFailure counts one failure against id. On crossing the threshold the
// breaker opens for cfg.OpenDuration and the alert hook fires. An
// already-open breaker is not extended by further failures.
func (b *Breaker) RecordFailure(ctx context.Context, id int64, cause error) {
	cfg := b.cfg.Load(ctx, id)
	e := b.get(id)

	e.mu.Lock()
	defer e.mu.Unlock()

	if cfg.Disabled() {
		b.forceClosedLocked(id, e)
		return
	}

	now := b.now()

	switch e.CircuitState {
	case StateOpen:
		// No open-extension under failure storms.
		return

	case StateHalfOpen:
		b.openLocked(id, e, cfg, now)
		return

	default: // closed
		e.FailureCount++
		e.LastFailureTime = &now
		if e.FailureCount >= cfg.FailureThreshold {
			b.openLocked(id, e, cfg, now)
			return
		}
		b.persist(id, e.persisted)
	}

	if cause != nil {
		b.log.Debug("breaker failure recorded",
			slog.Int64("id", id),
			slog.Int("failures", e.FailureCount),
			slog.String("error", cause.Error()),
		)
	}
}

// RecordSuccess counts one success. In closed it resets the failure counter
// (persisting only when it was nonzero). In half-open it counts toward the
// close threshold.
func (b *Breaker) RecordSuccess(ctx context.Context, id int64) {
	cfg := b.cfg.Load(ctx, id)
	e := b.get(id)

	e.mu.Lock()
	defer e.mu.Unlock()

	if cfg.Disabled() {
		b.forceClosedLocked(id, e)
		return
	}

	switch e.CircuitState {
	case StateClosed:
		if e.FailureCount != 0 {
			e.FailureCount = 0
			e.LastFailureTime = nil
			b.persist(id, e.persisted)
		}

	case StateHalfOpen:
		e.HalfOpenSuccessCount++
		if e.HalfOpenSuccessCount >= cfg.HalfOpenSuccessThreshold {
			e.CircuitState = StateClosed
			e.FailureCount = 0
			e.LastFailureTime = nil
			e.CircuitOpenUntil = nil
			e.HalfOpenSuccessCount = 0
		}
		b.persist(id, e.persisted)

	case StateOpen:
		// A success while open means another instance served a probe; let
		// the lazy transition handle it.
	}
}

// Reset is the admin operation: force closed and persist, regardless of the
// current state.
func (b *Breaker) Reset(ctx context.Context, id int64) {
	e := b.get(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	b.forceClosedLocked(id, e)
}

// TripToHalfOpen is the smart-probe operation: transition open → half-open
// only. Any other state is left untouched.
func (b *Breaker) TripToHalfOpen(ctx context.Context, id int64) {
	e := b.get(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.CircuitState != StateOpen {
		return
	}
	e.CircuitState = StateHalfOpen
	e.HalfOpenSuccessCount = 0
	b.persist(id, e.persisted)
}

// ForceClose clears state even when open or half-open. Used when an admin
// sets the failure threshold to zero.
func (b *Breaker) ForceClose(ctx context.Context, id int64) {
	b.Reset(ctx, id)
}

// CurrentState returns the state label for decision-chain snapshots and
// metrics. It does not trigger transitions.
func (b *Breaker) CurrentState(id int64) State {
	e := b.get(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.CircuitState
}

// ── Internal ──────────────────────────────────────────────────────────────────

func (b *Breaker) openLocked(id int64, e *entry, cfg Config, now time.Time) {
	until := now.Add(cfg.OpenDuration)
	e.CircuitState = StateOpen
	e.CircuitOpenUntil = &until
	e.LastFailureTime = &now
	e.HalfOpenSuccessCount = 0
	b.persist(id, e.persisted)

	b.log.Warn("circuit opened",
		slog.Int64("id", id),
		slog.Int("failures", e.FailureCount),
		slog.Time("open_until", until),
	)
	if b.alert != nil {
		failures := e.FailureCount
		go b.alert(id, failures, until)
	}
}

func (b *Breaker) forceClosedLocked(id int64, e *entry) {
	changed := e.CircuitState != StateClosed || e.FailureCount != 0
	e.CircuitState = StateClosed
	e.FailureCount = 0
	e.LastFailureTime = nil
	e.CircuitOpenUntil = nil
	e.HalfOpenSuccessCount = 0
	if changed {
		b.persist(id, e.persisted)
	}
}

// persist writes the state to Redis fire-and-forget. Never fails the caller.
func (b *Breaker) persist(id int64, p persisted) {
	if b.rd == nil {
		return
	}
	key := b.keyFn(id)
	b.rd.Go("cb_persist", func(ctx context.Context) error {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.rd.Set(ctx, key, data, 0).Err()
	})
}

// maybeSyncLocked re-reads Redis for non-closed states at most once per
// syncInterval, so admin resets on peer instances take effect here.
func (b *Breaker) maybeSyncLocked(ctx context.Context, id int64, e *entry) {
	if b.rd == nil || e.CircuitState == StateClosed {
		return
	}
	now := b.now()
	if now.Sub(e.lastSync) < b.syncInterval {
		return
	}
	e.lastSync = now

	syncCtx, cancel := context.WithTimeout(ctx, rdb.DefaultQueryTimeout)
	defer cancel()

	data, err := b.rd.Get(syncCtx, b.keyFn(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Peer deleted the key: treat as a reset.
			e.persisted = persisted{CircuitState: StateClosed}
		}
		return
	}
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		b.log.Warn("breaker state decode failed",
			slog.Int64("id", id),
			slog.String("error", err.Error()),
		)
		return
	}
	e.persisted = p
}
