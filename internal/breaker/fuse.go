package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ding113/claude-code-hub/internal/model"
	"github.com/ding113/claude-code-hub/internal/rdb"
)

// fuseMinCoolDown is the minimum auto-open duration. Kept at one second so
// the fuse can be exercised cheaply in tests.
const fuseMinCoolDown = time.Second

// Fuse reasons recorded when auto-opening.
const (
	FuseNoEnabledEndpoints    = "no_enabled_endpoints"
	FuseAllEndpointsUnhealthy = "all_endpoints_unhealthy"
	FuseMassTimeout           = "mass_timeout"
)

// fuseState is the JSON document stored per (vendor, type) pair.
type fuseState struct {
	State      State      `json:"state"`
	OpenUntil  *time.Time `json:"openUntil,omitempty"`
	ManualOpen bool       `json:"manualOpen"`
	Reason     string     `json:"reason,omitempty"`
}

type fuseEntry struct {
	mu sync.Mutex
	fuseState
	lastSync time.Time
}

// Fuse is the coarse kill switch covering every endpoint of a (vendor,
// providerType) pair. Manual open supersedes auto open and never
// auto-closes.
type Fuse struct {
	rd  *rdb.Client
	log *slog.Logger

	mu      sync.Mutex
	entries map[string]*fuseEntry

	now func() time.Time
}

// NewFuse creates the vendor+type fuse registry. rd may be nil for
// memory-only operation.
func NewFuse(rd *rdb.Client, log *slog.Logger) *Fuse {
	if log == nil {
		log = slog.Default()
	}
	return &Fuse{
		rd:      rd,
		log:     log,
		entries: make(map[string]*fuseEntry),
		now:     time.Now,
	}
}

func fuseID(vendorID int64, t model.ProviderType) string {
	return fmt.Sprintf("%d:%s", vendorID, t)
}

func (f *Fuse) get(vendorID int64, t model.ProviderType) *fuseEntry {
	id := fuseID(vendorID, t)
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.entries[id]
	if e == nil {
		e = &fuseEntry{fuseState: fuseState{State: StateClosed}}
		f.entries[id] = e
	}
	return e
}

// IsOpen reports whether the fuse currently blocks the (vendor, type) pair.
// Auto-opened fuses close lazily once OpenUntil passes; manual fuses stay
// open until ManualClose.
func (f *Fuse) IsOpen(ctx context.Context, vendorID int64, t model.ProviderType) bool {
	e := f.get(vendorID, t)
	e.mu.Lock()
	defer e.mu.Unlock()

	f.maybeSyncLocked(ctx, vendorID, t, e)

	if e.ManualOpen {
		return true
	}
	if e.State != StateOpen {
		return false
	}
	if e.OpenUntil != nil && !f.now().Before(*e.OpenUntil) {
		e.State = StateClosed
		e.OpenUntil = nil
		e.Reason = ""
		f.persist(vendorID, t, e.fuseState)
		return false
	}
	return true
}

// Open auto-opens the fuse for the given cool-down (floored at one second).
// A manual open is never downgraded.
func (f *Fuse) Open(ctx context.Context, vendorID int64, t model.ProviderType, reason string, coolDown time.Duration) {
	if coolDown < fuseMinCoolDown {
		coolDown = fuseMinCoolDown
	}
	e := f.get(vendorID, t)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ManualOpen {
		return
	}
	until := f.now().Add(coolDown)
	e.State = StateOpen
	e.OpenUntil = &until
	e.Reason = reason
	f.persist(vendorID, t, e.fuseState)

	f.log.Warn("vendor fuse opened",
		slog.Int64("vendor_id", vendorID),
		slog.String("provider_type", string(t)),
		slog.String("reason", reason),
		slog.Time("open_until", until),
	)
}

// ManualOpen opens the fuse until an explicit ManualClose.
func (f *Fuse) ManualOpen(ctx context.Context, vendorID int64, t model.ProviderType) {
	e := f.get(vendorID, t)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.State = StateOpen
	e.ManualOpen = true
	e.OpenUntil = nil
	e.Reason = "manual"
	f.persist(vendorID, t, e.fuseState)
}

// ManualClose clears both manual and auto open.
func (f *Fuse) ManualClose(ctx context.Context, vendorID int64, t model.ProviderType) {
	e := f.get(vendorID, t)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fuseState = fuseState{State: StateClosed}
	f.persist(vendorID, t, e.fuseState)
}

func (f *Fuse) persist(vendorID int64, t model.ProviderType, s fuseState) {
	if f.rd == nil {
		return
	}
	key := f.rd.VendorTypeFuseKey(vendorID, string(t))
	f.rd.Go("fuse_persist", func(ctx context.Context) error {
		data, err := json.Marshal(s)
		if err != nil {
			return err
		}
		return f.rd.Set(ctx, key, data, 0).Err()
	})
}

func (f *Fuse) maybeSyncLocked(ctx context.Context, vendorID int64, t model.ProviderType, e *fuseEntry) {
	if f.rd == nil {
		return
	}
	// Closed fuses still sync (a peer may manual-open), but at most once
	// per second.
	now := f.now()
	if now.Sub(e.lastSync) < time.Second {
		return
	}
	e.lastSync = now

	syncCtx, cancel := context.WithTimeout(ctx, rdb.DefaultQueryTimeout)
	defer cancel()

	data, err := f.rd.Get(syncCtx, f.rd.VendorTypeFuseKey(vendorID, string(t))).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			e.fuseState = fuseState{State: StateClosed}
		}
		return
	}
	var s fuseState
	if err := json.Unmarshal(data, &s); err != nil {
		return
	}
	e.fuseState = s
}
